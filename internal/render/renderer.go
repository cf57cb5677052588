// Package render converts markdown into HTML fragments annotated with their
// source lines.
package render

import (
	"bytes"
	"path/filepath"
	"strconv"
	"strings"

	chromahtml "github.com/alecthomas/chroma/formatters/html"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extensionast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
	alertcallouts "github.com/zmtcreative/gm-alert-callouts"
	"go.abhg.dev/goldmark/mermaid"
)

const (
	mdLineAttribute   = "data-md-line"
	localSrcAttribute = "data-local-src"
)

// Renderer is a wrapper around the Goldmark markdown parser with
// pre-configured extensions. It is safe for concurrent use.
type Renderer struct {
	md goldmark.Markdown
}

// Heading is a document heading, in source order.
type Heading struct {
	Level int    `json:"level" msgpack:"level"`
	ID    string `json:"id" msgpack:"id"`
	Text  string `json:"text" msgpack:"text"`
	Line  int    `json:"line" msgpack:"line"`
}

// Document is a rendered markdown source.
type Document struct {
	HTML     string    `json:"html" msgpack:"html"`
	Headings []Heading `json:"headings" msgpack:"headings"`
	// Images lists the local image files the document references, resolved
	// to absolute paths. The UI loads them through the fs capability.
	Images []string `json:"images" msgpack:"images"`
}

func NewRenderer() *Renderer {
	// The HTML renderer stays in safe mode. Raw HTML is omitted and dangerous
	// link schemes render as empty URLs.
	md := goldmark.New(
		goldmark.WithExtensions(
			alertcallouts.AlertCallouts,
			// The UI bundles mermaid.js itself.
			&mermaid.Extender{NoScript: true},
			extension.GFM,
			extension.Table,
			extension.Strikethrough,
			extension.TaskList,
			extension.Linkify,
			highlighting.NewHighlighting(
				highlighting.WithWrapperRenderer(renderHighlightedCodeWrapper),
				highlighting.WithFormatOptions(
					chromahtml.WithClasses(true),
				),
			),
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
	)
	return &Renderer{md: md}
}

// Render parses markdown source and returns the HTML fragment with
// data-md-line attributes attached to block elements.
//
// If sourcePath is set, relative image destinations are resolved against
// its directory and reported in Document.Images.
func (r *Renderer) Render(source []byte, sourcePath string) (Document, error) {
	doc := r.md.Parser().Parse(text.NewReader(source))
	meta := decorateAST(doc, source, sourcePath)

	var buf bytes.Buffer
	if err := r.md.Renderer().Render(&buf, source, doc); err != nil {
		return Document{}, err
	}

	return Document{HTML: buf.String(), Headings: meta.headings, Images: meta.images}, nil
}

type metadata struct {
	headings []Heading
	images   []string
}

// decorateAST walks the AST once and applies render metadata.
// It attaches data-md-line to block-level elements and marks local images
// with their resolved path.
func decorateAST(doc ast.Node, source []byte, sourcePath string) metadata {
	var meta metadata
	seen := make(map[string]bool)

	baseDir := ""
	if sourcePath != "" {
		baseDir = filepath.Dir(sourcePath)
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		line := 0
		if shouldAnnotateNode(n) {
			offset, ok := firstNodeOffset(n)
			if ok {
				line = offsetToLine(source, offset)
				n.SetAttributeString(mdLineAttribute, strconv.Itoa(line))
			}
		}

		if h, ok := n.(*ast.Heading); ok {
			meta.headings = append(meta.headings, Heading{
				Level: h.Level,
				ID:    attributeString(h, "id"),
				Text:  headingText(h, source),
				Line:  line,
			})
			return ast.WalkContinue, nil
		}

		img, ok := n.(*ast.Image)
		if !ok {
			return ast.WalkContinue, nil
		}

		resolved, ok := localImagePath(string(img.Destination), baseDir)
		if !ok {
			return ast.WalkContinue, nil
		}
		img.SetAttributeString(localSrcAttribute, resolved)
		img.SetAttributeString("loading", "lazy")
		img.SetAttributeString("decoding", "async")
		if !seen[resolved] {
			seen[resolved] = true
			meta.images = append(meta.images, resolved)
		}

		return ast.WalkContinue, nil
	})

	return meta
}

// localImagePath resolves an image destination to an absolute file path.
// Remote, inline and fragment destinations are left alone.
func localImagePath(dest, baseDir string) (string, bool) {
	rawDest := strings.TrimSpace(dest)
	if rawDest == "" {
		return "", false
	}

	lowerDest := strings.ToLower(rawDest)
	for _, prefix := range []string{"http://", "https://", "data:", "blob:", "//", "#"} {
		if strings.HasPrefix(lowerDest, prefix) {
			return "", false
		}
	}
	if strings.HasPrefix(lowerDest, "file://") {
		rawDest = rawDest[len("file://"):]
	}

	if filepath.IsAbs(rawDest) {
		return filepath.Clean(rawDest), true
	}
	if baseDir == "" {
		return "", false
	}
	return filepath.Clean(filepath.Join(baseDir, rawDest)), true
}

func attributeString(n ast.Node, name string) string {
	v, ok := n.AttributeString(name)
	if !ok {
		return ""
	}
	switch typed := v.(type) {
	case string:
		return typed
	case []byte:
		return string(typed)
	default:
		return ""
	}
}

func headingText(h *ast.Heading, source []byte) string {
	var b strings.Builder
	_ = ast.Walk(h, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := n.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(source))
			if t.SoftLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

// shouldAnnotateNode returns true for block-level element types that should
// receive line metadata. These are the elements that map directly to source lines.
func shouldAnnotateNode(n ast.Node) bool {
	switch n.Kind() {
	case ast.KindHeading,
		ast.KindParagraph,
		ast.KindBlockquote,
		ast.KindFencedCodeBlock,
		ast.KindList,
		ast.KindListItem,
		ast.KindThematicBreak,
		extensionast.KindTable:
		return true
	default:
		return false
	}
}

// firstNodeOffset returns the byte offset of the first line in a node.
// It first checks if the node has its own lines (most block elements do).
// If not, it recursively searches children to find the first meaningful offset.
// This handles nodes like lists that contain list items with actual content.
func firstNodeOffset(n ast.Node) (int, bool) {
	if n == nil {
		return 0, false
	}

	if lines := n.Lines(); lines != nil && lines.Len() > 0 {
		return lines.At(0).Start, true
	}

	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		if offset, ok := firstNodeOffset(child); ok {
			return offset, true
		}
	}

	return 0, false
}

// offsetToLine converts a byte offset to a 1-based line number.
// It counts how many newline characters appear before the offset position
// The offset is clamped to the valid range [0, len(source)].
func offsetToLine(source []byte, offset int) int {
	if offset < 0 {
		offset = 0
	}

	if offset > len(source) {
		offset = len(source)
	}

	return bytes.Count(source[:offset], []byte{'\n'}) + 1
}

// renderHighlightedCodeWrapper wraps syntax-highlighted code blocks in a div
// with the data-md-line attribute. This is a custom wrapper renderer used by
// the goldmark-highlighting extension to preserve line metadata for code blocks.
func renderHighlightedCodeWrapper(w util.BufWriter, context highlighting.CodeBlockContext, entering bool) {
	line, ok := highlightedCodeLine(context)
	if !ok {
		return
	}

	if entering {
		_, _ = w.WriteString("<div ")
		_, _ = w.WriteString(mdLineAttribute)
		_, _ = w.WriteString(`="`)
		_, _ = w.WriteString(line)
		_, _ = w.WriteString(`">`)
		return
	}

	_, _ = w.WriteString("</div>")
}

// highlightedCodeLine extracts the line number attribute from a code block's
// rendering context. This attribute was set during the decorateAST
// walk and needs to be transferred to the wrapper div.
func highlightedCodeLine(context highlighting.CodeBlockContext) (string, bool) {
	if context == nil {
		return "", false
	}

	attrs := context.Attributes()
	if attrs == nil {
		return "", false
	}

	v, ok := attrs.GetString(mdLineAttribute)
	if !ok {
		return "", false
	}

	switch typed := v.(type) {
	case string:
		return typed, typed != ""
	case []byte:
		if len(typed) == 0 {
			return "", false
		}
		return string(typed), true
	default:
		return "", false
	}
}
