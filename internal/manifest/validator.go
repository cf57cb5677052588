package manifest

import (
	"bytes"
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

//go:embed schema/manifest.schema.json
var schemaBytes []byte

var (
	compiledSchema *jsonschema.Schema
	compileOnce    sync.Once
	compileErr     error
	printer        = message.NewPrinter(language.English)
)

// validationResult is the outcome of a schema validation.
type validationResult struct {
	Valid  bool
	Issues []Issue
}

// getSchema compiles the embedded JSON schema once and returns it.
func getSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
		if err != nil {
			compileErr = fmt.Errorf("unmarshaling schema JSON: %w", err)
			return
		}

		c := jsonschema.NewCompiler()
		if err := c.AddResource("manifest.schema.json", doc); err != nil {
			compileErr = fmt.Errorf("adding schema resource: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile("manifest.schema.json")
		if compileErr != nil {
			compileErr = fmt.Errorf("compiling schema: %w", compileErr)
		}
	})
	return compiledSchema, compileErr
}

// validate checks plain JSON against the manifest schema. The error return
// is for unreadable input or schema compilation failures; violations are
// reported in the result.
func validate(data []byte) (*validationResult, error) {
	schema, err := getSchema()
	if err != nil {
		return nil, fmt.Errorf("loading schema: %w", err)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}

	err = schema.Validate(inst)
	if err == nil {
		return &validationResult{Valid: true}, nil
	}

	validationErr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return nil, fmt.Errorf("unexpected validation error type: %w", err)
	}

	return &validationResult{Issues: extractIssues(validationErr)}, nil
}

// extractIssues flattens a validation error into one Issue per offending
// manifest field, ordered by field path. Missing and unknown fields are
// reported at the field itself rather than at the enclosing object.
func extractIssues(ve *jsonschema.ValidationError) []Issue {
	var issues issueSet
	issues.walk(ve)
	if len(issues.list) == 0 {
		return []Issue{{Message: ve.Error()}}
	}
	sort.SliceStable(issues.list, func(i, j int) bool {
		return issues.list[i].Path < issues.list[j].Path
	})
	return issues.list
}

// issueSet collects issues, keeping the first message per field and keyword.
type issueSet struct {
	list []Issue
	seen map[string]bool
}

func (s *issueSet) walk(ve *jsonschema.ValidationError) {
	at := fieldPath(ve.InstanceLocation)

	switch k := ve.ErrorKind.(type) {
	case *kind.Group, *kind.Schema, *kind.Reference, *kind.AllOf, nil:
	case *kind.Required:
		for _, field := range k.Missing {
			s.add(Issue{Path: at + "/" + escapeField(field), Keyword: "required", Message: "is required"})
		}
	case *kind.AdditionalProperties:
		for _, field := range k.Properties {
			s.add(Issue{Path: at + "/" + escapeField(field), Keyword: "additionalProperties", Message: "is not a manifest field"})
		}
	default:
		if len(ve.Causes) == 0 {
			s.add(Issue{Path: at, Keyword: keywordOf(k), Message: k.LocalizedString(printer)})
		}
	}

	for _, cause := range ve.Causes {
		s.walk(cause)
	}
}

func (s *issueSet) add(issue Issue) {
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	key := issue.Path + "\x00" + issue.Keyword
	if s.seen[key] {
		return
	}
	s.seen[key] = true
	s.list = append(s.list, issue)
}

// fieldPath renders an instance location as a JSON pointer, "" for the root.
func fieldPath(location []string) string {
	var b strings.Builder
	for _, field := range location {
		b.WriteByte('/')
		b.WriteString(escapeField(field))
	}
	return b.String()
}

var pointerEscaper = strings.NewReplacer("~", "~0", "/", "~1")

func escapeField(field string) string {
	return pointerEscaper.Replace(field)
}

func keywordOf(k jsonschema.ErrorKind) string {
	if path := k.KeywordPath(); len(path) > 0 {
		return path[len(path)-1]
	}
	return ""
}
