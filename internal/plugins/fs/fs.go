// Package fs exposes scoped filesystem access to the UI.
package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"

	"compass-desktop/internal/logging"
	"compass-desktop/internal/plugin"
)

// Name is the capability name.
const Name = "fs"

const (
	filePerm = 0o644
	dirPerm  = 0o755
)

type (
	// Config configures the plugin.
	Config struct {
		// Fs backs every operation. Defaults to the OS filesystem.
		Fs     afero.Fs
		Allow  []string
		Deny   []string
		Bases  map[string]string
		Logger *log.Logger
	}

	// Plugin is the fs capability. Mutating operations are serialized.
	Plugin struct {
		fs     afero.Fs
		scope  *Scope
		logger *log.Logger
		mu     sync.Mutex

		// followLinks is set for the OS filesystem, where symlinks exist.
		followLinks bool
	}

	// PathRequest addresses a single path.
	PathRequest struct {
		Path      string `mapstructure:"path"`
		BaseDir   string `mapstructure:"base_dir"`
		Recursive bool   `mapstructure:"recursive"`
	}

	// WriteRequest writes binary data.
	WriteRequest struct {
		Path    string `mapstructure:"path"`
		BaseDir string `mapstructure:"base_dir"`
		Data    []byte `mapstructure:"data"`
	}

	// WriteTextRequest writes or appends text.
	WriteTextRequest struct {
		Path     string `mapstructure:"path"`
		BaseDir  string `mapstructure:"base_dir"`
		Contents string `mapstructure:"contents"`
	}

	// RenameRequest moves a path. Both paths share BaseDir.
	RenameRequest struct {
		From    string `mapstructure:"from"`
		To      string `mapstructure:"to"`
		BaseDir string `mapstructure:"base_dir"`
	}

	// FileInfo describes a path.
	FileInfo struct {
		Name      string `json:"name" msgpack:"name"`
		Size      int64  `json:"size" msgpack:"size"`
		Mode      uint32 `json:"mode" msgpack:"mode"`
		ModTime   int64  `json:"mtime" msgpack:"mtime"`
		IsDir     bool   `json:"isDir" msgpack:"isDir"`
		IsFile    bool   `json:"isFile" msgpack:"isFile"`
		IsSymlink bool   `json:"isSymlink" msgpack:"isSymlink"`
		Readonly  bool   `json:"readonly" msgpack:"readonly"`
	}

	// DirEntry is one child of a directory.
	DirEntry struct {
		Name      string `json:"name" msgpack:"name"`
		IsDir     bool   `json:"isDir" msgpack:"isDir"`
		IsFile    bool   `json:"isFile" msgpack:"isFile"`
		IsSymlink bool   `json:"isSymlink" msgpack:"isSymlink"`
	}
)

// New returns the fs plugin.
func New(cfg Config) (*Plugin, error) {
	fsys := cfg.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	_, followLinks := fsys.(*afero.OsFs)

	bases := cfg.Bases
	if followLinks {
		bases = realBases(cfg.Bases)
	}
	scope, err := NewScope(cfg.Allow, cfg.Deny, bases)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Plugin{fs: fsys, scope: scope, logger: logger, followLinks: followLinks}, nil
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return Name }

// Operations implements plugin.Plugin.
func (p *Plugin) Operations() map[string]plugin.Operation {
	return map[string]plugin.Operation{
		"read_file":        p.readFile,
		"read_text_file":   p.readTextFile,
		"write_file":       p.writeFile,
		"write_text_file":  p.writeTextFile,
		"append_text_file": p.appendTextFile,
		"exists":           p.exists,
		"stat":             p.stat,
		"read_dir":         p.readDir,
		"mkdir":            p.mkdir,
		"remove":           p.remove,
		"rename":           p.rename,
	}
}

// resolve maps a request path into scope. On the OS filesystem the returned
// path has its directories resolved, so a symlink can only be the final
// component, and both it and its fully resolved target must be in scope.
func (p *Plugin) resolve(path, baseDir string) (string, error) {
	resolved, err := p.scope.Resolve(path, baseDir)
	if err != nil {
		if errors.Is(err, ErrPathNotAllowed) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", plugin.ErrInvalidArguments, err)
	}
	if !p.followLinks {
		if !p.scope.Allowed(resolved) {
			return "", fmt.Errorf("%w: %s", ErrPathNotAllowed, resolved)
		}
		return resolved, nil
	}

	dir, err := realPath(filepath.Dir(resolved))
	if err != nil {
		return "", err
	}
	target := filepath.Join(dir, filepath.Base(resolved))
	final, err := realPath(target)
	if err != nil {
		return "", err
	}
	if !p.scope.Allowed(target) || !p.scope.Allowed(final) {
		p.logger.Debug("path leaves scope", "path", resolved, "target", final)
		return "", fmt.Errorf("%w: %s", ErrPathNotAllowed, resolved)
	}
	return target, nil
}

func (p *Plugin) decodePath(args plugin.Args) (string, PathRequest, error) {
	var req PathRequest
	if err := args.Decode(&req); err != nil {
		return "", req, err
	}
	path, err := p.resolve(req.Path, req.BaseDir)
	return path, req, err
}

func (p *Plugin) readFile(_ context.Context, args plugin.Args) (any, error) {
	path, _, err := p.decodePath(args)
	if err != nil {
		return nil, err
	}
	return afero.ReadFile(p.fs, path)
}

func (p *Plugin) readTextFile(_ context.Context, args plugin.Args) (any, error) {
	path, _, err := p.decodePath(args)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(p.fs, path)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (p *Plugin) writeFile(_ context.Context, args plugin.Args) (any, error) {
	var req WriteRequest
	if err := args.Decode(&req); err != nil {
		return nil, err
	}
	path, err := p.resolve(req.Path, req.BaseDir)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return nil, afero.WriteFile(p.fs, path, req.Data, filePerm)
}

func (p *Plugin) writeTextFile(_ context.Context, args plugin.Args) (any, error) {
	var req WriteTextRequest
	if err := args.Decode(&req); err != nil {
		return nil, err
	}
	path, err := p.resolve(req.Path, req.BaseDir)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return nil, afero.WriteFile(p.fs, path, []byte(req.Contents), filePerm)
}

func (p *Plugin) appendTextFile(_ context.Context, args plugin.Args) (any, error) {
	var req WriteTextRequest
	if err := args.Decode(&req); err != nil {
		return nil, err
	}
	path, err := p.resolve(req.Path, req.BaseDir)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := p.fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return nil, err
	}
	if _, err := f.WriteString(req.Contents); err != nil {
		_ = f.Close()
		return nil, err
	}
	return nil, f.Close()
}

func (p *Plugin) exists(_ context.Context, args plugin.Args) (any, error) {
	path, _, err := p.decodePath(args)
	if err != nil {
		return nil, err
	}
	return afero.Exists(p.fs, path)
}

func (p *Plugin) stat(_ context.Context, args plugin.Args) (any, error) {
	path, _, err := p.decodePath(args)
	if err != nil {
		return nil, err
	}

	info, symlink, err := p.lstat(path)
	if err != nil {
		return nil, err
	}
	return FileInfo{
		Name:      info.Name(),
		Size:      info.Size(),
		Mode:      uint32(info.Mode().Perm()),
		ModTime:   info.ModTime().UnixMilli(),
		IsDir:     info.IsDir(),
		IsFile:    info.Mode().IsRegular(),
		IsSymlink: symlink,
		Readonly:  info.Mode().Perm()&0o200 == 0,
	}, nil
}

func (p *Plugin) lstat(path string) (os.FileInfo, bool, error) {
	if l, ok := p.fs.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(path)
		if err != nil {
			return nil, false, err
		}
		return info, info.Mode()&os.ModeSymlink != 0, nil
	}
	info, err := p.fs.Stat(path)
	return info, false, err
}

func (p *Plugin) readDir(_ context.Context, args plugin.Args) (any, error) {
	path, _, err := p.decodePath(args)
	if err != nil {
		return nil, err
	}

	infos, err := afero.ReadDir(p.fs, path)
	if err != nil {
		return nil, err
	}
	entries := make([]DirEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, DirEntry{
			Name:      info.Name(),
			IsDir:     info.IsDir(),
			IsFile:    info.Mode().IsRegular(),
			IsSymlink: info.Mode()&os.ModeSymlink != 0,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (p *Plugin) mkdir(_ context.Context, args plugin.Args) (any, error) {
	path, req, err := p.decodePath(args)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if req.Recursive {
		return nil, p.fs.MkdirAll(path, dirPerm)
	}
	return nil, p.fs.Mkdir(path, dirPerm)
}

func (p *Plugin) remove(_ context.Context, args plugin.Args) (any, error) {
	path, req, err := p.decodePath(args)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if req.Recursive {
		if _, err := p.fs.Stat(path); err != nil {
			return nil, err
		}
		return nil, p.fs.RemoveAll(path)
	}
	return nil, p.fs.Remove(path)
}

func (p *Plugin) rename(_ context.Context, args plugin.Args) (any, error) {
	var req RenameRequest
	if err := args.Decode(&req); err != nil {
		return nil, err
	}
	from, err := p.resolve(req.From, req.BaseDir)
	if err != nil {
		return nil, err
	}
	to, err := p.resolve(req.To, req.BaseDir)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger.Debug("renaming", "from", from, "to", to)
	return nil, p.fs.Rename(from, to)
}
