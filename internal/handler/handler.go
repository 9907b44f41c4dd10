package handler

import (
	"path"
	"path/filepath"
	"strings"

	"function-harness/internal/errdefs"
)

// Ref identifies a callable inside retrieved source: a slash separated
// module path (possibly empty) and a symbol name.
type Ref struct {
	ModulePath string
	Symbol     string
}

// Layout describes how a runtime lays out source files.
type Layout interface {
	FileExtension() string
	DefaultEntry() string
}

// Parse splits a handler of the form "pkg.module:function" or "function".
// Dotted segments become nested directories; the last one is the file stem.
func Parse(s string) Ref {
	parts := strings.Split(s, ":")
	if len(parts) == 1 {
		return Ref{Symbol: parts[0]}
	}
	return Ref{
		ModulePath: path.Join(strings.Split(parts[0], ".")...),
		Symbol:     parts[1],
	}
}

// String renders the ref back into handler form.
func (r Ref) String() string {
	if r.ModulePath == "" {
		return r.Symbol
	}
	return strings.ReplaceAll(r.ModulePath, "/", ".") + ":" + r.Symbol
}

// ResolveFile returns the source file that holds ref under root. Inline
// (base64) sources always live in the runtime's default entry file. The
// symbol itself is not checked; a missing symbol fails at load time.
func ResolveFile(root string, ref Ref, base64Mode bool, layout Layout) (string, error) {
	if base64Mode {
		return filepath.Join(root, layout.DefaultEntry()), nil
	}
	if ref.ModulePath == "" {
		return "", errdefs.New("resolve handler", errdefs.ErrHandlerPathRequired,
			"handler %q must be in the form <root>.<dir>.<module>:<function>", ref.Symbol)
	}
	return filepath.Join(root, filepath.FromSlash(ref.ModulePath)+layout.FileExtension()), nil
}
