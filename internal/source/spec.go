package source

import (
	"encoding/base64"
	"net/url"
	"path"
	"strings"

	"function-harness/internal/errdefs"
)

// DefaultLang is used when a spec does not name a language.
const DefaultLang = "python"

// SourceSpec declares where a function's code lives and which callable
// to run.
type SourceSpec struct {
	Source       string `json:"source,omitempty" yaml:"source,omitempty"`
	Code         string `json:"code,omitempty" yaml:"code,omitempty"`
	Base64       string `json:"base64,omitempty" yaml:"base64,omitempty"`
	Handler      string `json:"handler" yaml:"handler"`
	InitFunction string `json:"init_function,omitempty" yaml:"init_function,omitempty"`
	Lang         string `json:"lang,omitempty" yaml:"lang,omitempty"`
}

// Inline reports whether the code is carried in the spec itself.
func (s SourceSpec) Inline() bool {
	return s.Base64 != ""
}

// Normalize checks the spec and returns its canonical form: plain code is
// converted to base64 and the language defaults to python.
func Normalize(s SourceSpec) (SourceSpec, error) {
	if s.Handler == "" {
		return s, errdefs.New("normalize", errdefs.ErrHandler, "handler must be provided")
	}
	if s.Source == "" && s.Code == "" && s.Base64 == "" {
		return s, errdefs.New("normalize", errdefs.ErrNoSourceProvided, "one of source, code or base64 must be set")
	}
	if s.Code != "" {
		s.Base64 = base64.StdEncoding.EncodeToString([]byte(s.Code))
		s.Code = ""
	}
	if s.Lang == "" {
		s.Lang = DefaultLang
	}
	return s, nil
}

// Scheme returns the scheme of uri without the "zip+" tag, or "" for local
// paths.
func Scheme(uri string) string {
	scheme, _, ok := strings.Cut(strings.TrimPrefix(uri, "zip+"), "://")
	if !ok {
		return ""
	}
	return strings.ToLower(scheme)
}

// IsZip reports whether uri is tagged as a zip archive.
func IsZip(uri string) bool {
	return strings.HasPrefix(uri, "zip+")
}

// IsLocal reports whether uri points at the local filesystem.
func IsLocal(uri string) bool {
	s := Scheme(uri)
	return s == "" || s == "file"
}

// FilenameFromURI returns the last path segment of uri, ignoring any query
// string or fragment.
func FilenameFromURI(uri string) string {
	raw := strings.TrimPrefix(uri, "zip+")
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		raw = u.Path
	}
	name := path.Base(raw)
	if name == "." || name == "/" {
		return ""
	}
	return name
}
