package runtime

import (
	"fmt"
	"slices"
	"strings"

	"function-harness/internal/loader"
)

// Runtime describes how functions written in one language are laid out on
// disk and loaded.
type Runtime interface {
	// Name returns the language identifier (e.g., "python", "go").
	Name() string

	// Image returns the container image used when a function in this
	// language is submitted to a container engine.
	Image() string

	// FileExtension returns the extension appended to module paths
	// (e.g., ".py").
	FileExtension() string

	// DefaultEntry returns the file inline sources are written to.
	DefaultEntry() string

	// Loader returns the loader that turns a file and symbol into a callable.
	Loader() loader.Loader
}

// Registry maps language names to their Runtime implementations.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry creates a registry holding the given runtimes.
func NewRegistry(runtimes ...Runtime) *Registry {
	r := &Registry{
		runtimes: make(map[string]Runtime),
	}
	for _, rt := range runtimes {
		r.Register(rt)
	}
	return r
}

// Register adds a runtime to the registry.
func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Name()] = rt
}

// Get returns the runtime for the given language.
func (r *Registry) Get(language string) (Runtime, error) {
	rt, ok := r.runtimes[language]
	if !ok {
		return nil, fmt.Errorf("unsupported language: %q (supported: %s)", language, strings.Join(r.Languages(), ", "))
	}
	return rt, nil
}

// Languages returns all registered language names, sorted.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		langs = append(langs, name)
	}
	slices.Sort(langs)
	return langs
}

// Images returns all container images needed by registered runtimes.
func (r *Registry) Images() []string {
	images := make([]string, 0, len(r.runtimes))
	for _, name := range r.Languages() {
		if img := r.runtimes[name].Image(); img != "" {
			images = append(images, img)
		}
	}
	return images
}
