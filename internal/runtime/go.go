package runtime

import "function-harness/internal/loader"

// GoRuntime serves functions compiled into the harness binary. Sources still
// go through resolution so the working directory is prepared the same way,
// but symbols are looked up in Functions rather than read from disk.
type GoRuntime struct {
	Functions loader.Table
}

func (g *GoRuntime) Name() string { return "go" }

func (g *GoRuntime) Image() string { return "" }

func (g *GoRuntime) FileExtension() string { return ".go" }

func (g *GoRuntime) DefaultEntry() string { return "main.go" }

func (g *GoRuntime) Loader() loader.Loader {
	if g.Functions == nil {
		return loader.Table{}
	}
	return g.Functions
}
