package runtime

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"function-harness/internal/errdefs"
	"function-harness/internal/loader"
)

//go:embed bootstrap.py
var bootstrapSource string

// PythonRuntime loads and calls python functions in a child interpreter.
// Each probe and each call is a fresh process, so no state leaks between
// executions.
type PythonRuntime struct {
	// Bin is the interpreter to run. Defaults to python3.
	Bin string

	// TabularTypes lists fully qualified class names the interpreter sends
	// back as tables instead of pickles.
	TabularTypes []string

	// CallTimeout bounds a single interpreter invocation. Zero means no
	// limit beyond the caller's context.
	CallTimeout time.Duration
}

func (p *PythonRuntime) Name() string { return "python" }

func (p *PythonRuntime) Image() string { return "docker.io/library/python:3.12-slim" }

func (p *PythonRuntime) FileExtension() string { return ".py" }

func (p *PythonRuntime) DefaultEntry() string { return "main.py" }

func (p *PythonRuntime) Loader() loader.Loader { return p }

// Load imports the module at path in a probe process and records the
// declared parameters of symbol.
func (p *PythonRuntime) Load(ctx context.Context, path, symbol string) (loader.Callable, error) {
	return p.LoadFrom(ctx, "", path, symbol)
}

// LoadFrom is Load with root put first on the module search path. A module
// below root is imported under its dotted package name.
func (p *PythonRuntime) LoadFrom(ctx context.Context, root, path, symbol string) (loader.Callable, error) {
	c := &pythonCallable{rt: p, root: root, path: path, symbol: symbol}
	env, err := p.invoke(ctx, "probe", c, nil)
	if err != nil {
		return nil, errdefs.Wrap("load "+symbol, errdefs.ErrSourceLoad, err)
	}
	c.params = env.Params
	return c, nil
}

// PythonError is an exception raised inside the interpreter.
type PythonError struct {
	Stage     string // load, init, call, request or encode
	Type      string
	Message   string
	Traceback string
}

func (e *PythonError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

type envelope struct {
	OK        bool       `json:"ok"`
	Params    []string   `json:"params,omitempty"`
	Result    *wireValue `json:"result,omitempty"`
	Stage     string     `json:"stage,omitempty"`
	Type      string     `json:"type,omitempty"`
	Message   string     `json:"message,omitempty"`
	Traceback string     `json:"traceback,omitempty"`
}

type callRequest struct {
	Kwargs  map[string]wireValue `json:"kwargs"`
	Tabular []string             `json:"tabular"`
	Init    *initRequest         `json:"init"`
}

type initRequest struct {
	Symbol string               `json:"symbol"`
	Kwargs map[string]wireValue `json:"kwargs"`
}

func (p *PythonRuntime) bin() string {
	if p.Bin == "" {
		return "python3"
	}
	return p.Bin
}

func (p *PythonRuntime) invoke(ctx context.Context, mode string, c *pythonCallable, stdin []byte) (*envelope, error) {
	if p.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.CallTimeout)
		defer cancel()
	}

	logger := log.With().Str("mode", mode).Str("symbol", c.symbol).Logger()

	path, err := filepath.Abs(c.path)
	if err != nil {
		return nil, err
	}
	args := []string{"-u", "-B", "-c", bootstrapSource, mode, path, c.symbol}
	if c.root != "" {
		root, err := filepath.Abs(c.root)
		if err != nil {
			return nil, err
		}
		args = append(args, root)
	}
	cmd := exec.CommandContext(ctx, p.bin(), args...)
	cmd.Dir = filepath.Dir(path)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	if stderr.Len() > 0 {
		logger.Debug().Str("stderr", tail(stderr.String(), 4096)).Msg("interpreter output")
	}

	var env envelope
	if err := json.Unmarshal(lastLine(stdout.Bytes()), &env); err != nil {
		if runErr != nil {
			return nil, fmt.Errorf("python %s: %w: %s", mode, runErr, tail(stderr.String(), 512))
		}
		return nil, fmt.Errorf("decoding interpreter reply: %w", err)
	}
	logger.Debug().Dur("duration", time.Since(start)).Bool("ok", env.OK).Msg("interpreter finished")

	if !env.OK {
		return &env, &PythonError{
			Stage:     env.Stage,
			Type:      env.Type,
			Message:   env.Message,
			Traceback: env.Traceback,
		}
	}
	return &env, nil
}

type pythonCallable struct {
	rt     *PythonRuntime
	root   string
	path   string
	symbol string
	params []string
	init   *pythonInit
}

type pythonInit struct {
	symbol string
	kwargs map[string]any
}

func (c *pythonCallable) Symbol() string { return c.symbol }

func (c *pythonCallable) Params() []string { return append([]string(nil), c.params...) }

// WithInit runs init in the same interpreter process right before the
// function, so objects the initializer mutates are the ones the function
// receives.
func (c *pythonCallable) WithInit(init loader.Callable, kwargs map[string]any) (loader.Callable, error) {
	pc, ok := init.(*pythonCallable)
	if !ok || pc.path != c.path {
		return nil, fmt.Errorf("init function %s must be defined next to %s", init.Symbol(), c.symbol)
	}
	chained := *c
	chained.init = &pythonInit{symbol: pc.symbol, kwargs: kwargs}
	return &chained, nil
}

func (c *pythonCallable) Call(ctx context.Context, kwargs map[string]any) (any, error) {
	codec := newCodec()
	req := callRequest{Tabular: c.rt.TabularTypes}

	var err error
	if c.init != nil {
		req.Init = &initRequest{Symbol: c.init.symbol}
		if req.Init.Kwargs, err = codec.encodeMap(c.init.kwargs); err != nil {
			return nil, err
		}
	}
	if req.Kwargs, err = codec.encodeMap(kwargs); err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding call request: %w", err)
	}

	env, err := c.rt.invoke(ctx, "call", c, body)
	if err != nil {
		var pyErr *PythonError
		if errors.As(err, &pyErr) && pyErr.Stage == "load" {
			return nil, errdefs.Wrap("load "+c.symbol, errdefs.ErrSourceLoad, err)
		}
		if errors.As(err, &pyErr) && pyErr.Stage == "init" {
			return nil, fmt.Errorf("init function %s: %w", c.init.symbol, err)
		}
		return nil, err
	}
	if env.Result == nil {
		return nil, nil
	}
	return codec.decode(*env.Result)
}

func lastLine(b []byte) []byte {
	b = bytes.TrimRight(b, "\r\n")
	if i := bytes.LastIndexByte(b, '\n'); i >= 0 {
		return b[i+1:]
	}
	return b
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
