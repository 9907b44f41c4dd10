package errdefs

import (
	"errors"
	"fmt"
)

// Error categories. Every leaf sentinel below matches exactly one of them
// through errors.Is.
var (
	ErrSource          = errors.New("source error")
	ErrHandler         = errors.New("handler error")
	ErrBinding         = errors.New("binding error")
	ErrMaterialization = errors.New("materialization error")
	ErrStatusBuild     = errors.New("status build error")
)

// Sentinel errors for typed error checking.
var (
	ErrNoSourceProvided        = &kind{msg: "no source provided", category: ErrSource}
	ErrUnsupportedSourceScheme = &kind{msg: "unsupported source scheme", category: ErrSource}
	ErrDownload                = &kind{msg: "download failed", category: ErrSource}
	ErrExtraction              = &kind{msg: "archive extraction failed", category: ErrSource}

	ErrHandlerPathRequired = &kind{msg: "handler must name a module path", category: ErrHandler}
	ErrSourceLoad          = &kind{msg: "loading source failed", category: ErrHandler}

	ErrInputResolution             = &kind{msg: "input resolution failed", category: ErrBinding}
	ErrInitializerContract         = &kind{msg: "init function must have 'context' parameter", category: ErrBinding}
	ErrInitializerArgumentMismatch = &kind{msg: "init function parameters mismatch", category: ErrBinding}

	ErrPersist = &kind{msg: "persisting output failed", category: ErrMaterialization}
)

type kind struct {
	msg      string
	category error
}

func (k *kind) Error() string { return k.msg }

func (k *kind) Is(target error) bool { return target == k.category }

// Error wraps a failure with the operation that produced it and its kind.
// It unwraps to both the kind and the underlying cause so errors.Is and
// errors.As see either.
type Error struct {
	Op   string // The operation that failed
	Kind error
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Kind == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Wrap returns an *Error for op, or nil when err is nil.
func Wrap(op string, kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// New returns an *Error whose cause is a formatted message.
func New(op string, kind error, format string, args ...any) error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Category returns a short label for the category err belongs to, suitable
// as a metric label.
func Category(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrSource):
		return "source"
	case errors.Is(err, ErrHandler):
		return "handler"
	case errors.Is(err, ErrBinding):
		return "binding"
	case errors.Is(err, ErrMaterialization):
		return "materialization"
	case errors.Is(err, ErrStatusBuild):
		return "status"
	default:
		return "internal"
	}
}

// IsSource returns true if err is a source retrieval failure.
func IsSource(err error) bool {
	return errors.Is(err, ErrSource)
}

// IsBinding returns true if err is an argument binding failure.
func IsBinding(err error) bool {
	return errors.Is(err, ErrBinding)
}
