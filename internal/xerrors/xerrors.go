// Package xerrors adds call-site positions and stacks to errors so the logger
// can report where a failure entered the gateway (error_links, stack).
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxDepth = 64

// hasStack is implemented by errors carrying a captured call stack.
type hasStack interface{ StackPCs() []uintptr }

type withStack struct {
	err error
	pcs []uintptr
}

func (w *withStack) Error() string       { return w.err.Error() }
func (w *withStack) Unwrap() error       { return w.err }
func (w *withStack) StackPCs() []uintptr { return w.pcs }
func (w *withStack) IsXerrorsWrapper()   {}

// captureStack records the stack above its caller's caller plus skip frames.
func captureStack(skip int) []uintptr {
	pcs := make([]uintptr, maxDepth)
	// 2 skips runtime.Callers and captureStack
	n := runtime.Callers(2+skip, pcs)
	return pcs[:n]
}

func withStackSkip(err error, skip int) error {
	if err == nil {
		return nil
	}
	return &withStack{err: err, pcs: captureStack(skip)}
}

// WithStack attaches the caller's stack to err. Nil stays nil.
func WithStack(err error) error { return withStackSkip(err, 2) }

// EnsureTrace is WithStack unless something in err's chain already has a stack.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var hs hasStack
	if errors.As(err, &hs) && hs != nil && len(hs.StackPCs()) > 0 {
		return err
	}
	return withStackSkip(err, 2)
}

type wrap struct {
	err error
	msg string
	pc  uintptr
}

func (w *wrap) Error() string     { return w.msg + ": " + w.err.Error() }
func (w *wrap) Unwrap() error     { return w.err }
func (w *wrap) PC() uintptr       { return w.pc }
func (w *wrap) IsXerrorsWrapper() {}

func callerPC(skip int) uintptr {
	var pcs [1]uintptr
	// 2 skips runtime.Callers and callerPC
	if n := runtime.Callers(2+skip, pcs[:]); n == 0 {
		return 0
	}
	return pcs[0]
}

// Wrap prefixes err with msg and records the calling line. Nil stays nil, so
// `return xerrors.Wrap(store.Record(...), "record")` is safe.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrap{err: err, msg: msg, pc: callerPC(1)}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrap{err: err, msg: fmt.Sprintf(format, args...), pc: callerPC(1)}
}

// New returns an error with msg and the caller's stack.
func New(msg string) error { return withStackSkip(errors.New(msg), 2) }

// Newf is New with a formatted message. %w verbs wrap as in fmt.Errorf.
func Newf(f string, args ...any) error { return withStackSkip(fmt.Errorf(f, args...), 2) }

// Join is errors.Join with the caller's stack attached. Nil entries are
// dropped and it returns nil when nothing is left, so shutdown paths can
// collect every close error in one call.
func Join(errs ...error) error {
	return withStackSkip(errors.Join(errs...), 2)
}
