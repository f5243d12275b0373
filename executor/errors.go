package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/caffeineduck/cube/hostfunc"
	"github.com/caffeineduck/cube/service"
	"github.com/dop251/goja"
)

var (
	ErrBusy           = errors.New("executor busy")
	ErrClosed         = errors.New("executor closed")
	ErrModuleNotFound = errors.New("module not found")
	ErrSessionClosed  = errors.New("session closed")
	ErrSessionBusy    = errors.New("session busy")
)

// ScriptError is a value thrown by a script. Errors raised by host calls
// are reported as the original Go error instead.
type ScriptError struct {
	Message string
	Code    string
	Stack   string
}

func (e *ScriptError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// scriptError maps an error out of goja onto the errors callers see.
func scriptError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		cause, _ := interrupted.Value().(error)
		if cause == nil {
			cause = context.Cause(ctx)
		}
		return interruptError(cause)
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return thrownError(ex.Value(), ex.String())
	}
	if ctx.Err() != nil && errors.Is(err, context.Cause(ctx)) {
		return interruptError(err)
	}
	return err
}

func interruptError(cause error) error {
	if cause == nil {
		cause = context.Canceled
	}
	if errors.Is(cause, context.DeadlineExceeded) || errors.Is(cause, service.ErrIdleTimeout) {
		return &hostfunc.Error{Kind: hostfunc.KindTimeout, Op: "script", Cause: cause}
	}
	return fmt.Errorf("script interrupted: %w", cause)
}

func thrownError(val goja.Value, stack string) error {
	if val == nil {
		return &ScriptError{Message: "undefined", Stack: stack}
	}
	obj, ok := val.(*goja.Object)
	if !ok {
		return &ScriptError{Message: val.String(), Stack: stack}
	}
	// GoError objects carry the host error in "value".
	if v := obj.Get("value"); v != nil {
		if err, ok := v.Export().(error); ok {
			return err
		}
	}
	se := &ScriptError{Message: val.String(), Stack: stack}
	if m := obj.Get("message"); defined(m) {
		se.Message = m.String()
	}
	if c := obj.Get("code"); defined(c) {
		se.Code = c.String()
	}
	return se
}

func defined(v goja.Value) bool {
	return v != nil && !goja.IsUndefined(v) && !goja.IsNull(v)
}
