package hostfunc

import (
	"fmt"
	"strings"
)

// Kind classifies failures reported across the native bridge.
type Kind string

const (
	KindUnknownCapability Kind = "unknown capability"
	KindInvalidArguments  Kind = "invalid arguments"
	KindTimeout           Kind = "timeout"
	KindNotOwner          Kind = "not owner"
	KindTransactionClosed Kind = "transaction already closed"
	KindUpgradePerformed  Kind = "upgrade already performed"
	KindResponseStarted   Kind = "response already started"
	KindClosed            Kind = "closed"
)

// Error is the error type returned by the bridge and by capability modules
// for failures of their own. Errors from sockets, databases and files are
// returned unchanged and never wrapped in an Error.
type Error struct {
	Kind   Kind
	Op     string // capability or operation, e.g. "lock"
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Kind, and on Op when the target names one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

var (
	ErrUnknownCapability = &Error{Kind: KindUnknownCapability}
	ErrInvalidArguments  = &Error{Kind: KindInvalidArguments}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrLockTimeout       = &Error{Kind: KindTimeout, Op: "lock"}
	ErrNotOwner          = &Error{Kind: KindNotOwner}
	ErrTransactionClosed = &Error{Kind: KindTransactionClosed}
	ErrUpgradePerformed  = &Error{Kind: KindUpgradePerformed}
	ErrResponseStarted   = &Error{Kind: KindResponseStarted}
	ErrClosed            = &Error{Kind: KindClosed}
)

// NewError returns an Error of the given kind.
func NewError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

func invalidArgs(op, format string, args ...any) *Error {
	return NewError(KindInvalidArguments, op, format, args...)
}

func timeoutErr(op, format string, args ...any) *Error {
	return NewError(KindTimeout, op, format, args...)
}
