package converge

import "fmt"

// Error kinds reported to callers.
const (
	KindRecipeSyntax        = "RecipeSyntaxError"
	KindInvalidResource     = "InvalidResource"
	KindUnknownResourceType = "UnknownResourceType"
	KindUnsupportedAction   = "UnsupportedAction"
	KindResourceFailed      = "ResourceFailed"
	KindRunList             = "RunListError"
)

// Sentinels for errors.Is; an *Error matches the sentinel of its kind.
var (
	ErrRecipeSyntax        = &Error{ErrKind: KindRecipeSyntax}
	ErrInvalidResource     = &Error{ErrKind: KindInvalidResource}
	ErrUnknownResourceType = &Error{ErrKind: KindUnknownResourceType}
	ErrUnsupportedAction   = &Error{ErrKind: KindUnsupportedAction}
	ErrResourceFailed      = &Error{ErrKind: KindResourceFailed}
	ErrRunList             = &Error{ErrKind: KindRunList}
)

type Error struct {
	ErrKind string
	Msg     string
	Err     error
}

func newError(kind string, err error, format string, args ...any) *Error {
	return &Error{ErrKind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

// Kind names the failure class; it travels with the error across the process boundary.
func (e *Error) Kind() string { return e.ErrKind }

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Msg == "" && t.Err == nil && t.ErrKind == e.ErrKind
}
