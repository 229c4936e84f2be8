package central

import "fmt"

// Error is returned by the operations of a Central. Codes are
// negative, errors with the same code match with errors.Is.
type Error struct {
	Code int
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d)", e.Msg, e.Code)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrUnknownPeer      = &Error{Code: -1, Msg: "unknown device"}
	ErrUnknownParameter = &Error{Code: -2, Msg: "unknown parameter or channel"}
	ErrBusy             = &Error{Code: -3, Msg: "device busy"}
	ErrTimeout          = &Error{Code: -4, Msg: "no response from device"}
	ErrNotPaired        = &Error{Code: -5, Msg: "device not paired"}
)

func errorf(base *Error, format string, args ...any) *Error {
	return &Error{Code: base.Code, Msg: fmt.Sprintf(format, args...)}
}
