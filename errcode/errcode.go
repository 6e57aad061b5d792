package errcode

import "errors"

// Code is a stable, caller-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK             Code = "ok"
	InvalidPayload Code = "invalid_payload"
	PoolExhausted  Code = "pool_exhausted"
	NoReply        Code = "no_reply"
	ECError        Code = "ec_error"
	Suspended      Code = "suspended"
	Closed         Code = "closed"
	NotStarted     Code = "not_started"
	InvalidConfig  Code = "invalid_config"
	Busy           Code = "busy"

	Error Code = "error" // generic fallback
)

// E keeps context and a cause alongside a Code.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is lets errors.Is(err, errcode.NoReply) match a wrapped *E.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// Wrap builds an *E for op with an optional message.
func Wrap(c Code, op, msg string) *E { return &E{C: c, Op: op, Msg: msg} }

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	var x interface{ Code() Code }
	if errors.As(err, &x) {
		return x.Code()
	}
	return Error
}
