// Package apierr classifies errors surfaced by the pipeline core into the
// kinds the dispatcher and HTTP tier need to agree on: whether an error is
// transient (retry it) or terminal (fail the task), and what HTTP status a
// terminal error maps to.
package apierr

import "fmt"

// Kind is one of the error kinds named in the error handling design.
type Kind string

const (
	KindInput    Kind = "input"    // malformed URL, unsupported media, missing subtitle
	KindUpstream Kind = "upstream" // ASR/LLM unavailable or invalid response
	KindStorage  Kind = "storage"  // blob/task store unavailable or rejected write
	KindPolicy   Kind = "policy"   // retries exhausted
	KindTimeout  Kind = "timeout"  // hard time limit exceeded
)

// Error carries a Kind plus an HTTP status and the wrapped cause.
type Error struct {
	Kind   Kind
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	return fmt.Sprintf("apierr(%s)", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatusCode satisfies httpx.HTTPStatusCoder.
func (e *Error) HTTPStatusCode() int {
	if e.Status != 0 {
		return e.Status
	}
	return 500
}

func New(kind Kind, status int, code string, err error) *Error {
	return &Error{Kind: kind, Status: status, Code: code, Err: err}
}

func Input(code string, err error) *Error    { return New(KindInput, 400, code, err) }
func Upstream(code string, err error) *Error { return New(KindUpstream, 502, code, err) }
func Storage(code string, err error) *Error  { return New(KindStorage, 503, code, err) }
func Policy(code string, err error) *Error   { return New(KindPolicy, 409, code, err) }
func Timeout(code string, err error) *Error  { return New(KindTimeout, 504, code, err) }

// Transient reports whether an error kind should be retried by the queue
// rather than recorded as a terminal task failure.
func Transient(err error) bool {
	var e *Error
	if as(err, &e) {
		return e.Kind == KindUpstream || e.Kind == KindStorage
	}
	return false
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
