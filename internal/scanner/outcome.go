package scanner

import (
	"errors"
	"time"
)

// Error kinds. Every failed Outcome wraps exactly one of them.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrDecode       = errors.New("decode failure")
	ErrCancelled    = errors.New("scan cancelled")
)

// Errors with fixed user-facing messages.
var (
	ErrTemplateTooLarge = &scanError{kind: ErrInvalidInput, msg: "template larger than frame"}
	ErrEmptyTemplate    = &scanError{kind: ErrInvalidInput, msg: "template is empty"}
	ErrNoFrames         = &scanError{kind: ErrDecode, msg: "video contains no frames"}
)

// scanError carries a message for the client while matching its kind with errors.Is.
type scanError struct {
	kind  error
	msg   string
	cause error
}

func (e *scanError) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *scanError) Unwrap() []error {
	if e.cause != nil {
		return []error{e.kind, e.cause}
	}
	return []error{e.kind}
}

// InvalidInput builds an ErrInvalidInput error with the given message.
func InvalidInput(msg string) error {
	return &scanError{kind: ErrInvalidInput, msg: msg}
}

// DecodeError builds an ErrDecode error that keeps cause in its chain.
func DecodeError(msg string, cause error) error {
	return &scanError{kind: ErrDecode, msg: msg, cause: cause}
}

// Status is the lifecycle position of a scan.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFound     Status = "found"
	StatusNotFound  Status = "not_found"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Outcome is the terminal result of one scan.
type Outcome struct {
	Status Status
	// Frame is the 0-based index of the matching frame (found only).
	Frame int
	// Examined counts frames that were scored.
	Examined int
	// TotalFrames is the source's advertised length, 0 when unknown.
	TotalFrames int
	Elapsed     time.Duration
	BestScore   float64
	Err         error
}

// Message is the text reported to the client for failed scans.
func (o Outcome) Message() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Failed builds an error outcome for failures detected before a scan starts.
func Failed(err error, elapsed time.Duration) Outcome {
	return Outcome{Status: StatusError, Err: err, Elapsed: elapsed}
}
