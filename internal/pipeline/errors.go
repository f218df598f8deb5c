package pipeline

import "fmt"

// ErrorKind is the user-facing failure category of a generation request.
type ErrorKind string

const (
	InvalidTopic        ErrorKind = "invalid_topic"
	InvalidSource       ErrorKind = "invalid_source"
	QuotaExceeded       ErrorKind = "quota_exceeded"
	UpstreamUnavailable ErrorKind = "upstream_unavailable"
	GenerationFailed    ErrorKind = "generation_failed"
	RenderFailed        ErrorKind = "render_failed"
	AccountUnavailable  ErrorKind = "account_unavailable"
	Internal            ErrorKind = "internal"
)

// Error is the only error type Generate returns.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func fail(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
