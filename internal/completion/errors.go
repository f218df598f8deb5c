package completion

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies provider failures for the caller's retry policy.
type ErrorKind string

const (
	RateLimited  ErrorKind = "rate_limited"
	Timeout      ErrorKind = "timeout"
	Unauthorized ErrorKind = "unauthorized"
	Unknown      ErrorKind = "unknown"
)

// ProviderError is returned for every failed completion.
type ProviderError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int // 0 when the request never got an HTTP response
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s completion failed (%s, HTTP %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s completion failed (%s): %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Transient reports whether a retry could plausibly succeed.
func (e *ProviderError) Transient() bool {
	return e.Kind == RateLimited || e.Kind == Timeout
}

// KindOf returns the kind of a *ProviderError in err's chain, or Unknown.
func KindOf(err error) ErrorKind {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return Unknown
}

func kindForStatus(status int) ErrorKind {
	switch status {
	case http.StatusTooManyRequests, 529: // 529: Anthropic "overloaded"
		return RateLimited
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return Timeout
	case http.StatusUnauthorized, http.StatusForbidden:
		return Unauthorized
	default:
		return Unknown
	}
}

func statusError(provider string, status int, msg string) *ProviderError {
	return &ProviderError{
		Kind:       kindForStatus(status),
		Provider:   provider,
		StatusCode: status,
		Err:        fmt.Errorf("API error (%d): %s", status, msg),
	}
}

// transportError classifies failures that happened before a response arrived.
func transportError(provider string, err error) *ProviderError {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr
	}
	kind := Unknown
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = Timeout
	}
	return &ProviderError{Kind: kind, Provider: provider, Err: err}
}
