package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

var (
	// ErrRateLimited is returned when a provider throttles the request (HTTP 429).
	ErrRateLimited = errors.New("rate limited")

	// ErrConnection is returned when the provider could not be reached.
	ErrConnection = errors.New("connection failed")

	// ErrTimeout is returned when a provider call exceeded its deadline.
	ErrTimeout = errors.New("provider timeout")

	// ErrServer is returned for provider-side 5xx failures.
	ErrServer = errors.New("provider server error")

	// ErrResponse is returned when a provider response cannot be decoded.
	ErrResponse = errors.New("malformed provider response")

	// ErrAllProvidersFailed is matched by *AllProvidersFailedError.
	ErrAllProvidersFailed = errors.New("all providers failed")

	// ErrNoProviders is returned when the client has nothing to call.
	ErrNoProviders = errors.New("no providers configured")
)

// ProviderError is a classified failure from one provider.
type ProviderError struct {
	Provider  string
	Err       error
	Transient bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// AllProvidersFailedError lists the failure of every provider tried, in order.
type AllProvidersFailedError struct {
	Providers []string
	Errors    []error
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("all providers failed: %s", strings.Join(parts, "; "))
}

// Is matches ErrAllProvidersFailed.
func (e *AllProvidersFailedError) Is(target error) bool {
	return target == ErrAllProvidersFailed
}

// Unwrap exposes the per-provider errors to errors.Is and errors.As.
func (e *AllProvidersFailedError) Unwrap() []error {
	return e.Errors
}

// Classify wraps err as a ProviderError, tagging it with a sentinel and
// deciding whether it is transient.
func Classify(provider string, err error) *ProviderError {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}

	wrap := func(sentinel error, transient bool) *ProviderError {
		return &ProviderError{Provider: provider, Err: fmt.Errorf("%w: %w", sentinel, err), Transient: transient}
	}

	if errors.Is(err, context.Canceled) {
		return &ProviderError{Provider: provider, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return wrap(ErrTimeout, true)
	}
	for _, sentinel := range []error{ErrRateLimited, ErrConnection, ErrTimeout, ErrServer, ErrResponse} {
		if errors.Is(err, sentinel) {
			return &ProviderError{Provider: provider, Err: err, Transient: true}
		}
	}

	if status := statusCode(err); status != 0 {
		switch {
		case status == 429:
			return wrap(ErrRateLimited, true)
		case status == 408:
			return wrap(ErrTimeout, true)
		case status >= 500:
			return wrap(ErrServer, true)
		default:
			return &ProviderError{Provider: provider, Err: err}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return wrap(ErrTimeout, true)
		}
		return wrap(ErrConnection, true)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return wrap(ErrConnection, true)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate_limit") || strings.Contains(msg, "too many requests"):
		return wrap(ErrRateLimited, true)
	case strings.Contains(msg, "connection reset") || strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host"):
		return wrap(ErrConnection, true)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return wrap(ErrTimeout, true)
	case strings.Contains(msg, "overloaded") || strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "bad gateway"):
		return wrap(ErrServer, true)
	}
	return &ProviderError{Provider: provider, Err: err}
}

// retryInPlace reports whether one immediate retry against the same provider is worthwhile.
func retryInPlace(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrConnection)
}

func statusCode(err error) int {
	var aErr *anthropic.Error
	if errors.As(err, &aErr) {
		return aErr.StatusCode
	}
	var oErr *openai.Error
	if errors.As(err, &oErr) {
		return oErr.StatusCode
	}
	return 0
}
