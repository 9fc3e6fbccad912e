package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is the unified error interface returned by provider adapters.
type Error interface {
	error
	Provider() string
	StatusCode() int
	Retryable() bool
	RetryAfter() *time.Duration
}

type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + strings.TrimSpace(e.Message)
}
func (e *ConfigurationError) Provider() string           { return "" }
func (e *ConfigurationError) StatusCode() int            { return 0 }
func (e *ConfigurationError) Retryable() bool            { return false }
func (e *ConfigurationError) RetryAfter() *time.Duration { return nil }

type providerErrorBase struct {
	provider   string
	statusCode int
	message    string
	retryable  bool
	retryAfter *time.Duration
}

func (e *providerErrorBase) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("%s error (status=%d): %s", e.provider, e.statusCode, msg)
}
func (e *providerErrorBase) Provider() string           { return e.provider }
func (e *providerErrorBase) StatusCode() int            { return e.statusCode }
func (e *providerErrorBase) Retryable() bool            { return e.retryable }
func (e *providerErrorBase) RetryAfter() *time.Duration { return e.retryAfter }

type InvalidRequestError struct{ providerErrorBase }
type AuthenticationError struct{ providerErrorBase }
type AccessDeniedError struct{ providerErrorBase }
type NotFoundError struct{ providerErrorBase }
type ContextLengthError struct{ providerErrorBase }
type QuotaExceededError struct{ providerErrorBase }
type RateLimitError struct{ providerErrorBase }
type ServerError struct{ providerErrorBase }
type UnknownProviderError struct{ providerErrorBase }

// FromHTTPStatus classifies a provider failure by status code, refining
// ambiguous 400-class codes by message hints.
func FromHTTPStatus(provider string, statusCode int, message string, retryAfter *time.Duration) error {
	base := providerErrorBase{
		provider:   strings.TrimSpace(provider),
		statusCode: statusCode,
		message:    message,
		retryAfter: retryAfter,
	}
	switch statusCode {
	case 400, 422:
		base.retryable = false
		lower := strings.ToLower(message)
		switch {
		case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
			return &ContextLengthError{base}
		case strings.Contains(lower, "quota") || strings.Contains(lower, "billing"):
			return &QuotaExceededError{base}
		}
		return &InvalidRequestError{base}
	case 401:
		base.retryable = false
		return &AuthenticationError{base}
	case 403:
		base.retryable = false
		return &AccessDeniedError{base}
	case 404:
		base.retryable = false
		return &NotFoundError{base}
	case 413:
		base.retryable = false
		return &ContextLengthError{base}
	case 429:
		base.retryable = true
		return &RateLimitError{base}
	case 500, 502, 503, 504:
		base.retryable = true
		return &ServerError{base}
	default:
		// Unknown provider failures default to retryable.
		base.retryable = true
		return &UnknownProviderError{base}
	}
}

// ParseRetryAfter parses a Retry-After header (integer seconds or HTTP-date).
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

// IsRetryable reports whether the unified taxonomy marks err retryable.
// Non-taxonomy errors are treated as not retryable.
func IsRetryable(err error) bool {
	var le Error
	if errors.As(err, &le) {
		return le.Retryable()
	}
	return false
}

// IsKeyRotationError reports whether the key pool should bench the credential
// that produced err (auth failures and quota exhaustion).
func IsKeyRotationError(err error) bool {
	var ae *AuthenticationError
	var qe *QuotaExceededError
	var de *AccessDeniedError
	return errors.As(err, &ae) || errors.As(err, &qe) || errors.As(err, &de)
}
