package backends

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors surfaced by the registry and mapped to HTTP statuses at
// the gateway edge.
var (
	// ErrUnknownBackend means the requested backend name is not registered.
	// The request fails outright; the chain is not consulted.
	ErrUnknownBackend = errors.New("unknown backend")

	// ErrNoHealthyBackend means the fallback chain was exhausted.
	ErrNoHealthyBackend = errors.New("no healthy backend available")
)

// FailureReason categorizes why a backend request failed, driving retry and
// failover decisions.
type FailureReason string

const (
	ReasonBilling          FailureReason = "billing"
	ReasonRateLimit        FailureReason = "rate_limit"
	ReasonAuth             FailureReason = "auth"
	ReasonTimeout          FailureReason = "timeout"
	ReasonServerError      FailureReason = "server_error"
	ReasonInvalidRequest   FailureReason = "invalid_request"
	ReasonModelUnavailable FailureReason = "model_unavailable"
	ReasonContentFilter    FailureReason = "content_filter"
	ReasonUnknown          FailureReason = "unknown"
)

// Retryable reports whether the same backend is worth retrying.
func (r FailureReason) Retryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// Failover reports whether the error warrants moving down the chain.
func (r FailureReason) Failover() bool {
	switch r {
	case ReasonBilling, ReasonAuth, ReasonModelUnavailable:
		return true
	default:
		return false
	}
}

// BackendError is a structured failure from an LLM backend, carrying the
// context needed for chain selection and debugging.
type BackendError struct {
	Reason  FailureReason
	Backend string
	Model   string
	Status  int
	Code    string
	Message string
	Cause   error
}

func (e *BackendError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Backend != "" {
		parts = append(parts, e.Backend)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *BackendError) Unwrap() error {
	return e.Cause
}

// NewBackendError wraps cause with backend context, classifying the reason
// from the error text.
func NewBackendError(backend, model string, cause error) *BackendError {
	err := &BackendError{
		Backend: backend,
		Model:   model,
		Cause:   cause,
		Reason:  ReasonUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = Classify(cause)
	}
	return err
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *BackendError) WithStatus(status int) *BackendError {
	e.Status = status
	e.Reason = classifyStatus(status)
	return e
}

// WithCode records a provider-specific error code, reclassifying when the
// code is recognized.
func (e *BackendError) WithCode(code string) *BackendError {
	e.Code = code
	if reason := classifyCode(code); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithMessage overrides the human-readable message.
func (e *BackendError) WithMessage(msg string) *BackendError {
	e.Message = msg
	return e
}

// AsBackendError extracts a BackendError from an error chain.
func AsBackendError(err error) (*BackendError, bool) {
	var be *BackendError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// Retryable reports whether err is worth retrying on the same backend.
func Retryable(err error) bool {
	if be, ok := AsBackendError(err); ok {
		return be.Reason.Retryable()
	}
	return Classify(err).Retryable()
}

// Classify inspects an error's text and returns its FailureReason. Provider
// SDKs are inconsistent about typed errors, so substring matching is the
// lowest common denominator that works across all five variants.
func Classify(err error) FailureReason {
	if err == nil {
		return ReasonUnknown
	}
	s := strings.ToLower(err.Error())

	switch {
	case strings.Contains(s, "timeout"),
		strings.Contains(s, "deadline exceeded"),
		strings.Contains(s, "context deadline"):
		return ReasonTimeout
	case strings.Contains(s, "rate limit"),
		strings.Contains(s, "rate_limit"),
		strings.Contains(s, "too many requests"),
		strings.Contains(s, "429"):
		return ReasonRateLimit
	case strings.Contains(s, "unauthorized"),
		strings.Contains(s, "invalid api key"),
		strings.Contains(s, "invalid_api_key"),
		strings.Contains(s, "authentication"),
		strings.Contains(s, "401"),
		strings.Contains(s, "403"):
		return ReasonAuth
	case strings.Contains(s, "billing"),
		strings.Contains(s, "payment"),
		strings.Contains(s, "quota"),
		strings.Contains(s, "402"):
		return ReasonBilling
	case strings.Contains(s, "content_filter"),
		strings.Contains(s, "content policy"),
		strings.Contains(s, "safety"):
		return ReasonContentFilter
	case strings.Contains(s, "model not found"),
		strings.Contains(s, "model_not_found"),
		strings.Contains(s, "does not exist"),
		strings.Contains(s, "unavailable"):
		return ReasonModelUnavailable
	case strings.Contains(s, "internal server"),
		strings.Contains(s, "server error"),
		strings.Contains(s, "500"),
		strings.Contains(s, "502"),
		strings.Contains(s, "503"),
		strings.Contains(s, "504"):
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyStatus(status int) FailureReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonModelUnavailable
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyCode(code string) FailureReason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return ReasonRateLimit
	case "authentication_error", "invalid_api_key":
		return ReasonAuth
	case "billing_error", "insufficient_quota":
		return ReasonBilling
	case "model_not_found", "model_not_available":
		return ReasonModelUnavailable
	case "content_policy_violation", "content_filter":
		return ReasonContentFilter
	case "server_error", "internal_error", "overloaded_error":
		return ReasonServerError
	case "invalid_request_error":
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}
