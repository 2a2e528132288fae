// Package apierror defines the tagged error taxonomy shared by the auth
// transport, the resilient API client, and the session manager. Backend
// error payloads are decoded exactly once, at the HTTP boundary; downstream
// code branches on the error kind, never on response strings.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind tags an APIError with its failure class.
type Kind string

const (
	// KindNetwork covers transport-level failures after retries are exhausted.
	KindNetwork Kind = "network"
	// KindRateLimited covers 429 responses after retries are exhausted.
	KindRateLimited Kind = "rate_limited"
	// KindValidation covers 4xx responses carrying field-level detail.
	KindValidation Kind = "validation"
	// KindServer covers 5xx responses after retries are exhausted.
	KindServer Kind = "server"
	// KindAuth covers rejected credentials and forbidden access.
	KindAuth Kind = "auth"
	// KindSessionExpired covers exhausted refreshes and double-401 chains.
	KindSessionExpired Kind = "session_expired"
)

// Sentinels matched with errors.Is regardless of the carrying APIError.
var (
	ErrNetwork        = errors.New("api.network")
	ErrRateLimited    = errors.New("api.rate_limited")
	ErrValidation     = errors.New("api.validation")
	ErrServer         = errors.New("api.server")
	ErrAuth           = errors.New("api.auth")
	ErrSessionExpired = errors.New("api.session_expired")
)

// APIError is the single error shape surfaced by the HTTP layer.
type APIError struct {
	Kind       Kind
	StatusCode int
	Message    string
	// Fields carries per-field validation detail for form consumers.
	Fields map[string]string
	// Attempts records how many attempts were made before surfacing.
	Attempts int
	cause    error
}

// New constructs an APIError of the given kind.
func New(kind Kind, statusCode int, message string) *APIError {
	return &APIError{Kind: kind, StatusCode: statusCode, Message: message}
}

// Wrap attaches an underlying cause and returns the receiver.
func (apiError *APIError) Wrap(cause error) *APIError {
	apiError.cause = cause
	return apiError
}

// WithAttempts records the attempt count and returns the receiver.
func (apiError *APIError) WithAttempts(attempts int) *APIError {
	apiError.Attempts = attempts
	return apiError
}

// Error renders the dotted code with status and message.
func (apiError *APIError) Error() string {
	message := apiError.Message
	if message == "" && apiError.cause != nil {
		message = apiError.cause.Error()
	}
	if apiError.StatusCode > 0 {
		return fmt.Sprintf("api.%s: status=%d: %s", apiError.Kind, apiError.StatusCode, message)
	}
	return fmt.Sprintf("api.%s: %s", apiError.Kind, message)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (apiError *APIError) Unwrap() []error {
	unwrapped := []error{sentinelFor(apiError.Kind)}
	if apiError.cause != nil {
		unwrapped = append(unwrapped, apiError.cause)
	}
	return unwrapped
}

func sentinelFor(kind Kind) error {
	switch kind {
	case KindNetwork:
		return ErrNetwork
	case KindRateLimited:
		return ErrRateLimited
	case KindValidation:
		return ErrValidation
	case KindServer:
		return ErrServer
	case KindAuth:
		return ErrAuth
	case KindSessionExpired:
		return ErrSessionExpired
	default:
		return ErrServer
	}
}

// The backend's error envelope. Unknown shapes degrade to the raw body as
// the message.
type errorEnvelope struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields"`
}

// FromResponse classifies a non-2xx response into the taxonomy. The body is
// decoded here and nowhere else.
func FromResponse(statusCode int, body []byte) *APIError {
	var envelope errorEnvelope
	_ = json.Unmarshal(body, &envelope)
	message := envelope.Message
	if message == "" {
		message = envelope.Error
	}
	if message == "" {
		message = http.StatusText(statusCode)
	}

	switch {
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return &APIError{Kind: KindAuth, StatusCode: statusCode, Message: message}
	case statusCode == http.StatusTooManyRequests:
		return &APIError{Kind: KindRateLimited, StatusCode: statusCode, Message: message}
	case statusCode >= 500:
		return &APIError{Kind: KindServer, StatusCode: statusCode, Message: message}
	case statusCode >= 400:
		return &APIError{Kind: KindValidation, StatusCode: statusCode, Message: message, Fields: envelope.Fields}
	default:
		return &APIError{Kind: KindServer, StatusCode: statusCode, Message: message}
	}
}

// Retryable reports whether the response class is transient. Deterministic
// failures (4xx other than 429) are never retried.
func Retryable(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= 500
}
