package apierror

import (
	"errors"
	"fmt"
	"testing"
)

func TestFromResponseClassification(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		statusCode int
		body       string
		expected   error
	}{
		{"unauthorized", 401, `{"error":"invalid_credentials"}`, ErrAuth},
		{"forbidden", 403, `{"error":"forbidden"}`, ErrAuth},
		{"rate limited", 429, ``, ErrRateLimited},
		{"server", 503, `{"message":"maintenance"}`, ErrServer},
		{"validation", 422, `{"fields":{"email":"required"}}`, ErrValidation},
		{"not found", 404, ``, ErrValidation},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			apiError := FromResponse(testCase.statusCode, []byte(testCase.body))
			if !errors.Is(apiError, testCase.expected) {
				t.Fatalf("status %d: expected sentinel %v, got %v", testCase.statusCode, testCase.expected, apiError)
			}
		})
	}
}

func TestFromResponseDecodesFields(t *testing.T) {
	t.Parallel()

	apiError := FromResponse(422, []byte(`{"error":"validation_failed","fields":{"email":"must be an email"}}`))
	if apiError.Fields["email"] != "must be an email" {
		t.Fatalf("expected field detail, got %v", apiError.Fields)
	}
	if apiError.Message != "validation_failed" {
		t.Fatalf("expected message fallback to error code, got %q", apiError.Message)
	}
}

func TestAPIErrorUnwrapKeepsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	apiError := New(KindNetwork, 0, "dial failed").Wrap(cause).WithAttempts(3)
	if !errors.Is(apiError, ErrNetwork) {
		t.Fatalf("expected ErrNetwork sentinel")
	}
	if !errors.Is(apiError, cause) {
		t.Fatalf("expected cause to remain reachable")
	}
	if apiError.Attempts != 3 {
		t.Fatalf("expected attempts recorded, got %d", apiError.Attempts)
	}

	wrapped := fmt.Errorf("request failed: %w", apiError)
	if !errors.Is(wrapped, ErrNetwork) {
		t.Fatalf("sentinel must survive further wrapping")
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	for statusCode, expected := range map[int]bool{200: false, 400: false, 401: false, 404: false, 429: true, 500: true, 503: true} {
		if got := Retryable(statusCode); got != expected {
			t.Fatalf("Retryable(%d): expected %v, got %v", statusCode, expected, got)
		}
	}
}
