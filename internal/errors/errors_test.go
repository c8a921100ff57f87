package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestConstructors_StatusCodes(t *testing.T) {
	cause := stderrors.New("boom")
	tests := []struct {
		name   string
		err    *AppError
		typ    ErrorType
		status int
	}{
		{"validation", NewValidationError("bad file", cause), ErrorTypeValidation, http.StatusBadRequest},
		{"network", NewNetworkError("backend down", cause), ErrorTypeNetwork, http.StatusBadGateway},
		{"timeout", NewTimeoutError("slow", cause), ErrorTypeTimeout, http.StatusGatewayTimeout},
		{"unauthorized", NewUnauthorizedError("sign in", nil), ErrorTypeUnauthorized, http.StatusUnauthorized},
		{"credentials", NewInvalidCredentialsError("nope", nil), ErrorTypeInvalidCredentials, http.StatusUnauthorized},
		{"malformed", NewMalformedResultError("bad payload", cause), ErrorTypeMalformedResult, http.StatusBadGateway},
		{"corrupt", NewCorruptSessionRecordError("bad record", cause), ErrorTypeCorruptSessionRecord, http.StatusInternalServerError},
		{"not found", NewNotFoundError("missing", nil), ErrorTypeNotFound, http.StatusNotFound},
		{"not ready", NewNotReadyError("later", nil), ErrorTypeNotReady, http.StatusAccepted},
		{"internal", NewInternalError("oops", cause), ErrorTypeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Type != tt.typ {
				t.Errorf("expected type %s, got %s", tt.typ, tt.err.Type)
			}
			if GetStatusCode(tt.err) != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, GetStatusCode(tt.err))
			}
		})
	}
}

func TestIsType_WrappedError(t *testing.T) {
	base := NewMalformedResultError("status is unknown", nil)
	wrapped := fmt.Errorf("normalize batch member 2: %w", base)

	if !IsType(wrapped, ErrorTypeMalformedResult) {
		t.Error("expected wrapped error to be recognised as malformed_result")
	}
	if IsType(wrapped, ErrorTypeNetwork) {
		t.Error("did not expect wrapped error to be a network error")
	}
	if GetStatusCode(wrapped) != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", GetStatusCode(wrapped))
	}
}

func TestAppError_UnwrapAndMessage(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := NewNetworkError("failed to reach backend", cause)

	if !stderrors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
	want := "network: failed to reach backend (caused by: connection refused)"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
	if !err.Retryable() {
		t.Error("network errors should be retryable")
	}
	if NewValidationError("bad", nil).Retryable() {
		t.Error("validation errors should not be retryable")
	}
	if NewBackendError("upload failed", nil).Retryable() {
		t.Error("backend errors should not be retryable")
	}
}

func TestGetStatusCode_PlainError(t *testing.T) {
	if GetStatusCode(stderrors.New("plain")) != http.StatusInternalServerError {
		t.Error("plain errors should map to 500")
	}
}
