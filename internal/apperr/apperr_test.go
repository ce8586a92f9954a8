package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestClassification(t *testing.T) {
	testCases := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{"validation", Validation("title is required"), "validation_error", http.StatusBadRequest},
		{"permission", Permission("moderator role required"), "permission_error", http.StatusForbidden},
		{"invalid-state", InvalidState("not pending"), "invalid_state", http.StatusConflict},
		{"not-found", NotFound("reply", "r-1"), "not_found", http.StatusNotFound},
		{"wrapped", fmt.Errorf("outer: %w", NotFound("discussion", "d-1")), "not_found", http.StatusNotFound},
		{"other", errors.New("boom"), "internal_error", http.StatusInternalServerError},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if code := Code(testCase.err); code != testCase.wantCode {
				t.Fatalf("expected code %s, got %s", testCase.wantCode, code)
			}
			if status := HTTPStatus(testCase.err); status != testCase.wantStatus {
				t.Fatalf("expected status %d, got %d", testCase.wantStatus, status)
			}
		})
	}
}

func TestMessagesCarryReason(t *testing.T) {
	err := Validation("%s is required", "content")
	if err.Error() != "validation failed: content is required" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestServiceErrorCarriesCodeAndCause(t *testing.T) {
	cause := NotFound("notification", "n-1")
	err := NewServiceError("notifications.archive", "lookup_failed", cause)

	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %T", err)
	}
	if serviceErr.Code() != "notifications.archive.lookup_failed" {
		t.Fatalf("unexpected code %s", serviceErr.Code())
	}
	if !errors.Is(err, ErrNotFound) {
		t.Fatal("expected wrapped sentinel to remain visible")
	}
	if HTTPStatus(err) != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", HTTPStatus(err))
	}
}
