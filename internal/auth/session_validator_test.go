package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionIssuer        = "classroom-auth"
	testSessionUserID        = "user-123"
)

func newTestValidator(t *testing.T, clockNow time.Time) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signClaims(t *testing.T, claims SessionClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSessionSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestSessionValidatorVerifyReturnsPrincipal(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	signed := signClaims(t, SessionClaims{
		UserID:          testSessionUserID,
		UserDisplayName: "Ada",
		UserRole:        "lecturer",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testSessionIssuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	})

	principal, err := validator.Verify(context.Background(), signed)
	if err != nil {
		t.Fatalf("unexpected verification failure: %v", err)
	}
	if principal.ID != testSessionUserID {
		t.Fatalf("unexpected principal id: %s", principal.ID)
	}
	if principal.Role != RoleLecturer {
		t.Fatalf("unexpected role: %s", principal.Role)
	}
	if principal.DisplayName != "Ada" {
		t.Fatalf("unexpected display name: %s", principal.DisplayName)
	}
}

func TestSessionValidatorRejectsExpiredToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	signed := signClaims(t, SessionClaims{
		UserID:   testSessionUserID,
		UserRole: "student",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testSessionIssuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(clockNow.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(-time.Hour)),
		},
	})

	if _, err := validator.Verify(context.Background(), signed); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestSessionValidatorRejectsWrongIssuer(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	signed := signClaims(t, SessionClaims{
		UserID:   testSessionUserID,
		UserRole: "student",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Subject:   testSessionUserID,
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	})

	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestSessionValidatorRejectsUnknownRole(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	signed := signClaims(t, SessionClaims{
		UserID:   testSessionUserID,
		UserRole: "janitor",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testSessionIssuer,
			Subject:   testSessionUserID,
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	})

	if _, err := validator.Verify(context.Background(), signed); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token error for unknown role, got %v", err)
	}
}

func TestSessionValidatorRejectsEmptyToken(t *testing.T) {
	validator := newTestValidator(t, time.Now())
	if _, err := validator.Verify(context.Background(), "  "); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestNewSessionValidatorRequiresConfiguration(t *testing.T) {
	if _, err := NewSessionValidator(SessionValidatorConfig{Issuer: testSessionIssuer}); !errors.Is(err, ErrMissingSessionSigningKey) {
		t.Fatalf("expected missing signing key error, got %v", err)
	}
	if _, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte("x")}); !errors.Is(err, ErrMissingSessionIssuer) {
		t.Fatalf("expected missing issuer error, got %v", err)
	}
}

func TestTokenFromRequest(t *testing.T) {
	queryRequest := httptest.NewRequest(http.MethodGet, "/ws?token=query-token", http.NoBody)
	queryRequest.Header.Set("Authorization", "Bearer header-token")
	if token := TokenFromRequest(queryRequest); token != "query-token" {
		t.Fatalf("expected query token to win, got %q", token)
	}

	headerRequest := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	headerRequest.Header.Set("Authorization", "Bearer header-token")
	if token := TokenFromRequest(headerRequest); token != "header-token" {
		t.Fatalf("expected header token, got %q", token)
	}

	emptyRequest := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	if token := TokenFromRequest(emptyRequest); token != "" {
		t.Fatalf("expected empty token, got %q", token)
	}
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole(" ADMIN ")
	if err != nil || role != RoleAdmin {
		t.Fatalf("expected admin role, got %q (%v)", role, err)
	}
	if !RoleLecturer.IsModerator() || RoleStudent.IsModerator() {
		t.Fatalf("unexpected moderator capability mapping")
	}
	if _, err := ParseRole(""); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected unknown role error, got %v", err)
	}
}
