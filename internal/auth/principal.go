package auth

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownRole indicates that a role claim is not one of the supported roles.
var ErrUnknownRole = errors.New("auth: unknown role")

// Role enumerates the roles attached to every acting principal.
type Role string

const (
	RoleStudent  Role = "Student"
	RoleLecturer Role = "Lecturer"
	RoleAdmin    Role = "Admin"
)

// ParseRole validates raw input and returns the matching Role. Matching is case-insensitive.
func ParseRole(rawInput string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case "student":
		return RoleStudent, nil
	case "lecturer":
		return RoleLecturer, nil
	case "admin":
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, rawInput)
	}
}

// IsModerator reports whether the role carries moderation capabilities.
func (r Role) IsModerator() bool {
	return r == RoleLecturer || r == RoleAdmin
}

// String returns the role name.
func (r Role) String() string {
	return string(r)
}

// Principal is an authenticated actor identity.
type Principal struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
}
