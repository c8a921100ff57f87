package models

import (
	"errors"
	"strings"
)

// Role of a principal inside its organization
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// IsValid reports whether r is a known role
func (r Role) IsValid() bool {
	return r == RoleAdmin || r == RoleMember
}

// Organization owns principals and their seat allocation
type Organization struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Seats         int    `json:"seats"`
	ActiveMembers int    `json:"active_members"`
}

// Principal is the authenticated identity together with its organization.
// It is also the shape of the durable session record.
type Principal struct {
	ID           string       `json:"id"`
	Email        string       `json:"email"`
	Name         string       `json:"name"`
	Role         Role         `json:"role"`
	Organization Organization `json:"organization"`
	SessionToken string       `json:"session_token,omitempty"`
}

// NormalizeEmail folds an email address for case-insensitive comparison
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsAdmin reports whether the principal holds the admin role
func (p *Principal) IsAdmin() bool {
	return p != nil && p.Role == RoleAdmin
}

// Validate checks that a principal is well-formed enough to act as a session
func (p *Principal) Validate() error {
	if p == nil {
		return errors.New("principal is nil")
	}
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("principal id is required")
	}
	if p.Email == "" || !strings.Contains(p.Email, "@") {
		return errors.New("principal email is invalid")
	}
	if !p.Role.IsValid() {
		return errors.New("principal role is invalid")
	}
	if strings.TrimSpace(p.Organization.ID) == "" {
		return errors.New("principal must belong to an organization")
	}
	if p.Organization.Seats < 0 || p.Organization.ActiveMembers < 0 {
		return errors.New("organization seat counts must not be negative")
	}
	return nil
}
