package auth

import (
	"errors"
	"fmt"
	"strings"

	"EgoMarket/internal/task"
)

// Common errors returned by the authentication subsystem.
var (
	ErrDisabled         = errors.New("authentication disabled")
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
	ErrSubjectRevoked   = errors.New("subject is disabled")
)

// Permissions checked by the HTTP API.
const (
	PermTasksRead   = "tasks:read"
	PermTasksWrite  = "tasks:write"
	PermEscrowWrite = "escrow:write"
	PermMediate     = "disputes:mediate"
)

// RoleMediator marks subjects allowed to act as the dispute mediator.
const RoleMediator = "mediator"

// Subject captures the caller identity passed to request handlers via
// context. ID is the marketplace account (creator or agent id).
type Subject struct {
	ID          string
	Roles       []string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

// normalise prepares the lookup set for permission checks.
func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// HasPermission reports whether the subject has the specified permission.
// The "*" permission grants everything.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet["*"]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// HasRole reports whether the subject carries role.
func (s *Subject) HasRole(role string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Roles {
		if strings.EqualFold(strings.TrimSpace(r), role) {
			return true
		}
	}
	return false
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Actor returns the lifecycle actor for this subject.
func (s *Subject) Actor() task.Actor {
	if s == nil {
		return task.Actor{}
	}
	return task.Actor{ID: s.ID, Mediator: s.HasRole(RoleMediator)}
}

// Clone creates a copy of the subject suitable for embedding in tokens.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		ID:          s.ID,
		Roles:       append([]string(nil), s.Roles...),
		Permissions: append([]string(nil), s.Permissions...),
		Disabled:    s.Disabled,
	}
	clone.normalise()
	return clone
}

// Token is an issued access token.
type Token struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Config configures the authentication service.
type Config struct {
	Mode   Mode
	Tokens []StaticToken
	JWT    JWTOptions
}

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeStatic   Mode = "static"
	ModeJWT      Mode = "jwt"
)

// StaticToken maps a pre-shared bearer token to a subject.
type StaticToken struct {
	Token       string
	Subject     string
	Roles       []string
	Permissions []string
	Disabled    bool
}

// JWTOptions contains parameters for local JWT issuance.
type JWTOptions struct {
	Secret    string
	Issuer    string
	Audience  []string
	AccessTTL int64
}
