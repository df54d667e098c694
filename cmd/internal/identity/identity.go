// Package identity adapts the platform's user and auth collaborators for the
// messaging core: user lookup, the moderation capability predicate, and
// verification of platform-issued access tokens.
//
// Harbor never issues or stores credentials; it only consumes identities the
// surrounding platform has already established.
package identity

import (
	"context"
	"errors"
)

// Role values as issued by the platform.
const (
	RoleMember     = "member"
	RoleModerator  = "moderator"
	RoleAdmin      = "admin"
	RoleSuperadmin = "superadmin"
)

// User is the verified identity consumed by the messaging core.
type User struct {
	ID          string
	DisplayName string
	Role        string
}

// CanModerate is the single capability predicate for admin-tier policy.
// Every admin-gated operation (delete-any, edit, triage) goes through it so
// the role set lives in exactly one place.
func CanModerate(u User) bool {
	return u.Role == RoleAdmin || u.Role == RoleSuperadmin
}

// Sentinel errors.
var (
	// ErrUnknownUser marks a lookup for an id the platform does not know.
	ErrUnknownUser = errors.New("unknown user")
	// ErrInvalidToken marks a token that failed verification.
	ErrInvalidToken = errors.New("invalid token")
)

// Directory resolves user ids against the platform's user database.
type Directory interface {
	// Lookup returns the user for id, or ErrUnknownUser.
	Lookup(ctx context.Context, id string) (User, error)
	// ListAdmins returns the admin-capable users, for support routing.
	ListAdmins(ctx context.Context) ([]User, error)
}
