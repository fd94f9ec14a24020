package models

import "time"

// Member roles. Exactly one member per group holds RoleOwner.
const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

// Member represents one participant row in a group's Members table.
type Member struct {
	// UserID is the member's stable identity, or an email/username
	// placeholder for people invited before their first login. It is
	// rewritten exactly once, during identity migration.
	UserID string

	// Email is the member's email address; may be empty for members added
	// without one (a synthetic UserID is generated instead).
	Email string

	// Name is the display name shown in the group.
	Name string

	// Role is RoleOwner or RoleMember. The owner cannot be removed.
	Role string

	// JoinedAt is when the member was added to the group.
	JoinedAt time.Time

	// Row is the cached 1-based sheet row this member was read from.
	// Advisory only; zero when unknown.
	Row int
}

// IsOwner reports whether the member holds the owner role.
func (m Member) IsOwner() bool {
	return m.Role == RoleOwner
}
