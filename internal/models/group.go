package models

import "time"

// Group is the assembled view of one group document: the document's own
// metadata plus its Members table. It is derived on read, never persisted as
// a single record.
type Group struct {
	// ID is the underlying document id.
	ID string

	// Name is the document's display name.
	Name string

	// CreatedBy is the UserID of the owner-role member.
	CreatedBy string

	// Members are the participant UserIDs, in table order.
	Members []string

	// CreatedAt is when the document was created.
	CreatedAt time.Time

	// IsOwner reports whether the current viewer owns the document.
	IsOwner bool
}
