package service

import "errors"

// Sentinel errors surfaced by the service layer. Callers match them with
// errors.Is; none of them is retried or masked by this core.
var (
	// ErrConflict means an update/delete target failed its identity or
	// freshness check: the row shifted under the cached position, or a
	// newer write exists. Reload and retry is the caller's call.
	ErrConflict = errors.New("conflict: record changed since it was read")

	// ErrNotFound means the target record could not be located at all,
	// even after a bulk reload.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidDocument means a document lacks the required tables or
	// failed structural validation during import.
	ErrInvalidDocument = errors.New("document is not a valid group")

	// ErrHasExpenses blocks removing or leaving as a member who is still a
	// payer or holds a nonzero split on any expense.
	ErrHasExpenses = errors.New("member has outstanding expense references")

	// ErrOwner blocks removing the group owner.
	ErrOwner = errors.New("group owner cannot be removed")

	// ErrNotOwner rejects owner-only operations from non-owners.
	ErrNotOwner = errors.New("only the group owner may do this")
)
