package models

import "time"

// Split is one line of an expense's split list: how much of the expense is
// attributed to one member.
type Split struct {
	UserID string  `json:"userId"`
	Amount float64 `json:"amount"`
}

// Expense represents one row in a group's Expenses table.
//
// Amount is the informational total; balances are computed from Splits alone,
// so a mismatch between Amount and the sum of Splits is tolerated here and
// must be caught, if desired, at the input boundary.
type Expense struct {
	// ID is the unique identifier for the expense (UUID format).
	ID string

	// Description is the human-readable label (e.g. "Groceries").
	Description string

	// Amount is the expense total. Never used for balance computation.
	Amount float64

	// Category is a free-form expense category.
	Category string

	// Date is when the expense happened.
	Date time.Time

	// PaidBy is the UserID of the member who paid.
	PaidBy string

	// Splits is the ordered list of per-member shares.
	Splits []Split

	// CreatedAt is when the row was first written.
	CreatedAt time.Time

	// LastModified only ever moves forward for a given ID; it is the
	// freshness token for optimistic-concurrency checks.
	LastModified time.Time

	// Row is the cached 1-based sheet row this expense was read from.
	// Advisory only; zero when unknown.
	Row int
}
