package models

import "time"

// Settlement represents a payment between group members to clear debts.
type Settlement struct {
	// ID is the unique identifier for the settlement (UUID format).
	ID string

	// Date is when the payment was made.
	Date time.Time

	// FromUserID is the user who paid (debtor settling up).
	FromUserID string

	// ToUserID is the user who received payment (creditor being paid).
	ToUserID string

	// Amount is the payment amount.
	Amount float64

	// Method is how the payment was made (e.g. "cash", "transfer").
	Method string

	// Notes is an optional description for the settlement.
	Notes string

	// Row is the cached 1-based sheet row this settlement was read from.
	// Advisory only; zero when unknown.
	Row int
}
