// Package calculator computes balances and settlement suggestions.
//
// Everything here is a pure function over passed-in records; the package owns
// no state and never touches the store.
package calculator

import (
	"math"

	"github.com/diegodesogos/quozen/internal/models"
)

// epsilon below which a balance counts as settled.
const epsilon = 0.01

// Suggestion is a proposed transfer that reduces debt between two members.
type Suggestion struct {
	FromUserID string
	ToUserID   string
	Amount     float64
}

// ComputeBalances computes each member's net position from expense splits and
// settlements. Positive means owed money, negative means owing money.
//
// Only split lines drive debt: for each split whose user differs from the
// payer, the payer is credited and the split owner debited by the split
// amount. A split equal to the payer is a no-op (self-consumption creates no
// debt). The expense's total Amount field is never used; a mismatch between
// total and sum-of-splits is tolerated here. Each contribution is rounded to
// two decimals to suppress floating-point drift.
func ComputeBalances(members []models.Member, expenses []models.Expense, settlements []models.Settlement) map[string]float64 {
	balances := make(map[string]float64, len(members))
	for _, m := range members {
		balances[m.UserID] = 0
	}

	for _, e := range expenses {
		for _, split := range e.Splits {
			if split.UserID == e.PaidBy {
				continue
			}
			balances[e.PaidBy] = round2(balances[e.PaidBy] + split.Amount)
			balances[split.UserID] = round2(balances[split.UserID] - split.Amount)
		}
	}

	for _, s := range settlements {
		balances[s.FromUserID] = round2(balances[s.FromUserID] + s.Amount)
		balances[s.ToUserID] = round2(balances[s.ToUserID] - s.Amount)
	}

	return balances
}

// SuggestSettlement proposes a single transfer that moves the target user
// toward zero. It picks the one counterpart with the largest opposite-sign
// balance (greedy, not a global minimum-transaction solver) and caps the
// amount at the smaller magnitude. Returns nil when the target is already
// within a cent of settled.
func SuggestSettlement(userID string, balances map[string]float64, members []models.Member) *Suggestion {
	balance := balances[userID]
	if math.Abs(balance) < epsilon {
		return nil
	}

	var counterpart string
	var best float64
	for _, m := range members {
		if m.UserID == userID {
			continue
		}
		b := balances[m.UserID]
		if counterpart == "" {
			counterpart, best = m.UserID, b
			continue
		}
		// Target owes: chase the largest balance. Target is owed: the smallest.
		if (balance < 0 && b > best) || (balance > 0 && b < best) {
			counterpart, best = m.UserID, b
		}
	}
	if counterpart == "" {
		return nil
	}

	amount := round2(math.Min(math.Abs(balance), math.Abs(best)))
	if balance < 0 {
		return &Suggestion{FromUserID: userID, ToUserID: counterpart, Amount: amount}
	}
	return &Suggestion{FromUserID: counterpart, ToUserID: userID, Amount: amount}
}

// SettleBetween proposes a direct settlement between two named users. If the
// balances have opposite signs, the negative party pays the positive party
// the smaller magnitude; if they share a sign, neither is directly the
// other's creditor and the amount is 0.
func SettleBetween(aUserID, bUserID string, balances map[string]float64) Suggestion {
	a, b := balances[aUserID], balances[bUserID]

	if a < 0 && b > 0 {
		return Suggestion{FromUserID: aUserID, ToUserID: bUserID, Amount: round2(math.Min(-a, b))}
	}
	if a > 0 && b < 0 {
		return Suggestion{FromUserID: bUserID, ToUserID: aUserID, Amount: round2(math.Min(a, -b))}
	}
	return Suggestion{FromUserID: aUserID, ToUserID: bUserID, Amount: 0}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
