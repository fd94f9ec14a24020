// Package service implements the group-level and row-level operations on top
// of the ledger repository and the document store adapter, including the
// optimistic-concurrency protocol for conditional updates.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/diegodesogos/quozen/internal/calculator"
	"github.com/diegodesogos/quozen/internal/docstore"
	"github.com/diegodesogos/quozen/internal/ledger"
	"github.com/diegodesogos/quozen/internal/metrics"
	"github.com/diegodesogos/quozen/internal/models"
)

// LedgerService wraps one group's ledger.Repository with the
// optimistic-concurrency protocol: every conditional update re-reads the
// target row at its cached position, verifies identity (and freshness, when
// an expected token is supplied), merges onto the fresh record, and only then
// writes.
type LedgerService struct {
	repo *ledger.Repository
}

// NewLedgerService creates a LedgerService over the given repository.
func NewLedgerService(repo *ledger.Repository) *LedgerService {
	return &LedgerService{repo: repo}
}

// Repo exposes the underlying repository for unconditional operations.
func (s *LedgerService) Repo() *ledger.Repository {
	return s.repo
}

// ExpenseUpdate is a partial expense update. Nil fields are left as stored.
type ExpenseUpdate struct {
	Description *string
	Amount      *float64
	Category    *string
	Date        *time.Time
	PaidBy      *string
	Splits      []models.Split
}

// SettlementUpdate is a partial settlement update. Nil fields are left as
// stored.
type SettlementUpdate struct {
	Date       *time.Time
	FromUserID *string
	ToUserID   *string
	Amount     *float64
	Method     *string
	Notes      *string
}

// MemberUpdate is a partial member update. Nil fields are left as stored.
type MemberUpdate struct {
	Email *string
	Name  *string
	Role  *string
}

// Snapshot is a consistent-enough view of all three tables, fetched
// concurrently for derived computations.
type Snapshot struct {
	Members     []models.Member
	Expenses    []models.Expense
	Settlements []models.Settlement
}

// AddExpense appends a new expense row.
func (s *LedgerService) AddExpense(ctx context.Context, e models.Expense) (models.Expense, error) {
	return s.repo.AddExpense(ctx, e)
}

// AddSettlement appends a new settlement row.
func (s *LedgerService) AddSettlement(ctx context.Context, st models.Settlement) (models.Settlement, error) {
	return s.repo.AddSettlement(ctx, st)
}

// UpdateExpense applies a partial update to the expense with the given id.
//
// When expectedLastModified is non-nil and the stored row carries a strictly
// newer timestamp, the update is rejected with ErrConflict. The patch is
// merged onto the freshly re-read record, never onto a stale caller copy, and
// the stored LastModified strictly increases.
func (s *LedgerService) UpdateExpense(ctx context.Context, id string, patch ExpenseUpdate, expectedLastModified *time.Time) (models.Expense, error) {
	fresh, err := s.refetchExpense(ctx, id)
	if err != nil {
		return models.Expense{}, err
	}

	if expectedLastModified != nil && fresh.LastModified.After(*expectedLastModified) {
		metrics.Conflicts.Inc()
		slog.Warn("expense update rejected: newer write exists",
			"expense_id", id,
			"expected", expectedLastModified,
			"stored", fresh.LastModified,
		)
		return models.Expense{}, fmt.Errorf("expense %s: %w", id, ErrConflict)
	}

	merged := fresh
	if patch.Description != nil {
		merged.Description = *patch.Description
	}
	if patch.Amount != nil {
		merged.Amount = *patch.Amount
	}
	if patch.Category != nil {
		merged.Category = *patch.Category
	}
	if patch.Date != nil {
		merged.Date = *patch.Date
	}
	if patch.PaidBy != nil {
		merged.PaidBy = *patch.PaidBy
	}
	if patch.Splits != nil {
		merged.Splits = patch.Splits
	}
	merged.LastModified = time.Now()
	if !merged.LastModified.After(fresh.LastModified) {
		merged.LastModified = fresh.LastModified.Add(time.Nanosecond)
	}

	if err := s.repo.UpdateExpense(ctx, merged); err != nil {
		return models.Expense{}, err
	}
	return merged, nil
}

// DeleteExpense removes the expense after verifying the row at its cached
// position is still the expected record.
func (s *LedgerService) DeleteExpense(ctx context.Context, id string) error {
	if _, err := s.refetchExpense(ctx, id); err != nil {
		return err
	}
	return s.repo.DeleteExpense(ctx, id)
}

// UpdateSettlement applies a partial update to the settlement with the given
// id, after the identity re-check.
func (s *LedgerService) UpdateSettlement(ctx context.Context, id string, patch SettlementUpdate) (models.Settlement, error) {
	fresh, err := s.refetchSettlement(ctx, id)
	if err != nil {
		return models.Settlement{}, err
	}

	merged := fresh
	if patch.Date != nil {
		merged.Date = *patch.Date
	}
	if patch.FromUserID != nil {
		merged.FromUserID = *patch.FromUserID
	}
	if patch.ToUserID != nil {
		merged.ToUserID = *patch.ToUserID
	}
	if patch.Amount != nil {
		merged.Amount = *patch.Amount
	}
	if patch.Method != nil {
		merged.Method = *patch.Method
	}
	if patch.Notes != nil {
		merged.Notes = *patch.Notes
	}

	if err := s.repo.UpdateSettlement(ctx, merged); err != nil {
		return models.Settlement{}, err
	}
	return merged, nil
}

// DeleteSettlement removes the settlement after the identity re-check.
func (s *LedgerService) DeleteSettlement(ctx context.Context, id string) error {
	if _, err := s.refetchSettlement(ctx, id); err != nil {
		return err
	}
	return s.repo.DeleteSettlement(ctx, id)
}

// UpdateMember applies a partial update to the member with the given userId,
// after the identity re-check.
func (s *LedgerService) UpdateMember(ctx context.Context, userID string, patch MemberUpdate) (models.Member, error) {
	fresh, err := s.refetchMember(ctx, userID)
	if err != nil {
		return models.Member{}, err
	}

	merged := fresh
	if patch.Email != nil {
		merged.Email = *patch.Email
	}
	if patch.Name != nil {
		merged.Name = *patch.Name
	}
	if patch.Role != nil {
		merged.Role = *patch.Role
	}

	if err := s.repo.UpdateMember(ctx, userID, merged); err != nil {
		return models.Member{}, err
	}
	return merged, nil
}

// DeleteMember removes the member row after the identity re-check. The
// referential-integrity guard against dangling expense references lives in
// GroupService; this is the raw row operation.
func (s *LedgerService) DeleteMember(ctx context.Context, userID string) error {
	if _, err := s.refetchMember(ctx, userID); err != nil {
		return err
	}
	return s.repo.DeleteMember(ctx, userID)
}

// Snapshot fetches all three tables concurrently.
func (s *LedgerService) Snapshot(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snap.Members, err = s.repo.Members(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		snap.Expenses, err = s.repo.Expenses(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		snap.Settlements, err = s.repo.Settlements(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Balances computes every member's net position from a fresh snapshot.
func (s *LedgerService) Balances(ctx context.Context) (map[string]float64, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return calculator.ComputeBalances(snap.Members, snap.Expenses, snap.Settlements), nil
}

// SuggestSettlement proposes a transfer moving the given user toward zero,
// or nil when they are already settled.
func (s *LedgerService) SuggestSettlement(ctx context.Context, userID string) (*calculator.Suggestion, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	balances := calculator.ComputeBalances(snap.Members, snap.Expenses, snap.Settlements)
	return calculator.SuggestSettlement(userID, balances, snap.Members), nil
}

// SettleBetween proposes a direct settlement between two named users.
func (s *LedgerService) SettleBetween(ctx context.Context, aUserID, bUserID string) (calculator.Suggestion, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return calculator.Suggestion{}, err
	}
	balances := calculator.ComputeBalances(snap.Members, snap.Expenses, snap.Settlements)
	return calculator.SettleBetween(aUserID, bUserID, balances), nil
}

// refetchExpense resolves the cached position for id and re-reads the row
// there, translating the outcome into the service error taxonomy: id unknown
// after reload is ErrNotFound, a vanished or re-keyed row is ErrConflict.
func (s *LedgerService) refetchExpense(ctx context.Context, id string) (models.Expense, error) {
	pos, err := s.repo.ExpensePosition(ctx, id)
	if err != nil {
		return models.Expense{}, notFoundOr(err, "expense", id)
	}
	fresh, err := s.repo.ExpenseAt(ctx, pos)
	if err != nil {
		return models.Expense{}, conflictOr(err, "expense", id)
	}
	if fresh.ID != id {
		metrics.Conflicts.Inc()
		slog.Warn("expense row shifted under cached position",
			"expense_id", id, "row", pos, "found_id", fresh.ID)
		return models.Expense{}, fmt.Errorf("expense %s: %w", id, ErrConflict)
	}
	return fresh, nil
}

func (s *LedgerService) refetchSettlement(ctx context.Context, id string) (models.Settlement, error) {
	pos, err := s.repo.SettlementPosition(ctx, id)
	if err != nil {
		return models.Settlement{}, notFoundOr(err, "settlement", id)
	}
	fresh, err := s.repo.SettlementAt(ctx, pos)
	if err != nil {
		return models.Settlement{}, conflictOr(err, "settlement", id)
	}
	if fresh.ID != id {
		metrics.Conflicts.Inc()
		return models.Settlement{}, fmt.Errorf("settlement %s: %w", id, ErrConflict)
	}
	return fresh, nil
}

func (s *LedgerService) refetchMember(ctx context.Context, userID string) (models.Member, error) {
	pos, err := s.repo.MemberPosition(ctx, userID)
	if err != nil {
		return models.Member{}, notFoundOr(err, "member", userID)
	}
	fresh, err := s.repo.MemberAt(ctx, pos)
	if err != nil {
		return models.Member{}, conflictOr(err, "member", userID)
	}
	if fresh.UserID != userID {
		metrics.Conflicts.Inc()
		return models.Member{}, fmt.Errorf("member %s: %w", userID, ErrConflict)
	}
	return fresh, nil
}

// notFoundOr maps a missing id after a full reload to ErrNotFound; transport
// failures pass through.
func notFoundOr(err error, kind, id string) error {
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return err
}

// conflictOr maps a vanished row at a cached position to ErrConflict (an
// intervening delete shifted the table); transport failures pass through.
func conflictOr(err error, kind, id string) error {
	if errors.Is(err, docstore.ErrNotFound) {
		metrics.Conflicts.Inc()
		return fmt.Errorf("%s %s: %w", kind, id, ErrConflict)
	}
	return err
}
