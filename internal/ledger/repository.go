// Package ledger provides row-indexed CRUD over one group document's three
// tables (Expenses, Settlements, Members).
//
// Each Repository owns an in-memory id -> sheet-row cache per table. The
// cache is rebuilt from scratch on every bulk read and is advisory only:
// callers performing conditional writes must re-read the row at the cached
// position and verify its identity before trusting it (see the service
// layer's optimistic-concurrency protocol).
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/diegodesogos/quozen/internal/docstore"
	"github.com/diegodesogos/quozen/internal/mapper"
	"github.com/diegodesogos/quozen/internal/metrics"
	"github.com/diegodesogos/quozen/internal/models"
)

// Repository is the row-level data access layer for one group document.
// The position cache is guarded so concurrent bulk reads (the snapshot fetch)
// are safe, but the cache itself carries no cross-instance consistency
// guarantee.
type Repository struct {
	store docstore.Store
	docID string

	// pos maps table name -> record id -> 1-based sheet row.
	mu  sync.Mutex
	pos map[string]map[string]int
}

// New creates a Repository bound to the given group document.
func New(store docstore.Store, docID string) *Repository {
	return &Repository{
		store: store,
		docID: docID,
		pos:   make(map[string]map[string]int),
	}
}

// DocID returns the underlying document id.
func (r *Repository) DocID() string {
	return r.docID
}

// Members bulk-reads the Members table and rebuilds its position cache.
func (r *Repository) Members(ctx context.Context) ([]models.Member, error) {
	rows, err := r.readTable(ctx, mapper.TableMembers)
	if err != nil {
		return nil, err
	}
	cache := make(map[string]int, len(rows))
	members := make([]models.Member, 0, len(rows))
	for i, row := range rows {
		m := mapper.MemberFromRow(row, i+2)
		cache[m.UserID] = i + 2
		members = append(members, m)
	}
	r.setCache(mapper.TableMembers, cache)
	return members, nil
}

// Expenses bulk-reads the Expenses table and rebuilds its position cache.
func (r *Repository) Expenses(ctx context.Context) ([]models.Expense, error) {
	rows, err := r.readTable(ctx, mapper.TableExpenses)
	if err != nil {
		return nil, err
	}
	cache := make(map[string]int, len(rows))
	expenses := make([]models.Expense, 0, len(rows))
	for i, row := range rows {
		e := mapper.ExpenseFromRow(row, i+2)
		cache[e.ID] = i + 2
		expenses = append(expenses, e)
	}
	r.setCache(mapper.TableExpenses, cache)
	return expenses, nil
}

// Settlements bulk-reads the Settlements table and rebuilds its position cache.
func (r *Repository) Settlements(ctx context.Context) ([]models.Settlement, error) {
	rows, err := r.readTable(ctx, mapper.TableSettlements)
	if err != nil {
		return nil, err
	}
	cache := make(map[string]int, len(rows))
	settlements := make([]models.Settlement, 0, len(rows))
	for i, row := range rows {
		s := mapper.SettlementFromRow(row, i+2)
		cache[s.ID] = i + 2
		settlements = append(settlements, s)
	}
	r.setCache(mapper.TableSettlements, cache)
	return settlements, nil
}

// AddExpense appends an expense row. Missing id and timestamps are filled in.
// Append never consults the position cache.
func (r *Repository) AddExpense(ctx context.Context, e models.Expense) (models.Expense, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.LastModified.IsZero() {
		e.LastModified = now
	}
	if err := r.appendRow(ctx, mapper.TableExpenses, mapper.ExpenseToRow(e)); err != nil {
		return models.Expense{}, err
	}
	return e, nil
}

// AddSettlement appends a settlement row.
func (r *Repository) AddSettlement(ctx context.Context, s models.Settlement) (models.Settlement, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.Date.IsZero() {
		s.Date = time.Now()
	}
	if err := r.appendRow(ctx, mapper.TableSettlements, mapper.SettlementToRow(s)); err != nil {
		return models.Settlement{}, err
	}
	return s, nil
}

// AddMember appends a member row.
func (r *Repository) AddMember(ctx context.Context, m models.Member) (models.Member, error) {
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now()
	}
	if err := r.appendRow(ctx, mapper.TableMembers, mapper.MemberToRow(m)); err != nil {
		return models.Member{}, err
	}
	return m, nil
}

// UpdateExpense writes the full expense row at its cached position, bulk
// reloading first when the id is not cached. No identity or timestamp check
// happens here; conflict detection belongs to the calling service.
func (r *Repository) UpdateExpense(ctx context.Context, e models.Expense) error {
	pos, err := r.position(ctx, mapper.TableExpenses, e.ID)
	if err != nil {
		return err
	}
	return r.writeRow(ctx, mapper.TableExpenses, pos, mapper.ExpenseToRow(e))
}

// UpdateSettlement writes the full settlement row at its cached position.
func (r *Repository) UpdateSettlement(ctx context.Context, s models.Settlement) error {
	pos, err := r.position(ctx, mapper.TableSettlements, s.ID)
	if err != nil {
		return err
	}
	return r.writeRow(ctx, mapper.TableSettlements, pos, mapper.SettlementToRow(s))
}

// UpdateMember writes the full member row at its cached position. The key may
// differ from m.UserID during identity migration, when the row is re-keyed in
// place.
func (r *Repository) UpdateMember(ctx context.Context, key string, m models.Member) error {
	pos, err := r.position(ctx, mapper.TableMembers, key)
	if err != nil {
		return err
	}
	if err := r.writeRow(ctx, mapper.TableMembers, pos, mapper.MemberToRow(m)); err != nil {
		return err
	}
	if key != m.UserID {
		r.mu.Lock()
		delete(r.pos[mapper.TableMembers], key)
		r.pos[mapper.TableMembers][m.UserID] = pos
		r.mu.Unlock()
	}
	return nil
}

// DeleteExpense structurally removes the expense row.
func (r *Repository) DeleteExpense(ctx context.Context, id string) error {
	return r.deleteByID(ctx, mapper.TableExpenses, id)
}

// DeleteSettlement structurally removes the settlement row.
func (r *Repository) DeleteSettlement(ctx context.Context, id string) error {
	return r.deleteByID(ctx, mapper.TableSettlements, id)
}

// DeleteMember structurally removes the member row. Referential-integrity
// guards live in the service layer, not here.
func (r *Repository) DeleteMember(ctx context.Context, userID string) error {
	return r.deleteByID(ctx, mapper.TableMembers, userID)
}

// ExpenseAt re-reads the single expense row at the given sheet position.
func (r *Repository) ExpenseAt(ctx context.Context, pos int) (models.Expense, error) {
	row, err := r.store.ReadRow(ctx, r.docID, mapper.TableExpenses, pos)
	if err != nil {
		return models.Expense{}, fmt.Errorf("failed to read expense row %d: %w", pos, err)
	}
	return mapper.ExpenseFromRow(row, pos), nil
}

// SettlementAt re-reads the single settlement row at the given sheet position.
func (r *Repository) SettlementAt(ctx context.Context, pos int) (models.Settlement, error) {
	row, err := r.store.ReadRow(ctx, r.docID, mapper.TableSettlements, pos)
	if err != nil {
		return models.Settlement{}, fmt.Errorf("failed to read settlement row %d: %w", pos, err)
	}
	return mapper.SettlementFromRow(row, pos), nil
}

// MemberAt re-reads the single member row at the given sheet position.
func (r *Repository) MemberAt(ctx context.Context, pos int) (models.Member, error) {
	row, err := r.store.ReadRow(ctx, r.docID, mapper.TableMembers, pos)
	if err != nil {
		return models.Member{}, fmt.Errorf("failed to read member row %d: %w", pos, err)
	}
	return mapper.MemberFromRow(row, pos), nil
}

// ExpensePosition resolves an expense id to its cached sheet row, bulk
// reloading when the id is not cached.
func (r *Repository) ExpensePosition(ctx context.Context, id string) (int, error) {
	return r.position(ctx, mapper.TableExpenses, id)
}

// SettlementPosition resolves a settlement id to its cached sheet row.
func (r *Repository) SettlementPosition(ctx context.Context, id string) (int, error) {
	return r.position(ctx, mapper.TableSettlements, id)
}

// MemberPosition resolves a member userId to its cached sheet row.
func (r *Repository) MemberPosition(ctx context.Context, userID string) (int, error) {
	return r.position(ctx, mapper.TableMembers, userID)
}

// readTable fetches a table's full row range and returns the data rows in
// sheet order. The header occupies row 1, so the row at index i sits at sheet
// position i+2.
func (r *Repository) readTable(ctx context.Context, table string) ([]docstore.Row, error) {
	rows, err := r.store.ReadRows(ctx, r.docID, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[1:], nil
}

// position resolves an id to its cached sheet row. A cache miss forces a full
// bulk reload of the table before failing.
func (r *Repository) position(ctx context.Context, table, id string) (int, error) {
	if pos, ok := r.lookup(table, id); ok {
		return pos, nil
	}
	if err := r.reload(ctx, table); err != nil {
		return 0, err
	}
	pos, ok := r.lookup(table, id)
	if !ok {
		return 0, fmt.Errorf("%s %s: %w", table, id, docstore.ErrNotFound)
	}
	return pos, nil
}

func (r *Repository) lookup(table, id string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cache, ok := r.pos[table]
	if !ok {
		return 0, false
	}
	pos, ok := cache[id]
	return pos, ok
}

func (r *Repository) setCache(table string, cache map[string]int) {
	r.mu.Lock()
	r.pos[table] = cache
	r.mu.Unlock()
}

func (r *Repository) reload(ctx context.Context, table string) error {
	var err error
	switch table {
	case mapper.TableExpenses:
		_, err = r.Expenses(ctx)
	case mapper.TableSettlements:
		_, err = r.Settlements(ctx)
	case mapper.TableMembers:
		_, err = r.Members(ctx)
	}
	return err
}

func (r *Repository) appendRow(ctx context.Context, table string, row docstore.Row) error {
	if err := r.store.AppendRow(ctx, r.docID, table, row); err != nil {
		return fmt.Errorf("failed to append to %s: %w", table, err)
	}
	metrics.LedgerWrites.WithLabelValues(table, "add").Inc()
	r.touch(ctx)
	return nil
}

func (r *Repository) writeRow(ctx context.Context, table string, pos int, row docstore.Row) error {
	if err := r.store.WriteRow(ctx, r.docID, table, pos, row); err != nil {
		return fmt.Errorf("failed to write %s row %d: %w", table, pos, err)
	}
	metrics.LedgerWrites.WithLabelValues(table, "update").Inc()
	r.touch(ctx)
	return nil
}

func (r *Repository) deleteByID(ctx context.Context, table, id string) error {
	pos, err := r.position(ctx, table, id)
	if err != nil {
		return err
	}
	if err := r.store.DeleteRow(ctx, r.docID, table, pos); err != nil {
		return fmt.Errorf("failed to delete %s row %d: %w", table, pos, err)
	}
	metrics.LedgerWrites.WithLabelValues(table, "delete").Inc()

	// The structural delete shifted every row below the deleted one up by
	// one; their cached positions are stale until the next bulk reload.
	r.mu.Lock()
	for key, p := range r.pos[table] {
		if p >= pos {
			delete(r.pos[table], key)
		}
	}
	r.mu.Unlock()

	r.touch(ctx)
	return nil
}

// touch bumps the document's modification timestamp so freshness polling by
// other collaborators picks up the change promptly. Best effort: a failed
// touch does not fail the write that preceded it.
func (r *Repository) touch(ctx context.Context) {
	if err := r.store.Touch(ctx, r.docID); err != nil {
		slog.Warn("failed to touch document", "doc_id", r.docID, "error", err)
	}
}
