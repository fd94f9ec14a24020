package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/diegodesogos/quozen/internal/docstore"
	"github.com/diegodesogos/quozen/internal/docstore/sqlitedoc"
	"github.com/diegodesogos/quozen/internal/mapper"
	"github.com/diegodesogos/quozen/internal/models"
)

// newTestLedger creates a sqlitedoc-backed group document with header rows
// and returns a repository bound to it plus the underlying store.
func newTestLedger(t *testing.T) (*Repository, *sqlitedoc.Store, string) {
	t.Helper()
	ctx := context.Background()

	store, err := sqlitedoc.New(filepath.Join(t.TempDir(), "test.db"), "alice@example.com")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	doc, err := store.CreateDocument(ctx, "Test Group", mapper.Tables)
	if err != nil {
		t.Fatalf("failed to create document: %v", err)
	}
	for table, header := range map[string]docstore.Row{
		mapper.TableExpenses:    mapper.ExpenseHeader,
		mapper.TableSettlements: mapper.SettlementHeader,
		mapper.TableMembers:     mapper.MemberHeader,
	} {
		if err := store.AppendRow(ctx, doc.ID, table, header); err != nil {
			t.Fatalf("failed to write header: %v", err)
		}
	}

	return New(store, doc.ID), store, doc.ID
}

func TestRepositoryExpenses(t *testing.T) {
	repo, _, _ := newTestLedger(t)
	ctx := context.Background()

	t.Run("add assigns id and timestamps", func(t *testing.T) {
		e, err := repo.AddExpense(ctx, models.Expense{
			Description: "Pizza",
			Amount:      30,
			PaidBy:      "u1",
			Splits:      []models.Split{{UserID: "u1", Amount: 10}, {UserID: "u2", Amount: 20}},
		})
		if err != nil {
			t.Fatalf("AddExpense failed: %v", err)
		}
		if e.ID == "" {
			t.Error("expected generated id")
		}
		if e.CreatedAt.IsZero() || e.LastModified.IsZero() {
			t.Error("expected timestamps to be set")
		}
	})

	t.Run("bulk read populates row positions", func(t *testing.T) {
		expenses, err := repo.Expenses(ctx)
		if err != nil {
			t.Fatalf("Expenses failed: %v", err)
		}
		if len(expenses) != 1 {
			t.Fatalf("got %d expenses, want 1", len(expenses))
		}
		// Header occupies row 1, first data row is 2.
		if expenses[0].Row != 2 {
			t.Errorf("Row = %d, want 2", expenses[0].Row)
		}
		if len(expenses[0].Splits) != 2 {
			t.Errorf("splits lost on round trip: %+v", expenses[0].Splits)
		}
	})

	t.Run("update on a cold cache reloads first", func(t *testing.T) {
		expenses, err := repo.Expenses(ctx)
		if err != nil {
			t.Fatalf("Expenses failed: %v", err)
		}
		target := expenses[0]
		target.Description = "Pizza night"

		fresh := New(repo.store, repo.docID) // empty cache
		if err := fresh.UpdateExpense(ctx, target); err != nil {
			t.Fatalf("UpdateExpense failed: %v", err)
		}

		got, err := fresh.ExpenseAt(ctx, target.Row)
		if err != nil {
			t.Fatalf("ExpenseAt failed: %v", err)
		}
		if got.Description != "Pizza night" {
			t.Errorf("Description = %q, want %q", got.Description, "Pizza night")
		}
	})

	t.Run("unknown id is not found after reload", func(t *testing.T) {
		err := repo.UpdateExpense(ctx, models.Expense{ID: "missing"})
		if !errors.Is(err, docstore.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestRepositoryDeleteEvictsShiftedPositions(t *testing.T) {
	repo, _, _ := newTestLedger(t)
	ctx := context.Background()

	var ids []string
	for _, desc := range []string{"first", "second", "third"} {
		e, err := repo.AddExpense(ctx, models.Expense{Description: desc, PaidBy: "u1"})
		if err != nil {
			t.Fatalf("AddExpense failed: %v", err)
		}
		ids = append(ids, e.ID)
	}
	if _, err := repo.Expenses(ctx); err != nil {
		t.Fatalf("Expenses failed: %v", err)
	}

	// Deleting the first data row shifts the other two up by one; their
	// cached positions must not be trusted afterwards.
	if err := repo.DeleteExpense(ctx, ids[0]); err != nil {
		t.Fatalf("DeleteExpense failed: %v", err)
	}

	// An update through the same repository must land on the shifted row,
	// which forces a reload since the cached position was evicted.
	third, err := repo.ExpensePosition(ctx, ids[2])
	if err != nil {
		t.Fatalf("ExpensePosition failed: %v", err)
	}
	if third != 3 {
		t.Errorf("third expense position = %d, want 3 after shift", third)
	}

	expenses, err := repo.Expenses(ctx)
	if err != nil {
		t.Fatalf("Expenses failed: %v", err)
	}
	if len(expenses) != 2 {
		t.Fatalf("got %d expenses, want 2", len(expenses))
	}
	if expenses[0].Description != "second" || expenses[1].Description != "third" {
		t.Errorf("unexpected order after delete: %+v", expenses)
	}
}

func TestRepositoryMembers(t *testing.T) {
	repo, _, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := repo.AddMember(ctx, models.Member{
		UserID: "bob@example.com", // email placeholder before first login
		Email:  "bob@example.com",
		Name:   "Bob",
		Role:   models.RoleMember,
	}); err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}

	t.Run("update can re-key the row in place", func(t *testing.T) {
		members, err := repo.Members(ctx)
		if err != nil {
			t.Fatalf("Members failed: %v", err)
		}
		m := members[0]
		m.UserID = "u-bob"
		if err := repo.UpdateMember(ctx, "bob@example.com", m); err != nil {
			t.Fatalf("UpdateMember failed: %v", err)
		}

		pos, err := repo.MemberPosition(ctx, "u-bob")
		if err != nil {
			t.Fatalf("MemberPosition failed: %v", err)
		}
		got, err := repo.MemberAt(ctx, pos)
		if err != nil {
			t.Fatalf("MemberAt failed: %v", err)
		}
		if got.UserID != "u-bob" || got.Email != "bob@example.com" {
			t.Errorf("unexpected member after re-key: %+v", got)
		}
	})
}

func TestRepositoryTouchesDocument(t *testing.T) {
	repo, store, docID := newTestLedger(t)
	ctx := context.Background()

	before, err := store.ModifiedAt(ctx, docID)
	if err != nil {
		t.Fatalf("ModifiedAt failed: %v", err)
	}
	if _, err := repo.AddSettlement(ctx, models.Settlement{
		FromUserID: "u2", ToUserID: "u1", Amount: 20, Method: "cash",
	}); err != nil {
		t.Fatalf("AddSettlement failed: %v", err)
	}
	after, err := store.ModifiedAt(ctx, docID)
	if err != nil {
		t.Fatalf("ModifiedAt failed: %v", err)
	}
	if !after.After(before) {
		t.Error("mutation did not move the modification fingerprint forward")
	}
}
