package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/diegodesogos/quozen/internal/docstore/sqlitedoc"
	"github.com/diegodesogos/quozen/internal/ledger"
	"github.com/diegodesogos/quozen/internal/mapper"
	"github.com/diegodesogos/quozen/internal/models"
	"github.com/diegodesogos/quozen/internal/settings"
)

var alice = Identity{UserID: "u-alice", Email: "alice@example.com", Name: "Alice"}

// newGroupService creates a sqlitedoc-backed GroupService acting as the given
// identity. The store's authenticated user is the identity's email.
func newGroupService(t *testing.T, ident Identity) (*GroupService, *sqlitedoc.Store) {
	t.Helper()
	store, err := sqlitedoc.New(filepath.Join(t.TempDir(), "test.db"), ident.Email)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	queue := settings.NewQueue()
	t.Cleanup(queue.Close)

	return NewGroupService(store, queue, ident), store
}

func TestCreateGroup(t *testing.T) {
	svc, store := newGroupService(t, alice)
	ctx := context.Background()

	group, err := svc.Create(ctx, "Roommates", []MemberSpec{
		{Email: "bob@example.com", Name: "Bob"},
		{Name: "Walk-in Guest"}, // no email: synthetic id
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if group.ID == "" || group.Name != "Roommates" || !group.IsOwner {
		t.Errorf("unexpected group: %+v", group)
	}
	if group.CreatedBy != "u-alice" {
		t.Errorf("CreatedBy = %s, want u-alice", group.CreatedBy)
	}
	if len(group.Members) != 3 {
		t.Fatalf("got %d members, want 3", len(group.Members))
	}

	t.Run("document carries the group marker", func(t *testing.T) {
		info, err := store.GetDocument(ctx, group.ID)
		if err != nil {
			t.Fatalf("GetDocument failed: %v", err)
		}
		if info.Properties["type"] != "group" || info.Properties["version"] != "1.0" {
			t.Errorf("marker missing: %v", info.Properties)
		}
	})

	t.Run("members table has owner and placeholder rows", func(t *testing.T) {
		members, err := ledger.New(store, group.ID).Members(ctx)
		if err != nil {
			t.Fatalf("Members failed: %v", err)
		}
		if len(members) != 3 {
			t.Fatalf("got %d member rows, want 3", len(members))
		}
		if members[0].UserID != "u-alice" || members[0].Role != models.RoleOwner {
			t.Errorf("first row should be the owner: %+v", members[0])
		}
		if members[1].UserID != "bob@example.com" {
			t.Errorf("email invitee should use the email placeholder: %+v", members[1])
		}
		if members[2].UserID == "" {
			t.Error("no-email invitee should get a synthetic id")
		}
	})

	t.Run("email invitee got share access", func(t *testing.T) {
		perms, err := store.ListPermissions(ctx, group.ID)
		if err != nil {
			t.Fatalf("ListPermissions failed: %v", err)
		}
		if len(perms) != 1 || perms[0].Email != "bob@example.com" {
			t.Errorf("permissions = %v", perms)
		}
	})

	t.Run("settings cache records the group as active", func(t *testing.T) {
		st, err := svc.Settings(ctx)
		if err != nil {
			t.Fatalf("Settings failed: %v", err)
		}
		if st.ActiveGroupID != group.ID {
			t.Errorf("ActiveGroupID = %s, want %s", st.ActiveGroupID, group.ID)
		}
		entry := st.FindGroup(group.ID)
		if entry == nil || entry.Role != models.RoleOwner {
			t.Errorf("cache entry = %+v", entry)
		}
	})
}

func TestReconcileFiltersUnmarkedDocuments(t *testing.T) {
	svc, store := newGroupService(t, alice)
	ctx := context.Background()

	// Two unrelated documents and one real group.
	if _, err := store.CreateDocument(ctx, "Tax stuff", []string{"Sheet1"}); err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	if _, err := store.CreateDocument(ctx, "Notes", []string{"Sheet1"}); err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	group, err := svc.Create(ctx, "Ski trip", nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	st, err := svc.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(st.GroupCache) != 1 || st.GroupCache[0].ID != group.ID {
		t.Errorf("groupCache = %+v, want exactly the marked document", st.GroupCache)
	}
	if st.ActiveGroupID != group.ID {
		t.Errorf("ActiveGroupID = %s, want %s", st.ActiveGroupID, group.ID)
	}
}

func TestSettingsFallsBackToReconcile(t *testing.T) {
	svc, store := newGroupService(t, alice)
	ctx := context.Background()

	group, err := svc.Create(ctx, "Ski trip", nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Corrupt the settings resource; the next read must rebuild it from the
	// document listing instead of failing.
	if err := store.WriteAppData(ctx, settings.ResourceName, []byte("{broken")); err != nil {
		t.Fatalf("WriteAppData failed: %v", err)
	}

	st, err := svc.Settings(ctx)
	if err != nil {
		t.Fatalf("Settings failed: %v", err)
	}
	if st.FindGroup(group.ID) == nil {
		t.Errorf("reconciled settings missing the group: %+v", st)
	}
}

func TestImportBlessesValidUnmarkedDocument(t *testing.T) {
	svc, store := newGroupService(t, alice)
	ctx := context.Background()

	// A structurally valid legacy document without the marker.
	doc, err := store.CreateDocument(ctx, "Legacy Trip", mapper.Tables)
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	repo := ledger.New(store, doc.ID)
	for table, header := range map[string][]any{
		mapper.TableExpenses:    mapper.ExpenseHeader,
		mapper.TableSettlements: mapper.SettlementHeader,
		mapper.TableMembers:     mapper.MemberHeader,
	} {
		if err := store.AppendRow(ctx, doc.ID, table, header); err != nil {
			t.Fatalf("failed to write header: %v", err)
		}
	}
	if _, err := repo.AddMember(ctx, models.Member{
		UserID: "u-alice", Email: "alice@example.com", Name: "Alice", Role: models.RoleOwner,
	}); err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}

	group, err := svc.Import(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if group.ID != doc.ID {
		t.Errorf("group id = %s, want %s", group.ID, doc.ID)
	}

	info, err := store.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if info.Properties["type"] != "group" {
		t.Error("import should have blessed the document with the group marker")
	}

	t.Run("structurally invalid document is rejected", func(t *testing.T) {
		bad, err := store.CreateDocument(ctx, "Not a group", []string{"Expenses"})
		if err != nil {
			t.Fatalf("CreateDocument failed: %v", err)
		}
		if _, err := svc.Import(ctx, bad.ID); !errors.Is(err, ErrInvalidDocument) {
			t.Errorf("expected ErrInvalidDocument, got %v", err)
		}
	})
}

func TestJoinInsertsMemberAndMigratesIdentity(t *testing.T) {
	bob := Identity{UserID: "u-bob", Email: "bob@example.com", Name: "Bob"}
	svc, store := newGroupService(t, bob)
	ctx := context.Background()

	// A group created by someone else where Bob is recorded only by his
	// email placeholder, with ledger rows referencing that placeholder.
	doc, err := store.CreateDocument(ctx, "Shared flat", mapper.Tables)
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	repo := ledger.New(store, doc.ID)
	for table, header := range map[string][]any{
		mapper.TableExpenses:    mapper.ExpenseHeader,
		mapper.TableSettlements: mapper.SettlementHeader,
		mapper.TableMembers:     mapper.MemberHeader,
	} {
		if err := store.AppendRow(ctx, doc.ID, table, header); err != nil {
			t.Fatalf("failed to write header: %v", err)
		}
	}
	if _, err := repo.AddMember(ctx, models.Member{
		UserID: "u-alice", Email: "alice@example.com", Name: "Alice", Role: models.RoleOwner,
	}); err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}
	if _, err := repo.AddMember(ctx, models.Member{
		UserID: "bob@example.com", Email: "bob@example.com", Name: "Bob", Role: models.RoleMember,
	}); err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}
	if _, err := repo.AddExpense(ctx, models.Expense{
		Description: "Rent",
		Amount:      1000,
		PaidBy:      "bob@example.com",
		Splits: []models.Split{
			{UserID: "u-alice", Amount: 500},
			{UserID: "bob@example.com", Amount: 500},
		},
	}); err != nil {
		t.Fatalf("AddExpense failed: %v", err)
	}
	if _, err := repo.AddSettlement(ctx, models.Settlement{
		FromUserID: "u-alice", ToUserID: "bob@example.com", Amount: 500, Method: "transfer",
	}); err != nil {
		t.Fatalf("AddSettlement failed: %v", err)
	}

	if _, err := svc.Join(ctx, doc.ID); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	t.Run("member row re-keyed to stable identity", func(t *testing.T) {
		members, err := repo.Members(ctx)
		if err != nil {
			t.Fatalf("Members failed: %v", err)
		}
		if len(members) != 2 {
			t.Fatalf("got %d members, want 2 (no duplicate row)", len(members))
		}
		if members[1].UserID != "u-bob" || members[1].Email != "bob@example.com" {
			t.Errorf("member not migrated: %+v", members[1])
		}
	})

	t.Run("expense references rewritten", func(t *testing.T) {
		expenses, err := repo.Expenses(ctx)
		if err != nil {
			t.Fatalf("Expenses failed: %v", err)
		}
		e := expenses[0]
		if e.PaidBy != "u-bob" {
			t.Errorf("PaidBy = %s, want u-bob", e.PaidBy)
		}
		if e.Splits[1].UserID != "u-bob" {
			t.Errorf("split not rewritten: %+v", e.Splits)
		}
		if e.Splits[0].UserID != "u-alice" {
			t.Errorf("unrelated split touched: %+v", e.Splits)
		}
	})

	t.Run("settlement references rewritten", func(t *testing.T) {
		sts, err := repo.Settlements(ctx)
		if err != nil {
			t.Fatalf("Settlements failed: %v", err)
		}
		if sts[0].ToUserID != "u-bob" || sts[0].FromUserID != "u-alice" {
			t.Errorf("settlement not rewritten: %+v", sts[0])
		}
	})
}

func TestUpdateGroupMembership(t *testing.T) {
	svc, store := newGroupService(t, alice)
	ctx := context.Background()

	group, err := svc.Create(ctx, "Roommates", []MemberSpec{
		{Email: "bob@example.com", Name: "Bob"},
		{Email: "carol@example.com", Name: "Carol"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	repo := ledger.New(store, group.ID)

	if _, err := repo.AddExpense(ctx, models.Expense{
		Description: "Groceries",
		Amount:      30,
		PaidBy:      "bob@example.com",
		Splits:      []models.Split{{UserID: "carol@example.com", Amount: 30}},
	}); err != nil {
		t.Fatalf("AddExpense failed: %v", err)
	}

	t.Run("removing a payer is blocked", func(t *testing.T) {
		err := svc.Update(ctx, group.ID, "", []MemberSpec{
			{UserID: "u-alice"},
			{Email: "carol@example.com"},
		})
		if !errors.Is(err, ErrHasExpenses) {
			t.Errorf("expected ErrHasExpenses, got %v", err)
		}
	})

	t.Run("removing a nonzero split holder is blocked", func(t *testing.T) {
		err := svc.Update(ctx, group.ID, "", []MemberSpec{
			{UserID: "u-alice"},
			{Email: "bob@example.com"},
		})
		if !errors.Is(err, ErrHasExpenses) {
			t.Errorf("expected ErrHasExpenses, got %v", err)
		}
	})

	t.Run("blocked removal touches no rows", func(t *testing.T) {
		members, err := repo.Members(ctx)
		if err != nil {
			t.Fatalf("Members failed: %v", err)
		}
		if len(members) != 3 {
			t.Errorf("got %d members, want 3 untouched", len(members))
		}
	})

	t.Run("owner survives even when not in the desired list", func(t *testing.T) {
		if err := svc.Update(ctx, group.ID, "", []MemberSpec{
			{Email: "bob@example.com"},
			{Email: "carol@example.com"},
		}); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		members, err := repo.Members(ctx)
		if err != nil {
			t.Fatalf("Members failed: %v", err)
		}
		if len(members) != 3 || members[0].Role != models.RoleOwner {
			t.Errorf("owner should remain: %+v", members)
		}
	})

	t.Run("clean member is removed with permission revoked", func(t *testing.T) {
		// Clear the expense so bob and carol have no references.
		expenses, err := repo.Expenses(ctx)
		if err != nil {
			t.Fatalf("Expenses failed: %v", err)
		}
		for _, e := range expenses {
			if err := repo.DeleteExpense(ctx, e.ID); err != nil {
				t.Fatalf("DeleteExpense failed: %v", err)
			}
		}

		if err := svc.Update(ctx, group.ID, "Roomies", []MemberSpec{
			{Email: "bob@example.com"},
		}); err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		members, err := repo.Members(ctx)
		if err != nil {
			t.Fatalf("Members failed: %v", err)
		}
		if len(members) != 2 {
			t.Fatalf("got %d members, want 2: %+v", len(members), members)
		}
		for _, m := range members {
			if m.Email == "carol@example.com" {
				t.Errorf("carol should have been removed: %+v", members)
			}
		}

		perms, err := store.ListPermissions(ctx, group.ID)
		if err != nil {
			t.Fatalf("ListPermissions failed: %v", err)
		}
		for _, p := range perms {
			if p.Email == "carol@example.com" {
				t.Error("carol's permission should have been revoked")
			}
		}

		info, err := store.GetDocument(ctx, group.ID)
		if err != nil {
			t.Fatalf("GetDocument failed: %v", err)
		}
		if info.Name != "Roomies" {
			t.Errorf("rename not applied: %s", info.Name)
		}
	})
}

func TestDeleteAndLeaveGroup(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := sqlitedoc.New(dbPath, alice.Email)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	svc := NewGroupService(store, settingsQueue(t), alice)
	ctx := context.Background()

	first, err := svc.Create(ctx, "First", nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	second, err := svc.Create(ctx, "Second", nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	t.Run("owner deletes and active group re-points", func(t *testing.T) {
		if err := svc.Delete(ctx, second.ID); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		st, err := svc.Settings(ctx)
		if err != nil {
			t.Fatalf("Settings failed: %v", err)
		}
		if st.FindGroup(second.ID) != nil {
			t.Error("deleted group still cached")
		}
		if st.ActiveGroupID != first.ID {
			t.Errorf("ActiveGroupID = %s, want %s", st.ActiveGroupID, first.ID)
		}
	})

	t.Run("owner cannot leave", func(t *testing.T) {
		if err := svc.Leave(ctx, first.ID); !errors.Is(err, ErrOwner) {
			t.Errorf("expected ErrOwner, got %v", err)
		}
	})

	t.Run("non-owner cannot delete", func(t *testing.T) {
		bobStore, err := sqlitedoc.New(dbPath, "bob@example.com")
		if err != nil {
			t.Fatalf("failed to open store as bob: %v", err)
		}
		t.Cleanup(func() { bobStore.Close() })
		bobSvc := NewGroupService(bobStore, settingsQueue(t), Identity{
			UserID: "u-bob", Email: "bob@example.com", Name: "Bob",
		})
		if err := bobSvc.Delete(ctx, first.ID); !errors.Is(err, ErrNotOwner) {
			t.Errorf("expected ErrNotOwner, got %v", err)
		}
	})
}

func TestLeaveGroup(t *testing.T) {
	bob := Identity{UserID: "u-bob", Email: "bob@example.com", Name: "Bob"}
	svc, store := newGroupService(t, bob)
	ctx := context.Background()

	// A group owned by someone else that bob belongs to.
	doc, err := store.CreateDocument(ctx, "Shared flat", mapper.Tables)
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	repo := ledger.New(store, doc.ID)
	for table, header := range map[string][]any{
		mapper.TableExpenses:    mapper.ExpenseHeader,
		mapper.TableSettlements: mapper.SettlementHeader,
		mapper.TableMembers:     mapper.MemberHeader,
	} {
		if err := store.AppendRow(ctx, doc.ID, table, header); err != nil {
			t.Fatalf("failed to write header: %v", err)
		}
	}
	if _, err := repo.AddMember(ctx, models.Member{
		UserID: "u-alice", Email: "alice@other.example.com", Name: "Alice", Role: models.RoleOwner,
	}); err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}
	if _, err := repo.AddMember(ctx, models.Member{
		UserID: "u-bob", Email: "bob@example.com", Name: "Bob", Role: models.RoleMember,
	}); err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}

	t.Run("leave blocked while expenses reference the member", func(t *testing.T) {
		e, err := repo.AddExpense(ctx, models.Expense{
			Description: "Rent", PaidBy: "u-bob",
			Splits: []models.Split{{UserID: "u-alice", Amount: 500}},
		})
		if err != nil {
			t.Fatalf("AddExpense failed: %v", err)
		}
		if err := svc.Leave(ctx, doc.ID); !errors.Is(err, ErrHasExpenses) {
			t.Errorf("expected ErrHasExpenses, got %v", err)
		}
		if err := repo.DeleteExpense(ctx, e.ID); err != nil {
			t.Fatalf("DeleteExpense failed: %v", err)
		}
	})

	t.Run("clean member leaves", func(t *testing.T) {
		if err := svc.Leave(ctx, doc.ID); err != nil {
			t.Fatalf("Leave failed: %v", err)
		}
		members, err := repo.Members(ctx)
		if err != nil {
			t.Fatalf("Members failed: %v", err)
		}
		if len(members) != 1 || members[0].UserID != "u-alice" {
			t.Errorf("members after leave = %+v", members)
		}
	})
}

func settingsQueue(t *testing.T) *settings.Queue {
	t.Helper()
	q := settings.NewQueue()
	t.Cleanup(q.Close)
	return q
}
