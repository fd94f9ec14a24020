package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/diegodesogos/quozen/internal/docstore"
	"github.com/diegodesogos/quozen/internal/ledger"
	"github.com/diegodesogos/quozen/internal/mapper"
	"github.com/diegodesogos/quozen/internal/metrics"
	"github.com/diegodesogos/quozen/internal/models"
	"github.com/diegodesogos/quozen/internal/settings"
)

// Group document marker properties. Reconciliation uses them to tell managed
// group documents apart from unrelated ones; structurally valid legacy
// documents lacking them are retro-tagged ("blessed") on first import.
var groupMarker = map[string]string{
	"type":    "group",
	"version": "1.0",
}

// Identity is the already-resolved identity of the calling user. Acquiring it
// (OAuth, sessions) happens outside this core.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// MemberSpec names one desired member for group creation or membership edits.
// Members without an email get a synthetic placeholder id; members invited by
// email carry the email as placeholder until identity migration.
type MemberSpec struct {
	UserID string
	Email  string
	Name   string
}

// GroupService owns group lifecycle: creation, import/join, membership edits
// with referential-integrity guards, and reconciliation of the settings cache
// against the authoritative document listing. All settings access is
// serialized through the queue.
type GroupService struct {
	store docstore.Store
	queue *settings.Queue
	ident Identity
}

// NewGroupService creates a GroupService acting as the given identity.
func NewGroupService(store docstore.Store, queue *settings.Queue, ident Identity) *GroupService {
	return &GroupService{store: store, queue: queue, ident: ident}
}

// Ledger returns an OCC-wrapped ledger service for one group document.
func (s *GroupService) Ledger(docID string) *LedgerService {
	return NewLedgerService(ledger.New(s.store, docID))
}

// Settings reads the settings resource, falling back to a full reconciliation
// when it is missing or structurally invalid.
func (s *GroupService) Settings(ctx context.Context) (*models.UserSettings, error) {
	var out *models.UserSettings
	err := s.queue.Do(ctx, func(ctx context.Context) error {
		st, err := settings.Load(ctx, s.store)
		if err != nil {
			slog.Info("settings unavailable, reconciling", "reason", err)
			st, err = s.reconcile(ctx)
			if err != nil {
				return err
			}
		}
		out = st
		return nil
	})
	return out, err
}

// Reconcile rebuilds the settings resource from the authoritative set of
// marker-tagged documents. This is the recovery path when the cache is lost
// or corrupted.
func (s *GroupService) Reconcile(ctx context.Context) (*models.UserSettings, error) {
	var out *models.UserSettings
	err := s.queue.Do(ctx, func(ctx context.Context) error {
		st, err := s.reconcile(ctx)
		if err != nil {
			return err
		}
		out = st
		return nil
	})
	return out, err
}

// reconcile must run on the settings queue.
func (s *GroupService) reconcile(ctx context.Context) (*models.UserSettings, error) {
	docs, err := s.store.ListDocuments(ctx, groupMarker)
	if err != nil {
		return nil, fmt.Errorf("failed to list group documents: %w", err)
	}

	// Duplicate listings can appear when two processes raced on setup;
	// dedupe by document id as a corrective measure.
	seen := make(map[string]bool, len(docs))
	unique := docs[:0]
	for _, doc := range docs {
		if seen[doc.ID] {
			continue
		}
		seen[doc.ID] = true
		unique = append(unique, doc)
	}
	sort.SliceStable(unique, func(i, j int) bool {
		return unique[i].ModifiedAt.After(unique[j].ModifiedAt)
	})

	cache := make([]models.CachedGroup, 0, len(unique))
	for _, doc := range unique {
		role, err := s.roleIn(ctx, doc)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				slog.Warn("skipping malformed group document", "doc_id", doc.ID)
				continue
			}
			return nil, err
		}
		cache = append(cache, models.CachedGroup{
			ID:           doc.ID,
			Name:         doc.Name,
			Role:         role,
			LastAccessed: doc.ModifiedAt,
		})
	}

	// Preserve active group and preferences from the old resource when it
	// is still readable.
	st := &models.UserSettings{
		Version:     models.SettingsVersion,
		Preferences: map[string]string{},
	}
	if old, err := settings.Load(ctx, s.store); err == nil {
		st.ActiveGroupID = old.ActiveGroupID
		if old.Preferences != nil {
			st.Preferences = old.Preferences
		}
	}
	st.GroupCache = cache
	if st.FindGroup(st.ActiveGroupID) == nil {
		st.ActiveGroupID = ""
		if len(cache) > 0 {
			st.ActiveGroupID = cache[0].ID
		}
	}

	if err := settings.Save(ctx, s.store, st); err != nil {
		return nil, err
	}
	metrics.Reconciliations.Inc()
	slog.Info("settings reconciled", "groups", len(cache), "active", st.ActiveGroupID)
	return st, nil
}

// Create creates a new group document with the three required tables, the
// caller as sole owner, and one member row per invitee. Invitees with an
// email are granted share access; the rest get a synthetic member id.
func (s *GroupService) Create(ctx context.Context, name string, invitees []MemberSpec) (*models.Group, error) {
	info, err := s.store.CreateDocument(ctx, name, mapper.Tables)
	if err != nil {
		return nil, fmt.Errorf("failed to create group document: %w", err)
	}

	for table, header := range map[string]docstore.Row{
		mapper.TableExpenses:    mapper.ExpenseHeader,
		mapper.TableSettlements: mapper.SettlementHeader,
		mapper.TableMembers:     mapper.MemberHeader,
	} {
		if err := s.store.AppendRow(ctx, info.ID, table, header); err != nil {
			return nil, fmt.Errorf("failed to write %s header: %w", table, err)
		}
	}

	if err := s.store.SetProperties(ctx, info.ID, groupMarker); err != nil {
		return nil, fmt.Errorf("failed to tag group document: %w", err)
	}

	repo := ledger.New(s.store, info.ID)
	owner := models.Member{
		UserID: s.ident.UserID,
		Email:  s.ident.Email,
		Name:   s.ident.Name,
		Role:   models.RoleOwner,
	}
	if _, err := repo.AddMember(ctx, owner); err != nil {
		return nil, err
	}

	memberIDs := []string{owner.UserID}
	for _, inv := range invitees {
		m := models.Member{
			UserID: inv.UserID,
			Email:  inv.Email,
			Name:   inv.Name,
			Role:   models.RoleMember,
		}
		if m.UserID == "" {
			if m.Email != "" {
				m.UserID = m.Email
			} else {
				m.UserID = "invitee:" + uuid.New().String()
			}
		}
		if inv.Email != "" {
			if _, err := s.store.CreatePermission(ctx, info.ID, inv.Email, "writer"); err != nil {
				return nil, fmt.Errorf("failed to share with %s: %w", inv.Email, err)
			}
		}
		if _, err := repo.AddMember(ctx, m); err != nil {
			return nil, err
		}
		memberIDs = append(memberIDs, m.UserID)
	}

	if err := s.upsertCache(ctx, models.CachedGroup{
		ID:           info.ID,
		Name:         name,
		Role:         models.RoleOwner,
		LastAccessed: info.ModifiedAt,
	}, true); err != nil {
		return nil, err
	}

	slog.Info("group created", "doc_id", info.ID, "name", name, "members", len(memberIDs))
	return &models.Group{
		ID:        info.ID,
		Name:      name,
		CreatedBy: owner.UserID,
		Members:   memberIDs,
		CreatedAt: info.CreatedAt,
		IsOwner:   true,
	}, nil
}

// Import validates an externally supplied document, blesses it when it lacks
// the group marker, runs identity migration, and records it in the settings
// cache as the active group.
func (s *GroupService) Import(ctx context.Context, docID string) (*models.Group, error) {
	return s.adopt(ctx, docID, false)
}

// Join is Import plus inserting the caller's member row when absent.
func (s *GroupService) Join(ctx context.Context, docID string) (*models.Group, error) {
	return s.adopt(ctx, docID, true)
}

func (s *GroupService) adopt(ctx context.Context, docID string, join bool) (*models.Group, error) {
	info, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch document: %w", err)
	}

	if err := s.validateStructure(ctx, docID); err != nil {
		return nil, err
	}

	// Legacy documents passing structural validation are retro-tagged so
	// reconciliation finds them from now on.
	if info.Properties["type"] != groupMarker["type"] {
		if err := s.store.SetProperties(ctx, docID, groupMarker); err != nil {
			return nil, fmt.Errorf("failed to bless document: %w", err)
		}
		slog.Info("blessed unmarked group document", "doc_id", docID)
	}

	repo := ledger.New(s.store, docID)

	if join {
		members, err := repo.Members(ctx)
		if err != nil {
			return nil, err
		}
		if s.findSelf(members) == nil {
			m := models.Member{
				UserID: s.ident.UserID,
				Email:  s.ident.Email,
				Name:   s.ident.Name,
				Role:   models.RoleMember,
			}
			if _, err := repo.AddMember(ctx, m); err != nil {
				return nil, err
			}
			slog.Info("joined group", "doc_id", docID, "user_id", s.ident.UserID)
		}
	}

	if err := s.migrateIdentity(ctx, repo); err != nil {
		return nil, err
	}

	members, err := repo.Members(ctx)
	if err != nil {
		return nil, err
	}
	role := models.RoleMember
	if info.IsOwner {
		role = models.RoleOwner
	} else if self := s.findSelf(members); self != nil && self.Role != "" {
		role = self.Role
	}

	if err := s.upsertCache(ctx, models.CachedGroup{
		ID:           docID,
		Name:         info.Name,
		Role:         role,
		LastAccessed: info.ModifiedAt,
	}, true); err != nil {
		return nil, err
	}

	return assembleGroup(info, members), nil
}

// Update renames the group and diffs desired membership against the current
// Members table. Missing members are added (with share access when they have
// an email); undesired members are removed except the owner, and removal is
// blocked before any row is touched when a member still appears as payer or
// nonzero split holder.
func (s *GroupService) Update(ctx context.Context, docID, name string, desired []MemberSpec) error {
	info, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return fmt.Errorf("failed to fetch document: %w", err)
	}

	if name != "" && name != info.Name {
		if err := s.store.RenameDocument(ctx, docID, name); err != nil {
			return fmt.Errorf("failed to rename group: %w", err)
		}
	} else {
		name = info.Name
	}

	repo := ledger.New(s.store, docID)
	current, err := repo.Members(ctx)
	if err != nil {
		return err
	}

	wanted := func(m models.Member) bool {
		for _, d := range desired {
			if (d.UserID != "" && d.UserID == m.UserID) || (d.Email != "" && d.Email == m.Email) {
				return true
			}
		}
		return false
	}
	present := func(d MemberSpec) bool {
		for _, m := range current {
			if (d.UserID != "" && d.UserID == m.UserID) || (d.Email != "" && d.Email == m.Email) {
				return true
			}
		}
		return false
	}

	var removals []models.Member
	for _, m := range current {
		if m.IsOwner() || wanted(m) {
			continue
		}
		removals = append(removals, m)
	}

	// Referential-integrity guard runs before any mutation.
	if len(removals) > 0 {
		expenses, err := repo.Expenses(ctx)
		if err != nil {
			return err
		}
		for _, m := range removals {
			if hasExpenseReferences(expenses, m.UserID) {
				return fmt.Errorf("member %s: %w", m.UserID, ErrHasExpenses)
			}
		}
	}

	for _, d := range desired {
		if present(d) {
			continue
		}
		m := models.Member{UserID: d.UserID, Email: d.Email, Name: d.Name, Role: models.RoleMember}
		if m.UserID == "" {
			if m.Email != "" {
				m.UserID = m.Email
			} else {
				m.UserID = "invitee:" + uuid.New().String()
			}
		}
		if d.Email != "" {
			if _, err := s.store.CreatePermission(ctx, docID, d.Email, "writer"); err != nil {
				return fmt.Errorf("failed to share with %s: %w", d.Email, err)
			}
		}
		if _, err := repo.AddMember(ctx, m); err != nil {
			return err
		}
	}

	for _, m := range removals {
		if err := repo.DeleteMember(ctx, m.UserID); err != nil {
			return err
		}
		if m.Email != "" {
			if err := s.revokePermission(ctx, docID, m.Email); err != nil {
				return err
			}
		}
		slog.Info("member removed", "doc_id", docID, "user_id", m.UserID)
	}

	return s.upsertCache(ctx, models.CachedGroup{
		ID:           docID,
		Name:         name,
		Role:         roleOf(info, current, s.ident),
		LastAccessed: info.ModifiedAt,
	}, false)
}

// Delete deletes the group document. Owner only.
func (s *GroupService) Delete(ctx context.Context, docID string) error {
	info, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return fmt.Errorf("failed to fetch document: %w", err)
	}
	if !info.IsOwner {
		return fmt.Errorf("group %s: %w", docID, ErrNotOwner)
	}
	if err := s.store.DeleteDocument(ctx, docID); err != nil {
		return fmt.Errorf("failed to delete group document: %w", err)
	}
	slog.Info("group deleted", "doc_id", docID)
	return s.removeFromCache(ctx, docID)
}

// Leave removes the caller's own member row and share access. The owner
// cannot leave, and neither can a member with outstanding expense references.
func (s *GroupService) Leave(ctx context.Context, docID string) error {
	repo := ledger.New(s.store, docID)
	members, err := repo.Members(ctx)
	if err != nil {
		return err
	}
	self := s.findSelf(members)
	if self == nil {
		return fmt.Errorf("member %s: %w", s.ident.UserID, ErrNotFound)
	}
	if self.IsOwner() {
		return fmt.Errorf("group %s: %w", docID, ErrOwner)
	}

	expenses, err := repo.Expenses(ctx)
	if err != nil {
		return err
	}
	if hasExpenseReferences(expenses, self.UserID) {
		return fmt.Errorf("member %s: %w", self.UserID, ErrHasExpenses)
	}

	if err := repo.DeleteMember(ctx, self.UserID); err != nil {
		return err
	}
	if s.ident.Email != "" {
		if err := s.revokePermission(ctx, docID, s.ident.Email); err != nil {
			return err
		}
	}
	slog.Info("left group", "doc_id", docID, "user_id", self.UserID)
	return s.removeFromCache(ctx, docID)
}

// Group assembles the derived group view from document metadata and the
// Members table.
func (s *GroupService) Group(ctx context.Context, docID string) (*models.Group, error) {
	info, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch document: %w", err)
	}
	members, err := ledger.New(s.store, docID).Members(ctx)
	if err != nil {
		return nil, err
	}
	return assembleGroup(info, members), nil
}

// Balances computes every member's net position in one group.
func (s *GroupService) Balances(ctx context.Context, docID string) (map[string]float64, error) {
	return s.Ledger(docID).Balances(ctx)
}

// migrateIdentity repairs references after a user's first real login: when
// the Members table still records an email/username placeholder for the
// caller's email, the member row is re-keyed to the stable identity and every
// expense and settlement referencing the old id is rewritten.
func (s *GroupService) migrateIdentity(ctx context.Context, repo *ledger.Repository) error {
	if s.ident.Email == "" || s.ident.UserID == "" {
		return nil
	}
	members, err := repo.Members(ctx)
	if err != nil {
		return err
	}

	var oldID string
	for _, m := range members {
		if m.Email == s.ident.Email && m.UserID != s.ident.UserID {
			oldID = m.UserID
			m.UserID = s.ident.UserID
			if err := repo.UpdateMember(ctx, oldID, m); err != nil {
				return err
			}
			break
		}
	}
	if oldID == "" {
		return nil
	}

	expenses, err := repo.Expenses(ctx)
	if err != nil {
		return err
	}
	rewritten := 0
	for _, e := range expenses {
		changed := false
		if e.PaidBy == oldID {
			e.PaidBy = s.ident.UserID
			changed = true
		}
		for i := range e.Splits {
			if e.Splits[i].UserID == oldID {
				e.Splits[i].UserID = s.ident.UserID
				changed = true
			}
		}
		if !changed {
			continue
		}
		if err := repo.UpdateExpense(ctx, e); err != nil {
			return err
		}
		rewritten++
	}

	settlementsList, err := repo.Settlements(ctx)
	if err != nil {
		return err
	}
	for _, st := range settlementsList {
		changed := false
		if st.FromUserID == oldID {
			st.FromUserID = s.ident.UserID
			changed = true
		}
		if st.ToUserID == oldID {
			st.ToUserID = s.ident.UserID
			changed = true
		}
		if !changed {
			continue
		}
		if err := repo.UpdateSettlement(ctx, st); err != nil {
			return err
		}
		rewritten++
	}

	slog.Info("identity migrated",
		"doc_id", repo.DocID(),
		"old_id", oldID,
		"new_id", s.ident.UserID,
		"rows_rewritten", rewritten,
	)
	return nil
}

// validateStructure requires the three ledger tables to exist.
func (s *GroupService) validateStructure(ctx context.Context, docID string) error {
	tables, err := s.store.TableNames(ctx, docID)
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}
	have := make(map[string]bool, len(tables))
	for _, t := range tables {
		have[t] = true
	}
	for _, required := range mapper.Tables {
		if !have[required] {
			return fmt.Errorf("missing table %s: %w", required, ErrInvalidDocument)
		}
	}
	return nil
}

// roleIn derives the caller's role in a listed document: document ownership
// wins, otherwise the caller's member row decides, defaulting to member.
func (s *GroupService) roleIn(ctx context.Context, info docstore.DocumentInfo) (string, error) {
	if info.IsOwner {
		return models.RoleOwner, nil
	}
	members, err := ledger.New(s.store, info.ID).Members(ctx)
	if err != nil {
		return "", err
	}
	if self := s.findSelf(members); self != nil && self.Role != "" {
		return self.Role, nil
	}
	return models.RoleMember, nil
}

func (s *GroupService) findSelf(members []models.Member) *models.Member {
	for i := range members {
		if members[i].UserID == s.ident.UserID {
			return &members[i]
		}
	}
	for i := range members {
		if s.ident.Email != "" && members[i].Email == s.ident.Email {
			return &members[i]
		}
	}
	return nil
}

// upsertCache inserts or refreshes one group cache entry on the settings
// queue, optionally marking the group active. A missing or invalid resource
// starts from scratch rather than failing the group operation.
func (s *GroupService) upsertCache(ctx context.Context, entry models.CachedGroup, markActive bool) error {
	return s.queue.Do(ctx, func(ctx context.Context) error {
		st, err := settings.Load(ctx, s.store)
		if err != nil {
			st = &models.UserSettings{
				Version:     models.SettingsVersion,
				Preferences: map[string]string{},
			}
		}
		if existing := st.FindGroup(entry.ID); existing != nil {
			*existing = entry
		} else {
			st.GroupCache = append([]models.CachedGroup{entry}, st.GroupCache...)
		}
		if markActive || st.ActiveGroupID == "" {
			st.ActiveGroupID = entry.ID
		}
		return settings.Save(ctx, s.store, st)
	})
}

// removeFromCache drops a group from the cache and re-points the active group
// when it was the one removed.
func (s *GroupService) removeFromCache(ctx context.Context, docID string) error {
	return s.queue.Do(ctx, func(ctx context.Context) error {
		st, err := settings.Load(ctx, s.store)
		if err != nil {
			return nil // nothing cached to clean up
		}
		kept := st.GroupCache[:0]
		for _, g := range st.GroupCache {
			if g.ID != docID {
				kept = append(kept, g)
			}
		}
		st.GroupCache = kept
		if st.ActiveGroupID == docID {
			st.ActiveGroupID = ""
			if len(kept) > 0 {
				st.ActiveGroupID = kept[0].ID
			}
		}
		return settings.Save(ctx, s.store, st)
	})
}

func (s *GroupService) revokePermission(ctx context.Context, docID, email string) error {
	perms, err := s.store.ListPermissions(ctx, docID)
	if err != nil {
		return fmt.Errorf("failed to list permissions: %w", err)
	}
	for _, p := range perms {
		if p.Email == email {
			if err := s.store.DeletePermission(ctx, docID, p.ID); err != nil {
				return fmt.Errorf("failed to revoke permission: %w", err)
			}
		}
	}
	return nil
}

// hasExpenseReferences reports whether the user is still a payer on any
// expense or holds a nonzero split anywhere.
func hasExpenseReferences(expenses []models.Expense, userID string) bool {
	for _, e := range expenses {
		if e.PaidBy == userID {
			return true
		}
		for _, sp := range e.Splits {
			if sp.UserID == userID && sp.Amount != 0 {
				return true
			}
		}
	}
	return false
}

func assembleGroup(info docstore.DocumentInfo, members []models.Member) *models.Group {
	g := &models.Group{
		ID:        info.ID,
		Name:      info.Name,
		CreatedAt: info.CreatedAt,
		IsOwner:   info.IsOwner,
	}
	for _, m := range members {
		g.Members = append(g.Members, m.UserID)
		if m.IsOwner() {
			g.CreatedBy = m.UserID
		}
	}
	return g
}

func roleOf(info docstore.DocumentInfo, members []models.Member, ident Identity) string {
	if info.IsOwner {
		return models.RoleOwner
	}
	for _, m := range members {
		if m.UserID == ident.UserID && m.Role != "" {
			return m.Role
		}
	}
	return models.RoleMember
}
