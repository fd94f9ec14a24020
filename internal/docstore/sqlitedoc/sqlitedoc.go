// Package sqlitedoc provides a SQLite-backed implementation of the
// docstore.Store interface.
//
// It models a remote spreadsheet store locally: documents with named tables,
// 1-based row positions, structural row deletion that shifts subsequent rows
// up, application properties, sharing permissions, and a per-user app-data
// area. It backs the dev entrypoint and the integration tests.
package sqlitedoc

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/diegodesogos/quozen/internal/docstore"
)

// Ensure Store implements docstore.Store
var _ docstore.Store = (*Store)(nil)

// Store implements docstore.Store on a local SQLite database. The user email
// given at construction plays the role of the authenticated caller: it owns
// documents created through this store and drives the IsOwner flag.
type Store struct {
	db   *sql.DB
	user string
}

// New opens (creating if necessary) a sqlitedoc store at dbPath, acting as
// the given user email. Parent directories are created and migrations run
// automatically.
func New(dbPath, userEmail string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, user: userEmail}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateDocument creates a document owned by the store's user with the named
// tables, each initially empty.
func (s *Store) CreateDocument(ctx context.Context, name string, tables []string) (docstore.DocumentInfo, error) {
	now := time.Now()
	info := docstore.DocumentInfo{
		ID:         uuid.New().String(),
		Name:       name,
		Owner:      s.user,
		CreatedAt:  now,
		ModifiedAt: now,
		Properties: map[string]string{},
		IsOwner:    true,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return docstore.DocumentInfo{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (id, name, owner, created_at, modified_at) VALUES (?, ?, ?, ?, ?)`,
		info.ID, name, s.user, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return docstore.DocumentInfo{}, fmt.Errorf("failed to insert document: %w", err)
	}

	for _, table := range tables {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO doc_tables (doc_id, name) VALUES (?, ?)`, info.ID, table,
		); err != nil {
			return docstore.DocumentInfo{}, fmt.Errorf("failed to insert table %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return docstore.DocumentInfo{}, fmt.Errorf("failed to commit: %w", err)
	}

	return info, nil
}

// GetDocument fetches a document's metadata and properties.
func (s *Store) GetDocument(ctx context.Context, docID string) (docstore.DocumentInfo, error) {
	var (
		info     docstore.DocumentInfo
		created  int64
		modified int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, owner, created_at, modified_at FROM documents WHERE id = ?`, docID,
	).Scan(&info.ID, &info.Name, &info.Owner, &created, &modified)
	if err == sql.ErrNoRows {
		return docstore.DocumentInfo{}, docstore.ErrNotFound
	}
	if err != nil {
		return docstore.DocumentInfo{}, fmt.Errorf("failed to get document: %w", err)
	}

	info.CreatedAt = time.Unix(0, created)
	info.ModifiedAt = time.Unix(0, modified)
	info.IsOwner = info.Owner == s.user

	info.Properties = map[string]string{}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM doc_properties WHERE doc_id = ?`, docID,
	)
	if err != nil {
		return docstore.DocumentInfo{}, fmt.Errorf("failed to get properties: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return docstore.DocumentInfo{}, fmt.Errorf("failed to scan property: %w", err)
		}
		info.Properties[k] = v
	}
	if err := rows.Err(); err != nil {
		return docstore.DocumentInfo{}, fmt.Errorf("failed to iterate properties: %w", err)
	}

	return info, nil
}

// ListDocuments returns every document whose properties contain all the given
// key/value pairs.
func (s *Store) ListDocuments(ctx context.Context, properties map[string]string) ([]docstore.DocumentInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM documents ORDER BY modified_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}

	var docs []docstore.DocumentInfo
	for _, id := range ids {
		info, err := s.GetDocument(ctx, id)
		if err != nil {
			return nil, err
		}
		match := true
		for k, v := range properties {
			if info.Properties[k] != v {
				match = false
				break
			}
		}
		if match {
			docs = append(docs, info)
		}
	}
	return docs, nil
}

// RenameDocument changes a document's display name.
func (s *Store) RenameDocument(ctx context.Context, docID, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET name = ?, modified_at = ? WHERE id = ?`,
		name, time.Now().UnixNano(), docID,
	)
	if err != nil {
		return fmt.Errorf("failed to rename document: %w", err)
	}
	return checkAffected(res)
}

// DeleteDocument removes a document and all its rows, properties, and
// permissions.
func (s *Store) DeleteDocument(ctx context.Context, docID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, docID)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return checkAffected(res)
}

// SetProperties merges application properties into the document's property map.
func (s *Store) SetProperties(ctx context.Context, docID string, properties map[string]string) error {
	if _, err := s.GetDocument(ctx, docID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for k, v := range properties {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO doc_properties (doc_id, key, value) VALUES (?, ?, ?)
			 ON CONFLICT (doc_id, key) DO UPDATE SET value = excluded.value`,
			docID, k, v,
		); err != nil {
			return fmt.Errorf("failed to set property %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// Touch forces the document's modification timestamp forward.
func (s *Store) Touch(ctx context.Context, docID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET modified_at = ? WHERE id = ?`,
		time.Now().UnixNano(), docID,
	)
	if err != nil {
		return fmt.Errorf("failed to touch document: %w", err)
	}
	return checkAffected(res)
}

// ModifiedAt fetches the document's last-modified fingerprint.
func (s *Store) ModifiedAt(ctx context.Context, docID string) (time.Time, error) {
	var modified int64
	err := s.db.QueryRowContext(ctx,
		`SELECT modified_at FROM documents WHERE id = ?`, docID,
	).Scan(&modified)
	if err == sql.ErrNoRows {
		return time.Time{}, docstore.ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get modified time: %w", err)
	}
	return time.Unix(0, modified), nil
}

// TableNames lists the document's table names.
func (s *Store) TableNames(ctx context.Context, docID string) ([]string, error) {
	if _, err := s.GetDocument(ctx, docID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM doc_tables WHERE doc_id = ? ORDER BY name`, docID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tables: %w", err)
	}
	return names, nil
}

// ReadRows batch-reads a whole table in position order.
func (s *Store) ReadRows(ctx context.Context, docID, table string) ([]docstore.Row, error) {
	if err := s.checkTable(ctx, docID, table); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT cells FROM doc_rows WHERE doc_id = ? AND table_name = ? ORDER BY pos`,
		docID, table,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	defer rows.Close()

	var out []docstore.Row
	for rows.Next() {
		var cells string
		if err := rows.Scan(&cells); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row, err := decodeCells(cells)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return out, nil
}

// ReadRow reads the single row at the given 1-based position.
func (s *Store) ReadRow(ctx context.Context, docID, table string, pos int) (docstore.Row, error) {
	if err := s.checkTable(ctx, docID, table); err != nil {
		return nil, err
	}
	var cells string
	err := s.db.QueryRowContext(ctx,
		`SELECT cells FROM doc_rows WHERE doc_id = ? AND table_name = ? AND pos = ?`,
		docID, table, pos,
	).Scan(&cells)
	if err == sql.ErrNoRows {
		return nil, docstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read row: %w", err)
	}
	return decodeCells(cells)
}

// AppendRow appends a row after the table's last occupied row.
func (s *Store) AppendRow(ctx context.Context, docID, table string, row docstore.Row) error {
	if err := s.checkTable(ctx, docID, table); err != nil {
		return err
	}
	cells, err := encodeCells(row)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO doc_rows (doc_id, table_name, pos, cells)
		 SELECT ?, ?, COALESCE(MAX(pos), 0) + 1, ?
		 FROM doc_rows WHERE doc_id = ? AND table_name = ?`,
		docID, table, cells, docID, table,
	)
	if err != nil {
		return fmt.Errorf("failed to append row: %w", err)
	}
	if err := s.bumpModified(ctx, tx, docID); err != nil {
		return err
	}
	return tx.Commit()
}

// WriteRow overwrites the row at the given 1-based position.
func (s *Store) WriteRow(ctx context.Context, docID, table string, pos int, row docstore.Row) error {
	if err := s.checkTable(ctx, docID, table); err != nil {
		return err
	}
	cells, err := encodeCells(row)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE doc_rows SET cells = ? WHERE doc_id = ? AND table_name = ? AND pos = ?`,
		cells, docID, table, pos,
	)
	if err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	if err := checkAffected(res); err != nil {
		return err
	}
	if err := s.bumpModified(ctx, tx, docID); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteRow structurally removes the row at the given 1-based position and
// shifts every subsequent row up by one.
func (s *Store) DeleteRow(ctx context.Context, docID, table string, pos int) error {
	if err := s.checkTable(ctx, docID, table); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM doc_rows WHERE doc_id = ? AND table_name = ? AND pos = ?`,
		docID, table, pos,
	)
	if err != nil {
		return fmt.Errorf("failed to delete row: %w", err)
	}
	if err := checkAffected(res); err != nil {
		return err
	}

	// Shift in two steps through negative positions so the primary key is
	// never violated mid-update.
	if _, err := tx.ExecContext(ctx,
		`UPDATE doc_rows SET pos = -(pos - 1) WHERE doc_id = ? AND table_name = ? AND pos > ?`,
		docID, table, pos,
	); err != nil {
		return fmt.Errorf("failed to shift rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE doc_rows SET pos = -pos WHERE doc_id = ? AND table_name = ? AND pos < 0`,
		docID, table,
	); err != nil {
		return fmt.Errorf("failed to shift rows: %w", err)
	}

	if err := s.bumpModified(ctx, tx, docID); err != nil {
		return err
	}
	return tx.Commit()
}

// ListPermissions lists a document's sharing grants.
func (s *Store) ListPermissions(ctx context.Context, docID string) ([]docstore.Permission, error) {
	if _, err := s.GetDocument(ctx, docID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, role FROM permissions WHERE doc_id = ?`, docID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	var perms []docstore.Permission
	for rows.Next() {
		var p docstore.Permission
		if err := rows.Scan(&p.ID, &p.Email, &p.Role); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate permissions: %w", err)
	}
	return perms, nil
}

// CreatePermission shares a document with the given email.
func (s *Store) CreatePermission(ctx context.Context, docID, email, role string) (docstore.Permission, error) {
	if _, err := s.GetDocument(ctx, docID); err != nil {
		return docstore.Permission{}, err
	}
	p := docstore.Permission{ID: uuid.New().String(), Email: email, Role: role}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO permissions (id, doc_id, email, role) VALUES (?, ?, ?, ?)`,
		p.ID, docID, email, role,
	)
	if err != nil {
		return docstore.Permission{}, fmt.Errorf("failed to create permission: %w", err)
	}
	return p, nil
}

// DeletePermission revokes a sharing grant.
func (s *Store) DeletePermission(ctx context.Context, docID, permissionID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM permissions WHERE doc_id = ? AND id = ?`, docID, permissionID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete permission: %w", err)
	}
	return checkAffected(res)
}

// ReadAppData reads a per-user application blob by name.
func (s *Store) ReadAppData(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM app_data WHERE name = ?`, name,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, docstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read app data: %w", err)
	}
	return data, nil
}

// WriteAppData creates or replaces a per-user application blob.
func (s *Store) WriteAppData(ctx context.Context, name string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app_data (name, data) VALUES (?, ?)
		 ON CONFLICT (name) DO UPDATE SET data = excluded.data`,
		name, data,
	)
	if err != nil {
		return fmt.Errorf("failed to write app data: %w", err)
	}
	return nil
}

func (s *Store) checkTable(ctx context.Context, docID, table string) error {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM doc_tables WHERE doc_id = ? AND name = ?`, docID, table,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return docstore.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check table: %w", err)
	}
	return nil
}

func (s *Store) bumpModified(ctx context.Context, tx *sql.Tx, docID string) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET modified_at = ? WHERE id = ?`,
		time.Now().UnixNano(), docID,
	); err != nil {
		return fmt.Errorf("failed to bump modified time: %w", err)
	}
	return nil
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return docstore.ErrNotFound
	}
	return nil
}

func encodeCells(row docstore.Row) (string, error) {
	if row == nil {
		row = docstore.Row{}
	}
	b, err := json.Marshal(row)
	if err != nil {
		return "", fmt.Errorf("failed to encode cells: %w", err)
	}
	return string(b), nil
}

func decodeCells(cells string) (docstore.Row, error) {
	var row docstore.Row
	if err := json.Unmarshal([]byte(cells), &row); err != nil {
		return nil, fmt.Errorf("failed to decode cells: %w", err)
	}
	return row, nil
}
