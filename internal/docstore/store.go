// Package docstore defines the adapter interface to the remote
// spreadsheet-style document store.
//
// The ledger core consumes this narrow surface and never talks to the remote
// transport directly. Implementations are expected to be thin: no retries, no
// caching, no masking of transport failures.
package docstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a document, table, row, permission, or
// app-data blob does not exist in the store.
var ErrNotFound = errors.New("docstore: not found")

// Row is one raw table row. Cells are either string or float64; everything
// else is implementation-defined and treated as opaque text by the mapper.
type Row []any

// DocumentInfo is a document's metadata as reported by the store.
type DocumentInfo struct {
	ID         string
	Name       string
	Owner      string // owner's email
	CreatedAt  time.Time
	ModifiedAt time.Time
	Properties map[string]string

	// IsOwner reports whether the authenticated caller owns the document.
	IsOwner bool
}

// Permission is one sharing grant on a document.
type Permission struct {
	ID    string
	Email string
	Role  string
}

// Store is the capability set the ledger core requires from the remote
// document store. All calls may suspend on the network; errors propagate
// unchanged to the caller.
type Store interface {
	// CreateDocument creates a new document containing the named tables,
	// each initially empty, and returns its metadata.
	CreateDocument(ctx context.Context, name string, tables []string) (DocumentInfo, error)

	// GetDocument fetches a document's metadata.
	GetDocument(ctx context.Context, docID string) (DocumentInfo, error)

	// ListDocuments returns every document visible to the caller whose
	// properties contain all the given key/value pairs.
	ListDocuments(ctx context.Context, properties map[string]string) ([]DocumentInfo, error)

	// RenameDocument changes a document's display name.
	RenameDocument(ctx context.Context, docID, name string) error

	// DeleteDocument removes a document entirely.
	DeleteDocument(ctx context.Context, docID string) error

	// SetProperties merges the given application properties into the
	// document's property map.
	SetProperties(ctx context.Context, docID string, properties map[string]string) error

	// Touch forces the document's externally observable modification
	// timestamp forward so freshness polling detects a change promptly.
	Touch(ctx context.Context, docID string) error

	// ModifiedAt fetches the document's last-modified fingerprint.
	ModifiedAt(ctx context.Context, docID string) (time.Time, error)

	// TableNames lists the document's table names.
	TableNames(ctx context.Context, docID string) ([]string, error)

	// ReadRows batch-reads a whole table, row 1 first. Row 1 is the header
	// row by application convention.
	ReadRows(ctx context.Context, docID, table string) ([]Row, error)

	// ReadRow reads the single row at the given 1-based position.
	ReadRow(ctx context.Context, docID, table string, pos int) (Row, error)

	// AppendRow appends a row after the table's last occupied row.
	AppendRow(ctx context.Context, docID, table string, row Row) error

	// WriteRow overwrites the row at the given 1-based position.
	WriteRow(ctx context.Context, docID, table string, pos int, row Row) error

	// DeleteRow structurally removes the row at the given 1-based position,
	// shifting every subsequent row up by one.
	DeleteRow(ctx context.Context, docID, table string, pos int) error

	// ListPermissions lists a document's sharing grants.
	ListPermissions(ctx context.Context, docID string) ([]Permission, error)

	// CreatePermission shares a document with the given email.
	CreatePermission(ctx context.Context, docID, email, role string) (Permission, error)

	// DeletePermission revokes a sharing grant.
	DeletePermission(ctx context.Context, docID, permissionID string) error

	// ReadAppData reads a per-user application blob by well-known name.
	ReadAppData(ctx context.Context, name string) ([]byte, error)

	// WriteAppData creates or replaces a per-user application blob.
	WriteAppData(ctx context.Context, name string, data []byte) error
}
