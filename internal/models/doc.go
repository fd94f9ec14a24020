// Package models defines the core domain records for Quozen.
//
// A group's data lives inside a remote spreadsheet-style document with three
// tables (Expenses, Settlements, Members). The records here are the typed
// views of those rows; the mapper package owns the row <-> record conversion.
//
// # Design Principles
//
//  1. Records carry their cached sheet row position (Row) so repositories can
//     write back in place. The position is advisory only and must be
//     re-validated against a fresh read before any write is trusted.
//  2. A Group is derived, never stored as one record: it is assembled from the
//     Members table plus the document's own metadata.
//  3. Relationships use ID strings, never pointers, to avoid circular
//     references across tables.
package models
