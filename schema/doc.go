// Package schema declares the application-facing table model and compiles it
// into the SQLite objects the sync engine works with: JSON-backed data tables,
// typed views, capture triggers feeding the CRUD outbox, and change-mark
// triggers feeding table watchers. The declared schema is validated once and
// compiled to plain DDL strings; applying them is left to the caller.
package schema
