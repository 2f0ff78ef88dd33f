// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The package exposes a single InvocationStore interface backed by
// SQLiteStore. Every call routed through the gateway, whether a tool call
// or resource read against a backend server or a workspace action against
// a session, is appended to the invocations table as an audit record.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// The schema is created on initialization and parent directories of the
// database path are created as needed.
//
// # Error Handling
//
// ErrNotFound is returned when a requested entity does not exist. All
// methods accept context.Context for cancellation support.
//
// # Testing
//
// Tests use NewSQLiteStore against a database file in t.TempDir(), so
// every test run exercises the real schema.
package store
