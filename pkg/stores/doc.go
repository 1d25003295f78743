// Package stores provides persistence layer implementations for provgate.
// It includes SQLite-based storage with WAL mode, connection pooling, and
// CRUD operations for requests, operations, snapshots, rules, workflow
// instances, reconciliation jobs, and the append-only audit log.
package stores
