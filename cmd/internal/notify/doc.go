// Package notify holds the durable notification collaborators used by the
// relay's live-delivery path: when a recipient has no active session, the
// notification is handed to a Sink for later pull.
//
// Backends:
//   - MemoryStore: dev fallback, lost on restart.
//   - SQLiteStore: single-node durable store (modernc.org/sqlite, no cgo).
//   - PostgresStore: shared durable store (pgx pool owned by the caller).
//   - NATSSink: JetStream outbox consumed by an external notification service.
package notify
