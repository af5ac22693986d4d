// Package store persists the two pieces of state that must survive a restart:
// project claims and resumable agent sessions.
//
// # Data Models
//
//   - Claim: first-writer-wins binding from a sanitized project name to the
//     conversation that claimed it. Never overwritten.
//   - Session: per-conversation agent session id, project path and last
//     activity. The session id is overwritten on every invocation that
//     returns one; the project path is fixed at creation.
//
// # Backends
//
// JSONStore keeps everything in memory and rewrites a single document on every
// mutation:
//
//	{
//	  "sessions": {"<conversation id>": {"sessionId": "...", "projectPath": "...", "lastActivity": "..."}},
//	  "projects": {"<project name>": "<conversation id>"}
//	}
//
// Writes go through one mutex and are persisted with write-temp, fsync,
// rename, so concurrent conversation workers never interleave partial
// documents.
//
// SQLiteStore stores the same data in two tables using modernc.org/sqlite with
// a single connection. Claims use INSERT ... ON CONFLICT DO NOTHING.
//
// # Error Handling
//
//   - ErrNotFound: requested session or claim does not exist
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests. Set MockStore.WriteErr to simulate disk
// failures.
package store
