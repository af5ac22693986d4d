// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Alternative state backend with transactional first-writer-wins project claims

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection serializes writers from every conversation worker.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			conversation_id TEXT PRIMARY KEY,
			session_id      TEXT NOT NULL,
			project_path    TEXT NOT NULL,
			last_activity   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS project_claims (
			project_name    TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			claimed_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_project_claims_conversation
			ON project_claims(conversation_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// GetSession retrieves the session for a conversation.
// Returns ErrNotFound if the conversation has no session.
func (s *SQLiteStore) GetSession(ctx context.Context, conversationID string) (*Session, error) {
	query := `
		SELECT conversation_id, session_id, project_path, last_activity
		FROM sessions
		WHERE conversation_id = ?
	`
	row := s.db.QueryRowContext(ctx, query, conversationID)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return session, nil
}

// SaveSession upserts a session. The project path of an existing row is kept.
func (s *SQLiteStore) SaveSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions (conversation_id, session_id, project_path, last_activity)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			session_id = excluded.session_id,
			last_activity = excluded.last_activity
	`
	_, err := s.db.ExecContext(ctx, query,
		session.ConversationID,
		session.SessionID,
		session.ProjectPath,
		formatTime(session.LastActivity),
	)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	s.logger.Debug("saved session", "conversation_id", session.ConversationID, "session_id", session.SessionID)
	return nil
}

// TouchSession refreshes last_activity for an existing session.
func (s *SQLiteStore) TouchSession(ctx context.Context, conversationID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity = ? WHERE conversation_id = ?`,
		formatTime(at), conversationID,
	)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a conversation's session if present.
func (s *SQLiteStore) DeleteSession(ctx context.Context, conversationID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// ListSessions returns all sessions ordered by conversation ID.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, session_id, project_path, last_activity
		FROM sessions
		ORDER BY conversation_id
	`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// GetClaim retrieves the claim for a project name.
// Returns ErrNotFound if the name is unclaimed.
func (s *SQLiteStore) GetClaim(ctx context.Context, projectName string) (*Claim, error) {
	var claim Claim
	err := s.db.QueryRowContext(ctx,
		`SELECT project_name, conversation_id FROM project_claims WHERE project_name = ?`,
		projectName,
	).Scan(&claim.ProjectName, &claim.ConversationID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying claim: %w", err)
	}
	return &claim, nil
}

// ClaimProject inserts a claim unless one exists, then returns the owning claim.
func (s *SQLiteStore) ClaimProject(ctx context.Context, projectName, conversationID string) (*Claim, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO project_claims (project_name, conversation_id, claimed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(project_name) DO NOTHING
	`, projectName, conversationID, formatTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("inserting claim: %w", err)
	}

	var claim Claim
	err = tx.QueryRowContext(ctx,
		`SELECT project_name, conversation_id FROM project_claims WHERE project_name = ?`,
		projectName,
	).Scan(&claim.ProjectName, &claim.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("reading claim: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	if n, _ := result.RowsAffected(); n > 0 {
		s.logger.Info("project claimed", "project", projectName, "conversation_id", conversationID)
	}
	return &claim, nil
}

// ListClaims returns all claims ordered by project name.
func (s *SQLiteStore) ListClaims(ctx context.Context) ([]*Claim, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_name, conversation_id FROM project_claims ORDER BY project_name`)
	if err != nil {
		return nil, fmt.Errorf("listing claims: %w", err)
	}
	defer rows.Close()

	var claims []*Claim
	for rows.Next() {
		var claim Claim
		if err := rows.Scan(&claim.ProjectName, &claim.ConversationID); err != nil {
			return nil, fmt.Errorf("scanning claim: %w", err)
		}
		claims = append(claims, &claim)
	}
	return claims, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var session Session
	var lastActivity string
	if err := row.Scan(&session.ConversationID, &session.SessionID, &session.ProjectPath, &lastActivity); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, lastActivity)
	if err != nil {
		return nil, fmt.Errorf("parsing last_activity: %w", err)
	}
	session.LastActivity = t
	return &session, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
