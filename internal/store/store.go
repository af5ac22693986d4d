// ABOUTME: Store interface and data types for project claims and resumable agent sessions
// ABOUTME: Defines Session, Claim and the Store interface shared by the JSON and SQLite backends

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Session binds a conversation to a resumable agent session.
// ProjectPath is fixed when the session is first created.
type Session struct {
	ConversationID string
	SessionID      string
	ProjectPath    string
	LastActivity   time.Time
}

// Claim is the first-writer-wins binding of a project name to a conversation.
type Claim struct {
	ProjectName    string
	ConversationID string
}

// SessionStore persists agent session bookkeeping per conversation.
type SessionStore interface {
	GetSession(ctx context.Context, conversationID string) (*Session, error)
	// SaveSession creates the session or overwrites its SessionID and
	// LastActivity. An existing ProjectPath is never replaced.
	SaveSession(ctx context.Context, session *Session) error
	// TouchSession refreshes LastActivity only. Returns ErrNotFound when the
	// conversation has no session.
	TouchSession(ctx context.Context, conversationID string, at time.Time) error
	DeleteSession(ctx context.Context, conversationID string) error
	ListSessions(ctx context.Context) ([]*Session, error)
}

// ProjectRegistry persists project name claims.
type ProjectRegistry interface {
	GetClaim(ctx context.Context, projectName string) (*Claim, error)
	// ClaimProject claims projectName for conversationID unless it is already
	// claimed. It always returns the claim that owns the name afterwards,
	// even when persisting a new claim fails.
	ClaimProject(ctx context.Context, projectName, conversationID string) (*Claim, error)
	ListClaims(ctx context.Context) ([]*Claim, error)
}

// Store combines both halves of the persisted state.
type Store interface {
	SessionStore
	ProjectRegistry

	// Close releases any resources held by the store
	Close() error
}
