// ABOUTME: JSON file implementation of the Store interface
// ABOUTME: Keeps state in memory and rewrites one document atomically on every mutation

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// jsonDocument is the on-disk layout of the state file.
type jsonDocument struct {
	Sessions map[string]jsonSession `json:"sessions"`
	Projects map[string]string      `json:"projects"`
}

type jsonSession struct {
	SessionID    string    `json:"sessionId"`
	ProjectPath  string    `json:"projectPath"`
	LastActivity time.Time `json:"lastActivity"`
}

// JSONStore implements Store on top of a single JSON document.
// The mutex is held across mutation and persistence, so it is the only writer
// of the file and the file always reflects a complete state snapshot.
// A failed write leaves the in-memory update in place and returns the error;
// the next successful write brings the file up to date.
type JSONStore struct {
	mu     sync.Mutex
	path   string
	doc    jsonDocument
	logger *slog.Logger
}

// NewJSONStore opens the state file at path, creating parent directories as
// needed. A missing file starts an empty state.
func NewJSONStore(path string) (*JSONStore, error) {
	logger := slog.Default().With("component", "store")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	s := &JSONStore{
		path: path,
		doc: jsonDocument{
			Sessions: make(map[string]jsonSession),
			Projects: make(map[string]string),
		},
		logger: logger,
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Info("state file not found, starting empty", "path", path)
	case err != nil:
		return nil, fmt.Errorf("reading state file: %w", err)
	case len(data) > 0:
		if err := json.Unmarshal(data, &s.doc); err != nil {
			return nil, fmt.Errorf("parsing state file %s: %w", path, err)
		}
		if s.doc.Sessions == nil {
			s.doc.Sessions = make(map[string]jsonSession)
		}
		if s.doc.Projects == nil {
			s.doc.Projects = make(map[string]string)
		}
	}

	logger.Info("JSON store initialized",
		"path", path,
		"sessions", len(s.doc.Sessions),
		"projects", len(s.doc.Projects),
	)
	return s, nil
}

// GetSession returns the session for a conversation.
func (s *JSONStore) GetSession(ctx context.Context, conversationID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.doc.Sessions[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.toSession(conversationID), nil
}

// SaveSession creates or overwrites a session, keeping the original ProjectPath.
func (s *JSONStore) SaveSession(ctx context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := jsonSession{
		SessionID:    session.SessionID,
		ProjectPath:  session.ProjectPath,
		LastActivity: session.LastActivity.UTC(),
	}
	if existing, ok := s.doc.Sessions[session.ConversationID]; ok && existing.ProjectPath != "" {
		rec.ProjectPath = existing.ProjectPath
	}

	s.doc.Sessions[session.ConversationID] = rec
	return s.persistLocked()
}

// TouchSession refreshes LastActivity for an existing session.
func (s *JSONStore) TouchSession(ctx context.Context, conversationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.doc.Sessions[conversationID]
	if !ok {
		return ErrNotFound
	}
	rec.LastActivity = at.UTC()
	s.doc.Sessions[conversationID] = rec
	return s.persistLocked()
}

// DeleteSession removes a conversation's session. Deleting a missing session is not an error.
func (s *JSONStore) DeleteSession(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc.Sessions[conversationID]; !ok {
		return nil
	}
	delete(s.doc.Sessions, conversationID)
	return s.persistLocked()
}

// ListSessions returns all sessions ordered by conversation ID.
func (s *JSONStore) ListSessions(ctx context.Context) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := make([]*Session, 0, len(s.doc.Sessions))
	for id, rec := range s.doc.Sessions {
		sessions = append(sessions, rec.toSession(id))
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ConversationID < sessions[j].ConversationID
	})
	return sessions, nil
}

// GetClaim returns the claim for a project name.
func (s *JSONStore) GetClaim(ctx context.Context, projectName string) (*Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.doc.Projects[projectName]
	if !ok {
		return nil, ErrNotFound
	}
	return &Claim{ProjectName: projectName, ConversationID: owner}, nil
}

// ClaimProject claims an unclaimed project name; existing claims are returned unchanged.
func (s *JSONStore) ClaimProject(ctx context.Context, projectName, conversationID string) (*Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, ok := s.doc.Projects[projectName]; ok {
		return &Claim{ProjectName: projectName, ConversationID: owner}, nil
	}

	s.doc.Projects[projectName] = conversationID
	s.logger.Info("project claimed", "project", projectName, "conversation_id", conversationID)
	return &Claim{ProjectName: projectName, ConversationID: conversationID}, s.persistLocked()
}

// ListClaims returns all claims ordered by project name.
func (s *JSONStore) ListClaims(ctx context.Context) ([]*Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claims := make([]*Claim, 0, len(s.doc.Projects))
	for name, owner := range s.doc.Projects {
		claims = append(claims, &Claim{ProjectName: name, ConversationID: owner})
	}
	sort.Slice(claims, func(i, j int) bool {
		return claims[i].ProjectName < claims[j].ProjectName
	})
	return claims, nil
}

// Close is a no-op; every mutation is already on disk.
func (s *JSONStore) Close() error {
	return nil
}

// persistLocked writes the document to a temp file in the same directory,
// syncs it, and renames it over the state file. Must be called with mu held.
func (s *JSONStore) persistLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

func (r jsonSession) toSession(conversationID string) *Session {
	return &Session{
		ConversationID: conversationID,
		SessionID:      r.SessionID,
		ProjectPath:    r.ProjectPath,
		LastActivity:   r.LastActivity,
	}
}
