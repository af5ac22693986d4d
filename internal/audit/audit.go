// ABOUTME: Append-only per-project message history as newline-delimited JSON
// ABOUTME: Writes are best-effort; callers log failures and carry on

package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored an entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one line of a project's history file.
type Entry struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	ConversationID   string    `json:"conversationId"`
	ConversationName string    `json:"conversationName"`
	Role             Role      `json:"role"`
	SenderID         string    `json:"senderId"`
	SenderName       string    `json:"senderName"`
	Content          string    `json:"content"`
}

// Log appends entries to <dir>/<project>.jsonl.
type Log struct {
	mu  sync.Mutex
	dir string
}

// New creates a Log rooted at dir. The directory is created on first append.
func New(dir string) *Log {
	return &Log{dir: dir}
}

// Path returns the history file for a project.
func (l *Log) Path(projectName string) string {
	return filepath.Join(l.dir, projectName+".jsonl")
}

// Append writes one entry, filling in ID and Timestamp when empty.
func (l *Log) Append(projectName string, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding audit entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("creating audit directory: %w", err)
	}

	f, err := os.OpenFile(l.Path(projectName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return f.Close()
}
