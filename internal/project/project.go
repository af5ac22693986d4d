// ABOUTME: Derives project names from conversation names and resolves project directories
// ABOUTME: Sanitization is deterministic so every conversation maps to exactly one project name

package project

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// DefaultPrefix marks a conversation as a project conversation.
const DefaultPrefix = "Claude: "

var (
	disallowed = regexp.MustCompile(`[^A-Za-z0-9_\- \t\n\r]+`)
	whitespace = regexp.MustCompile(`\s+`)
	dashes     = regexp.MustCompile(`-{2,}`)
)

// Namer turns conversation display names into project names.
type Namer struct {
	prefix string
	root   string
}

// NewNamer creates a Namer for conversations starting with prefix whose
// projects live under root.
func NewNamer(prefix, root string) *Namer {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Namer{prefix: prefix, root: root}
}

// Prefix returns the conversation name prefix.
func (n *Namer) Prefix() string {
	return n.prefix
}

// IsProjectConversation reports whether a conversation name carries the prefix.
func (n *Namer) IsProjectConversation(conversationName string) bool {
	return strings.HasPrefix(conversationName, n.prefix)
}

// Name returns the sanitized project name for a conversation, and false when the
// conversation is not eligible (no prefix, or nothing left after sanitizing).
func (n *Namer) Name(conversationName string) (string, bool) {
	if !n.IsProjectConversation(conversationName) {
		return "", false
	}
	name := Sanitize(strings.TrimPrefix(conversationName, n.prefix))
	if name == "" {
		return "", false
	}
	return name, true
}

// Path returns the working directory for a project.
func (n *Namer) Path(projectName string) string {
	return filepath.Join(n.root, projectName)
}

// Ensure creates the project directory if it does not exist and returns its path.
func (n *Namer) Ensure(projectName string) (string, error) {
	path := n.Path(projectName)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("creating project directory: %w", err)
	}
	return path, nil
}

// Sanitize converts a free-form name into a filesystem-safe project name.
// Example: "  My  Cool__App!! " -> "My-Cool__App"
func Sanitize(raw string) string {
	s := strings.TrimSpace(raw)
	s = disallowed.ReplaceAllString(s, "")
	s = whitespace.ReplaceAllString(strings.TrimSpace(s), "-")
	s = dashes.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}
