// ABOUTME: Tests for the per-project NDJSON history log
// ABOUTME: Verifies line format, id/timestamp defaults, and per-project files

package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, scanner.Err())
	return entries
}

func TestLog_Append(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "audit")
	log := New(dir)

	require.NoError(t, log.Append("demo", &Entry{
		ConversationID:   "conv-1",
		ConversationName: "Claude: demo",
		Role:             RoleUser,
		SenderID:         "@alice:example.org",
		SenderName:       "Alice",
		Content:          "hello",
	}))
	require.NoError(t, log.Append("demo", &Entry{
		ConversationID: "conv-1",
		Role:           RoleAssistant,
		Content:        "hi!",
	}))

	entries := readEntries(t, filepath.Join(dir, "demo.jsonl"))
	require.Len(t, entries, 2)

	assert.NotEmpty(t, entries[0].ID)
	assert.False(t, entries[0].Timestamp.IsZero())
	assert.Equal(t, RoleUser, entries[0].Role)
	assert.Equal(t, "Alice", entries[0].SenderName)
	assert.Equal(t, "hello", entries[0].Content)

	assert.Equal(t, RoleAssistant, entries[1].Role)
	assert.NotEqual(t, entries[0].ID, entries[1].ID)
}

func TestLog_FieldNames(t *testing.T) {
	dir := t.TempDir()
	log := New(dir)
	require.NoError(t, log.Append("demo", &Entry{ConversationID: "c", Role: RoleUser, Content: "x"}))

	data, err := os.ReadFile(log.Path("demo"))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"id", "timestamp", "conversationId", "conversationName", "role", "senderId", "senderName", "content"} {
		assert.Contains(t, raw, key)
	}
}

func TestLog_SeparateFilesPerProject(t *testing.T) {
	dir := t.TempDir()
	log := New(dir)
	require.NoError(t, log.Append("one", &Entry{Role: RoleUser, Content: "a"}))
	require.NoError(t, log.Append("two", &Entry{Role: RoleUser, Content: "b"}))

	assert.Len(t, readEntries(t, log.Path("one")), 1)
	assert.Len(t, readEntries(t, log.Path("two")), 1)
}

func TestLog_UnwritableDirectory(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	log := New(filepath.Join(blocker, "audit"))
	err := log.Append("demo", &Entry{Role: RoleUser, Content: "a"})
	assert.Error(t, err)
}
