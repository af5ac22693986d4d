// ABOUTME: Tests for outbound text conventions
// ABOUTME: Verifies every notice carries the marker and echo detection recognizes it

package notice

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoticesCarryMarker(t *testing.T) {
	texts := []string{
		Reply("hello"),
		Reply(""),
		Error(errors.New("boom")),
		Error(nil),
		Conflict("demo"),
		QueueFull(3),
		MediaUnsupported(),
		Reset(),
		Status(StatusInfo{Project: "demo"}),
	}
	for _, text := range texts {
		assert.True(t, IsEcho(text), "expected marker on %q", text)
	}
}

func TestReply_EmptyText(t *testing.T) {
	assert.Equal(t, Marker+"✅ Done.", Reply("  \n"))
}

func TestError_IncludesMessage(t *testing.T) {
	assert.Contains(t, Error(errors.New("agent exited with status 1")), "agent exited with status 1")
}

func TestIsEcho_UserText(t *testing.T) {
	assert.False(t, IsEcho("hello there"))
	assert.False(t, IsEcho(""))
}

func TestStatus_Fields(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	text := Status(StatusInfo{Project: "demo", SessionID: "sess-1", LastActivity: at, QueueDepth: 2})
	assert.Contains(t, text, "Project: demo")
	assert.Contains(t, text, "Session: sess-1")
	assert.Contains(t, text, "2026-01-02T03:04:05Z")
	assert.Contains(t, text, "Queue: 2")

	assert.Contains(t, Status(StatusInfo{Project: "demo"}), "Session: none")
}
