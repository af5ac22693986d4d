// ABOUTME: Outbound text conventions shared by the router and the invocation pipeline
// ABOUTME: Every reply carries a fixed marker so echoes of our own output can be recognized

package notice

import (
	"fmt"
	"strings"
	"time"
)

// Marker prefixes every message this process sends into a conversation.
const Marker = "🤖 "

// Reply formats a normal agent response.
func Reply(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		text = "✅ Done."
	}
	return Marker + text
}

// Error formats a failed invocation or job.
func Error(err error) string {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Marker + "❌ Error: " + msg
}

// Conflict tells a conversation that its project name already belongs to another one.
func Conflict(projectName string) string {
	return fmt.Sprintf("%s⚠️ Project %q is already claimed by another conversation. Rename this conversation to use a different project name.", Marker, projectName)
}

// QueueFull rejects a message because the conversation's queue is at capacity.
func QueueFull(depth int) string {
	return fmt.Sprintf("%s⏳ Queue full (%d pending). Please wait for the current tasks to finish and send again.", Marker, depth)
}

// MediaUnsupported rejects non-text payloads.
func MediaUnsupported() string {
	return Marker + "📎 I can only process text messages. Please describe what you need in text."
}

// Reset confirms that the conversation's agent session was cleared.
func Reset() string {
	return Marker + "🧹 Session cleared. The next message starts a fresh agent session."
}

// StatusInfo is the data rendered by Status.
type StatusInfo struct {
	Project      string
	SessionID    string
	LastActivity time.Time
	QueueDepth   int
}

// Status renders the /status reply.
func Status(info StatusInfo) string {
	var b strings.Builder
	b.WriteString(Marker)
	b.WriteString("📊 Project: ")
	b.WriteString(info.Project)
	b.WriteString("\nSession: ")
	if info.SessionID == "" {
		b.WriteString("none")
	} else {
		b.WriteString(info.SessionID)
	}
	if !info.LastActivity.IsZero() {
		b.WriteString("\nLast activity: ")
		b.WriteString(info.LastActivity.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "\nQueue: %d", info.QueueDepth)
	return b.String()
}

// IsEcho reports whether text looks like something this process sent.
func IsEcho(text string) bool {
	return strings.HasPrefix(strings.TrimLeft(text, " \t\r\n"), strings.TrimSpace(Marker))
}
