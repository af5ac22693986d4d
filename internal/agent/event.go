// ABOUTME: Request and event types exchanged with the coding-agent backend
// ABOUTME: Events form a tagged variant folded by the invocation pipeline

package agent

import "context"

// Default capability allow-list: file read/write/edit, shell, web search/fetch.
var DefaultAllowedTools = []string{"Read", "Write", "Edit", "Bash", "WebSearch", "WebFetch"}

// DefaultPermissionMode auto-approves file edits.
const DefaultPermissionMode = "acceptEdits"

// Request describes one agent invocation.
type Request struct {
	Prompt         string
	WorkingDir     string
	AllowedTools   []string
	PermissionMode string

	// ResumeSessionID continues an earlier session when set.
	ResumeSessionID string
}

// EventKind indicates the type of an Event.
type EventKind int

const (
	EventOther         EventKind = iota
	EventInit                    // session started; SessionID set
	EventToolUse                 // tool invoked; ToolName set
	EventAssistantText           // intermediate assistant text; Text set
	EventResult                  // final result; Text and IsError set
	EventError                   // stream or process failure; Err set
)

func (k EventKind) String() string {
	switch k {
	case EventInit:
		return "init"
	case EventToolUse:
		return "tool_use"
	case EventAssistantText:
		return "assistant_text"
	case EventResult:
		return "result"
	case EventError:
		return "error"
	default:
		return "other"
	}
}

// Event is one item of the backend's event stream.
type Event struct {
	Kind      EventKind
	SessionID string
	ToolName  string
	Text      string
	IsError   bool
	Err       error
}

// Runner starts an agent invocation. The returned channel is closed when the
// invocation ends; failures after start arrive as an EventError.
type Runner interface {
	Run(ctx context.Context, req *Request) (<-chan Event, error)
}
