// ABOUTME: Tests for the invocation pipeline
// ABOUTME: Verifies session resume/overwrite, failure handling, and best-effort history

package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-projects/internal/agent"
	"github.com/2389/coven-projects/internal/audit"
	"github.com/2389/coven-projects/internal/notice"
	"github.com/2389/coven-projects/internal/store"
)

// mockRunner implements agent.Runner for testing
type mockRunner struct {
	mu       sync.Mutex
	events   []agent.Event
	err      error
	requests []*agent.Request
}

func (m *mockRunner) Run(ctx context.Context, req *agent.Request) (<-chan agent.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan agent.Event, len(m.events))
	for _, evt := range m.events {
		ch <- evt
	}
	close(ch)
	return ch, nil
}

func (m *mockRunner) lastRequest() *agent.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

// mockHistory implements HistoryLog for testing
type mockHistory struct {
	mu      sync.Mutex
	entries []*audit.Entry
	err     error
}

func (m *mockHistory) Append(projectName string, entry *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return m.err
}

func newRequest() *Request {
	return &Request{
		ConversationID:   "!room:example.org",
		ConversationName: "Claude: demo",
		ProjectName:      "demo",
		ProjectPath:      "/projects/demo",
		MessageID:        "$evt1",
		Text:             "hello",
		SenderID:         "@alice:example.org",
		SenderName:       "Alice",
	}
}

func TestService_FreshSession(t *testing.T) {
	st := store.NewMockStore()
	runner := &mockRunner{events: []agent.Event{
		{Kind: agent.EventInit, SessionID: "sess-1"},
		{Kind: agent.EventAssistantText, Text: "thinking"},
		{Kind: agent.EventResult, Text: "Hi Alice!"},
	}}
	history := &mockHistory{}
	svc := New(st, runner, history, Options{}, nil)

	reply := svc.Invoke(context.Background(), newRequest())
	assert.Equal(t, notice.Reply("Hi Alice!"), reply)

	req := runner.lastRequest()
	assert.Equal(t, "hello", req.Prompt)
	assert.Equal(t, "/projects/demo", req.WorkingDir)
	assert.Empty(t, req.ResumeSessionID, "no prior session means a fresh start")
	assert.Equal(t, agent.DefaultAllowedTools, req.AllowedTools)
	assert.Equal(t, agent.DefaultPermissionMode, req.PermissionMode)

	session, err := st.GetSession(context.Background(), "!room:example.org")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", session.SessionID)
	assert.Equal(t, "/projects/demo", session.ProjectPath)

	require.Len(t, history.entries, 2)
	assert.Equal(t, audit.RoleUser, history.entries[0].Role)
	assert.Equal(t, "$evt1", history.entries[0].ID)
	assert.Equal(t, "Alice", history.entries[0].SenderName)
	assert.Equal(t, audit.RoleAssistant, history.entries[1].Role)
	assert.Equal(t, reply, history.entries[1].Content)
}

func TestService_ResumesAndOverwritesSession(t *testing.T) {
	st := store.NewMockStore()
	ctx := context.Background()
	require.NoError(t, st.SaveSession(ctx, &store.Session{
		ConversationID: "!room:example.org",
		SessionID:      "sess-old",
		ProjectPath:    "/projects/demo",
		LastActivity:   time.Now().Add(-time.Hour),
	}))

	runner := &mockRunner{events: []agent.Event{
		{Kind: agent.EventInit, SessionID: "sess-new"},
		{Kind: agent.EventInit, SessionID: "sess-ignored"},
		{Kind: agent.EventResult, Text: "first"},
		{Kind: agent.EventResult, Text: "last"},
	}}
	svc := New(st, runner, nil, Options{}, nil)

	reply := svc.Invoke(ctx, newRequest())
	assert.Equal(t, notice.Reply("last"), reply, "last result wins")
	assert.Equal(t, "sess-old", runner.lastRequest().ResumeSessionID)

	session, err := st.GetSession(ctx, "!room:example.org")
	require.NoError(t, err)
	assert.Equal(t, "sess-new", session.SessionID, "first init event wins and overwrites")
}

func TestService_NoSessionIDRefreshesActivity(t *testing.T) {
	st := store.NewMockStore()
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)
	require.NoError(t, st.SaveSession(ctx, &store.Session{
		ConversationID: "!room:example.org",
		SessionID:      "sess-1",
		ProjectPath:    "/projects/demo",
		LastActivity:   old,
	}))

	runner := &mockRunner{events: []agent.Event{{Kind: agent.EventResult, Text: "ok"}}}
	svc := New(st, runner, nil, Options{}, nil)
	svc.Invoke(ctx, newRequest())

	session, err := st.GetSession(ctx, "!room:example.org")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", session.SessionID)
	assert.True(t, session.LastActivity.After(old))
}

func TestService_NoSessionIDAndNoRecordCreatesNothing(t *testing.T) {
	st := store.NewMockStore()
	runner := &mockRunner{events: []agent.Event{{Kind: agent.EventResult, Text: "ok"}}}
	svc := New(st, runner, nil, Options{}, nil)
	svc.Invoke(context.Background(), newRequest())

	_, err := st.GetSession(context.Background(), "!room:example.org")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 0, st.Writes)
}

func TestService_StreamFailureKeepsCapturedSession(t *testing.T) {
	st := store.NewMockStore()
	runner := &mockRunner{events: []agent.Event{
		{Kind: agent.EventInit, SessionID: "sess-1"},
		{Kind: agent.EventError, Err: errors.New("claude exited: exit status 1")},
	}}
	svc := New(st, runner, nil, Options{}, nil)

	reply := svc.Invoke(context.Background(), newRequest())
	assert.True(t, notice.IsEcho(reply))
	assert.Contains(t, reply, "Error")
	assert.Contains(t, reply, "exit status 1")

	session, err := st.GetSession(context.Background(), "!room:example.org")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", session.SessionID)
}

func TestService_StartFailure(t *testing.T) {
	st := store.NewMockStore()
	runner := &mockRunner{err: errors.New("executable file not found")}
	svc := New(st, runner, nil, Options{}, nil)

	reply := svc.Invoke(context.Background(), newRequest())
	assert.Contains(t, reply, "executable file not found")
	assert.Len(t, runner.requests, 1, "no automatic retry")
}

func TestService_ErrorResult(t *testing.T) {
	runner := &mockRunner{events: []agent.Event{
		{Kind: agent.EventResult, Text: "error_max_turns", IsError: true},
	}}
	svc := New(store.NewMockStore(), runner, nil, Options{}, nil)

	reply := svc.Invoke(context.Background(), newRequest())
	assert.Contains(t, reply, "error_max_turns")
	assert.Contains(t, reply, "Error")
}

func TestService_PersistenceAndHistoryFailuresAreSwallowed(t *testing.T) {
	st := store.NewMockStore()
	st.WriteErr = errors.New("disk full")
	history := &mockHistory{err: errors.New("read-only file system")}
	runner := &mockRunner{events: []agent.Event{
		{Kind: agent.EventInit, SessionID: "sess-1"},
		{Kind: agent.EventResult, Text: "still delivered"},
	}}
	svc := New(st, runner, history, Options{}, nil)

	reply := svc.Invoke(context.Background(), newRequest())
	assert.Equal(t, notice.Reply("still delivered"), reply)
	assert.Len(t, history.entries, 2)
}

func TestService_CustomOptions(t *testing.T) {
	runner := &mockRunner{events: []agent.Event{{Kind: agent.EventResult, Text: "ok"}}}
	svc := New(store.NewMockStore(), runner, nil, Options{AllowedTools: []string{"Read"}, PermissionMode: "plan"}, nil)
	svc.Invoke(context.Background(), newRequest())

	req := runner.lastRequest()
	assert.Equal(t, []string{"Read"}, req.AllowedTools)
	assert.Equal(t, "plan", req.PermissionMode)
}

func TestFold_DrainsAfterError(t *testing.T) {
	ch := make(chan agent.Event, 4)
	ch <- agent.Event{Kind: agent.EventError}
	ch <- agent.Event{Kind: agent.EventToolUse, ToolName: "Bash"}
	ch <- agent.Event{Kind: agent.EventError, Err: errors.New("second")}
	close(ch)

	out := Fold(ch)
	require.Error(t, out.Err)
	assert.Equal(t, "agent stream failed", out.Err.Error())
	assert.Equal(t, 1, out.ToolCalls)
}
