// ABOUTME: Tests for message routing, project claims, admission and job delivery
// ABOUTME: Uses an in-memory store, a recording replier, and a gated fake invoker

package router

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-projects/internal/agent"
	"github.com/2389/coven-projects/internal/conversation"
	"github.com/2389/coven-projects/internal/dedupe"
	"github.com/2389/coven-projects/internal/notice"
	"github.com/2389/coven-projects/internal/project"
	"github.com/2389/coven-projects/internal/queue"
	"github.com/2389/coven-projects/internal/store"
)

type sentMessage struct {
	ConversationID string
	Text           string
}

// mockReplier records outbound traffic
type mockReplier struct {
	mu     sync.Mutex
	sent   []sentMessage
	typing []bool
}

func (m *mockReplier) SendText(ctx context.Context, conversationID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{ConversationID: conversationID, Text: text})
	return nil
}

func (m *mockReplier) SetTyping(ctx context.Context, conversationID string, typing bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing = append(m.typing, typing)
	return fmt.Errorf("typing not supported")
}

func (m *mockReplier) messages(conversationID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.sent {
		if s.ConversationID == conversationID {
			out = append(out, s.Text)
		}
	}
	return out
}

// mockInvoker echoes the prompt. Prompts listed in gates block until their
// channel is closed.
type mockInvoker struct {
	mu       sync.Mutex
	requests []*conversation.Request
	gates    map[string]chan struct{}
	panicOn  string
}

func (m *mockInvoker) Invoke(ctx context.Context, req *conversation.Request) string {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	gate := m.gates[req.Text]
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if req.Text == m.panicOn {
		panic("invoker exploded")
	}
	return notice.Reply("re: " + req.Text)
}

type fixture struct {
	router  *Router
	store   *store.MockStore
	queues  *queue.Registry
	replier *mockReplier
	invoker *mockInvoker
	root    string
}

func newFixture(t *testing.T, maxQueue int) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		store:   store.NewMockStore(),
		queues:  queue.New(maxQueue, nil),
		replier: &mockReplier{},
		invoker: &mockInvoker{gates: map[string]chan struct{}{}},
		root:    root,
	}
	cache := dedupe.New(time.Minute, 1000, 0)
	t.Cleanup(func() {
		f.queues.Close(context.Background())
		cache.Close()
	})
	f.router = New(Options{
		Namer:   project.NewNamer(project.DefaultPrefix, root),
		State:   f.store,
		Queues:  f.queues,
		Invoker: f.invoker,
		Replier: f.replier,
		Dedupe:  cache,
	})
	return f
}

func (f *fixture) gate(text string) chan struct{} {
	f.invoker.mu.Lock()
	defer f.invoker.mu.Unlock()
	ch := make(chan struct{})
	f.invoker.gates[text] = ch
	return ch
}

var msgCounter struct {
	sync.Mutex
	n int
}

func message(conversationID, name, text string) *Message {
	msgCounter.Lock()
	msgCounter.n++
	id := fmt.Sprintf("$evt%d", msgCounter.n)
	msgCounter.Unlock()
	return &Message{
		ConversationID:   conversationID,
		ConversationName: name,
		MessageID:        id,
		Text:             text,
		ResolveSender: func(ctx context.Context) Sender {
			return Sender{ID: "@alice:example.org", DisplayName: "Alice"}
		},
	}
}

func waitForMessages(t *testing.T, r *mockReplier, conversationID string, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.messages(conversationID)) >= n }, 2*time.Second, 5*time.Millisecond)
	return r.messages(conversationID)
}

func TestRouter_DeliversInSubmissionOrder(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		out := f.router.Handle(ctx, message("!a", "Claude: demo", fmt.Sprintf("msg %d", i)))
		require.Equal(t, OutcomeEnqueued, out)
	}

	got := waitForMessages(t, f.replier, "!a", 5)
	for i, text := range got {
		assert.Equal(t, notice.Reply(fmt.Sprintf("re: msg %d", i)), text)
	}

	req := f.invoker.requests[0]
	assert.Equal(t, "demo", req.ProjectName)
	assert.Equal(t, filepath.Join(f.root, "demo"), req.ProjectPath)
	assert.Equal(t, "@alice:example.org", req.SenderID)
	assert.Equal(t, "Alice", req.SenderName)
	assert.DirExists(t, req.ProjectPath)
}

func TestRouter_SlowConversationDoesNotDelayOthers(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	slow := f.gate("slow")
	defer close(slow)

	require.Equal(t, OutcomeEnqueued, f.router.Handle(ctx, message("!a", "Claude: alpha", "slow")))
	require.Equal(t, OutcomeEnqueued, f.router.Handle(ctx, message("!b", "Claude: beta", "fast")))

	got := waitForMessages(t, f.replier, "!b", 1)
	assert.Equal(t, notice.Reply("re: fast"), got[0])
	assert.Empty(t, f.replier.messages("!a"))
}

// A second conversation resolving to a claimed name is refused without side effects.
func TestRouter_ProjectNameConflict(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	require.Equal(t, OutcomeEnqueued, f.router.Handle(ctx, message("!first", "Claude: demo", "hello")))
	waitForMessages(t, f.replier, "!first", 1)

	out := f.router.Handle(ctx, message("!second", "Claude: demo!!", "hi"))
	assert.Equal(t, OutcomeConflict, out)
	assert.Equal(t, []string{notice.Conflict("demo")}, f.replier.messages("!second"))
	assert.Equal(t, 0, f.queues.Depth("!second"))
	assert.NotContains(t, f.queues.Depths(), "!second")

	entries, err := os.ReadDir(f.root)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no directory is created for the rejected conversation")

	// The owner keeps working, and claiming is idempotent for it.
	require.Equal(t, OutcomeEnqueued, f.router.Handle(ctx, message("!first", "Claude: demo", "again")))
	waitForMessages(t, f.replier, "!first", 2)

	claim, err := f.store.GetClaim(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "!first", claim.ConversationID)
}

// With one job running and one waiting, the next message is rejected.
func TestRouter_QueueFull(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	first := f.gate("first")

	require.Equal(t, OutcomeEnqueued, f.router.Handle(ctx, message("!a", "Claude: demo", "first")))

	out := f.router.Handle(ctx, message("!a", "Claude: demo", "second"))
	assert.Equal(t, OutcomeQueueFull, out)
	assert.Equal(t, []string{notice.QueueFull(1)}, f.replier.messages("!a"))

	close(first)
	waitForMessages(t, f.replier, "!a", 2)
	require.Eventually(t, func() bool { return f.queues.Depth("!a") == 0 }, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, OutcomeEnqueued, f.router.Handle(ctx, message("!a", "Claude: demo", "third")))
	got := waitForMessages(t, f.replier, "!a", 3)
	assert.Equal(t, notice.Reply("re: third"), got[2])
}

func TestRouter_Filters(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	tests := []struct {
		name     string
		msg      *Message
		expected Outcome
		replies  int
	}{
		{"no prefix", message("!x", "General", "hello"), OutcomeIneligible, 0},
		{"sanitizes to empty", message("!x", "Claude: !!!", "hello"), OutcomeIneligible, 0},
		{"echo", message("!x", "Claude: demo", notice.Reply("done")), OutcomeEcho, 0},
		{"empty text", message("!x", "Claude: demo", "   \n\t"), OutcomeEmpty, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, f.router.Handle(ctx, tt.msg))
		})
	}
	assert.Empty(t, f.replier.messages("!x"))
	assert.Empty(t, f.invoker.requests)

	_, err := f.store.GetClaim(ctx, "demo")
	assert.ErrorIs(t, err, store.ErrNotFound, "filtered messages never claim a project")
}

func TestRouter_MediaRejected(t *testing.T) {
	f := newFixture(t, 0)
	msg := message("!a", "Claude: demo", "")
	msg.HasMedia = true

	assert.Equal(t, OutcomeMediaRejected, f.router.Handle(context.Background(), msg))
	assert.Equal(t, []string{notice.MediaUnsupported()}, f.replier.messages("!a"))
}

func TestRouter_DuplicateMessageID(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	msg := message("!a", "Claude: demo", "hello")

	require.Equal(t, OutcomeEnqueued, f.router.Handle(ctx, msg))
	assert.Equal(t, OutcomeDuplicate, f.router.Handle(ctx, msg))
	waitForMessages(t, f.replier, "!a", 1)
	assert.Len(t, f.invoker.requests, 1)
}

func TestRouter_PanicBecomesErrorReply(t *testing.T) {
	f := newFixture(t, 0)
	f.invoker.panicOn = "explode"
	ctx := context.Background()

	require.Equal(t, OutcomeEnqueued, f.router.Handle(ctx, message("!a", "Claude: demo", "explode")))
	require.Equal(t, OutcomeEnqueued, f.router.Handle(ctx, message("!a", "Claude: demo", "after")))

	got := waitForMessages(t, f.replier, "!a", 2)
	assert.True(t, strings.HasPrefix(got[0], notice.Marker+"❌ Error:"))
	assert.Contains(t, got[0], "invoker exploded")
	assert.Equal(t, notice.Reply("re: after"), got[1])
}

func TestRouter_TypingWrapsInvocation(t *testing.T) {
	f := newFixture(t, 0)
	require.Equal(t, OutcomeEnqueued, f.router.Handle(context.Background(), message("!a", "Claude: demo", "hi")))
	waitForMessages(t, f.replier, "!a", 1)

	f.replier.mu.Lock()
	defer f.replier.mu.Unlock()
	assert.Equal(t, []bool{true, false}, f.replier.typing, "typing failures are ignored")
}

func TestRouter_StatusCommand(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	require.NoError(t, f.store.SaveSession(ctx, &store.Session{
		ConversationID: "!a",
		SessionID:      "sess-42",
		ProjectPath:    filepath.Join(f.root, "demo"),
		LastActivity:   time.Now(),
	}))

	out := f.router.Handle(ctx, message("!a", "Claude: demo", " /status "))
	assert.Equal(t, OutcomeStatus, out)

	got := f.replier.messages("!a")
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "demo")
	assert.Contains(t, got[0], "sess-42")
	assert.Empty(t, f.invoker.requests)
}

func TestRouter_ResetCommand(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	require.NoError(t, f.store.SaveSession(ctx, &store.Session{ConversationID: "!a", SessionID: "sess-1"}))

	require.Equal(t, OutcomeEnqueued, f.router.Handle(ctx, message("!a", "Claude: demo", "/reset")))
	got := waitForMessages(t, f.replier, "!a", 1)
	assert.Equal(t, notice.Reset(), got[0])

	_, err := f.store.GetSession(ctx, "!a")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, f.invoker.requests)
}

// scriptedRunner returns a fixed session id and echoes the prompt.
type scriptedRunner struct {
	mu       sync.Mutex
	requests []*agent.Request
}

func (s *scriptedRunner) Run(ctx context.Context, req *agent.Request) (<-chan agent.Event, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	n := len(s.requests)
	s.mu.Unlock()

	ch := make(chan agent.Event, 2)
	ch <- agent.Event{Kind: agent.EventInit, SessionID: fmt.Sprintf("sess-%d", n)}
	ch <- agent.Event{Kind: agent.EventResult, Text: "answer to " + req.Prompt}
	close(ch)
	return ch, nil
}

// First message starts a session and the second resumes it, through the real pipeline.
func TestRouter_SessionResumeEndToEnd(t *testing.T) {
	root := t.TempDir()
	st := store.NewMockStore()
	queues := queue.New(0, nil)
	defer queues.Close(context.Background())
	runner := &scriptedRunner{}
	replier := &mockReplier{}

	r := New(Options{
		Namer:   project.NewNamer(project.DefaultPrefix, root),
		State:   st,
		Queues:  queues,
		Invoker: conversation.New(st, runner, nil, conversation.Options{}, nil),
		Replier: replier,
	})
	ctx := context.Background()

	// A: fresh session
	require.Equal(t, OutcomeEnqueued, r.Handle(ctx, message("!room", "Claude: demo", "hello")))
	got := waitForMessages(t, replier, "!room", 1)
	assert.Equal(t, notice.Reply("answer to hello"), got[0])

	session, err := st.GetSession(ctx, "!room")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", session.SessionID)
	assert.Empty(t, runner.requests[0].ResumeSessionID)

	// B: follow-up resumes the stored session
	require.Equal(t, OutcomeEnqueued, r.Handle(ctx, message("!room", "Claude: demo", "follow-up")))
	waitForMessages(t, replier, "!room", 2)

	runner.mu.Lock()
	assert.Equal(t, "sess-1", runner.requests[1].ResumeSessionID)
	runner.mu.Unlock()

	session, err = st.GetSession(ctx, "!room")
	require.NoError(t, err)
	assert.Equal(t, "sess-2", session.SessionID, "new session id overwrites the old one")
	assert.Equal(t, filepath.Join(root, "demo"), session.ProjectPath)
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "enqueued", OutcomeEnqueued.String())
	assert.Equal(t, "queue_full", OutcomeQueueFull.String())
	assert.Equal(t, "outcome(99)", Outcome(99).String())
}
