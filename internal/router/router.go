// ABOUTME: Routes inbound chat messages to per-conversation queues
// ABOUTME: Filters ineligible traffic, resolves project claims, and runs queued agent jobs

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/2389/coven-projects/internal/conversation"
	"github.com/2389/coven-projects/internal/notice"
	"github.com/2389/coven-projects/internal/project"
	"github.com/2389/coven-projects/internal/queue"
	"github.com/2389/coven-projects/internal/store"
)

// Chat commands handled by the router itself.
const (
	CommandStatus = "/status"
	CommandReset  = "/reset"
)

// deliveryTimeout bounds a reply send that outlives the job's context.
const deliveryTimeout = 30 * time.Second

// Sender identifies who wrote a message.
type Sender struct {
	ID          string
	DisplayName string
}

// Message is one inbound chat event as seen by the router.
type Message struct {
	ConversationID   string
	ConversationName string
	MessageID        string
	Text             string
	HasMedia         bool

	// ResolveSender looks up the author. It is called at most once, before
	// the message is queued.
	ResolveSender func(ctx context.Context) Sender
}

// Replier delivers text and typing state to a conversation.
type Replier interface {
	SendText(ctx context.Context, conversationID, text string) error
	SetTyping(ctx context.Context, conversationID string, typing bool) error
}

// Invoker runs one agent invocation and returns the reply text.
type Invoker interface {
	Invoke(ctx context.Context, req *conversation.Request) string
}

// State is the persisted state the router reads and mutates.
type State interface {
	ClaimProject(ctx context.Context, projectName, conversationID string) (*store.Claim, error)
	GetSession(ctx context.Context, conversationID string) (*store.Session, error)
	DeleteSession(ctx context.Context, conversationID string) error
}

// Seen reports whether a message id was already handled.
type Seen interface {
	Seen(id string) bool
}

// Outcome describes what Handle did with a message.
type Outcome int

const (
	OutcomeEnqueued Outcome = iota
	OutcomeDuplicate
	OutcomeEcho
	OutcomeIneligible
	OutcomeMediaRejected
	OutcomeEmpty
	OutcomeConflict
	OutcomeQueueFull
	OutcomeStatus
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEnqueued:
		return "enqueued"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeEcho:
		return "echo"
	case OutcomeIneligible:
		return "ineligible"
	case OutcomeMediaRejected:
		return "media_rejected"
	case OutcomeEmpty:
		return "empty"
	case OutcomeConflict:
		return "conflict"
	case OutcomeQueueFull:
		return "queue_full"
	case OutcomeStatus:
		return "status"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Options wires a Router's collaborators. Dedupe and Logger may be nil.
type Options struct {
	Namer   *project.Namer
	State   State
	Queues  *queue.Registry
	Invoker Invoker
	Replier Replier
	Dedupe  Seen
	Logger  *slog.Logger
}

// Router decides what happens to each inbound message.
type Router struct {
	namer   *project.Namer
	state   State
	queues  *queue.Registry
	invoker Invoker
	replier Replier
	dedupe  Seen
	logger  *slog.Logger
}

// New creates a Router.
func New(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		namer:   opts.Namer,
		state:   opts.State,
		queues:  opts.Queues,
		invoker: opts.Invoker,
		replier: opts.Replier,
		dedupe:  opts.Dedupe,
		logger:  logger.With("component", "router"),
	}
}

// job is one admitted message waiting in a conversation's queue.
type job struct {
	req     *conversation.Request
	command string
}

// Handle filters, claims and admits a message. Notices for rejected messages
// are sent before Handle returns; admitted work runs later on the
// conversation's queue.
func (r *Router) Handle(ctx context.Context, msg *Message) Outcome {
	logger := r.logger.With("conversation_id", msg.ConversationID, "message_id", msg.MessageID)

	if r.dedupe != nil && r.dedupe.Seen(msg.MessageID) {
		logger.Debug("dropping duplicate message")
		return OutcomeDuplicate
	}

	if notice.IsEcho(msg.Text) {
		return OutcomeEcho
	}

	projectName, ok := r.namer.Name(msg.ConversationName)
	if !ok {
		logger.Debug("ignoring message from non-project conversation", "conversation_name", msg.ConversationName)
		return OutcomeIneligible
	}
	logger = logger.With("project", projectName)

	if msg.HasMedia {
		r.reply(ctx, logger, msg.ConversationID, notice.MediaUnsupported())
		return OutcomeMediaRejected
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return OutcomeEmpty
	}

	claim, err := r.state.ClaimProject(ctx, projectName, msg.ConversationID)
	if err != nil {
		if claim == nil {
			logger.Error("failed to claim project", "error", err)
			r.reply(ctx, logger, msg.ConversationID, notice.Error(fmt.Errorf("claiming project: %w", err)))
			return OutcomeFailed
		}
		logger.Error("failed to persist project claim", "error", err)
	}
	if claim.ConversationID != msg.ConversationID {
		logger.Warn("project name already claimed", "owner", claim.ConversationID)
		r.reply(ctx, logger, msg.ConversationID, notice.Conflict(projectName))
		return OutcomeConflict
	}

	if text == CommandStatus {
		r.reply(ctx, logger, msg.ConversationID, r.status(ctx, projectName, msg.ConversationID))
		return OutcomeStatus
	}

	projectPath, err := r.namer.Ensure(projectName)
	if err != nil {
		logger.Error("failed to create project directory", "error", err)
		r.reply(ctx, logger, msg.ConversationID, notice.Error(err))
		return OutcomeFailed
	}

	var sender Sender
	if msg.ResolveSender != nil {
		sender = msg.ResolveSender(ctx)
	}

	j := &job{
		req: &conversation.Request{
			ConversationID:   msg.ConversationID,
			ConversationName: msg.ConversationName,
			ProjectName:      projectName,
			ProjectPath:      projectPath,
			MessageID:        msg.MessageID,
			Text:             text,
			SenderID:         sender.ID,
			SenderName:       sender.DisplayName,
		},
	}
	if text == CommandReset {
		j.command = CommandReset
	}

	depth, err := r.queues.Enqueue(msg.ConversationID, func(ctx context.Context) {
		r.run(ctx, j)
	})
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		logger.Warn("queue full, rejecting message", "queue_depth", depth)
		r.reply(ctx, logger, msg.ConversationID, notice.QueueFull(depth))
		return OutcomeQueueFull
	case err != nil:
		logger.Error("failed to enqueue message", "error", err)
		return OutcomeFailed
	}

	logger.Info("message queued", "queue_depth", depth, "sender", sender.ID)
	return OutcomeEnqueued
}

// run is the queued job body.
func (r *Router) run(ctx context.Context, j *job) {
	id := j.req.ConversationID
	logger := r.logger.With("conversation_id", id, "project", j.req.ProjectName)

	var text string
	if j.command == CommandReset {
		text = r.reset(ctx, logger, id)
	} else {
		text = r.invoke(ctx, logger, j.req)
	}

	deliverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
	defer cancel()
	r.reply(deliverCtx, logger, id, text)
}

// invoke runs the agent with the typing indicator on. A panic becomes an
// error reply.
func (r *Router) invoke(ctx context.Context, logger *slog.Logger, req *conversation.Request) (text string) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("job panicked", "panic", p, "stack", string(debug.Stack()))
			text = notice.Error(fmt.Errorf("internal error: %v", p))
		}
	}()

	r.typing(ctx, logger, req.ConversationID, true)
	defer r.typing(context.WithoutCancel(ctx), logger, req.ConversationID, false)

	return r.invoker.Invoke(ctx, req)
}

func (r *Router) reset(ctx context.Context, logger *slog.Logger, conversationID string) string {
	err := r.state.DeleteSession(ctx, conversationID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Error("failed to reset session", "error", err)
		return notice.Error(fmt.Errorf("resetting session: %w", err))
	}
	logger.Info("session reset")
	return notice.Reset()
}

func (r *Router) status(ctx context.Context, projectName, conversationID string) string {
	info := notice.StatusInfo{
		Project:    projectName,
		QueueDepth: r.queues.Depth(conversationID),
	}
	if session, err := r.state.GetSession(ctx, conversationID); err == nil {
		info.SessionID = session.SessionID
		info.LastActivity = session.LastActivity
	}
	return notice.Status(info)
}

func (r *Router) typing(ctx context.Context, logger *slog.Logger, conversationID string, on bool) {
	if err := r.replier.SetTyping(ctx, conversationID, on); err != nil {
		logger.Debug("failed to set typing indicator", "typing", on, "error", err)
	}
}

func (r *Router) reply(ctx context.Context, logger *slog.Logger, conversationID, text string) {
	if err := r.replier.SendText(ctx, conversationID, text); err != nil {
		logger.Error("failed to send message", "error", err)
	}
}
