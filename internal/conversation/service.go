// ABOUTME: Invocation pipeline that turns one queued message into one agent run
// ABOUTME: Resumes the conversation's session, records history, and persists the new session id

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-projects/internal/agent"
	"github.com/2389/coven-projects/internal/audit"
	"github.com/2389/coven-projects/internal/notice"
	"github.com/2389/coven-projects/internal/store"
)

// SessionStore defines what the service needs from storage
type SessionStore interface {
	GetSession(ctx context.Context, conversationID string) (*store.Session, error)
	SaveSession(ctx context.Context, session *store.Session) error
	TouchSession(ctx context.Context, conversationID string, at time.Time) error
}

// HistoryLog receives best-effort copies of every inbound and outbound message.
type HistoryLog interface {
	Append(projectName string, entry *audit.Entry) error
}

// Options configures the agent invocation.
type Options struct {
	AllowedTools   []string
	PermissionMode string
}

// Service runs the invocation pipeline.
type Service struct {
	store   SessionStore
	runner  agent.Runner
	history HistoryLog
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a new conversation Service. history may be nil.
func New(store SessionStore, runner agent.Runner, history HistoryLog, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if len(opts.AllowedTools) == 0 {
		opts.AllowedTools = agent.DefaultAllowedTools
	}
	if opts.PermissionMode == "" {
		opts.PermissionMode = agent.DefaultPermissionMode
	}
	return &Service{
		store:   store,
		runner:  runner,
		history: history,
		opts:    opts,
		logger:  logger.With("component", "conversation"),
		now:     time.Now,
	}
}

// Request contains everything needed to invoke the agent for one message
type Request struct {
	ConversationID   string
	ConversationName string
	ProjectName      string
	ProjectPath      string
	MessageID        string
	Text             string
	SenderID         string
	SenderName       string
}

// Outcome is the fold of an agent event stream.
type Outcome struct {
	SessionID string // first init event's session id
	Result    string // last result event's text
	ToolCalls int
	Err       error
}

// Invoke runs the pipeline and returns the text to deliver. It never returns
// an error: failures become a formatted error reply.
func (s *Service) Invoke(ctx context.Context, req *Request) string {
	logger := s.logger.With("conversation_id", req.ConversationID, "project", req.ProjectName)

	// 1. Existing session, if any
	existing, err := s.store.GetSession(ctx, req.ConversationID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Error("failed to load session", "error", err)
	}

	// 2. Record the inbound message
	s.record(logger, req, audit.RoleUser, req.SenderID, req.SenderName, req.Text)

	// 3. Run the agent
	agentReq := &agent.Request{
		Prompt:         req.Text,
		WorkingDir:     req.ProjectPath,
		AllowedTools:   s.opts.AllowedTools,
		PermissionMode: s.opts.PermissionMode,
	}
	if existing != nil {
		agentReq.ResumeSessionID = existing.SessionID
	}

	logger.Info("invoking agent", "resume", agentReq.ResumeSessionID != "", "session_id", agentReq.ResumeSessionID)
	started := s.now()

	// 4./5. Fold the event stream
	outcome := s.run(ctx, agentReq)

	var reply string
	if outcome.Err != nil {
		logger.Error("agent invocation failed", "error", outcome.Err, "duration", s.now().Sub(started))
		reply = notice.Error(outcome.Err)
	} else {
		logger.Info("agent invocation complete",
			"session_id", outcome.SessionID,
			"tool_calls", outcome.ToolCalls,
			"length", len(outcome.Result),
			"duration", s.now().Sub(started),
		)
		reply = notice.Reply(outcome.Result)
	}

	// 6. Persist session bookkeeping
	s.persist(ctx, logger, req, existing, outcome.SessionID)

	// 7. Record the outbound message
	s.record(logger, req, audit.RoleAssistant, "assistant", "Claude", reply)

	return reply
}

// run starts the backend and folds its events.
func (s *Service) run(ctx context.Context, req *agent.Request) Outcome {
	events, err := s.runner.Run(ctx, req)
	if err != nil {
		return Outcome{Err: fmt.Errorf("starting agent: %w", err)}
	}
	outcome := Fold(events)
	if outcome.Err == nil && ctx.Err() != nil {
		outcome.Err = ctx.Err()
	}
	return outcome
}

// Fold consumes an event stream until it closes, keeping the first session id
// and the last result text. The first failure is kept, but the stream is
// always drained.
func Fold(events <-chan agent.Event) Outcome {
	var out Outcome
	for evt := range events {
		switch evt.Kind {
		case agent.EventInit:
			if out.SessionID == "" {
				out.SessionID = evt.SessionID
			}
		case agent.EventToolUse:
			out.ToolCalls++
		case agent.EventResult:
			out.Result = evt.Text
			if evt.IsError && out.Err == nil {
				out.Err = fmt.Errorf("agent reported an error: %s", evt.Text)
			}
		case agent.EventError:
			if out.Err == nil {
				out.Err = evt.Err
				if out.Err == nil {
					out.Err = errors.New("agent stream failed")
				}
			}
		}
	}
	return out
}

// persist saves a captured session id, or refreshes an existing record.
// Failures are logged and swallowed.
func (s *Service) persist(ctx context.Context, logger *slog.Logger, req *Request, existing *store.Session, sessionID string) {
	now := s.now()

	// Use a separate context so persistence finishes even if ctx was cancelled.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	switch {
	case sessionID != "":
		err := s.store.SaveSession(saveCtx, &store.Session{
			ConversationID: req.ConversationID,
			SessionID:      sessionID,
			ProjectPath:    req.ProjectPath,
			LastActivity:   now,
		})
		if err != nil {
			logger.Error("failed to save session", "error", err, "session_id", sessionID)
			return
		}
		if existing == nil || existing.SessionID != sessionID {
			logger.Debug("session recorded", "session_id", sessionID)
		}

	case existing != nil:
		if err := s.store.TouchSession(saveCtx, req.ConversationID, now); err != nil {
			logger.Error("failed to refresh session activity", "error", err)
		}
	}
}

// record appends a history entry; failures never block the pipeline.
func (s *Service) record(logger *slog.Logger, req *Request, role audit.Role, senderID, senderName, content string) {
	if s.history == nil {
		return
	}
	entry := &audit.Entry{
		ConversationID:   req.ConversationID,
		ConversationName: req.ConversationName,
		Role:             role,
		SenderID:         senderID,
		SenderName:       senderName,
		Content:          content,
	}
	if role == audit.RoleUser && req.MessageID != "" {
		entry.ID = req.MessageID
	}
	if err := s.history.Append(req.ProjectName, entry); err != nil {
		logger.Warn("failed to append history", "role", role, "error", err)
	}
}
