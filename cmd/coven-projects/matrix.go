// ABOUTME: Matrix transport for coven-projects
// ABOUTME: Turns room messages into router messages and delivers replies, typing state, and markdown

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-projects/internal/config"
	"github.com/2389/coven-projects/internal/router"
)

// typingTimeout is how long the homeserver shows the typing indicator.
// Long agent runs outlast it; the indicator is best effort.
const typingTimeout = 5 * time.Minute

// networkTimeout is the timeout for small Matrix API calls.
const networkTimeout = 10 * time.Second

// deviceName is shown in the account's session list.
const deviceName = "coven-projects"

// MessageHandler receives every inbound room message in sync order.
type MessageHandler func(ctx context.Context, msg *router.Message)

// Transport connects coven-projects to a Matrix homeserver.
type Transport struct {
	cfg    config.MatrixConfig
	client *mautrix.Client
	logger *slog.Logger
	md     goldmark.Markdown

	started time.Time
	ready   sync.Once

	namesMu sync.RWMutex
	names   map[id.RoomID]string
}

// NewTransport creates a Matrix client. Call Login before Run.
func NewTransport(cfg config.MatrixConfig, logger *slog.Logger) (*Transport, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	return &Transport{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "matrix"),
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
		names: make(map[id.RoomID]string),
	}, nil
}

// Login authenticates with a password, or checks a configured access token.
func (t *Transport) Login(ctx context.Context) error {
	if t.cfg.AccessToken != "" {
		resp, err := t.client.Whoami(ctx)
		if err != nil {
			return fmt.Errorf("checking access token: %w", err)
		}
		t.client.UserID = resp.UserID
		t.client.DeviceID = resp.DeviceID
		t.logger.Info("using access token", "user_id", resp.UserID.String(), "device_id", resp.DeviceID.String())
		return nil
	}

	resp, err := t.client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: t.cfg.Username,
		},
		Password:                 t.cfg.Password,
		InitialDeviceDisplayName: deviceName,
		StoreCredentials:         true,
	})
	if err != nil {
		return fmt.Errorf("password login: %w", err)
	}
	t.logger.Info("logged in", "user_id", resp.UserID.String(), "device_id", resp.DeviceID.String())
	return nil
}

// Client exposes the underlying mautrix client for crypto setup.
func (t *Transport) Client() *mautrix.Client {
	return t.client
}

// Run syncs until ctx is cancelled. Messages are handed to handle one at a
// time in the order the homeserver delivers them.
func (t *Transport) Run(ctx context.Context, handle MessageHandler) error {
	t.started = time.Now()

	syncer, ok := t.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", t.client.Syncer)
	}
	syncer.OnSync(func(ctx context.Context, resp *mautrix.RespSync, since string) bool {
		t.ready.Do(func() { t.logger.Info("matrix connection ready", "user_id", t.client.UserID.String()) })
		return true
	})
	syncer.OnEventType(event.StateRoomName, t.handleRoomName)
	syncer.OnEventType(event.StateMember, t.handleMembership)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		if msg := t.toMessage(ctx, evt); msg != nil {
			handle(ctx, msg)
		}
	})

	t.logger.Info("connecting to matrix homeserver", "homeserver", t.cfg.Homeserver)

	err := t.client.SyncWithContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return fmt.Errorf("matrix sync failed: %w", err)
	}
	t.logger.Info("matrix sync stopped")
	return nil
}

// toMessage converts a timeline event, or returns nil for events that never
// reach the router.
func (t *Transport) toMessage(ctx context.Context, evt *event.Event) *router.Message {
	// Backlog from the initial sync
	if time.UnixMilli(evt.Timestamp).Before(t.started) {
		return nil
	}
	if !t.isRoomAllowed(evt.RoomID) {
		t.logger.Debug("ignoring message from non-allowed room", "room", evt.RoomID.String())
		return nil
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return nil
	}
	// Edits carry the replacement in m.new_content; treat only originals.
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return nil
	}

	sender := evt.Sender
	msg := &router.Message{
		ConversationID:   evt.RoomID.String(),
		ConversationName: t.roomName(ctx, evt.RoomID),
		MessageID:        evt.ID.String(),
		HasMedia:         !isTextMessage(content.MsgType),
		ResolveSender: func(ctx context.Context) router.Sender {
			return router.Sender{ID: sender.String(), DisplayName: t.displayName(ctx, sender)}
		},
	}
	if !msg.HasMedia {
		msg.Text = content.Body
	}

	t.logger.Debug("received message",
		"room", msg.ConversationID,
		"sender", sender.String(),
		"content", truncate(msg.Text, 50),
	)
	return msg
}

// isTextMessage reports whether a msgtype carries plain text.
func isTextMessage(msgType event.MessageType) bool {
	switch msgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		return true
	default:
		return false
	}
}

func (t *Transport) handleRoomName(ctx context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.RoomNameEventContent)
	if !ok {
		return
	}
	t.namesMu.Lock()
	t.names[evt.RoomID] = content.Name
	t.namesMu.Unlock()
	t.logger.Debug("room name updated", "room", evt.RoomID.String(), "name", content.Name)
}

// handleMembership joins rooms the bot account is invited to.
func (t *Transport) handleMembership(ctx context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok || content.Membership != event.MembershipInvite {
		return
	}
	if evt.GetStateKey() != t.client.UserID.String() || !t.isRoomAllowed(evt.RoomID) {
		return
	}

	joinCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := t.client.JoinRoomByID(joinCtx, evt.RoomID); err != nil {
		t.logger.Warn("failed to accept invite", "room", evt.RoomID.String(), "error", err)
		return
	}
	t.logger.Info("joined room", "room", evt.RoomID.String(), "inviter", evt.Sender.String())
}

// roomName returns the cached m.room.name, fetching it on first use.
func (t *Transport) roomName(ctx context.Context, roomID id.RoomID) string {
	t.namesMu.RLock()
	name, ok := t.names[roomID]
	t.namesMu.RUnlock()
	if ok {
		return name
	}

	fetchCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	var content event.RoomNameEventContent
	if err := t.client.StateEvent(fetchCtx, roomID, event.StateRoomName, "", &content); err != nil {
		if !errors.Is(err, mautrix.MNotFound) {
			t.logger.Debug("failed to fetch room name", "room", roomID.String(), "error", err)
			return ""
		}
	}

	t.namesMu.Lock()
	t.names[roomID] = content.Name
	t.namesMu.Unlock()
	return content.Name
}

func (t *Transport) displayName(ctx context.Context, userID id.UserID) string {
	fetchCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	resp, err := t.client.GetDisplayName(fetchCtx, userID)
	if err != nil || resp.DisplayName == "" {
		if localpart, _, err := userID.Parse(); err == nil {
			return localpart
		}
		return userID.String()
	}
	return resp.DisplayName
}

// isRoomAllowed checks if the room is in the allowed list.
func (t *Transport) isRoomAllowed(roomID id.RoomID) bool {
	if len(t.cfg.AllowedRooms) == 0 {
		return true // Allow all if no filter
	}
	for _, allowed := range t.cfg.AllowedRooms {
		if allowed == roomID.String() {
			return true
		}
	}
	return false
}

// SendText sends text to a room, rendering markdown to HTML alongside the
// plain body.
func (t *Transport) SendText(ctx context.Context, conversationID, text string) error {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	if rendered, err := t.renderMarkdown(text); err == nil && rendered != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = rendered
	}

	_, err := t.client.SendMessageEvent(ctx, id.RoomID(conversationID), event.EventMessage, content)
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	t.logger.Debug("sent message", "room", conversationID, "length", len(text))
	return nil
}

// SetTyping toggles the typing indicator in a room.
func (t *Transport) SetTyping(ctx context.Context, conversationID string, typing bool) error {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	typingCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	_, err := t.client.UserTyping(typingCtx, id.RoomID(conversationID), typing, timeout)
	return err
}

func (t *Transport) renderMarkdown(text string) (string, error) {
	var buf bytes.Buffer
	if err := t.md.Convert([]byte(text), &buf); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
