package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Authenticator resolves a raw client credential to an active user id.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (int64, error)
}

// Store is the persistence the hub consumes.
type Store interface {
	MembershipStore
	MessageStore
	NotificationStore
	UnreadCounts(ctx context.Context, userID int64) (map[int64]int, error)
}

type Options struct {
	Store  Store
	Auth   Authenticator
	Logger *zap.Logger
	// Backplane defaults to in-process delivery.
	Backplane Backplane
	// HandlerTimeout bounds the handling of one inbound event.
	HandlerTimeout   time.Duration
	MaxMessageLength int
}

// Hub owns the registry, rooms, presence, pipeline and notifier of one
// server process and dispatches inbound commands to them.
type Hub struct {
	registry *Registry
	rooms    *Rooms
	presence *Presence
	pipeline *Pipeline
	notifier *Notifier

	store   Store
	auth    Authenticator
	logger  *zap.Logger
	timeout time.Duration

	// Held per user from a registry change until its presence broadcast
	// is published, so partners see transitions in registry order.
	transitions keyedMutex
}

func NewHub(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.HandlerTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	registry := NewRegistry()
	rooms := NewRooms(opts.Store, logger)
	if opts.Backplane != nil {
		rooms.UseBackplane(opts.Backplane)
	}
	notifier := NewNotifier(opts.Store, rooms, registry, logger)

	return &Hub{
		registry: registry,
		rooms:    rooms,
		presence: NewPresence(rooms, registry, logger),
		pipeline: NewPipeline(opts.Store, rooms, notifier, opts.MaxMessageLength, logger),
		notifier: notifier,
		store:    opts.Store,
		auth:     opts.Auth,
		logger:   logger.Named("hub"),
		timeout:  timeout,

		transitions: keyedMutex{locks: make(map[int64]*refMutex)},
	}
}

func (h *Hub) Registry() *Registry { return h.registry }
func (h *Hub) Rooms() *Rooms       { return h.rooms }
func (h *Hub) Presence() *Presence { return h.presence }
func (h *Hub) Notifier() *Notifier { return h.notifier }

// HandleRaw decodes one frame from conn and dispatches it.
func (h *Hub) HandleRaw(ctx context.Context, conn Conn, raw []byte) {
	cmd, err := DecodeCommand(raw)
	if err != nil {
		h.reject(conn, EventError, nil, err)
		return
	}
	h.Dispatch(ctx, conn, cmd)
}

// Dispatch runs one command. Errors are reported to conn only.
func (h *Hub) Dispatch(ctx context.Context, conn Conn, cmd Command) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if c, ok := cmd.(AuthenticateCmd); ok {
		h.authenticateCredential(ctx, conn, c.Credential)
		return
	}

	userID, ok := h.registry.UserOf(conn.ID())
	if !ok {
		errKind := EventError
		var tempID json.RawMessage
		if c, isSend := cmd.(SendMessageCmd); isSend {
			errKind, tempID = EventMessageError, c.TempID
		}
		h.reject(conn, errKind, tempID, unauthenticated("authenticate first", nil))
		return
	}

	switch c := cmd.(type) {
	case JoinConversationCmd:
		conv, err := h.rooms.JoinConversation(ctx, conn, userID, c.ConversationID)
		if err != nil {
			h.reject(conn, EventError, nil, err)
			return
		}
		conn.Send(NewEvent(EventConversationJoined, ConversationPayload{ConversationID: conv.ID}))
		h.presence.ReplayPartner(conn, conv.Other(userID), conv.ID)

	case LeaveConversationCmd:
		h.rooms.LeaveConversation(ctx, conn, userID, c.ConversationID)

	case SendMessageCmd:
		if _, err := h.pipeline.Send(ctx, conn, userID, c); err != nil {
			h.reject(conn, EventMessageError, c.TempID, err)
		}

	case TypingCmd:
		if err := h.presence.SetTyping(ctx, conn, userID, c.ConversationID, c.IsTyping); err != nil {
			h.reject(conn, EventError, nil, err)
		}

	case MarkMessagesReadCmd:
		if _, err := h.pipeline.MarkRead(ctx, userID, c.ConversationID); err != nil {
			h.reject(conn, EventError, nil, err)
		}

	case LogoutCmd:
		h.Disconnect(ctx, conn)

	default:
		h.reject(conn, EventError, nil, unrecognized(cmd.Kind()))
	}
}

func (h *Hub) authenticateCredential(ctx context.Context, conn Conn, credential string) {
	if h.auth == nil {
		h.reject(conn, EventAuthenticationError, nil, unauthenticated("authentication unavailable", nil))
		return
	}
	userID, err := h.auth.Authenticate(ctx, credential)
	if err != nil {
		h.logger.Info("authentication failed", zap.String("conn_id", conn.ID()), zap.Error(err))
		h.reject(conn, EventAuthenticationError, nil, unauthenticated("invalid credential", err))
		return
	}
	h.Authenticate(ctx, conn, userID)
}

// Authenticate binds conn to an already verified user, joins its rooms,
// replays unread counts and announces the user if this is their first
// connection.
func (h *Hub) Authenticate(ctx context.Context, conn Conn, userID int64) {
	if current, ok := h.registry.UserOf(conn.ID()); ok {
		if current == userID {
			conn.Send(NewEvent(EventAuthenticated, AuthenticatedPayload{Success: true, UserID: userID}))
			return
		}
		h.Disconnect(ctx, conn)
	}

	unlock := h.transitions.Lock(userID)
	defer unlock()

	first := h.registry.Register(conn, userID)
	h.rooms.JoinUserRoom(conn, userID)
	if _, err := h.rooms.AutoJoin(ctx, conn, userID); err != nil {
		h.logger.Warn("auto-join failed", zap.Int64("user_id", userID), zap.Error(err))
	}

	conn.Send(NewEvent(EventAuthenticated, AuthenticatedPayload{Success: true, UserID: userID}))

	if counts, err := h.store.UnreadCounts(ctx, userID); err != nil {
		h.logger.Warn("unread count replay failed", zap.Int64("user_id", userID), zap.Error(err))
	} else {
		conn.Send(NewEvent(EventUnreadCounts, UnreadCountsPayload{Counts: counts}))
	}

	if first {
		h.presence.Online(ctx, conn, userID)
	}
	h.logger.Debug("connection authenticated",
		zap.String("conn_id", conn.ID()), zap.Int64("user_id", userID), zap.Bool("first", first))
}

// Disconnect unbinds conn and leaves all its rooms. It is safe to call
// more than once and on connections that never authenticated.
func (h *Hub) Disconnect(ctx context.Context, conn Conn) {
	bound, ok := h.registry.UserOf(conn.ID())
	if !ok {
		h.rooms.LeaveAll(conn)
		return
	}
	unlock := h.transitions.Lock(bound)
	defer unlock()

	userID, last, ok := h.registry.Unregister(conn)
	conversations := h.rooms.LeaveAll(conn)
	if !ok {
		return
	}
	if last && !h.registry.Online(userID) {
		h.presence.Offline(ctx, userID, conversations)
	}
	h.logger.Debug("connection unbound",
		zap.String("conn_id", conn.ID()), zap.Int64("user_id", userID), zap.Bool("last", last))
}

// reject reports err to the originating connection only.
func (h *Hub) reject(conn Conn, kind EventKind, tempID json.RawMessage, err error) {
	var rtErr *Error
	if !errors.As(err, &rtErr) {
		rtErr = storageFailure("internal error", err)
	}
	if rtErr.Kind == KindPersistence {
		h.logger.Error("request failed", zap.String("conn_id", conn.ID()), zap.Error(err))
	}

	payload := ErrorPayload{Message: rtErr.Message, Code: rtErr.Kind.Code()}
	if kind == EventMessageError {
		payload.TempID = tempID
	}
	conn.Send(NewEvent(kind, payload))
}
