package realtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Presence turns registry and room changes into presence and typing
// broadcasts. Typing is relayed as-is: the last event wins and nothing
// expires server side.
type Presence struct {
	rooms    *Rooms
	registry *Registry
	logger   *zap.Logger

	mu       sync.Mutex
	lastSeen map[int64]time.Time
	now      func() time.Time
}

func NewPresence(rooms *Rooms, registry *Registry, logger *zap.Logger) *Presence {
	return &Presence{
		rooms:    rooms,
		registry: registry,
		logger:   logger.Named("presence"),
		lastSeen: make(map[int64]time.Time),
		now:      time.Now,
	}
}

// Online announces userID to the conversation rooms conn is in.
func (p *Presence) Online(ctx context.Context, conn Conn, userID int64) {
	p.announce(ctx, EventUserOnline, userID, p.rooms.ConversationsOf(conn))
}

// Offline announces that userID's last connection closed. conversations
// are the rooms that connection belonged to.
func (p *Presence) Offline(ctx context.Context, userID int64, conversations []int64) {
	p.mu.Lock()
	p.lastSeen[userID] = p.now()
	p.mu.Unlock()

	p.announce(ctx, EventUserOffline, userID, conversations)
}

func (p *Presence) announce(ctx context.Context, kind EventKind, userID int64, conversations []int64) {
	for _, id := range conversations {
		ev := NewEvent(kind, PresencePayload{UserID: userID, ConversationID: id})
		if err := p.rooms.Broadcast(ctx, ConversationRoom(id), ev, ExcludeUser(userID)); err != nil {
			p.logger.Warn("presence broadcast failed",
				zap.String("event", string(kind)), zap.Int64("user_id", userID),
				zap.Int64("conversation_id", id), zap.Error(err))
		}
	}
}

// LastSeen returns when the user's last connection closed on this process.
func (p *Presence) LastSeen(userID int64) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.lastSeen[userID]
	return t, ok
}

// SetTyping relays a typing change to the rest of the room. Only room
// membership is checked; the database is not consulted.
func (p *Presence) SetTyping(ctx context.Context, conn Conn, userID, conversationID int64, isTyping bool) error {
	room := ConversationRoom(conversationID)
	if !p.rooms.IsMember(conn, room) {
		return forbidden("join the conversation before sending typing events")
	}
	ev := NewEvent(EventUserTyping, TypingPayload{
		UserID:         userID,
		ConversationID: conversationID,
		IsTyping:       isTyping,
	})
	if err := p.rooms.Broadcast(ctx, room, ev, ExcludeConn(conn.ID())); err != nil {
		p.logger.Warn("typing broadcast failed", zap.Int64("conversation_id", conversationID), zap.Error(err))
	}
	return nil
}

// ReplayPartner tells a connection that just joined a conversation whether
// the other participant is currently online here.
func (p *Presence) ReplayPartner(conn Conn, partnerID, conversationID int64) {
	if p.registry.Online(partnerID) {
		conn.Send(NewEvent(EventUserOnline, PresencePayload{UserID: partnerID, ConversationID: conversationID}))
	}
}
