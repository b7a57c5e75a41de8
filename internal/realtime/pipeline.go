package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"marketchat/internal/chat"
)

type MessageStore interface {
	GetConversation(ctx context.Context, id int64) (*chat.Conversation, error)
	FindOrCreateConversation(ctx context.Context, a, b int64) (*chat.Conversation, error)
	// CreateMessage must insert the message and bump the conversation's
	// last activity atomically.
	CreateMessage(ctx context.Context, msg *chat.Message) (*chat.Message, error)
	MarkConversationRead(ctx context.Context, conversationID, readerID int64) (int64, error)
}

const notificationPreviewRunes = 120

// Pipeline turns send intents into persisted, fanned-out messages and
// handles read receipts.
type Pipeline struct {
	store    MessageStore
	rooms    *Rooms
	notifier *Notifier
	logger   *zap.Logger
	maxRunes int

	// Persist and publish happen under a per-conversation lock so that
	// members see messages in commit order.
	locks keyedMutex
}

func NewPipeline(store MessageStore, rooms *Rooms, notifier *Notifier, maxRunes int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:    store,
		rooms:    rooms,
		notifier: notifier,
		logger:   logger.Named("pipeline"),
		maxRunes: maxRunes,
		locks:    keyedMutex{locks: make(map[int64]*refMutex)},
	}
}

// Send validates, authorizes, persists and broadcasts one message. On
// error nothing was stored or broadcast.
func (p *Pipeline) Send(ctx context.Context, conn Conn, senderID int64, cmd SendMessageCmd) (*chat.Message, error) {
	content := strings.TrimSpace(cmd.Content)
	if content == "" {
		return nil, invalid("message content is required")
	}
	if p.maxRunes > 0 && utf8.RuneCountInString(content) > p.maxRunes {
		return nil, invalid(fmt.Sprintf("message exceeds %d characters", p.maxRunes))
	}

	conv, err := p.resolveConversation(ctx, senderID, cmd)
	if err != nil {
		return nil, err
	}
	receiverID := conv.Other(senderID)

	msg, err := p.persistAndBroadcast(ctx, conn, conv, senderID, content, cmd.TempID)
	if err != nil {
		return nil, err
	}

	_, err = p.notifier.Notify(ctx, NotifyRequest{
		UserID:    receiverID,
		Type:      chat.NotifyNewMessage,
		Title:     "New message from " + senderName(msg),
		Body:      preview(content),
		RelatedID: &conv.ID,
	})
	if err != nil {
		p.logger.Error("new_message notification failed",
			zap.Int64("message_id", msg.ID), zap.Int64("receiver_id", receiverID), zap.Error(err))
	}
	return msg, nil
}

func (p *Pipeline) resolveConversation(ctx context.Context, senderID int64, cmd SendMessageCmd) (*chat.Conversation, error) {
	var (
		conv *chat.Conversation
		err  error
	)
	switch {
	case cmd.ConversationID > 0:
		conv, err = p.store.GetConversation(ctx, cmd.ConversationID)
		if errors.Is(err, chat.ErrNotFound) {
			return nil, forbidden("not a participant of this conversation")
		}
	case cmd.ReceiverID > 0:
		if cmd.ReceiverID == senderID {
			return nil, invalid("cannot message yourself")
		}
		conv, err = p.store.FindOrCreateConversation(ctx, senderID, cmd.ReceiverID)
	default:
		return nil, invalid("conversationId or receiverId is required")
	}
	if err != nil {
		return nil, storageFailure("could not load conversation", err)
	}

	// Checked against the store rather than room membership, which may be
	// stale.
	if !conv.HasParticipant(senderID) {
		return nil, forbidden("not a participant of this conversation")
	}
	if cmd.ReceiverID > 0 && cmd.ReceiverID != conv.Other(senderID) {
		return nil, invalid("receiverId is not the other participant")
	}
	return conv, nil
}

func (p *Pipeline) persistAndBroadcast(ctx context.Context, conn Conn, conv *chat.Conversation, senderID int64, content string, tempID []byte) (*chat.Message, error) {
	unlock := p.locks.Lock(conv.ID)
	defer unlock()

	msg, err := p.store.CreateMessage(ctx, &chat.Message{
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        content,
	})
	if err != nil {
		return nil, storageFailure("message could not be saved", err)
	}

	room := ConversationRoom(conv.ID)
	// The sender is a verified participant; make sure the originating
	// connection gets exactly one echo carrying its tempId.
	p.rooms.join(room, conn, senderID)

	// Participants browsing elsewhere are not in the room but still get
	// the message on their live connections.
	ev := NewEvent(EventNewMessage, newMessagePayload(msg, tempID))
	if err := p.rooms.Broadcast(ctx, room, ev, IncludeUsers(conv.UserA, conv.UserB)); err != nil {
		p.logger.Error("new_message broadcast failed",
			zap.Int64("message_id", msg.ID), zap.Int64("conversation_id", conv.ID), zap.Error(err))
	}
	return msg, nil
}

// MarkRead flags the other participant's unread messages as read and, if
// anything changed, tells the rest of the room.
func (p *Pipeline) MarkRead(ctx context.Context, readerID, conversationID int64) (int64, error) {
	conv, err := p.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			return 0, forbidden("not a participant of this conversation")
		}
		return 0, storageFailure("could not load conversation", err)
	}
	if !conv.HasParticipant(readerID) {
		return 0, forbidden("not a participant of this conversation")
	}

	changed, err := p.store.MarkConversationRead(ctx, conversationID, readerID)
	if err != nil {
		return 0, storageFailure("could not update read state", err)
	}
	if changed == 0 {
		return 0, nil
	}

	ev := NewEvent(EventMessagesRead, MessagesReadPayload{ConversationID: conversationID, ReaderID: readerID})
	if err := p.rooms.Broadcast(ctx, ConversationRoom(conversationID), ev, ExcludeUser(readerID)); err != nil {
		p.logger.Warn("messages_read broadcast failed", zap.Int64("conversation_id", conversationID), zap.Error(err))
	}
	return changed, nil
}

func senderName(m *chat.Message) string {
	if m.SenderName != "" {
		return m.SenderName
	}
	return fmt.Sprintf("user %d", m.SenderID)
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= notificationPreviewRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:notificationPreviewRunes]) + "…"
}

type refMutex struct {
	sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*refMutex
}

func (k *keyedMutex) Lock(key int64) (unlock func()) {
	k.mu.Lock()
	m := k.locks[key]
	if m == nil {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
