package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"marketchat/internal/chat"
)

// EventKind names a frame on the socket. The set is closed: inbound kinds
// decode into exactly one command type below, anything else is rejected.
type EventKind string

// Client -> server.
const (
	EventAuthenticate      EventKind = "authenticate"
	EventJoinConversation  EventKind = "join_conversation"
	EventLeaveConversation EventKind = "leave_conversation"
	EventSendMessage       EventKind = "send_message"
	EventTypingStart       EventKind = "typing_start"
	EventTypingStop        EventKind = "typing_stop"
	EventMarkMessagesRead  EventKind = "mark_messages_read"
	EventLogout            EventKind = "logout"
)

// Server -> client.
const (
	EventAuthenticated       EventKind = "authenticated"
	EventAuthenticationError EventKind = "authentication_error"
	EventConversationJoined  EventKind = "conversation_joined"
	EventUserOnline          EventKind = "user_online"
	EventUserOffline         EventKind = "user_offline"
	EventUserLeft            EventKind = "user_left"
	EventNewMessage          EventKind = "new_message"
	EventMessageError        EventKind = "message_error"
	EventUserTyping          EventKind = "user_typing"
	EventMessagesRead        EventKind = "messages_read"
	EventNewNotification     EventKind = "new_notification"
	EventUnreadCounts        EventKind = "unread_counts"
	EventError               EventKind = "error"
)

// Event is one frame: {"event": "...", "data": {...}}.
type Event struct {
	Kind EventKind       `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent encodes payload as the event data. Payloads are plain structs,
// so encoding only fails on a hand-built json.RawMessage that is not valid
// JSON; the event then goes out without data and the failure is logged on
// the global logger.
func NewEvent(kind EventKind, payload any) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		zap.L().Error("encode event payload", zap.String("event", string(kind)), zap.Error(err))
		return Event{Kind: kind}
	}
	return Event{Kind: kind, Data: data}
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// ---------------------------------------------
// Inbound commands
// ---------------------------------------------

// Command is a decoded client request.
type Command interface {
	Kind() EventKind
}

type AuthenticateCmd struct {
	Credential string `json:"credential"`
}

type JoinConversationCmd struct {
	ConversationID int64 `json:"conversationId"`
}

type LeaveConversationCmd struct {
	ConversationID int64 `json:"conversationId"`
}

// SendMessageCmd carries an optional client correlation token. TempID is
// kept as raw JSON so it echoes back byte-for-byte, whatever its type.
type SendMessageCmd struct {
	ConversationID int64           `json:"conversationId"`
	Content        string          `json:"content"`
	ReceiverID     int64           `json:"receiverId"`
	TempID         json.RawMessage `json:"tempId,omitempty"`
}

type TypingCmd struct {
	ConversationID int64 `json:"conversationId"`
	IsTyping       bool  `json:"-"`
}

type MarkMessagesReadCmd struct {
	ConversationID int64 `json:"conversationId"`
}

type LogoutCmd struct{}

func (AuthenticateCmd) Kind() EventKind      { return EventAuthenticate }
func (JoinConversationCmd) Kind() EventKind  { return EventJoinConversation }
func (LeaveConversationCmd) Kind() EventKind { return EventLeaveConversation }
func (SendMessageCmd) Kind() EventKind       { return EventSendMessage }
func (MarkMessagesReadCmd) Kind() EventKind  { return EventMarkMessagesRead }
func (LogoutCmd) Kind() EventKind            { return EventLogout }

func (c TypingCmd) Kind() EventKind {
	if c.IsTyping {
		return EventTypingStart
	}
	return EventTypingStop
}

// DecodeCommand parses a raw frame. Unknown kinds return a KindUnrecognized
// error and malformed payloads a KindValidation error.
func DecodeCommand(raw []byte) (Command, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, invalid("malformed frame")
	}
	if len(bytes.TrimSpace(ev.Data)) == 0 || bytes.Equal(bytes.TrimSpace(ev.Data), []byte("null")) {
		ev.Data = json.RawMessage("{}")
	}

	var (
		cmd Command
		err error
	)
	switch ev.Kind {
	case EventAuthenticate:
		var c AuthenticateCmd
		err = ev.Decode(&c)
		cmd = c
	case EventJoinConversation:
		var c JoinConversationCmd
		if err = ev.Decode(&c); err == nil {
			err = requireConversation(c.ConversationID)
		}
		cmd = c
	case EventLeaveConversation:
		var c LeaveConversationCmd
		if err = ev.Decode(&c); err == nil {
			err = requireConversation(c.ConversationID)
		}
		cmd = c
	case EventSendMessage:
		var c SendMessageCmd
		err = ev.Decode(&c)
		cmd = c
	case EventTypingStart, EventTypingStop:
		c := TypingCmd{IsTyping: ev.Kind == EventTypingStart}
		if err = ev.Decode(&c); err == nil {
			err = requireConversation(c.ConversationID)
		}
		cmd = c
	case EventMarkMessagesRead:
		var c MarkMessagesReadCmd
		if err = ev.Decode(&c); err == nil {
			err = requireConversation(c.ConversationID)
		}
		cmd = c
	case EventLogout:
		cmd = LogoutCmd{}
	default:
		return nil, unrecognized(ev.Kind)
	}

	if err != nil {
		if _, ok := err.(*Error); ok {
			return nil, err
		}
		return nil, invalid(fmt.Sprintf("malformed %s payload", ev.Kind))
	}
	return cmd, nil
}

func requireConversation(id int64) error {
	if id <= 0 {
		return invalid("conversationId is required")
	}
	return nil
}

// ---------------------------------------------
// Outbound payloads
// ---------------------------------------------

type AuthenticatedPayload struct {
	Success bool  `json:"success"`
	UserID  int64 `json:"userId"`
}

// ErrorPayload backs authentication_error, message_error and error.
type ErrorPayload struct {
	Message string          `json:"message"`
	Code    string          `json:"code,omitempty"`
	TempID  json.RawMessage `json:"tempId,omitempty"`
}

type ConversationPayload struct {
	ConversationID int64 `json:"conversationId"`
}

type PresencePayload struct {
	UserID         int64 `json:"userId"`
	ConversationID int64 `json:"conversationId,omitempty"`
}

type TypingPayload struct {
	UserID         int64 `json:"userId"`
	ConversationID int64 `json:"conversationId"`
	IsTyping       bool  `json:"isTyping"`
}

type SenderInfo struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type MessagePayload struct {
	ID             int64           `json:"id"`
	Content        string          `json:"content"`
	SenderID       int64           `json:"senderId"`
	ConversationID int64           `json:"conversationId"`
	CreatedAt      time.Time       `json:"createdAt"`
	IsRead         bool            `json:"isRead"`
	Sender         SenderInfo      `json:"sender"`
	TempID         json.RawMessage `json:"tempId,omitempty"`
}

func newMessagePayload(m *chat.Message, tempID json.RawMessage) MessagePayload {
	return MessagePayload{
		ID:             m.ID,
		Content:        m.Content,
		SenderID:       m.SenderID,
		ConversationID: m.ConversationID,
		CreatedAt:      m.CreatedAt,
		IsRead:         m.IsRead,
		Sender:         SenderInfo{ID: m.SenderID, Username: m.SenderName},
		TempID:         tempID,
	}
}

type MessagesReadPayload struct {
	ConversationID int64 `json:"conversationId"`
	ReaderID       int64 `json:"readerId"`
}

type UnreadCountsPayload struct {
	Counts map[int64]int `json:"counts"`
}
