package chat

import (
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrSelfConversation = errors.New("cannot start a conversation with yourself")
)

// ---------------------------------------------
// Database & API models
// ---------------------------------------------

// Conversation is a thread between exactly two users. UserA is always the
// smaller id.
type Conversation struct {
	ID             int64     `json:"id"`
	UserA          int64     `json:"user_a"`
	UserB          int64     `json:"user_b"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// OrderedPair returns the two user ids in storage order.
func OrderedPair(a, b int64) (int64, int64) {
	if a < b {
		return a, b
	}
	return b, a
}

func (c *Conversation) HasParticipant(userID int64) bool {
	return c.UserA == userID || c.UserB == userID
}

// Other returns the participant that is not userID.
func (c *Conversation) Other(userID int64) int64 {
	if c.UserA == userID {
		return c.UserB
	}
	return c.UserA
}

type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	SenderID       int64     `json:"sender_id"`
	SenderName     string    `json:"sender_name"` // denormalized via JOIN
	Content        string    `json:"content"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationSummary is a row of the conversation list.
type ConversationSummary struct {
	Conversation
	PartnerID   int64 `json:"partner_id"`
	UnreadCount int   `json:"unread_count"`
}

type NotificationType string

const (
	NotifyNewMessage       NotificationType = "new_message"
	NotifyNewOffer         NotificationType = "new_offer"
	NotifyOfferAccepted    NotificationType = "offer_accepted"
	NotifyOfferRejected    NotificationType = "offer_rejected"
	NotifyQuestionAsked    NotificationType = "question_asked"
	NotifyQuestionAnswered NotificationType = "question_answered"
	NotifySystem           NotificationType = "system"
)

func (t NotificationType) Valid() bool {
	switch t {
	case NotifyNewMessage, NotifyNewOffer, NotifyOfferAccepted, NotifyOfferRejected,
		NotifyQuestionAsked, NotifyQuestionAnswered, NotifySystem:
		return true
	}
	return false
}

type Notification struct {
	ID        int64            `json:"id"`
	UserID    int64            `json:"userId"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	RelatedID *int64           `json:"relatedId,omitempty"`
	IsRead    bool             `json:"isRead"`
	CreatedAt time.Time        `json:"createdAt"`
}
