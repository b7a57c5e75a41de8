package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process store with the same semantics as
// Repository. It backs STORE=memory and the realtime tests.
type MemoryStore struct {
	mu            sync.Mutex
	now           func() time.Time
	users         map[int64]string
	conversations map[int64]*Conversation
	pairs         map[[2]int64]int64
	messages      []*Message
	notifications []*Notification
	nextID        int64

	// FailWrites makes every write return the given error.
	FailWrites error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:           time.Now,
		users:         make(map[int64]string),
		conversations: make(map[int64]*Conversation),
		pairs:         make(map[[2]int64]int64),
	}
}

// AddUser registers a username so messages can carry the sender's name.
func (s *MemoryStore) AddUser(id int64, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = username
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) GetConversation(_ context.Context, id int64) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *c
	return &out, nil
}

func (s *MemoryStore) FindOrCreateConversation(_ context.Context, a, b int64) (*Conversation, error) {
	if a == b {
		return nil, ErrSelfConversation
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	low, high := OrderedPair(a, b)
	key := [2]int64{low, high}
	if id, ok := s.pairs[key]; ok {
		out := *s.conversations[id]
		return &out, nil
	}
	if s.FailWrites != nil {
		return nil, s.FailWrites
	}

	now := s.now()
	c := &Conversation{ID: s.id(), UserA: low, UserB: high, CreatedAt: now, LastActivityAt: now}
	s.conversations[c.ID] = c
	s.pairs[key] = c.ID
	out := *c
	return &out, nil
}

func (s *MemoryStore) IsParticipant(_ context.Context, conversationID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	return ok && c.HasParticipant(userID), nil
}

func (s *MemoryStore) ListConversationIDs(ctx context.Context, userID int64) ([]int64, error) {
	summaries, err := s.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(summaries))
	for i, c := range summaries {
		ids[i] = c.ID
	}
	return ids, nil
}

func (s *MemoryStore) ListConversations(_ context.Context, userID int64) ([]ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ConversationSummary
	for _, c := range s.conversations {
		if !c.HasParticipant(userID) {
			continue
		}
		out = append(out, ConversationSummary{
			Conversation: *c,
			PartnerID:    c.Other(userID),
			UnreadCount:  s.unreadLocked(c.ID, userID),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

func (s *MemoryStore) unreadLocked(conversationID, readerID int64) int {
	n := 0
	for _, m := range s.messages {
		if m.ConversationID == conversationID && m.SenderID != readerID && !m.IsRead {
			n++
		}
	}
	return n
}

func (s *MemoryStore) CreateMessage(_ context.Context, msg *Message) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWrites != nil {
		return nil, s.FailWrites
	}
	c, ok := s.conversations[msg.ConversationID]
	if !ok {
		return nil, ErrNotFound
	}

	m := *msg
	m.ID = s.id()
	m.IsRead = false
	m.CreatedAt = s.now()
	m.SenderName = s.users[msg.SenderID]
	s.messages = append(s.messages, &m)
	c.LastActivityAt = m.CreatedAt

	out := m
	return &out, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID, beforeID int64, limit int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Message
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.messages[i]
		if m.ConversationID != conversationID || (beforeID != 0 && m.ID >= beforeID) {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) MarkConversationRead(_ context.Context, conversationID, readerID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWrites != nil {
		return 0, s.FailWrites
	}
	var n int64
	for _, m := range s.messages {
		if m.ConversationID == conversationID && m.SenderID != readerID && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) UnreadCounts(_ context.Context, userID int64) (map[int64]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[int64]int)
	for _, c := range s.conversations {
		if !c.HasParticipant(userID) {
			continue
		}
		if n := s.unreadLocked(c.ID, userID); n > 0 {
			counts[c.ID] = n
		}
	}
	return counts, nil
}

func (s *MemoryStore) CreateNotification(_ context.Context, n *Notification) (*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWrites != nil {
		return nil, s.FailWrites
	}
	out := *n
	out.ID = s.id()
	out.IsRead = false
	out.CreatedAt = s.now()
	s.notifications = append(s.notifications, &out)
	cp := out
	return &cp, nil
}

// Notifications returns the stored notifications for userID, oldest first.
func (s *MemoryStore) Notifications(userID int64) []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Notification
	for _, n := range s.notifications {
		if n.UserID == userID {
			out = append(out, *n)
		}
	}
	return out
}

// Messages returns every stored message of a conversation in commit order.
func (s *MemoryStore) Messages(conversationID int64) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, *m)
		}
	}
	return out
}
