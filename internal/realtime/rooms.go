package realtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"marketchat/internal/chat"
)

// RoomID names a broadcast group: "user:{id}" or "conversation:{id}".
type RoomID string

const (
	userRoomPrefix         = "user:"
	conversationRoomPrefix = "conversation:"
)

func UserRoom(userID int64) RoomID {
	return RoomID(userRoomPrefix + strconv.FormatInt(userID, 10))
}

func ConversationRoom(conversationID int64) RoomID {
	return RoomID(conversationRoomPrefix + strconv.FormatInt(conversationID, 10))
}

// ConversationID parses a conversation room id.
func (r RoomID) ConversationID() (int64, bool) {
	s, ok := strings.CutPrefix(string(r), conversationRoomPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(s, 10, 64)
	return id, err == nil
}

// MembershipStore is what the room manager needs from persistence.
type MembershipStore interface {
	GetConversation(ctx context.Context, id int64) (*chat.Conversation, error)
	ListConversationIDs(ctx context.Context, userID int64) ([]int64, error)
}

type member struct {
	conn   Conn
	userID int64
}

// Rooms holds the grouping policy for fan-out. Broadcasts go through the
// backplane; Deliver performs the local fan-out.
type Rooms struct {
	mu     sync.RWMutex
	rooms  map[RoomID]map[string]member
	byConn map[string]map[RoomID]struct{}

	store     MembershipStore
	backplane Backplane
	logger    *zap.Logger
}

func NewRooms(store MembershipStore, logger *zap.Logger) *Rooms {
	r := &Rooms{
		rooms:  make(map[RoomID]map[string]member),
		byConn: make(map[string]map[RoomID]struct{}),
		store:  store,
		logger: logger.Named("rooms"),
	}
	r.backplane = NewLocalBackplane(r.Deliver)
	return r
}

// UseBackplane replaces the in-process backplane.
func (r *Rooms) UseBackplane(bp Backplane) {
	r.backplane = bp
}

// Shared reports whether broadcasts may reach other processes.
func (r *Rooms) Shared() bool {
	return r.backplane.Shared()
}

// join adds conn to room without any authorization check.
func (r *Rooms) join(room RoomID, conn Conn, userID int64) (added bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[room]
	if members == nil {
		members = make(map[string]member)
		r.rooms[room] = members
	}
	if _, ok := members[conn.ID()]; ok {
		return false
	}
	members[conn.ID()] = member{conn: conn, userID: userID}

	joined := r.byConn[conn.ID()]
	if joined == nil {
		joined = make(map[RoomID]struct{})
		r.byConn[conn.ID()] = joined
	}
	joined[room] = struct{}{}
	return true
}

func (r *Rooms) leave(room RoomID, conn Conn) (removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(room, conn.ID())
}

func (r *Rooms) leaveLocked(room RoomID, connID string) bool {
	members := r.rooms[room]
	if _, ok := members[connID]; !ok {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	if joined := r.byConn[connID]; joined != nil {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.byConn, connID)
		}
	}
	return true
}

// JoinUserRoom puts an authenticated connection into its private room.
func (r *Rooms) JoinUserRoom(conn Conn, userID int64) {
	r.join(UserRoom(userID), conn, userID)
}

// JoinConversation admits conn after checking, on every call, that userID
// is one of the conversation's participants.
func (r *Rooms) JoinConversation(ctx context.Context, conn Conn, userID, conversationID int64) (*chat.Conversation, error) {
	conv, err := r.authorize(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	r.join(ConversationRoom(conversationID), conn, userID)
	return conv, nil
}

func (r *Rooms) authorize(ctx context.Context, userID, conversationID int64) (*chat.Conversation, error) {
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			return nil, forbidden("not a participant of this conversation")
		}
		return nil, storageFailure("could not load conversation", err)
	}
	if !conv.HasParticipant(userID) {
		return nil, forbidden("not a participant of this conversation")
	}
	return conv, nil
}

// LeaveConversation removes conn and tells the remaining members.
func (r *Rooms) LeaveConversation(ctx context.Context, conn Conn, userID, conversationID int64) bool {
	room := ConversationRoom(conversationID)
	if !r.leave(room, conn) {
		return false
	}
	ev := NewEvent(EventUserLeft, PresencePayload{UserID: userID, ConversationID: conversationID})
	if err := r.Broadcast(ctx, room, ev, ExcludeConn(conn.ID())); err != nil {
		r.logger.Warn("user_left broadcast failed", zap.String("room", string(room)), zap.Error(err))
	}
	return true
}

// AutoJoin joins conn to every conversation the user participates in and
// returns their ids.
func (r *Rooms) AutoJoin(ctx context.Context, conn Conn, userID int64) ([]int64, error) {
	ids, err := r.store.ListConversationIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations for user %d: %w", userID, err)
	}
	for _, id := range ids {
		r.join(ConversationRoom(id), conn, userID)
	}
	return ids, nil
}

// LeaveAll drops conn from every room and returns the conversation ids it
// was a member of.
func (r *Rooms) LeaveAll(conn Conn) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var conversations []int64
	for room := range r.byConn[conn.ID()] {
		if id, ok := room.ConversationID(); ok {
			conversations = append(conversations, id)
		}
		r.leaveLocked(room, conn.ID())
	}
	return conversations
}

func (r *Rooms) IsMember(conn Conn, room RoomID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][conn.ID()]
	return ok
}

// ConversationsOf returns the conversation rooms conn belongs to.
func (r *Rooms) ConversationsOf(conn Conn) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []int64
	for room := range r.byConn[conn.ID()] {
		if id, ok := room.ConversationID(); ok {
			out = append(out, id)
		}
	}
	return out
}

// Size returns the number of local members of room.
func (r *Rooms) Size(room RoomID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

type BroadcastOption func(*Envelope)

// ExcludeConn skips one connection, usually the originator.
func ExcludeConn(connID string) BroadcastOption {
	return func(e *Envelope) { e.ExcludeConn = connID }
}

// ExcludeUser skips every connection of a user.
func ExcludeUser(userID int64) BroadcastOption {
	return func(e *Envelope) { e.ExcludeUser = userID }
}

// IncludeUsers also reaches every connection of the given users that is
// not a member of the room. Each connection still gets the event once.
func IncludeUsers(userIDs ...int64) BroadcastOption {
	return func(e *Envelope) { e.IncludeUsers = userIDs }
}

// Broadcast publishes ev to every member of room through the backplane.
func (r *Rooms) Broadcast(ctx context.Context, room RoomID, ev Event, opts ...BroadcastOption) error {
	env := Envelope{Room: room, Kind: ev.Kind, Data: ev.Data}
	for _, opt := range opts {
		opt(&env)
	}
	return r.backplane.Publish(ctx, env)
}

// Deliver fans an envelope out to the local members of its room, plus the
// user-room members of IncludeUsers, and returns how many connections
// accepted it. Targets come from one membership snapshot.
func (r *Rooms) Deliver(env Envelope) int {
	r.mu.RLock()
	members := r.rooms[env.Room]
	targets := make([]Conn, 0, len(members))
	seen := make(map[string]struct{}, len(members))
	add := func(id string, m member) {
		if id == env.ExcludeConn || (env.ExcludeUser != 0 && m.userID == env.ExcludeUser) {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		targets = append(targets, m.conn)
	}
	for id, m := range members {
		add(id, m)
	}
	for _, userID := range env.IncludeUsers {
		for id, m := range r.rooms[UserRoom(userID)] {
			add(id, m)
		}
	}
	r.mu.RUnlock()

	ev := Event{Kind: env.Kind, Data: env.Data}
	delivered := 0
	for _, c := range targets {
		if c.Send(ev) {
			delivered++
		} else {
			r.logger.Debug("delivery dropped", zap.String("conn_id", c.ID()), zap.String("room", string(env.Room)))
		}
	}
	return delivered
}
