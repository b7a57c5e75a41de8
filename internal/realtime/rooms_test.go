package realtime

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestRoomID(t *testing.T) {
	if got := ConversationRoom(42); got != "conversation:42" {
		t.Errorf("ConversationRoom = %q", got)
	}
	if got := UserRoom(7); got != "user:7" {
		t.Errorf("UserRoom = %q", got)
	}
	if id, ok := ConversationRoom(42).ConversationID(); !ok || id != 42 {
		t.Errorf("ConversationID = %d, %v, want 42, true", id, ok)
	}
	if _, ok := UserRoom(7).ConversationID(); ok {
		t.Error("user room parsed as a conversation")
	}
}

func TestDeliverExclusions(t *testing.T) {
	rooms := NewRooms(newTestStore(), zap.NewNop())
	room := ConversationRoom(1)
	a1, a2, b1 := newFakeConn("a1"), newFakeConn("a2"), newFakeConn("b1")
	rooms.join(room, a1, alice)
	rooms.join(room, a2, alice)
	rooms.join(room, b1, bob)

	ev := NewEvent(EventUserTyping, TypingPayload{UserID: alice, ConversationID: 1, IsTyping: true})

	tests := []struct {
		name string
		env  Envelope
		want int
	}{
		{"everyone", Envelope{Room: room, Kind: ev.Kind, Data: ev.Data}, 3},
		{"exclude conn", Envelope{Room: room, Kind: ev.Kind, Data: ev.Data, ExcludeConn: "a1"}, 2},
		{"exclude user", Envelope{Room: room, Kind: ev.Kind, Data: ev.Data, ExcludeUser: alice}, 1},
		{"empty room", Envelope{Room: ConversationRoom(2), Kind: ev.Kind}, 0},
	}
	for _, tt := range tests {
		if got := rooms.Deliver(tt.env); got != tt.want {
			t.Errorf("%s: delivered = %d, want %d", tt.name, got, tt.want)
		}
	}

	b1.refuse = true
	if got := rooms.Deliver(Envelope{Room: room, Kind: ev.Kind}); got != 2 {
		t.Errorf("with a refusing member: delivered = %d, want 2", got)
	}
}

func TestDeliverIncludeUsers(t *testing.T) {
	rooms := NewRooms(newTestStore(), zap.NewNop())
	room := ConversationRoom(1)
	a1, a2, b1, c1 := newFakeConn("a1"), newFakeConn("a2"), newFakeConn("b1"), newFakeConn("c1")
	for _, m := range []struct {
		conn *fakeConn
		user int64
	}{{a1, alice}, {a2, alice}, {b1, bob}, {c1, carol}} {
		rooms.JoinUserRoom(m.conn, m.user)
	}
	rooms.join(room, a1, alice)
	rooms.join(room, b1, bob)

	ev := NewEvent(EventNewMessage, PresencePayload{UserID: alice, ConversationID: 1})
	env := Envelope{Room: room, Kind: ev.Kind, Data: ev.Data, IncludeUsers: []int64{alice, bob}}
	if got := rooms.Deliver(env); got != 3 {
		t.Errorf("delivered = %d, want 3", got)
	}
	for _, c := range []*fakeConn{a1, a2, b1} {
		if got := len(c.of(EventNewMessage)); got != 1 {
			t.Errorf("%s got %d events, want 1", c.id, got)
		}
	}
	if got := len(c1.of(EventNewMessage)); got != 0 {
		t.Errorf("c1 got %d events, want 0", got)
	}

	env.ExcludeUser = alice
	if got := rooms.Deliver(env); got != 1 {
		t.Errorf("excluding alice: delivered = %d, want 1", got)
	}
}

func TestLeaveAllReturnsConversations(t *testing.T) {
	rooms := NewRooms(newTestStore(), zap.NewNop())
	c := newFakeConn("c")
	rooms.JoinUserRoom(c, alice)
	rooms.join(ConversationRoom(3), c, alice)
	rooms.join(ConversationRoom(5), c, alice)

	got := rooms.LeaveAll(c)
	if len(got) != 2 {
		t.Fatalf("LeaveAll = %v, want two conversations", got)
	}
	for _, room := range []RoomID{UserRoom(alice), ConversationRoom(3), ConversationRoom(5)} {
		if rooms.IsMember(c, room) {
			t.Errorf("still a member of %s", room)
		}
		if n := rooms.Size(room); n != 0 {
			t.Errorf("%s size = %d, want 0", room, n)
		}
	}
	if got := rooms.LeaveAll(c); len(got) != 0 {
		t.Errorf("second LeaveAll = %v, want none", got)
	}
}

func TestAutoJoinUsesStore(t *testing.T) {
	store := newTestStore()
	ab := mustConversation(t, store, alice, bob)
	ac := mustConversation(t, store, alice, carol)
	mustConversation(t, store, bob, carol)
	rooms := NewRooms(store, zap.NewNop())
	c := newFakeConn("c")

	ids, err := rooms.AutoJoin(context.Background(), c, alice)
	if err != nil {
		t.Fatalf("AutoJoin: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("AutoJoin = %v, want 2 conversations", ids)
	}
	for _, id := range []int64{ab.ID, ac.ID} {
		if !rooms.IsMember(c, ConversationRoom(id)) {
			t.Errorf("not joined to conversation %d", id)
		}
	}
}
