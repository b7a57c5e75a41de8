package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"marketchat/internal/chat"
)

// fakeConn records every event it is sent.
type fakeConn struct {
	id string

	mu     sync.Mutex
	events []Event
	refuse bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refuse {
		return false
	}
	c.events = append(c.events, ev)
	return true
}

// take returns the recorded events and forgets them.
func (c *fakeConn) take() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.events
	c.events = nil
	return out
}

// of returns the recorded events of one kind without forgetting them.
func (c *fakeConn) of(kind EventKind) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) kinds() []EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EventKind, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Kind
	}
	return out
}

// waitFor polls until conn has received n events of kind.
func waitFor(t *testing.T, c *fakeConn, kind EventKind, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.of(kind); len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s: got %d %s events, want %d (have %v)", c.id, len(c.of(kind)), kind, n, c.kinds())
	return nil
}

func decode[T any](t *testing.T, ev Event) T {
	t.Helper()
	var v T
	if err := ev.Decode(&v); err != nil {
		t.Fatalf("decode %s: %v", ev.Kind, err)
	}
	return v
}

// tokenAuth accepts credentials of the form "tok-<id>".
type tokenAuth struct{}

func (tokenAuth) Authenticate(_ context.Context, credential string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(credential, "tok-%d", &id); err != nil || id <= 0 {
		return 0, errors.New("bad credential")
	}
	return id, nil
}

const (
	alice int64 = 1
	bob   int64 = 2
	carol int64 = 3
)

func newTestStore() *chat.MemoryStore {
	store := chat.NewMemoryStore()
	store.AddUser(alice, "alice")
	store.AddUser(bob, "bob")
	store.AddUser(carol, "carol")
	return store
}

func newTestHub(t *testing.T, store *chat.MemoryStore) *Hub {
	t.Helper()
	return NewHub(Options{
		Store:            store,
		Auth:             tokenAuth{},
		HandlerTimeout:   5 * time.Second,
		MaxMessageLength: 100,
	})
}

// connect authenticates a fresh connection and drops its handshake events.
func connect(t *testing.T, h *Hub, connID string, userID int64) *fakeConn {
	t.Helper()
	c := newFakeConn(connID)
	h.Dispatch(context.Background(), c, AuthenticateCmd{Credential: fmt.Sprintf("tok-%d", userID)})
	if got := c.of(EventAuthenticated); len(got) != 1 {
		t.Fatalf("connect %s: kinds = %v, want one authenticated", connID, c.kinds())
	}
	c.take()
	return c
}

func mustConversation(t *testing.T, store *chat.MemoryStore, a, b int64) *chat.Conversation {
	t.Helper()
	conv, err := store.FindOrCreateConversation(context.Background(), a, b)
	if err != nil {
		t.Fatalf("FindOrCreateConversation(%d, %d): %v", a, b, err)
	}
	return conv
}

func send(h *Hub, c Conn, convID int64, content, tempID string) {
	cmd := SendMessageCmd{ConversationID: convID, Content: content}
	if tempID != "" {
		cmd.TempID = json.RawMessage(tempID)
	}
	h.Dispatch(context.Background(), c, cmd)
}

// queuedBackplane holds publications until flush, like a remote broker
// that has not delivered yet.
type queuedBackplane struct {
	deliver func(Envelope) int

	mu      sync.Mutex
	pending []Envelope
}

func (b *queuedBackplane) Publish(_ context.Context, env Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, env)
	return nil
}

func (b *queuedBackplane) Shared() bool { return true }

func (b *queuedBackplane) flush() {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, env := range pending {
		b.deliver(env)
	}
}

// gatedBackplane delivers synchronously but parks the first publication of
// one kind until release is closed.
type gatedBackplane struct {
	deliver func(Envelope) int
	kind    EventKind

	once    sync.Once
	parked  chan struct{}
	release chan struct{}
}

func newGatedBackplane(kind EventKind) *gatedBackplane {
	return &gatedBackplane{kind: kind, parked: make(chan struct{}), release: make(chan struct{})}
}

func (b *gatedBackplane) Publish(_ context.Context, env Envelope) error {
	hold := false
	if env.Kind == b.kind {
		b.once.Do(func() { hold = true })
	}
	if hold {
		close(b.parked)
		<-b.release
	}
	b.deliver(env)
	return nil
}

func (b *gatedBackplane) Shared() bool { return false }

func newHubWithBackplane(store *chat.MemoryStore, bp Backplane) *Hub {
	return NewHub(Options{
		Store:            store,
		Auth:             tokenAuth{},
		Backplane:        bp,
		HandlerTimeout:   5 * time.Second,
		MaxMessageLength: 100,
	})
}
