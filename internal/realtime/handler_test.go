package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"marketchat/internal/chat"
)

func newTestServer(t *testing.T, h *Hub, origins []string) (*Handler, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	handler := NewHandler(ctx, h, origins, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(handler.ServeWs))
	t.Cleanup(func() {
		handler.Shutdown()
		srv.Close()
		cancel()
	})
	return handler, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readUntil(t *testing.T, conn *websocket.Conn, kind EventKind) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %s: %v", kind, err)
		}
		if ev.Kind == kind {
			return ev
		}
	}
}

func TestServeWsRoundTrip(t *testing.T) {
	store := newTestStore()
	conv := mustConversation(t, store, alice, bob)
	h := newTestHub(t, store)
	_, url := newTestServer(t, h, []string{"*"})

	// Token on the handshake.
	a, _, err := websocket.DefaultDialer.Dial(url+"?token=tok-1", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer a.Close()
	readUntil(t, a, EventAuthenticated)

	// In-band authentication.
	b, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer b.Close()
	if err := b.WriteJSON(NewEvent(EventAuthenticate, AuthenticateCmd{Credential: "tok-2"})); err != nil {
		t.Fatal(err)
	}
	readUntil(t, b, EventAuthenticated)

	err = a.WriteJSON(map[string]any{
		"event": "send_message",
		"data":  map[string]any{"conversationId": conv.ID, "content": "over the wire", "tempId": "w-1"},
	})
	if err != nil {
		t.Fatal(err)
	}

	echo := decode[MessagePayload](t, readUntil(t, a, EventNewMessage))
	if string(echo.TempID) != `"w-1"` || echo.Content != "over the wire" {
		t.Errorf("echo = %+v", echo)
	}
	got := decode[MessagePayload](t, readUntil(t, b, EventNewMessage))
	if got.ID != echo.ID {
		t.Errorf("receiver message id = %d, want %d", got.ID, echo.ID)
	}
}

func TestServeWsDisconnectGoesOffline(t *testing.T) {
	store := newTestStore()
	mustConversation(t, store, alice, bob)
	h := newTestHub(t, store)
	_, url := newTestServer(t, h, []string{"*"})
	watcher := connect(t, h, "watcher", alice)

	b, _, err := websocket.DefaultDialer.Dial(url+"?token=tok-2", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readUntil(t, b, EventAuthenticated)
	waitFor(t, watcher, EventUserOnline, 1)

	b.Close()
	waitFor(t, watcher, EventUserOffline, 1)
	if h.Registry().Online(bob) {
		t.Error("bob still online after the socket closed")
	}
}

func TestServeWsOriginAllowList(t *testing.T) {
	h := newTestHub(t, newTestStore())
	_, url := newTestServer(t, h, []string{"https://market.example"})

	header := http.Header{"Origin": {"https://evil.example"}}
	if _, resp, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		t.Fatal("dial from a foreign origin succeeded")
	} else if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}

	header = http.Header{"Origin": {"https://market.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial from an allowed origin: %v", err)
	}
	conn.Close()
}

func TestPostNotification(t *testing.T) {
	store := newTestStore()
	h := newTestHub(t, store)
	handler, _ := newTestServer(t, h, nil)
	b1 := connect(t, h, "b1", bob)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"created", `{"userId": 2, "type": "offer_accepted", "title": "Your offer was accepted", "relatedId": 11}`, http.StatusCreated},
		{"unknown type", `{"userId": 2, "type": "party", "title": "x"}`, http.StatusBadRequest},
		{"malformed", `{"userId":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		handler.PostNotification(rec, httptest.NewRequest(http.MethodPost, "/internal/notifications", strings.NewReader(tt.body)))
		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d (%s)", tt.name, rec.Code, tt.want, rec.Body)
		}
	}

	if got := store.Notifications(bob); len(got) != 1 || got[0].Type != chat.NotifyOfferAccepted {
		t.Errorf("stored = %+v", got)
	}
	if got := b1.of(EventNewNotification); len(got) != 1 {
		t.Errorf("got %d new_notification, want 1", len(got))
	}

	store.FailWrites = errors.New("db down")
	rec := httptest.NewRecorder()
	handler.PostNotification(rec, httptest.NewRequest(http.MethodPost, "/internal/notifications",
		strings.NewReader(`{"userId": 2, "type": "system", "title": "x"}`)))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("storage failure: status = %d, want 500", rec.Code)
	}
}
