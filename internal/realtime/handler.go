package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	myMiddleware "marketchat/internal/middleware"
)

// Handler exposes the hub over HTTP: the WebSocket endpoint and the
// internal notification hook.
type Handler struct {
	ctx      context.Context
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewHandler returns a handler whose connections live until ctx is
// cancelled or Shutdown is called. allowedOrigins may contain "*".
func NewHandler(ctx context.Context, hub *Hub, allowedOrigins []string, logger *zap.Logger) *Handler {
	h := &Handler{
		ctx:     ctx,
		hub:     hub,
		logger:  logger.Named("ws"),
		clients: make(map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Non-browser clients send no Origin.
		return origin == "" || set["*"] || set[origin]
	}
}

// ServeWs upgrades the request. A token on the handshake authenticates the
// connection immediately; otherwise the client must send an authenticate
// event.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Info("upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h.hub, conn, h.logger)
	h.track(client)

	go client.writePump()

	if token := myMiddleware.TokenFromRequest(r); token != "" {
		h.hub.Dispatch(h.ctx, client, AuthenticateCmd{Credential: token})
	}

	go func() {
		defer h.untrack(client)
		client.readPump(h.ctx)
	}()
}

func (h *Handler) track(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Handler) untrack(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// Shutdown closes every open connection.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	h.logger.Info("closed websocket connections", zap.Int("count", len(clients)))
}

// PostNotification lets other backend workflows (offers, questions) notify
// a user.
func (h *Handler) PostNotification(w http.ResponseWriter, r *http.Request) {
	var req NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	n, err := h.hub.Notifier().Notify(r.Context(), req)
	if err != nil {
		var rtErr *Error
		if errors.As(err, &rtErr) && rtErr.Kind == KindValidation {
			http.Error(w, rtErr.Message, http.StatusBadRequest)
			return
		}
		h.logger.Error("notify failed", zap.Int64("user_id", req.UserID), zap.Error(err))
		http.Error(w, "could not store notification", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(n)
}
