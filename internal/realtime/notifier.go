package realtime

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"marketchat/internal/chat"
)

type NotificationStore interface {
	CreateNotification(ctx context.Context, n *chat.Notification) (*chat.Notification, error)
}

// NotifyRequest is what domain workflows (offers, questions, chat) hand
// to the dispatcher.
type NotifyRequest struct {
	UserID    int64                 `json:"userId"`
	Type      chat.NotificationType `json:"type"`
	Title     string                `json:"title"`
	Body      string                `json:"body"`
	RelatedID *int64                `json:"relatedId,omitempty"`
}

// Notifier persists notifications and pushes them to the user's private
// room when someone may be listening. The push is best effort: the stored
// row is authoritative and the client fetches it on its next page load.
type Notifier struct {
	store    NotificationStore
	rooms    *Rooms
	registry *Registry
	logger   *zap.Logger
}

func NewNotifier(store NotificationStore, rooms *Rooms, registry *Registry, logger *zap.Logger) *Notifier {
	return &Notifier{
		store:    store,
		rooms:    rooms,
		registry: registry,
		logger:   logger.Named("notifier"),
	}
}

// Notify stores the notification whether or not the user is online.
// Storage failures are returned to the caller.
func (n *Notifier) Notify(ctx context.Context, req NotifyRequest) (*chat.Notification, error) {
	if req.UserID <= 0 {
		return nil, invalid("userId is required")
	}
	if !req.Type.Valid() {
		return nil, invalid("unknown notification type " + string(req.Type))
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, invalid("title is required")
	}

	saved, err := n.store.CreateNotification(ctx, &chat.Notification{
		UserID:    req.UserID,
		Type:      req.Type,
		Title:     req.Title,
		Body:      req.Body,
		RelatedID: req.RelatedID,
	})
	if err != nil {
		return nil, storageFailure("could not save notification", err)
	}

	if n.registry.Online(req.UserID) || n.rooms.Shared() {
		ev := NewEvent(EventNewNotification, saved)
		if err := n.rooms.Broadcast(ctx, UserRoom(req.UserID), ev); err != nil {
			n.logger.Warn("notification push failed",
				zap.Int64("user_id", req.UserID), zap.Int64("notification_id", saved.ID), zap.Error(err))
		}
	}
	return saved, nil
}
