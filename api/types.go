package api

import (
	"context"

	"taskboard-api/domain"
	"taskboard-api/subscription"
)

// Storage abstracts persistence for handlers.
type Storage interface {
	FetchTasks(ctx context.Context, userID string) ([]domain.Task, error)
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	InsertTask(ctx context.Context, t domain.Task) (domain.Task, error)
	UpdateTask(ctx context.Context, ownerID, taskID string, patch domain.TaskPatch) error
	DeleteTask(ctx context.Context, ownerID, taskID string) error
	InsertComment(ctx context.Context, c domain.Comment) (domain.Comment, error)
	ListComments(ctx context.Context, taskID string) ([]domain.Comment, error)
	ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error)
	GetProfile(ctx context.Context, userID string) (domain.Profile, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, userID, notificationID string) error
	MarkAllRead(ctx context.Context, userID string) (int, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Dispatcher receives mutation events after a successful write. Emit is
// best-effort: it must never fail the request.
type Dispatcher interface {
	Emit(ev domain.Event)
}

// NotificationStream is one live per-connection notification feed.
type NotificationStream interface {
	Open(ctx context.Context, userID string) error
	Close()
	Notifications() []subscription.Item
	UnreadCount() int
	Updates() <-chan struct{}
	Err() error
}

// StreamFactory creates a fresh stream handle for one connection.
type StreamFactory func() NotificationStream
