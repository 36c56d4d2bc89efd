package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"taskboard-api/domain"
	"taskboard-api/subscription"
)

type fakeStream struct {
	mu      sync.Mutex
	items   []subscription.Item
	unread  int
	updates chan struct{}
	openErr error
	lastErr error
	opened  string
	closed  bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{updates: make(chan struct{}, 1)}
}

func (f *fakeStream) Open(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = userID
	return nil
}

func (f *fakeStream) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeStream) Notifications() []subscription.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]subscription.Item, len(f.items))
	copy(out, f.items)
	return out
}

func (f *fakeStream) UnreadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread
}

func (f *fakeStream) Updates() <-chan struct{} { return f.updates }

func (f *fakeStream) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

func (f *fakeStream) push(item subscription.Item) {
	f.mu.Lock()
	f.items = append([]subscription.Item{item}, f.items...)
	f.unread++
	f.mu.Unlock()
	f.updates <- struct{}{}
}

type flushRecorder struct{ *httptest.ResponseRecorder }

func (flushRecorder) Flush() {}

type headerCaptureAuth struct {
	header string
}

func (a *headerCaptureAuth) UserIDFromAuthHeader(h string) (string, error) {
	a.header = h
	if h == "" {
		return "", errors.New("missing authorization header")
	}
	return "alice", nil
}

func runStreamRequest(t *testing.T, stream *fakeStream, auth Authenticator, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	rec := flushRecorder{httptest.NewRecorder()}
	ctx, cancel := context.WithCancel(context.Background())
	req = req.WithContext(ctx)
	c := e.NewContext(req, rec)
	handler := streamNotifications(func() NotificationStream { return stream }, auth)

	errCh := make(chan error, 1)
	go func() { errCh <- handler(c) }()
	time.Sleep(50 * time.Millisecond)
	stream.push(subscription.Item{
		Notification: domain.Notification{ID: "n1", RecipientID: "alice", Message: "hi"},
		ActorName:    "Bob",
	})
	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return rec.ResponseRecorder
}

func TestStreamNotificationsSendsSnapshots(t *testing.T) {
	stream := newFakeStream()
	req := httptest.NewRequest(http.MethodGet, "/api/notifications/stream", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	auth := &headerCaptureAuth{}
	rec := runStreamRequest(t, stream, auth, req)

	frames := strings.Count(rec.Body.String(), "data: ")
	if frames != 2 {
		t.Fatalf("expected initial plus update frame, got %d: %q", frames, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"unreadCount":1`) {
		t.Fatalf("expected unread count in the update frame, got %q", rec.Body.String())
	}
	if stream.opened != "alice" {
		t.Fatalf("expected stream opened for alice, got %q", stream.opened)
	}
	if !stream.closed {
		t.Fatal("expected stream closed on disconnect")
	}
	if rec.Header().Get(echo.HeaderContentType) != "text/event-stream" {
		t.Fatalf("unexpected content type %q", rec.Header().Get(echo.HeaderContentType))
	}
}

func TestStreamNotificationsAcceptsQueryToken(t *testing.T) {
	stream := newFakeStream()
	req := httptest.NewRequest(http.MethodGet, "/api/notifications/stream?token=abc", nil)
	auth := &headerCaptureAuth{}
	_ = runStreamRequest(t, stream, auth, req)

	if auth.header != "Bearer abc" {
		t.Fatalf("expected query token promoted to bearer header, got %q", auth.header)
	}
}

func TestStreamNotificationsOpenFailure(t *testing.T) {
	stream := newFakeStream()
	stream.openErr = errors.New("redis down")
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/notifications/stream", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := flushRecorder{httptest.NewRecorder()}
	c := e.NewContext(req, rec)
	handler := streamNotifications(func() NotificationStream { return stream }, &headerCaptureAuth{})

	if err := handler(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestStreamNotificationsUnauthorized(t *testing.T) {
	stream := newFakeStream()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/notifications/stream", nil)
	rec := flushRecorder{httptest.NewRecorder()}
	c := e.NewContext(req, rec)
	handler := streamNotifications(func() NotificationStream { return stream }, &headerCaptureAuth{})

	if err := handler(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if stream.opened != "" {
		t.Fatal("expected stream untouched on auth failure")
	}
}

