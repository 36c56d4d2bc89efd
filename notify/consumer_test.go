package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard-api/domain"
	"taskboard-api/storage"
)

type fakeInserter struct {
	mu   sync.Mutex
	rows []domain.Notification
	err  error
}

func (f *fakeInserter) InsertNotification(_ context.Context, n domain.Notification) (domain.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Notification{}, f.err
	}
	n.ID = "stored-" + n.RecipientID
	n.CreatedAt = int64(len(f.rows) + 1)
	f.rows = append(f.rows, n)
	return n, nil
}

func (f *fakeInserter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type fakePublisher struct {
	mu        sync.Mutex
	published []domain.Notification
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, n domain.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, n)
	return nil
}

func newConsumerForTest(t *testing.T, store *fakeInserter, pub *fakePublisher) (*Consumer, *test.Hook) {
	t.Helper()
	dedupe, _ := newDeduperForTest(t)
	logger, hook := test.NewNullLogger()
	return NewConsumer(nil, store, dedupe, pub, logger, time.Millisecond), hook
}

// cancellingSource cancels the run context from inside the dequeue call,
// the shape a shutdown takes when it lands mid-poll.
type cancellingSource struct {
	cancel context.CancelFunc
}

func (s *cancellingSource) DequeueDispatchJob(ctx context.Context) (*storage.DequeuedJob, error) {
	s.cancel()
	return nil, ctx.Err()
}

func (s *cancellingSource) DeleteDispatchJob(context.Context, string, string) error { return nil }

func TestConsumerRunShutdownIsNotAnError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := &cancellingSource{cancel: cancel}
	dedupe, _ := newDeduperForTest(t)
	logger, hook := test.NewNullLogger()
	consumer := NewConsumer(source, &fakeInserter{}, dedupe, &fakePublisher{}, logger, time.Millisecond)

	done := make(chan struct{})
	go func() {
		consumer.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after cancellation")
	}
	for _, entry := range hook.AllEntries() {
		if entry.Level == log.ErrorLevel {
			t.Fatalf("unexpected error log during shutdown: %s", entry.Message)
		}
	}
}

func TestConsumerProcessInsertsAndPublishes(t *testing.T) {
	store := &fakeInserter{}
	pub := &fakePublisher{}
	consumer, _ := newConsumerForTest(t, store, pub)

	consumer.Process(context.Background(), testJob("ev1", "bob"))

	if store.count() != 1 {
		t.Fatalf("expected 1 inserted row, got %d", store.count())
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected 1 published row, got %d", len(pub.published))
	}
	if pub.published[0].ID != "stored-bob" {
		t.Fatalf("expected the stored row to be published, got %+v", pub.published[0])
	}
}

func TestConsumerProcessDedupesSameEventRecipient(t *testing.T) {
	store := &fakeInserter{}
	pub := &fakePublisher{}
	consumer, _ := newConsumerForTest(t, store, pub)
	ctx := context.Background()

	consumer.Process(ctx, testJob("ev1", "bob"))
	consumer.Process(ctx, testJob("ev1", "bob"))
	consumer.Process(ctx, testJob("ev1", "carol"))
	consumer.Process(ctx, testJob("ev2", "bob"))

	if store.count() != 3 {
		t.Fatalf("expected exactly one row per (event, recipient), got %d", store.count())
	}
}

func TestConsumerProcessInsertFailureRollsBackDedupe(t *testing.T) {
	store := &fakeInserter{err: errors.New("table unavailable")}
	pub := &fakePublisher{}
	consumer, hook := newConsumerForTest(t, store, pub)
	ctx := context.Background()

	consumer.Process(ctx, testJob("ev1", "bob"))
	if len(pub.published) != 0 {
		t.Fatalf("expected nothing published on insert failure")
	}
	foundError := false
	for _, entry := range hook.AllEntries() {
		if entry.Level == log.ErrorLevel {
			foundError = true
		}
	}
	if !foundError {
		t.Fatal("expected insert failure to be logged")
	}

	// After the failure the dedupe entry must be gone so the same event
	// can be dispatched again.
	store.err = nil
	consumer.Process(ctx, testJob("ev1", "bob"))
	if store.count() != 1 {
		t.Fatalf("expected retry to insert, got %d rows", store.count())
	}
}

func TestConsumerProcessDropsSelfNotification(t *testing.T) {
	store := &fakeInserter{}
	pub := &fakePublisher{}
	consumer, _ := newConsumerForTest(t, store, pub)

	job := testJob("ev1", "actor") // recipient equals creator
	consumer.Process(context.Background(), job)

	if store.count() != 0 {
		t.Fatal("expected self-notification job to be dropped before insert")
	}
}

func TestConsumerProcessPublishFailureKeepsRow(t *testing.T) {
	store := &fakeInserter{}
	pub := &fakePublisher{err: errors.New("redis down")}
	consumer, hook := newConsumerForTest(t, store, pub)

	consumer.Process(context.Background(), testJob("ev1", "bob"))

	if store.count() != 1 {
		t.Fatal("expected the row to be persisted despite publish failure")
	}
	foundError := false
	for _, entry := range hook.AllEntries() {
		if entry.Level == log.ErrorLevel {
			foundError = true
		}
	}
	if !foundError {
		t.Fatal("expected publish failure to be logged")
	}
}
