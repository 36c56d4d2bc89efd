package notify

import (
	"testing"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard-api/domain"
)

func TestDispatcherEmitFansOutPerRecipient(t *testing.T) {
	queue := &captureQueue{}
	logger, _ := test.NewNullLogger()
	sender := NewSender(SenderConfig{Workers: 1, Buffer: 8}, queue, logger)
	dispatcher := NewDispatcher(sender, logger)

	dispatcher.Emit(domain.TaskUpdatedEvent{
		TaskID:     "t1",
		TaskTitle:  "Shared",
		ActorID:    "alice",
		Candidates: []string{"bob", "carol"},
	})
	sender.Close()

	if queue.count() != 2 {
		t.Fatalf("expected one job per recipient, got %d", queue.count())
	}
	var first, second Job
	if err := sonic.Unmarshal(queue.payloads[0], &first); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if err := sonic.Unmarshal(queue.payloads[1], &second); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if first.EventID == "" || first.EventID != second.EventID {
		t.Fatalf("expected a shared event id, got %q and %q", first.EventID, second.EventID)
	}
}

func TestDispatcherEmitDropsMalformedEvent(t *testing.T) {
	queue := &captureQueue{}
	logger, hook := test.NewNullLogger()
	sender := NewSender(SenderConfig{Workers: 1, Buffer: 8}, queue, logger)
	dispatcher := NewDispatcher(sender, logger)

	dispatcher.Emit(domain.TaskUpdatedEvent{TaskTitle: "no ids"})
	sender.Close()

	if queue.count() != 0 {
		t.Fatalf("expected nothing queued, got %d", queue.count())
	}
	found := false
	for _, entry := range hook.AllEntries() {
		if entry.Level == log.WarnLevel {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a warning for the dropped event")
	}
}

func TestDispatcherEmitSuppressedEventQueuesNothing(t *testing.T) {
	queue := &captureQueue{}
	logger, _ := test.NewNullLogger()
	sender := NewSender(SenderConfig{Workers: 1, Buffer: 8}, queue, logger)
	dispatcher := NewDispatcher(sender, logger)

	// Self-assignment dispatches to nobody.
	dispatcher.Emit(domain.TaskAssignedEvent{
		TaskID:     "t1",
		TaskTitle:  "Mine",
		ActorID:    "alice",
		AssigneeID: "alice",
	})
	sender.Close()

	if queue.count() != 0 {
		t.Fatalf("expected no jobs for a fully suppressed event, got %d", queue.count())
	}
}
