package notify

import (
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
)

// Dispatcher expands mutation events into per-recipient dispatch jobs
// and hands them to the sender. All jobs of one Emit call share an event
// id so redelivered queue messages collapse to one notification per
// recipient.
type Dispatcher struct {
	sender *Sender
	logger *log.Logger
}

func NewDispatcher(sender *Sender, logger *log.Logger) *Dispatcher {
	if sender == nil {
		panic("notify: nil sender")
	}
	if logger == nil {
		panic("notify: nil logger")
	}
	return &Dispatcher{sender: sender, logger: logger}
}

// Emit runs the dispatch rules for one event. Malformed events are
// logged and dropped; dispatch is best-effort and never surfaces an
// error to the caller.
func (d *Dispatcher) Emit(ev domain.Event) {
	if err := ev.Validate(); err != nil {
		d.logger.WithError(err).WithField("kind", ev.Kind()).Warn("dropping malformed event")
		return
	}
	rows := domain.Dispatch(ev)
	if len(rows) == 0 {
		return
	}
	eventID := uuid.NewString()
	jobs := make([]Job, 0, len(rows))
	for _, n := range rows {
		jobs = append(jobs, Job{EventID: eventID, Notification: n})
	}
	d.sender.Send(jobs...)
}
