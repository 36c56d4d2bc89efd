package notify

import (
	"errors"

	"taskboard-api/domain"
)

// Job is one notification awaiting persistence and fan-out. EventID ties
// every job produced by the same mutation together so the deduper can
// enforce one row per (event, recipient).
type Job struct {
	EventID      string              `json:"eventId"`
	Notification domain.Notification `json:"notification"`
}

var errInvalidJob = errors.New("dispatch job missing event id or recipient")

func (j Job) validate() error {
	if j.EventID == "" || j.Notification.RecipientID == "" {
		return errInvalidJob
	}
	return nil
}

// Channel names the Redis channel carrying a recipient's notification
// inserts. The subscription side must use the same naming.
func Channel(recipientID string) string {
	return "notifications:" + recipientID
}
