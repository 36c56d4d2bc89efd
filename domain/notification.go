package domain

// Notification type tags.
const (
	TypeTaskAssigned = "task_assigned"
	TypeTaskUpdated  = "task_updated"
	TypeCommentAdded = "comment_added"
)

// Notification is one alert to one recipient. RecipientID is never the
// CreatorID that triggered it; the dispatch rules enforce that before
// anything is persisted. ID and CreatedAt are assigned on insert.
type Notification struct {
	ID          string `json:"id"`
	RecipientID string `json:"userId"`
	CreatorID   string `json:"creatorId"`
	Message     string `json:"message"`
	Type        string `json:"type"`
	ReferenceID string `json:"referenceId"`
	Read        bool   `json:"read"`
	CreatedAt   int64  `json:"createdAt"`
}
