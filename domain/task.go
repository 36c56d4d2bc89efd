package domain

// Task represents a unit of work on the board. Owner is set at creation
// and never changes; the assignee may be empty or any user id, including
// the owner.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	StatusID    string `json:"statusId"`
	ProjectID   string `json:"projectId"`
	OwnerID     string `json:"userId"`
	AssigneeID  string `json:"assigneeId,omitempty"`
}

// Comment belongs to exactly one task and is immutable after creation.
type Comment struct {
	ID        string `json:"id"`
	TaskID    string `json:"taskId"`
	AuthorID  string `json:"userId"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
}

// Profile is a user's public display identity, owned by the account
// management collaborator. Read-only here.
type Profile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Status is a reference entity tasks point at instead of carrying a
// free-text status string.
type Status struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Project groups tasks and, like Status, is referenced by id.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
