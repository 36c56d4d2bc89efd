package domain

import "errors"

// Event kinds.
const (
	KindTaskUpdated  = "task-updated"
	KindTaskAssigned = "task-assigned"
	KindCommentAdded = "comment-added"
)

var (
	ErrMissingTaskID  = errors.New("event missing task id")
	ErrMissingActorID = errors.New("event missing actor id")
	ErrMissingOwnerID = errors.New("event missing task owner id")
)

// Event is one of the tagged mutation-event variants the dispatch rules
// understand. Malformed events are rejected by Validate at the boundary
// instead of being duck-typed through.
type Event interface {
	Kind() string
	Validate() error
}

// TaskUpdatedEvent records that an existing task changed. Candidates
// lists every user id eligible for notification before self-suppression.
type TaskUpdatedEvent struct {
	TaskID     string
	TaskTitle  string
	ActorID    string
	Candidates []string
}

func (TaskUpdatedEvent) Kind() string { return KindTaskUpdated }

func (e TaskUpdatedEvent) Validate() error {
	if e.TaskID == "" {
		return ErrMissingTaskID
	}
	if e.ActorID == "" {
		return ErrMissingActorID
	}
	return nil
}

// TaskAssignedEvent records that a task gained an assignee.
type TaskAssignedEvent struct {
	TaskID     string
	TaskTitle  string
	ActorID    string
	AssigneeID string
}

func (TaskAssignedEvent) Kind() string { return KindTaskAssigned }

func (e TaskAssignedEvent) Validate() error {
	if e.TaskID == "" {
		return ErrMissingTaskID
	}
	if e.ActorID == "" {
		return ErrMissingActorID
	}
	return nil
}

// CommentAddedEvent records a new comment on a task. OwnerID is the task
// owner; AssigneeID may be empty.
type CommentAddedEvent struct {
	TaskID     string
	TaskTitle  string
	ActorID    string
	OwnerID    string
	AssigneeID string
}

func (CommentAddedEvent) Kind() string { return KindCommentAdded }

func (e CommentAddedEvent) Validate() error {
	if e.TaskID == "" {
		return ErrMissingTaskID
	}
	if e.ActorID == "" {
		return ErrMissingActorID
	}
	if e.OwnerID == "" {
		return ErrMissingOwnerID
	}
	return nil
}
