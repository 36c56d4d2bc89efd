package domain

// Dispatch maps a mutation event to the notification rows that should be
// persisted for it, one per eligible recipient. It is pure: no I/O, no
// clock, no ids. An empty result is valid output, not an error.
//
// A recipient is never the actor. For comment events the candidates are
// the task owner and assignee, deduplicated and minus the author, and a
// notification is produced only when the commenting actor is the task
// owner. That restriction is intentional, carried from the product rules
// this service replaces.
func Dispatch(ev Event) []Notification {
	switch e := ev.(type) {
	case TaskUpdatedEvent:
		return dispatchTaskUpdated(e)
	case TaskAssignedEvent:
		return dispatchTaskAssigned(e)
	case CommentAddedEvent:
		return dispatchCommentAdded(e)
	default:
		return nil
	}
}

func dispatchTaskUpdated(e TaskUpdatedEvent) []Notification {
	var out []Notification
	for _, recipient := range dedupe(e.Candidates) {
		if recipient == "" || recipient == e.ActorID {
			continue
		}
		out = append(out, Notification{
			RecipientID: recipient,
			CreatorID:   e.ActorID,
			Message:     `Task "` + e.TaskTitle + `" has been updated`,
			Type:        TypeTaskUpdated,
			ReferenceID: e.TaskID,
		})
	}
	return out
}

func dispatchTaskAssigned(e TaskAssignedEvent) []Notification {
	if e.AssigneeID == "" || e.AssigneeID == e.ActorID {
		return nil
	}
	return []Notification{{
		RecipientID: e.AssigneeID,
		CreatorID:   e.ActorID,
		Message:     "You've been assigned to the task: " + e.TaskTitle,
		Type:        TypeTaskAssigned,
		ReferenceID: e.TaskID,
	}}
}

func dispatchCommentAdded(e CommentAddedEvent) []Notification {
	if e.ActorID != e.OwnerID {
		return nil
	}
	candidates := []string{e.OwnerID}
	if e.AssigneeID != "" {
		candidates = append(candidates, e.AssigneeID)
	}
	var out []Notification
	for _, recipient := range dedupe(candidates) {
		if recipient == e.ActorID {
			continue
		}
		out = append(out, Notification{
			RecipientID: recipient,
			CreatorID:   e.ActorID,
			Message:     "New comment on your task: " + e.TaskTitle,
			Type:        TypeCommentAdded,
			ReferenceID: e.TaskID,
		})
	}
	return out
}

func dedupe(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
