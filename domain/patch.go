package domain

// TaskPatch carries the changed fields of a task update. Nil fields are
// left untouched on merge.
type TaskPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	StatusID    *string `json:"statusId,omitempty"`
	ProjectID   *string `json:"projectId,omitempty"`
	AssigneeID  *string `json:"assigneeId,omitempty"`
}

// Apply merges the patch into a copy of t. The owner is immutable and is
// never part of a patch.
func (p TaskPatch) Apply(t Task) Task {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.StatusID != nil {
		t.StatusID = *p.StatusID
	}
	if p.ProjectID != nil {
		t.ProjectID = *p.ProjectID
	}
	if p.AssigneeID != nil {
		t.AssigneeID = *p.AssigneeID
	}
	return t
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.StatusID == nil &&
		p.ProjectID == nil && p.AssigneeID == nil
}
