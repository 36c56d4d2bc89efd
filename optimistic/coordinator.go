package optimistic

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
)

// Store performs the real mutations against the backing collection.
type Store interface {
	FetchTasks(ctx context.Context, userID string) ([]domain.Task, error)
	InsertTask(ctx context.Context, t domain.Task) (domain.Task, error)
	UpdateTask(ctx context.Context, ownerID, taskID string, patch domain.TaskPatch) error
	DeleteTask(ctx context.Context, ownerID, taskID string) error
}

// EventSink receives the mutation events a successful commit produces,
// feeding the notification dispatch rules. Best-effort: the sink must
// never fail the mutation.
type EventSink interface {
	Emit(ev domain.Event)
}

// Op tags a task change.
type Op int

const (
	OpCreate Op = iota
	OpUpdate
	OpDelete
)

// Change describes one task mutation.
type Change struct {
	Op     Op
	TaskID string           // update, delete
	Draft  domain.Task      // create
	Patch  domain.TaskPatch // update
}

// TaskView is a task with display fields denormalized from loaded
// reference data.
type TaskView struct {
	domain.Task
	StatusName  string `json:"statusName"`
	ProjectName string `json:"projectName"`
}

var (
	ErrUnknownTask     = errors.New("task not in local collection")
	ErrMutationSettled = errors.New("mutation already settled")
)

// Coordinator keeps one user session's locally cached task collection in
// step with the store: mutations apply a provisional state immediately,
// then reconcile on success or restore the exact pre-mutation snapshot
// on failure. The local collection has a single writer; concurrent
// refetches are generation-checked so a stale response never clobbers a
// newer optimistic value.
type Coordinator struct {
	store    Store
	sink     EventSink
	logger   *log.Logger
	actorID  string
	statuses map[string]string
	projects map[string]string

	mu    sync.Mutex
	tasks []TaskView
	gen   uint64
}

// NewCoordinator creates a coordinator for one user session. statuses
// and projects are the already-loaded reference entities used to
// denormalize display names onto provisional records.
func NewCoordinator(store Store, sink EventSink, logger *log.Logger, actorID string, statuses []domain.Status, projects []domain.Project) *Coordinator {
	sm := make(map[string]string, len(statuses))
	for _, s := range statuses {
		sm[s.ID] = s.Name
	}
	pm := make(map[string]string, len(projects))
	for _, p := range projects {
		pm[p.ID] = p.Name
	}
	return &Coordinator{
		store:    store,
		sink:     sink,
		logger:   logger,
		actorID:  actorID,
		statuses: sm,
		projects: pm,
	}
}

// Load replaces the local collection with server truth.
func (c *Coordinator) Load(ctx context.Context) error {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	return c.refetch(ctx, gen)
}

// Tasks returns a snapshot of the local collection.
func (c *Coordinator) Tasks() []TaskView {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TaskView, len(c.tasks))
	copy(out, c.tasks)
	return out
}

// Mutation is one in-flight optimistic change: the provisional state is
// already applied locally; Commit issues the real mutation and Rollback
// restores the exact pre-mutation snapshot.
type Mutation struct {
	c           *Coordinator
	change      Change
	snapshot    []TaskView
	provisional domain.Task
	settled     bool
}

// Mutate snapshots the current collection state (optimistic state
// included, so a second mutation on the same key snapshots last-writer-
// wins), synthesizes the provisional record and applies it immediately.
// Bumping the generation ignores any in-flight refetch whose result
// would clobber the provisional value.
func (c *Coordinator) Mutate(change Change) (*Mutation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := &Mutation{c: c, change: change}
	m.snapshot = make([]TaskView, len(c.tasks))
	copy(m.snapshot, c.tasks)
	c.gen++

	switch change.Op {
	case OpCreate:
		draft := change.Draft
		draft.ID = "tmp-" + uuid.NewString()
		draft.OwnerID = c.actorID
		m.provisional = draft
		c.tasks = append(c.tasks, c.view(draft))
	case OpUpdate:
		idx := c.indexOf(change.TaskID)
		if idx < 0 {
			return nil, ErrUnknownTask
		}
		merged := change.Patch.Apply(c.tasks[idx].Task)
		m.provisional = merged
		c.tasks[idx] = c.view(merged)
	case OpDelete:
		idx := c.indexOf(change.TaskID)
		if idx < 0 {
			return nil, ErrUnknownTask
		}
		m.provisional = c.tasks[idx].Task
		c.tasks = append(c.tasks[:idx:idx], c.tasks[idx+1:]...)
	default:
		return nil, errors.New("unknown mutation op")
	}
	return m, nil
}

// Commit issues the real mutation. On success the provisional state is
// discarded in favor of a refetch of server truth and any assignment
// change is fed to the dispatch sink; on failure the pre-mutation
// snapshot is restored and the error returned.
func (m *Mutation) Commit(ctx context.Context) error {
	if m.settled {
		return ErrMutationSettled
	}
	m.settled = true
	c := m.c

	var err error
	switch m.change.Op {
	case OpCreate:
		draft := m.provisional
		tmpID := draft.ID
		draft.ID = "" // the store assigns the real identifier
		var created domain.Task
		created, err = c.store.InsertTask(ctx, draft)
		if err == nil {
			c.replace(tmpID, created)
		}
	case OpUpdate:
		err = c.store.UpdateTask(ctx, m.provisional.OwnerID, m.provisional.ID, m.change.Patch)
	case OpDelete:
		err = c.store.DeleteTask(ctx, m.provisional.OwnerID, m.provisional.ID)
	}
	if err != nil {
		c.restore(m.snapshot)
		return err
	}

	if m.change.Op == OpUpdate {
		c.emitAssignment(m.change.Patch, m.provisional)
	}

	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	if rerr := c.refetch(ctx, gen); rerr != nil {
		// The mutation itself succeeded; the collection reconciles on the
		// next refresh.
		c.logger.WithError(rerr).Warn("post-commit refetch failed")
	}
	return nil
}

// Rollback restores the exact pre-mutation snapshot. It is a no-op once
// the mutation settled.
func (m *Mutation) Rollback() {
	if m.settled {
		return
	}
	m.settled = true
	m.c.restore(m.snapshot)
}

func (c *Coordinator) emitAssignment(patch domain.TaskPatch, after domain.Task) {
	if c.sink == nil || patch.AssigneeID == nil {
		return
	}
	assignee := *patch.AssigneeID
	if assignee == "" || assignee == c.actorID {
		return
	}
	c.sink.Emit(domain.TaskUpdatedEvent{
		TaskID:     after.ID,
		TaskTitle:  after.Title,
		ActorID:    c.actorID,
		Candidates: []string{assignee},
	})
}

// replace swaps the provisional row for the stored one so the temporary
// id never outlives the insert, even when the follow-up refetch fails.
func (c *Coordinator) replace(oldID string, t domain.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.indexOf(oldID)
	if idx < 0 {
		return
	}
	c.gen++
	c.tasks[idx] = c.view(t)
}

func (c *Coordinator) restore(snapshot []TaskView) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.tasks = make([]TaskView, len(snapshot))
	copy(c.tasks, snapshot)
}

// refetch pulls server truth and installs it unless a newer local write
// superseded the fetch while it was in flight.
func (c *Coordinator) refetch(ctx context.Context, gen uint64) error {
	rows, err := c.store.FetchTasks(ctx, c.actorID)
	if err != nil {
		return err
	}
	views := make([]TaskView, 0, len(rows))
	for _, t := range rows {
		views = append(views, c.view(t))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		// Superseded: a mutation landed after this fetch started.
		return nil
	}
	c.tasks = views
	return nil
}

func (c *Coordinator) view(t domain.Task) TaskView {
	return TaskView{
		Task:        t,
		StatusName:  c.statuses[t.StatusID],
		ProjectName: c.projects[t.ProjectID],
	}
}

func (c *Coordinator) indexOf(taskID string) int {
	for i := range c.tasks {
		if c.tasks[i].ID == taskID {
			return i
		}
	}
	return -1
}
