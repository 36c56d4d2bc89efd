package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/google/uuid"

	"taskboard-api/domain"
)

// Storage provides access to underlying persistence mechanisms. Tasks
// are partitioned by owner, comments by task, notifications by
// recipient, profiles by user id.
type Storage struct {
	taskTable         *aztables.Client
	commentTable      *aztables.Client
	notificationTable *aztables.Client
	profileTable      *aztables.Client
	dispatchQueue     *azqueue.QueueClient
	now               func() time.Time
}

// Tables names the table-storage collections the service uses.
type Tables struct {
	Tasks         string
	Comments      string
	Notifications string
	Profiles      string
}

// New creates a Storage instance from the given connection string.
func New(connStr string, tables Tables, dispatchQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	dq, err := azqueue.NewQueueClientFromConnectionString(connStr, dispatchQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		taskTable:         svc.NewClient(tables.Tasks),
		commentTable:      svc.NewClient(tables.Comments),
		notificationTable: svc.NewClient(tables.Notifications),
		profileTable:      svc.NewClient(tables.Profiles),
		dispatchQueue:     dq,
		now:               time.Now,
	}, nil
}

// quoteOData wraps a value as an OData string literal, doubling embedded
// single quotes. Every value spliced into a filter goes through this so a
// crafted identifier cannot terminate the literal and widen the query.
func quoteOData(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

type taskEntity struct {
	aztables.Entity
	Title       string `json:"Title"`
	Description string `json:"Description"`
	StatusID    string `json:"StatusId"`
	ProjectID   string `json:"ProjectId"`
	AssigneeID  string `json:"AssigneeId"`
}

func (e taskEntity) toDomain() domain.Task {
	return domain.Task{
		ID:          e.RowKey,
		Title:       e.Title,
		Description: e.Description,
		StatusID:    e.StatusID,
		ProjectID:   e.ProjectID,
		OwnerID:     e.PartitionKey,
		AssigneeID:  e.AssigneeID,
	}
}

// FetchTasks retrieves all tasks the user owns or is assigned to.
func (s *Storage) FetchTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	filter := "PartitionKey eq " + quoteOData(userID) + " or AssigneeId eq " + quoteOData(userID)
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, storeErr("list tasks", err)
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, storeErr("decode task", err)
			}
			tasks = append(tasks, ent.toDomain())
		}
	}
	return tasks, nil
}

// GetTask looks a task up by id across owner partitions.
func (s *Storage) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	filter := "RowKey eq " + quoteOData(taskID)
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, storeErr("get task", err)
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, storeErr("decode task", err)
			}
			t := ent.toDomain()
			return &t, nil
		}
	}
	return nil, nil
}

// InsertTask persists a new task, assigning its id.
func (s *Storage) InsertTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	ent := taskEntity{
		Entity:      aztables.Entity{PartitionKey: t.OwnerID, RowKey: t.ID},
		Title:       t.Title,
		Description: t.Description,
		StatusID:    t.StatusID,
		ProjectID:   t.ProjectID,
		AssigneeID:  t.AssigneeID,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return domain.Task{}, storeErr("encode task", err)
	}
	if _, err := s.taskTable.AddEntity(ctx, payload, nil); err != nil {
		return domain.Task{}, storeErr("insert task", err)
	}
	return t, nil
}

// UpdateTask merges the patch into the stored task.
func (s *Storage) UpdateTask(ctx context.Context, ownerID, taskID string, patch domain.TaskPatch) error {
	updates := map[string]any{
		"PartitionKey": ownerID,
		"RowKey":       taskID,
	}
	if patch.Title != nil {
		updates["Title"] = *patch.Title
	}
	if patch.Description != nil {
		updates["Description"] = *patch.Description
	}
	if patch.StatusID != nil {
		updates["StatusId"] = *patch.StatusID
	}
	if patch.ProjectID != nil {
		updates["ProjectId"] = *patch.ProjectID
	}
	if patch.AssigneeID != nil {
		updates["AssigneeId"] = *patch.AssigneeID
	}
	payload, err := json.Marshal(updates)
	if err != nil {
		return storeErr("encode task update", err)
	}
	et := azcore.ETagAny
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	return storeErr("update task", err)
}

// DeleteTask removes the task row. Hard delete, no tombstone.
func (s *Storage) DeleteTask(ctx context.Context, ownerID, taskID string) error {
	_, err := s.taskTable.DeleteEntity(ctx, ownerID, taskID, nil)
	return storeErr("delete task", err)
}

type commentEntity struct {
	aztables.Entity
	AuthorID  string `json:"AuthorId"`
	Content   string `json:"Content"`
	CreatedAt int64  `json:"CreatedAt"`
}

// InsertComment persists a new comment, assigning id and creation time.
func (s *Storage) InsertComment(ctx context.Context, c domain.Comment) (domain.Comment, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt == 0 {
		c.CreatedAt = s.now().UnixMilli()
	}
	ent := commentEntity{
		Entity:    aztables.Entity{PartitionKey: c.TaskID, RowKey: c.ID},
		AuthorID:  c.AuthorID,
		Content:   c.Content,
		CreatedAt: c.CreatedAt,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return domain.Comment{}, storeErr("encode comment", err)
	}
	if _, err := s.commentTable.AddEntity(ctx, payload, nil); err != nil {
		return domain.Comment{}, storeErr("insert comment", err)
	}
	return c, nil
}

// ListComments returns a task's comments newest-first.
func (s *Storage) ListComments(ctx context.Context, taskID string) ([]domain.Comment, error) {
	filter := "PartitionKey eq " + quoteOData(taskID)
	pager := s.commentTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	comments := []domain.Comment{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, storeErr("list comments", err)
		}
		for _, raw := range resp.Entities {
			var ent commentEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, storeErr("decode comment", err)
			}
			comments = append(comments, domain.Comment{
				ID:        ent.RowKey,
				TaskID:    ent.PartitionKey,
				AuthorID:  ent.AuthorID,
				Content:   ent.Content,
				CreatedAt: ent.CreatedAt,
			})
		}
	}
	sort.Slice(comments, func(i, j int) bool { return comments[i].CreatedAt > comments[j].CreatedAt })
	return comments, nil
}

type profileEntity struct {
	aztables.Entity
	Name      string `json:"Name"`
	AvatarURL string `json:"AvatarUrl"`
}

// GetProfile fetches a user's display identity.
func (s *Storage) GetProfile(ctx context.Context, userID string) (domain.Profile, error) {
	ent, err := s.profileTable.GetEntity(ctx, userID, userID, nil)
	if err != nil {
		return domain.Profile{}, storeErr("get profile", err)
	}
	var raw profileEntity
	if err := json.Unmarshal(ent.Value, &raw); err != nil {
		return domain.Profile{}, storeErr("decode profile", err)
	}
	return domain.Profile{ID: userID, Name: raw.Name, AvatarURL: raw.AvatarURL}, nil
}
