package storage

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"

	"taskboard-api/domain"
)

type notificationEntity struct {
	aztables.Entity
	CreatorID   string `json:"CreatorId"`
	Message     string `json:"Message"`
	Type        string `json:"Type"`
	ReferenceID string `json:"ReferenceId"`
	Read        bool   `json:"Read"`
	CreatedAt   int64  `json:"CreatedAt"`
}

func (e notificationEntity) toDomain() domain.Notification {
	return domain.Notification{
		ID:          e.RowKey,
		RecipientID: e.PartitionKey,
		CreatorID:   e.CreatorID,
		Message:     e.Message,
		Type:        e.Type,
		ReferenceID: e.ReferenceID,
		Read:        e.Read,
		CreatedAt:   e.CreatedAt,
	}
}

// InsertNotification persists a notification row, assigning id and
// creation time, and returns the stored row.
func (s *Storage) InsertNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt == 0 {
		n.CreatedAt = s.now().UnixMilli()
	}
	ent := notificationEntity{
		Entity:      aztables.Entity{PartitionKey: n.RecipientID, RowKey: n.ID},
		CreatorID:   n.CreatorID,
		Message:     n.Message,
		Type:        n.Type,
		ReferenceID: n.ReferenceID,
		Read:        n.Read,
		CreatedAt:   n.CreatedAt,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return domain.Notification{}, storeErr("encode notification", err)
	}
	if _, err := s.notificationTable.AddEntity(ctx, payload, nil); err != nil {
		return domain.Notification{}, storeErr("insert notification", err)
	}
	return n, nil
}

// ListNotifications returns the user's notifications most-recent-first,
// capped at limit when limit is positive. The recipient filter is applied
// server-side; rows for other users are never returned.
func (s *Storage) ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	filter := "PartitionKey eq " + quoteOData(userID)
	pager := s.notificationTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	notifications := []domain.Notification{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, storeErr("list notifications", err)
		}
		for _, raw := range resp.Entities {
			var ent notificationEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, storeErr("decode notification", err)
			}
			notifications = append(notifications, ent.toDomain())
		}
	}
	sort.Slice(notifications, func(i, j int) bool {
		return notifications[i].CreatedAt > notifications[j].CreatedAt
	})
	if limit > 0 && len(notifications) > limit {
		notifications = notifications[:limit]
	}
	return notifications, nil
}

// MarkRead flips one notification's read flag. The recipient scope is
// part of the key, so a user cannot mark another user's rows.
func (s *Storage) MarkRead(ctx context.Context, userID, notificationID string) error {
	updates := map[string]any{
		"PartitionKey": userID,
		"RowKey":       notificationID,
		"Read":         true,
	}
	payload, err := json.Marshal(updates)
	if err != nil {
		return storeErr("encode mark read", err)
	}
	et := azcore.ETagAny
	_, err = s.notificationTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	return storeErr("mark read", err)
}

// MarkAllRead marks every currently-unread notification for the user and
// returns how many rows transitioned. A row inserted concurrently may
// stay unread until the next call; that race is acceptable.
func (s *Storage) MarkAllRead(ctx context.Context, userID string) (int, error) {
	filter := "PartitionKey eq " + quoteOData(userID) + " and Read eq false"
	pager := s.notificationTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	marked := 0
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return marked, storeErr("list unread", err)
		}
		for _, raw := range resp.Entities {
			var ent notificationEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return marked, storeErr("decode notification", err)
			}
			if err := s.MarkRead(ctx, userID, ent.RowKey); err != nil {
				return marked, err
			}
			marked++
		}
	}
	return marked, nil
}

// UnreadCount returns how many of the user's notifications are unread.
func (s *Storage) UnreadCount(ctx context.Context, userID string) (int, error) {
	filter := "PartitionKey eq " + quoteOData(userID) + " and Read eq false"
	pager := s.notificationTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	count := 0
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return 0, storeErr("count unread", err)
		}
		count += len(resp.Entities)
	}
	return count, nil
}

// EnqueueDispatchJob hands a serialized notification job to the dispatch
// queue.
func (s *Storage) EnqueueDispatchJob(ctx context.Context, payload []byte) error {
	if _, err := s.dispatchQueue.EnqueueMessage(ctx, string(payload), nil); err != nil {
		return storeErr("enqueue dispatch job", err)
	}
	return nil
}

// DequeuedJob is one raw message pulled off the dispatch queue.
type DequeuedJob struct {
	Payload    []byte
	MessageID  string
	PopReceipt string
}

// DequeueDispatchJob pulls at most one job. A nil job with a nil error
// means the queue was empty.
func (s *Storage) DequeueDispatchJob(ctx context.Context) (*DequeuedJob, error) {
	resp, err := s.dispatchQueue.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, storeErr("dequeue dispatch job", err)
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	msg := resp.Messages[0]
	if msg.MessageText == nil || msg.MessageID == nil || msg.PopReceipt == nil {
		return nil, nil
	}
	return &DequeuedJob{
		Payload:    []byte(*msg.MessageText),
		MessageID:  *msg.MessageID,
		PopReceipt: *msg.PopReceipt,
	}, nil
}

// DeleteDispatchJob acknowledges a processed job.
func (s *Storage) DeleteDispatchJob(ctx context.Context, messageID, popReceipt string) error {
	if _, err := s.dispatchQueue.DeleteMessage(ctx, messageID, popReceipt, nil); err != nil {
		return storeErr("delete dispatch job", err)
	}
	return nil
}
