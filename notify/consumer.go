package notify

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
	"taskboard-api/storage"
)

// Inserter persists notification rows.
type Inserter interface {
	InsertNotification(ctx context.Context, n domain.Notification) (domain.Notification, error)
}

// Publisher pushes an inserted row to the recipient's realtime channel.
type Publisher interface {
	Publish(ctx context.Context, n domain.Notification) error
}

// JobSource is the dequeue side of the dispatch queue.
type JobSource interface {
	DequeueDispatchJob(ctx context.Context) (*storage.DequeuedJob, error)
	DeleteDispatchJob(ctx context.Context, messageID, popReceipt string) error
}

// Consumer drains the dispatch queue: dedupe, insert, publish. Every
// failure is logged and the message acknowledged anyway; there is no
// retry policy, and a dispatch failure never touches the mutation that
// produced the job.
type Consumer struct {
	source   JobSource
	store    Inserter
	dedupe   Deduper
	pub      Publisher
	logger   *log.Logger
	pollWait time.Duration
}

// NewConsumer wires a consumer. pollWait bounds the idle sleep between
// empty dequeues.
func NewConsumer(source JobSource, store Inserter, dedupe Deduper, pub Publisher, logger *log.Logger, pollWait time.Duration) *Consumer {
	if pollWait <= 0 {
		pollWait = time.Second
	}
	return &Consumer{
		source:   source,
		store:    store,
		dedupe:   dedupe,
		pub:      pub,
		logger:   logger,
		pollWait: pollWait,
	}
}

// Run polls the queue until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := c.source.DequeueDispatchJob(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				// Shutdown interrupted the poll; nothing went wrong.
				return
			}
			c.logger.WithError(err).Error("dequeue dispatch job")
			c.sleep(ctx)
			continue
		}
		if msg == nil {
			c.sleep(ctx)
			continue
		}

		var job Job
		if err := sonic.Unmarshal(msg.Payload, &job); err != nil {
			c.logger.WithError(err).Error("parse dispatch job")
		} else {
			c.Process(ctx, job)
		}

		if err := c.source.DeleteDispatchJob(ctx, msg.MessageID, msg.PopReceipt); err != nil {
			c.logger.WithError(err).Error("ack dispatch job")
		}
	}
}

// Process runs one job through dedupe, insert and publish.
func (c *Consumer) Process(ctx context.Context, job Job) {
	if err := job.validate(); err != nil {
		c.logger.WithError(err).Warn("dropping invalid dispatch job")
		return
	}
	recipient := job.Notification.RecipientID
	if job.Notification.CreatorID == recipient {
		// The dispatch rules never produce these; a forged or corrupted
		// job must not become a self-notification.
		c.logger.WithFields(log.Fields{"event": job.EventID, "recipient": recipient}).
			Warn("dropping self-notification job")
		return
	}

	added, err := c.dedupe.Add(ctx, job.EventID, recipient)
	if err != nil {
		c.logger.WithError(err).Warn("dispatch dedupe unavailable; proceeding")
	} else if !added {
		c.logger.WithFields(log.Fields{"event": job.EventID, "recipient": recipient}).
			Debug("duplicate dispatch job skipped")
		return
	}

	stored, err := c.store.InsertNotification(ctx, job.Notification)
	if err != nil {
		if rerr := c.dedupe.Remove(ctx, job.EventID, recipient); rerr != nil {
			c.logger.WithError(rerr).Error("dedupe rollback failed")
		}
		c.logger.WithError(err).Errorf("insert notification failed, event: %s, recipient: %s",
			job.EventID, recipient)
		return
	}

	if err := c.pub.Publish(ctx, stored); err != nil {
		c.logger.WithError(err).Errorf("publish notification failed, id: %s", stored.ID)
	}
}

func (c *Consumer) sleep(ctx context.Context) {
	timer := time.NewTimer(c.pollWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
