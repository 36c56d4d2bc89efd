package notify

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

// JobQueue is the durable hand-off between the API process and the
// dispatch consumer.
type JobQueue interface {
	EnqueueDispatchJob(ctx context.Context, payload []byte) error
}

// SenderConfig tunes the in-process buffer in front of the queue.
type SenderConfig struct {
	Workers        int
	Buffer         int
	EnqueueTimeout time.Duration
	HandoffTimeout time.Duration
}

func (c SenderConfig) withDefaults() SenderConfig {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 30 * time.Second
	}
	if c.HandoffTimeout < 0 {
		c.HandoffTimeout = 0
	}
	return c
}

// Sender buffers dispatch jobs and pushes them to the job queue from a
// bounded worker pool. Notification dispatch is a best-effort side
// channel: Send never fails the caller, and queue errors are logged and
// swallowed.
type Sender struct {
	cfg    SenderConfig
	queue  JobQueue
	logger *log.Logger

	jobs     chan Job
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSender creates and starts a sender.
func NewSender(cfg SenderConfig, queue JobQueue, logger *log.Logger) *Sender {
	if queue == nil {
		panic("notify.NewSender: queue is nil")
	}
	if logger == nil {
		panic("notify.NewSender: logger is nil")
	}
	cfg = cfg.withDefaults()
	s := &Sender{
		cfg:    cfg,
		queue:  queue,
		logger: logger,
		jobs:   make(chan Job, cfg.Buffer),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	logger.Infof("notification sender started, workers: %d, buffer: %d", cfg.Workers, cfg.Buffer)
	return s
}

// Send hands the jobs off for dispatch. When the buffer is saturated the
// job is pushed to the queue inline so the mutation path stays bounded.
func (s *Sender) Send(jobs ...Job) {
	for _, job := range jobs {
		if err := job.validate(); err != nil {
			s.logger.WithError(err).Warn("dropping invalid dispatch job")
			continue
		}
		if s.tryBuffer(job) {
			continue
		}
		s.logger.Warn("dispatch buffer saturated; enqueueing inline")
		s.push(job)
	}
}

func (s *Sender) tryBuffer(job Job) bool {
	select {
	case s.jobs <- job:
		return true
	default:
	}
	if s.cfg.HandoffTimeout <= 0 {
		return false
	}
	timer := time.NewTimer(s.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case s.jobs <- job:
		return true
	case <-timer.C:
		return false
	}
}

func (s *Sender) worker() {
	defer s.wg.Done()
	for job := range s.jobs {
		s.push(job)
	}
}

func (s *Sender) push(job Job) {
	payload, err := sonic.Marshal(job)
	if err != nil {
		s.logger.WithError(err).Error("marshal dispatch job")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.EnqueueTimeout)
	defer cancel()
	if err := s.queue.EnqueueDispatchJob(ctx, payload); err != nil {
		s.logger.WithError(err).Errorf("enqueue dispatch job failed, event: %s, recipient: %s",
			job.EventID, job.Notification.RecipientID)
	}
}

// Close drains the buffer and stops the workers.
func (s *Sender) Close() {
	s.stopOnce.Do(func() {
		close(s.jobs)
		s.wg.Wait()
	})
}
