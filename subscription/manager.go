package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
	"taskboard-api/notify"
)

// State of a manager's subscription.
type State int32

const (
	Disconnected State = iota
	Connecting
	Subscribed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

// PlaceholderActor is shown when enrichment fails; an enrichment failure
// must never drop the notification itself.
const PlaceholderActor = "Unknown user"

// Item is a notification enriched with the actor's display name.
type Item struct {
	domain.Notification
	ActorName string `json:"actorName"`
}

// Lister provides the initial notification fetch.
type Lister interface {
	ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error)
}

// ProfileFetcher resolves an actor's display profile.
type ProfileFetcher interface {
	GetProfile(ctx context.Context, userID string) (domain.Profile, error)
}

var errAlreadyOpen = errors.New("subscription already open")

// Manager maintains one live subscription to notification inserts for
// one user session. It is a session-bound handle: create on entry,
// Close on exit. All local state transitions are pure functions of
// (previous state, event), applied by a single consumer loop, so
// interleaving with reads is safe.
type Manager struct {
	rc       *redis.Client
	store    Lister
	profiles ProfileFetcher
	logger   *log.Logger
	limit    int

	mu      sync.Mutex
	state   State
	userID  string
	items   []Item
	unread  int
	loading bool
	lastErr error
	sub     *redis.PubSub
	cancel  context.CancelFunc
	done    chan struct{}
	updates chan struct{}
}

// NewManager creates a closed manager. limit caps the initial fetch.
func NewManager(rc *redis.Client, store Lister, profiles ProfileFetcher, logger *log.Logger, limit int) *Manager {
	if limit <= 0 {
		limit = 20
	}
	return &Manager{
		rc:       rc,
		store:    store,
		profiles: profiles,
		logger:   logger,
		limit:    limit,
		updates:  make(chan struct{}, 1),
	}
}

// Open fetches the user's current notifications and subscribes to their
// insert channel. Opening for a different user tears down the previous
// subscription first; opening twice for the same live session is an
// error. Failed opens leave the manager Disconnected with the error
// retrievable from Err; there is no automatic retry.
func (m *Manager) Open(ctx context.Context, userID string) error {
	m.mu.Lock()
	if m.state != Disconnected {
		if m.userID == userID {
			m.mu.Unlock()
			return errAlreadyOpen
		}
		m.mu.Unlock()
		m.Close()
		m.mu.Lock()
	}
	m.state = Connecting
	m.userID = userID
	m.loading = true
	m.lastErr = nil
	m.items = nil
	m.unread = 0
	m.mu.Unlock()

	rows, err := m.store.ListNotifications(ctx, userID, m.limit)
	if err != nil {
		m.fail(err)
		return err
	}
	items := make([]Item, 0, len(rows))
	unread := 0
	names := make(map[string]string, len(rows))
	for _, row := range rows {
		items = append(items, Item{Notification: row, ActorName: m.actorName(ctx, names, row.CreatorID)})
		if !row.Read {
			unread++
		}
	}

	sub := m.rc.Subscribe(ctx, notify.Channel(userID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		m.fail(err)
		return err
	}

	consumeCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	m.items = items
	m.unread = unread
	m.sub = sub
	m.cancel = cancel
	m.done = done
	m.loading = false
	m.state = Subscribed
	m.mu.Unlock()

	go m.consume(consumeCtx, sub.Channel(), done)
	return nil
}

// consume applies inserted rows to local state in arrival order.
func (m *Manager) consume(ctx context.Context, ch <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					// Close tore the subscription down; not a failure.
					return
				}
				// Channel loss is surfaced as a persistent error; no
				// auto-reconnect.
				m.fail(errors.New("notification stream closed"))
				return
			}
			var row domain.Notification
			if err := json.Unmarshal([]byte(msg.Payload), &row); err != nil {
				m.logger.WithError(err).Error("parse notification event")
				continue
			}
			m.apply(ctx, row)
		}
	}
}

// apply merges one inserted row: dedupe by id, enrich, prepend, count.
func (m *Manager) apply(ctx context.Context, row domain.Notification) {
	name := m.actorName(ctx, nil, row.CreatorID)

	m.mu.Lock()
	for _, it := range m.items {
		if it.ID == row.ID {
			m.mu.Unlock()
			return
		}
	}
	m.items = append([]Item{{Notification: row, ActorName: name}}, m.items...)
	if !row.Read {
		m.unread++
	}
	m.mu.Unlock()

	select {
	case m.updates <- struct{}{}:
	default:
	}
}

func (m *Manager) actorName(ctx context.Context, cache map[string]string, creatorID string) string {
	if creatorID == "" {
		return PlaceholderActor
	}
	if cache != nil {
		if name, ok := cache[creatorID]; ok {
			return name
		}
	}
	profile, err := m.profiles.GetProfile(ctx, creatorID)
	if err != nil || profile.Name == "" {
		if err != nil {
			m.logger.WithError(err).WithField("user", creatorID).Debug("profile enrichment failed")
		}
		return PlaceholderActor
	}
	if cache != nil {
		cache[creatorID] = profile.Name
	}
	return profile.Name
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.loading = false
	m.state = Disconnected
	m.mu.Unlock()

	// Wake anyone waiting on Updates so the failure is observed.
	select {
	case m.updates <- struct{}{}:
	default:
	}
}

// Close releases the subscription. Idempotent; safe to call on a manager
// that never subscribed.
func (m *Manager) Close() {
	m.mu.Lock()
	sub := m.sub
	cancel := m.cancel
	done := m.done
	m.sub = nil
	m.cancel = nil
	m.done = nil
	m.state = Disconnected
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		if err := sub.Close(); err != nil {
			m.logger.WithError(err).Debug("close subscription")
		}
	}
	if done != nil {
		<-done
	}
}

// Notifications returns a snapshot of the local list, most recent first.
func (m *Manager) Notifications() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Item, len(m.items))
	copy(out, m.items)
	return out
}

// UnreadCount returns the current local unread counter.
func (m *Manager) UnreadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unread
}

// State reports the subscription state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Loading reports whether the initial fetch is still in flight.
func (m *Manager) Loading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loading
}

// Err returns the error that put the manager into Disconnected, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Updates signals (coalesced) whenever a new row was merged. Intended
// for stream handlers that re-send the snapshot on change.
func (m *Manager) Updates() <-chan struct{} {
	return m.updates
}

// ApplyRead marks one local item read. Idempotent: a second call for the
// same id changes nothing, and the counter never goes negative.
func (m *Manager) ApplyRead(notificationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.items {
		if m.items[i].ID == notificationID && !m.items[i].Read {
			m.items[i].Read = true
			if m.unread > 0 {
				m.unread--
			}
		}
	}
}

// ApplyAllRead marks every local item read and zeroes the counter.
func (m *Manager) ApplyAllRead() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.items {
		m.items[i].Read = true
	}
	m.unread = 0
}
