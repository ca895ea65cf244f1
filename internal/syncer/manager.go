// Package syncer orchestrates reconciliation between the client cache
// and the record server. Syncs are event-driven: connectivity restored,
// owner change, or an explicit request. There is no polling loop and no
// mid-flight cancellation; a sync runs to completion or failure, and
// failure simply leaves the cache queued for the next trigger.
package syncer

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/alexjbarnes/momentum-sync/internal/cache"
	"github.com/alexjbarnes/momentum-sync/internal/reconcile"
)

//go:generate mockgen -source=manager.go -destination=mock_endpoint.go -package=syncer

// Endpoint is the reconciliation endpoint the manager calls. *Client
// implements it over HTTP.
type Endpoint interface {
	Reconcile(ctx context.Context, owner string, batch reconcile.Batch) (Snapshot, error)
}

// Event reports the outcome of one reconciliation to subscribers.
// Err is nil on success.
type Event struct {
	Owner    string
	Err      error
	Tasks    int
	Sessions int
	Rejected []reconcile.RecordError
}

// Manager owns the per-owner sync lifecycle: it reads the local batch
// from the cache, calls the reconciliation endpoint, writes the
// canonical result back, and notifies subscribers.
type Manager struct {
	cache    *cache.Cache
	endpoint Endpoint
	logger   *slog.Logger

	// group coalesces concurrent triggers for the same owner so at most
	// one reconciliation per owner is in flight.
	group singleflight.Group

	mu     sync.Mutex
	subs   map[int]func(Event)
	nextID int
}

// NewManager creates a sync manager over the given cache and endpoint.
func NewManager(c *cache.Cache, endpoint Endpoint, logger *slog.Logger) *Manager {
	return &Manager{
		cache:    c,
		endpoint: endpoint,
		logger:   logger,
		subs:     make(map[int]func(Event)),
	}
}

// Subscribe registers a callback invoked after every reconciliation,
// successful or not. The returned function cancels the subscription.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Sync runs one reconciliation for the owner. Concurrent calls for the
// same owner coalesce into a single in-flight request sharing one
// result. On success the cache is rewritten with the canonical lists;
// on failure it is left untouched so offline edits stay queued.
func (m *Manager) Sync(ctx context.Context, owner string) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{Owner: owner, Err: err}, err
	}

	// A sync in progress runs to completion or failure. The only
	// cancellation point is not starting a new one, so the in-flight
	// call is detached from the triggering caller's context.
	runCtx := context.WithoutCancel(ctx)

	v, err, shared := m.group.Do(owner, func() (any, error) {
		return m.reconcile(runCtx, owner)
	})

	if shared {
		m.logger.Debug("sync trigger coalesced", slog.String("owner", owner))
	}

	ev, _ := v.(Event)
	if ev.Owner == "" {
		ev = Event{Owner: owner, Err: err}
	}

	return ev, err
}

func (m *Manager) reconcile(ctx context.Context, owner string) (Event, error) {
	batch := reconcile.Batch{
		Tasks:    m.cache.Tasks(owner),
		Sessions: m.cache.Sessions(owner),
	}

	m.logger.Info("sync starting",
		slog.String("owner", owner),
		slog.Int("local_tasks", len(batch.Tasks)),
		slog.Int("local_sessions", len(batch.Sessions)),
	)

	snap, err := m.endpoint.Reconcile(ctx, owner, batch)
	if err != nil {
		m.logger.Warn("sync failed",
			slog.String("owner", owner),
			slog.Bool("transient", IsTransient(err)),
			slog.String("error", err.Error()),
		)

		ev := Event{Owner: owner, Err: err}
		m.notify(ev)

		return ev, err
	}

	// Canonical result replaces the local queue. Write failures leave
	// the cache as the last known-good state; the next sync re-submits.
	if err := m.cache.WriteTasks(owner, snap.Tasks); err != nil {
		ev := Event{Owner: owner, Err: err}
		m.notify(ev)

		return ev, err
	}

	if err := m.cache.WriteSessions(owner, snap.Sessions); err != nil {
		ev := Event{Owner: owner, Err: err}
		m.notify(ev)

		return ev, err
	}

	ev := Event{
		Owner:    owner,
		Tasks:    len(snap.Tasks),
		Sessions: len(snap.Sessions),
		Rejected: snap.Rejected,
	}

	m.logger.Info("sync complete",
		slog.String("owner", owner),
		slog.Int("tasks", ev.Tasks),
		slog.Int("sessions", ev.Sessions),
		slog.Int("rejected", len(ev.Rejected)),
	)

	m.notify(ev)

	return ev, nil
}

func (m *Manager) notify(ev Event) {
	m.mu.Lock()
	subs := make([]func(Event), 0, len(m.subs))

	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}
