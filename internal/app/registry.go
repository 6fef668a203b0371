package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"fleetalert/internal/clock"
	"fleetalert/internal/config"
	"fleetalert/internal/domain"
	"fleetalert/internal/engine"
	"fleetalert/internal/history"
	"fleetalert/internal/metrics"
	"fleetalert/internal/telemetry"
	"fleetalert/internal/vehicles"

	"github.com/google/uuid"
)

// Observer receives the latest authoritative alert list on every refresh.
// Observers must treat the slice as read-only and re-render idempotently.
type Observer func(alerts []domain.PersistedAlert)

// Registry is the engine's only public entry point for one tenant.
// It reference-counts observers and owns the change-feed listener and the
// poll fallback as one start/stop unit: the first subscriber starts both,
// the last unsubscribe tears both down and clears cached state.
type Registry struct {
	tenant    string
	store     telemetry.Store
	vehicles  vehicles.Lookup
	history   history.Service
	logger    *slog.Logger
	clock     clock.Clock
	debounce  time.Duration
	pollEvery time.Duration

	mu        sync.Mutex
	observers map[string]Observer
	lastKnown []domain.PersistedAlert
	active    *engine.ActiveAlertSet
	running   bool
	cancel    context.CancelFunc
	refreshCh chan struct{}
	done      sync.WaitGroup
}

// NewRegistry creates a stopped registry for one tenant.
// Params: tenant scope, telemetry store, registry lookup, history service,
// logger, clock, and watch timings.
// Returns: registry; nothing runs until the first Subscribe.
func NewRegistry(
	tenant string,
	store telemetry.Store,
	lookup vehicles.Lookup,
	alerts history.Service,
	logger *slog.Logger,
	clk clock.Clock,
	watch config.WatchConfig,
) *Registry {
	return &Registry{
		tenant:    tenant,
		store:     store,
		vehicles:  lookup,
		history:   alerts,
		logger:    logger,
		clock:     clk,
		debounce:  time.Duration(watch.DebounceMS) * time.Millisecond,
		pollEvery: time.Duration(watch.PollIntervalSec) * time.Second,
		observers: make(map[string]Observer),
		active:    engine.NewActiveAlertSet(),
		refreshCh: make(chan struct{}, 1),
	}
}

// Subscribe registers one observer and returns its cancel function.
// The first subscriber performs the telemetry handshake, attaches the
// change feed, starts the poll fallback, and triggers one immediate fetch.
// A handshake or watch failure aborts the attempt without registering the
// observer; a later Subscribe re-attempts. Later subscribers immediately
// receive the last known alert set. Cancel is idempotent.
// Params: observer callback.
// Returns: cancel function or startup error.
func (r *Registry) Subscribe(observer Observer) (func(), error) {
	r.mu.Lock()
	first := !r.running
	if first {
		if err := r.startLocked(); err != nil {
			r.mu.Unlock()
			return nil, err
		}
	}

	key := uuid.NewString()
	r.observers[key] = observer
	metrics.Observers.Set(float64(len(r.observers)))
	snapshot := r.lastKnown
	r.mu.Unlock()

	if first {
		r.refreshNow()
	} else if snapshot != nil {
		observer(snapshot)
	}

	return func() { r.unsubscribe(key) }, nil
}

// startLocked brings up the feed listener and poll loop. Caller holds mu.
// Params: none.
// Returns: handshake or watch error; nothing runs on failure.
func (r *Registry) startLocked() error {
	ctx, cancel := context.WithCancel(context.Background())

	if err := r.store.Handshake(ctx); err != nil {
		cancel()
		r.logger.Error("telemetry handshake failed", "tenant", r.tenant, "error", err.Error())
		return err
	}
	sub, err := r.store.Watch(ctx, r.tenant)
	if err != nil {
		cancel()
		r.logger.Error("telemetry watch failed", "tenant", r.tenant, "error", err.Error())
		return err
	}

	listener := &feedListener{
		tenant:   r.tenant,
		sub:      sub,
		store:    r.store,
		vehicles: r.vehicles,
		history:  r.history,
		active:   r.active,
		logger:   r.logger,
		clock:    r.clock,
		debounce: r.debounce,
		refresh:  r.refreshNow,
	}

	r.cancel = cancel
	r.running = true
	r.done.Add(2)
	go func() {
		defer r.done.Done()
		listener.run(ctx)
	}()
	go func() {
		defer r.done.Done()
		r.pollLoop(ctx)
	}()

	r.logger.Info("alert watch started", "tenant", r.tenant)
	return nil
}

// unsubscribe removes one observer; the last removal stops everything.
// Idempotent: unknown keys (double cancel) are a no-op.
// Params: observer key.
// Returns: none.
func (r *Registry) unsubscribe(key string) {
	r.mu.Lock()
	if _, ok := r.observers[key]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.observers, key)
	metrics.Observers.Set(float64(len(r.observers)))

	var cancel context.CancelFunc
	if len(r.observers) == 0 && r.running {
		cancel = r.cancel
		r.cancel = nil
		r.running = false
		r.lastKnown = nil
		r.active.Clear()
	}
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		r.logger.Info("alert watch stopped", "tenant", r.tenant)
	}
}

// refreshNow requests one immediate fetch-and-publish cycle.
// Non-blocking; coalesces with an already pending request.
// Params: none.
// Returns: none.
func (r *Registry) refreshNow() {
	select {
	case r.refreshCh <- struct{}{}:
	default:
	}
}

// pollLoop drives the poll fallback and on-demand refreshes.
// Params: ctx cancelled on last unsubscribe.
// Returns: none.
func (r *Registry) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.pollEvery)
	defer ticker.Stop()
	for {
		trigger := "poll"
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.refreshCh:
			trigger = "demand"
		}
		r.refresh(ctx, trigger)
	}
}

// refresh fetches the authoritative alert list and notifies observers.
// Observers are notified even when the list is unchanged; this path is
// the single source of truth for what observers see. A fetch failure
// keeps the previous set.
// Params: ctx and trigger label for metrics.
// Returns: none.
func (r *Registry) refresh(ctx context.Context, trigger string) {
	alerts, err := r.history.List(ctx)
	if err != nil {
		metrics.RefreshFailuresTotal.Inc()
		r.logger.Warn("alert list fetch failed", "tenant", r.tenant, "error", err.Error())
		return
	}
	metrics.RefreshesTotal.WithLabelValues(trigger).Inc()

	r.mu.Lock()
	if !r.running {
		// Torn down while the fetch was in flight; drop the result.
		r.mu.Unlock()
		return
	}
	r.lastKnown = alerts
	r.active.Replace(alerts)
	observers := make([]Observer, 0, len(r.observers))
	for _, observer := range r.observers {
		observers = append(observers, observer)
	}
	r.mu.Unlock()

	for _, observer := range observers {
		observer(alerts)
	}
}

// LastKnown returns the cached alert set.
// Params: none.
// Returns: last published list, nil when stopped.
func (r *Registry) LastKnown() []domain.PersistedAlert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastKnown
}
