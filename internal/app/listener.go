package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"fleetalert/internal/clock"
	"fleetalert/internal/domain"
	"fleetalert/internal/engine"
	"fleetalert/internal/history"
	"fleetalert/internal/metrics"
	"fleetalert/internal/telemetry"
	"fleetalert/internal/vehicles"
)

// feedListener consumes the change feed and runs debounced evaluation
// passes. Bursty feeds collapse into one pass: the timer restarts on
// every event and fires only after the feed has been quiet for the
// debounce window.
type feedListener struct {
	tenant   string
	sub      telemetry.Subscription
	store    telemetry.Store
	vehicles vehicles.Lookup
	history  history.Service
	active   *engine.ActiveAlertSet
	logger   *slog.Logger
	clock    clock.Clock
	debounce time.Duration
	refresh  func()
}

// run loops until ctx is cancelled or the feed channel closes.
// Params: ctx cancelled on last unsubscribe.
// Returns: none; the subscription is closed on exit.
func (l *feedListener) run(ctx context.Context) {
	defer l.sub.Close()

	timer := time.NewTimer(l.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	armed := false

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-l.sub.Events():
			if !ok {
				l.logger.Warn("telemetry change feed closed", "tenant", l.tenant)
				return
			}
			if armed && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(l.debounce)
			armed = true
		case <-timer.C:
			armed = false
			l.evaluationPass(ctx)
		}
	}
}

// evaluationPass evaluates every device of the tenant once.
// Per-device failures are logged and skipped so one broken device never
// starves the rest. One or more accepted alerts trigger an on-demand
// refresh so observers see the authoritative record promptly.
// Params: ctx.
// Returns: none.
func (l *feedListener) evaluationPass(ctx context.Context) {
	metrics.EvaluationPassesTotal.Inc()

	snapshots, err := l.store.SnapshotAll(ctx, l.tenant)
	if err != nil {
		l.logger.Warn("telemetry snapshot fetch failed", "tenant", l.tenant, "error", err.Error())
		return
	}

	persisted := 0
	for deviceID, snapshot := range snapshots {
		if snapshot.Empty() {
			continue
		}
		accepted, err := l.evaluateDevice(ctx, deviceID, snapshot)
		if err != nil {
			metrics.DeviceErrorsTotal.Inc()
			l.logger.Warn("device evaluation failed",
				"tenant", l.tenant, "device", deviceID, "error", err.Error())
			continue
		}
		persisted += accepted
	}

	if persisted > 0 {
		l.refresh()
	}
}

// evaluateDevice runs the rule pass for one device snapshot.
// Trigger flags are reset as soon as they are observed, independent of
// whether the resulting alert is accepted: a re-raised flag is a new
// incident, while a persist failure must not leave the flag latched and
// re-alerting on every pass.
// Params: ctx, device identifier, and its snapshot.
// Returns: number of alerts accepted by the history service, or a
// device-level error.
func (l *feedListener) evaluateDevice(ctx context.Context, deviceID string, snapshot domain.DeviceSnapshot) (int, error) {
	registration, err := l.vehicles.Check(ctx, l.tenant, deviceID)
	if err != nil {
		return 0, err
	}
	if !registration.Trackable() {
		return 0, nil
	}

	candidates := engine.Evaluate(deviceID, snapshot, registration.Vehicle, l.clock.Now())
	l.resetObservedFlags(ctx, deviceID, snapshot)

	persisted := 0
	for _, candidate := range candidates {
		metrics.CandidateAlertsTotal.WithLabelValues(string(candidate.Type)).Inc()
		if !l.active.ShouldEmit(deviceID, candidate.Type) {
			metrics.DedupSuppressedTotal.Inc()
			continue
		}

		alert, err := l.history.Create(ctx, candidate)
		switch {
		case errors.Is(err, history.ErrDuplicate):
			// The service already holds an active alert this set did not
			// know about; treat it as occupied until the next fetch.
			metrics.DuplicateConflictsTotal.Inc()
			l.logger.Info("alert already active",
				"tenant", l.tenant, "device", deviceID, "type", string(candidate.Type))
		case err != nil:
			metrics.PersistFailuresTotal.Inc()
			l.logger.Warn("alert persist failed",
				"tenant", l.tenant, "device", deviceID, "type", string(candidate.Type), "error", err.Error())
		default:
			metrics.AlertsPersistedTotal.WithLabelValues(string(candidate.Type)).Inc()
			l.active.Add(*alert)
			persisted++
			l.logger.Info("alert persisted",
				"tenant", l.tenant, "device", deviceID, "type", string(candidate.Type),
				"severity", string(alert.Severity), "id", alert.ID)
		}
	}
	return persisted, nil
}

// resetObservedFlags clears every raised one-shot trigger flag.
// Reset failures are logged only; the next pass retries naturally.
// Params: ctx, device identifier, and the snapshot the flags came from.
// Returns: none.
func (l *feedListener) resetObservedFlags(ctx context.Context, deviceID string, snapshot domain.DeviceSnapshot) {
	var names []string
	if snapshot.Flags.AccidentDetected {
		names = append(names, telemetry.FlagAccident)
	}
	if snapshot.Flags.TamperingDetected {
		names = append(names, telemetry.FlagTampering)
	}
	for _, name := range names {
		if err := l.store.ResetFlag(ctx, l.tenant, deviceID, telemetry.FlagGroup, name); err != nil {
			metrics.FlagResetsTotal.WithLabelValues("error").Inc()
			l.logger.Warn("trigger flag reset failed",
				"tenant", l.tenant, "device", deviceID, "flag", name, "error", err.Error())
			continue
		}
		metrics.FlagResetsTotal.WithLabelValues("ok").Inc()
	}
}
