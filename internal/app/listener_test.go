package app

import (
	"context"
	"testing"
	"time"

	"fleetalert/internal/clock"
	"fleetalert/internal/domain"
)

func trackedVehicle(deviceID string) domain.VehicleConfig {
	return domain.VehicleConfig{
		DeviceID:         deviceID,
		Name:             "Truck " + deviceID,
		Plate:            "WX-" + deviceID,
		TemperatureLimit: 35,
		HumidityLimit:    80,
		SpeedLimit:       90,
		Active:           true,
		TrackingEnabled:  true,
	}
}

func tempSnapshot(celsius float64) domain.DeviceSnapshot {
	return domain.DeviceSnapshot{
		GPS: domain.GPSReading{
			Latitude:  domain.NewReading(52.23),
			Longitude: domain.NewReading(21.01),
		},
		Sensor: domain.SensorReading{TemperatureC: domain.NewReading(celsius)},
	}
}

func TestListenerDebounceCollapsesBursts(t *testing.T) {
	t.Parallel()

	store := newSpyStore()
	registry := newTestRegistry(store, newFakeLookup(), newFakeHistory())

	var observer recordingObserver
	cancel, err := registry.Subscribe(observer.observe)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	ctx := context.Background()
	// Burst of writes well inside the debounce window. The device is not
	// registered, so passes have no side effects that could re-trigger.
	for i := 0; i < 5; i++ {
		if err := store.PutSnapshot(ctx, testTenant, "D1", tempSnapshot(float64(40+i))); err != nil {
			t.Fatalf("put snapshot: %v", err)
		}
	}

	waitFor(t, time.Second, func() bool {
		_, _, _, passes := store.counts()
		return passes == 1
	}, "burst must collapse into one evaluation pass")

	time.Sleep(100 * time.Millisecond)
	if _, _, _, passes := store.counts(); passes != 1 {
		t.Fatalf("quiet feed must not trigger further passes, got %d", passes)
	}
}

func TestListenerTemperatureAlertEndToEnd(t *testing.T) {
	t.Parallel()

	store := newSpyStore()
	lookup := newFakeLookup()
	lookup.register(trackedVehicle("D1"))
	alerts := newFakeHistory()
	passTime := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	registry := NewRegistry(testTenant, store, lookup, alerts, testLogger(),
		clock.NewManualClock(passTime), testWatchConfig())

	var observer recordingObserver
	cancel, err := registry.Subscribe(observer.observe)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	ctx := context.Background()
	if err := store.PutSnapshot(ctx, testTenant, "D1", tempSnapshot(42)); err != nil {
		t.Fatalf("put snapshot: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return observer.hasAlert("D1", domain.AlertTypeTemperature)
	}, "observer must receive the persisted temperature alert")

	stored := alerts.stored()
	if len(stored) != 1 {
		t.Fatalf("expected one persisted alert, got %d", len(stored))
	}
	alert := stored[0]
	if alert.Severity != domain.SeverityMedium || alert.Status != domain.AlertStatusActive {
		t.Fatalf("unexpected alert: %+v", alert)
	}
	if !alert.Timestamp.Equal(passTime) {
		t.Fatalf("alert must carry the injected pass time, got %v", alert.Timestamp)
	}
	if alert.TenantID != testTenant || alert.Vehicle.Name != "Truck D1" {
		t.Fatalf("unexpected alert identity: %+v", alert)
	}
	if alert.Location == nil || alert.Location.Latitude != 52.23 {
		t.Fatalf("unexpected location: %+v", alert.Location)
	}

	// The condition persists in the next snapshot; the active set must
	// suppress a second write.
	if err := store.PutSnapshot(ctx, testTenant, "D1", tempSnapshot(45)); err != nil {
		t.Fatalf("put snapshot: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		_, _, _, passes := store.counts()
		return passes >= 2
	}, "second snapshot must trigger another pass")
	if got := alerts.createCount(); got != 1 {
		t.Fatalf("ongoing condition must not re-create the alert, creates=%d", got)
	}
}

func TestListenerAccidentFlagResetAndPersistOnce(t *testing.T) {
	t.Parallel()

	store := newSpyStore()
	lookup := newFakeLookup()
	lookup.register(trackedVehicle("D2"))
	alerts := newFakeHistory()
	registry := newTestRegistry(store, lookup, alerts)

	var observer recordingObserver
	cancel, err := registry.Subscribe(observer.observe)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	ctx := context.Background()
	snapshot := domain.DeviceSnapshot{Flags: domain.TriggerFlags{AccidentDetected: true}}
	if err := store.PutSnapshot(ctx, testTenant, "D2", snapshot); err != nil {
		t.Fatalf("put snapshot: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return observer.hasAlert("D2", domain.AlertTypeAccident)
	}, "observer must receive the accident alert")

	stored := alerts.stored()
	if len(stored) != 1 || stored[0].Severity != domain.SeverityCritical {
		t.Fatalf("expected one critical accident alert, got %+v", stored)
	}

	// The flag write itself re-triggers the feed; the follow-up pass sees
	// the cleared flag and stays silent.
	waitFor(t, 2*time.Second, func() bool {
		snapshots, err := store.SnapshotAll(ctx, testTenant)
		if err != nil {
			return false
		}
		return !snapshots["D2"].Flags.AccidentDetected
	}, "accident flag must be reset in the store")
	time.Sleep(100 * time.Millisecond)
	if got := alerts.createCount(); got != 1 {
		t.Fatalf("flag reset must not cause another alert, creates=%d", got)
	}
}

func TestListenerDuplicateConflictDoesNotAbortPass(t *testing.T) {
	t.Parallel()

	store := newSpyStore()
	lookup := newFakeLookup()
	lookup.register(trackedVehicle("D1"))
	lookup.register(trackedVehicle("D2"))
	alerts := newFakeHistory()
	alerts.duplicateFor[historyKey("D1", domain.AlertTypeTemperature)] = true
	registry := newTestRegistry(store, lookup, alerts)

	var observer recordingObserver
	cancel, err := registry.Subscribe(observer.observe)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	ctx := context.Background()
	if err := store.PutSnapshot(ctx, testTenant, "D1", tempSnapshot(42)); err != nil {
		t.Fatalf("put snapshot: %v", err)
	}
	if err := store.PutSnapshot(ctx, testTenant, "D2", tempSnapshot(50)); err != nil {
		t.Fatalf("put snapshot: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return observer.hasAlert("D2", domain.AlertTypeTemperature)
	}, "rejected duplicate must not block the other device")

	stored := alerts.stored()
	if len(stored) != 1 || stored[0].Vehicle.DeviceID != "D2" {
		t.Fatalf("only the D2 alert must persist, got %+v", stored)
	}
}

func TestListenerDedupAgainstFetchedHistory(t *testing.T) {
	t.Parallel()

	store := newSpyStore()
	lookup := newFakeLookup()
	lookup.register(trackedVehicle("D1"))
	alerts := newFakeHistory()
	alerts.seed(domain.PersistedAlert{
		ID:       "alert-existing",
		TenantID: testTenant,
		CandidateAlert: domain.CandidateAlert{
			Type:    domain.AlertTypeTemperature,
			Vehicle: domain.VehicleRef{DeviceID: "D1"},
			Status:  domain.AlertStatusActive,
		},
	})
	registry := newTestRegistry(store, lookup, alerts)

	var observer recordingObserver
	cancel, err := registry.Subscribe(observer.observe)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	// Wait until the initial fetch has populated the active set.
	waitFor(t, time.Second, func() bool {
		return observer.hasAlert("D1", domain.AlertTypeTemperature)
	}, "initial fetch must publish the seeded alert")

	ctx := context.Background()
	if err := store.PutSnapshot(ctx, testTenant, "D1", tempSnapshot(42)); err != nil {
		t.Fatalf("put snapshot: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		_, _, _, passes := store.counts()
		return passes >= 1
	}, "snapshot write must trigger a pass")
	time.Sleep(100 * time.Millisecond)
	if got := alerts.createCount(); got != 0 {
		t.Fatalf("fetched active alert must suppress the create, creates=%d", got)
	}
}

func TestListenerPersistFailureRetriesNextPass(t *testing.T) {
	t.Parallel()

	store := newSpyStore()
	lookup := newFakeLookup()
	lookup.register(trackedVehicle("D1"))
	alerts := newFakeHistory()
	alerts.failCreates = 1
	registry := newTestRegistry(store, lookup, alerts)

	var observer recordingObserver
	cancel, err := registry.Subscribe(observer.observe)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	ctx := context.Background()
	if err := store.PutSnapshot(ctx, testTenant, "D1", tempSnapshot(42)); err != nil {
		t.Fatalf("put snapshot: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return alerts.createCount() == 1
	}, "first pass must attempt the create")

	// Failed persist leaves the slot free; the next pass retries.
	if err := store.PutSnapshot(ctx, testTenant, "D1", tempSnapshot(43)); err != nil {
		t.Fatalf("put snapshot: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return observer.hasAlert("D1", domain.AlertTypeTemperature)
	}, "retry pass must persist the alert")
	if got := len(alerts.stored()); got != 1 {
		t.Fatalf("expected one persisted alert after retry, got %d", got)
	}
}

func TestListenerFlagResetDespitePersistFailure(t *testing.T) {
	t.Parallel()

	store := newSpyStore()
	lookup := newFakeLookup()
	lookup.register(trackedVehicle("D4"))
	alerts := newFakeHistory()
	alerts.failCreates = 1
	registry := newTestRegistry(store, lookup, alerts)

	var observer recordingObserver
	cancel, err := registry.Subscribe(observer.observe)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	ctx := context.Background()
	snapshot := domain.DeviceSnapshot{Flags: domain.TriggerFlags{TamperingDetected: true}}
	if err := store.PutSnapshot(ctx, testTenant, "D4", snapshot); err != nil {
		t.Fatalf("put snapshot: %v", err)
	}

	// The flag is cleared on observation, before the persist outcome is known.
	waitFor(t, 2*time.Second, func() bool {
		snapshots, err := store.SnapshotAll(ctx, testTenant)
		if err != nil {
			return false
		}
		return !snapshots["D4"].Flags.TamperingDetected
	}, "tampering flag must be reset even when the persist fails")
	if got := len(alerts.stored()); got != 0 {
		t.Fatalf("failed persist must not store an alert, got %d", got)
	}

	// A re-raised flag is a new incident and alerts normally.
	if err := store.PutSnapshot(ctx, testTenant, "D4", snapshot); err != nil {
		t.Fatalf("put snapshot: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return observer.hasAlert("D4", domain.AlertTypeTampering)
	}, "re-raised flag must produce a persisted alert")
}

func TestListenerSkipsUntrackedVehicles(t *testing.T) {
	t.Parallel()

	store := newSpyStore()
	lookup := newFakeLookup()
	parked := trackedVehicle("D3")
	parked.TrackingEnabled = false
	lookup.register(parked)
	alerts := newFakeHistory()
	registry := newTestRegistry(store, lookup, alerts)

	var observer recordingObserver
	cancel, err := registry.Subscribe(observer.observe)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	ctx := context.Background()
	if err := store.PutSnapshot(ctx, testTenant, "D3", tempSnapshot(99)); err != nil {
		t.Fatalf("put snapshot: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		_, _, _, passes := store.counts()
		return passes >= 1
	}, "snapshot write must trigger a pass")
	time.Sleep(100 * time.Millisecond)
	if got := alerts.createCount(); got != 0 {
		t.Fatalf("tracking-disabled vehicle must not alert, creates=%d", got)
	}
}
