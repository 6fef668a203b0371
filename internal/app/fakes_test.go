package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"fleetalert/internal/config"
	"fleetalert/internal/domain"
	"fleetalert/internal/history"
	"fleetalert/internal/telemetry"
)

const testTenant = "acme"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testWatchConfig() config.WatchConfig {
	return config.WatchConfig{DebounceMS: 20, PollIntervalSec: 60}
}

func testPollWatchConfig() config.WatchConfig {
	return config.WatchConfig{DebounceMS: 20, PollIntervalSec: 1}
}

// waitFor polls a condition until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, message)
}

// spyStore wraps the in-memory backend and counts lifecycle calls.
type spyStore struct {
	*telemetry.MemoryStore
	mu             sync.Mutex
	failHandshakes int
	handshakes     int
	watches        int
	subCloses      int
	snapshotAlls   int
}

func newSpyStore() *spyStore {
	return &spyStore{MemoryStore: telemetry.NewMemoryStore()}
}

func (s *spyStore) Handshake(ctx context.Context) error {
	s.mu.Lock()
	s.handshakes++
	if s.failHandshakes > 0 {
		s.failHandshakes--
		s.mu.Unlock()
		return errors.New("handshake refused")
	}
	s.mu.Unlock()
	return s.MemoryStore.Handshake(ctx)
}

func (s *spyStore) Watch(ctx context.Context, tenant string) (telemetry.Subscription, error) {
	s.mu.Lock()
	s.watches++
	s.mu.Unlock()
	sub, err := s.MemoryStore.Watch(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return &spySubscription{Subscription: sub, store: s}, nil
}

func (s *spyStore) SnapshotAll(ctx context.Context, tenant string) (map[string]domain.DeviceSnapshot, error) {
	s.mu.Lock()
	s.snapshotAlls++
	s.mu.Unlock()
	return s.MemoryStore.SnapshotAll(ctx, tenant)
}

func (s *spyStore) counts() (handshakes, watches, subCloses, passes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes, s.watches, s.subCloses, s.snapshotAlls
}

type spySubscription struct {
	telemetry.Subscription
	store *spyStore
	once  sync.Once
}

func (s *spySubscription) Close() error {
	s.once.Do(func() {
		s.store.mu.Lock()
		s.store.subCloses++
		s.store.mu.Unlock()
	})
	return s.Subscription.Close()
}

// fakeLookup serves registration results from a static map.
type fakeLookup struct {
	mu       sync.Mutex
	vehicles map[string]domain.VehicleConfig
	errFor   map[string]error
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{
		vehicles: make(map[string]domain.VehicleConfig),
		errFor:   make(map[string]error),
	}
}

func (f *fakeLookup) register(vehicle domain.VehicleConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vehicles[vehicle.DeviceID] = vehicle
}

func (f *fakeLookup) Check(_ context.Context, _, deviceID string) (domain.RegistrationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errFor[deviceID]; err != nil {
		return domain.RegistrationResult{}, err
	}
	vehicle, ok := f.vehicles[deviceID]
	if !ok {
		return domain.RegistrationResult{IsRegistered: false}, nil
	}
	return domain.RegistrationResult{IsRegistered: true, Vehicle: vehicle}, nil
}

// fakeHistory is an in-memory stand-in for the alert history service.
// It enforces the same (device, type) uniqueness rule over active alerts.
type fakeHistory struct {
	mu           sync.Mutex
	alerts       []domain.PersistedAlert
	nextID       int
	creates      int
	duplicates   int
	failCreates  int
	duplicateFor map[string]bool
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{duplicateFor: make(map[string]bool)}
}

func historyKey(deviceID string, alertType domain.AlertType) string {
	return deviceID + "|" + string(alertType)
}

func (f *fakeHistory) seed(alert domain.PersistedAlert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
}

func (f *fakeHistory) Create(_ context.Context, candidate domain.CandidateAlert) (*domain.PersistedAlert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.failCreates > 0 {
		f.failCreates--
		return nil, errors.New("history unavailable")
	}
	if f.duplicateFor[historyKey(candidate.Vehicle.DeviceID, candidate.Type)] {
		f.duplicates++
		return nil, history.ErrDuplicate
	}
	for _, existing := range f.alerts {
		if existing.Active() && existing.Vehicle.DeviceID == candidate.Vehicle.DeviceID && existing.Type == candidate.Type {
			f.duplicates++
			return nil, history.ErrDuplicate
		}
	}
	f.nextID++
	persisted := domain.PersistedAlert{
		ID:             fmt.Sprintf("alert-%d", f.nextID),
		TenantID:       testTenant,
		CandidateAlert: candidate,
	}
	f.alerts = append(f.alerts, persisted)
	return &persisted, nil
}

func (f *fakeHistory) List(_ context.Context) ([]domain.PersistedAlert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.PersistedAlert, len(f.alerts))
	copy(out, f.alerts)
	return out, nil
}

func (f *fakeHistory) UpdateStatus(_ context.Context, alertID string, status domain.AlertStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.alerts {
		if f.alerts[i].ID == alertID {
			f.alerts[i].Status = status
			return nil
		}
	}
	return fmt.Errorf("alert %q not found", alertID)
}

func (f *fakeHistory) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *fakeHistory) stored() []domain.PersistedAlert {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.PersistedAlert, len(f.alerts))
	copy(out, f.alerts)
	return out
}

// recordingObserver captures every published alert set.
type recordingObserver struct {
	mu      sync.Mutex
	updates int
	latest  []domain.PersistedAlert
}

func (o *recordingObserver) observe(alerts []domain.PersistedAlert) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updates++
	o.latest = alerts
}

func (o *recordingObserver) updateCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.updates
}

func (o *recordingObserver) latestAlerts() []domain.PersistedAlert {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.latest
}

func (o *recordingObserver) hasAlert(deviceID string, alertType domain.AlertType) bool {
	for _, alert := range o.latestAlerts() {
		if alert.Vehicle.DeviceID == deviceID && alert.Type == alertType {
			return true
		}
	}
	return false
}
