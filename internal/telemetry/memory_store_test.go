package telemetry

import (
	"context"
	"testing"
	"time"

	"fleetalert/internal/domain"
)

func TestMemoryStoreRequiresHandshake(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	if _, err := store.Watch(context.Background(), "acme"); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, err := store.SnapshotAll(context.Background(), "acme"); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	if err := store.Handshake(context.Background()); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if _, err := store.SnapshotAll(context.Background(), "acme"); err != nil {
		t.Fatalf("snapshot after handshake: %v", err)
	}
}

func TestMemoryStoreWatchDeliversChangeEvents(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	_ = store.Handshake(context.Background())

	sub, err := store.Watch(context.Background(), "acme")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer func() { _ = sub.Close() }()

	snapshot := domain.DeviceSnapshot{
		Sensor: domain.SensorReading{TemperatureC: domain.NewReading(21.5)},
	}
	if err := store.PutSnapshot(context.Background(), "acme", "d1", snapshot); err != nil {
		t.Fatalf("put snapshot: %v", err)
	}

	select {
	case event := <-sub.Events():
		if event.DeviceID != "d1" {
			t.Fatalf("unexpected device in event: %q", event.DeviceID)
		}
	case <-time.After(time.Second):
		t.Fatalf("no change event delivered")
	}

	// Events are tenant scoped.
	other, err := store.Watch(context.Background(), "globex")
	if err != nil {
		t.Fatalf("watch other tenant: %v", err)
	}
	defer func() { _ = other.Close() }()
	_ = store.PutSnapshot(context.Background(), "acme", "d2", snapshot)
	select {
	case event := <-other.Events():
		t.Fatalf("cross-tenant event leaked: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryStoreResetFlag(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	_ = store.Handshake(context.Background())

	snapshot := domain.DeviceSnapshot{
		Flags: domain.TriggerFlags{AccidentDetected: true, TamperingDetected: true},
	}
	_ = store.PutSnapshot(context.Background(), "acme", "d1", snapshot)

	if err := store.ResetFlag(context.Background(), "acme", "d1", FlagGroup, FlagAccident); err != nil {
		t.Fatalf("reset flag: %v", err)
	}

	snapshots, err := store.SnapshotAll(context.Background(), "acme")
	if err != nil {
		t.Fatalf("snapshot all: %v", err)
	}
	if snapshots["d1"].Flags.AccidentDetected {
		t.Fatalf("accident flag not cleared")
	}
	if !snapshots["d1"].Flags.TamperingDetected {
		t.Fatalf("tampering flag cleared unexpectedly")
	}

	if err := store.ResetFlag(context.Background(), "acme", "d1", FlagGroup, "ignition"); err == nil {
		t.Fatalf("expected error for unknown flag")
	}
	// Missing device is a no-op, not an error.
	if err := store.ResetFlag(context.Background(), "acme", "ghost", FlagGroup, FlagAccident); err != nil {
		t.Fatalf("reset on missing device: %v", err)
	}
}

func TestMemorySubscriptionCloseIdempotent(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	_ = store.Handshake(context.Background())
	sub, err := store.Watch(context.Background(), "acme")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatalf("events channel not closed")
	}

	// Writes after detach must not panic or block.
	_ = store.PutSnapshot(context.Background(), "acme", "d1", domain.DeviceSnapshot{})
}
