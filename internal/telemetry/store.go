package telemetry

import (
	"context"
	"errors"

	"fleetalert/internal/domain"
)

const (
	// FlagGroup is the snapshot subtree holding one-shot trigger flags.
	FlagGroup = "flags"
	// FlagAccident is the accident trigger flag name.
	FlagAccident = "accident_detected"
	// FlagTampering is the tampering trigger flag name.
	FlagTampering = "tampering_detected"
)

var (
	// ErrNotConnected marks store use before a successful handshake.
	ErrNotConnected = errors.New("telemetry: store not connected")
	// ErrUnknownFlag marks a reset request for an unclearable path.
	ErrUnknownFlag = errors.New("telemetry: unknown trigger flag")
)

// ChangeEvent identifies one changed device document in the feed.
// Params: device identifier under the watched tenant path.
// Returns: minimal change marker; consumers re-read full snapshots.
type ChangeEvent struct {
	DeviceID string
}

// Subscription is one cancellable change-feed attachment.
// Close is idempotent; Events is closed after Close or feed teardown.
type Subscription interface {
	Events() <-chan ChangeEvent
	Close() error
}

// Store is the realtime telemetry backend for one deployment.
// Params: tenant-scoped device documents addressed by key path.
// Returns: push change feed, point snapshot reads, and flag point-writes.
type Store interface {
	// Handshake establishes the store identity/connection. Idempotent;
	// every other operation requires a prior successful handshake.
	Handshake(ctx context.Context) error
	// Watch attaches one change-feed subscription for all devices of a tenant.
	Watch(ctx context.Context, tenant string) (Subscription, error)
	// SnapshotAll reads the current snapshot of every device of a tenant.
	SnapshotAll(ctx context.Context, tenant string) (map[string]domain.DeviceSnapshot, error)
	// ResetFlag clears one one-shot trigger flag back to false.
	ResetFlag(ctx context.Context, tenant, deviceID, group, name string) error
	Close() error
}

// validFlag reports whether a flag path may be cleared by the engine.
// Params: flag group and leaf name.
// Returns: true only for the known one-shot trigger flags.
func validFlag(group, name string) bool {
	if group != FlagGroup {
		return false
	}
	return name == FlagAccident || name == FlagTampering
}
