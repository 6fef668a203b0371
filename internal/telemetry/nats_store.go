package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"fleetalert/internal/config"
	"fleetalert/internal/domain"

	"github.com/nats-io/nats.go"
)

const resetFlagAttempts = 3

// NATSStore backs the telemetry feed with a JetStream KV bucket.
// One key per device document: tenants.<tenant>.devices.<device>.
// Device and tenant identifiers must not contain dots.
type NATSStore struct {
	mu       sync.Mutex
	settings config.TelemetryConfig
	nc       *nats.Conn
	kv       nats.KeyValue
}

// NewNATSStore creates an unconnected NATS-backed store.
// Params: telemetry settings from config.
// Returns: store; the connection is established by Handshake.
func NewNATSStore(settings config.TelemetryConfig) *NATSStore {
	return &NATSStore{settings: settings}
}

// Handshake connects and opens the telemetry bucket. Idempotent.
// Params: ctx reserved for future dial cancellation.
// Returns: connect/bucket error; a failed attempt leaves the store unconnected.
func (s *NATSStore) Handshake(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nc != nil && s.nc.IsConnected() {
		return nil
	}
	if s.nc != nil {
		s.nc.Close()
		s.nc = nil
		s.kv = nil
	}

	nc, err := nats.Connect(strings.Join(s.settings.URL, ","))
	if err != nil {
		return fmt.Errorf("connect telemetry store: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("jetstream init: %w", err)
	}

	kv, err := js.KeyValue(s.settings.Bucket)
	if err != nil {
		if !s.settings.AllowCreateBucket {
			nc.Close()
			return fmt.Errorf("open telemetry bucket %q: %w", s.settings.Bucket, err)
		}
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: s.settings.Bucket,
		})
		if err != nil {
			nc.Close()
			return fmt.Errorf("create telemetry bucket %q: %w", s.settings.Bucket, err)
		}
	}

	s.nc = nc
	s.kv = kv
	return nil
}

// bucket returns the KV handle when connected.
// Params: none.
// Returns: KV handle or ErrNotConnected.
func (s *NATSStore) bucket() (nats.KeyValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kv == nil {
		return nil, ErrNotConnected
	}
	return s.kv, nil
}

// Watch attaches one KV prefix watcher for a tenant's devices.
// Params: ctx bounds the watcher lifetime; tenant scope.
// Returns: cancellable subscription or watch error.
func (s *NATSStore) Watch(ctx context.Context, tenant string) (Subscription, error) {
	kv, err := s.bucket()
	if err != nil {
		return nil, err
	}
	watcher, err := kv.Watch(devicePrefix(tenant)+".*", nats.IgnoreDeletes(), nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("watch devices %q: %w", tenant, err)
	}

	sub := &natsSubscription{
		watcher: watcher,
		events:  make(chan ChangeEvent, 64),
	}
	go sub.pump(devicePrefix(tenant) + ".")
	return sub, nil
}

// SnapshotAll reads all device documents of a tenant.
// Undecodable documents are treated as devices without snapshot data.
// Params: ctx unused by the KV client; tenant scope.
// Returns: device ID to snapshot map, empty when no devices exist.
func (s *NATSStore) SnapshotAll(_ context.Context, tenant string) (map[string]domain.DeviceSnapshot, error) {
	kv, err := s.bucket()
	if err != nil {
		return nil, err
	}
	keys, err := kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return map[string]domain.DeviceSnapshot{}, nil
		}
		return nil, fmt.Errorf("list device keys: %w", err)
	}

	prefix := devicePrefix(tenant) + "."
	snapshots := make(map[string]domain.DeviceSnapshot)
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := kv.Get(key)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get device %q: %w", key, err)
		}
		snapshot, err := domain.DecodeDeviceSnapshot(entry.Value())
		if err != nil {
			continue
		}
		snapshots[strings.TrimPrefix(key, prefix)] = snapshot
	}
	return snapshots, nil
}

// ResetFlag clears one trigger flag via revision-CAS document update.
// Params: tenant, device, and flag path (group + leaf name).
// Returns: nil when the flag is cleared or the device document is gone.
func (s *NATSStore) ResetFlag(_ context.Context, tenant, deviceID, group, name string) error {
	if !validFlag(group, name) {
		return fmt.Errorf("%w: %s/%s", ErrUnknownFlag, group, name)
	}
	kv, err := s.bucket()
	if err != nil {
		return err
	}

	key := deviceKey(tenant, deviceID)
	for attempt := 0; attempt < resetFlagAttempts; attempt++ {
		entry, err := kv.Get(key)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				return nil
			}
			return fmt.Errorf("get device %q: %w", key, err)
		}

		var doc map[string]json.RawMessage
		if err := json.Unmarshal(entry.Value(), &doc); err != nil {
			return fmt.Errorf("decode device %q: %w", key, err)
		}
		groupDoc := map[string]any{}
		if raw, ok := doc[group]; ok {
			if err := json.Unmarshal(raw, &groupDoc); err != nil {
				return fmt.Errorf("decode %s of %q: %w", group, key, err)
			}
		}
		groupDoc[name] = false
		groupRaw, err := json.Marshal(groupDoc)
		if err != nil {
			return fmt.Errorf("encode %s of %q: %w", group, key, err)
		}
		if doc == nil {
			doc = map[string]json.RawMessage{}
		}
		doc[group] = groupRaw
		body, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode device %q: %w", key, err)
		}

		if _, err := kv.Update(key, body, entry.Revision()); err != nil {
			if isRevisionConflict(err) {
				continue
			}
			return fmt.Errorf("update device %q: %w", key, err)
		}
		return nil
	}
	return fmt.Errorf("reset flag conflict retries exceeded for %s", key)
}

// Close closes the underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nc != nil {
		s.nc.Close()
		s.nc = nil
		s.kv = nil
	}
	return nil
}

// isRevisionConflict classifies KV CAS failures worth retrying.
// Params: KV update error.
// Returns: true for wrong-revision rejections.
func isRevisionConflict(err error) bool {
	return errors.Is(err, nats.ErrKeyExists) ||
		strings.Contains(strings.ToLower(err.Error()), "wrong last sequence")
}

// devicePrefix builds the KV key prefix of a tenant's devices subtree.
// Params: tenant identifier.
// Returns: key prefix without trailing separator.
func devicePrefix(tenant string) string {
	return "tenants." + tenant + ".devices"
}

// deviceKey builds the KV key of one device document.
// Params: tenant and device identifiers.
// Returns: full KV key.
func deviceKey(tenant, deviceID string) string {
	return devicePrefix(tenant) + "." + deviceID
}

// natsSubscription adapts one KV watcher to the Subscription contract.
// Params: watcher handle and converted event channel.
// Returns: cancellable change-feed attachment.
type natsSubscription struct {
	watcher   nats.KeyWatcher
	events    chan ChangeEvent
	closeOnce sync.Once
}

// pump converts KV entries into device change events until the watcher stops.
// Params: key prefix to strip from entry keys.
// Returns: none; closes the event channel on exit.
func (s *natsSubscription) pump(prefix string) {
	defer close(s.events)
	for entry := range s.watcher.Updates() {
		if entry == nil {
			// End-of-replay marker.
			continue
		}
		deviceID := strings.TrimPrefix(entry.Key(), prefix)
		select {
		case s.events <- ChangeEvent{DeviceID: deviceID}:
		default:
			// Feed consumers debounce and re-read full snapshots, so a
			// dropped marker during a burst loses nothing.
		}
	}
}

// Events returns the change event channel.
// Params: none.
// Returns: channel closed after Close.
func (s *natsSubscription) Events() <-chan ChangeEvent {
	return s.events
}

// Close detaches the watcher. Idempotent.
// Params: none.
// Returns: watcher stop error.
func (s *natsSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.watcher.Stop()
	})
	return err
}
