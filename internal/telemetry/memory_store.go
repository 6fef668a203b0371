package telemetry

import (
	"context"
	"fmt"
	"sync"

	"fleetalert/internal/domain"
)

// MemoryStore keeps device documents in process memory for single-instance
// mode. It implements the same change-feed semantics as the NATS backend:
// every document write emits one change event per attached subscription.
type MemoryStore struct {
	mu        sync.RWMutex
	connected bool
	devices   map[string]map[string]domain.DeviceSnapshot
	subs      map[string]map[*memorySubscription]struct{}
}

// NewMemoryStore creates an empty in-memory telemetry store.
// Params: none.
// Returns: initialized store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[string]map[string]domain.DeviceSnapshot),
		subs:    make(map[string]map[*memorySubscription]struct{}),
	}
}

// Handshake marks the store connected. Idempotent, never fails.
// Params: ctx unused.
// Returns: nil.
func (s *MemoryStore) Handshake(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

// Watch attaches one change-feed subscription for a tenant.
// Params: ctx unused; tenant scope.
// Returns: cancellable subscription or ErrNotConnected.
func (s *MemoryStore) Watch(_ context.Context, tenant string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	sub := &memorySubscription{
		store:  s,
		tenant: tenant,
		events: make(chan ChangeEvent, 64),
	}
	if s.subs[tenant] == nil {
		s.subs[tenant] = make(map[*memorySubscription]struct{})
	}
	s.subs[tenant][sub] = struct{}{}
	return sub, nil
}

// SnapshotAll copies the current snapshot of every device of a tenant.
// Params: ctx unused; tenant scope.
// Returns: device ID to snapshot map.
func (s *MemoryStore) SnapshotAll(_ context.Context, tenant string) (map[string]domain.DeviceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	snapshots := make(map[string]domain.DeviceSnapshot, len(s.devices[tenant]))
	for deviceID, snapshot := range s.devices[tenant] {
		snapshots[deviceID] = snapshot
	}
	return snapshots, nil
}

// PutSnapshot writes one device document and notifies subscriptions.
// Params: tenant, device identifier, and full snapshot document.
// Returns: ErrNotConnected before handshake.
func (s *MemoryStore) PutSnapshot(_ context.Context, tenant, deviceID string, snapshot domain.DeviceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	if s.devices[tenant] == nil {
		s.devices[tenant] = make(map[string]domain.DeviceSnapshot)
	}
	s.devices[tenant][deviceID] = snapshot
	s.fanoutLocked(tenant, deviceID)
	return nil
}

// ResetFlag clears one trigger flag and notifies subscriptions.
// Params: tenant, device, and flag path (group + leaf name).
// Returns: nil when cleared or when the device document is gone.
func (s *MemoryStore) ResetFlag(_ context.Context, tenant, deviceID, group, name string) error {
	if !validFlag(group, name) {
		return fmt.Errorf("%w: %s/%s", ErrUnknownFlag, group, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	snapshot, ok := s.devices[tenant][deviceID]
	if !ok {
		return nil
	}
	switch name {
	case FlagAccident:
		snapshot.Flags.AccidentDetected = false
	case FlagTampering:
		snapshot.Flags.TamperingDetected = false
	}
	s.devices[tenant][deviceID] = snapshot
	s.fanoutLocked(tenant, deviceID)
	return nil
}

// Close detaches all subscriptions and clears the store.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	subs := make([]*memorySubscription, 0)
	for _, tenantSubs := range s.subs {
		for sub := range tenantSubs {
			subs = append(subs, sub)
		}
	}
	s.subs = make(map[string]map[*memorySubscription]struct{})
	s.connected = false
	s.mu.Unlock()

	for _, sub := range subs {
		sub.closeChannel()
	}
	return nil
}

// fanoutLocked emits one change event to each tenant subscription.
// Params: tenant and changed device; store lock must be held.
// Returns: none; slow consumers drop markers, never block writers.
func (s *MemoryStore) fanoutLocked(tenant, deviceID string) {
	for sub := range s.subs[tenant] {
		select {
		case sub.events <- ChangeEvent{DeviceID: deviceID}:
		default:
		}
	}
}

// detach removes one subscription from the registry.
// Params: subscription to remove.
// Returns: none.
func (s *MemoryStore) detach(sub *memorySubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tenantSubs, ok := s.subs[sub.tenant]; ok {
		delete(tenantSubs, sub)
	}
}

// memorySubscription is one in-memory change-feed attachment.
type memorySubscription struct {
	store     *MemoryStore
	tenant    string
	events    chan ChangeEvent
	closeOnce sync.Once
}

// Events returns the change event channel.
// Params: none.
// Returns: channel closed after Close.
func (s *memorySubscription) Events() <-chan ChangeEvent {
	return s.events
}

// Close detaches the subscription. Idempotent.
// Params: none.
// Returns: nil.
func (s *memorySubscription) Close() error {
	s.store.detach(s)
	s.closeChannel()
	return nil
}

func (s *memorySubscription) closeChannel() {
	s.closeOnce.Do(func() {
		close(s.events)
	})
}
