package engine

import (
	"sync"

	"fleetalert/internal/domain"
)

// ActiveAlertSet indexes non-resolved alerts by (device, type).
// Advisory only: the history service enforces uniqueness authoritatively,
// so a stale set may cause a redundant rejected write but must never
// suppress a legitimately new alert type for a device.
type ActiveAlertSet struct {
	mu      sync.RWMutex
	entries map[activeKey]domain.AlertStatus
}

type activeKey struct {
	deviceID  string
	alertType domain.AlertType
}

// NewActiveAlertSet creates an empty active alert set.
// Params: none.
// Returns: initialized set.
func NewActiveAlertSet() *ActiveAlertSet {
	return &ActiveAlertSet{entries: make(map[activeKey]domain.AlertStatus)}
}

// Replace rebuilds the set from one authoritative alert list.
// Params: full persisted alert list from the history service.
// Returns: none; resolved alerts are dropped from the index.
func (s *ActiveAlertSet) Replace(alerts []domain.PersistedAlert) {
	entries := make(map[activeKey]domain.AlertStatus, len(alerts))
	for _, alert := range alerts {
		if !alert.Active() {
			continue
		}
		entries[activeKey{deviceID: alert.Vehicle.DeviceID, alertType: alert.Type}] = alert.Status
	}
	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
}

// Add records one freshly persisted alert ahead of the next full fetch.
// Params: persisted alert accepted by the history service.
// Returns: none.
func (s *ActiveAlertSet) Add(alert domain.PersistedAlert) {
	if !alert.Active() {
		return
	}
	s.mu.Lock()
	s.entries[activeKey{deviceID: alert.Vehicle.DeviceID, alertType: alert.Type}] = alert.Status
	s.mu.Unlock()
}

// ShouldEmit decides whether a candidate is worth a persistence call.
// Params: device identifier and candidate alert type.
// Returns: false when a non-resolved entry already occupies the slot.
func (s *ActiveAlertSet) ShouldEmit(deviceID string, alertType domain.AlertType) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.entries[activeKey{deviceID: deviceID, alertType: alertType}]
	return !exists
}

// Clear drops all entries.
// Params: none.
// Returns: none.
func (s *ActiveAlertSet) Clear() {
	s.mu.Lock()
	s.entries = make(map[activeKey]domain.AlertStatus)
	s.mu.Unlock()
}

// Len reports the current entry count.
// Params: none.
// Returns: number of indexed (device, type) pairs.
func (s *ActiveAlertSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
