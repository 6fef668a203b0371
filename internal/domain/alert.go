package domain

import "time"

// AlertType classifies which detection rule produced an alert.
// Params: one of the fixed rule type constants.
// Returns: type discriminator shared with the alert history service.
type AlertType string

const (
	// AlertTypeTemperature marks temperature threshold violations.
	AlertTypeTemperature AlertType = "temperature"
	// AlertTypeHumidity marks humidity threshold violations.
	AlertTypeHumidity AlertType = "humidity"
	// AlertTypeSpeed marks speed threshold violations.
	AlertTypeSpeed AlertType = "speed"
	// AlertTypeAccident marks one-shot accident flag triggers.
	AlertTypeAccident AlertType = "accident"
	// AlertTypeTampering marks one-shot tampering flag triggers.
	AlertTypeTampering AlertType = "tampering"
)

// Severity grades alert urgency. Fixed per alert type.
type Severity string

const (
	// SeverityLow marks informational threshold alerts.
	SeverityLow Severity = "low"
	// SeverityMedium marks environmental threshold alerts.
	SeverityMedium Severity = "medium"
	// SeverityHigh marks tampering events.
	SeverityHigh Severity = "high"
	// SeverityCritical marks accident events.
	SeverityCritical Severity = "critical"
)

// AlertStatus is the server-owned alert lifecycle state.
// Params: active/acknowledged/resolved state constants.
// Returns: status transitions applied only via the HTTP service.
type AlertStatus string

const (
	// AlertStatusActive indicates an open alert.
	AlertStatusActive AlertStatus = "active"
	// AlertStatusAcknowledged indicates an operator has seen the alert.
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	// AlertStatusResolved indicates the alert was closed.
	AlertStatusResolved AlertStatus = "resolved"
)

// SeverityFor maps an alert type to its fixed severity.
// Params: alert type constant.
// Returns: severity grade for that type.
func SeverityFor(alertType AlertType) Severity {
	switch alertType {
	case AlertTypeSpeed:
		return SeverityLow
	case AlertTypeTampering:
		return SeverityHigh
	case AlertTypeAccident:
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

// VehicleRef identifies the vehicle an alert belongs to.
// Params: device identifier plus display metadata.
// Returns: vehicle reference embedded in alert payloads.
type VehicleRef struct {
	DeviceID string `json:"deviceId"`
	Name     string `json:"name,omitempty"`
	Plate    string `json:"plate,omitempty"`
}

// Location is the last known GPS position at alert time.
// Params: latitude/longitude in decimal degrees.
// Returns: position embedded in alert payloads.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// TriggerCondition is the structured audit payload of one alert.
// Params: threshold/observed pair for metric rules, event kind for flag rules.
// Returns: machine-readable trigger description.
type TriggerCondition struct {
	Threshold *float64 `json:"threshold,omitempty"`
	Observed  *float64 `json:"observed,omitempty"`
	Unit      string   `json:"unit,omitempty"`
	Event     string   `json:"event,omitempty"`
}

// CandidateAlert is a transient alert proposal from one evaluation pass.
// Params: rule outcome for one device snapshot.
// Returns: payload submitted to the alert history service.
type CandidateAlert struct {
	Type      AlertType        `json:"type"`
	Severity  Severity         `json:"severity"`
	Message   string           `json:"message"`
	Vehicle   VehicleRef       `json:"vehicle"`
	Location  *Location        `json:"location,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Status    AlertStatus      `json:"status"`
	Detail    string           `json:"detail"`
	Trigger   TriggerCondition `json:"trigger"`
}

// PersistedAlert is the durable record returned by the history service.
// Params: accepted candidate plus server-assigned identity.
// Returns: record published to observers; never mutated locally.
type PersistedAlert struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	CandidateAlert
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// Active reports whether the alert still occupies its (device, type) slot.
// Params: none.
// Returns: true while status is not resolved.
func (a PersistedAlert) Active() bool {
	return a.Status != AlertStatusResolved
}
