package domain

import (
	"encoding/json"
	"math"
)

// Reading is an optional numeric telemetry value.
// Params: raw feed value decoded at the JSON boundary.
// Returns: value/presence pair; non-numeric feed data decodes to absent.
type Reading struct {
	value float64
	valid bool
}

// NewReading wraps a known-present numeric value.
// Params: numeric value.
// Returns: present reading.
func NewReading(value float64) Reading {
	return Reading{value: value, valid: true}
}

// Value returns the numeric value and its presence flag.
// Params: none.
// Returns: value and true when the reading is present.
func (r Reading) Value() (float64, bool) {
	return r.value, r.valid
}

// UnmarshalJSON decodes one feed leaf tolerantly.
// The source feed is untyped; strings, nulls, and other junk decode to
// an absent reading instead of failing the whole snapshot.
// Params: raw JSON leaf value.
// Returns: nil always.
func (r *Reading) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		// Unmarshal reports success for null without touching the target.
		*r = Reading{}
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		*r = Reading{}
		return nil
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		*r = Reading{}
		return nil
	}
	*r = Reading{value: n, valid: true}
	return nil
}

// MarshalJSON encodes the reading as number or null.
// Params: none.
// Returns: JSON payload.
func (r Reading) MarshalJSON() ([]byte, error) {
	if !r.valid {
		return []byte("null"), nil
	}
	return json.Marshal(r.value)
}

// GPSReading holds last reported position and speed for one device.
// Params: optional decoded feed leaves.
// Returns: GPS portion of a device snapshot.
type GPSReading struct {
	Latitude  Reading `json:"latitude"`
	Longitude Reading `json:"longitude"`
	Speed     Reading `json:"speed"`
}

// SensorReading holds environmental sensor values for one device.
// Params: optional decoded feed leaves.
// Returns: sensor portion of a device snapshot.
type SensorReading struct {
	TemperatureC Reading `json:"temperature_C"`
	Humidity     Reading `json:"humidity"`
}

// TriggerFlags holds one-shot boolean trigger flags raised by the device.
// The engine clears a flag back to false once observed true.
type TriggerFlags struct {
	AccidentDetected  bool `json:"accident_detected"`
	TamperingDetected bool `json:"tampering_detected"`
}

// DeviceSnapshot is the full telemetry document of one device.
// Owned by the realtime telemetry store; never persisted by this engine.
type DeviceSnapshot struct {
	GPS    GPSReading    `json:"gps"`
	Sensor SensorReading `json:"sensor"`
	Flags  TriggerFlags  `json:"flags"`
}

// Empty reports whether the snapshot carries no usable data.
// Params: none.
// Returns: true when all readings are absent and no flag is raised.
func (s DeviceSnapshot) Empty() bool {
	if s.Flags.AccidentDetected || s.Flags.TamperingDetected {
		return false
	}
	for _, r := range []Reading{
		s.GPS.Latitude, s.GPS.Longitude, s.GPS.Speed,
		s.Sensor.TemperatureC, s.Sensor.Humidity,
	} {
		if _, ok := r.Value(); ok {
			return false
		}
	}
	return true
}

// DecodeDeviceSnapshot decodes one device document from the feed.
// Params: raw JSON document.
// Returns: typed snapshot or decode error for non-object payloads.
func DecodeDeviceSnapshot(data []byte) (DeviceSnapshot, error) {
	var snapshot DeviceSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return DeviceSnapshot{}, err
	}
	return snapshot, nil
}
