package engine

import (
	"fmt"
	"math"
	"time"

	"fleetalert/internal/domain"
)

// Evaluate runs all threshold rules for one device snapshot.
// Pure: at most one candidate per rule per call, no side effects.
// A limit of zero or below disables the corresponding metric rule.
// Params: device identifier, snapshot, owning vehicle config, and pass time.
// Returns: zero or more candidate alerts.
func Evaluate(deviceID string, snapshot domain.DeviceSnapshot, vehicle domain.VehicleConfig, now time.Time) []domain.CandidateAlert {
	var candidates []domain.CandidateAlert
	ref := domain.VehicleRef{DeviceID: deviceID, Name: vehicle.Name, Plate: vehicle.Plate}
	location := snapshotLocation(snapshot)
	label := vehicle.DisplayName()

	if candidate, ok := metricCandidate(
		domain.AlertTypeTemperature,
		snapshot.Sensor.TemperatureC,
		vehicle.TemperatureLimit,
		"°C",
		fmt.Sprintf("Temperature limit exceeded for %s", label),
	); ok {
		candidates = append(candidates, finalize(candidate, ref, location, now))
	}
	if candidate, ok := metricCandidate(
		domain.AlertTypeHumidity,
		snapshot.Sensor.Humidity,
		vehicle.HumidityLimit,
		"%",
		fmt.Sprintf("Humidity limit exceeded for %s", label),
	); ok {
		candidates = append(candidates, finalize(candidate, ref, location, now))
	}
	if candidate, ok := metricCandidate(
		domain.AlertTypeSpeed,
		snapshot.GPS.Speed,
		vehicle.SpeedLimit,
		"km/h",
		fmt.Sprintf("Speed limit exceeded for %s", label),
	); ok {
		candidates = append(candidates, finalize(candidate, ref, location, now))
	}

	if snapshot.Flags.AccidentDetected {
		candidate := eventCandidate(
			domain.AlertTypeAccident,
			"accident_detected",
			fmt.Sprintf("Accident detected for %s", label),
			"accident reported by onboard sensor",
		)
		candidates = append(candidates, finalize(candidate, ref, location, now))
	}
	if snapshot.Flags.TamperingDetected {
		candidate := eventCandidate(
			domain.AlertTypeTampering,
			"tampering_detected",
			fmt.Sprintf("Tampering detected for %s", label),
			"tampering reported by onboard sensor",
		)
		candidates = append(candidates, finalize(candidate, ref, location, now))
	}

	return candidates
}

// metricCandidate evaluates one threshold rule over an optional reading.
// Absent, NaN, or infinite readings never produce a candidate; the source
// feed is untyped, so the numeric guard stays explicit here too.
// Params: alert type, reading, configured limit, unit, and message.
// Returns: partial candidate and emit flag.
func metricCandidate(alertType domain.AlertType, reading domain.Reading, limit float64, unit, message string) (domain.CandidateAlert, bool) {
	if limit <= 0 {
		return domain.CandidateAlert{}, false
	}
	observed, ok := reading.Value()
	if !ok || math.IsNaN(observed) || math.IsInf(observed, 0) {
		return domain.CandidateAlert{}, false
	}
	if observed <= limit {
		return domain.CandidateAlert{}, false
	}

	threshold := limit
	value := observed
	return domain.CandidateAlert{
		Type:     alertType,
		Severity: domain.SeverityFor(alertType),
		Message:  message,
		Detail:   fmt.Sprintf("%s %.1f%s exceeds limit %.1f%s", alertType, observed, unit, limit, unit),
		Trigger: domain.TriggerCondition{
			Threshold: &threshold,
			Observed:  &value,
			Unit:      unit,
		},
	}, true
}

// eventCandidate builds a candidate for one raised trigger flag.
// Params: alert type, event kind, message, and detail text.
// Returns: partial candidate.
func eventCandidate(alertType domain.AlertType, event, message, detail string) domain.CandidateAlert {
	return domain.CandidateAlert{
		Type:     alertType,
		Severity: domain.SeverityFor(alertType),
		Message:  message,
		Detail:   detail,
		Trigger:  domain.TriggerCondition{Event: event},
	}
}

// finalize stamps shared candidate fields.
// Params: partial candidate, vehicle ref, optional location, and pass time.
// Returns: complete candidate with status active.
func finalize(candidate domain.CandidateAlert, ref domain.VehicleRef, location *domain.Location, now time.Time) domain.CandidateAlert {
	candidate.Vehicle = ref
	candidate.Location = location
	candidate.Timestamp = now
	candidate.Status = domain.AlertStatusActive
	return candidate
}

// snapshotLocation extracts a complete GPS position when present.
// Params: device snapshot.
// Returns: location or nil when either coordinate is absent.
func snapshotLocation(snapshot domain.DeviceSnapshot) *domain.Location {
	lat, okLat := snapshot.GPS.Latitude.Value()
	lon, okLon := snapshot.GPS.Longitude.Value()
	if !okLat || !okLon {
		return nil
	}
	return &domain.Location{Latitude: lat, Longitude: lon}
}
