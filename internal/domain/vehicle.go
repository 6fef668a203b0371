package domain

// VehicleConfig is the per-vehicle registration record from the registry.
// A limit of zero disables the corresponding threshold rule, so
// default-zero configs cannot produce false alerts.
type VehicleConfig struct {
	DeviceID         string  `json:"deviceId"`
	Name             string  `json:"name"`
	Plate            string  `json:"plate"`
	TemperatureLimit float64 `json:"temperatureLimit"`
	HumidityLimit    float64 `json:"humidityLimit"`
	SpeedLimit       float64 `json:"speedLimit"`
	Active           bool    `json:"active"`
	TrackingEnabled  bool    `json:"trackingEnabled"`
}

// RegistrationResult is the registry answer for one device lookup.
// Params: registration flag and owning vehicle config.
// Returns: lookup response payload.
type RegistrationResult struct {
	IsRegistered bool          `json:"isRegistered"`
	Vehicle      VehicleConfig `json:"vehicle"`
}

// Trackable reports whether the device should be evaluated at all.
// Params: none.
// Returns: true for registered, active, tracking-enabled vehicles.
func (r RegistrationResult) Trackable() bool {
	return r.IsRegistered && r.Vehicle.Active && r.Vehicle.TrackingEnabled
}

// DisplayName returns a human-readable vehicle label.
// Params: none.
// Returns: vehicle name, plate, or device ID as fallback.
func (v VehicleConfig) DisplayName() string {
	if v.Name != "" {
		return v.Name
	}
	if v.Plate != "" {
		return v.Plate
	}
	return v.DeviceID
}
