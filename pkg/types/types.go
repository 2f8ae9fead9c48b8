package types

import (
	"time"
)

const (
	DeviceStatusActive  string = "active"
	DeviceStatusIdle    string = "idle"
	DeviceStatusOffline string = "offline"
)

// TelemetrySample is the record devices POST to the ingest API. The json
// field names are part of the wire contract with the devices and must not
// be changed.
type TelemetrySample struct {
	DeviceID    string   `json:"deviceId"`
	DriverID    string   `json:"driverId"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	Speed       float64  `json:"speed"`
	Temperature float64  `json:"temperature"`
	FuelLevel   float64  `json:"fuelLevel"`
	Status      string   `json:"status"`
	Timestamp   int64    `json:"timestamp"`
	RecordedAt  string   `json:"recordedAt,omitempty"`
}

// CurrentRecord is the continuously overwritten latest known state for a
// device. LastUpdate always equals the timestamp of the sample that
// produced it.
type CurrentRecord struct {
	TelemetrySample
	LastUpdate int64 `json:"lastUpdate"`
}

const (
	AlertSeverityLow    string = "low"
	AlertSeverityMedium string = "medium"
	AlertSeverityHigh   string = "high"
)

type Alert struct {
	ID        string         `json:"id"`
	DeviceID  string         `json:"deviceId"`
	DriverID  string         `json:"driverId,omitempty"`
	AlertType string         `json:"alertType"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Resolved  bool           `json:"resolved"`
}

func ValidSeverity(s string) bool {
	return s == AlertSeverityLow || s == AlertSeverityMedium || s == AlertSeverityHigh
}

// RecordedAtFromMillis renders a millisecond epoch timestamp the way the
// informational recordedAt field expects it on the wire.
func RecordedAtFromMillis(ts int64) string {
	return time.UnixMilli(ts).UTC().Format(time.RFC3339)
}
