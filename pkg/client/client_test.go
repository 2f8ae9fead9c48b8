package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/diwise/iot-fleet-telemetry/pkg/types"
	"github.com/matryer/is"
)

func TestSendTelemetry(t *testing.T) {
	is := is.New(t)

	server := newMockService(t, http.StatusOK, `{"success": true, "timestamp": 1000}`)
	c := NewFleetTelemetryClient(server.URL)

	ts, err := c.SendTelemetry(context.Background(), types.TelemetrySample{
		DeviceID:  "GPS-001",
		DriverID:  "DRV-001",
		Timestamp: 1000,
	})

	is.NoErr(err)
	is.Equal(ts, int64(1000))
}

func TestSendTelemetryFailsOnBadRequest(t *testing.T) {
	is := is.New(t)

	server := newMockService(t, http.StatusBadRequest, `{"error": "telemetry contains no deviceId"}`)
	c := NewFleetTelemetryClient(server.URL)

	_, err := c.SendTelemetry(context.Background(), types.TelemetrySample{})
	is.True(err != nil)
}

func TestRaiseAlert(t *testing.T) {
	is := is.New(t)

	server := newMockService(t, http.StatusOK, `{"success": true, "alertId": "a-1"}`)
	c := NewFleetTelemetryClient(server.URL)

	alertID, err := c.RaiseAlert(context.Background(), types.Alert{
		DeviceID:  "GPS-001",
		AlertType: "overspeed",
		Severity:  types.AlertSeverityHigh,
	})

	is.NoErr(err)
	is.Equal(alertID, "a-1")
}

func TestCurrentState(t *testing.T) {
	is := is.New(t)

	server := newMockService(t, http.StatusOK, `{"deviceId": "GPS-001", "speed": 62.5, "lastUpdate": 1000}`)
	c := NewFleetTelemetryClient(server.URL)

	current, err := c.CurrentState(context.Background(), "GPS-001")

	is.NoErr(err)
	is.Equal(current.DeviceID, "GPS-001")
	is.Equal(current.Speed, 62.5)
	is.Equal(current.LastUpdate, int64(1000))
}

func TestCurrentStateOfUnknownDevice(t *testing.T) {
	is := is.New(t)

	server := newMockService(t, http.StatusNotFound, `{"error": "device not found"}`)
	c := NewFleetTelemetryClient(server.URL)

	_, err := c.CurrentState(context.Background(), "nosuchdevice")
	is.True(err != nil)
}

func newMockService(t *testing.T, responseCode int, responseBody string) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Content-Type", "application/json")
		w.WriteHeader(responseCode)
		w.Write([]byte(responseBody))
	}))
	t.Cleanup(server.Close)

	return server
}
