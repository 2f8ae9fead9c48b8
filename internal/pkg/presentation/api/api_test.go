package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/diwise/iot-fleet-telemetry/internal/pkg/application/alerts"
	"github.com/diwise/iot-fleet-telemetry/internal/pkg/application/fanout"
	"github.com/diwise/iot-fleet-telemetry/internal/pkg/application/telemetry"
	"github.com/diwise/iot-fleet-telemetry/internal/pkg/infrastructure/router"
	"github.com/diwise/iot-fleet-telemetry/internal/pkg/infrastructure/store"
	"github.com/diwise/iot-fleet-telemetry/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/matryer/is"
)

func TestHealthEndpointReturnsNoContent(t *testing.T) {
	is, server, _ := setupTest(t)

	resp, _ := testRequest(is, server, http.MethodGet, "/health", nil)
	is.Equal(resp.StatusCode, http.StatusNoContent)
}

func TestIngestTelemetryReturnsSuccessAndTimestamp(t *testing.T) {
	is, server, _ := setupTest(t)

	resp, body := testRequest(is, server, http.MethodPost, "/api/v0/telemetry",
		strings.NewReader(`{"deviceId": "GPS-001", "driverId": "DRV-001", "speed": 62.5, "timestamp": 1000}`))

	is.Equal(resp.StatusCode, http.StatusOK)

	result := struct {
		Success   bool  `json:"success"`
		Timestamp int64 `json:"timestamp"`
	}{}
	is.NoErr(json.Unmarshal([]byte(body), &result))
	is.True(result.Success)
	is.Equal(result.Timestamp, int64(1000))
}

func TestIngestTelemetryWithoutDeviceIDIsRejected(t *testing.T) {
	is, server, _ := setupTest(t)

	resp, body := testRequest(is, server, http.MethodPost, "/api/v0/telemetry",
		strings.NewReader(`{"driverId": "DRV-001"}`))

	is.Equal(resp.StatusCode, http.StatusBadRequest)
	is.True(strings.Contains(body, "error"))
}

func TestIngestTelemetryWithMalformedBodyIsRejected(t *testing.T) {
	is, server, _ := setupTest(t)

	resp, _ := testRequest(is, server, http.MethodPost, "/api/v0/telemetry",
		strings.NewReader(`{deviceId:`))

	is.Equal(resp.StatusCode, http.StatusBadRequest)
}

func TestGetCurrentTelemetry(t *testing.T) {
	is, server, _ := setupTest(t)

	testRequest(is, server, http.MethodPost, "/api/v0/telemetry",
		strings.NewReader(`{"deviceId": "GPS-001", "driverId": "DRV-001", "speed": 62.5, "timestamp": 1000}`))

	resp, body := testRequest(is, server, http.MethodGet, "/api/v0/devices/GPS-001/telemetry/current", nil)
	is.Equal(resp.StatusCode, http.StatusOK)

	current := types.CurrentRecord{}
	is.NoErr(json.Unmarshal([]byte(body), &current))
	is.Equal(current.DeviceID, "GPS-001")
	is.Equal(current.Speed, 62.5)
	is.Equal(current.LastUpdate, int64(1000))
}

func TestGetCurrentTelemetryOfUnknownDevice(t *testing.T) {
	is, server, _ := setupTest(t)

	resp, _ := testRequest(is, server, http.MethodGet, "/api/v0/devices/nosuchdevice/telemetry/current", nil)
	is.Equal(resp.StatusCode, http.StatusNotFound)
}

func TestQueryTelemetryReturnsNewestFirst(t *testing.T) {
	is, server, _ := setupTest(t)

	for _, ts := range []string{"1000", "2000", "3000"} {
		testRequest(is, server, http.MethodPost, "/api/v0/telemetry",
			strings.NewReader(`{"deviceId": "GPS-001", "driverId": "DRV-001", "timestamp": `+ts+`}`))
	}

	resp, body := testRequest(is, server, http.MethodGet, "/api/v0/devices/GPS-001/telemetry?limit=2", nil)
	is.Equal(resp.StatusCode, http.StatusOK)

	result := struct {
		Telemetry []types.TelemetrySample `json:"telemetry"`
	}{}
	is.NoErr(json.Unmarshal([]byte(body), &result))
	is.Equal(len(result.Telemetry), 2)
	is.Equal(result.Telemetry[0].Timestamp, int64(3000))
	is.Equal(result.Telemetry[1].Timestamp, int64(2000))
}

func TestRaiseAndResolveAlertOverHTTP(t *testing.T) {
	is, server, _ := setupTest(t)

	resp, body := testRequest(is, server, http.MethodPost, "/api/v0/alerts",
		strings.NewReader(`{"deviceId": "GPS-001", "alertType": "overspeed", "severity": "high", "timestamp": 1000}`))
	is.Equal(resp.StatusCode, http.StatusOK)

	result := struct {
		Success bool   `json:"success"`
		AlertID string `json:"alertId"`
	}{}
	is.NoErr(json.Unmarshal([]byte(body), &result))
	is.True(result.Success)
	is.True(result.AlertID != "")

	resp, body = testRequest(is, server, http.MethodGet, "/api/v0/alerts/"+result.AlertID, nil)
	is.Equal(resp.StatusCode, http.StatusOK)

	alert := types.Alert{}
	is.NoErr(json.Unmarshal([]byte(body), &alert))
	is.Equal(alert.AlertType, "overspeed")
	is.Equal(alert.Resolved, false)

	resp, _ = testRequest(is, server, http.MethodPatch, "/api/v0/alerts/"+result.AlertID, nil)
	is.Equal(resp.StatusCode, http.StatusNoContent)

	resp, body = testRequest(is, server, http.MethodGet, "/api/v0/alerts", nil)
	is.Equal(resp.StatusCode, http.StatusOK)

	active := []types.Alert{}
	is.NoErr(json.Unmarshal([]byte(body), &active))
	is.Equal(len(active), 0)
}

func TestRaiseAlertWithBadSeverityIsRejected(t *testing.T) {
	is, server, _ := setupTest(t)

	resp, _ := testRequest(is, server, http.MethodPost, "/api/v0/alerts",
		strings.NewReader(`{"deviceId": "GPS-001", "alertType": "overspeed", "severity": "catastrophic"}`))
	is.Equal(resp.StatusCode, http.StatusBadRequest)
}

func TestResolveUnknownAlertReturnsNotFound(t *testing.T) {
	is, server, _ := setupTest(t)

	resp, _ := testRequest(is, server, http.MethodPatch, "/api/v0/alerts/nosuchalert", nil)
	is.Equal(resp.StatusCode, http.StatusNotFound)
}

func TestStreamPushesStateChanges(t *testing.T) {
	is, server, _ := setupTest(t)

	testRequest(is, server, http.MethodPost, "/api/v0/telemetry",
		strings.NewReader(`{"deviceId": "GPS-001", "driverId": "DRV-001", "speed": 50, "timestamp": 1000}`))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/v0/devices/GPS-001/stream", nil)
	is.NoErr(err)

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)

	first := readEvent(is, scanner)
	is.Equal(first.DeviceID, "GPS-001")
	is.Equal(first.LastUpdate, int64(1000))

	testRequest(is, server, http.MethodPost, "/api/v0/telemetry",
		strings.NewReader(`{"deviceId": "GPS-001", "driverId": "DRV-001", "speed": 70, "timestamp": 2000}`))

	second := readEvent(is, scanner)
	is.Equal(second.LastUpdate, int64(2000))
	is.Equal(second.Speed, 70.0)
}

func readEvent(is *is.I, scanner *bufio.Scanner) types.CurrentRecord {
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		record := types.CurrentRecord{}
		is.NoErr(json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &record))
		return record
	}

	is.Fail() // stream ended before an event arrived
	return types.CurrentRecord{}
}

func testRequest(is *is.I, server *httptest.Server, method, path string, body *strings.Reader) (*http.Response, string) {
	if body == nil {
		body = strings.NewReader("")
	}

	req, err := http.NewRequest(method, server.URL+path, body)
	is.NoErr(err)

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	defer resp.Body.Close()

	buf := bytes.Buffer{}
	_, err = buf.ReadFrom(resp.Body)
	is.NoErr(err)

	return resp, buf.String()
}

func setupTest(t *testing.T) (*is.I, *httptest.Server, store.Store) {
	is := is.New(t)
	ctx := context.Background()

	msgCtx := messaging.MsgContextMock{
		PublishOnTopicFunc: func(context.Context, messaging.TopicMessage) error {
			return nil
		},
		RegisterTopicMessageHandlerFunc: func(string, messaging.TopicMessageHandler) error {
			return nil
		},
	}

	s := store.NewMemoryStore()
	hub := fanout.NewHub()

	svc := telemetry.New(s, &msgCtx, hub, nil)
	alertSvc := alerts.New(s, &msgCtx, hub, nil, &alerts.Configuration{})

	r, err := RegisterHandlers(ctx, router.New("testing"), svc, alertSvc, s)
	is.NoErr(err)

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return is, server, s
}
