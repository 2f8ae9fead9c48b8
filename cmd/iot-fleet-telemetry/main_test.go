package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/diwise/iot-fleet-telemetry/internal/pkg/infrastructure/store"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/matryer/is"
)

func TestSetup(t *testing.T) {
	server, is := setupTest(t)

	resp, _ := testRequest(is, server, http.MethodGet, "/health", nil)

	is.Equal(resp.StatusCode, http.StatusNoContent)
}

func TestThatGetUnknownDeviceReturns404(t *testing.T) {
	server, is := setupTest(t)

	resp, _ := testRequest(is, server, http.MethodGet, "/api/v0/devices/nosuchdevice/telemetry/current", nil)

	is.Equal(resp.StatusCode, http.StatusNotFound)
}

func TestThatIngestedTelemetryCanBeReadBack(t *testing.T) {
	server, is := setupTest(t)

	resp, body := testRequest(is, server, http.MethodPost, "/api/v0/telemetry",
		strings.NewReader(`{"deviceId": "GPS-001", "driverId": "DRV-001", "speed": 62.5, "timestamp": 1000}`))

	is.Equal(resp.StatusCode, http.StatusOK)
	is.True(strings.Contains(body, `"success":true`))

	resp, body = testRequest(is, server, http.MethodGet, "/api/v0/devices/GPS-001/telemetry/current", nil)

	is.Equal(resp.StatusCode, http.StatusOK)
	is.True(strings.Contains(body, `"deviceId":"GPS-001"`))
	is.True(strings.Contains(body, `"lastUpdate":1000`))
}

func setupTest(t *testing.T) (*httptest.Server, *is.I) {
	is := is.New(t)

	msgCtx := messaging.MsgContextMock{
		PublishOnTopicFunc: func(context.Context, messaging.TopicMessage) error {
			return nil
		},
		RegisterTopicMessageHandlerFunc: func(string, messaging.TopicMessageHandler) error {
			return nil
		},
	}

	r, _, err := initialize(context.Background(), defaultFlags(), store.NewMemoryStore(), &msgCtx)
	is.NoErr(err)

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return server, is
}

func testRequest(is *is.I, ts *httptest.Server, method, path string, body io.Reader) (*http.Response, string) {
	req, err := http.NewRequest(method, ts.URL+path, body)
	is.NoErr(err)

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	is.NoErr(err)

	return resp, string(respBody)
}
