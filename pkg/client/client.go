package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/diwise/iot-fleet-telemetry/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("fleet-telemetry-client")

// FleetTelemetryClient is used by edge collectors and other services to
// talk to the telemetry api.
type FleetTelemetryClient interface {
	SendTelemetry(ctx context.Context, sample types.TelemetrySample) (int64, error)
	RaiseAlert(ctx context.Context, alert types.Alert) (string, error)
	CurrentState(ctx context.Context, deviceID string) (types.CurrentRecord, error)
}

type fleetTelemetryClient struct {
	url string
}

func NewFleetTelemetryClient(serviceUrl string) FleetTelemetryClient {
	return &fleetTelemetryClient{
		url: serviceUrl,
	}
}

func (c *fleetTelemetryClient) SendTelemetry(ctx context.Context, sample types.TelemetrySample) (int64, error) {
	var err error
	ctx, span := tracer.Start(ctx, "send-telemetry")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	result := struct {
		Success   bool  `json:"success"`
		Timestamp int64 `json:"timestamp"`
	}{}

	err = c.post(ctx, "/api/v0/telemetry", sample, &result)
	if err != nil {
		return 0, err
	}

	return result.Timestamp, nil
}

func (c *fleetTelemetryClient) RaiseAlert(ctx context.Context, alert types.Alert) (string, error) {
	var err error
	ctx, span := tracer.Start(ctx, "raise-alert")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	result := struct {
		Success bool   `json:"success"`
		AlertID string `json:"alertId"`
	}{}

	err = c.post(ctx, "/api/v0/alerts", alert, &result)
	if err != nil {
		return "", err
	}

	return result.AlertID, nil
}

func (c *fleetTelemetryClient) CurrentState(ctx context.Context, deviceID string) (types.CurrentRecord, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-current-state")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	log := logging.GetFromContext(ctx)

	httpClient := http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	current := types.CurrentRecord{}

	url := c.url + "/api/v0/devices/" + deviceID + "/telemetry/current"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		err = fmt.Errorf("failed to create http request: %w", err)
		return current, err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		err = fmt.Errorf("failed to retrieve current state: %w", err)
		return current, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		err = fmt.Errorf("device %s not found", deviceID)
		return current, err
	}
	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("request failed with status code %d", resp.StatusCode)
		return current, err
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		err = fmt.Errorf("failed to read response body: %w", err)
		return current, err
	}

	err = json.Unmarshal(respBody, &current)
	if err != nil {
		err = fmt.Errorf("failed to unmarshal response body: %w", err)
		return current, err
	}

	log.Debug("retrieved current state", "device_id", deviceID)

	return current, nil
}

func (c *fleetTelemetryClient) post(ctx context.Context, path string, body, result any) error {
	httpClient := http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request failed with status code %d: %s", resp.StatusCode, string(respBody))
	}

	err = json.Unmarshal(respBody, result)
	if err != nil {
		return fmt.Errorf("failed to unmarshal response body: %w", err)
	}

	return nil
}
