package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/iot-fleet-telemetry/internal/pkg/application/fanout"
	"github.com/diwise/iot-fleet-telemetry/internal/pkg/infrastructure/store"
	"github.com/diwise/iot-fleet-telemetry/pkg/types"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/samber/lo"
)

var ErrMissingDeviceID = fmt.Errorf("sample contains no deviceId")
var ErrMissingDriverID = fmt.Errorf("sample contains no driverId")
var ErrDeviceNotFound = fmt.Errorf("device not found")

// EventTelemetry is the fan out hub event type for ingested samples.
const EventTelemetry string = "telemetry"

//go:generate moq -rm -out telemetry_mock.go . TelemetryService
type TelemetryService interface {
	// Ingest validates a sample, replicates it to the current and history
	// paths and returns the resolved timestamp.
	Ingest(ctx context.Context, sample types.TelemetrySample) (int64, error)

	CurrentState(ctx context.Context, deviceID string) (types.CurrentRecord, error)
	LatestN(ctx context.Context, deviceID string, n int) ([]types.TelemetrySample, error)

	RegisterTopicMessageHandler(ctx context.Context) error
}

type Config struct {
	// MaxHistoryEntries caps the per device history log. Zero keeps the
	// log unbounded, which matches what the dashboards expect today.
	MaxHistoryEntries int
}

type service struct {
	store     store.Store
	messenger messaging.MsgContext
	hub       *fanout.Hub
	config    *Config
}

func New(s store.Store, messenger messaging.MsgContext, hub *fanout.Hub, config *Config) TelemetryService {
	if config == nil {
		config = &Config{}
	}

	return &service{
		store:     s,
		messenger: messenger,
		hub:       hub,
		config:    config,
	}
}

func (svc *service) RegisterTopicMessageHandler(ctx context.Context) error {
	return svc.messenger.RegisterTopicMessageHandler("device-telemetry", NewDeviceTelemetryHandler(svc))
}

func CurrentPath(deviceID string) string {
	return fmt.Sprintf("device/%s/current", deviceID)
}

func HistoryCollection(deviceID string) string {
	return fmt.Sprintf("device/%s/history", deviceID)
}

func HistoryPath(deviceID string, timestamp int64) string {
	return fmt.Sprintf("device/%s/history/%d", deviceID, timestamp)
}

func (svc *service) Ingest(ctx context.Context, sample types.TelemetrySample) (int64, error) {
	log := logging.GetFromContext(ctx)

	if sample.DeviceID == "" {
		return 0, ErrMissingDeviceID
	}
	if sample.DriverID == "" {
		return 0, ErrMissingDriverID
	}

	timestamp := sample.Timestamp
	if timestamp == 0 {
		timestamp = time.Now().UnixMilli()
	}

	sample.Timestamp = timestamp
	sample.RecordedAt = types.RecordedAtFromMillis(timestamp)

	// same millisecond samples overwrite each other in history, which is
	// a known limitation of the timestamp keyed layout
	err := svc.store.Write(ctx, HistoryPath(sample.DeviceID, timestamp), sample)
	if err != nil {
		return 0, fmt.Errorf("could not store history record: %w", err)
	}

	err = svc.store.Write(ctx, CurrentPath(sample.DeviceID), types.CurrentRecord{
		TelemetrySample: sample,
		LastUpdate:      timestamp,
	})
	if err != nil {
		return 0, fmt.Errorf("could not store current record: %w", err)
	}

	if svc.config.MaxHistoryEntries > 0 {
		_, err = svc.store.TrimRange(ctx, HistoryCollection(sample.DeviceID), svc.config.MaxHistoryEntries)
		if err != nil {
			log.Warn("could not trim history", "device_id", sample.DeviceID, "err", err.Error())
		}
	}

	// the redundant fan out path must never fail an ingest
	err = svc.messenger.PublishOnTopic(ctx, &types.TelemetryReceived{
		Sample:    sample,
		Timestamp: timestamp,
	})
	if err != nil {
		log.Warn("could not publish telemetry.received", "device_id", sample.DeviceID, "err", err.Error())
	}

	svc.hub.Publish(EventTelemetry, sample)

	return timestamp, nil
}

func (svc *service) CurrentState(ctx context.Context, deviceID string) (types.CurrentRecord, error) {
	raw, err := svc.store.Read(ctx, CurrentPath(deviceID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.CurrentRecord{}, ErrDeviceNotFound
		}
		return types.CurrentRecord{}, fmt.Errorf("could not read current record: %w", err)
	}

	record := types.CurrentRecord{}
	err = json.Unmarshal(raw, &record)
	if err != nil {
		return types.CurrentRecord{}, fmt.Errorf("could not unmarshal current record: %w", err)
	}

	return record, nil
}

func (svc *service) LatestN(ctx context.Context, deviceID string, n int) ([]types.TelemetrySample, error) {
	result, err := svc.store.QueryRange(ctx, HistoryCollection(deviceID), "timestamp", n)
	if err != nil {
		return nil, fmt.Errorf("could not query history: %w", err)
	}

	samples := make([]types.TelemetrySample, 0, len(result))
	for _, raw := range result {
		sample := types.TelemetrySample{}
		err = json.Unmarshal(raw, &sample)
		if err != nil {
			return nil, fmt.Errorf("could not unmarshal history record: %w", err)
		}
		samples = append(samples, sample)
	}

	return lo.Reverse(samples), nil
}
