package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/iot-fleet-telemetry/internal/pkg/application/fanout"
	"github.com/diwise/iot-fleet-telemetry/internal/pkg/application/notifications"
	"github.com/diwise/iot-fleet-telemetry/internal/pkg/infrastructure/store"
	"github.com/diwise/iot-fleet-telemetry/pkg/types"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

var ErrAlertNotFound = fmt.Errorf("alert not found")
var ErrMissingDeviceID = fmt.Errorf("alert contains no deviceId")
var ErrMissingAlertType = fmt.Errorf("alert contains no alertType")
var ErrBadSeverity = fmt.Errorf("alert severity must be low, medium or high")

// EventAlert is the fan out hub event type for raised alerts.
const EventAlert string = "alert"

//go:generate moq -rm -out alertservice_mock.go . AlertService
type AlertService interface {
	// Raise persists an alert record, adds it to the device's active
	// alert index and returns the generated alert id.
	Raise(ctx context.Context, alert types.Alert) (string, error)

	// Resolve marks an alert resolved and removes it from the device's
	// active alert index. Resolving an already resolved alert is a no-op.
	Resolve(ctx context.Context, alertID string) error

	GetByID(ctx context.Context, alertID string) (types.Alert, error)
	ActiveAlerts(ctx context.Context, limit int) ([]types.Alert, error)

	RegisterTopicMessageHandler(ctx context.Context) error
}

type alertSvc struct {
	store     store.Store
	messenger messaging.MsgContext
	hub       *fanout.Hub
	notifier  notifications.EventSender
	rules     *Configuration
}

func New(s store.Store, messenger messaging.MsgContext, hub *fanout.Hub, notifier notifications.EventSender, rules *Configuration) AlertService {
	return &alertSvc{
		store:     s,
		messenger: messenger,
		hub:       hub,
		notifier:  notifier,
		rules:     rules,
	}
}

func (svc *alertSvc) RegisterTopicMessageHandler(ctx context.Context) error {
	return svc.messenger.RegisterTopicMessageHandler("telemetry.received", NewTelemetryReceivedHandler(svc, svc.rules))
}

func AlertPath(alertID string) string {
	return "alert/" + alertID
}

func ActiveIndexPath(deviceID, alertID string) string {
	return fmt.Sprintf("device/%s/activeAlerts/%s", deviceID, alertID)
}

func (svc *alertSvc) Raise(ctx context.Context, alert types.Alert) (string, error) {
	log := logging.GetFromContext(ctx)

	if alert.DeviceID == "" {
		return "", ErrMissingDeviceID
	}
	if alert.AlertType == "" {
		return "", ErrMissingAlertType
	}
	if !types.ValidSeverity(alert.Severity) {
		return "", ErrBadSeverity
	}

	// a uuid avoids the id collisions a raw millisecond timestamp would
	// suffer under concurrent raises
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Timestamp == 0 {
		alert.Timestamp = time.Now().UnixMilli()
	}
	alert.Resolved = false

	err := svc.store.Write(ctx, AlertPath(alert.ID), alert)
	if err != nil {
		return "", fmt.Errorf("could not store alert: %w", err)
	}

	err = svc.store.Write(ctx, ActiveIndexPath(alert.DeviceID, alert.ID), true)
	if err != nil {
		return "", fmt.Errorf("could not update active alert index: %w", err)
	}

	err = svc.messenger.PublishOnTopic(ctx, &types.AlertRaised{
		Alert:     alert,
		Timestamp: alert.Timestamp,
	})
	if err != nil {
		log.Warn("could not publish alerts.alertRaised", "alert_id", alert.ID, "err", err.Error())
	}

	if svc.notifier != nil {
		err = svc.notifier.Send(ctx, alert)
		if err != nil {
			log.Warn("could not notify alert subscribers", "alert_id", alert.ID, "err", err.Error())
		}
	}

	svc.hub.Publish(EventAlert, alert)

	return alert.ID, nil
}

func (svc *alertSvc) Resolve(ctx context.Context, alertID string) error {
	log := logging.GetFromContext(ctx)

	alert, err := svc.GetByID(ctx, alertID)
	if err != nil {
		return err
	}

	if alert.Resolved {
		return nil
	}

	alert.Resolved = true

	// the record is written before the index entry is cleared, so a
	// failure in between leaves a resolved alert still indexed rather
	// than an unresolved alert without index entry
	err = svc.store.Write(ctx, AlertPath(alertID), alert)
	if err != nil {
		return fmt.Errorf("could not store alert: %w", err)
	}

	err = svc.store.Delete(ctx, ActiveIndexPath(alert.DeviceID, alertID))
	if err != nil {
		return fmt.Errorf("could not clear active alert index: %w", err)
	}

	err = svc.messenger.PublishOnTopic(ctx, &types.AlertResolved{
		ID:        alertID,
		DeviceID:  alert.DeviceID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		log.Warn("could not publish alerts.alertResolved", "alert_id", alertID, "err", err.Error())
	}

	return nil
}

func (svc *alertSvc) GetByID(ctx context.Context, alertID string) (types.Alert, error) {
	raw, err := svc.store.Read(ctx, AlertPath(alertID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Alert{}, ErrAlertNotFound
		}
		return types.Alert{}, fmt.Errorf("could not read alert: %w", err)
	}

	alert := types.Alert{}
	err = json.Unmarshal(raw, &alert)
	if err != nil {
		return types.Alert{}, fmt.Errorf("could not unmarshal alert: %w", err)
	}

	return alert, nil
}

// ActiveAlerts returns unresolved alerts among the limit most recently
// raised records, newest first. Unresolved alerts older than the fetch
// window are not returned.
func (svc *alertSvc) ActiveAlerts(ctx context.Context, limit int) ([]types.Alert, error) {
	result, err := svc.store.QueryRange(ctx, "alert", "timestamp", limit)
	if err != nil {
		return nil, fmt.Errorf("could not query alerts: %w", err)
	}

	alerts := make([]types.Alert, 0, len(result))
	for _, raw := range result {
		alert := types.Alert{}
		err = json.Unmarshal(raw, &alert)
		if err != nil {
			return nil, fmt.Errorf("could not unmarshal alert: %w", err)
		}
		alerts = append(alerts, alert)
	}

	active := lo.Filter(alerts, func(a types.Alert, _ int) bool {
		return !a.Resolved
	})

	return lo.Reverse(active), nil
}
