package notifications

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/diwise/iot-fleet-telemetry/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"golang.org/x/sys/unix"
	yaml "gopkg.in/yaml.v2"
)

const alertEventType string = "fleet.alertRaised"

//go:generate moq -rm -out notifications_mock.go . EventSender

type EventSender interface {
	Send(ctx context.Context, alert types.Alert) error
}

type eventSender struct {
	subscribers map[string][]SubscriberConfig
}

func New(cfg *Config) EventSender {
	e := &eventSender{
		subscribers: make(map[string][]SubscriberConfig),
	}

	if cfg != nil {
		for _, n := range cfg.Notifications {
			e.subscribers[n.Type] = n.Subscribers
		}
	}

	return e
}

func (e *eventSender) Send(ctx context.Context, alert types.Alert) error {
	if s, ok := e.subscribers[alertEventType]; !ok || len(s) == 0 {
		return nil
	}

	var err error

	c, err := cloudevents.NewClientHTTP()
	if err != nil {
		return err
	}

	event := cloudevents.NewEvent()
	event.SetID(fmt.Sprintf("%s:%d", alert.DeviceID, alert.Timestamp))
	event.SetTime(time.UnixMilli(alert.Timestamp).UTC())
	event.SetSource("github.com/diwise/iot-fleet-telemetry")
	event.SetType(alertEventType)

	eventData := struct {
		AlertID   string         `json:"alertId"`
		DeviceID  string         `json:"deviceId"`
		DriverID  string         `json:"driverId,omitempty"`
		AlertType string         `json:"alertType"`
		Severity  string         `json:"severity"`
		Message   string         `json:"message,omitempty"`
		Data      map[string]any `json:"data,omitempty"`
		Timestamp int64          `json:"timestamp"`
	}{
		AlertID:   alert.ID,
		DeviceID:  alert.DeviceID,
		DriverID:  alert.DriverID,
		AlertType: alert.AlertType,
		Severity:  alert.Severity,
		Message:   alert.Message,
		Data:      alert.Data,
		Timestamp: alert.Timestamp,
	}

	err = event.SetData(cloudevents.ApplicationJSON, eventData)
	if err != nil {
		return err
	}

	logger := logging.GetFromContext(ctx)

	for _, s := range e.subscribers[alertEventType] {
		ctxWithTarget := cloudevents.ContextWithTarget(ctx, s.Endpoint)

		result := c.Send(ctxWithTarget, event)
		if cloudevents.IsUndelivered(result) || errors.Is(result, unix.ECONNREFUSED) {
			logger.Error("failed to send event", "endpoint", s.Endpoint, "err", result.Error())
			err = fmt.Errorf("%w", result)
		}
	}

	return err
}

type SubscriberConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type Notification struct {
	ID          string             `yaml:"id"`
	Name        string             `yaml:"name"`
	Type        string             `yaml:"type"`
	Subscribers []SubscriberConfig `yaml:"subscribers"`
}

type Config struct {
	Notifications []Notification `yaml:"notifications"`
}

func LoadConfiguration(data io.Reader) (*Config, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := Config{}
	if err := yaml.Unmarshal(buf, &cfg); err == nil {
		return &cfg, nil
	} else {
		return nil, err
	}
}
