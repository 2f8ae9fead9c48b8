package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/diwise/iot-fleet-telemetry/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("iot-fleet-telemetry/alerts")

// evaluationWindow bounds how far back the handler looks for an existing
// unresolved alert before raising a new one of the same type.
const evaluationWindow int = 50

// NewTelemetryReceivedHandler evaluates every ingested sample against the
// configured alert rules and raises alerts for violations, unless the
// device already carries an unresolved alert of that type.
func NewTelemetryReceivedHandler(svc AlertService, rules *Configuration) messaging.TopicMessageHandler {
	return func(ctx context.Context, itm messaging.IncomingTopicMessage, l *slog.Logger) {
		var err error

		ctx, span := tracer.Start(ctx, "evaluate-telemetry")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, l, ctx)

		if rules == nil || len(rules.Rules) == 0 {
			return
		}

		received := types.TelemetryReceived{}
		err = json.Unmarshal(itm.Body(), &received)
		if err != nil {
			log.Error("failed to unmarshal message", "err", err.Error())
			return
		}

		sample := received.Sample
		ctx = logging.NewContextWithLogger(ctx, log, slog.String("device_id", sample.DeviceID))

		active, err := svc.ActiveAlerts(ctx, evaluationWindow)
		if err != nil {
			log.Error("could not fetch active alerts", "err", err.Error())
			return
		}

		for _, rule := range rules.Rules {
			if !rule.Matches(sample.DeviceID) {
				continue
			}

			value, ok := metricValue(sample, rule.Metric)
			if !ok {
				log.Debug("rule references unknown metric", "metric", rule.Metric)
				continue
			}

			violated, boundary := rule.Violated(value)
			if !violated {
				continue
			}

			if hasActiveAlertOfType(active, sample.DeviceID, rule.AlertType) {
				continue
			}

			_, err = svc.Raise(ctx, types.Alert{
				DeviceID:  sample.DeviceID,
				DriverID:  sample.DriverID,
				AlertType: rule.AlertType,
				Severity:  rule.Severity,
				Message:   fmt.Sprintf("%s is %.1f, boundary is %.1f", rule.Metric, value, boundary),
				Data: map[string]any{
					rule.Metric: value,
					"limit":     boundary,
				},
				Timestamp: sample.Timestamp,
			})
			if err != nil {
				log.Error("could not raise alert", "alert_type", rule.AlertType, "err", err.Error())
			}
		}
	}
}

func metricValue(sample types.TelemetrySample, metric string) (float64, bool) {
	switch metric {
	case MetricSpeed:
		return sample.Speed, true
	case MetricTemperature:
		return sample.Temperature, true
	case MetricFuelLevel:
		return sample.FuelLevel, true
	default:
		return 0, false
	}
}

func hasActiveAlertOfType(active []types.Alert, deviceID, alertType string) bool {
	for _, a := range active {
		if a.DeviceID == deviceID && a.AlertType == alertType {
			return true
		}
	}
	return false
}
