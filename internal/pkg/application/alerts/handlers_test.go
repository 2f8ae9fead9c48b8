package alerts

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/diwise/iot-fleet-telemetry/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/matryer/is"
)

func TestHandlerRaisesAnAlertWhenAMaxBoundaryIsCrossed(t *testing.T) {
	is, ctx, svc, _ := setupTest(t)

	rules := rulesWith(AlertRule{
		AlertType: "overspeed",
		Metric:    MetricSpeed,
		Max:       80,
		HasMax:    true,
		Severity:  types.AlertSeverityHigh,
	})

	handler := NewTelemetryReceivedHandler(svc, rules)
	handler(ctx, telemetryMsg("GPS-001", 95, 70, 50), slog.Default())

	active, err := svc.ActiveAlerts(ctx, 50)
	is.NoErr(err)
	is.Equal(len(active), 1)
	is.Equal(active[0].AlertType, "overspeed")
	is.Equal(active[0].Severity, types.AlertSeverityHigh)
	is.Equal(active[0].Data["speed"], 95.0)
	is.Equal(active[0].Data["limit"], 80.0)
}

func TestHandlerRaisesAnAlertWhenAMinBoundaryIsCrossed(t *testing.T) {
	is, ctx, svc, _ := setupTest(t)

	rules := rulesWith(AlertRule{
		AlertType: "fuel_low",
		Metric:    MetricFuelLevel,
		Min:       20,
		HasMin:    true,
		Severity:  types.AlertSeverityMedium,
	})

	handler := NewTelemetryReceivedHandler(svc, rules)
	handler(ctx, telemetryMsg("GPS-001", 50, 70, 12), slog.Default())

	active, err := svc.ActiveAlerts(ctx, 50)
	is.NoErr(err)
	is.Equal(len(active), 1)
	is.Equal(active[0].AlertType, "fuel_low")
}

func TestHandlerIgnoresSamplesWithinTheAllowedBand(t *testing.T) {
	is, ctx, svc, _ := setupTest(t)

	rules := rulesWith(AlertRule{
		AlertType: "overspeed",
		Metric:    MetricSpeed,
		Max:       80,
		HasMax:    true,
		Severity:  types.AlertSeverityHigh,
	})

	handler := NewTelemetryReceivedHandler(svc, rules)
	handler(ctx, telemetryMsg("GPS-001", 60, 70, 50), slog.Default())

	active, err := svc.ActiveAlerts(ctx, 50)
	is.NoErr(err)
	is.Equal(len(active), 0)
}

func TestHandlerDoesNotDuplicateAnUnresolvedAlert(t *testing.T) {
	is, ctx, svc, _ := setupTest(t)

	rules := rulesWith(AlertRule{
		AlertType: "overspeed",
		Metric:    MetricSpeed,
		Max:       80,
		HasMax:    true,
		Severity:  types.AlertSeverityHigh,
	})

	handler := NewTelemetryReceivedHandler(svc, rules)
	handler(ctx, telemetryMsg("GPS-001", 95, 70, 50), slog.Default())
	handler(ctx, telemetryMsg("GPS-001", 97, 70, 50), slog.Default())

	active, err := svc.ActiveAlerts(ctx, 50)
	is.NoErr(err)
	is.Equal(len(active), 1)
}

func TestHandlerRaisesAgainAfterTheFirstAlertIsResolved(t *testing.T) {
	is, ctx, svc, _ := setupTest(t)

	rules := rulesWith(AlertRule{
		AlertType: "overspeed",
		Metric:    MetricSpeed,
		Max:       80,
		HasMax:    true,
		Severity:  types.AlertSeverityHigh,
	})

	handler := NewTelemetryReceivedHandler(svc, rules)
	handler(ctx, telemetryMsg("GPS-001", 95, 70, 50), slog.Default())

	active, err := svc.ActiveAlerts(ctx, 50)
	is.NoErr(err)
	is.Equal(len(active), 1)
	is.NoErr(svc.Resolve(ctx, active[0].ID))

	handler(ctx, telemetryMsg("GPS-001", 97, 70, 50), slog.Default())

	active, err = svc.ActiveAlerts(ctx, 50)
	is.NoErr(err)
	is.Equal(len(active), 1)
}

func TestHandlerOnlyAppliesDeviceScopedRulesToThatDevice(t *testing.T) {
	is, ctx, svc, _ := setupTest(t)

	rules := rulesWith(AlertRule{
		DeviceID:  "GPS-002",
		AlertType: "overspeed",
		Metric:    MetricSpeed,
		Max:       80,
		HasMax:    true,
		Severity:  types.AlertSeverityHigh,
	})

	handler := NewTelemetryReceivedHandler(svc, rules)
	handler(ctx, telemetryMsg("GPS-001", 95, 70, 50), slog.Default())

	active, err := svc.ActiveAlerts(ctx, 50)
	is.NoErr(err)
	is.Equal(len(active), 0)
}

func TestHandlerWithoutRulesDoesNothing(t *testing.T) {
	is, ctx, svc, env := setupTest(t)

	handler := NewTelemetryReceivedHandler(svc, nil)
	handler(ctx, telemetryMsg("GPS-001", 95, 70, 50), slog.Default())

	is.Equal(len(env.msgCtx.PublishOnTopicCalls()), 0)
}

func rulesWith(rules ...AlertRule) *Configuration {
	return &Configuration{Rules: rules}
}

func telemetryMsg(deviceID string, speed, temperature, fuelLevel float64) messaging.IncomingTopicMessage {
	return &messaging.IncomingTopicMessageMock{
		BodyFunc: func() []byte {
			received := types.TelemetryReceived{
				Sample: types.TelemetrySample{
					DeviceID:    deviceID,
					DriverID:    "DRV-001",
					Speed:       speed,
					Temperature: temperature,
					FuelLevel:   fuelLevel,
					Status:      types.DeviceStatusActive,
					Timestamp:   1700000000000,
				},
				Timestamp: 1700000000000,
			}
			b, _ := json.Marshal(&received)
			return b
		},
	}
}
