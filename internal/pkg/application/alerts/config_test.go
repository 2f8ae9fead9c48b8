package alerts

import (
	"strings"
	"testing"

	"github.com/diwise/iot-fleet-telemetry/pkg/types"
	"github.com/matryer/is"
)

func TestLoadRulesFromCSV(t *testing.T) {
	is := is.New(t)
	config := strings.NewReader(`deviceId;alertType;metric;min;max;severity
GPS-001;overspeed;speed;;80;high
;fuel_low;fuelLevel;20;;medium`)

	cfg, err := LoadConfiguration(config)
	is.NoErr(err)
	is.Equal(len(cfg.Rules), 2)

	is.Equal(cfg.Rules[0].DeviceID, "GPS-001")
	is.Equal(cfg.Rules[0].AlertType, "overspeed")
	is.Equal(cfg.Rules[0].Metric, MetricSpeed)
	is.Equal(cfg.Rules[0].HasMin, false)
	is.Equal(cfg.Rules[0].HasMax, true)
	is.Equal(cfg.Rules[0].Max, 80.0)
	is.Equal(cfg.Rules[0].Severity, types.AlertSeverityHigh)

	is.Equal(cfg.Rules[1].DeviceID, "")
	is.Equal(cfg.Rules[1].HasMin, true)
	is.Equal(cfg.Rules[1].Min, 20.0)
}

func TestLoadRulesRejectsRowsWithBadNumbers(t *testing.T) {
	is := is.New(t)
	config := strings.NewReader(`deviceId;alertType;metric;min;max;severity
GPS-001;overspeed;speed;;eighty;high`)

	_, err := LoadConfiguration(config)
	is.True(err != nil)
}

func TestLoadRulesRejectsRowsWithoutAlertType(t *testing.T) {
	is := is.New(t)
	config := strings.NewReader(`deviceId;alertType;metric;min;max;severity
GPS-001;;speed;;80;high`)

	_, err := LoadConfiguration(config)
	is.True(err != nil)
}

func TestRuleViolationReportsTheCrossedBoundary(t *testing.T) {
	is := is.New(t)

	rule := AlertRule{Metric: MetricSpeed, Min: 20, HasMin: true, Max: 80, HasMax: true}

	violated, boundary := rule.Violated(95)
	is.True(violated)
	is.Equal(boundary, 80.0)

	violated, boundary = rule.Violated(10)
	is.True(violated)
	is.Equal(boundary, 20.0)

	violated, _ = rule.Violated(50)
	is.True(!violated)
}

func TestUnscopedRulesMatchEveryDevice(t *testing.T) {
	is := is.New(t)

	is.True(AlertRule{}.Matches("GPS-001"))
	is.True(AlertRule{DeviceID: "GPS-001"}.Matches("GPS-001"))
	is.True(!AlertRule{DeviceID: "GPS-001"}.Matches("GPS-002"))
}
