package alerts

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	MetricSpeed       string = "speed"
	MetricTemperature string = "temperature"
	MetricFuelLevel   string = "fuelLevel"
)

// AlertRule triggers an alert when a telemetry metric leaves the
// [Min, Max] band. An empty DeviceID matches every device.
type AlertRule struct {
	DeviceID  string
	AlertType string
	Metric    string
	Min       float64
	HasMin    bool
	Max       float64
	HasMax    bool
	Severity  string
}

type Configuration struct {
	Rules []AlertRule
}

// Violated reports whether a metric value breaks the rule and returns
// the boundary that was crossed.
func (r AlertRule) Violated(value float64) (bool, float64) {
	if r.HasMax && value > r.Max {
		return true, r.Max
	}
	if r.HasMin && value < r.Min {
		return true, r.Min
	}
	return false, 0
}

func (r AlertRule) Matches(deviceID string) bool {
	return r.DeviceID == "" || r.DeviceID == deviceID
}

// LoadConfiguration reads semicolon separated alert rules:
//
//	deviceId;alertType;metric;min;max;severity
//	GPS-001;overspeed;speed;;80;high
//	;fuel_low;fuelLevel;20;;medium
func LoadConfiguration(r io.Reader) (*Configuration, error) {
	reader := csv.NewReader(r)
	reader.Comma = ';'

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("could not read alert rules: %w", err)
	}

	config := Configuration{
		Rules: make([]AlertRule, 0, len(rows)),
	}

	for i, row := range rows {
		if i == 0 {
			continue
		}
		if len(row) < 6 {
			return nil, fmt.Errorf("alert rule on row %d has %d columns, expected 6", i+1, len(row))
		}

		rule := AlertRule{
			DeviceID:  strings.TrimSpace(row[0]),
			AlertType: strings.TrimSpace(row[1]),
			Metric:    strings.TrimSpace(row[2]),
			Severity:  strings.TrimSpace(row[5]),
		}

		if rule.AlertType == "" || rule.Metric == "" {
			return nil, fmt.Errorf("alert rule on row %d is missing alertType or metric", i+1)
		}

		if v := strings.TrimSpace(row[3]); v != "" {
			rule.Min, err = strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("alert rule on row %d has a bad min value: %w", i+1, err)
			}
			rule.HasMin = true
		}

		if v := strings.TrimSpace(row[4]); v != "" {
			rule.Max, err = strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("alert rule on row %d has a bad max value: %w", i+1, err)
			}
			rule.HasMax = true
		}

		config.Rules = append(config.Rules, rule)
	}

	return &config, nil
}
