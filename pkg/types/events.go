package types

import "encoding/json"

type TelemetryReceived struct {
	Sample    TelemetrySample `json:"sample"`
	Timestamp int64           `json:"timestamp"`
}

func (t *TelemetryReceived) ContentType() string {
	return "application/json"
}
func (t *TelemetryReceived) TopicName() string {
	return "telemetry.received"
}
func (t *TelemetryReceived) Body() []byte {
	b, _ := json.Marshal(t)
	return b
}

type AlertRaised struct {
	Alert     Alert `json:"alert"`
	Timestamp int64 `json:"timestamp"`
}

func (a *AlertRaised) ContentType() string {
	return "application/json"
}
func (a *AlertRaised) TopicName() string {
	return "alerts.alertRaised"
}
func (a *AlertRaised) Body() []byte {
	b, _ := json.Marshal(a)
	return b
}

type AlertResolved struct {
	ID        string `json:"id"`
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp"`
}

func (a *AlertResolved) ContentType() string {
	return "application/json"
}
func (a *AlertResolved) TopicName() string {
	return "alerts.alertResolved"
}
func (a *AlertResolved) Body() []byte {
	b, _ := json.Marshal(a)
	return b
}
