package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/diwise/iot-fleet-telemetry/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("iot-fleet-telemetry/telemetry")

// NewDeviceTelemetryHandler accepts samples pushed by edge gateways over
// the message broker instead of the HTTP ingest endpoint.
func NewDeviceTelemetryHandler(svc TelemetryService) messaging.TopicMessageHandler {
	return func(ctx context.Context, itm messaging.IncomingTopicMessage, l *slog.Logger) {
		var err error

		ctx, span := tracer.Start(ctx, "device-telemetry")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, l, ctx)

		sample := types.TelemetrySample{}
		err = json.Unmarshal(itm.Body(), &sample)
		if err != nil {
			log.Error("failed to unmarshal message", "err", err.Error())
			return
		}

		ctx = logging.NewContextWithLogger(ctx, log, slog.String("device_id", sample.DeviceID))

		_, err = svc.Ingest(ctx, sample)
		if err != nil {
			log.Error("could not ingest telemetry", "err", err.Error())
			return
		}
	}
}
