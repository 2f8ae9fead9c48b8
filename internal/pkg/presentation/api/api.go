package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"log/slog"

	"github.com/diwise/iot-fleet-telemetry/internal/pkg/application/alerts"
	"github.com/diwise/iot-fleet-telemetry/internal/pkg/application/telemetry"
	"github.com/diwise/iot-fleet-telemetry/internal/pkg/infrastructure/store"
	"github.com/diwise/iot-fleet-telemetry/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("iot-fleet-telemetry/api")

const defaultFetchLimit int = 50

func RegisterHandlers(ctx context.Context, router *chi.Mux, svc telemetry.TelemetryService, alertSvc alerts.AlertService, s store.Store) (*chi.Mux, error) {

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	log := logging.GetFromContext(ctx)

	router.Route("/api/v0", func(r chi.Router) {
		r.Post("/telemetry", ingestTelemetryHandler(log, svc))

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", queryAlertsHandler(log, alertSvc))
			r.Post("/", raiseAlertHandler(log, alertSvc))
			r.Get("/{alertID}", getAlertDetails(log, alertSvc))
			r.Patch("/{alertID}", resolveAlertHandler(log, alertSvc))
		})

		r.Route("/devices/{deviceID}", func(r chi.Router) {
			r.Get("/telemetry", queryTelemetryHandler(log, svc))
			r.Get("/telemetry/current", getCurrentTelemetry(log, svc))
			r.Get("/stream", streamTelemetryHandler(log, s))
		})
	})

	return router, nil
}

func ingestTelemetryHandler(log *slog.Logger, svc telemetry.TelemetryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "ingest-telemetry")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			requestLogger.Error("unable to read body", "err", err.Error())
			writeError(w, http.StatusBadRequest, "unable to read body")
			return
		}

		var sample types.TelemetrySample
		err = json.Unmarshal(body, &sample)
		if err != nil {
			requestLogger.Error("unable to unmarshal body", "err", err.Error())
			writeError(w, http.StatusBadRequest, "malformed telemetry sample")
			return
		}

		timestamp, err := svc.Ingest(ctx, sample)
		if err != nil {
			if errors.Is(err, telemetry.ErrMissingDeviceID) || errors.Is(err, telemetry.ErrMissingDriverID) {
				requestLogger.Debug("invalid telemetry sample", "err", err.Error())
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}

			requestLogger.Error("unable to ingest telemetry", "err", err.Error())
			writeError(w, http.StatusInternalServerError, "unable to ingest telemetry")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"timestamp": timestamp,
		})
	}
}

func queryTelemetryHandler(log *slog.Logger, svc telemetry.TelemetryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "query-telemetry")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		deviceID := chi.URLParam(r, "deviceID")
		if deviceID != "" {
			requestLogger = requestLogger.With(slog.String("device_id", deviceID))
		}

		limit := fetchLimit(r, defaultFetchLimit)

		samples, err := svc.LatestN(ctx, deviceID, limit)
		if err != nil {
			requestLogger.Error("unable to fetch telemetry", "err", err.Error())
			writeError(w, http.StatusInternalServerError, "unable to fetch telemetry")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"telemetry": samples,
		})
	}
}

func getCurrentTelemetry(log *slog.Logger, svc telemetry.TelemetryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-current-telemetry")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		deviceID := chi.URLParam(r, "deviceID")
		if deviceID != "" {
			requestLogger = requestLogger.With(slog.String("device_id", deviceID))
		}

		current, err := svc.CurrentState(ctx, deviceID)
		if err != nil {
			if errors.Is(err, telemetry.ErrDeviceNotFound) {
				requestLogger.Debug("device not found")
				writeError(w, http.StatusNotFound, "device not found")
				return
			}

			requestLogger.Error("could not fetch data", "err", err.Error())
			writeError(w, http.StatusInternalServerError, "unable to fetch current state")
			return
		}

		writeJSON(w, http.StatusOK, current)
	}
}

// streamTelemetryHandler pushes the device's current state over server
// sent events. An event is written when the state changes, not on a
// fixed poll interval.
func streamTelemetryHandler(log *slog.Logger, s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "stream-telemetry")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		deviceID := chi.URLParam(r, "deviceID")
		if deviceID != "" {
			requestLogger = requestLogger.With(slog.String("device_id", deviceID))
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			requestLogger.Error("response writer does not support streaming")
			writeError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		changes := make(chan json.RawMessage, 8)

		unsubscribe, err := s.Subscribe(ctx, telemetry.CurrentPath(deviceID),
			func(value json.RawMessage) {
				select {
				case changes <- value:
				default:
					requestLogger.Debug("dropping state change, slow consumer")
				}
			},
			func(err error) {
				requestLogger.Error("subscription failure", "err", err.Error())
			},
		)
		if err != nil {
			requestLogger.Error("unable to subscribe to state changes", "err", err.Error())
			writeError(w, http.StatusInternalServerError, "unable to subscribe to state changes")
			return
		}
		defer unsubscribe()

		for {
			select {
			case <-r.Context().Done():
				return
			case value := <-changes:
				if value == nil {
					continue
				}

				_, err = fmt.Fprintf(w, "data: %s\n\n", value)
				if err != nil {
					requestLogger.Debug("stream closed by client", "err", err.Error())
					return
				}
				flusher.Flush()
			}
		}
	}
}

func raiseAlertHandler(log *slog.Logger, svc alerts.AlertService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "raise-alert")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			requestLogger.Error("unable to read body", "err", err.Error())
			writeError(w, http.StatusBadRequest, "unable to read body")
			return
		}

		var alert types.Alert
		err = json.Unmarshal(body, &alert)
		if err != nil {
			requestLogger.Error("unable to unmarshal body", "err", err.Error())
			writeError(w, http.StatusBadRequest, "malformed alert")
			return
		}

		alertID, err := svc.Raise(ctx, alert)
		if err != nil {
			if errors.Is(err, alerts.ErrMissingDeviceID) || errors.Is(err, alerts.ErrMissingAlertType) || errors.Is(err, alerts.ErrBadSeverity) {
				requestLogger.Debug("invalid alert", "err", err.Error())
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}

			requestLogger.Error("unable to raise alert", "err", err.Error())
			writeError(w, http.StatusInternalServerError, "unable to raise alert")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"alertId": alertID,
		})
	}
}

func queryAlertsHandler(log *slog.Logger, svc alerts.AlertService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "query-alerts")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		limit := fetchLimit(r, defaultFetchLimit)

		active, err := svc.ActiveAlerts(ctx, limit)
		if err != nil {
			requestLogger.Error("unable to fetch alerts", "err", err.Error())
			writeError(w, http.StatusInternalServerError, "unable to fetch alerts")
			return
		}

		writeJSON(w, http.StatusOK, active)
	}
}

func getAlertDetails(log *slog.Logger, svc alerts.AlertService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-alert")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		alertID := chi.URLParam(r, "alertID")
		if alertID != "" {
			requestLogger = requestLogger.With(slog.String("alert_id", alertID))
		}

		alert, err := svc.GetByID(ctx, alertID)
		if err != nil {
			if errors.Is(err, alerts.ErrAlertNotFound) {
				requestLogger.Debug("alert not found")
				writeError(w, http.StatusNotFound, "alert not found")
				return
			}

			requestLogger.Error("could not fetch data", "err", err.Error())
			writeError(w, http.StatusInternalServerError, "unable to fetch alert")
			return
		}

		writeJSON(w, http.StatusOK, alert)
	}
}

func resolveAlertHandler(log *slog.Logger, svc alerts.AlertService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "resolve-alert")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		alertID := chi.URLParam(r, "alertID")
		if alertID != "" {
			requestLogger = requestLogger.With(slog.String("alert_id", alertID))
		}

		err = svc.Resolve(ctx, alertID)
		if err != nil {
			if errors.Is(err, alerts.ErrAlertNotFound) {
				requestLogger.Debug("alert not found")
				writeError(w, http.StatusNotFound, "alert not found")
				return
			}

			requestLogger.Error("unable to resolve alert", "err", err.Error())
			writeError(w, http.StatusInternalServerError, "unable to resolve alert")
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func fetchLimit(r *http.Request, defaultLimit int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil && limit > 0 {
			return limit
		}
	}
	return defaultLimit
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	b, err := json.Marshal(body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "marshalling failure")
		return
	}

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(b)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	fmt.Fprintf(w, `{"error": %q}`, message)
}
