package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/diwise/iot-fleet-telemetry/internal/pkg/application/alerts"
	"github.com/diwise/iot-fleet-telemetry/internal/pkg/application/fanout"
	"github.com/diwise/iot-fleet-telemetry/internal/pkg/application/notifications"
	"github.com/diwise/iot-fleet-telemetry/internal/pkg/application/telemetry"
	"github.com/diwise/iot-fleet-telemetry/internal/pkg/infrastructure/router"
	"github.com/diwise/iot-fleet-telemetry/internal/pkg/infrastructure/store"
	"github.com/diwise/iot-fleet-telemetry/internal/pkg/presentation/api"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/go-chi/chi/v5"
)

const serviceName string = "iot-fleet-telemetry"

type flagType int
type flagMap map[flagType]string

const (
	listenAddress flagType = iota
	servicePort

	redisAddr
	redisPassword
	redisDB

	alertRulesFile
	notificationsFile

	fanoutURL
	historyRetention

	devmode
)

func defaultFlags() flagMap {
	return flagMap{
		listenAddress: "0.0.0.0",
		servicePort:   "8080",

		redisAddr:     "localhost:6379",
		redisPassword: "",
		redisDB:       "0",

		alertRulesFile:    "",
		notificationsFile: "",

		fanoutURL:        "",
		historyRetention: "0",

		devmode: "false",
	}
}

func main() {
	ctx, flags := parseExternalConfig(context.Background(), defaultFlags())

	serviceVersion := buildinfo.SourceVersion()
	ctx, logger, cleanup := o11y.Init(ctx, serviceName, serviceVersion)
	defer cleanup()

	messenger, err := messaging.Initialize(ctx, messaging.LoadConfiguration(ctx, serviceName, logger))
	exitIf(err, logger, "failed to init messenger")

	s, err := newStore(ctx, flags)
	exitIf(err, logger, "could not connect to store")

	r, transport, err := initialize(ctx, flags, s, messenger)
	exitIf(err, logger, "failed to initialize application")

	messenger.Start()
	defer messenger.Close()

	if transport != nil {
		transport.Connect(ctx)
		defer transport.Disconnect()
	}

	webServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%s", flags[listenAddress], flags[servicePort]),
		Handler: r,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("starting to listen for incoming connections", "address", webServer.Addr)
		errChan <- webServer.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err = <-errChan:
		exitIf(err, logger, "web server stopped unexpectedly")
	case sig := <-sigChan:
		logger.Info("shutting down", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		err = webServer.Shutdown(shutdownCtx)
		exitIf(err, logger, "failed to shut down web server")
	}
}

func initialize(ctx context.Context, flags flagMap, s store.Store, messenger messaging.MsgContext) (*chi.Mux, *fanout.Transport, error) {
	rules, err := loadAlertRules(flags[alertRulesFile])
	if err != nil {
		return nil, nil, err
	}

	notificationConfig, err := loadNotificationConfig(flags[notificationsFile])
	if err != nil {
		return nil, nil, err
	}

	retention, err := strconv.Atoi(flags[historyRetention])
	if err != nil {
		return nil, nil, fmt.Errorf("history retention must be numeric: %w", err)
	}

	hub := fanout.NewHub()

	var transport *fanout.Transport
	if flags[fanoutURL] != "" {
		transport = fanout.NewTransport(hub, flags[fanoutURL])
	}

	telemetrySvc := telemetry.New(s, messenger, hub, &telemetry.Config{MaxHistoryEntries: retention})
	alertSvc := alerts.New(s, messenger, hub, notifications.New(notificationConfig), rules)

	err = telemetrySvc.RegisterTopicMessageHandler(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to register telemetry topic handler: %w", err)
	}

	err = alertSvc.RegisterTopicMessageHandler(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to register alerts topic handler: %w", err)
	}

	r, err := api.RegisterHandlers(ctx, router.New(serviceName), telemetrySvc, alertSvc, s)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to register api handlers: %w", err)
	}

	return r, transport, nil
}

func newStore(ctx context.Context, flags flagMap) (store.Store, error) {
	if flags[devmode] == "true" {
		return store.NewMemoryStore(), nil
	}

	db, err := strconv.Atoi(flags[redisDB])
	if err != nil {
		return nil, fmt.Errorf("redis db must be numeric: %w", err)
	}

	return store.NewRedisStore(ctx, store.NewConfig(flags[redisAddr], flags[redisPassword], db))
}

func loadAlertRules(filePath string) (*alerts.Configuration, error) {
	if filePath == "" {
		return &alerts.Configuration{}, nil
	}

	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("could not open alert rules file: %w", err)
	}
	defer f.Close()

	return alerts.LoadConfiguration(f)
}

func loadNotificationConfig(filePath string) (*notifications.Config, error) {
	if filePath == "" {
		return nil, nil
	}

	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("could not open notifications file: %w", err)
	}
	defer f.Close()

	return notifications.LoadConfiguration(f)
}

func parseExternalConfig(ctx context.Context, flags flagMap) (context.Context, flagMap) {
	// Allow environment variables to override certain defaults
	envOrDef := env.GetVariableOrDefault

	flags[listenAddress] = envOrDef(ctx, "LISTEN_ADDRESS", flags[listenAddress])
	flags[servicePort] = envOrDef(ctx, "SERVICE_PORT", flags[servicePort])

	flags[redisAddr] = envOrDef(ctx, "REDIS_ADDR", flags[redisAddr])
	flags[redisPassword] = envOrDef(ctx, "REDIS_PASSWORD", flags[redisPassword])
	flags[redisDB] = envOrDef(ctx, "REDIS_DB", flags[redisDB])

	flags[alertRulesFile] = envOrDef(ctx, "ALERT_RULES_FILE", flags[alertRulesFile])
	flags[notificationsFile] = envOrDef(ctx, "NOTIFICATIONS_FILE", flags[notificationsFile])

	flags[fanoutURL] = envOrDef(ctx, "FANOUT_URL", flags[fanoutURL])
	flags[historyRetention] = envOrDef(ctx, "HISTORY_RETENTION", flags[historyRetention])

	apply := func(f flagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	// Allow command line arguments to override defaults and environment variables
	flag.Func("rules", "a csv file with alert rules", apply(alertRulesFile))
	flag.Func("notifications", "configuration file for alert notifications", apply(notificationsFile))
	flag.Func("fanout", "websocket url to a secondary fan out endpoint", apply(fanoutURL))
	flag.Func("devmode", "enable dev mode", apply(devmode))
	flag.Parse()

	return ctx, flags
}

func exitIf(err error, logger *slog.Logger, msg string, args ...any) {
	if err != nil {
		logger.With(args...).Error(msg, "err", err.Error())
		time.Sleep(2 * time.Second)
		os.Exit(1)
	}
}
