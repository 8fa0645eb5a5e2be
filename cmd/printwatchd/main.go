// Printwatchd connects to a fleet of 3D printers, tracks their jobs and
// telemetry, and raises alerts.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"printwatch/internal/alerts"
	"printwatch/internal/anomaly"
	"printwatch/internal/api"
	"printwatch/internal/auth"
	"printwatch/internal/broadcast"
	"printwatch/internal/config"
	"printwatch/internal/events"
	"printwatch/internal/ingest"
	"printwatch/internal/lifecycle"
	"printwatch/internal/live"
	"printwatch/internal/logging"
	"printwatch/internal/model"
	"printwatch/internal/notify"
	"printwatch/internal/pipeline"
	"printwatch/internal/schedule"
	"printwatch/internal/storage"
)

const version = "0.4.0"

func main() {
	var (
		configPath = pflag.StringP("config", "c", "printwatch.yaml", "Path to config YAML or JSON")
		logLevel   = pflag.String("log-level", "", "Override the configured log level")
		watch      = pflag.Duration("watch", 5*time.Second, "Config reload poll interval, 0 disables")
	)
	pflag.Parse()

	cfgManager, err := config.NewManager(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()
	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logger := logging.NewLogger(level, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfgManager, logger, *watch); err != nil {
		logger.Error("printwatchd failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgManager *config.Manager, logger *slog.Logger, watch time.Duration) error {
	cfg := cfgManager.Get()
	logger.Info("starting printwatchd", "version", version, "config", cfgManager.Path(), "printers", len(cfg.Printers))

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	for _, p := range cfg.Printers {
		if err := store.UpsertPrinter(ctx, p.Printer()); err != nil {
			return fmt.Errorf("register printer %s: %w", p.DeviceID, err)
		}
	}
	if err := alerts.EnsureDefaults(ctx, store, cfg.Alerts.Rules, cfg.Alerts.SeedDefaults, logger); err != nil {
		return fmt.Errorf("seed alert rules: %w", err)
	}

	writer := storage.NewQueue(store, cfg.Storage.WriteQueue, cfg.Storage.WriteTimeout, logger)
	notifications := notify.NewDispatcher(cfg.Alerts.Workers, cfg.Alerts.QueueSize, cfg.Alerts.WebhookTimeout, logger)

	engine := alerts.NewEngine(store, writer, notifications, notify.NewWebhookClient(cfg.Alerts.WebhookTimeout), logger)
	if err := engine.Load(ctx); err != nil {
		return err
	}

	liveStore := live.NewStore(0)
	recent := events.NewStore(cfg.Alerts.EventBuffer)

	hub := broadcast.NewHub(logger)
	hub.SetGreeting(func() []model.Message {
		all := liveStore.GetAll()
		out := make([]model.Message, 0, len(all))
		for id, e := range all {
			out = append(out, live.StateMessage(id, e))
		}
		return out
	})
	go hub.Run(ctx)
	fanout := broadcast.Multi{hub}

	if cfg.Broadcast.Redis.Enabled {
		client := broadcast.NewRedisClient(cfg.Broadcast.Redis)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, publishing anyway", "addr", cfg.Broadcast.Redis.Addr, "err", err)
		}
		publisher := broadcast.NewRedisPublisher(client, cfg.Broadcast.Redis, logger)
		go publisher.Run(ctx)
		fanout = append(fanout, publisher)
	}

	tracker := lifecycle.NewTracker(store, writer, logger)
	detector := anomaly.NewDetector(cfg.Anomaly, store, writer, logger)
	dispatcher := pipeline.New(pipeline.Options{
		QueueSize: cfg.Ingest.QueueSize,
		Sampling:  cfg.Sampling,
		Anomaly:   cfg.Anomaly,
	}, pipeline.Stages{
		Store:     store,
		Writer:    writer,
		Live:      liveStore,
		Events:    recent,
		Broadcast: fanout,
		Lifecycle: tracker,
		Anomaly:   detector,
		Alerts:    engine,
		Logger:    logger,
	})

	credentials := auth.NewStatic(cfg.Cloud)
	creds, err := credentials.Current()
	if err != nil && cfg.Ingest.MQTT.Enabled && len(cfg.Printers) > 0 {
		logger.Warn("mqtt sessions start without credentials", "err", err)
	}
	mqttManager := ingest.NewMQTTManager(cfg.Ingest.MQTT, cfg.BrokerURL(), creds, dispatcher, logger)
	if cfg.Ingest.MQTT.Enabled {
		for _, p := range cfg.Printers {
			if err := mqttManager.Connect(p.DeviceID); err != nil {
				logger.Error("mqtt connect failed", "device_id", p.DeviceID, "err", err)
			}
		}
	}
	ingest.StartKafka(ctx, cfg.Ingest.Kafka, dispatcher, logger)

	scheduler, err := schedule.New(cfg.Schedule, cfg.Retention, schedule.Deps{
		Resync:      mqttManager,
		Store:       store,
		Auth:        credentials,
		Credentials: mqttManager,
		Broadcast:   fanout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	scheduler.Start(ctx)

	var relay http.Handler
	if cfg.Ingest.REST.Enabled {
		relay = ingest.NewRESTHandler(dispatcher, logger)
	}
	api.Start(ctx, api.Deps{
		Config:    cfgManager,
		Store:     store,
		Live:      liveStore,
		Events:    recent,
		Commander: mqttManager,
		Rules:     engine,
		WS:        hub.Handler(),
		Relay:     relay,
		Logger:    logger,
		Version:   version,
	})

	if watch > 0 {
		go cfgManager.Watch(watch, func(next *config.Config) {
			logger.Info("config reloaded")
			dispatcher.UpdateConfig(next)
			credentials.Set(next.Cloud)
			if c, err := credentials.Current(); err == nil {
				mqttManager.UpdateCredentials(c)
			}
		}, func(err error) {
			logger.Warn("config reload failed", "err", err)
		}, ctx.Done())
	}

	<-ctx.Done()
	logger.Info("shutdown requested")

	mqttManager.Close()
	dispatcher.Close()
	notifications.Close()
	writer.Close()
	logger.Info("printwatchd stopped")
	return nil
}
