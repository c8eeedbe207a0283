package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"openhabsync/internal/api"
	"openhabsync/internal/command"
	"openhabsync/internal/config"
	"openhabsync/internal/connection"
	"openhabsync/internal/entity"
	"openhabsync/internal/metrics"
	"openhabsync/internal/mqttmirror"
	"openhabsync/internal/notify"
	"openhabsync/internal/openhab"
	"openhabsync/internal/synchronizer"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default $CONFIG_FILE or config.yaml)")
	flag.Parse()

	// Bootstrap logger until the configured level is known
	bootLogger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		bootLogger.Warn("No .env file found, using environment variables")
	}

	cfg, err := config.NewLoader(*configPath, bootLogger).Load()
	if err != nil {
		bootLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger, err := newLogger(cfg)
	if err != nil {
		bootLogger.Fatal("Failed to create logger", zap.Error(err))
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("openhabsync stopped", zap.Error(err))
	}
	logger.Info("Shut down cleanly")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(cfg.Level())
	return zc.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting openhabsync",
		zap.String("url", cfg.URL),
		zap.Bool("token", cfg.Token != ""),
		zap.Int("entities", len(cfg.Definitions())))

	registry := entity.NewRegistry(logger.Named("entity"))
	for _, def := range cfg.Definitions() {
		if err := registry.Add(def); err != nil {
			return fmt.Errorf("failed to register entity: %w", err)
		}
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	client := openhab.NewClient(cfg.URL, cfg.Token, logger.Named("openhab"))
	syncer := synchronizer.New(registry, nil, logger.Named("sync"))
	center := notify.NewCenter(logger.Named("notify"), nil)
	dispatcher := command.NewDispatcher(registry, syncer.Players(), client, logger.Named("command"))

	manager := connection.NewManager(connection.Config{
		IntegrationID:       cfg.IntegrationID,
		PollInterval:        config.Interval(cfg.PollingInterval),
		StandbyPollInterval: config.Interval(cfg.StandbyPollingInterval),
		ReconnectDelay:      config.Interval(cfg.ReconnectDelay),
		RetryDelay:          config.Interval(cfg.RetryDelay),
		MaxRetries:          cfg.MaxRetries,
	}, client, registry, syncer, center, logger.Named("connection"),
		connection.WithMetrics(m),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	hub := api.NewHub(logger.Named("ws"))
	registry.Subscribe(hub.EntityChanged)
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})

	if cfg.MQTT.Broker != "" {
		pub, err := mqttmirror.Dial(mqttmirror.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
		}, logger.Named("mqtt"))
		if err != nil {
			return fmt.Errorf("failed to connect MQTT mirror: %w", err)
		}
		mirror := mqttmirror.New(pub, cfg.MQTT.TopicPrefix, logger.Named("mqtt"))
		mirror.PublishAll(registry.Snapshots())
		registry.Subscribe(mirror.EntityChanged)
		g.Go(func() error { return mirror.Run(ctx) })
	}

	if cfg.API.Port > 0 {
		server := api.NewServer(registry, manager, dispatcher, center, hub, promRegistry, logger.Named("api"), cfg.API.Port)
		if err := server.Start(); err != nil {
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			return server.Stop()
		})
	}

	manager.Connect()
	logger.Info("Application running. Press Ctrl+C to exit.")

	return g.Wait()
}
