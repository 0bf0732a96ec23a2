// host runs the host-side stack: both protocol host engines feeding
// the unified device registry, an HTTP view over the registry, and an
// optional relay of registry events into the durable stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/telefabric/telefabric/bridge"
	"github.com/telefabric/telefabric/core"
	"github.com/telefabric/telefabric/mgmt"
	"github.com/telefabric/telefabric/mqtt"
	"github.com/telefabric/telefabric/registry"
	"github.com/telefabric/telefabric/sparkplug"
	"github.com/telefabric/telefabric/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to YAML configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return 1
	}
	logger := core.NewLoggerFromConfig(cfg.Logging)

	err = serve(ctx, cfg, logger)
	switch {
	case ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)):
		return 130
	case err == nil:
		return 0
	case errors.Is(err, core.ErrUnreachable):
		logger.Error("broker unreachable", map[string]interface{}{"error": err})
		return 2
	default:
		logger.Error("host failed", map[string]interface{}{"error": err})
		return 1
	}
}

func loadConfig(path string) (*core.Config, error) {
	cfg := core.DefaultConfig()
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *core.Config, logger core.Logger) error {
	if cfg.Broker.ClientID == "" {
		cfg.Broker.ClientID = "telemetry-host"
	}
	client := mqtt.NewClient(cfg.Broker, logger)
	reg := registry.New(cfg.Host.EventQueueSize, logger)

	spHost := sparkplug.NewHostEngine(cfg.Device.Namespace, cfg.Device.GroupID, cfg.Host, client, reg, logger)
	mgmtHost := mgmt.NewHostEngine(cfg.Device.MgmtPrefix, cfg.Host, client, reg, logger)

	for _, t := range spHost.SubscriptionTopics() {
		if err := client.Subscribe(t, 1, spHost.HandleMessage); err != nil {
			return err
		}
	}
	if err := client.Subscribe(mgmtHost.SubscriptionTopic(), 1, mgmtHost.HandleMessage); err != nil {
		return err
	}

	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Disconnect(cfg.Host.ShutdownGrace)

	go func() { _ = spHost.Run(ctx) }()
	go func() { _ = mgmtHost.Run(ctx) }()

	// registry events ride into the durable stream when one is
	// configured; the broker-traffic relay is the bridge process
	if cfg.Stream.RedisAddr != "" {
		producer, err := bridge.NewRedisStreamProducer(ctx, cfg.Stream)
		if err != nil {
			logger.Warn("durable stream unavailable, registry events not relayed", map[string]interface{}{
				"redis_addr": cfg.Stream.RedisAddr,
				"error":      err,
			})
		} else {
			defer producer.Close()
			metrics, merr := telemetry.NewMetrics(nil)
			if merr != nil {
				logger.Warn("metrics init failed", map[string]interface{}{"error": merr})
			}
			b := bridge.New(nil, producer, metrics, logger)
			go b.DrainEvents(ctx, reg.SubscribeEvents(nil))
		}
	}

	mux := http.NewServeMux()
	registerRoutes(mux, reg, logger)
	srv := &http.Server{
		Addr:              cfg.Host.HTTPListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	httpErr := make(chan error, 1)
	go func() {
		logger.Info("http listening", map[string]interface{}{"addr": cfg.Host.HTTPListenAddr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	select {
	case err := <-httpErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Host.ShutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
