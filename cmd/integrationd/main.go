// integrationd runs the integration broker: its own host-side engine
// stack feeding a registry, the MQTT adapter over that stack, and the
// external HTTP API for device discovery, parameter writes, and
// commands.
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

	"github.com/telefabric/telefabric/core"
	"github.com/telefabric/telefabric/description"
	"github.com/telefabric/telefabric/integration"
	"github.com/telefabric/telefabric/mgmt"
	"github.com/telefabric/telefabric/mqtt"
	"github.com/telefabric/telefabric/registry"
	"github.com/telefabric/telefabric/sparkplug"
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
		logger.Error("integration broker failed", map[string]interface{}{"error": err})
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
	// parameter validation is meaningless without the profile, so a
	// missing description is fatal here, unlike in the simulator
	desc, err := description.Load(cfg.Integration.DescriptionPath)
	if err != nil {
		return fmt.Errorf("device description %q: %w", cfg.Integration.DescriptionPath, err)
	}

	if cfg.Broker.ClientID == "" {
		cfg.Broker.ClientID = "integration-broker"
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

	broker := integration.NewBroker(cfg.Integration, logger)
	broker.RegisterAdapter(integration.NewMQTTAdapter(reg, mgmtHost, logger))
	broker.RegisterDescription("smart_breaker", desc)

	if err := broker.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := broker.Stop(); err != nil {
			logger.Warn("broker stop", map[string]interface{}{"error": err})
		}
	}()

	mux := http.NewServeMux()
	integration.NewAPIHandler(broker, logger).RegisterRoutes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","devices":%d}`, len(broker.DiscoverDevices()))
	})
	srv := &http.Server{
		Addr:              cfg.Integration.HTTPListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	httpErr := make(chan error, 1)
	go func() {
		logger.Info("http listening", map[string]interface{}{"addr": cfg.Integration.HTTPListenAddr})
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
