// bridge subscribes the telemetry and management topic families on the
// broker and relays matching traffic into the durable stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/telefabric/telefabric/bridge"
	"github.com/telefabric/telefabric/core"
	"github.com/telefabric/telefabric/mqtt"
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

	err = relay(ctx, cfg, logger)
	switch {
	case ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)):
		return 130
	case err == nil:
		return 0
	case errors.Is(err, core.ErrUnreachable):
		logger.Error("broker unreachable", map[string]interface{}{"error": err})
		return 2
	default:
		logger.Error("bridge failed", map[string]interface{}{"error": err})
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

// routes applies the configured stream-topic overrides on top of the
// defaults. Overrides keyed by an unknown pattern become new routes.
func routes(cfg *core.Config) []bridge.Route {
	out := bridge.DefaultRoutes(cfg.Device.Namespace, cfg.Device.GroupID, cfg.Device.MgmtPrefix)
	overrides := make(map[string]string, len(cfg.Stream.TopicOverride))
	for pattern, stream := range cfg.Stream.TopicOverride {
		overrides[pattern] = stream
	}
	for i := range out {
		if stream, ok := overrides[out[i].Pattern]; ok {
			out[i].StreamTopic = stream
			delete(overrides, out[i].Pattern)
		}
	}
	for pattern, stream := range overrides {
		out = append(out, bridge.Route{Pattern: pattern, StreamTopic: stream})
	}
	return out
}

func relay(ctx context.Context, cfg *core.Config, logger core.Logger) error {
	producer, err := bridge.NewRedisStreamProducer(ctx, cfg.Stream)
	if err != nil {
		return fmt.Errorf("durable stream: %w", err)
	}
	defer producer.Close()

	metrics, err := telemetry.NewMetrics(nil)
	if err != nil {
		logger.Warn("metrics init failed", map[string]interface{}{"error": err})
	}
	b := bridge.New(routes(cfg), producer, metrics, logger)

	if cfg.Broker.ClientID == "" {
		cfg.Broker.ClientID = "stream-bridge"
	}
	client := mqtt.NewClient(cfg.Broker, logger)
	for _, route := range b.Routes() {
		if err := client.Subscribe(route.Pattern, 1, b.HandleMessage); err != nil {
			return err
		}
	}

	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Disconnect(cfg.Host.ShutdownGrace)

	<-ctx.Done()

	bridged, errCount := b.Counters()
	logger.Info("bridge stopping", map[string]interface{}{
		"bridged": bridged,
		"errors":  errCount,
	})
	return nil
}
