// devicesim runs a fleet of simulated field devices. Each device
// publishes binary telemetry and JSON management traffic over one
// shared broker connection per device.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/telefabric/telefabric/core"
	"github.com/telefabric/telefabric/description"
	"github.com/telefabric/telefabric/device"
	"github.com/telefabric/telefabric/mgmt"
	"github.com/telefabric/telefabric/sparkplug"
)

// rotation used when the configured type is "mixed"
var deviceTypes = []string{
	"temperature_sensor",
	"pressure_sensor",
	"flow_sensor",
	"level_sensor",
	"pump_monitor",
	"compressor_monitor",
	"motor_monitor",
	"smart_breaker",
}

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

	err = simulate(ctx, cfg, logger)
	switch {
	case ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)):
		return 130
	case err == nil:
		return 0
	case errors.Is(err, core.ErrUnreachable):
		logger.Error("broker unreachable", map[string]interface{}{"error": err})
		return 2
	default:
		logger.Error("simulator failed", map[string]interface{}{"error": err})
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

func simulate(ctx context.Context, cfg *core.Config, logger core.Logger) error {
	count := cfg.Device.Count
	if count < 1 {
		count = 1
	}

	// breaker devices validate configure writes against the profile
	// when it is present
	desc, err := description.Load(cfg.Integration.DescriptionPath)
	if err != nil {
		logger.Warn("device description unavailable, configure writes unvalidated", map[string]interface{}{
			"path":  cfg.Integration.DescriptionPath,
			"error": err,
		})
		desc = nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, count)

	for i := 0; i < count; i++ {
		deviceType := cfg.Device.Type
		if deviceType == "mixed" {
			deviceType = deviceTypes[i%len(deviceTypes)]
		}
		deviceID := cfg.Device.ID
		if deviceID == "" || count > 1 {
			deviceID = fmt.Sprintf("device-%s-%03d", deviceType, i+1)
		}

		devCfg := *cfg
		devCfg.Device.ID = deviceID
		devCfg.Device.Type = deviceType
		devCfg.Broker.ClientID = deviceID

		var source sparkplug.SensorSource
		var model mgmt.DeviceModel
		var breaker *device.SmartBreaker
		if deviceType == "smart_breaker" {
			breaker = device.NewSmartBreaker(deviceID, desc, logger)
			source, model = breaker, breaker
		} else {
			source = device.NewSensorSource(deviceType, deviceID)
			model = device.NewSensorModel(deviceType, deviceID)
		}

		rt := device.NewRuntime(devCfg, source, model, logger)
		if breaker != nil {
			breaker.SetEventPublisher(rt.MgmtEngine().PublishEvent)
		}

		logger.Info("starting device", map[string]interface{}{
			"device_id":   deviceID,
			"device_type": deviceType,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rt.Run(ctx); err != nil {
				errs <- err
				cancel()
			}
		}()
	}

	wg.Wait()
	close(errs)
	return <-errs
}
