// Command aranet-reader reads an Aranet4 CO2 sensor over Bluetooth LE.
//
// Without refresh_interval_seconds it prints one reading and exits 0, or 1 if
// no reading could be obtained. With it, it polls until interrupted, serving
// Prometheus metrics and publishing to MQTT when configured.
//
// Usage:
//
//	aranet-reader [--config path] [--once] [--fahrenheit] [--log-level level]
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/aranet-reader/internal/ble"
	"github.com/chaz8081/aranet-reader/internal/ble/protocol"
	"github.com/chaz8081/aranet-reader/internal/cache"
	"github.com/chaz8081/aranet-reader/internal/config"
	"github.com/chaz8081/aranet-reader/internal/logger"
	"github.com/chaz8081/aranet-reader/internal/metrics"
	"github.com/chaz8081/aranet-reader/internal/mqtt"
	"github.com/chaz8081/aranet-reader/internal/pinentry"
	"github.com/chaz8081/aranet-reader/internal/poller"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := pflag.StringP("config", "c", "", "path to config file (default: ~/.config/aranet-reader/config.yaml)")
	once := pflag.Bool("once", false, "take a single reading even if refresh_interval_seconds is set")
	fahrenheit := pflag.Bool("fahrenheit", false, "display temperature in Fahrenheit")
	logLevel := pflag.String("log-level", "", "log level: debug, info, warn or error")
	writeConfig := pflag.Bool("write-config", false, "write a default config file and exit")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("aranet-reader %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}

	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			return 1
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		} else {
			fmt.Printf("Wrote default config to %s\n", path)
		}
		return 0
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, ".env: %v\n", err)
		return 1
	}

	cfg, source, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	if err := config.ApplyEnv(cfg, os.LookupEnv); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	if *once {
		cfg.RefreshIntervalSeconds = nil
	}
	if *fahrenheit {
		cfg.DisplayFahrenheit = true
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		return 1
	}

	log := logger.New(config.ParseLogLevel(cfg.LogLevel))
	defer func() { _ = log.Sync() }()
	log.Info("starting up",
		zap.String("version", version),
		zap.String("config", source),
		zap.String("device", cfg.DeviceAddress),
		zap.String("transport", cfg.Transport))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr, err := cfg.Address()
	if err != nil {
		log.Error("invalid device address", zap.Error(err))
		return 1
	}
	adapter, err := ble.NewAdapter(cfg.Transport, cfg.Adapter, log)
	if err != nil {
		log.Error("cannot create bluetooth adapter", zap.Error(err))
		return 1
	}

	sessionOpts := cfg.SessionOptions()
	sessionOpts.Logger = log
	session := ble.NewSession(adapter, addr, pinProvider(cfg, log), sessionOpts)

	readings := cache.New()
	pollerOpts := cfg.PollerOptions()
	pollerOpts.Logger = log
	sched := poller.New(session, readings, pollerOpts)

	if !cfg.Continuous() {
		r, err := sched.Once(ctx)
		if err != nil {
			log.Error("no reading", zap.Error(err))
			return 1
		}
		fmt.Println(r.OneLine(cfg.DisplayFahrenheit))
		return 0
	}

	if err := runContinuous(ctx, cfg, addr, readings, sched, log); err != nil {
		log.Error("stopped", zap.Error(err))
		return 1
	}
	log.Info("shut down")
	return 0
}

// runContinuous polls until ctx ends, with the metrics server and MQTT feed
// running alongside when configured.
func runContinuous(ctx context.Context, cfg *config.Config, addr ble.Address, readings *cache.Cache, sched *poller.Scheduler, log *zap.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsListenAddress != "" {
		unit, err := metrics.ParseTemperatureUnit(cfg.Metrics.TemperatureUnit)
		if err != nil {
			return err
		}
		srv, err := metrics.NewServer(
			metrics.WithLogger(log),
			metrics.WithCollector(metrics.NewCollector(readings, addr.String(), unit)),
		)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return srv.ListenAndServe(gctx, cfg.MetricsListenAddress)
		})
	}

	if cfg.MQTT.Broker != "" {
		client, err := mqtt.Connect(mqtt.ClientConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, log)
		if err != nil {
			return err
		}
		defer mqtt.Disconnect(client)

		pub := mqtt.NewPublisher(client, mqtt.PublisherConfig{
			Topic:       cfg.MQTT.Topic,
			Address:     addr.String(),
			QoS:         cfg.MQTT.QoS,
			Retain:      cfg.MQTT.Retain,
			MinInterval: cfg.MQTT.MinPublishInterval,
		}, log)
		feed, unsubscribe := readings.Subscribe(8)
		defer unsubscribe()
		g.Go(func() error {
			pub.Run(gctx, feed)
			return nil
		})
	}

	printed, unsubscribe := readings.Subscribe(1)
	defer unsubscribe()
	g.Go(func() error {
		printReadings(gctx, printed, cfg.DisplayFahrenheit)
		return nil
	})

	g.Go(func() error {
		err := sched.Run(gctx)
		if err != nil {
			return err
		}
		// Stop the servers once polling ends.
		return context.Canceled
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printReadings(ctx context.Context, ch <-chan protocol.Reading, fahrenheit bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-ch:
			if !ok {
				return
			}
			fmt.Printf("%s %s\n", r.Time.Format("15:04:05"), r.OneLine(fahrenheit))
		}
	}
}

// pinProvider picks the PIN source: a configured PIN wins over prompting.
func pinProvider(cfg *config.Config, log *zap.Logger) ble.PINProvider {
	switch {
	case !cfg.Pairing.Required:
		return nil
	case cfg.Pairing.PIN != "":
		return pinentry.Static(cfg.Pairing.PIN)
	case cfg.Pairing.Pinentry != "":
		return pinentry.New(cfg.Pairing.Pinentry, log)
	default:
		return nil
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults. It also returns where
// the config came from.
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, defaultPath, nil
	}

	// No config file: defaults plus environment.
	return config.Default(), "defaults", nil
}
