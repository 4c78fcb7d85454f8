package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/bitaxectl/internal/alert"
	"codeberg.org/mutker/bitaxectl/internal/config"
	"codeberg.org/mutker/bitaxectl/internal/device"
	"codeberg.org/mutker/bitaxectl/internal/errors"
	"codeberg.org/mutker/bitaxectl/internal/influx"
	"codeberg.org/mutker/bitaxectl/internal/logger"
	"codeberg.org/mutker/bitaxectl/internal/mqtt"
	"codeberg.org/mutker/bitaxectl/internal/notify"
	"codeberg.org/mutker/bitaxectl/internal/optimizer"
	"codeberg.org/mutker/bitaxectl/internal/pid"
	"codeberg.org/mutker/bitaxectl/internal/report"
	"codeberg.org/mutker/bitaxectl/internal/scheduler"
	"codeberg.org/mutker/bitaxectl/internal/store"
	"codeberg.org/mutker/bitaxectl/internal/telemetry"
)

const stateLoadTimeout = 10 * time.Second

// closers run in reverse registration order on exit.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, config.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Level(), logger.IsService())
	logger.Debug().Str("file", cfg.ConfigFile).Msg("Config loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if cfg.Report != "" {
		if err := writeReport(ctx, cfg); err != nil {
			logger.Fatal().Err(err).Msg("Failed to write report")
		}
		return
	}

	if err := run(ctx, cfg); err != nil {
		var appErr errors.Error
		if errors.As(err, &appErr) {
			logger.FatalWithCode(appErr).Msg("Exiting")
		}
		logger.Fatal().Err(err).Msg("Exiting")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	errFactory := errors.New()

	var cleanup closers
	defer cleanup.run()

	pidPath := pid.Path(os.TempDir(), cfg.Device.URL)
	if err := pid.Write(pidPath); err != nil {
		return err
	}
	cleanup.add(func() {
		if err := pid.Remove(pidPath); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove PID file")
		}
	})

	client, err := device.New(cfg.DeviceConfig())
	if err != nil {
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}

	st := openStore(cfg)
	cleanup.add(func() {
		if err := st.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close store")
		}
	})

	initial := loadState(ctx, st)
	optCfg := cfg.OptimizerConfig()
	newController := func(rec optimizer.Recorder) *optimizer.Controller {
		return optimizer.NewController(optCfg, client, rec, initial, logger.New("optimizer"))
	}

	hub := scheduler.NewHub()
	observers := []scheduler.Observer{hub}

	var notifiers []notify.Notifier
	if cfg.Notify.WebhookURL != "" {
		webhook, err := notify.NewWebhook(cfg.NotifyConfig())
		if err != nil {
			return errFactory.Wrap(errors.ErrInitFailed, err)
		}
		notifiers = append(notifiers, webhook)
	}

	mqttClient := connectMQTT(cfg)
	var bridge *mqtt.Bridge
	if mqttClient != nil {
		cleanup.add(func() { _ = mqttClient.Close() })
		bridge = mqtt.NewBridge(mqttClient, mqttClient.Topics(), mqttClient.QoS(), logger.New("mqtt"))
		cleanup.add(bridge.Close)
		observers = append(observers, bridge)
		notifiers = append(notifiers, notify.NewMQTT(mqttClient, mqttClient.Topics().Notify(), mqttClient.QoS()))
	}

	if mirror := connectInflux(cfg); mirror != nil {
		cleanup.add(mirror.Close)
		observers = append(observers, mirror)
	}

	var dispatcher *notify.Dispatcher
	if len(notifiers) > 0 {
		dispatcher, err = notify.NewDispatcher(cfg.NotifyConfig(), logger.New("notify"), notifiers...)
		if err != nil {
			return errFactory.Wrap(errors.ErrInitFailed, err)
		}
		cleanup.add(dispatcher.Close)
		observers = append(observers, dispatcher)
	}

	sched := scheduler.New(
		cfg.SchedulerConfig(),
		client,
		st,
		alert.New(cfg.AlertConfig(), logger.New("alert")),
		newController,
		logger.New("scheduler"),
		scheduler.WithObservers(observers...),
	)

	if bridge != nil {
		if err := mqttClient.Subscribe(mqttClient.Topics().Command(), mqttClient.QoS(), bridge.Commands(sched)); err != nil {
			logger.Error().Err(err).Msg("Failed to subscribe to command topic, GUI commands disabled")
		}
	}

	if dispatcher != nil {
		_ = dispatcher.Send(notify.Startup(cfg.Device.URL, cfg.Optimizer.Enabled, time.Now()))

		if every := cfg.Notify.SummaryInterval; every > 0 && cfg.Store.Enabled {
			summarize := func(ctx context.Context, from, to time.Time) (report.Summary, error) {
				return report.Summarize(ctx, st, from, to)
			}
			digest := notify.NewDigest(dispatcher, summarize, every, logger.New("notify"))

			digestCtx, stopDigest := context.WithCancel(ctx)
			digestDone := make(chan struct{})
			go func() {
				defer close(digestDone)
				digest.Run(digestCtx)
			}()
			cleanup.add(func() {
				stopDigest()
				<-digestDone
			})
		}
	}

	if !cfg.Optimizer.Enabled {
		logger.Info().Msg("Monitor mode activated. Device settings will not be changed")
	}

	if err := sched.Run(ctx); err != nil {
		return errFactory.Wrap(errors.ErrShutdownFailed, err)
	}

	last := hub.Latest()
	logger.Info().
		Int("poll_failures", last.PollFailures).
		Bool("live_only", last.LiveOnly).
		Str("mode", string(last.Optimizer.Mode)).
		Msg("Exiting...")

	return nil
}

// openStore falls back to live-only operation when history cannot be
// opened; monitoring never depends on persistence.
func openStore(cfg *config.Config) store.Store {
	if !cfg.Store.Enabled {
		logger.Info().Msg("History store disabled, running live-only")
		return store.NewNoop()
	}

	st, err := store.NewSQLite(cfg.StoreConfig(), logger.New("store"))
	if err != nil {
		logger.Error().
			Err(err).
			Str("error_code", string(errors.CodeOf(err))).
			Str("path", cfg.Store.Path).
			Msg("Failed to open history store, running live-only")
		return store.NewNoop()
	}
	return st
}

func loadState(ctx context.Context, st store.Store) telemetry.OptimizationState {
	ctx, cancel := context.WithTimeout(ctx, stateLoadTimeout)
	defer cancel()

	state, ok, err := st.LatestOptimizationState(ctx)
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("Could not load optimizer state, starting fresh")
		return telemetry.OptimizationState{}
	case !ok:
		logger.Debug().Msg("No saved optimizer state")
		return telemetry.OptimizationState{}
	}

	logger.Info().
		Str("mode", string(state.Mode)).
		Int("frequency", state.Settings.Frequency).
		Int("voltage", state.Settings.Voltage).
		Bool("pending", state.Pending != nil).
		Msg("Resuming optimizer state")
	return state
}

func connectMQTT(cfg *config.Config) *mqtt.Client {
	if !cfg.MQTT.Enabled {
		return nil
	}

	client, err := mqtt.Connect(cfg.MQTTConfig(), logger.New("mqtt"))
	if err != nil {
		logger.Error().Err(err).Str("broker", cfg.MQTT.Broker).Msg("MQTT unavailable, continuing without it")
		return nil
	}
	return client
}

func connectInflux(cfg *config.Config) *influx.Mirror {
	if !cfg.Influx.Enabled {
		return nil
	}

	mirror, err := influx.Connect(cfg.InfluxConfig(), logger.New("influx"))
	if err != nil {
		logger.Error().Err(err).Str("url", cfg.Influx.URL).Msg("InfluxDB unavailable, continuing without it")
		return nil
	}
	return mirror
}

func writeReport(ctx context.Context, cfg *config.Config) error {
	if !cfg.Store.Enabled {
		return errors.New().WithData(errors.ErrInvalidConfig, "--report needs the history store")
	}

	st, err := store.NewSQLite(cfg.StoreConfig(), logger.New("store"))
	if err != nil {
		return err
	}
	defer st.Close()

	to := time.Now()
	sum, err := report.WriteFile(ctx, st, cfg.Report, to.Add(-cfg.ReportSince), to)
	if err != nil {
		return err
	}

	logger.Info().
		Str("path", cfg.Report).
		Int("samples", sum.Samples).
		Int("alerts", sum.Alerts).
		Int("actions", sum.Actions).
		Float64("mean_hashrate", sum.MeanHashrate).
		Float64("peak_temperature", sum.PeakTemperature).
		Msg("Report written")
	return nil
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}
