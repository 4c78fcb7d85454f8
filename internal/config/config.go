package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"codeberg.org/mutker/bitaxectl/internal/alert"
	"codeberg.org/mutker/bitaxectl/internal/device"
	"codeberg.org/mutker/bitaxectl/internal/errors"
	"codeberg.org/mutker/bitaxectl/internal/influx"
	"codeberg.org/mutker/bitaxectl/internal/logger"
	"codeberg.org/mutker/bitaxectl/internal/mqtt"
	"codeberg.org/mutker/bitaxectl/internal/notify"
	"codeberg.org/mutker/bitaxectl/internal/optimizer"
	"codeberg.org/mutker/bitaxectl/internal/scheduler"
	"codeberg.org/mutker/bitaxectl/internal/store"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	configName       = "bitaxectl"
	configType       = "toml"
	defaultEnvPrefix = "BITAXECTL"
	defaultLogLevel  = LogLevelInfo
	defaultReportAge = 24 * time.Hour
)

// ErrHelp is returned by Load when -h/--help was requested.
var ErrHelp = pflag.ErrHelp

type DeviceSection struct {
	URL           string        `mapstructure:"url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	TelemetryPath string        `mapstructure:"telemetry_path"`
	SettingsPath  string        `mapstructure:"settings_path"`
}

type PollSection struct {
	Interval        time.Duration `mapstructure:"interval"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	BackoffAfter    int           `mapstructure:"backoff_after"`
	StoreRetries    int           `mapstructure:"store_retries"`
	StoreRetryDelay time.Duration `mapstructure:"store_retry_delay"`
	StoreAlertAfter int           `mapstructure:"store_alert_after"`
	PruneEvery      time.Duration `mapstructure:"prune_every"`
}

type AlertsSection struct {
	Window               int           `mapstructure:"window"`
	MinTrendSamples      int           `mapstructure:"min_trend_samples"`
	ConnectionLostAfter  int           `mapstructure:"connection_lost_after"`
	TempWarning          float64       `mapstructure:"temp_warning"`
	TempCritical         float64       `mapstructure:"temp_critical"`
	HashrateDropFraction float64       `mapstructure:"hashrate_drop_fraction"`
	RejectFraction       float64       `mapstructure:"reject_fraction"`
	Cooldown             time.Duration `mapstructure:"cooldown"`
}

// OptimizerSection thresholds left at zero inherit the alerts section.
type OptimizerSection struct {
	Enabled          bool          `mapstructure:"enabled"`
	FrequencyStep    int           `mapstructure:"frequency_step"`
	MinFrequency     int           `mapstructure:"min_frequency"`
	MaxFrequency     int           `mapstructure:"max_frequency"`
	MinVoltage       int           `mapstructure:"min_voltage"`
	MaxVoltage       int           `mapstructure:"max_voltage"`
	EvaluationWindow int           `mapstructure:"evaluation_window"`
	NoiseMargin      float64       `mapstructure:"noise_margin"`
	DropFraction     float64       `mapstructure:"drop_fraction"`
	TempCritical     float64       `mapstructure:"temp_critical"`
	ReprobeInterval  time.Duration `mapstructure:"reprobe_interval"`
	FailureCeiling   int           `mapstructure:"failure_ceiling"`
	BackoffCooldown  time.Duration `mapstructure:"backoff_cooldown"`
}

type StoreSection struct {
	Path          string `mapstructure:"path"`
	Enabled       bool   `mapstructure:"enabled"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type MQTTSection struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         int    `mapstructure:"qos"`
}

type InfluxSection struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
	Org     string `mapstructure:"org"`
	Bucket  string `mapstructure:"bucket"`
}

type NotifySection struct {
	WebhookURL      string        `mapstructure:"webhook_url"`
	WebhookChannel  string        `mapstructure:"webhook_channel"`
	QueueSize       int           `mapstructure:"queue_size"`
	Timeout         time.Duration `mapstructure:"timeout"`
	SummaryInterval time.Duration `mapstructure:"summary_interval"`
}

type Config struct {
	Device    DeviceSection    `mapstructure:"device"`
	Poll      PollSection      `mapstructure:"poll"`
	Alerts    AlertsSection    `mapstructure:"alerts"`
	Optimizer OptimizerSection `mapstructure:"optimizer"`
	Store     StoreSection     `mapstructure:"store"`
	MQTT      MQTTSection      `mapstructure:"mqtt"`
	Influx    InfluxSection    `mapstructure:"influx"`
	Notify    NotifySection    `mapstructure:"notify"`

	LogLevel    LogLevel      `mapstructure:"log_level"`
	Debug       bool          `mapstructure:"debug"`
	Verbose     bool          `mapstructure:"verbose"`
	Report      string        `mapstructure:"report"`
	ReportSince time.Duration `mapstructure:"report_since"`

	// ConfigFile is the file actually read, empty when none was found.
	ConfigFile string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	dev := device.DefaultConfig()
	v.SetDefault("device.url", "")
	v.SetDefault("device.timeout", dev.Timeout)
	v.SetDefault("device.telemetry_path", dev.TelemetryPath)
	v.SetDefault("device.settings_path", dev.SettingsPath)

	poll := scheduler.DefaultConfig()
	v.SetDefault("poll.interval", poll.Interval)
	v.SetDefault("poll.max_backoff", poll.MaxBackoff)
	v.SetDefault("poll.backoff_after", poll.BackoffAfter)
	v.SetDefault("poll.store_retries", poll.StoreRetries)
	v.SetDefault("poll.store_retry_delay", poll.StoreRetryDelay)
	v.SetDefault("poll.store_alert_after", poll.StoreAlertAfter)
	v.SetDefault("poll.prune_every", poll.PruneEvery)

	al := alert.DefaultConfig()
	v.SetDefault("alerts.window", al.Window)
	v.SetDefault("alerts.min_trend_samples", al.MinTrendSamples)
	v.SetDefault("alerts.connection_lost_after", al.ConnectionLostAfter)
	v.SetDefault("alerts.temp_warning", al.TempWarning)
	v.SetDefault("alerts.temp_critical", al.TempCritical)
	v.SetDefault("alerts.hashrate_drop_fraction", al.HashrateDropFraction)
	v.SetDefault("alerts.reject_fraction", al.RejectFraction)
	v.SetDefault("alerts.cooldown", al.Cooldown)

	opt := optimizer.DefaultConfig()
	v.SetDefault("optimizer.enabled", opt.Enabled)
	v.SetDefault("optimizer.frequency_step", opt.FrequencyStep)
	v.SetDefault("optimizer.min_frequency", opt.MinFrequency)
	v.SetDefault("optimizer.max_frequency", opt.MaxFrequency)
	v.SetDefault("optimizer.min_voltage", opt.MinVoltage)
	v.SetDefault("optimizer.max_voltage", opt.MaxVoltage)
	v.SetDefault("optimizer.evaluation_window", opt.EvaluationWindow)
	v.SetDefault("optimizer.noise_margin", opt.NoiseMargin)
	v.SetDefault("optimizer.drop_fraction", 0.0)
	v.SetDefault("optimizer.temp_critical", 0.0)
	v.SetDefault("optimizer.reprobe_interval", opt.ReprobeInterval)
	v.SetDefault("optimizer.failure_ceiling", opt.FailureCeiling)
	v.SetDefault("optimizer.backoff_cooldown", opt.BackoffCooldown)

	st := store.DefaultConfig()
	v.SetDefault("store.path", st.DBPath)
	v.SetDefault("store.enabled", st.Enabled)
	v.SetDefault("store.retention_days", st.RetentionDays)

	mq := mqtt.DefaultConfig()
	v.SetDefault("mqtt.enabled", mq.Enabled)
	v.SetDefault("mqtt.broker", mq.Broker)
	v.SetDefault("mqtt.client_id", mq.ClientID)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", mq.TopicPrefix)
	v.SetDefault("mqtt.qos", mq.QoS)

	in := influx.DefaultConfig()
	v.SetDefault("influx.enabled", in.Enabled)
	v.SetDefault("influx.url", "")
	v.SetDefault("influx.token", "")
	v.SetDefault("influx.org", "")
	v.SetDefault("influx.bucket", in.Bucket)

	nt := notify.DefaultConfig()
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.webhook_channel", "")
	v.SetDefault("notify.queue_size", nt.QueueSize)
	v.SetDefault("notify.timeout", nt.Timeout)
	v.SetDefault("notify.summary_interval", nt.SummaryInterval)

	v.SetDefault("log_level", string(defaultLogLevel))
	v.SetDefault("debug", false)
	v.SetDefault("verbose", false)
	v.SetDefault("report", "")
	v.SetDefault("report_since", defaultReportAge)
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet(configName, pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringP("config", "c", "", "Path to configuration file")
	fs.String("url", "", "Bitaxe base URL, e.g. http://192.168.1.100")
	fs.Duration("interval", scheduler.DefaultConfig().Interval, "Interval between polls")
	fs.Bool("monitor", false, "Only monitor, never change device settings")
	fs.String("db", store.DefaultConfig().DBPath, "Path to the history database")
	fs.Bool("no-store", false, "Run live-only without a history database")
	fs.String("log-level", string(defaultLogLevel), "Log level (debug, info, warning, error)")
	fs.Bool("debug", false, "Enable debugging mode")
	fs.Bool("verbose", false, "Enable verbose logging")
	fs.String("report", "", "Render an HTML history report to this path and exit")
	fs.Duration("report-since", defaultReportAge, "History covered by --report")

	return fs
}

var flagKeys = map[string]string{
	"url":          "device.url",
	"interval":     "poll.interval",
	"db":           "store.path",
	"log-level":    "log_level",
	"debug":        "debug",
	"verbose":      "verbose",
	"report":       "report",
	"report-since": "report_since",
}

// Load reads configuration from, in rising precedence: defaults, the TOML
// file, BITAXECTL_<SECTION>_<KEY> environment variables and flags.
func Load(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{envPrefix: defaultEnvPrefix}
	for _, opt := range opts {
		opt(&o)
	}

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, err
		}
		return nil, errFactory.Wrap(errors.ErrInvalidArgument, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrInternal, err)
		}
	}
	if monitor, _ := fs.GetBool("monitor"); monitor {
		v.Set("optimizer.enabled", false)
	}
	if noStore, _ := fs.GetBool("no-store"); noStore {
		v.Set("store.enabled", false)
	}

	path := o.configPath
	if p, _ := fs.GetString("config"); p != "" {
		path = p
	}
	if path == "" {
		path = os.Getenv(o.envPrefix + "_CONFIG")
	}

	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(v *viper.Viper, path string) error {
	errFactory := errors.New()

	v.SetConfigType(configType)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
		return nil
	}

	v.SetConfigName(configName)
	v.AddConfigPath("/etc/bitaxectl")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "bitaxectl"))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errFactory.Wrap(errors.ErrReadConfig, err)
	}
	return nil
}

// Validate checks every section; report mode needs no device.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !c.LogLevel.IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel.String())
	}
	if c.Report != "" {
		if c.ReportSince <= 0 {
			return errFactory.WithData(errors.ErrInvalidConfig, "report_since must be positive")
		}
		return c.StoreConfig().Validate()
	}

	validators := []func() error{
		c.DeviceConfig().Validate,
		c.SchedulerConfig().Validate,
		c.AlertConfig().Validate,
		c.OptimizerConfig().Validate,
		c.StoreConfig().Validate,
		c.MQTTConfig().Validate,
		c.InfluxConfig().Validate,
		c.NotifyConfig().Validate,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	if c.Optimizer.Enabled && c.OptimizerConfig().TempCritical < c.Alerts.TempWarning {
		return errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("optimizer.temp_critical %.1f is below alerts.temp_warning %.1f",
				c.OptimizerConfig().TempCritical, c.Alerts.TempWarning))
	}

	return nil
}

// Level resolves --debug and --verbose against log_level.
func (c *Config) Level() logger.LogLevel {
	switch {
	case c.Debug:
		return logger.DebugLevel
	case c.Verbose:
		return logger.InfoLevel
	}

	level, err := logger.ParseLevel(c.LogLevel.String())
	if err != nil {
		return logger.InfoLevel
	}
	return level
}

func (c *Config) DeviceConfig() device.Config {
	return device.Config{
		URL:           c.Device.URL,
		Timeout:       c.Device.Timeout,
		TelemetryPath: c.Device.TelemetryPath,
		SettingsPath:  c.Device.SettingsPath,
	}
}

func (c *Config) SchedulerConfig() scheduler.Config {
	out := scheduler.DefaultConfig()
	out.Interval = c.Poll.Interval
	out.MaxBackoff = c.Poll.MaxBackoff
	out.BackoffAfter = c.Poll.BackoffAfter
	out.StoreRetries = c.Poll.StoreRetries
	out.StoreRetryDelay = c.Poll.StoreRetryDelay
	out.StoreAlertAfter = c.Poll.StoreAlertAfter
	out.PruneEvery = c.Poll.PruneEvery
	out.Retention = c.StoreConfig().Retention()
	out.OptimizerEnabled = c.Optimizer.Enabled
	out.Verbose = c.Verbose || c.Debug
	return out
}

func (c *Config) AlertConfig() alert.Config {
	return alert.Config{
		Window:               c.Alerts.Window,
		MinTrendSamples:      c.Alerts.MinTrendSamples,
		ConnectionLostAfter:  c.Alerts.ConnectionLostAfter,
		StoreAlertAfter:      c.Poll.StoreAlertAfter,
		TempWarning:          c.Alerts.TempWarning,
		TempCritical:         c.Alerts.TempCritical,
		HashrateDropFraction: c.Alerts.HashrateDropFraction,
		RejectFraction:       c.Alerts.RejectFraction,
		Cooldown:             c.Alerts.Cooldown,
	}
}

func (c *Config) OptimizerConfig() optimizer.Config {
	out := optimizer.Config{
		Enabled:          c.Optimizer.Enabled,
		FrequencyStep:    c.Optimizer.FrequencyStep,
		MinFrequency:     c.Optimizer.MinFrequency,
		MaxFrequency:     c.Optimizer.MaxFrequency,
		MinVoltage:       c.Optimizer.MinVoltage,
		MaxVoltage:       c.Optimizer.MaxVoltage,
		EvaluationWindow: c.Optimizer.EvaluationWindow,
		NoiseMargin:      c.Optimizer.NoiseMargin,
		DropFraction:     c.Optimizer.DropFraction,
		TempCritical:     c.Optimizer.TempCritical,
		ReprobeInterval:  c.Optimizer.ReprobeInterval,
		FailureCeiling:   c.Optimizer.FailureCeiling,
		BackoffCooldown:  c.Optimizer.BackoffCooldown,
		PollInterval:     c.Poll.Interval,
	}
	if out.DropFraction == 0 {
		out.DropFraction = c.Alerts.HashrateDropFraction
	}
	if out.TempCritical == 0 {
		out.TempCritical = c.Alerts.TempCritical
	}
	return out
}

func (c *Config) StoreConfig() store.Config {
	return store.Config{
		DBPath:        c.Store.Path,
		Enabled:       c.Store.Enabled,
		RetentionDays: c.Store.RetentionDays,
	}
}

func (c *Config) MQTTConfig() mqtt.Config {
	return mqtt.Config(c.MQTT)
}

func (c *Config) InfluxConfig() influx.Config {
	return influx.Config{
		Enabled: c.Influx.Enabled,
		URL:     c.Influx.URL,
		Token:   c.Influx.Token,
		Org:     c.Influx.Org,
		Bucket:  c.Influx.Bucket,
		Device:  c.Device.URL,
	}
}

func (c *Config) NotifyConfig() notify.Config {
	return notify.Config(c.Notify)
}
