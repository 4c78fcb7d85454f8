package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"codeberg.org/mutker/bitaxectl/internal/errors"
	"codeberg.org/mutker/bitaxectl/internal/telemetry"
)

const (
	defaultTimeout       = 5 * time.Second
	defaultTelemetryPath = "/api/system/info"
	defaultSettingsPath  = "/api/system/settings"

	// Responses larger than this are not telemetry.
	maxBodySize = 1 << 20
)

type Config struct {
	URL           string
	Timeout       time.Duration
	TelemetryPath string
	SettingsPath  string
}

func DefaultConfig() Config {
	return Config{
		Timeout:       defaultTimeout,
		TelemetryPath: defaultTelemetryPath,
		SettingsPath:  defaultSettingsPath,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.URL == "" {
		return errFactory.WithData(ErrInvalidConfig, "device url is required")
	}
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return errFactory.WithData(ErrInvalidConfig, fmt.Sprintf("device url must be http(s): %q", c.URL))
	}
	if c.Timeout <= 0 {
		return errFactory.WithData(ErrInvalidConfig, "device timeout must be positive")
	}
	return nil
}

// statusResponse mirrors the AxeOS system info payload. Pointer fields let
// decode distinguish "absent" from zero. The payload's "voltage" is the input
// rail in millivolts, not the ASIC core voltage, and is never read.
type statusResponse struct {
	HashRate       *float64 `json:"hashRate"`
	Temp           *float64 `json:"temp"`
	Power          *float64 `json:"power"`
	CoreVoltage    *float64 `json:"coreVoltage"`
	Frequency      *float64 `json:"frequency"`
	SharesAccepted *int64   `json:"sharesAccepted"`
	SharesRejected *int64   `json:"sharesRejected"`
	StratumURL     *string  `json:"stratumURL"`
	PoolConnected  *bool    `json:"poolConnected"`
	FanSpeed       *int     `json:"fanspeed"`
	UptimeSeconds  *int64   `json:"uptimeSeconds"`
}

type ackResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type HTTPClient struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time
}

func New(cfg Config) (*HTTPClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.TelemetryPath == "" {
		cfg.TelemetryPath = defaultTelemetryPath
	}
	if cfg.SettingsPath == "" {
		cfg.SettingsPath = defaultSettingsPath
	}

	return &HTTPClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
	}, nil
}

func (c *HTTPClient) FetchTelemetry(ctx context.Context) (telemetry.Sample, error) {
	errFactory := errors.New()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+c.cfg.TelemetryPath, nil)
	if err != nil {
		return telemetry.Sample{}, errFactory.Wrap(ErrUnreachable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return telemetry.Sample{}, classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return telemetry.Sample{}, classify(err)
	}

	if resp.StatusCode != http.StatusOK {
		return telemetry.Sample{}, errFactory.WithData(ErrMalformedResponse, fmt.Sprintf("status %s", resp.Status))
	}

	return c.decodeSample(body)
}

func (c *HTTPClient) decodeSample(body []byte) (telemetry.Sample, error) {
	errFactory := errors.New()

	var status statusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return telemetry.Sample{}, errFactory.Wrap(ErrMalformedResponse, err)
	}

	var missing []string
	check := func(name string, present bool) {
		if !present {
			missing = append(missing, name)
		}
	}
	check("hashRate", status.HashRate != nil)
	check("temp", status.Temp != nil)
	check("power", status.Power != nil)
	check("coreVoltage", status.CoreVoltage != nil)
	check("frequency", status.Frequency != nil)
	check("sharesAccepted", status.SharesAccepted != nil)
	check("sharesRejected", status.SharesRejected != nil)
	check("stratumURL", status.StratumURL != nil)

	if len(missing) > 0 {
		return telemetry.Sample{}, errFactory.WithData(ErrMalformedResponse,
			"missing fields: "+strings.Join(missing, ", "))
	}

	sample := telemetry.Sample{
		Timestamp:      c.now().UTC(),
		Hashrate:       *status.HashRate,
		Temperature:    *status.Temp,
		Power:          *status.Power,
		Voltage:        int(math.Round(*status.CoreVoltage)),
		Frequency:      int(math.Round(*status.Frequency)),
		SharesAccepted: *status.SharesAccepted,
		SharesRejected: *status.SharesRejected,
		PoolState:      poolState(status),
	}
	if status.FanSpeed != nil {
		sample.FanSpeed = *status.FanSpeed
	}
	if status.UptimeSeconds != nil {
		sample.Uptime = time.Duration(*status.UptimeSeconds) * time.Second
	}

	if err := sample.Validate(); err != nil {
		return telemetry.Sample{}, errFactory.Wrap(ErrMalformedResponse, err)
	}

	return sample, nil
}

func poolState(status statusResponse) telemetry.PoolState {
	switch {
	case status.PoolConnected != nil && *status.PoolConnected:
		return telemetry.PoolConnected
	case status.PoolConnected != nil:
		return telemetry.PoolDisconnected
	case *status.StratumURL == "":
		return telemetry.PoolDisconnected
	}
	return telemetry.PoolUnknown
}

func (c *HTTPClient) ApplySettings(ctx context.Context, settings telemetry.Settings) error {
	errFactory := errors.New()

	payload, err := json.Marshal(settings)
	if err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+c.cfg.SettingsPath, bytes.NewReader(payload))
	if err != nil {
		return errFactory.Wrap(ErrUnreachable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return classify(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errFactory.WithData(ErrRejected, fmt.Sprintf("status %s: %s", resp.Status, strings.TrimSpace(string(body))))
	}

	// An acknowledgement body is optional; when present it must not report an error.
	var ack ackResponse
	if len(bytes.TrimSpace(body)) > 0 && json.Unmarshal(body, &ack) == nil {
		switch strings.ToLower(ack.Status) {
		case "", "ok", "success":
		default:
			return errFactory.WithData(ErrRejected, fmt.Sprintf("%s: %s", ack.Status, ack.Message))
		}
	}

	return nil
}
