package device_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"codeberg.org/mutker/bitaxectl/internal/device"
	"codeberg.org/mutker/bitaxectl/internal/errors"
	"codeberg.org/mutker/bitaxectl/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const statusJSON = `{
	"hashRate": 512.5,
	"temp": 61.2,
	"power": 14.8,
	"voltage": 5100,
	"coreVoltage": 1150,
	"frequency": 525,
	"sharesAccepted": 1200,
	"sharesRejected": 3,
	"stratumURL": "public-pool.io",
	"fanspeed": 80,
	"uptimeSeconds": 3600
}`

func newClient(t *testing.T, url string, timeout time.Duration) *device.HTTPClient {
	t.Helper()

	cfg := device.DefaultConfig()
	cfg.URL = url
	cfg.Timeout = timeout

	client, err := device.New(cfg)
	require.NoError(t, err)
	return client
}

func TestFetchTelemetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/system/info", r.URL.Path)
		_, _ = io.WriteString(w, statusJSON)
	}))
	defer srv.Close()

	sample, err := newClient(t, srv.URL, time.Second).FetchTelemetry(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, 512.5, sample.Hashrate, 1e-9)
	assert.InDelta(t, 61.2, sample.Temperature, 1e-9)
	assert.Equal(t, 1150, sample.Voltage, "core voltage preferred over input rail")
	assert.Equal(t, 525, sample.Frequency)
	assert.Equal(t, int64(1200), sample.SharesAccepted)
	assert.Equal(t, int64(3), sample.SharesRejected)
	assert.Equal(t, telemetry.PoolUnknown, sample.PoolState)
	assert.Equal(t, time.Hour, sample.Uptime)
	assert.False(t, sample.Timestamp.IsZero())
}

func TestFetchTelemetryMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"not json", `<html>oops</html>`, http.StatusOK},
		{"truncated", `{"hashRate": 512.5, "temp":`, http.StatusOK},
		{"missing temp", `{"hashRate": 1, "power": 1, "coreVoltage": 1, "frequency": 1, "sharesAccepted": 1, "sharesRejected": 0, "stratumURL": ""}`, http.StatusOK},
		{"negative hashrate", `{"hashRate": -1, "temp": 1, "power": 1, "coreVoltage": 1, "frequency": 1, "sharesAccepted": 1, "sharesRejected": 0, "stratumURL": ""}`, http.StatusOK},
		{"input rail voltage only", `{"hashRate": 1, "temp": 1, "power": 1, "voltage": 5100, "frequency": 525, "sharesAccepted": 1, "sharesRejected": 0, "stratumURL": ""}`, http.StatusOK},
		{"server error", `{}`, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := newClient(t, srv.URL, time.Second).FetchTelemetry(context.Background())
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, device.ErrMalformedResponse), err.Error())
		})
	}
}

func TestFetchTelemetryTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := newClient(t, srv.URL, 50*time.Millisecond).FetchTelemetry(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, device.ErrTimeout), err.Error())
}

func TestFetchTelemetryUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newClient(t, url, time.Second).FetchTelemetry(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, device.ErrUnreachable), err.Error())
}

func TestPoolState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"hashRate": 1, "temp": 1, "power": 1, "voltage": 5000, "coreVoltage": 1200,
			"frequency": 500, "sharesAccepted": 1, "sharesRejected": 0, "stratumURL": "pool", "poolConnected": false}`)
	}))
	defer srv.Close()

	sample, err := newClient(t, srv.URL, time.Second).FetchTelemetry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, telemetry.PoolDisconnected, sample.PoolState)
	assert.Equal(t, 1200, sample.Voltage)
}

func TestApplySettings(t *testing.T) {
	var got telemetry.Settings
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/system/settings", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"status":"ok"}`)
	}))
	defer srv.Close()

	err := newClient(t, srv.URL, time.Second).ApplySettings(context.Background(), telemetry.Settings{Frequency: 550, Voltage: 1200})
	require.NoError(t, err)
	assert.Equal(t, telemetry.Settings{Frequency: 550, Voltage: 1200}, got)
}

func TestApplySettingsRejected(t *testing.T) {
	tests := []struct {
		name string
		code int
		body string
	}{
		{"bad request", http.StatusBadRequest, `frequency out of range`},
		{"error status", http.StatusOK, `{"status":"error","message":"voltage locked"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			err := newClient(t, srv.URL, time.Second).ApplySettings(context.Background(), telemetry.Settings{Frequency: 900, Voltage: 1400})
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, device.ErrRejected), err.Error())
		})
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := device.DefaultConfig()
	assert.Error(t, cfg.Validate())

	cfg.URL = "192.168.1.100"
	assert.Error(t, cfg.Validate())

	cfg.URL = "http://192.168.1.100"
	assert.NoError(t, cfg.Validate())
}
