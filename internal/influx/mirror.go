package influx

import (
	"context"
	"time"

	"codeberg.org/mutker/bitaxectl/internal/errors"
	"codeberg.org/mutker/bitaxectl/internal/logger"
	"codeberg.org/mutker/bitaxectl/internal/scheduler"
	"codeberg.org/mutker/bitaxectl/internal/telemetry"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const pingTimeout = 5 * time.Second

// PointWriter is the non-blocking write side of the InfluxDB client.
type PointWriter interface {
	WritePoint(point *write.Point)
}

// Mirror copies fresh samples, alerts and actions into InfluxDB. Writes are
// batched by the client; failures are logged and never reach the loop.
type Mirror struct {
	writer PointWriter
	device string
	logger logger.Logger

	client influxdb2.Client
	flush  func()
}

// NewMirror wraps an existing writer, mainly for tests.
func NewMirror(writer PointWriter, device string, log logger.Logger) *Mirror {
	return &Mirror{writer: writer, device: device, logger: log, flush: func() {}}
}

// Connect pings the server and returns a Mirror backed by the
// non-blocking write API.
func Connect(cfg Config, log logger.Logger) (*Mirror, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(defaultBatchSize).
			SetFlushInterval(defaultFlushInterval))

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, errFactory.Wrap(ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, errFactory.WithData(ErrConnectionFailed, "server not healthy")
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			log.Warn().Err(err).Str("error_code", string(ErrWriteFailed)).Msg("InfluxDB write failed")
		}
	}()

	log.Info().Str("url", cfg.URL).Str("bucket", cfg.Bucket).Msg("Mirroring telemetry to InfluxDB")

	return &Mirror{
		writer: writeAPI,
		device: cfg.Device,
		logger: log,
		client: client,
		flush:  writeAPI.Flush,
	}, nil
}

// OnSnapshot writes the sample only when it came from this cycle's poll.
func (m *Mirror) OnSnapshot(snap scheduler.Snapshot) {
	if !snap.Fresh || snap.Sample == nil {
		return
	}
	m.writer.WritePoint(samplePoint(m.device, *snap.Sample))
}

func (m *Mirror) OnAlert(alert telemetry.AlertEvent) {
	m.writer.WritePoint(alertPoint(m.device, alert))
}

func (m *Mirror) OnAction(action telemetry.OptimizationAction) {
	m.writer.WritePoint(actionPoint(m.device, action))
}

// Close flushes pending points and releases the client.
func (m *Mirror) Close() {
	m.flush()
	if m.client != nil {
		m.client.Close()
	}
}
