package mqtt

import (
	"encoding/json"
	"sync"
	"time"

	"codeberg.org/mutker/bitaxectl/internal/errors"
	"codeberg.org/mutker/bitaxectl/internal/logger"
	"codeberg.org/mutker/bitaxectl/internal/scheduler"
	"codeberg.org/mutker/bitaxectl/internal/telemetry"
)

const (
	commandReplyTimeout = 2 * time.Minute

	// Outbound messages waiting for the broker. Older snapshots are worthless
	// once a newer one exists, so overflow is dropped rather than waited on.
	outboundQueueSize = 64
)

// Publisher is satisfied by *Client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Submitter is satisfied by *scheduler.Scheduler.
type Submitter interface {
	Submit(cmd scheduler.Command) error
}

// Bridge mirrors loop output onto MQTT and turns inbound command messages
// into scheduler commands. Publishing happens on a background goroutine so
// a slow broker never holds up the poll loop.
type Bridge struct {
	publisher Publisher
	topics    Topics
	qos       byte
	logger    logger.Logger

	mu     sync.Mutex
	queue  chan outbound
	closed bool
	done   chan struct{}
}

type outbound struct {
	topic    string
	payload  []byte
	retained bool
}

func NewBridge(publisher Publisher, topics Topics, qos byte, log logger.Logger) *Bridge {
	b := &Bridge{
		publisher: publisher,
		topics:    topics,
		qos:       qos,
		logger:    log,
		queue:     make(chan outbound, outboundQueueSize),
		done:      make(chan struct{}),
	}
	go b.run()

	return b
}

// Close stops accepting messages, publishes what is queued and waits.
func (b *Bridge) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()

	<-b.done
}

func (b *Bridge) run() {
	defer close(b.done)

	for msg := range b.queue {
		if err := b.publisher.Publish(msg.topic, msg.payload, b.qos, msg.retained); err != nil {
			b.logger.Debug().Err(err).Str("topic", msg.topic).Msg("MQTT publish skipped")
		}
	}
}

type samplePayload struct {
	Timestamp      time.Time `json:"timestamp"`
	Hashrate       float64   `json:"hashrate"`
	Temperature    float64   `json:"temperature"`
	Power          float64   `json:"power"`
	Voltage        int       `json:"voltage"`
	Frequency      int       `json:"frequency"`
	SharesAccepted int64     `json:"shares_accepted"`
	SharesRejected int64     `json:"shares_rejected"`
	PoolState      string    `json:"pool_state"`
	FanSpeed       int       `json:"fan_speed,omitempty"`
	UptimeSeconds  int64     `json:"uptime_seconds,omitempty"`
	Efficiency     float64   `json:"efficiency"`
}

type alertPayload struct {
	ID           string     `json:"id"`
	Timestamp    time.Time  `json:"timestamp"`
	Kind         string     `json:"kind"`
	Severity     string     `json:"severity"`
	SampleTime   *time.Time `json:"sample_time,omitempty"`
	Message      string     `json:"message"`
	Acknowledged bool       `json:"acknowledged"`
}

type actionPayload struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Parameter string    `json:"parameter"`
	OldValue  int       `json:"old_value"`
	NewValue  int       `json:"new_value"`
	Outcome   string    `json:"outcome"`
}

type snapshotPayload struct {
	Timestamp        time.Time                   `json:"timestamp"`
	Healthy          bool                        `json:"healthy"`
	Fresh            bool                        `json:"fresh"`
	Sample           *samplePayload              `json:"sample,omitempty"`
	RecentAlerts     []alertPayload              `json:"recent_alerts"`
	Optimizer        telemetry.OptimizationState `json:"optimizer"`
	OptimizerEnabled bool                        `json:"optimizer_enabled"`
	PollFailures     int                         `json:"poll_failures"`
	StoreFailures    int                         `json:"store_failures"`
	LiveOnly         bool                        `json:"live_only"`
	Stability        float64                     `json:"stability"`
	NextPollSeconds  float64                     `json:"next_poll_seconds"`
}

func toSample(s telemetry.Sample) *samplePayload {
	return &samplePayload{
		Timestamp:      s.Timestamp,
		Hashrate:       s.Hashrate,
		Temperature:    s.Temperature,
		Power:          s.Power,
		Voltage:        s.Voltage,
		Frequency:      s.Frequency,
		SharesAccepted: s.SharesAccepted,
		SharesRejected: s.SharesRejected,
		PoolState:      string(s.PoolState),
		FanSpeed:       s.FanSpeed,
		UptimeSeconds:  int64(s.Uptime / time.Second),
		Efficiency:     s.Efficiency(),
	}
}

func toAlert(a telemetry.AlertEvent) alertPayload {
	return alertPayload{
		ID:           a.ID,
		Timestamp:    a.Timestamp,
		Kind:         string(a.Kind),
		Severity:     string(a.Severity),
		SampleTime:   a.SampleTime,
		Message:      a.Message,
		Acknowledged: a.Acknowledged,
	}
}

func toAction(a telemetry.OptimizationAction) actionPayload {
	return actionPayload{
		ID:        a.ID,
		Timestamp: a.Timestamp,
		Parameter: string(a.Parameter),
		OldValue:  a.OldValue,
		NewValue:  a.NewValue,
		Outcome:   string(a.Outcome),
	}
}

func (b *Bridge) OnSnapshot(snap scheduler.Snapshot) {
	payload := snapshotPayload{
		Timestamp:        snap.Timestamp,
		Healthy:          snap.Healthy(),
		Fresh:            snap.Fresh,
		RecentAlerts:     make([]alertPayload, 0, len(snap.RecentAlerts)),
		Optimizer:        snap.Optimizer,
		OptimizerEnabled: snap.OptimizerEnabled,
		PollFailures:     snap.PollFailures,
		StoreFailures:    snap.StoreFailures,
		LiveOnly:         snap.LiveOnly,
		Stability:        snap.Stability,
		NextPollSeconds:  snap.NextPoll.Seconds(),
	}
	if snap.Sample != nil {
		payload.Sample = toSample(*snap.Sample)
	}
	for _, a := range snap.RecentAlerts {
		payload.RecentAlerts = append(payload.RecentAlerts, toAlert(a))
	}

	b.publish(b.topics.Snapshot(), payload, true)
}

func (b *Bridge) OnAlert(alert telemetry.AlertEvent) {
	b.publish(b.topics.Alerts(), toAlert(alert), false)
}

func (b *Bridge) OnAction(action telemetry.OptimizationAction) {
	b.publish(b.topics.Actions(), toAction(action), false)
}

func (b *Bridge) publish(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error().Err(err).Str("topic", topic).Msg("Failed to encode MQTT payload")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	select {
	case b.queue <- outbound{topic: topic, payload: payload, retained: retained}:
	default:
		b.logger.Warn().Str("topic", topic).Msg("MQTT outbound queue full, message dropped")
	}
}

// commandMessage is the inbound command format:
//
//	{"id":"...","type":"apply","frequency":550,"voltage":1200}
//	{"id":"...","type":"reset"}
//	{"id":"...","type":"acknowledge","alert_id":"..."}
type commandMessage struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Frequency int    `json:"frequency"`
	Voltage   int    `json:"voltage"`
	AlertID   string `json:"alert_id"`
}

type commandResult struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// Commands returns the MessageHandler for the command topic. Each outcome
// is published on the command result topic once the loop has executed it.
func (b *Bridge) Commands(submitter Submitter) MessageHandler {
	return func(_ string, payload []byte) error {
		return b.handleCommand(submitter, payload)
	}
}

func (b *Bridge) handleCommand(submitter Submitter, payload []byte) error {
	errFactory := errors.New()

	var msg commandMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return errFactory.Wrap(ErrInvalidCommand, err)
	}

	result := make(chan error, 1)

	var cmd scheduler.Command
	switch msg.Type {
	case "apply":
		cmd = scheduler.ApplySettings{
			Settings: telemetry.Settings{Frequency: msg.Frequency, Voltage: msg.Voltage},
			Result:   result,
		}
	case "reset":
		cmd = scheduler.ResetHalt{Result: result}
	case "acknowledge":
		if msg.AlertID == "" {
			return errFactory.WithData(ErrInvalidCommand, "acknowledge requires alert_id")
		}
		cmd = scheduler.AcknowledgeAlert{ID: msg.AlertID, Result: result}
	default:
		return errFactory.WithData(ErrInvalidCommand, "unknown command type: "+msg.Type)
	}

	b.logger.Info().Str("command", msg.Type).Str("id", msg.ID).Msg("Received command")

	if err := submitter.Submit(cmd); err != nil {
		b.reply(msg, err)
		return err
	}

	go func() {
		select {
		case err := <-result:
			b.reply(msg, err)
		case <-time.After(commandReplyTimeout):
			b.logger.Warn().Str("command", msg.Type).Str("id", msg.ID).Msg("Command result not received")
		}
	}()

	return nil
}

func (b *Bridge) reply(msg commandMessage, err error) {
	res := commandResult{ID: msg.ID, Type: msg.Type, OK: err == nil}
	if err != nil {
		res.Error = err.Error()
		res.ErrorCode = string(errors.CodeOf(err))
	}
	b.publish(b.topics.CommandResult(), res, false)
}
