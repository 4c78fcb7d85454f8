package mqtt_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/bitaxectl/internal/errors"
	"codeberg.org/mutker/bitaxectl/internal/logger"
	"codeberg.org/mutker/bitaxectl/internal/mqtt"
	"codeberg.org/mutker/bitaxectl/internal/scheduler"
	"codeberg.org/mutker/bitaxectl/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published

	// When set, Publish waits for it to close, like a stalled broker.
	block chan struct{}
}

func (f *fakePublisher) Publish(topic string, payload []byte, _ byte, retained bool) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic, payload, retained})
	return nil
}

func (f *fakePublisher) on(topic string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, m := range f.msgs {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

type fakeSubmitter struct {
	cmds  []scheduler.Command
	reply error
	full  bool
}

func (f *fakeSubmitter) Submit(cmd scheduler.Command) error {
	if f.full {
		return errors.New().New(scheduler.ErrCommandQueueFull)
	}
	f.cmds = append(f.cmds, cmd)

	switch c := cmd.(type) {
	case scheduler.ApplySettings:
		c.Result <- f.reply
	case scheduler.ResetHalt:
		c.Result <- f.reply
	case scheduler.AcknowledgeAlert:
		c.Result <- f.reply
	}
	return nil
}

var topics = mqtt.Topics{Prefix: "miner"}

func newBridge(t *testing.T) (*mqtt.Bridge, *fakePublisher, *fakeSubmitter) {
	t.Helper()

	pub := &fakePublisher{}
	sub := &fakeSubmitter{}
	b := mqtt.NewBridge(pub, topics, 1, logger.New("mqtt"))
	t.Cleanup(b.Close)
	return b, pub, sub
}

func TestSnapshotPublishedRetained(t *testing.T) {
	b, pub, _ := newBridge(t)

	sample := telemetry.Sample{Timestamp: time.Unix(1700000000, 0).UTC(), Hashrate: 500, Power: 10, Temperature: 60}
	b.OnSnapshot(scheduler.Snapshot{
		Sample:       &sample,
		Fresh:        true,
		PollFailures: 0,
		NextPoll:     30 * time.Second,
		Optimizer:    telemetry.OptimizationState{Mode: telemetry.ModeStable},
	})
	b.Close()

	msgs := pub.on("miner/snapshot")
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].retained)

	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].payload, &got))
	assert.Equal(t, true, got["healthy"])
	assert.InDelta(t, 30.0, got["next_poll_seconds"], 1e-9)

	s := got["sample"].(map[string]any)
	assert.InDelta(t, 50.0, s["efficiency"], 1e-9)
}

func TestAlertAndActionTopics(t *testing.T) {
	b, pub, _ := newBridge(t)

	b.OnAlert(telemetry.AlertEvent{ID: "a", Kind: telemetry.AlertThermal, Severity: telemetry.SeverityWarning})
	b.OnAction(telemetry.OptimizationAction{ID: "x", Parameter: telemetry.ParamFrequency, OldValue: 525, NewValue: 550, Outcome: telemetry.OutcomePending})
	b.Close()

	require.Len(t, pub.on("miner/alerts"), 1)
	actions := pub.on("miner/actions")
	require.Len(t, actions, 1)
	assert.False(t, actions[0].retained)
	assert.JSONEq(t, `{"id":"x","timestamp":"0001-01-01T00:00:00Z","parameter":"frequency","old_value":525,"new_value":550,"outcome":"pending"}`,
		string(actions[0].payload))
}

func TestHandleCommandApply(t *testing.T) {
	b, pub, sub := newBridge(t)

	require.NoError(t, b.Commands(sub)("miner/command", []byte(`{"id":"c1","type":"apply","frequency":550,"voltage":1200}`)))

	require.Len(t, sub.cmds, 1)
	apply, ok := sub.cmds[0].(scheduler.ApplySettings)
	require.True(t, ok)
	assert.Equal(t, telemetry.Settings{Frequency: 550, Voltage: 1200}, apply.Settings)

	require.Eventually(t, func() bool { return len(pub.on("miner/command/result")) == 1 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"id":"c1","type":"apply","ok":true}`, string(pub.on("miner/command/result")[0].payload))
}

func TestHandleCommandFailureReported(t *testing.T) {
	b, pub, sub := newBridge(t)
	sub.reply = errors.New().New(errors.ErrInvalidArgument)

	require.NoError(t, b.Commands(sub)("miner/command", []byte(`{"id":"c2","type":"reset"}`)))

	require.Eventually(t, func() bool { return len(pub.on("miner/command/result")) == 1 }, time.Second, 5*time.Millisecond)

	var res map[string]any
	require.NoError(t, json.Unmarshal(pub.on("miner/command/result")[0].payload, &res))
	assert.Equal(t, false, res["ok"])
	assert.Equal(t, "invalid_argument", res["error_code"])
}

func TestHandleCommandInvalid(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `apply`},
		{"unknown type", `{"type":"overclock"}`},
		{"ack without id", `{"type":"acknowledge"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _, sub := newBridge(t)
			err := b.Commands(sub)("miner/command", []byte(tt.payload))
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, mqtt.ErrInvalidCommand))
			assert.Empty(t, sub.cmds)
		})
	}
}

func TestHandleCommandQueueFull(t *testing.T) {
	b, pub, sub := newBridge(t)
	sub.full = true

	err := b.Commands(sub)("miner/command", []byte(`{"id":"c3","type":"acknowledge","alert_id":"a1"}`))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, scheduler.ErrCommandQueueFull))
	b.Close()
	assert.Len(t, pub.on("miner/command/result"), 1)
}

func TestSlowBrokerDoesNotBlockObservers(t *testing.T) {
	pub := &fakePublisher{block: make(chan struct{})}
	b := mqtt.NewBridge(pub, topics, 1, logger.New("mqtt"))

	returned := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.OnAlert(telemetry.AlertEvent{ID: "a", Kind: telemetry.AlertThermal, Severity: telemetry.SeverityWarning})
		}
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("observer calls blocked on the broker")
	}

	close(pub.block)
	b.Close()

	n := len(pub.on("miner/alerts"))
	assert.Positive(t, n)
	assert.Less(t, n, 200, "overflow is dropped")

	b.OnAlert(telemetry.AlertEvent{ID: "late"})
	assert.Len(t, pub.on("miner/alerts"), n, "closed bridge publishes nothing")
}

func TestConfigValidate(t *testing.T) {
	cfg := mqtt.DefaultConfig()
	require.NoError(t, cfg.Validate(), "disabled config is not checked")

	cfg.Enabled = true
	require.NoError(t, cfg.Validate())

	cfg.Broker = "localhost:1883"
	assert.Error(t, cfg.Validate())

	cfg = mqtt.DefaultConfig()
	cfg.Enabled = true
	cfg.QoS = 3
	assert.Error(t, cfg.Validate())
}
