package notify

import (
	"context"
	"encoding/json"

	"codeberg.org/mutker/bitaxectl/internal/errors"
)

// Publisher is the part of an MQTT client the notifier needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// MQTT publishes messages as JSON on a notification topic.
type MQTT struct {
	publisher Publisher
	topic     string
	qos       byte
}

func NewMQTT(publisher Publisher, topic string, qos byte) *MQTT {
	return &MQTT{publisher: publisher, topic: topic, qos: qos}
}

func (m *MQTT) Name() string { return "mqtt" }

func (m *MQTT) Notify(ctx context.Context, msg Message) error {
	errFactory := errors.New()

	if err := ctx.Err(); err != nil {
		return errFactory.Wrap(ErrDeliveryFailed, err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	if err := m.publisher.Publish(m.topic, payload, m.qos, false); err != nil {
		return errFactory.Wrap(ErrDeliveryFailed, err)
	}
	return nil
}
