package mqtt

import (
	"fmt"
	"sync"
	"time"

	"codeberg.org/mutker/bitaxectl/internal/errors"
	"codeberg.org/mutker/bitaxectl/internal/logger"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 1000 // ms
	keepAlive         = 60 * time.Second
	maxQoS            = 2
	maxPayloadSize    = 1 << 20
)

// MessageHandler receives inbound messages. Paho calls it on its own
// goroutine; it must not block for long.
type MessageHandler func(topic string, payload []byte) error

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client wraps paho with a last will on the status topic, automatic
// reconnect and subscription restore. Safe for concurrent use.
type Client struct {
	client pahomqtt.Client
	cfg    Config
	topics Topics
	logger logger.Logger

	subMu         sync.RWMutex
	subscriptions map[string]subscription

	connMu    sync.RWMutex
	connected bool
}

func Connect(cfg Config, log logger.Logger) (*Client, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:           cfg,
		topics:        Topics{Prefix: cfg.TopicPrefix},
		logger:        log,
		subscriptions: make(map[string]subscription),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(defaultReconnectInitial).
		SetMaxReconnectInterval(defaultReconnectMax).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive).
		SetWill(c.topics.Status(), statusPayload("offline", "unexpected_disconnect"), byte(cfg.QoS), true)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.logger.Debug().Str("broker", cfg.Broker).Msg("Reconnecting to MQTT broker")
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		c.client.Disconnect(0)
		return nil, errFactory.WithData(ErrConnectionFailed, fmt.Sprintf("timeout after %v", connectTimeout))
	}
	if err := token.Error(); err != nil {
		return nil, errFactory.Wrap(ErrConnectionFailed, err)
	}

	// The connect handler runs asynchronously and may not have fired yet.
	c.setConnected(true)

	c.logger.Info().Str("broker", cfg.Broker).Str("client_id", cfg.ClientID).Msg("Connected to MQTT broker")

	return c, nil
}

func (c *Client) Topics() Topics { return c.topics }

func (c *Client) QoS() byte { return byte(c.cfg.QoS) }

func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client.IsConnected()
}

func (c *Client) setConnected(v bool) {
	c.connMu.Lock()
	c.connected = v
	c.connMu.Unlock()
}

func (c *Client) handleConnect() {
	c.setConnected(true)

	c.subMu.RLock()
	for topic, sub := range c.subscriptions {
		c.client.Subscribe(topic, sub.qos, c.wrap(sub.handler))
	}
	c.subMu.RUnlock()

	c.client.Publish(c.topics.Status(), byte(c.cfg.QoS), true, statusPayload("online", ""))
}

func (c *Client) handleDisconnect(err error) {
	c.setConnected(false)
	c.logger.Warn().Err(err).Msg("Lost connection to MQTT broker")
}

// Publish waits up to publishTimeout for the broker to acknowledge.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	errFactory := errors.New()

	if topic == "" {
		return errFactory.New(ErrInvalidTopic)
	}
	if qos > maxQoS {
		return errFactory.New(ErrInvalidQoS)
	}
	if len(payload) > maxPayloadSize {
		return errFactory.WithData(ErrPublishFailed, fmt.Sprintf("payload size %d exceeds %d bytes", len(payload), maxPayloadSize))
	}
	if !c.IsConnected() {
		return errFactory.New(ErrNotConnected)
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errFactory.WithData(ErrPublishFailed, fmt.Sprintf("timeout after %v", publishTimeout))
	}
	if err := token.Error(); err != nil {
		return errFactory.Wrap(ErrPublishFailed, err)
	}
	return nil
}

// Subscribe registers handler and restores it after every reconnect.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	errFactory := errors.New()

	if topic == "" {
		return errFactory.New(ErrInvalidTopic)
	}
	if qos > maxQoS {
		return errFactory.New(ErrInvalidQoS)
	}
	if handler == nil {
		return errFactory.WithData(ErrSubscribeFailed, "handler cannot be nil")
	}
	if !c.IsConnected() {
		return errFactory.New(ErrNotConnected)
	}

	c.subMu.Lock()
	c.subscriptions[topic] = subscription{qos: qos, handler: handler}
	c.subMu.Unlock()

	token := c.client.Subscribe(topic, qos, c.wrap(handler))
	if !token.WaitTimeout(publishTimeout) {
		c.forget(topic)
		return errFactory.WithData(ErrSubscribeFailed, fmt.Sprintf("timeout after %v", publishTimeout))
	}
	if err := token.Error(); err != nil {
		c.forget(topic)
		return errFactory.Wrap(ErrSubscribeFailed, err)
	}
	return nil
}

func (c *Client) forget(topic string) {
	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()
}

// Close publishes a graceful offline status and disconnects.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	if c.IsConnected() {
		token := c.client.Publish(c.topics.Status(), byte(c.cfg.QoS), true, statusPayload("offline", "graceful_shutdown"))
		token.WaitTimeout(publishTimeout)
	}

	c.client.Disconnect(disconnectQuiesce)
	c.setConnected(false)

	return nil
}

func (c *Client) wrap(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error().Str("topic", msg.Topic()).Interface("panic", r).Msg("MQTT handler panic recovered")
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("MQTT handler returned error")
		}
	}
}

func statusPayload(status, reason string) string {
	if reason == "" {
		return fmt.Sprintf(`{"status":%q,"timestamp":%q}`, status, time.Now().UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf(`{"status":%q,"reason":%q,"timestamp":%q}`, status, reason, time.Now().UTC().Format(time.RFC3339))
}
