package mqtt

import (
	"net/url"
	"time"

	"codeberg.org/mutker/bitaxectl/internal/errors"
)

const (
	defaultBroker      = "tcp://localhost:1883"
	defaultClientID    = "bitaxectl"
	defaultTopicPrefix = "bitaxectl"
	defaultQoS         = 1

	defaultReconnectInitial = time.Second
	defaultReconnectMax     = 2 * time.Minute
)

type Config struct {
	Enabled     bool
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         int
}

func DefaultConfig() Config {
	return Config{
		Broker:      defaultBroker,
		ClientID:    defaultClientID,
		TopicPrefix: defaultTopicPrefix,
		QoS:         defaultQoS,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if !c.Enabled {
		return nil
	}
	u, err := url.Parse(c.Broker)
	if err != nil || u.Host == "" {
		return errFactory.WithData(ErrInvalidConfig, "mqtt broker must be a url like tcp://host:1883")
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "ws", "wss", "mqtt", "mqtts":
	default:
		return errFactory.WithData(ErrInvalidConfig, "unsupported mqtt broker scheme: "+u.Scheme)
	}
	if c.ClientID == "" {
		return errFactory.WithData(ErrInvalidConfig, "mqtt client_id is required")
	}
	if c.TopicPrefix == "" {
		return errFactory.WithData(ErrInvalidConfig, "mqtt topic_prefix is required")
	}
	if c.QoS < 0 || c.QoS > maxQoS {
		return errFactory.WithData(ErrInvalidConfig, "mqtt qos must be 0, 1 or 2")
	}
	return nil
}
