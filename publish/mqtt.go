package publish

import (
	"context"
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"

	"github.com/oto-labs/eol-station/runner"
)

const (
	// DefaultTopic is used when MQTTConfig.Topic is empty.
	DefaultTopic   = "oto/eol/{fixture}/{device_id}"
	publishTimeout = 10 * time.Second
	connectTimeout = 10 * time.Second
)

// MQTTConfig configures the MQTT result sink.
type MQTTConfig struct {
	Broker   string `json:"broker"`
	ClientID string `json:"client_id,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	// Topic may use the {fixture} and {device_id} placeholders.
	Topic string `json:"topic,omitempty"`
	QoS   byte   `json:"qos,omitempty"`
}

// Validate checks the config.
func (c *MQTTConfig) Validate(path string) error {
	if c.Broker == "" {
		return resource.NewConfigValidationFieldRequiredError(path, "broker")
	}
	if c.QoS > 2 {
		return errors.Errorf("%s: qos must be 0, 1 or 2, got %d", path, c.QoS)
	}
	return nil
}

// MQTT publishes each finished run as a JSON Record.
type MQTT struct {
	client mqtt.Client
	topic  string
	qos    byte
	logger logging.Logger
}

var _ runner.Sink = (*MQTT)(nil)

// DialMQTT connects to the broker in cfg.
func DialMQTT(cfg MQTTConfig, logger logging.Logger) (*MQTT, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warnf("mqtt connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, errors.Errorf("timed out connecting to mqtt broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "connecting to mqtt broker %s", cfg.Broker)
	}
	logger.Infof("connected to mqtt broker %s", cfg.Broker)
	return NewMQTT(client, cfg, logger), nil
}

// NewMQTT wraps an already connected client.
func NewMQTT(client mqtt.Client, cfg MQTTConfig, logger logging.Logger) *MQTT {
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	return &MQTT{client: client, topic: topic, qos: cfg.QoS, logger: logger}
}

// Record implements runner.Sink.
func (m *MQTT) Record(ctx context.Context, rep *runner.Report) error {
	rec, err := NewRecord(rep)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encoding mqtt record")
	}
	topic := formatTopic(m.topic, rec)
	token := m.client.Publish(topic, m.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.Errorf("timed out publishing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return errors.Wrapf(err, "publishing to %s", topic)
	}
	m.logger.CDebugf(ctx, "published %s to %s", rec.DeviceID, topic)
	return nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
