// Package mqtt receives device payloads from and delivers commands to an
// MQTT broker.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/eddielth/device-comm/logger"
)

var log = logger.Named("mqtt")

// ErrPublishTimeout is returned when the broker does not acknowledge a
// publish within the configured publish timeout.
var ErrPublishTimeout = errors.New("publish not acknowledged in time")

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 10 * time.Second
)

// Config holds the broker connection settings.
type Config struct {
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries int           `mapstructure:"connect_retries"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// WithRole returns a copy whose client id carries role as a suffix. Brokers
// drop an older session when a second one connects with the same id.
func (c Config) WithRole(role string) Config {
	if c.ClientID == "" {
		c.ClientID = fmt.Sprintf("device-comm-%d", time.Now().Unix())
	}
	c.ClientID += "-" + role
	return c
}

// Client is a reference-counted broker connection. Message handlers run on
// the connection's incoming goroutine, which also processes publish
// acknowledgements, so receivers and delivery providers use separate clients.
type Client struct {
	client mqtt.Client
	config Config

	mu    sync.Mutex
	users int
}

// NewClient creates a client; it connects on first use.
func NewClient(config Config) (*Client, error) {
	if config.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address cannot be empty")
	}
	if config.ClientID == "" {
		config.ClientID = fmt.Sprintf("device-comm-%d", time.Now().Unix())
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaultConnectTimeout
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaultPublishTimeout
	}
	if config.ConnectRetries <= 0 {
		config.ConnectRetries = 5
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Error("connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		log.Info("trying to reconnect to MQTT broker...")
	})

	return newClient(config, mqtt.NewClient(opts)), nil
}

func newClient(config Config, client mqtt.Client) *Client {
	return &Client{client: client, config: config}
}

// Acquire connects on the first call, retrying with exponential backoff.
// Every Acquire is paired with a Release.
func (c *Client) Acquire(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.users > 0 {
		c.users++
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute
	err := backoff.Retry(func() error {
		token := c.client.Connect()
		if !token.WaitTimeout(c.config.ConnectTimeout) {
			return fmt.Errorf("connection to MQTT broker timed out")
		}
		if err := token.Error(); err != nil {
			log.Warn("failed to connect to %s: %v", c.config.Broker, err)
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.config.ConnectRetries-1)), ctx))
	if err != nil {
		return fmt.Errorf("could not connect to MQTT broker %s: %w", c.config.Broker, err)
	}

	c.users = 1
	log.Info("successfully connected to MQTT broker: %s", c.config.Broker)
	return nil
}

// Release disconnects when the last user releases the client.
func (c *Client) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.users == 0 {
		return
	}
	c.users--
	if c.users == 0 {
		c.client.Disconnect(250)
		log.Info("disconnected from MQTT broker")
	}
}

// Subscribe subscribes to topic. handler runs on the client's incoming
// goroutine, so a blocking handler holds back further messages and acks.
func (c *Client) Subscribe(topic string, qos byte, handler func(msg mqtt.Message)) error {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg)
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscription to topic %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return err
	}

	log.Info("successfully subscribed to topic: %s", topic)
	return nil
}

// Unsubscribe removes subscriptions
func (c *Client) Unsubscribe(topics ...string) error {
	token := c.client.Unsubscribe(topics...)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("unsubscribe from %s timed out", strings.Join(topics, ","))
	}
	return token.Error()
}

// Publish sends payload and waits for the broker acknowledgement, at most
// the configured publish timeout.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)

	timer := time.NewTimer(c.config.PublishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: %s after %s", ErrPublishTimeout, topic, c.config.PublishTimeout)
	}
}

var topicPattern = regexp.MustCompile(`devices/([^/]+)/.*`)

// TokenFromTopic extracts the device token from topics of the form
// devices/{token}/...
func TokenFromTopic(topic string) string {
	matches := topicPattern.FindStringSubmatch(topic)
	if len(matches) > 1 {
		return matches[1]
	}

	parts := strings.Split(topic, "/")
	if len(parts) >= 2 && parts[0] == "devices" {
		return parts[1]
	}

	return ""
}
