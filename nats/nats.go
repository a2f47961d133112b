// Package nats receives device payloads from NATS subjects and delivers
// commands by publishing to subjects.
package nats

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/eddielth/device-comm/logger"
)

var log = logger.Named("nats")

// Config holds NATS connection settings
type Config struct {
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	Token         string        `mapstructure:"token"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// Connect dials the server. Reconnects are unlimited unless MaxReconnects
// is positive.
func Connect(cfg Config) (*nats.Conn, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	nc, err := nats.Connect(cfg.URL, options(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	log.Info("connected to NATS server %s", nc.ConnectedUrlRedacted())
	return nc, nil
}

func options(cfg Config) []nats.Option {
	maxReconnects := -1
	if cfg.MaxReconnects > 0 {
		maxReconnects = cfg.MaxReconnects
	}
	reconnectWait := cfg.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	name := cfg.Name
	if name == "" {
		name = "device-comm"
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected from NATS: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected to NATS server %s", nc.ConnectedUrlRedacted())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				log.Error("subscription %s: %v", sub.Subject, err)
				return
			}
			log.Error("nats: %v", err)
		}),
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	return opts
}

// TokenFromSubject extracts the device token from subjects shaped like
// devices.{token}.events
func TokenFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) >= 3 && parts[0] == "devices" {
		return parts[1]
	}
	return ""
}

type subscription interface {
	Unsubscribe() error
}

// conn is the part of *nats.Conn the receiver and delivery provider use.
type conn interface {
	subscribe(subject, queue string, handler nats.MsgHandler) (subscription, error)
	publish(subject string, data []byte) error
}

type natsConn struct {
	nc *nats.Conn
}

func (c natsConn) subscribe(subject, queue string, handler nats.MsgHandler) (subscription, error) {
	if queue != "" {
		return c.nc.QueueSubscribe(subject, queue, handler)
	}
	return c.nc.Subscribe(subject, handler)
}

func (c natsConn) publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}
