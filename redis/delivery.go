// Package redis delivers commands over Redis pub/sub.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eddielth/device-comm/command"
	"github.com/eddielth/device-comm/logger"
	"github.com/eddielth/device-comm/model"
)

var log = logger.Named("redis")

const (
	DefaultCommandChannel = "devices:{gateway}:commands"
	DefaultSystemChannel  = "devices:{gateway}:system"
)

// Config holds Redis connection settings
type Config struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// NewClient creates a client. It does not connect until first use.
func NewClient(cfg Config) *redis.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
}

// Parameters addresses one publish
type Parameters struct {
	Channel string
}

// ParameterExtractor renders command and system channels from templates.
type ParameterExtractor struct {
	command.TemplateExtractor
}

func NewParameterExtractor(commandChannel, systemChannel string) ParameterExtractor {
	if commandChannel == "" {
		commandChannel = DefaultCommandChannel
	}
	if systemChannel == "" {
		systemChannel = DefaultSystemChannel
	}
	return ParameterExtractor{command.TemplateExtractor{Command: commandChannel, System: systemChannel}}
}

func (e ParameterExtractor) ExtractParameters(nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment, exec *model.CommandExecution) (Parameters, error) {
	channel := e.Render(nesting, assignment, exec)
	if channel == "" {
		return Parameters{}, fmt.Errorf("empty Redis channel")
	}
	return Parameters{Channel: channel}, nil
}

type publisher interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// DeliveryProvider publishes encoded commands with PUBLISH. It owns the
// client and closes it on Stop.
type DeliveryProvider struct {
	client publisher
}

func NewDeliveryProvider(client *redis.Client) *DeliveryProvider {
	return &DeliveryProvider{client: client}
}

// Start verifies the server is reachable.
func (p *DeliveryProvider) Start(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}
	return nil
}

func (p *DeliveryProvider) Stop(context.Context) error {
	return p.client.Close()
}

func (p *DeliveryProvider) Deliver(ctx context.Context, nesting *model.DeviceNestingContext, _ *model.DeviceAssignment, _ *model.CommandExecution, encoded []byte, params Parameters) error {
	receivers, err := p.client.Publish(ctx, params.Channel, encoded).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", params.Channel, err)
	}
	if receivers == 0 {
		log.Debug("no subscribers on %s for gateway %s", params.Channel, nesting.Gateway.Token)
	}
	return nil
}
