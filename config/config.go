// Package config loads the YAML configuration with viper and watches it for
// changes.
package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/eddielth/device-comm/codec"
	"github.com/eddielth/device-comm/command"
	"github.com/eddielth/device-comm/kafka"
	"github.com/eddielth/device-comm/logger"
	"github.com/eddielth/device-comm/mqtt"
	"github.com/eddielth/device-comm/nats"
	"github.com/eddielth/device-comm/redis"
	"github.com/eddielth/device-comm/registration"
	"github.com/eddielth/device-comm/storage"
	"github.com/eddielth/device-comm/validator"
)

var log = logger.Named("config")

// Transport names used by event sources and destinations
const (
	TransportMQTT  = "mqtt"
	TransportKafka = "kafka"
	TransportNATS  = "nats"
	TransportRedis = "redis"
)

// Router types
const (
	RouterSpecification = "specification"
	RouterSingle        = "single"
)

// Management store types
const (
	ManagementMemory = "memory"
	ManagementSQL    = "sql"
)

// Config is the application configuration.
type Config struct {
	Logger       LoggerConfig          `mapstructure:"logger"`
	MQTT         mqtt.Config           `mapstructure:"mqtt"`
	Kafka        KafkaConfig           `mapstructure:"kafka"`
	NATS         nats.Config           `mapstructure:"nats"`
	Redis        redis.Config          `mapstructure:"redis"`
	EventSources []EventSourceConfig   `mapstructure:"event_sources"`
	Inbound      InboundConfig         `mapstructure:"inbound"`
	Outbound     OutboundConfig        `mapstructure:"outbound"`
	Registration registration.Settings `mapstructure:"registration"`
	Commands     CommandsConfig        `mapstructure:"commands"`
	Storage      StorageConfig         `mapstructure:"storage"`
	Admin        AdminConfig           `mapstructure:"admin"`
}

// LoggerConfig configures the default logger
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Console    bool   `mapstructure:"console"`
}

// KafkaConfig holds the brokers shared by Kafka sources, destinations and
// the event forwarder.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	GroupID      string        `mapstructure:"group_id"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	RequireAll   bool          `mapstructure:"require_all"`
}

// Writer returns the writer settings
func (k KafkaConfig) Writer() kafka.WriterConfig {
	return kafka.WriterConfig{Brokers: k.Brokers, BatchTimeout: k.BatchTimeout, RequireAll: k.RequireAll}
}

// EventSourceConfig declares one event source: a transport, what to
// receive and how to decode it.
type EventSourceConfig struct {
	ID         string           `mapstructure:"id"`
	Type       string           `mapstructure:"type"`
	Topics     []string         `mapstructure:"topics"`
	QoS        byte             `mapstructure:"qos"`
	GroupID    string           `mapstructure:"group_id"`
	Queue      string           `mapstructure:"queue"`
	Decoder    codec.Config     `mapstructure:"decoder"`
	Validation validator.Config `mapstructure:"validation"`
}

// InboundConfig sizes the inbound queue
type InboundConfig struct {
	QueueCapacity      int           `mapstructure:"queue_capacity"`
	Workers            int           `mapstructure:"workers"`
	Monitoring         bool          `mapstructure:"monitoring"`
	MonitoringInterval time.Duration `mapstructure:"monitoring_interval"`
}

// OutboundConfig sizes the outbound queue
type OutboundConfig struct {
	QueueCapacity      int           `mapstructure:"queue_capacity"`
	Workers            int           `mapstructure:"workers"`
	EnqueueTimeout     time.Duration `mapstructure:"enqueue_timeout"`
	Monitoring         bool          `mapstructure:"monitoring"`
	MonitoringInterval time.Duration `mapstructure:"monitoring_interval"`
}

// CommandsConfig declares command destinations and how commands are routed
// to them.
type CommandsConfig struct {
	Router       RouterConfig        `mapstructure:"router"`
	Destinations []DestinationConfig `mapstructure:"destinations"`
}

// RouterConfig selects the command router
type RouterConfig struct {
	Type               string                 `mapstructure:"type"`
	Mappings           []SpecificationMapping `mapstructure:"mappings"`
	DefaultDestination string                 `mapstructure:"default_destination"`
}

// SpecificationMapping routes a device specification to a destination.
// Mappings are a list because viper lowercases map keys.
type SpecificationMapping struct {
	Specification string `mapstructure:"specification"`
	Destination   string `mapstructure:"destination"`
}

// MappingTable returns the mappings keyed by specification token
func (r RouterConfig) MappingTable() map[string]string {
	out := make(map[string]string, len(r.Mappings))
	for _, m := range r.Mappings {
		out[m.Specification] = m.Destination
	}
	return out
}

// DestinationConfig declares one command destination.
type DestinationConfig struct {
	ID       string                `mapstructure:"id"`
	Type     string                `mapstructure:"type"`
	Encoder  codec.Config          `mapstructure:"encoder"`
	Command  string                `mapstructure:"command_template"`
	System   string                `mapstructure:"system_template"`
	QoS      byte                  `mapstructure:"qos"`
	Retained bool                  `mapstructure:"retained"`
	Breaker  command.BreakerConfig `mapstructure:"breaker"`
}

// StorageConfig selects the management store, event stores and forwarders.
type StorageConfig struct {
	Management ManagementConfig `mapstructure:"management"`
	Events     EventsConfig     `mapstructure:"events"`
	Forward    ForwardConfig    `mapstructure:"forward"`
}

// ManagementConfig selects the management store
type ManagementConfig struct {
	Type     string                 `mapstructure:"type"`
	Database storage.DatabaseConfig `mapstructure:"database"`
}

// EventsConfig enables event stores
type EventsConfig struct {
	File     FileStoreConfig     `mapstructure:"file"`
	Database DatabaseStoreConfig `mapstructure:"database"`
	Influx   InfluxStoreConfig   `mapstructure:"influx"`
}

type FileStoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DatabaseStoreConfig enables the SQL events table. Without its own
// database settings it shares the management database.
type DatabaseStoreConfig struct {
	Enabled  bool                   `mapstructure:"enabled"`
	Database storage.DatabaseConfig `mapstructure:"database"`
}

type InfluxStoreConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	storage.InfluxConfig `mapstructure:",squash"`
}

// ForwardConfig enables outbound event forwarders
type ForwardConfig struct {
	Kafka KafkaForwardConfig `mapstructure:"kafka"`
}

type KafkaForwardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Topic   string `mapstructure:"topic"`
}

// AdminConfig configures the HTTP admin surface
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.console", true)

	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.connect_retries", 5)
	v.SetDefault("kafka.group_id", "device-comm")
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("redis.timeout", 5*time.Second)

	v.SetDefault("inbound.queue_capacity", 10000)
	v.SetDefault("inbound.workers", 100)
	v.SetDefault("inbound.monitoring_interval", 10*time.Second)
	v.SetDefault("outbound.queue_capacity", 10000)
	v.SetDefault("outbound.workers", 100)
	v.SetDefault("outbound.enqueue_timeout", 5*time.Second)
	v.SetDefault("outbound.monitoring_interval", 10*time.Second)

	v.SetDefault("registration.allow_new_devices", true)
	v.SetDefault("registration.auto_assign_site", true)

	v.SetDefault("commands.router.type", RouterSpecification)

	v.SetDefault("storage.management.type", ManagementMemory)
	v.SetDefault("storage.events.file.path", "data")

	v.SetDefault("admin.addr", ":9090")
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	for i := range cfg.EventSources {
		if cfg.EventSources[i].GroupID == "" {
			cfg.EventSources[i].GroupID = cfg.Kafka.GroupID
		}
	}
	return &cfg, nil
}

// LoadConfig reads and validates the configuration file.
func LoadConfig(configPath string) (*Config, error) {
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the application cannot start with.
func (c *Config) Validate() error {
	if c.Inbound.QueueCapacity <= 0 || c.Inbound.Workers <= 0 {
		return fmt.Errorf("inbound queue_capacity and workers must be positive")
	}
	if c.Outbound.QueueCapacity <= 0 || c.Outbound.Workers <= 0 {
		return fmt.Errorf("outbound queue_capacity and workers must be positive")
	}
	if len(c.EventSources) == 0 {
		return fmt.Errorf("at least one event source is required")
	}

	seen := map[string]bool{}
	for i, src := range c.EventSources {
		if src.ID == "" {
			return fmt.Errorf("event source %d has no id", i)
		}
		if seen[src.ID] {
			return fmt.Errorf("duplicate event source id %s", src.ID)
		}
		seen[src.ID] = true
		if err := c.validateSource(src); err != nil {
			return fmt.Errorf("event source %s: %w", src.ID, err)
		}
	}

	ids := map[string]bool{}
	for i, dst := range c.Commands.Destinations {
		if dst.ID == "" {
			return fmt.Errorf("destination %d has no id", i)
		}
		if ids[dst.ID] {
			return fmt.Errorf("duplicate destination id %s", dst.ID)
		}
		ids[dst.ID] = true
		if err := c.validateDestination(dst); err != nil {
			return fmt.Errorf("destination %s: %w", dst.ID, err)
		}
	}
	if err := c.validateRouter(ids); err != nil {
		return err
	}
	return c.validateStorage()
}

func (c *Config) validateSource(src EventSourceConfig) error {
	switch src.Type {
	case TransportMQTT:
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
		if len(src.Topics) == 0 {
			return fmt.Errorf("topics are required")
		}
	case TransportKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required")
		}
		if len(src.Topics) != 1 {
			return fmt.Errorf("kafka sources read exactly one topic")
		}
	case TransportNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required")
		}
		if len(src.Topics) == 0 {
			return fmt.Errorf("topics are required")
		}
	default:
		return fmt.Errorf("unsupported source type %q", src.Type)
	}
	return checkCodecType(src.Decoder)
}

func (c *Config) validateDestination(dst DestinationConfig) error {
	switch dst.Type {
	case TransportMQTT:
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
	case TransportKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required")
		}
		if dst.Command == "" {
			return fmt.Errorf("command_template is required")
		}
	case TransportNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required")
		}
	case TransportRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required")
		}
	default:
		return fmt.Errorf("unsupported destination type %q", dst.Type)
	}
	return checkCodecType(dst.Encoder)
}

func checkCodecType(cfg codec.Config) error {
	switch cfg.Type {
	case "", codec.TypeJSON:
		return nil
	case codec.TypeScript:
		if cfg.ScriptCode == "" && cfg.ScriptPath == "" {
			return fmt.Errorf("script codec needs script_code or script_path")
		}
		return nil
	default:
		return fmt.Errorf("unsupported codec type %q", cfg.Type)
	}
}

func (c *Config) validateRouter(destinations map[string]bool) error {
	r := c.Commands.Router
	switch r.Type {
	case RouterSingle:
		if len(destinations) != 1 {
			return fmt.Errorf("single router needs exactly one destination, have %d", len(destinations))
		}
	case RouterSpecification:
		for _, m := range r.Mappings {
			if m.Specification == "" || !destinations[m.Destination] {
				return fmt.Errorf("router mapping %q -> %q is invalid", m.Specification, m.Destination)
			}
		}
		if r.DefaultDestination != "" && !destinations[r.DefaultDestination] {
			return fmt.Errorf("unknown default destination %s", r.DefaultDestination)
		}
	default:
		return fmt.Errorf("unsupported router type %q", r.Type)
	}
	return nil
}

func (c *Config) validateStorage() error {
	m := c.Storage.Management
	switch m.Type {
	case ManagementMemory:
	case ManagementSQL:
		if m.Database.Type == "" {
			return fmt.Errorf("storage.management.database.type is required")
		}
	default:
		return fmt.Errorf("unsupported management store %q", m.Type)
	}
	ev := c.Storage.Events
	if ev.Database.Enabled && ev.Database.Database.Type == "" && m.Type != ManagementSQL {
		return fmt.Errorf("events database needs its own settings without a sql management store")
	}
	if ev.Influx.Enabled && (ev.Influx.URL == "" || ev.Influx.Bucket == "") {
		return fmt.Errorf("influx store needs url and bucket")
	}
	if c.Storage.Forward.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Storage.Forward.Kafka.Topic == "") {
		return fmt.Errorf("kafka forwarder needs kafka.brokers and a topic")
	}
	return nil
}

// ConfigChangeCallback receives a reloaded configuration
type ConfigChangeCallback func(cfg *Config) error

// WatchConfig calls callback with the reloaded configuration whenever the
// file is written. Changes within two seconds of the last one are ignored.
func WatchConfig(configPath string, callback ConfigChangeCallback) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	v := newViper(absPath)
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	var (
		mu             sync.Mutex
		lastChangeTime time.Time
	)
	const debounceInterval = 2 * time.Second

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) {
			return
		}
		mu.Lock()
		now := time.Now()
		if now.Sub(lastChangeTime) < debounceInterval {
			mu.Unlock()
			return
		}
		lastChangeTime = now
		mu.Unlock()

		log.Info("config file changed: %s", e.Name)

		newConfig, err := decode(v)
		if err != nil {
			log.Error("decode changed config failed: %v", err)
			return
		}
		if err := newConfig.Validate(); err != nil {
			log.Error("changed config is invalid: %v", err)
			return
		}
		if err := callback(newConfig); err != nil {
			log.Error("apply changed config failed: %v", err)
			return
		}
		log.Info("config updated and applied")
	})
	v.WatchConfig()
	return nil
}
