// Package app builds the service from configuration and runs its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/eddielth/device-comm/admin"
	"github.com/eddielth/device-comm/codec"
	"github.com/eddielth/device-comm/command"
	"github.com/eddielth/device-comm/config"
	"github.com/eddielth/device-comm/inbound"
	"github.com/eddielth/device-comm/kafka"
	"github.com/eddielth/device-comm/logger"
	"github.com/eddielth/device-comm/management"
	"github.com/eddielth/device-comm/mqtt"
	natsrx "github.com/eddielth/device-comm/nats"
	"github.com/eddielth/device-comm/outbound"
	"github.com/eddielth/device-comm/pipeline"
	"github.com/eddielth/device-comm/redis"
	"github.com/eddielth/device-comm/registration"
	"github.com/eddielth/device-comm/source"
	"github.com/eddielth/device-comm/storage"
	"github.com/eddielth/device-comm/validator"
)

var log = logger.Named("app")

// App owns every component built from one configuration.
type App struct {
	cfg      *config.Config
	registry *prometheus.Registry

	provider     management.Provider
	managementDB *storage.Database
	events       *storage.Manager
	forwarders   []*kafka.EventForwarder

	destinations []command.CommandDestination
	router       command.Router
	commands     *command.Strategy
	registration *registration.Manager

	inboundChain *pipeline.InboundChain
	inbound      *inbound.Strategy
	outbound     *outbound.Strategy
	sources      *source.Manager
	admin        *admin.Server

	// Receivers and delivery providers never share an MQTT connection: a
	// receive handler blocked on a full inbound queue would stall publish acks.
	mqttIn   *mqtt.Client
	mqttOut  *mqtt.Client
	natsConn *nats.Conn

	decoders map[string]codec.Decoder
	encoders map[string]codec.Encoder

	running bool
	stops   []func(ctx context.Context) error
}

// New builds the application. Databases are opened and NATS is dialed here;
// MQTT, Kafka and Redis connect on Start.
func New(cfg *config.Config) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		decoders: make(map[string]codec.Decoder),
		encoders: make(map[string]codec.Encoder),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := a.build(); err != nil {
		a.release()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.cfg
	if err := a.buildStorage(); err != nil {
		return err
	}
	if err := a.buildCommands(); err != nil {
		return err
	}

	a.registration = registration.NewManager(a.provider, a.commands, cfg.Registration)

	eventForwarders := make([]pipeline.EventForwarder, 0, len(a.forwarders))
	for _, f := range a.forwarders {
		eventForwarders = append(eventForwarders, f)
	}
	a.outbound = outbound.NewStrategy(outbound.Config{
		QueueCapacity:      cfg.Outbound.QueueCapacity,
		Workers:            cfg.Outbound.Workers,
		EnqueueTimeout:     cfg.Outbound.EnqueueTimeout,
		Monitoring:         cfg.Outbound.Monitoring,
		MonitoringInterval: cfg.Outbound.MonitoringInterval,
		Registerer:         a.registry,
	}, pipeline.NewOutboundChain(a.commands, eventForwarders...))

	a.inboundChain = pipeline.NewInboundChain(a.provider, a.registration, a.events, a.outbound, a.commands)
	a.inbound = inbound.NewStrategy(inbound.Config{
		QueueCapacity:      cfg.Inbound.QueueCapacity,
		Workers:            cfg.Inbound.Workers,
		Monitoring:         cfg.Inbound.Monitoring,
		MonitoringInterval: cfg.Inbound.MonitoringInterval,
		Registerer:         a.registry,
	}, a.inboundChain)

	if err := a.buildSources(); err != nil {
		return err
	}

	if cfg.Admin.Enabled {
		a.admin = admin.NewServer(cfg.Admin.Addr, admin.Deps{
			Gatherer: a.registry,
			Inbound:  a.inbound,
			Outbound: a.outbound,
			Sources:  a.sources,
			Devices:  a.provider,
			Commands: a.inboundChain,
		})
	}
	return nil
}

func (a *App) buildStorage() error {
	st := a.cfg.Storage

	switch st.Management.Type {
	case config.ManagementSQL:
		db, err := storage.OpenDatabase(st.Management.Database)
		if err != nil {
			return fmt.Errorf("management store: %w", err)
		}
		a.managementDB = db
		a.provider = storage.NewSQLProvider(db)
	default:
		a.provider = management.NewMemoryProvider()
	}

	a.events = storage.NewManager()
	if st.Events.File.Enabled {
		fs, err := storage.NewFileStore(st.Events.File.Path)
		if err != nil {
			return err
		}
		a.events.AddStore(fs)
	}
	if st.Events.Database.Enabled {
		if st.Events.Database.Database.Type == "" {
			a.events.AddStore(storage.NewSQLEventStore(a.managementDB, false))
		} else {
			db, err := storage.OpenDatabase(st.Events.Database.Database)
			if err != nil {
				return fmt.Errorf("event database: %w", err)
			}
			a.events.AddStore(storage.NewSQLEventStore(db, true))
		}
	}
	if st.Events.Influx.Enabled {
		is, err := storage.NewInfluxStore(st.Events.Influx.InfluxConfig)
		if err != nil {
			return err
		}
		a.events.AddStore(is)
	}
	if a.events.Len() == 0 {
		log.Warn("no event store enabled, events are only forwarded")
	}

	if st.Forward.Kafka.Enabled {
		f, err := kafka.NewEventForwarder(kafka.ForwarderConfig{
			WriterConfig: a.cfg.Kafka.Writer(),
			Topic:        st.Forward.Kafka.Topic,
		})
		if err != nil {
			return err
		}
		a.forwarders = append(a.forwarders, f)
	}
	return nil
}

func (a *App) sharedMQTT(role string, slot **mqtt.Client) (*mqtt.Client, error) {
	if *slot == nil {
		c, err := mqtt.NewClient(a.cfg.MQTT.WithRole(role))
		if err != nil {
			return nil, err
		}
		*slot = c
	}
	return *slot, nil
}

func (a *App) sharedNATS() (*nats.Conn, error) {
	if a.natsConn == nil {
		nc, err := natsrx.Connect(a.cfg.NATS)
		if err != nil {
			return nil, err
		}
		a.natsConn = nc
	}
	return a.natsConn, nil
}

func newDestination[P any](dc config.DestinationConfig, enc codec.Encoder, ext command.ParameterExtractor[P], provider command.DeliveryProvider[[]byte, P]) command.CommandDestination {
	if dc.Breaker.Enabled {
		provider = command.WithBreaker(dc.ID, dc.Breaker, provider)
	}
	return command.NewDestination[[]byte, P](dc.ID, command.BytesEncoder{Codec: enc}, ext, provider)
}

func (a *App) buildDestination(dc config.DestinationConfig) (command.CommandDestination, error) {
	enc, err := codec.NewEncoder(dc.Encoder)
	if err != nil {
		return nil, err
	}
	a.encoders[dc.ID] = enc

	switch dc.Type {
	case config.TransportMQTT:
		client, err := a.sharedMQTT("out", &a.mqttOut)
		if err != nil {
			return nil, err
		}
		return newDestination[mqtt.Parameters](dc, enc,
			mqtt.NewParameterExtractor(dc.Command, dc.System),
			mqtt.NewDeliveryProvider(client, dc.QoS, dc.Retained)), nil
	case config.TransportKafka:
		return newDestination[kafka.Parameters](dc, enc,
			kafka.NewParameterExtractor(dc.Command, dc.System),
			kafka.NewDeliveryProvider(a.cfg.Kafka.Writer())), nil
	case config.TransportNATS:
		nc, err := a.sharedNATS()
		if err != nil {
			return nil, err
		}
		return newDestination[natsrx.Parameters](dc, enc,
			natsrx.NewParameterExtractor(dc.Command, dc.System),
			natsrx.NewDeliveryProvider(nc)), nil
	case config.TransportRedis:
		return newDestination[redis.Parameters](dc, enc,
			redis.NewParameterExtractor(dc.Command, dc.System),
			redis.NewDeliveryProvider(redis.NewClient(a.cfg.Redis))), nil
	default:
		return nil, fmt.Errorf("unsupported destination type %q", dc.Type)
	}
}

func (a *App) buildCommands() error {
	for _, dc := range a.cfg.Commands.Destinations {
		d, err := a.buildDestination(dc)
		if err != nil {
			return fmt.Errorf("destination %s: %w", dc.ID, err)
		}
		a.destinations = append(a.destinations, d)
	}

	rc := a.cfg.Commands.Router
	switch rc.Type {
	case config.RouterSingle:
		a.router = command.NewSingleChoiceRouter()
	default:
		a.router = command.NewSpecificationMappingRouter(rc.MappingTable(), rc.DefaultDestination)
	}
	a.commands = command.NewStrategy(a.provider, a.router)
	return a.commands.Validate()
}

func (a *App) buildSources() error {
	var sources []*source.EventSource
	for _, sc := range a.cfg.EventSources {
		dec, err := codec.NewDecoder(sc.Decoder)
		if err != nil {
			return fmt.Errorf("event source %s: %w", sc.ID, err)
		}
		v, err := validator.New(sc.Validation)
		if err != nil {
			return fmt.Errorf("event source %s: %w", sc.ID, err)
		}
		rx, err := a.buildReceiver(sc)
		if err != nil {
			return fmt.Errorf("event source %s: %w", sc.ID, err)
		}
		a.decoders[sc.ID] = dec
		sources = append(sources, source.New(sc.ID, dec, a.inbound, source.WithValidator(v), source.WithReceivers(rx)))
	}
	m, err := source.NewManager(sources...)
	if err != nil {
		return err
	}
	a.sources = m
	return nil
}

func (a *App) buildReceiver(sc config.EventSourceConfig) (source.Receiver, error) {
	switch sc.Type {
	case config.TransportMQTT:
		client, err := a.sharedMQTT("in", &a.mqttIn)
		if err != nil {
			return nil, err
		}
		return mqtt.NewReceiver(sc.ID, client, sc.Topics, sc.QoS), nil
	case config.TransportKafka:
		if len(sc.Topics) != 1 {
			return nil, fmt.Errorf("kafka sources read exactly one topic")
		}
		return kafka.NewReceiver(sc.ID, kafka.ReaderConfig{
			Brokers: a.cfg.Kafka.Brokers,
			GroupID: sc.GroupID,
			Topic:   sc.Topics[0],
		}), nil
	case config.TransportNATS:
		nc, err := a.sharedNATS()
		if err != nil {
			return nil, err
		}
		return natsrx.NewReceiver(sc.ID, nc, sc.Topics, sc.Queue), nil
	default:
		return nil, fmt.Errorf("unsupported source type %q", sc.Type)
	}
}

// Start starts destinations, router, outbound, inbound, sources and the
// admin server in that order. On failure the started parts are stopped.
func (a *App) Start(ctx context.Context) error {
	if a.running {
		return nil
	}
	if err := a.start(ctx); err != nil {
		if stopErr := a.stopAll(ctx); stopErr != nil {
			log.Warn("cleanup after failed start: %v", stopErr)
		}
		return err
	}
	a.running = true
	log.Info("started with %d event sources and %d command destinations", len(a.cfg.EventSources), len(a.destinations))
	return nil
}

func (a *App) start(ctx context.Context) error {
	if err := a.registration.Validate(); err != nil {
		return err
	}

	for _, d := range a.destinations {
		if err := d.Start(ctx); err != nil {
			return err
		}
		a.stops = append(a.stops, d.Stop)
	}
	if err := a.router.Initialize(a.destinations); err != nil {
		return fmt.Errorf("command router: %w", err)
	}

	if err := a.outbound.Start(ctx); err != nil {
		return fmt.Errorf("outbound: %w", err)
	}
	a.stops = append(a.stops, stopFunc(a.outbound.Stop))

	if err := a.inbound.Start(ctx); err != nil {
		return fmt.Errorf("inbound: %w", err)
	}
	a.stops = append(a.stops, stopFunc(a.inbound.Stop))

	if err := a.sources.Start(ctx); err != nil {
		return err
	}
	a.stops = append(a.stops, a.sources.Stop)

	if a.admin != nil {
		if err := a.admin.Start(ctx); err != nil {
			return err
		}
		a.stops = append(a.stops, func(context.Context) error { return a.admin.Stop() })
	}
	return nil
}

func stopFunc(stop func()) func(context.Context) error {
	return func(context.Context) error {
		stop()
		return nil
	}
}

// Stop stops everything in reverse start order and releases connections.
func (a *App) Stop(ctx context.Context) error {
	if !a.running {
		return nil
	}
	a.running = false
	err := a.stopAll(ctx)
	log.Info("stopped")
	return err
}

func (a *App) stopAll(ctx context.Context) error {
	var errs []error
	for i := len(a.stops) - 1; i >= 0; i-- {
		if err := a.stops[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.stops = nil
	a.release()
	return errors.Join(errs...)
}

func (a *App) release() {
	for _, f := range a.forwarders {
		if err := f.Close(); err != nil {
			log.Warn("close forwarder %s: %v", f.Name(), err)
		}
	}
	a.forwarders = nil
	if a.events != nil {
		a.events.Close()
	}
	if a.managementDB != nil {
		if err := a.managementDB.Close(); err != nil {
			log.Warn("close management database: %v", err)
		}
		a.managementDB = nil
	}
	if a.natsConn != nil {
		a.natsConn.Close()
		a.natsConn = nil
	}
}

// ApplyConfig applies the parts of cfg that can change at runtime: script
// decoders and encoders, and registration settings. Other changes need a
// restart.
func (a *App) ApplyConfig(cfg *config.Config) error {
	var errs []error
	for _, sc := range cfg.EventSources {
		if err := reload(a.decoders[sc.ID], sc.Decoder); err != nil {
			errs = append(errs, fmt.Errorf("decoder of %s: %w", sc.ID, err))
		}
	}
	for _, dc := range cfg.Commands.Destinations {
		if err := reload(a.encoders[dc.ID], dc.Encoder); err != nil {
			errs = append(errs, fmt.Errorf("encoder of %s: %w", dc.ID, err))
		}
	}
	a.registration.UpdateSettings(cfg.Registration)
	return errors.Join(errs...)
}

func reload(c any, cfg codec.Config) error {
	if c == nil || cfg.Type != codec.TypeScript {
		return nil
	}
	r, ok := c.(codec.Reloadable)
	if !ok {
		log.Warn("codec type changed to script, restart to apply")
		return nil
	}
	return r.Reload(cfg)
}

// Provider returns the management store
func (a *App) Provider() management.Provider { return a.provider }

// Commands returns the command invoker used by the admin API
func (a *App) Commands() *pipeline.InboundChain { return a.inboundChain }

// Registry returns the metrics registry
func (a *App) Registry() *prometheus.Registry { return a.registry }
