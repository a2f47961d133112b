package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/device-comm/codec"
	"github.com/eddielth/device-comm/config"
	"github.com/eddielth/device-comm/model"
	"github.com/eddielth/device-comm/mqtt"
	"github.com/eddielth/device-comm/registration"
	"github.com/eddielth/device-comm/storage"
)

const alertScript = `function decode(p, m) { return {type: "alert", deviceToken: m.device_token, request: {type: p}}; }`

func testConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, GroupID: "device-comm"},
		EventSources: []config.EventSourceConfig{
			{ID: "kafka-json", Type: config.TransportKafka, Topics: []string{"device-events"}, GroupID: "device-comm"},
			{
				ID:      "kafka-script",
				Type:    config.TransportKafka,
				Topics:  []string{"legacy-events"},
				Decoder: codec.Config{Type: codec.TypeScript, ScriptCode: alertScript},
			},
		},
		Inbound:      config.InboundConfig{QueueCapacity: 10, Workers: 1},
		Outbound:     config.OutboundConfig{QueueCapacity: 10, Workers: 1},
		Registration: registration.DefaultSettings(),
		Commands: config.CommandsConfig{
			Router:       config.RouterConfig{Type: config.RouterSingle},
			Destinations: []config.DestinationConfig{{ID: "kafka-out", Type: config.TransportKafka, Command: "commands.{gateway}"}},
		},
		Storage: config.StorageConfig{
			Management: config.ManagementConfig{
				Type:     config.ManagementSQL,
				Database: storage.DatabaseConfig{Type: storage.SQLite, DSN: ":memory:"},
			},
			Events: config.EventsConfig{Database: config.DatabaseStoreConfig{Enabled: true}},
		},
		Admin: config.AdminConfig{Enabled: true, Addr: "127.0.0.1:0"},
	}
}

func TestNewBuildsComponents(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.release() })

	assert.IsType(t, &storage.SQLProvider{}, a.Provider())
	assert.Equal(t, 1, a.events.Len())
	assert.Len(t, a.destinations, 1)
	assert.Len(t, a.sources.Sources(), 2)
	assert.NotNil(t, a.admin)

	families, err := a.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["devicecomm_pool_queue_capacity"])
}

func TestNewRejectsBadStorage(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Management.Database.Type = "oracle"
	_, err := New(cfg)
	assert.ErrorContains(t, err, "management store")
}

func TestNewRejectsBadScript(t *testing.T) {
	cfg := testConfig()
	cfg.EventSources[1].Decoder.ScriptCode = "function decode( {"
	_, err := New(cfg)
	assert.ErrorContains(t, err, "kafka-script")
}

func TestApplyConfigReloadsScriptsAndRegistration(t *testing.T) {
	a, err := New(testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { a.release() })

	next := testConfig()
	next.EventSources[1].Decoder.ScriptCode = `function decode(p, m) { return {type: "alert", deviceToken: "fixed", request: {type: "reloaded"}}; }`
	next.Registration.AllowNewDevices = false
	require.NoError(t, a.ApplyConfig(next))

	src, ok := a.sources.Get("kafka-script")
	require.True(t, ok)
	reqs, err := src.Decoder().Decode([]byte("overheat"), map[string]string{codec.MetadataDeviceToken: "dev-1"})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "fixed", reqs[0].DeviceToken)
	assert.Equal(t, "reloaded", reqs[0].Payload.(*model.AlertRequest).Type)

	assert.False(t, a.registration.Settings().AllowNewDevices)

	bad := testConfig()
	bad.EventSources[1].Decoder.ScriptCode = "function decode( {"
	assert.Error(t, a.ApplyConfig(bad))
	reqs, err = src.Decoder().Decode([]byte("overheat"), nil)
	require.NoError(t, err)
	assert.Equal(t, "fixed", reqs[0].DeviceToken, "previous script stays active")
}

func TestInvokeCommandWithoutAssignment(t *testing.T) {
	a, err := New(testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { a.release() })

	_, err = a.Commands().InvokeCommand(context.Background(), model.CommandInvocation{AssignmentToken: "missing", CommandToken: "reboot"})
	assert.Error(t, err)
}

func TestMQTTReceiversAndDestinationsUseSeparateClients(t *testing.T) {
	cfg := testConfig()
	cfg.MQTT = mqtt.Config{Broker: "tcp://127.0.0.1:1883", ClientID: "svc"}
	cfg.EventSources = append(cfg.EventSources, config.EventSourceConfig{
		ID: "mqtt-json", Type: config.TransportMQTT, Topics: []string{"devices/+/input"}, QoS: 1,
	})
	cfg.Commands.Destinations = []config.DestinationConfig{{ID: "mqtt-out", Type: config.TransportMQTT, QoS: 1}}
	require.NoError(t, cfg.Validate())

	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.release() })

	require.NotNil(t, a.mqttIn)
	require.NotNil(t, a.mqttOut)
	assert.NotSame(t, a.mqttIn, a.mqttOut)
}
