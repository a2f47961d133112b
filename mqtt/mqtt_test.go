package mqtt

import (
	"context"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/device-comm/codec"
	"github.com/eddielth/device-comm/model"
)

func TestTokenFromTopic(t *testing.T) {
	cases := map[string]string{
		"devices/dev-1/events":           "dev-1",
		"devices/dev-1/events/measures":  "dev-1",
		"site/devices/gw-7/registration": "gw-7",
		"devices/dev-2":                  "dev-2",
		"sensors/dev-1/events":           "",
		"devices":                        "",
	}
	for topic, want := range cases {
		assert.Equal(t, want, TokenFromTopic(topic), topic)
	}
}

type captureSink struct {
	payload []byte
	md      map[string]string
}

func (s *captureSink) OnPayload(_ context.Context, payload []byte, md map[string]string) {
	s.payload = payload
	s.md = md
}

func TestReceiverMetadata(t *testing.T) {
	r := NewReceiver("mqtt-1", nil, []string{"devices/+/events"}, 1)
	sink := &captureSink{}

	r.onMessage(context.Background(), sink, "devices/dev-9/events", []byte("{}"), 1, true)

	assert.Equal(t, []byte("{}"), sink.payload)
	assert.Equal(t, map[string]string{
		MetadataTopic:             "devices/dev-9/events",
		MetadataQoS:               "1",
		MetadataRetained:          "true",
		codec.MetadataDeviceToken: "dev-9",
	}, sink.md)

	r.onMessage(context.Background(), sink, "telemetry/raw", nil, 0, false)
	assert.NotContains(t, sink.md, codec.MetadataDeviceToken)
}

func TestReceiverRequiresTopics(t *testing.T) {
	r := NewReceiver("empty", nil, nil, 0)
	assert.Error(t, r.Start(context.Background(), &captureSink{}))
	assert.NoError(t, r.Stop(context.Background()))
}

func TestParameterExtractor(t *testing.T) {
	nesting := &model.DeviceNestingContext{
		Gateway: &model.Device{Token: "gw-1"},
		Nested:  &model.Device{Token: "leaf-1"},
	}

	e := NewParameterExtractor("", "")
	p, err := e.ExtractParameters(nesting, nil, &model.CommandExecution{})
	require.NoError(t, err)
	assert.Equal(t, "devices/gw-1/commands", p.Topic)

	p, err = e.ExtractParameters(nesting, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "devices/gw-1/system", p.Topic)

	custom := NewParameterExtractor("gw/{gateway}/{device}/{assignment}", "")
	p, err = custom.ExtractParameters(nesting, &model.DeviceAssignment{Token: "a"}, &model.CommandExecution{})
	require.NoError(t, err)
	assert.Equal(t, "gw/gw-1/leaf-1/a", p.Topic)
}

func TestNewClientRequiresBroker(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)

	c, err := NewClient(Config{Broker: "tcp://localhost:1883"})
	require.NoError(t, err)
	assert.NotEmpty(t, c.config.ClientID)
	c.Release()
}

func TestConfigWithRole(t *testing.T) {
	base := Config{Broker: "tcp://localhost:1883", ClientID: "svc"}
	assert.Equal(t, "svc-in", base.WithRole("in").ClientID)
	assert.Equal(t, "svc-out", base.WithRole("out").ClientID)
	assert.Equal(t, "svc", base.ClientID)

	generated := Config{}.WithRole("in")
	assert.Regexp(t, `^device-comm-\d+-in$`, generated.ClientID)
}

type doneToken struct {
	done chan struct{}
	err  error
}

func newToken() *doneToken { return &doneToken{done: make(chan struct{})} }

func completedToken() *doneToken {
	t := newToken()
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool {
	<-t.done
	return true
}

func (t *doneToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *doneToken) Done() <-chan struct{} { return t.done }
func (t *doneToken) Error() error { return t.err }

type testMessage struct {
	topic   string
	payload []byte
}

func (m testMessage) Duplicate() bool { return false }
func (m testMessage) Qos() byte { return 1 }
func (m testMessage) Retained() bool { return false }
func (m testMessage) Topic() string { return m.topic }
func (m testMessage) MessageID() uint16 { return 1 }
func (m testMessage) Payload() []byte { return m.payload }
func (m testMessage) Ack() {}

// serialConn handles inbound messages and publish acknowledgements on one
// goroutine, in arrival order.
type serialConn struct {
	paho.Client

	incoming chan func()
	mu       sync.Mutex
	handlers []paho.MessageHandler
}

func newSerialConn(t *testing.T) *serialConn {
	c := &serialConn{incoming: make(chan func(), 16)}
	go func() {
		for f := range c.incoming {
			f()
		}
	}()
	t.Cleanup(func() { close(c.incoming) })
	return c
}

func (c *serialConn) Connect() paho.Token { return completedToken() }
func (c *serialConn) Disconnect(uint) {}
func (c *serialConn) Unsubscribe(...string) paho.Token { return completedToken() }

func (c *serialConn) Subscribe(_ string, _ byte, cb paho.MessageHandler) paho.Token {
	c.mu.Lock()
	c.handlers = append(c.handlers, cb)
	c.mu.Unlock()
	return completedToken()
}

func (c *serialConn) Publish(string, byte, bool, interface{}) paho.Token {
	tok := newToken()
	c.incoming <- func() { close(tok.done) }
	return tok
}

func (c *serialConn) deliver(topic string, payload []byte) {
	c.mu.Lock()
	handlers := append([]paho.MessageHandler(nil), c.handlers...)
	c.mu.Unlock()
	c.incoming <- func() {
		for _, h := range handlers {
			h(c, testMessage{topic: topic, payload: payload})
		}
	}
}

type blockingSink struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingSink) OnPayload(context.Context, []byte, map[string]string) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
}

func TestBlockedReceiverDoesNotStallDelivery(t *testing.T) {
	ctx := context.Background()
	inConn, outConn := newSerialConn(t), newSerialConn(t)
	in := newClient(Config{ConnectTimeout: time.Second, ConnectRetries: 1, PublishTimeout: 100 * time.Millisecond}, inConn)
	out := newClient(Config{ConnectTimeout: time.Second, ConnectRetries: 1, PublishTimeout: 2 * time.Second}, outConn)

	sink := &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
	r := NewReceiver("devices", in, []string{"devices/+/input"}, 1)
	require.NoError(t, r.Start(ctx, sink))

	provider := NewDeliveryProvider(out, 1, false)
	require.NoError(t, provider.Start(ctx))

	inConn.deliver("devices/dev-1/input", []byte(`{}`))
	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	// A publish on the receiving connection waits behind the blocked handler
	// and gives up after the publish timeout.
	err := in.Publish(ctx, "devices/dev-1/system", 1, false, []byte("ack"))
	assert.ErrorIs(t, err, ErrPublishTimeout)

	err = provider.Deliver(ctx, nil, nil, nil, []byte("ack"), Parameters{Topic: "devices/dev-1/system"})
	assert.NoError(t, err)

	close(sink.release)
	assert.NoError(t, r.Stop(ctx))
	assert.NoError(t, provider.Stop(ctx))
}
