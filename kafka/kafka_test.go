package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/device-comm/codec"
	"github.com/eddielth/device-comm/model"
)

type fakeReader struct {
	msgs   chan kafka.Message
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeReader() *fakeReader {
	return &fakeReader{msgs: make(chan kafka.Message, 8), errs: make(chan error, 1), closed: make(chan struct{})}
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case err := <-r.errs:
		return kafka.Message{}, err
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

type payloadSink struct {
	mu  sync.Mutex
	got []map[string]string
}

func (s *payloadSink) OnPayload(_ context.Context, _ []byte, md map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, md)
}

func (s *payloadSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestReceiverLoop(t *testing.T) {
	fr := newFakeReader()
	r := NewReceiver("k1", ReaderConfig{Brokers: []string{"localhost:9092"}, GroupID: "g", Topic: "device-events"})
	r.newReader = func(ReaderConfig) messageReader { return fr }
	r.retryDelay = time.Millisecond

	sink := &payloadSink{}
	require.NoError(t, r.Start(context.Background(), sink))
	assert.Error(t, r.Start(context.Background(), sink))

	fr.errs <- errors.New("leader not available")
	fr.msgs <- kafka.Message{Topic: "device-events", Partition: 2, Offset: 41, Key: []byte("dev-1"), Value: []byte("{}")}
	fr.msgs <- kafka.Message{Topic: "device-events", Value: []byte("{}")}

	require.Eventually(t, func() bool { return sink.len() == 2 }, time.Second, time.Millisecond)
	require.NoError(t, r.Stop(context.Background()))

	<-fr.closed
	assert.Equal(t, "dev-1", sink.got[0][codec.MetadataDeviceToken])
	assert.Equal(t, "2", sink.got[0][MetadataPartition])
	assert.Equal(t, "41", sink.got[0][MetadataOffset])
	assert.NotContains(t, sink.got[1], codec.MetadataDeviceToken)
	assert.NoError(t, r.Stop(context.Background()))
}

func TestReceiverRequiresTopic(t *testing.T) {
	r := NewReceiver("k1", ReaderConfig{Brokers: []string{"b"}})
	assert.Error(t, r.Start(context.Background(), &payloadSink{}))
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestDeliveryProvider(t *testing.T) {
	fw := &fakeWriter{}
	p := NewDeliveryProvider(WriterConfig{Brokers: []string{"localhost:9092"}})
	p.newWriter = func(WriterConfig) messageWriter { return fw }

	nesting := &model.DeviceNestingContext{Gateway: &model.Device{Token: "gw"}}
	ext := NewParameterExtractor("commands.{gateway}", "system")

	params, err := ext.ExtractParameters(nesting, nil, &model.CommandExecution{})
	require.NoError(t, err)
	assert.Error(t, p.Deliver(context.Background(), nesting, nil, nil, []byte("x"), params), "not started")

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Deliver(context.Background(), nesting, nil, nil, []byte("x"), params))

	sys, err := ext.ExtractParameters(nesting, nil, nil)
	require.NoError(t, err)
	require.NoError(t, p.Deliver(context.Background(), nesting, nil, nil, []byte("y"), sys))

	require.Len(t, fw.msgs, 2)
	assert.Equal(t, "commands.gw", fw.msgs[0].Topic)
	assert.Equal(t, []byte("gw"), fw.msgs[0].Key)
	assert.Equal(t, "system", fw.msgs[1].Topic)

	require.NoError(t, p.Stop(context.Background()))
	assert.True(t, fw.closed)
}

func TestParameterExtractorRejectsEmptyTopic(t *testing.T) {
	_, err := NewParameterExtractor("", "").ExtractParameters(&model.DeviceNestingContext{Gateway: &model.Device{Token: "gw"}}, nil, nil)
	assert.Error(t, err)
}

func TestEventForwarder(t *testing.T) {
	_, err := NewEventForwarder(ForwarderConfig{Topic: "events"})
	assert.Error(t, err)

	fw := &fakeWriter{}
	f := &EventForwarder{topic: "events", writer: fw}

	ev := &model.AlertEvent{EventMeta: model.EventMeta{ID: "e1", DeviceToken: "dev-1"}}
	require.NoError(t, f.Forward(context.Background(), ev))

	require.Len(t, fw.msgs, 1)
	assert.Equal(t, []byte("dev-1"), fw.msgs[0].Key)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(fw.msgs[0].Value, &msg))
	assert.Equal(t, "alert", msg["kind"])
	assert.Equal(t, "e1", msg["event"].(map[string]any)["id"])
	assert.Equal(t, "kafka:events", f.Name())
}
