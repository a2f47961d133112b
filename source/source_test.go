package source

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/device-comm/codec"
	"github.com/eddielth/device-comm/logger"
	"github.com/eddielth/device-comm/model"
	"github.com/eddielth/device-comm/validator"
)

type fakeReceiver struct {
	id       string
	startErr error
	sink     Sink
	started  bool
	stopped  bool
}

func (r *fakeReceiver) ID() string { return r.id }

func (r *fakeReceiver) Start(_ context.Context, sink Sink) error {
	if r.startErr != nil {
		return r.startErr
	}
	r.sink = sink
	r.started = true
	return nil
}

func (r *fakeReceiver) Stop(context.Context) error {
	r.stopped = true
	return nil
}

type collector struct {
	mu   sync.Mutex
	reqs []model.DecodedDeviceRequest
	err  error
}

func (c *collector) Submit(_ context.Context, req model.DecodedDeviceRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.reqs = append(c.reqs, req)
	return nil
}

type unknownPayload struct{}

func (unknownPayload) Kind() model.Kind { return model.KindUnknown }

type staticDecoder struct{ reqs []model.DecodedDeviceRequest }

func (d staticDecoder) Decode([]byte, map[string]string) ([]model.DecodedDeviceRequest, error) {
	return d.reqs, nil
}

func TestStartValidatesCollaborators(t *testing.T) {
	ctx := context.Background()
	sub := &collector{}
	r := &fakeReceiver{id: "r1"}

	assert.ErrorIs(t, New("s", nil, sub, WithReceivers(r)).Start(ctx), ErrMissingDecoder)
	assert.ErrorIs(t, New("s", codec.NewJSONDecoder(), sub).Start(ctx), ErrNoReceivers)
	assert.ErrorIs(t, New("s", codec.NewJSONDecoder(), nil, WithReceivers(r)).Start(ctx), ErrMissingStrategy)
	assert.False(t, r.started)
}

func TestStartFailureStopsStartedReceivers(t *testing.T) {
	first := &fakeReceiver{id: "a"}
	second := &fakeReceiver{id: "b", startErr: errors.New("connection refused")}
	s := New("s", codec.NewJSONDecoder(), &collector{}, WithReceivers(first, second))

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.True(t, first.stopped)
}

func TestDecoderNotReplaceableWhileRunning(t *testing.T) {
	r := &fakeReceiver{id: "r"}
	s := New("s", codec.NewJSONDecoder(), &collector{}, WithReceivers(r))
	require.NoError(t, s.Start(context.Background()))

	assert.ErrorIs(t, s.SetDecoder(codec.NewJSONDecoder()), ErrSourceRunning)
	assert.ErrorIs(t, s.Start(context.Background()), ErrSourceRunning)

	require.NoError(t, s.Stop(context.Background()))
	assert.True(t, r.stopped)
	assert.NoError(t, s.SetDecoder(staticDecoder{}))
}

func TestOnPayloadSubmitsDecodedRequests(t *testing.T) {
	sub := &collector{}
	r := &fakeReceiver{id: "r"}
	s := New("mqtt-in", codec.NewJSONDecoder(), sub, WithReceivers(r))
	require.NoError(t, s.Start(context.Background()))

	md := map[string]string{"topic": "devices/d1/events"}
	r.sink.OnPayload(context.Background(), []byte(`[
		{"type":"measurements","deviceToken":"d1","request":{"measurements":{"t":1}}},
		{"type":"alert","deviceToken":"d1","request":{"type":"door"}}
	]`), md)

	require.Len(t, sub.reqs, 2)
	assert.Equal(t, model.KindMeasurements, sub.reqs[0].Kind())
	assert.Equal(t, "mqtt-in", sub.reqs[0].SourceID)
	assert.Equal(t, md, sub.reqs[1].Metadata)
	assert.Equal(t, map[string]string{"topic": "devices/d1/events"}, md)
	assert.Equal(t, int64(2), s.Stats().Requests)
}

func TestOnPayloadDropsBadInput(t *testing.T) {
	var buf bytes.Buffer
	restore := logger.SetOutput(&buf)
	defer restore()

	sub := &collector{}
	v, err := validator.New(validator.Config{Ranges: []validator.RangeValidator{{Field: "t", Min: 0, Max: 10}}})
	require.NoError(t, err)
	s := New("s", codec.NewJSONDecoder(), sub, WithValidator(v))

	s.OnPayload(context.Background(), []byte(`{not json`), nil)
	s.OnPayload(context.Background(), []byte(`{"type":"measurements","deviceToken":"d","request":{"measurements":{"t":99}}}`), nil)
	s.OnPayload(context.Background(), []byte(`{"type":"measurements","deviceToken":"d","request":{"measurements":{"t":5}}}`), nil)

	require.Len(t, sub.reqs, 1)
	stats := s.Stats()
	assert.Equal(t, int64(3), stats.Payloads)
	assert.Equal(t, int64(1), stats.DecodeErrors)
	assert.Equal(t, int64(1), stats.Invalid)
	assert.Contains(t, buf.String(), "dropping payload")
}

func TestOnPayloadReportsUnroutableKind(t *testing.T) {
	var buf bytes.Buffer
	restore := logger.SetOutput(&buf)
	defer restore()

	sub := &collector{}
	s := New("s", staticDecoder{reqs: []model.DecodedDeviceRequest{
		{DeviceToken: "d", Payload: unknownPayload{}},
		{DeviceToken: "d", Payload: &model.LocationRequest{}},
	}}, sub)

	s.OnPayload(context.Background(), []byte("x"), nil)

	require.Len(t, sub.reqs, 1)
	assert.Equal(t, int64(1), s.Stats().Unroutable)
	assert.Equal(t, 1, strings.Count(buf.String(), "unroutable request kind"))
	assert.Contains(t, buf.String(), "[ERROR]")
}

func TestOnPayloadCountsSubmitErrors(t *testing.T) {
	sub := &collector{err: context.Canceled}
	s := New("s", codec.NewJSONDecoder(), sub)

	s.OnPayload(context.Background(), []byte(`{"type":"alert","deviceToken":"d","request":{"type":"x"}}`), nil)
	assert.Equal(t, int64(1), s.Stats().SubmitErrors)
	assert.Equal(t, int64(0), s.Stats().Requests)
}

func TestManager(t *testing.T) {
	ra, rb := &fakeReceiver{id: "a"}, &fakeReceiver{id: "b", startErr: errors.New("boom")}
	a := New("a", codec.NewJSONDecoder(), &collector{}, WithReceivers(ra))
	b := New("b", codec.NewJSONDecoder(), &collector{}, WithReceivers(rb))

	_, err := NewManager(a, New("a", nil, nil))
	assert.Error(t, err)

	m, err := NewManager(a, b)
	require.NoError(t, err)
	assert.Error(t, m.Start(context.Background()))
	assert.True(t, ra.stopped, "started sources are stopped when a later one fails")

	rb.startErr = nil
	ra.stopped = false
	require.NoError(t, m.Start(context.Background()))
	got, ok := m.Get("b")
	require.True(t, ok)
	assert.Same(t, b, got)
	assert.Len(t, m.Stats(), 2)

	require.NoError(t, m.Stop(context.Background()))
	assert.True(t, ra.stopped)
	assert.True(t, rb.stopped)
}
