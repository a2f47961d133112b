package command

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/device-comm/codec"
	"github.com/eddielth/device-comm/logger"
	"github.com/eddielth/device-comm/management"
	"github.com/eddielth/device-comm/model"
)

type delivery struct {
	target  string
	exec    *model.CommandExecution
	encoded []byte
	params  string
}

type recordingProvider struct {
	mu         sync.Mutex
	deliveries []delivery
	startErr   error
	failWith   error
	stopped    bool
}

func (p *recordingProvider) Start(context.Context) error { return p.startErr }
func (p *recordingProvider) Stop(context.Context) error  { p.stopped = true; return nil }

func (p *recordingProvider) Deliver(_ context.Context, nesting *model.DeviceNestingContext, _ *model.DeviceAssignment, exec *model.CommandExecution, encoded []byte, params string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.deliveries = append(p.deliveries, delivery{target: nesting.Target().Token, exec: exec, encoded: encoded, params: params})
	return nil
}

func (p *recordingProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.deliveries)
}

type topicExtractor struct{}

func (topicExtractor) ExtractParameters(nesting *model.DeviceNestingContext, _ *model.DeviceAssignment, exec *model.CommandExecution) (string, error) {
	if exec == nil {
		return "system/" + nesting.Gateway.Token, nil
	}
	return "commands/" + nesting.Gateway.Token, nil
}

// skipEncoder never produces an encoding
type skipEncoder struct{}

func (skipEncoder) Encode(*model.CommandExecution, *model.DeviceNestingContext, *model.DeviceAssignment) ([]byte, bool, error) {
	return nil, false, nil
}

func (skipEncoder) EncodeSystemCommand(model.SystemCommand, *model.DeviceNestingContext, *model.DeviceAssignment) ([]byte, bool, error) {
	return nil, false, nil
}

func newTestDestination(t *testing.T, id string) (*Destination[[]byte, string], *recordingProvider) {
	t.Helper()
	p := &recordingProvider{}
	d := NewDestination[[]byte, string](id, BytesEncoder{Codec: codec.NewJSONEncoder()}, topicExtractor{}, p)
	require.NoError(t, d.Start(context.Background()))
	return d, p
}

func testExecution() *model.CommandExecution {
	return &model.CommandExecution{
		ID:         "exec-1",
		Command:    model.DeviceCommand{Token: "cmd-1", Name: "reboot"},
		Parameters: map[string]any{},
	}
}

func direct(token, spec string) *model.DeviceNestingContext {
	return &model.DeviceNestingContext{Gateway: &model.Device{Token: token, SpecificationToken: spec}}
}

func TestExecutionBuilderTypesParameters(t *testing.T) {
	cmd := &model.DeviceCommand{
		Token: "cmd",
		Name:  "configure",
		Parameters: []model.CommandParameter{
			{Name: "s", Type: model.ParamString},
			{Name: "b", Type: model.ParamBool},
			{Name: "i32", Type: model.ParamInt32},
			{Name: "i64", Type: model.ParamInt64},
			{Name: "u32", Type: model.ParamUint32},
			{Name: "u64", Type: model.ParamUint64},
			{Name: "f", Type: model.ParamFloat},
			{Name: "d", Type: model.ParamDouble, Required: true},
			{Name: "raw", Type: model.ParamBytes},
			{Name: "opt", Type: model.ParamInt32},
		},
	}
	inv := &model.CommandInvocation{ID: "inv", ParameterValues: map[string]string{
		"s": "hello", "b": "true", "i32": "-7", "i64": "9000000000", "u32": "7",
		"u64": "18000000000000000000", "f": "1.5", "d": "2.25", "raw": "AQID", "extra": "ignored",
	}}

	b := ExecutionBuilder{NewID: func() string { return "fixed" }}
	exec, err := b.Build(cmd, inv)
	require.NoError(t, err)

	assert.Equal(t, "fixed", exec.ID)
	assert.Equal(t, "hello", exec.Parameters["s"])
	assert.Equal(t, true, exec.Parameters["b"])
	assert.Equal(t, int32(-7), exec.Parameters["i32"])
	assert.Equal(t, int64(9000000000), exec.Parameters["i64"])
	assert.Equal(t, uint32(7), exec.Parameters["u32"])
	assert.Equal(t, uint64(18000000000000000000), exec.Parameters["u64"])
	assert.Equal(t, float32(1.5), exec.Parameters["f"])
	assert.Equal(t, 2.25, exec.Parameters["d"])
	assert.Equal(t, []byte{1, 2, 3}, exec.Parameters["raw"])
	assert.NotContains(t, exec.Parameters, "opt")
	assert.NotContains(t, exec.Parameters, "extra")

	delete(inv.ParameterValues, "d")
	_, err = b.Build(cmd, inv)
	assert.ErrorIs(t, err, ErrInvalidParameter)

	inv.ParameterValues["d"] = "1"
	inv.ParameterValues["i32"] = "99999999999"
	_, err = b.Build(cmd, inv)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestExecutionBuilderEmptyValues(t *testing.T) {
	cmd := &model.DeviceCommand{
		Name: "label",
		Parameters: []model.CommandParameter{
			{Name: "text", Type: model.ParamString, Required: true},
			{Name: "blob", Type: model.ParamBytes},
			{Name: "level", Type: model.ParamInt32},
			{Name: "count", Type: model.ParamInt32, Required: true},
		},
	}
	b := ExecutionBuilder{NewID: func() string { return "fixed" }}

	exec, err := b.Build(cmd, &model.CommandInvocation{ParameterValues: map[string]string{
		"text": "", "blob": "", "level": "", "count": "3",
	}})
	require.NoError(t, err)
	assert.Equal(t, "", exec.Parameters["text"])
	assert.Equal(t, []byte{}, exec.Parameters["blob"])
	assert.NotContains(t, exec.Parameters, "level")
	assert.Equal(t, int32(3), exec.Parameters["count"])

	_, err = b.Build(cmd, &model.CommandInvocation{ParameterValues: map[string]string{"count": "3"}})
	assert.ErrorIs(t, err, ErrInvalidParameter, "absent required string")

	_, err = b.Build(cmd, &model.CommandInvocation{ParameterValues: map[string]string{"text": "", "count": ""}})
	assert.ErrorIs(t, err, ErrInvalidParameter, "empty required int")
}

func TestNestingResolver(t *testing.T) {
	ctx := context.Background()
	p := management.NewMemoryProvider()
	for _, tok := range []string{"gw", "hub", "leaf"} {
		_, err := p.CreateDevice(ctx, &model.Device{Token: tok, SpecificationToken: "spec-" + tok})
		require.NoError(t, err)
	}
	_, err := p.AddElementMapping(ctx, "gw", model.DeviceElementMapping{Path: "port1", DeviceToken: "hub"})
	require.NoError(t, err)
	_, err = p.AddElementMapping(ctx, "hub", model.DeviceElementMapping{Path: "slot3", DeviceToken: "leaf"})
	require.NoError(t, err)

	r := NestingResolver{Provider: p}

	gw, _ := p.GetDevice(ctx, "gw")
	n, err := r.Resolve(ctx, gw)
	require.NoError(t, err)
	assert.False(t, n.IsNested())
	assert.Equal(t, "gw", n.Target().Token)

	leaf, _ := p.GetDevice(ctx, "leaf")
	n, err = r.Resolve(ctx, leaf)
	require.NoError(t, err)
	assert.True(t, n.IsNested())
	assert.Equal(t, "gw", n.Gateway.Token)
	assert.Equal(t, "leaf", n.Target().Token)
	assert.Equal(t, "port1/slot3", n.PathString())

	gw.ParentToken = "leaf"
	require.NoError(t, p.UpdateDevice(ctx, gw))
	_, err = r.Resolve(ctx, leaf)
	assert.ErrorContains(t, err, "cycle")
}

func TestDestinationLifecycle(t *testing.T) {
	ctx := context.Background()

	var le *LifecycleError
	d := NewDestination[[]byte, string]("d", nil, topicExtractor{}, &recordingProvider{})
	require.ErrorAs(t, d.Start(ctx), &le)
	assert.Equal(t, "encoder", le.Missing)

	d = NewDestination[[]byte, string]("d", BytesEncoder{Codec: codec.NewJSONEncoder()}, nil, &recordingProvider{})
	require.ErrorAs(t, d.Start(ctx), &le)
	assert.Equal(t, "parameter extractor", le.Missing)

	d = NewDestination[[]byte, string]("d", BytesEncoder{Codec: codec.NewJSONEncoder()}, topicExtractor{}, nil)
	require.ErrorAs(t, d.Start(ctx), &le)

	p := &recordingProvider{}
	d = NewDestination[[]byte, string]("d", BytesEncoder{Codec: codec.NewJSONEncoder()}, topicExtractor{}, p)
	assert.ErrorIs(t, d.DeliverCommand(ctx, testExecution(), direct("dev", ""), nil), ErrDestinationNotStarted)

	p.startErr = errors.New("broker down")
	assert.Error(t, d.Start(ctx))
	assert.False(t, d.Started())

	p.startErr = nil
	require.NoError(t, d.Start(ctx))
	require.NoError(t, d.Stop(ctx))
	assert.True(t, p.stopped)
	assert.False(t, d.Started())
}

func TestSkippedEncodingLogsOnceAndNeverDelivers(t *testing.T) {
	var buf bytes.Buffer
	restore := logger.SetOutput(&buf)
	defer restore()

	p := &recordingProvider{}
	d := NewDestination[[]byte, string]("skip", skipEncoder{}, topicExtractor{}, p)
	require.NoError(t, d.Start(context.Background()))

	err := d.DeliverCommand(context.Background(), testExecution(), direct("dev-1", ""), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, p.count())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "delivery skipped")
	assert.Contains(t, lines[0], "dev-1")
}

func TestScriptEncoderNullSkipsDelivery(t *testing.T) {
	enc, err := codec.NewScriptEncoder(`function encode(e, n, a) { return null; }`, "")
	require.NoError(t, err)

	p := &recordingProvider{}
	d := NewDestination[[]byte, string]("script", BytesEncoder{Codec: enc}, topicExtractor{}, p)
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.DeliverCommand(context.Background(), testExecution(), direct("dev-1", ""), nil))
	assert.Equal(t, 0, p.count())
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	d, p := newTestDestination(t, "dest")
	exec := testExecution()
	exec.Parameters = map[string]any{"a": int64(1), "b": "two", "c": true}
	nesting := direct("dev-1", "spec-A")
	asg := &model.DeviceAssignment{Token: "asg-1"}

	require.NoError(t, d.DeliverCommand(context.Background(), exec, nesting, asg))
	require.NoError(t, d.DeliverCommand(context.Background(), exec, nesting, asg))

	require.Equal(t, 2, p.count())
	assert.Equal(t, p.deliveries[0].encoded, p.deliveries[1].encoded)
	assert.Equal(t, p.deliveries[0].params, p.deliveries[1].params)
	assert.Equal(t, "commands/dev-1", p.deliveries[0].params)
}

func TestSystemCommandUsesNilExecution(t *testing.T) {
	d, p := newTestDestination(t, "dest")
	require.NoError(t, d.DeliverSystemCommand(context.Background(), &model.RegistrationAck{Reason: model.NewRegistration}, direct("dev-1", ""), nil))
	require.Equal(t, 1, p.count())
	assert.Nil(t, p.deliveries[0].exec)
	assert.Equal(t, "system/dev-1", p.deliveries[0].params)
}

func TestSpecificationMappingRouter(t *testing.T) {
	ctx := context.Background()
	d1, p1 := newTestDestination(t, "dest-1")
	d2, p2 := newTestDestination(t, "dest-2")

	r := NewSpecificationMappingRouter(map[string]string{"spec-A": "dest-1"}, "dest-2")
	require.NoError(t, r.Initialize([]CommandDestination{d1, d2}))

	require.NoError(t, r.Route(ctx, testExecution(), direct("dev-a", "spec-A"), nil))
	assert.Equal(t, 1, p1.count())
	assert.Equal(t, 0, p2.count())

	require.NoError(t, r.Route(ctx, testExecution(), direct("dev-b", "spec-B"), nil))
	assert.Equal(t, 1, p2.count())

	nested := &model.DeviceNestingContext{
		Gateway: &model.Device{Token: "gw", SpecificationToken: "spec-A"},
		Nested:  &model.Device{Token: "leaf", SpecificationToken: "spec-B"},
	}
	require.NoError(t, r.RouteSystemCommand(ctx, &model.RegistrationAck{}, nested, nil))
	assert.Equal(t, 2, p1.count(), "gateway specification decides")
	assert.Equal(t, "leaf", p1.deliveries[1].target)

	noDefault := NewSpecificationMappingRouter(map[string]string{"spec-A": "dest-1"}, "")
	require.NoError(t, noDefault.Initialize([]CommandDestination{d1, d2}))
	err := noDefault.Route(ctx, testExecution(), direct("dev-b", "spec-B"), nil)
	assert.True(t, IsRoutingReason(err, NoDestinationMapping))
}

func TestRouterRejectsUnknownAndNotStarted(t *testing.T) {
	ctx := context.Background()
	d1, _ := newTestDestination(t, "dest-1")
	idle := NewDestination[[]byte, string]("idle", BytesEncoder{Codec: codec.NewJSONEncoder()}, topicExtractor{}, &recordingProvider{})

	r := NewSpecificationMappingRouter(map[string]string{"spec-A": "missing"}, "")
	err := r.Initialize([]CommandDestination{d1})
	assert.True(t, IsRoutingReason(err, UnknownDestination))

	r = NewSpecificationMappingRouter(map[string]string{"spec-A": "idle"}, "")
	require.NoError(t, r.Initialize([]CommandDestination{d1, idle}))
	err = r.Route(ctx, testExecution(), direct("dev", "spec-A"), nil)
	assert.ErrorIs(t, err, ErrDestinationNotStarted)

	uninit := NewSpecificationMappingRouter(nil, "dest-1")
	assert.ErrorIs(t, uninit.Route(ctx, testExecution(), direct("dev", ""), nil), ErrRouterNotInitialized)

	assert.Error(t, r.Initialize([]CommandDestination{d1, d1}), "duplicate ids")
}

func TestSingleChoiceRouter(t *testing.T) {
	d, p := newTestDestination(t, "only")
	r := NewSingleChoiceRouter()
	assert.Error(t, r.Initialize(nil))
	require.NoError(t, r.Initialize([]CommandDestination{d}))
	require.NoError(t, r.Route(context.Background(), testExecution(), direct("dev", "any"), nil))
	assert.Equal(t, 1, p.count())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	p := &recordingProvider{failWith: errors.New("timeout")}
	b := WithBreaker[[]byte, string]("test", BreakerConfig{MaxFailures: 2, OpenTimeout: time.Minute}, p)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		assert.EqualError(t, b.Deliver(ctx, direct("d", ""), nil, nil, []byte("x"), "t"), "timeout")
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())
	assert.ErrorIs(t, b.Deliver(ctx, direct("d", ""), nil, nil, []byte("x"), "t"), gobreaker.ErrOpenState)
}

func seedStrategy(t *testing.T) (*Strategy, *recordingProvider, *management.MemoryProvider) {
	t.Helper()
	ctx := context.Background()
	mp := management.NewMemoryProvider()
	require.NoError(t, mp.CreateCommand(ctx, &model.DeviceCommand{
		Token: "cmd-1", Name: "setLevel", SpecificationToken: "spec-A",
		Parameters: []model.CommandParameter{{Name: "level", Type: model.ParamInt32, Required: true}},
	}))
	_, err := mp.CreateDevice(ctx, &model.Device{Token: "dev-1", SpecificationToken: "spec-A"})
	require.NoError(t, err)
	_, err = mp.CreateAssignment(ctx, &model.DeviceAssignment{Token: "asg-1", DeviceToken: "dev-1"})
	require.NoError(t, err)

	d, p := newTestDestination(t, "default")
	r := NewSpecificationMappingRouter(nil, "default")
	require.NoError(t, r.Initialize([]CommandDestination{d}))

	s := NewStrategy(mp, r)
	require.NoError(t, s.Validate())
	return s, p, mp
}

func TestStrategyDeliverCommand(t *testing.T) {
	s, p, _ := seedStrategy(t)
	ctx := context.Background()

	exec, err := s.DeliverCommand(ctx, &model.CommandInvocation{
		ID: "inv-1", AssignmentToken: "asg-1", CommandToken: "cmd-1",
		ParameterValues: map[string]string{"level": "4"},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(4), exec.Parameters["level"])
	require.Equal(t, 1, p.count())
	assert.Equal(t, "dev-1", p.deliveries[0].target)

	_, err = s.DeliverCommand(ctx, &model.CommandInvocation{AssignmentToken: "asg-1", CommandToken: "nope"})
	assert.ErrorIs(t, err, ErrInvalidCommand)

	_, err = s.DeliverCommand(ctx, &model.CommandInvocation{AssignmentToken: "asg-1", CommandToken: "cmd-1"})
	assert.ErrorIs(t, err, ErrInvalidParameter)

	_, err = s.DeliverCommand(ctx, &model.CommandInvocation{AssignmentToken: "missing", CommandToken: "cmd-1",
		ParameterValues: map[string]string{"level": "1"}})
	assert.ErrorIs(t, err, management.ErrNotFound)
}

func TestStrategyFanOutJoinsErrors(t *testing.T) {
	s, p, mp := seedStrategy(t)
	ctx := context.Background()

	s.resolver = TargetResolverFunc(func(ctx context.Context, inv *model.CommandInvocation) ([]*model.DeviceAssignment, error) {
		good, err := mp.GetAssignment(ctx, "asg-1")
		if err != nil {
			return nil, err
		}
		return []*model.DeviceAssignment{good, {Token: "orphan", DeviceToken: "ghost"}, good}, nil
	})

	_, err := s.DeliverCommand(ctx, &model.CommandInvocation{CommandToken: "cmd-1", ParameterValues: map[string]string{"level": "1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orphan")
	assert.Equal(t, 2, p.count(), "healthy targets still receive the command")

	s.resolver = TargetResolverFunc(func(context.Context, *model.CommandInvocation) ([]*model.DeviceAssignment, error) {
		return nil, nil
	})
	_, err = s.DeliverCommand(ctx, &model.CommandInvocation{CommandToken: "cmd-1", ParameterValues: map[string]string{"level": "1"}})
	assert.ErrorIs(t, err, ErrNoTargets)
}

func TestStrategyDeliverSystemCommand(t *testing.T) {
	s, p, _ := seedStrategy(t)
	ctx := context.Background()

	require.NoError(t, s.DeliverSystemCommand(ctx, "dev-1", &model.RegistrationAck{Reason: model.AlreadyRegistered}))
	require.NoError(t, s.DeliverSystemCommand(ctx, "unknown-dev", &model.RegistrationFailure{Reason: model.NewDevicesNotAllowed}))

	require.Equal(t, 2, p.count())
	assert.Equal(t, "unknown-dev", p.deliveries[1].target)
}

func TestStrategyValidate(t *testing.T) {
	var le *LifecycleError
	assert.ErrorAs(t, NewStrategy(management.NewMemoryProvider(), nil).Validate(), &le)
	assert.ErrorAs(t, NewStrategy(nil, NewSingleChoiceRouter()).Validate(), &le)
}
