package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/device-comm/management"
	"github.com/eddielth/device-comm/model"
	"github.com/eddielth/device-comm/pool"
	"github.com/eddielth/device-comm/source"
)

type fixedStats pool.Stats

func (f fixedStats) Stats() pool.Stats { return pool.Stats(f) }

type fixedSources map[string]source.Stats

func (f fixedSources) Stats() map[string]source.Stats { return f }

type invoker struct {
	got model.CommandInvocation
	err error
}

func (i *invoker) InvokeCommand(_ context.Context, inv model.CommandInvocation) (*model.CommandInvocationEvent, error) {
	i.got = inv
	if i.err != nil {
		return nil, i.err
	}
	return &model.CommandInvocationEvent{EventMeta: model.EventMeta{ID: "inv-1", DeviceToken: "dev-1"}, Invocation: inv}, nil
}

func newTestServer(t *testing.T, inv *invoker) *httptest.Server {
	t.Helper()
	provider := management.NewMemoryProvider()
	_, err := provider.CreateDevice(context.Background(), &model.Device{Token: "dev-1", SpecificationToken: "spec-A"})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "device_comm_test_total", Help: "test"}))

	s := NewServer(":0", Deps{
		Gatherer: reg,
		Inbound:  fixedStats{Name: "inbound", Capacity: 10, Submitted: 3},
		Outbound: fixedStats{Name: "outbound", Capacity: 5},
		Sources:  fixedSources{"mqtt": {Payloads: 7}},
		Devices:  provider,
		Commands: inv,
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, &invoker{})

	var health map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/healthz", &health))
	assert.Equal(t, "ok", health["status"])

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "device_comm_test_total")
}

func TestStats(t *testing.T) {
	ts := newTestServer(t, &invoker{})

	var stats statsResponse
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/stats", &stats))
	require.NotNil(t, stats.Inbound)
	assert.Equal(t, int64(3), stats.Inbound.Submitted)
	require.NotNil(t, stats.Outbound)
	assert.Equal(t, 5, stats.Outbound.Capacity)
	assert.Equal(t, int64(7), stats.Sources["mqtt"].Payloads)
}

func TestGetDevice(t *testing.T) {
	ts := newTestServer(t, &invoker{})

	var device model.Device
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/devices/dev-1", &device))
	assert.Equal(t, "spec-A", device.SpecificationToken)

	var errResp errorResponse
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/v1/devices/missing", &errResp))
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/v1/devices/dev-1/assignment", nil))
}

func TestInvokeCommand(t *testing.T) {
	inv := &invoker{}
	ts := newTestServer(t, inv)

	post := func(body string) *http.Response {
		resp, err := http.Post(ts.URL+"/api/v1/invocations", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := post(`{"assignmentToken":"asg-1","commandToken":"reboot","parameterValues":{"delay":"5"}}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var event model.CommandInvocationEvent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&event))
	assert.Equal(t, "inv-1", event.ID)
	assert.Equal(t, "admin", inv.got.Initiator)
	assert.Equal(t, "5", inv.got.ParameterValues["delay"])

	assert.Equal(t, http.StatusBadRequest, post(`{"commandToken":"reboot"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(`not json`).StatusCode)

	inv.err = fmt.Errorf("assignment asg-2: %w", management.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, post(`{"assignmentToken":"asg-2","commandToken":"reboot"}`).StatusCode)
}

func TestStartStop(t *testing.T) {
	s := NewServer("127.0.0.1:0", Deps{})
	require.NoError(t, s.Start(context.Background()))

	var health map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, "http://"+s.Addr()+"/healthz", &health))
	require.NoError(t, s.Stop())
	assert.NoError(t, s.Stop())
}
