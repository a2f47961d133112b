package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/device-comm/management"
	"github.com/eddielth/device-comm/management/managementtest"
	"github.com/eddielth/device-comm/model"
)

func openSQLiteDatabase(t *testing.T) *Database {
	t.Helper()
	db, err := OpenDatabase(DatabaseConfig{Type: SQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLProviderConformance(t *testing.T) {
	managementtest.RunProviderTests(t, func(t *testing.T) management.Provider {
		return NewSQLProvider(openSQLiteDatabase(t))
	})
}

func TestSQLProviderUpdateReplacesMappings(t *testing.T) {
	ctx := context.Background()
	p := NewSQLProvider(openSQLiteDatabase(t))

	_, err := p.CreateDevice(ctx, &model.Device{
		Token:              "gw",
		SpecificationToken: "spec-A",
		ElementMappings:    []model.DeviceElementMapping{{Path: "a", DeviceToken: "x"}, {Path: "b", DeviceToken: "y"}},
	})
	require.NoError(t, err)

	gw, err := p.GetDevice(ctx, "gw")
	require.NoError(t, err)
	assert.Equal(t, "a", gw.ElementMappings[0].Path)
	assert.Equal(t, "b", gw.ElementMappings[1].Path)

	gw.ElementMappings = gw.ElementMappings[1:]
	require.NoError(t, p.UpdateDevice(ctx, gw))

	gw, err = p.GetDevice(ctx, "gw")
	require.NoError(t, err)
	assert.Equal(t, []model.DeviceElementMapping{{Path: "b", DeviceToken: "y"}}, gw.ElementMappings)
}

func TestOpenDatabaseRejectsUnknownType(t *testing.T) {
	_, err := OpenDatabase(DatabaseConfig{Type: "oracle"})
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := dialect{numbered: true}
	assert.Equal(t, "SELECT 1 FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT 1 FROM t WHERE a = ? AND b = ?"))
	assert.Equal(t, "a = ?", dialect{}.rebind("a = ?"))
}

func TestParseDSN(t *testing.T) {
	db, server, err := parseMySQLDSN("root:pw@tcp(localhost:3306)/devices?parseTime=true")
	require.NoError(t, err)
	assert.Equal(t, "devices", db)
	assert.Equal(t, "root:pw@tcp(localhost:3306)/?parseTime=true", server)

	_, _, err = parseMySQLDSN("root@tcp(localhost)")
	assert.Error(t, err)

	db, server, err = parsePostgreSQLDSN("postgres://u:p@localhost:5432/devices?sslmode=disable")
	require.NoError(t, err)
	assert.Equal(t, "devices", db)
	assert.Equal(t, "postgres://u:p@localhost:5432/postgres?sslmode=disable", server)

	db, server, err = parsePostgreSQLDSN("host=localhost user=u dbname=devices")
	require.NoError(t, err)
	assert.Equal(t, "devices", db)
	assert.Equal(t, "host=localhost user=u dbname=postgres", server)

	_, _, err = parsePostgreSQLDSN("host=localhost")
	assert.Error(t, err)
}

func measurementEvent(id string) *model.MeasurementsEvent {
	return &model.MeasurementsEvent{
		EventMeta: model.EventMeta{
			ID:           id,
			DeviceToken:  "dev-1",
			EventDate:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			ReceivedDate: time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC),
		},
		Measurements: map[string]float64{"temperature": 21.5},
	}
}

func TestSQLEventStore(t *testing.T) {
	ctx := context.Background()
	s := NewSQLEventStore(openSQLiteDatabase(t), false)

	require.NoError(t, s.StoreEvent(ctx, measurementEvent("e1")))
	require.NoError(t, s.StoreEvent(ctx, measurementEvent("e2")))
	assert.Error(t, s.StoreEvent(ctx, measurementEvent("e1")), "duplicate id")

	n, err := s.CountEvents(ctx, "dev-1", model.EventMeasurements)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "sql:sqlite", s.Name())
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	ev := measurementEvent("../e1")
	ev.DeviceToken = "../../dev-1"
	require.NoError(t, fs.StoreEvent(context.Background(), ev))

	files, err := filepath.Glob(filepath.Join(dir, "dev-1", "measurements", "*.json"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "20240501-120000.000-e1.json", filepath.Base(files[0]))

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	var stored map[string]any
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Equal(t, 21.5, stored["measurements"].(map[string]any)["temperature"])
}

func TestEventPoint(t *testing.T) {
	p := eventPoint(measurementEvent("e1"))
	require.NotNil(t, p)
	assert.Equal(t, "measurements", p.Name())

	assert.Nil(t, eventPoint(&model.CommandResponseEvent{}))
	assert.Nil(t, eventPoint(&model.MeasurementsEvent{}))

	loc := eventPoint(&model.LocationEvent{EventMeta: model.EventMeta{DeviceToken: "d", SiteToken: "s"}, Latitude: 1})
	require.NotNil(t, loc)
	tags := map[string]string{}
	for _, tag := range loc.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, map[string]string{"device": "d", "site": "s"}, tags)
}

type stubStore struct {
	name   string
	err    error
	stored int
	closed bool
}

func (s *stubStore) Name() string { return s.name }

func (s *stubStore) StoreEvent(context.Context, model.Event) error {
	if s.err != nil {
		return s.err
	}
	s.stored++
	return nil
}

func (s *stubStore) Close() error {
	s.closed = true
	return nil
}

func TestManagerFanOut(t *testing.T) {
	ok := &stubStore{name: "ok"}
	bad := &stubStore{name: "bad", err: errors.New("disk full")}
	m := NewManager(ok, bad)

	require.NoError(t, m.StoreEvent(context.Background(), measurementEvent("e1")), "one store accepted the event")
	assert.Equal(t, 1, ok.stored)

	onlyBad := NewManager(bad)
	assert.ErrorContains(t, onlyBad.StoreEvent(context.Background(), measurementEvent("e1")), "disk full")

	assert.NoError(t, NewManager().StoreEvent(context.Background(), measurementEvent("e1")))

	m.AddStore(&stubStore{name: "late"})
	assert.Equal(t, 3, m.Len())
	m.Close()
	assert.True(t, ok.closed)
	assert.True(t, bad.closed)
}
