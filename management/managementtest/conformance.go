// Package managementtest holds a conformance suite run against every
// management.Provider implementation.
package managementtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/device-comm/management"
	"github.com/eddielth/device-comm/model"
)

// RunProviderTests exercises p. newProvider must return an empty store.
func RunProviderTests(t *testing.T, newProvider func(t *testing.T) management.Provider) {
	t.Run("devices", func(t *testing.T) { testDevices(t, newProvider(t)) })
	t.Run("sites", func(t *testing.T) { testSites(t, newProvider(t)) })
	t.Run("assignments", func(t *testing.T) { testAssignments(t, newProvider(t)) })
	t.Run("commands", func(t *testing.T) { testCommands(t, newProvider(t)) })
	t.Run("element mappings", func(t *testing.T) { testElementMappings(t, newProvider(t)) })
	t.Run("streams", func(t *testing.T) { testStreams(t, newProvider(t)) })
}

func testDevices(t *testing.T, p management.Provider) {
	ctx := context.Background()

	_, err := p.GetDevice(ctx, "missing")
	assert.ErrorIs(t, err, management.ErrNotFound)

	require.NoError(t, p.CreateDeviceSpecification(ctx, &model.DeviceSpecification{Token: "spec-A", Name: "Thermostat"}))
	spec, err := p.GetDeviceSpecification(ctx, "spec-A")
	require.NoError(t, err)
	assert.Equal(t, "Thermostat", spec.Name)
	_, err = p.GetDeviceSpecification(ctx, "spec-B")
	assert.ErrorIs(t, err, management.ErrNotFound)

	created, err := p.CreateDevice(ctx, &model.Device{
		Token:              "dev-1",
		SpecificationToken: "spec-A",
		SiteToken:          "site-1",
		Comments:           "registered",
		Metadata:           map[string]string{"fw": "1.2"},
	})
	require.NoError(t, err)
	assert.False(t, created.CreatedAt.IsZero())

	_, err = p.CreateDevice(ctx, &model.Device{Token: "dev-1", SpecificationToken: "spec-A"})
	assert.ErrorIs(t, err, management.ErrDuplicate)

	got, err := p.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "spec-A", got.SpecificationToken)
	assert.Equal(t, "site-1", got.SiteToken)
	assert.Equal(t, "1.2", got.Metadata["fw"])

	got.Comments = "updated"
	require.NoError(t, p.UpdateDevice(ctx, got))
	got, err = p.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Comments)

	assert.ErrorIs(t, p.UpdateDevice(ctx, &model.Device{Token: "nope"}), management.ErrNotFound)
}

func testSites(t *testing.T, p management.Provider) {
	ctx := context.Background()

	sites, err := p.ListSites(ctx)
	require.NoError(t, err)
	assert.Empty(t, sites)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, p.CreateSite(ctx, &model.Site{Token: "b", Name: "B", CreatedAt: base.Add(time.Hour)}))
	require.NoError(t, p.CreateSite(ctx, &model.Site{Token: "a", Name: "A", CreatedAt: base}))
	assert.ErrorIs(t, p.CreateSite(ctx, &model.Site{Token: "a"}), management.ErrDuplicate)

	sites, err = p.ListSites(ctx)
	require.NoError(t, err)
	require.Len(t, sites, 2)
	assert.Equal(t, "a", sites[0].Token)

	site, err := p.GetSite(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "B", site.Name)
	_, err = p.GetSite(ctx, "c")
	assert.ErrorIs(t, err, management.ErrNotFound)
}

func testAssignments(t *testing.T, p management.Provider) {
	ctx := context.Background()

	_, err := p.CreateAssignment(ctx, &model.DeviceAssignment{DeviceToken: "ghost"})
	assert.ErrorIs(t, err, management.ErrNotFound)

	_, err = p.CreateDevice(ctx, &model.Device{Token: "dev-1", SpecificationToken: "spec-A"})
	require.NoError(t, err)

	_, err = p.GetCurrentAssignment(ctx, "dev-1")
	assert.ErrorIs(t, err, management.ErrNotFound)

	a, err := p.CreateAssignment(ctx, &model.DeviceAssignment{
		DeviceToken: "dev-1",
		SiteToken:   "site-1",
		AssetType:   model.AssetTypeUnassociated,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, a.Token)
	assert.Equal(t, model.AssignmentActive, a.Status)

	current, err := p.GetCurrentAssignment(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, a.Token, current.Token)
	assert.Equal(t, model.AssetTypeUnassociated, current.AssetType)

	byToken, err := p.GetAssignment(ctx, a.Token)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", byToken.DeviceToken)

	dev, err := p.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, a.Token, dev.AssignmentToken)
}

func testCommands(t *testing.T, p management.Provider) {
	ctx := context.Background()

	cmd := &model.DeviceCommand{
		Token:              "cmd-1",
		SpecificationToken: "spec-A",
		Namespace:          "http://example.com/hvac",
		Name:               "setPoint",
		Parameters: []model.CommandParameter{
			{Name: "value", Type: model.ParamDouble, Required: true},
			{Name: "unit", Type: model.ParamString},
		},
	}
	require.NoError(t, p.CreateCommand(ctx, cmd))
	assert.ErrorIs(t, p.CreateCommand(ctx, cmd), management.ErrDuplicate)

	got, err := p.GetCommand(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, cmd.Name, got.Name)
	assert.Equal(t, cmd.Parameters, got.Parameters)

	_, err = p.GetCommand(ctx, "cmd-2")
	assert.ErrorIs(t, err, management.ErrNotFound)
}

func testElementMappings(t *testing.T, p management.Provider) {
	ctx := context.Background()

	for _, tok := range []string{"gw", "leaf"} {
		_, err := p.CreateDevice(ctx, &model.Device{Token: tok, SpecificationToken: "spec-A"})
		require.NoError(t, err)
	}

	gw, err := p.AddElementMapping(ctx, "gw", model.DeviceElementMapping{Path: "bus/1", DeviceToken: "leaf"})
	require.NoError(t, err)
	require.Len(t, gw.ElementMappings, 1)

	_, err = p.AddElementMapping(ctx, "gw", model.DeviceElementMapping{Path: "bus/1", DeviceToken: "leaf"})
	assert.ErrorIs(t, err, management.ErrDuplicate)

	_, err = p.AddElementMapping(ctx, "gw", model.DeviceElementMapping{Path: "bus/2", DeviceToken: "ghost"})
	assert.ErrorIs(t, err, management.ErrNotFound)

	leaf, err := p.GetDevice(ctx, "leaf")
	require.NoError(t, err)
	assert.Equal(t, "gw", leaf.ParentToken)

	gw, err = p.GetDevice(ctx, "gw")
	require.NoError(t, err)
	assert.Equal(t, []model.DeviceElementMapping{{Path: "bus/1", DeviceToken: "leaf"}}, gw.ElementMappings)
}

func testStreams(t *testing.T, p management.Provider) {
	ctx := context.Background()

	assert.ErrorIs(t, p.AddStreamData(ctx, &model.DeviceStreamData{AssignmentToken: "a", StreamID: "fw"}), management.ErrNotFound)

	require.NoError(t, p.CreateStream(ctx, &model.DeviceStream{AssignmentToken: "a", StreamID: "fw", ContentType: "application/octet-stream"}))
	assert.ErrorIs(t, p.CreateStream(ctx, &model.DeviceStream{AssignmentToken: "a", StreamID: "fw"}), management.ErrDuplicate)

	s, err := p.GetStream(ctx, "a", "fw")
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", s.ContentType)

	chunk := &model.DeviceStreamData{AssignmentToken: "a", StreamID: "fw", SequenceNumber: 1, Data: []byte{1, 2, 3}}
	require.NoError(t, p.AddStreamData(ctx, chunk))
	assert.ErrorIs(t, p.AddStreamData(ctx, chunk), management.ErrDuplicate)

	got, err := p.GetStreamData(ctx, "a", "fw", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got.Data)

	_, err = p.GetStreamData(ctx, "a", "fw", 2)
	assert.ErrorIs(t, err, management.ErrNotFound)
}
