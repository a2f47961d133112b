package management_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/device-comm/management"
	"github.com/eddielth/device-comm/management/managementtest"
	"github.com/eddielth/device-comm/model"
)

func TestMemoryProvider(t *testing.T) {
	managementtest.RunProviderTests(t, func(*testing.T) management.Provider {
		return management.NewMemoryProvider()
	})
}

func TestMemoryProviderReturnsCopies(t *testing.T) {
	ctx := context.Background()
	p := management.NewMemoryProvider()
	_, err := p.CreateDevice(ctx, &model.Device{Token: "d", Metadata: map[string]string{"k": "v"}})
	require.NoError(t, err)

	d, err := p.GetDevice(ctx, "d")
	require.NoError(t, err)
	d.Metadata["k"] = "changed"
	d.SpecificationToken = "other"

	again, err := p.GetDevice(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, "v", again.Metadata["k"])
	assert.Empty(t, again.SpecificationToken)
}
