package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseKindRoundTrip(t *testing.T) {
	for k := KindRegistration; k <= KindDeviceMapping; k++ {
		assert.Equal(t, k, ParseKind(k.String()))
	}
	assert.Equal(t, KindUnknown, ParseKind("unknown"))
	assert.Equal(t, KindUnknown, ParseKind("telemetry"))
	assert.Equal(t, KindStateChange, ParseKind("statechange"))
}

func TestRequestKind(t *testing.T) {
	assert.Equal(t, KindUnknown, DecodedDeviceRequest{}.Kind())
	assert.Equal(t, KindAlert, DecodedDeviceRequest{Payload: &AlertRequest{}}.Kind())
}

func TestNestingContext(t *testing.T) {
	gw := &Device{Token: "gw"}
	leaf := &Device{Token: "leaf"}

	direct := &DeviceNestingContext{Gateway: gw}
	assert.False(t, direct.IsNested())
	assert.Same(t, gw, direct.Target())
	assert.Equal(t, "", direct.PathString())

	nested := &DeviceNestingContext{
		Gateway: gw,
		Nested:  leaf,
		Path:    []DeviceElementMapping{{Path: "bus1", DeviceToken: "mid"}, {Path: "slot3", DeviceToken: "leaf"}},
	}
	assert.True(t, nested.IsNested())
	assert.Same(t, leaf, nested.Target())
	assert.Equal(t, "bus1/slot3", nested.PathString())

	var none *DeviceNestingContext
	assert.Nil(t, none.Target())
	assert.False(t, none.IsNested())
}
