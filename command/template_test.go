package command

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/eddielth/device-comm/model"
)

func TestExpandTemplate(t *testing.T) {
	nested := &model.DeviceNestingContext{
		Gateway: &model.Device{Token: "gw"},
		Nested:  &model.Device{Token: "leaf"},
	}
	asg := &model.DeviceAssignment{Token: "a1"}

	assert.Equal(t, "devices/gw/commands/leaf/a1", ExpandTemplate("devices/{gateway}/commands/{device}/{assignment}", nested, asg))
	assert.Equal(t, "devices/gw/gw", ExpandTemplate("devices/{gateway}/{device}", direct("gw", ""), nil))
	assert.Equal(t, "devices//x", ExpandTemplate("devices/{assignment}/x", nil, nil))
}

func TestTemplateExtractorPicksSystemTemplate(t *testing.T) {
	e := TemplateExtractor{Command: "cmd/{gateway}", System: "sys/{gateway}"}
	n := direct("d1", "")

	assert.Equal(t, "cmd/d1", e.Render(n, nil, testExecution()))
	assert.Equal(t, "sys/d1", e.Render(n, nil, nil))
	assert.Equal(t, "cmd/d1", TemplateExtractor{Command: "cmd/{gateway}"}.Render(n, nil, nil))
}
