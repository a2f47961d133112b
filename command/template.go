package command

import (
	"strings"

	"github.com/eddielth/device-comm/model"
)

// ExpandTemplate replaces {gateway}, {device} and {assignment} in tpl. The
// gateway is the directly addressable device; {device} is the command
// target, which differs from the gateway for nested devices.
func ExpandTemplate(tpl string, nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment) string {
	var gateway, device, asg string
	if nesting != nil && nesting.Gateway != nil {
		gateway = nesting.Gateway.Token
	}
	if t := nesting.Target(); t != nil {
		device = t.Token
	}
	if assignment != nil {
		asg = assignment.Token
	}
	return strings.NewReplacer(
		"{gateway}", gateway,
		"{device}", device,
		"{assignment}", asg,
	).Replace(tpl)
}

// TemplateExtractor renders one template for commands and another for
// system commands. It backs the topic, subject and channel extractors of
// the transports.
type TemplateExtractor struct {
	Command string
	System  string
}

// Render returns the expanded template for exec, using System when exec is nil.
func (e TemplateExtractor) Render(nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment, exec *model.CommandExecution) string {
	tpl := e.Command
	if exec == nil && e.System != "" {
		tpl = e.System
	}
	return ExpandTemplate(tpl, nesting, assignment)
}
