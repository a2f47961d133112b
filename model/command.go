package model

// ParameterType is the declared type of a command parameter.
type ParameterType string

const (
	ParamString ParameterType = "string"
	ParamBool   ParameterType = "bool"
	ParamInt32  ParameterType = "int32"
	ParamInt64  ParameterType = "int64"
	ParamUint32 ParameterType = "uint32"
	ParamUint64 ParameterType = "uint64"
	ParamFloat  ParameterType = "float"
	ParamDouble ParameterType = "double"
	ParamBytes  ParameterType = "bytes"
)

// CommandParameter is one entry of a command's parameter schema.
type CommandParameter struct {
	Name     string        `json:"name"`
	Type     ParameterType `json:"type"`
	Required bool          `json:"required"`
}

// DeviceCommand is a named command defined for a device specification.
type DeviceCommand struct {
	Token              string             `json:"token"`
	SpecificationToken string             `json:"specificationToken"`
	Namespace          string             `json:"namespace,omitempty"`
	Name               string             `json:"name"`
	Description        string             `json:"description,omitempty"`
	Parameters         []CommandParameter `json:"parameters,omitempty"`
}

// CommandInvocation requests execution of a command against an assignment.
type CommandInvocation struct {
	ID              string            `json:"id"`
	AssignmentToken string            `json:"assignmentToken"`
	CommandToken    string            `json:"commandToken"`
	ParameterValues map[string]string `json:"parameterValues,omitempty"`
	Initiator       string            `json:"initiator,omitempty"`
}

// CommandExecution is a command definition bound to invocation values
// converted per the parameter schema. It is not modified after it is built.
type CommandExecution struct {
	ID         string            `json:"id"`
	Command    DeviceCommand     `json:"command"`
	Invocation CommandInvocation `json:"invocation"`
	Parameters map[string]any    `json:"parameters"`
}

// DeviceNestingContext tells how a target device is reached. For a directly
// addressable device Gateway is the device itself and Nested is nil.
type DeviceNestingContext struct {
	Gateway *Device                `json:"gateway"`
	Nested  *Device                `json:"nested,omitempty"`
	Path    []DeviceElementMapping `json:"path,omitempty"`
}

// IsNested reports whether the target sits behind a gateway.
func (n *DeviceNestingContext) IsNested() bool {
	return n != nil && n.Nested != nil
}

// Target returns the device the command is meant for.
func (n *DeviceNestingContext) Target() *Device {
	if n == nil {
		return nil
	}
	if n.Nested != nil {
		return n.Nested
	}
	return n.Gateway
}

// PathString joins the element mapping paths from the gateway.
func (n *DeviceNestingContext) PathString() string {
	if n == nil || len(n.Path) == 0 {
		return ""
	}
	out := n.Path[0].Path
	for _, m := range n.Path[1:] {
		out += "/" + m.Path
	}
	return out
}

// SystemCommandType names a framework-internal command.
type SystemCommandType string

const (
	SystemRegistrationAck      SystemCommandType = "registrationAck"
	SystemRegistrationFailure  SystemCommandType = "registrationFailure"
	SystemDeviceMappingAck     SystemCommandType = "deviceMappingAck"
	SystemSendStreamDataResult SystemCommandType = "sendStreamDataResponse"
)

// SystemCommand is a command generated by the framework itself rather than
// from a command definition.
type SystemCommand interface {
	SystemCommandType() SystemCommandType
}

// RegistrationAckReason distinguishes new and repeated registrations.
type RegistrationAckReason string

const (
	NewRegistration   RegistrationAckReason = "NewRegistration"
	AlreadyRegistered RegistrationAckReason = "AlreadyRegistered"
)

// RegistrationAck acknowledges a successful registration.
type RegistrationAck struct {
	Reason     RegistrationAckReason `json:"reason"`
	Originator string                `json:"originator,omitempty"`
}

func (*RegistrationAck) SystemCommandType() SystemCommandType { return SystemRegistrationAck }

// RegistrationFailureReason explains why a registration was rejected.
type RegistrationFailureReason string

const (
	NewDevicesNotAllowed      RegistrationFailureReason = "NewDevicesNotAllowed"
	InvalidSpecificationToken RegistrationFailureReason = "InvalidSpecificationToken"
	SiteTokenRequired         RegistrationFailureReason = "SiteTokenRequired"
)

// RegistrationFailure reports a rejected registration to the device.
type RegistrationFailure struct {
	Reason     RegistrationFailureReason `json:"reason"`
	Message    string                    `json:"message"`
	Originator string                    `json:"originator,omitempty"`
}

func (*RegistrationFailure) SystemCommandType() SystemCommandType { return SystemRegistrationFailure }

// DeviceMappingResult is the outcome of a device mapping request.
type DeviceMappingResult string

const (
	MappingCreated DeviceMappingResult = "MappingCreated"
	MappingFailed  DeviceMappingResult = "MappingFailed"
)

// DeviceMappingAck answers a device mapping request.
type DeviceMappingAck struct {
	MappedDeviceToken string              `json:"mappedDeviceToken"`
	Result            DeviceMappingResult `json:"result"`
	Message           string              `json:"message,omitempty"`
	Originator        string              `json:"originator,omitempty"`
}

func (*DeviceMappingAck) SystemCommandType() SystemCommandType { return SystemDeviceMappingAck }

// SendStreamDataResponse carries a stored stream chunk back to the device.
// Data is nil when the chunk does not exist.
type SendStreamDataResponse struct {
	StreamID       string `json:"streamId"`
	SequenceNumber int64  `json:"sequenceNumber"`
	Data           []byte `json:"data"`
	Originator     string `json:"originator,omitempty"`
}

func (*SendStreamDataResponse) SystemCommandType() SystemCommandType {
	return SystemSendStreamDataResult
}
