package model

import (
	"strings"
	"time"
)

// Kind identifies the payload carried by a decoded device request.
type Kind int

const (
	KindUnknown Kind = iota
	KindRegistration
	KindMeasurements
	KindLocation
	KindAlert
	KindStateChange
	KindCommandResponse
	KindStreamCreate
	KindStreamData
	KindSendStreamData
	KindDeviceMapping
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	KindRegistration:    "registration",
	KindMeasurements:    "measurements",
	KindLocation:        "location",
	KindAlert:           "alert",
	KindStateChange:     "stateChange",
	KindCommandResponse: "commandResponse",
	KindStreamCreate:    "streamCreate",
	KindStreamData:      "streamData",
	KindSendStreamData:  "sendStreamData",
	KindDeviceMapping:   "deviceMapping",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind maps a wire name such as "measurements" to its Kind. Names
// match case-insensitively.
func ParseKind(name string) Kind {
	for k, n := range kindNames {
		if k != KindUnknown && strings.EqualFold(n, name) {
			return k
		}
	}
	return KindUnknown
}

// Payload is implemented by every request body a decoder can produce.
type Payload interface {
	Kind() Kind
}

// DecodedDeviceRequest is the canonical, transport-agnostic form of one
// device-originated request. It is not modified after decoding.
type DecodedDeviceRequest struct {
	DeviceToken string
	// Originator correlates asynchronous acknowledgements, may be empty.
	Originator string
	Payload    Payload
	// Metadata is passed through from the receiver unmodified.
	Metadata map[string]string
	// SourceID names the event source that decoded the request.
	SourceID string
}

// Kind returns the payload kind or KindUnknown when no payload is set.
func (r DecodedDeviceRequest) Kind() Kind {
	if r.Payload == nil {
		return KindUnknown
	}
	return r.Payload.Kind()
}

// RegistrationRequest asks the platform to provision the sending device.
type RegistrationRequest struct {
	SpecificationToken string            `json:"specificationToken"`
	SiteToken          string            `json:"siteToken,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

func (*RegistrationRequest) Kind() Kind { return KindRegistration }

// MeasurementsRequest carries named numeric readings.
type MeasurementsRequest struct {
	Measurements map[string]float64 `json:"measurements"`
	EventDate    time.Time          `json:"eventDate,omitempty"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
}

func (*MeasurementsRequest) Kind() Kind { return KindMeasurements }

// LocationRequest carries a position fix.
type LocationRequest struct {
	Latitude  float64           `json:"latitude"`
	Longitude float64           `json:"longitude"`
	Elevation float64           `json:"elevation,omitempty"`
	EventDate time.Time         `json:"eventDate,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (*LocationRequest) Kind() Kind { return KindLocation }

// AlertLevel is the severity of a device alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "Info"
	AlertWarning  AlertLevel = "Warning"
	AlertError    AlertLevel = "Error"
	AlertCritical AlertLevel = "Critical"
)

// AlertRequest carries a device-raised alert.
type AlertRequest struct {
	Type      string            `json:"type"`
	Level     AlertLevel        `json:"level,omitempty"`
	Message   string            `json:"message"`
	EventDate time.Time         `json:"eventDate,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (*AlertRequest) Kind() Kind { return KindAlert }

// StateChangeRequest reports a transition of a device attribute.
type StateChangeRequest struct {
	Attribute     string            `json:"attribute"`
	Type          string            `json:"type"`
	PreviousState string            `json:"previousState,omitempty"`
	NewState      string            `json:"newState"`
	EventDate     time.Time         `json:"eventDate,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func (*StateChangeRequest) Kind() Kind { return KindStateChange }

// CommandResponseRequest answers a previously delivered command.
type CommandResponseRequest struct {
	OriginatingEventID string            `json:"originatingEventId"`
	ResponseEventID    string            `json:"responseEventId,omitempty"`
	Response           string            `json:"response"`
	EventDate          time.Time         `json:"eventDate,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

func (*CommandResponseRequest) Kind() Kind { return KindCommandResponse }

// StreamCreateRequest opens a named binary stream for the device.
type StreamCreateRequest struct {
	StreamID    string            `json:"streamId"`
	ContentType string            `json:"contentType"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (*StreamCreateRequest) Kind() Kind { return KindStreamCreate }

// StreamDataRequest appends one chunk to a stream.
type StreamDataRequest struct {
	StreamID       string    `json:"streamId"`
	SequenceNumber int64     `json:"sequenceNumber"`
	Data           []byte    `json:"data"`
	EventDate      time.Time `json:"eventDate,omitempty"`
}

func (*StreamDataRequest) Kind() Kind { return KindStreamData }

// SendStreamDataRequest asks for one stored chunk to be sent back to the device.
type SendStreamDataRequest struct {
	StreamID       string `json:"streamId"`
	SequenceNumber int64  `json:"sequenceNumber"`
}

func (*SendStreamDataRequest) Kind() Kind { return KindSendStreamData }

// DeviceMappingRequest maps a nested device onto an element path of the sender.
type DeviceMappingRequest struct {
	MappedDeviceToken string `json:"mappedDeviceToken"`
	MappingPath       string `json:"mappingPath"`
}

func (*DeviceMappingRequest) Kind() Kind { return KindDeviceMapping }
