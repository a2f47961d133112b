package model

import "time"

// EventKind identifies a persisted event flowing through the outbound path.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventMeasurements
	EventLocation
	EventAlert
	EventCommandInvocation
	EventCommandResponse
	EventStateChange
)

func (k EventKind) String() string {
	switch k {
	case EventMeasurements:
		return "measurements"
	case EventLocation:
		return "location"
	case EventAlert:
		return "alert"
	case EventCommandInvocation:
		return "commandInvocation"
	case EventCommandResponse:
		return "commandResponse"
	case EventStateChange:
		return "stateChange"
	default:
		return "unknown"
	}
}

// EventMeta holds the fields shared by all persisted events.
type EventMeta struct {
	ID              string            `json:"id"`
	DeviceToken     string            `json:"deviceToken"`
	AssignmentToken string            `json:"assignmentToken,omitempty"`
	SiteToken       string            `json:"siteToken,omitempty"`
	EventDate       time.Time         `json:"eventDate"`
	ReceivedDate    time.Time         `json:"receivedDate"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Event is a device event that has been persisted.
type Event interface {
	EventKind() EventKind
	Meta() EventMeta
}

type MeasurementsEvent struct {
	EventMeta
	Measurements map[string]float64 `json:"measurements"`
}

func (*MeasurementsEvent) EventKind() EventKind { return EventMeasurements }
func (e *MeasurementsEvent) Meta() EventMeta    { return e.EventMeta }

type LocationEvent struct {
	EventMeta
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Elevation float64 `json:"elevation"`
}

func (*LocationEvent) EventKind() EventKind { return EventLocation }
func (e *LocationEvent) Meta() EventMeta    { return e.EventMeta }

type AlertEvent struct {
	EventMeta
	Type    string     `json:"type"`
	Level   AlertLevel `json:"level"`
	Message string     `json:"message"`
}

func (*AlertEvent) EventKind() EventKind { return EventAlert }
func (e *AlertEvent) Meta() EventMeta    { return e.EventMeta }

type CommandInvocationEvent struct {
	EventMeta
	Invocation CommandInvocation `json:"invocation"`
}

func (*CommandInvocationEvent) EventKind() EventKind { return EventCommandInvocation }
func (e *CommandInvocationEvent) Meta() EventMeta    { return e.EventMeta }

type CommandResponseEvent struct {
	EventMeta
	OriginatingEventID string `json:"originatingEventId"`
	ResponseEventID    string `json:"responseEventId,omitempty"`
	Response           string `json:"response"`
}

func (*CommandResponseEvent) EventKind() EventKind { return EventCommandResponse }
func (e *CommandResponseEvent) Meta() EventMeta    { return e.EventMeta }

type StateChangeEvent struct {
	EventMeta
	Attribute     string `json:"attribute"`
	Type          string `json:"type"`
	PreviousState string `json:"previousState,omitempty"`
	NewState      string `json:"newState"`
}

func (*StateChangeEvent) EventKind() EventKind { return EventStateChange }
func (e *StateChangeEvent) Meta() EventMeta    { return e.EventMeta }
