package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/eddielth/device-comm/model"
)

// envelope is the JSON wire form of one device request:
//
//	{"type": "measurements", "deviceToken": "abc", "originator": "42", "request": {...}}
type envelope struct {
	Type        string          `json:"type"`
	DeviceToken string          `json:"deviceToken"`
	Originator  string          `json:"originator,omitempty"`
	Request     json.RawMessage `json:"request,omitempty"`
}

// MetadataDeviceToken is the metadata key receivers use to pass a device
// token derived from the transport, e.g. from an MQTT topic.
const MetadataDeviceToken = "device_token"

func newPayload(kind model.Kind) model.Payload {
	switch kind {
	case model.KindRegistration:
		return &model.RegistrationRequest{}
	case model.KindMeasurements:
		return &model.MeasurementsRequest{}
	case model.KindLocation:
		return &model.LocationRequest{}
	case model.KindAlert:
		return &model.AlertRequest{}
	case model.KindStateChange:
		return &model.StateChangeRequest{}
	case model.KindCommandResponse:
		return &model.CommandResponseRequest{}
	case model.KindStreamCreate:
		return &model.StreamCreateRequest{}
	case model.KindStreamData:
		return &model.StreamDataRequest{}
	case model.KindSendStreamData:
		return &model.SendStreamDataRequest{}
	case model.KindDeviceMapping:
		return &model.DeviceMappingRequest{}
	}
	return nil
}

func copyMetadata(md map[string]string) map[string]string {
	if md == nil {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

// decodeEnvelopes parses a single envelope or an array of envelopes.
func decodeEnvelopes(payload []byte, metadata map[string]string) ([]model.DecodedDeviceRequest, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, decodeErr(nil, "empty payload")
	}

	var envs []envelope
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &envs); err != nil {
			return nil, decodeErr(err, "invalid envelope array")
		}
	} else {
		var env envelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, decodeErr(err, "invalid envelope")
		}
		envs = []envelope{env}
	}

	out := make([]model.DecodedDeviceRequest, 0, len(envs))
	for i, env := range envs {
		req, err := env.toRequest(metadata)
		if err != nil {
			return nil, decodeErr(err, "envelope %d", i)
		}
		out = append(out, req)
	}
	return out, nil
}

func (env envelope) toRequest(metadata map[string]string) (model.DecodedDeviceRequest, error) {
	kind := model.ParseKind(env.Type)
	payload := newPayload(kind)
	if payload == nil {
		return model.DecodedDeviceRequest{}, fmt.Errorf("unknown request type %q", env.Type)
	}

	token := env.DeviceToken
	if token == "" {
		token = metadata[MetadataDeviceToken]
	}
	if token == "" {
		return model.DecodedDeviceRequest{}, fmt.Errorf("missing device token")
	}

	if len(env.Request) > 0 && !bytes.Equal(env.Request, []byte("null")) {
		if err := json.Unmarshal(env.Request, payload); err != nil {
			return model.DecodedDeviceRequest{}, fmt.Errorf("invalid %s request: %w", env.Type, err)
		}
	}

	return model.DecodedDeviceRequest{
		DeviceToken: token,
		Originator:  env.Originator,
		Payload:     payload,
		Metadata:    copyMetadata(metadata),
	}, nil
}

// JSONDecoder decodes the JSON envelope format.
type JSONDecoder struct{}

// NewJSONDecoder creates a JSON decoder
func NewJSONDecoder() *JSONDecoder { return &JSONDecoder{} }

// Decode implements Decoder
func (*JSONDecoder) Decode(payload []byte, metadata map[string]string) ([]model.DecodedDeviceRequest, error) {
	return decodeEnvelopes(payload, metadata)
}

// commandMessage is the JSON wire form of a command execution.
type commandMessage struct {
	Type         string         `json:"type"`
	ExecutionID  string         `json:"executionId"`
	InvocationID string         `json:"invocationId,omitempty"`
	Namespace    string         `json:"namespace,omitempty"`
	Command      string         `json:"command"`
	Parameters   map[string]any `json:"parameters"`
	Target       string         `json:"target"`
	Gateway      string         `json:"gateway"`
	Path         string         `json:"path,omitempty"`
	Assignment   string         `json:"assignment,omitempty"`
}

// systemMessage is the JSON wire form of a system command.
type systemMessage struct {
	Type    model.SystemCommandType `json:"type"`
	Target  string                  `json:"target"`
	Gateway string                  `json:"gateway"`
	Path    string                  `json:"path,omitempty"`
	Command model.SystemCommand     `json:"command"`
}

func addressing(nesting *model.DeviceNestingContext) (target, gateway, path string) {
	if t := nesting.Target(); t != nil {
		target = t.Token
	}
	if nesting != nil && nesting.Gateway != nil {
		gateway = nesting.Gateway.Token
	}
	return target, gateway, nesting.PathString()
}

// JSONEncoder produces deterministic JSON for commands and system commands.
type JSONEncoder struct{}

// NewJSONEncoder creates a JSON encoder
func NewJSONEncoder() *JSONEncoder { return &JSONEncoder{} }

// EncodeCommand implements Encoder
func (*JSONEncoder) EncodeCommand(exec *model.CommandExecution, nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment) ([]byte, error) {
	if exec == nil {
		return nil, fmt.Errorf("nil command execution")
	}
	target, gateway, path := addressing(nesting)
	msg := commandMessage{
		Type:         "command",
		ExecutionID:  exec.ID,
		InvocationID: exec.Invocation.ID,
		Namespace:    exec.Command.Namespace,
		Command:      exec.Command.Name,
		Parameters:   exec.Parameters,
		Target:       target,
		Gateway:      gateway,
		Path:         path,
	}
	if assignment != nil {
		msg.Assignment = assignment.Token
	}
	return json.Marshal(msg)
}

// EncodeSystemCommand implements Encoder
func (*JSONEncoder) EncodeSystemCommand(cmd model.SystemCommand, nesting *model.DeviceNestingContext, _ *model.DeviceAssignment) ([]byte, error) {
	if cmd == nil {
		return nil, fmt.Errorf("nil system command")
	}
	target, gateway, path := addressing(nesting)
	return json.Marshal(systemMessage{
		Type:    cmd.SystemCommandType(),
		Target:  target,
		Gateway: gateway,
		Path:    path,
		Command: cmd,
	})
}
