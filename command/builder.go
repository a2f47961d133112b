package command

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/eddielth/device-comm/model"
)

// ExecutionBuilder combines a command definition with invocation values.
type ExecutionBuilder struct {
	// NewID generates execution ids, uuid by default
	NewID func() string
}

// Build returns an execution whose parameters are typed per the command's
// parameter schema. Values for undeclared parameters are ignored.
func (b ExecutionBuilder) Build(cmd *model.DeviceCommand, inv *model.CommandInvocation) (*model.CommandExecution, error) {
	if cmd == nil || inv == nil {
		return nil, fmt.Errorf("%w: nil command or invocation", ErrInvalidCommand)
	}

	params := make(map[string]any, len(cmd.Parameters))
	for _, p := range cmd.Parameters {
		raw, ok := inv.ParameterValues[p.Name]
		if !ok {
			if p.Required {
				return nil, fmt.Errorf("%w: %s requires %s", ErrInvalidParameter, cmd.Name, p.Name)
			}
			continue
		}
		// An empty string is a value for text parameters; for an optional
		// numeric or boolean one it means unset.
		if raw == "" && !p.Required && !acceptsEmpty(p.Type) {
			continue
		}
		v, err := convertParameter(p.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", ErrInvalidParameter, cmd.Name, p.Name, err)
		}
		params[p.Name] = v
	}

	newID := b.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	return &model.CommandExecution{
		ID:         newID(),
		Command:    *cmd,
		Invocation: *inv,
		Parameters: params,
	}, nil
}

func acceptsEmpty(t model.ParameterType) bool {
	return t == model.ParamString || t == "" || t == model.ParamBytes
}

func convertParameter(t model.ParameterType, raw string) (any, error) {
	switch t {
	case model.ParamString, "":
		return raw, nil
	case model.ParamBool:
		return strconv.ParseBool(strings.TrimSpace(raw))
	case model.ParamInt32:
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 32)
		return int32(v), err
	case model.ParamInt64:
		return strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	case model.ParamUint32:
		v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
		return uint32(v), err
	case model.ParamUint64:
		return strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	case model.ParamFloat:
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 32)
		return float32(v), err
	case model.ParamDouble:
		return strconv.ParseFloat(strings.TrimSpace(raw), 64)
	case model.ParamBytes:
		return base64.StdEncoding.DecodeString(raw)
	default:
		return nil, fmt.Errorf("unsupported parameter type %q", t)
	}
}
