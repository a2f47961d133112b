// Package codec defines the decoder and encoder contract between transport
// payloads and the canonical request and command model, with JSON and
// script-based implementations.
package codec

import (
	"fmt"
	"os"

	"github.com/eddielth/device-comm/model"
)

// Decoder turns one transport payload into canonical requests.
// A malformed payload yields a *DecodeError.
type Decoder interface {
	Decode(payload []byte, metadata map[string]string) ([]model.DecodedDeviceRequest, error)
}

// Encoder turns command executions and system commands into bytes for
// delivery. A nil result with a nil error means delivery is skipped.
type Encoder interface {
	EncodeCommand(exec *model.CommandExecution, nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment) ([]byte, error)
	EncodeSystemCommand(cmd model.SystemCommand, nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment) ([]byte, error)
}

// DecodeError reports a payload that could not be decoded.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode failed: %s: %v", e.Reason, e.Err)
	}
	return "decode failed: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(err error, format string, args ...interface{}) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...), Err: err}
}

const (
	TypeJSON   = "json"
	TypeScript = "script"
)

// Config selects and configures a decoder or encoder.
type Config struct {
	Type       string `mapstructure:"type"`
	ScriptPath string `mapstructure:"script_path"`
	ScriptCode string `mapstructure:"script_code"`
}

// LoadScript returns the configured script source, preferring inline code.
func (c Config) LoadScript() (string, error) {
	if c.ScriptCode != "" {
		return c.ScriptCode, nil
	}
	if c.ScriptPath == "" {
		return "", fmt.Errorf("neither script_code nor script_path is set")
	}
	b, err := os.ReadFile(c.ScriptPath)
	if err != nil {
		return "", fmt.Errorf("unable to load script file %s: %w", c.ScriptPath, err)
	}
	return string(b), nil
}

// NewDecoder builds the decoder named by cfg.Type.
func NewDecoder(cfg Config) (Decoder, error) {
	switch cfg.Type {
	case TypeJSON, "":
		return NewJSONDecoder(), nil
	case TypeScript:
		code, err := cfg.LoadScript()
		if err != nil {
			return nil, err
		}
		return NewScriptDecoder(code, cfg.ScriptPath)
	default:
		return nil, fmt.Errorf("unsupported decoder type: %s", cfg.Type)
	}
}

// NewEncoder builds the encoder named by cfg.Type.
func NewEncoder(cfg Config) (Encoder, error) {
	switch cfg.Type {
	case TypeJSON, "":
		return NewJSONEncoder(), nil
	case TypeScript:
		code, err := cfg.LoadScript()
		if err != nil {
			return nil, err
		}
		return NewScriptEncoder(code, cfg.ScriptPath)
	default:
		return nil, fmt.Errorf("unsupported encoder type: %s", cfg.Type)
	}
}

// Reloadable is implemented by codecs whose script can be replaced in place.
type Reloadable interface {
	Reload(cfg Config) error
}
