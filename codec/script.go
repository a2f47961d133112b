package codec

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/eddielth/device-comm/logger"
	"github.com/eddielth/device-comm/model"
)

var scriptLog = logger.Named("script")

// scriptRuntime is one compiled script. goja runtimes are not safe for
// concurrent use, so every call holds mu.
type scriptRuntime struct {
	mu         sync.Mutex
	vm         *goja.Runtime
	fns        map[string]goja.Callable
	scriptPath string
}

func newScriptRuntime(code, scriptPath string, required, optional []string) (*scriptRuntime, error) {
	vm := goja.New()
	installHelpers(vm)

	if _, err := vm.RunString(code); err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}

	rt := &scriptRuntime{vm: vm, fns: map[string]goja.Callable{}, scriptPath: scriptPath}
	for _, name := range required {
		fn, ok := goja.AssertFunction(vm.Get(name))
		if !ok {
			return nil, fmt.Errorf("script does not define function '%s'", name)
		}
		rt.fns[name] = fn
	}
	for _, name := range optional {
		if fn, ok := goja.AssertFunction(vm.Get(name)); ok {
			rt.fns[name] = fn
		}
	}
	return rt, nil
}

func installHelpers(vm *goja.Runtime) {
	_ = vm.Set("log", func(msg string) {
		scriptLog.Info("%s", msg)
	})

	_ = vm.Set("parseJSON", func(jsonStr string) interface{} {
		var data interface{}
		if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
			scriptLog.Warn("failed to parse JSON: %v", err)
			return nil
		}
		return data
	})

	_ = vm.Set("formatDate", func(timestamp int64, format string) string {
		if format == "" {
			format = time.RFC3339
		}
		return time.Unix(timestamp, 0).UTC().Format(format)
	})

	_ = vm.Set("convertTemperature", func(value float64, fromUnit string, toUnit string) float64 {
		var celsius float64
		switch strings.ToUpper(fromUnit) {
		case "C":
			celsius = value
		case "F":
			celsius = (value - 32) * 5 / 9
		case "K":
			celsius = value - 273.15
		default:
			return value
		}

		switch strings.ToUpper(toUnit) {
		case "F":
			return celsius*9/5 + 32
		case "K":
			return celsius + 273.15
		default:
			return celsius
		}
	})

	_ = vm.Set("validateRange", func(value float64, min float64, max float64) bool {
		return value >= min && value <= max
	})
}

// call invokes a script function with Go values. ok is false when the
// function is not defined by the script.
func (rt *scriptRuntime) call(name string, args ...interface{}) (result interface{}, ok bool, err error) {
	fn, defined := rt.fns[name]
	if !defined {
		return nil, false, nil
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	values := make([]goja.Value, len(args))
	for i, a := range args {
		values[i] = rt.vm.ToValue(a)
	}

	v, err := fn(goja.Undefined(), values...)
	if err != nil {
		return nil, true, err
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, true, nil
	}
	return v.Export(), true, nil
}

// toPlain converts a Go value to the map/slice form scripts see, using the
// JSON field names.
func toPlain(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ScriptDecoder runs a script defining decode(payload, metadata). The
// function returns one envelope, an array of envelopes, or null.
type ScriptDecoder struct {
	rt atomic.Pointer[scriptRuntime]
}

// NewScriptDecoder compiles a decoder script
func NewScriptDecoder(code, scriptPath string) (*ScriptDecoder, error) {
	rt, err := newScriptRuntime(code, scriptPath, []string{"decode"}, nil)
	if err != nil {
		return nil, err
	}
	d := &ScriptDecoder{}
	d.rt.Store(rt)
	return d, nil
}

// Decode implements Decoder
func (d *ScriptDecoder) Decode(payload []byte, metadata map[string]string) ([]model.DecodedDeviceRequest, error) {
	md := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}

	result, _, err := d.rt.Load().call("decode", string(payload), md)
	if err != nil {
		return nil, decodeErr(err, "script decode")
	}
	if result == nil {
		return nil, nil
	}

	b, err := json.Marshal(result)
	if err != nil {
		return nil, decodeErr(err, "script result is not serializable")
	}
	return decodeEnvelopes(b, metadata)
}

// Reload replaces the script. The previous script stays active on error.
func (d *ScriptDecoder) Reload(cfg Config) error {
	code, err := cfg.LoadScript()
	if err != nil {
		return err
	}
	rt, err := newScriptRuntime(code, cfg.ScriptPath, []string{"decode"}, nil)
	if err != nil {
		return err
	}
	d.rt.Store(rt)
	scriptLog.Info("reloaded decoder script %s", cfg.ScriptPath)
	return nil
}

// ScriptEncoder runs a script defining encode(execution, nesting, assignment)
// and optionally encodeSystemCommand(command, nesting, assignment). A string
// result is sent as-is, an object is sent as JSON, null skips delivery.
// Without encodeSystemCommand, system commands use the JSON encoding.
type ScriptEncoder struct {
	rt       atomic.Pointer[scriptRuntime]
	fallback *JSONEncoder
}

// NewScriptEncoder compiles an encoder script
func NewScriptEncoder(code, scriptPath string) (*ScriptEncoder, error) {
	rt, err := newScriptRuntime(code, scriptPath, []string{"encode"}, []string{"encodeSystemCommand"})
	if err != nil {
		return nil, err
	}
	e := &ScriptEncoder{fallback: NewJSONEncoder()}
	e.rt.Store(rt)
	return e, nil
}

func encodedBytes(result interface{}) ([]byte, error) {
	switch v := result.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

// EncodeCommand implements Encoder
func (e *ScriptEncoder) EncodeCommand(exec *model.CommandExecution, nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment) ([]byte, error) {
	args, err := plainArgs(exec, nesting, assignment)
	if err != nil {
		return nil, err
	}
	result, _, err := e.rt.Load().call("encode", args...)
	if err != nil {
		return nil, fmt.Errorf("script encode: %w", err)
	}
	return encodedBytes(result)
}

// EncodeSystemCommand implements Encoder
func (e *ScriptEncoder) EncodeSystemCommand(cmd model.SystemCommand, nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment) ([]byte, error) {
	plainCmd, err := toPlain(cmd)
	if err != nil {
		return nil, err
	}
	if m, ok := plainCmd.(map[string]interface{}); ok && cmd != nil {
		m["type"] = string(cmd.SystemCommandType())
	}
	args, err := plainArgs(nil, nesting, assignment)
	if err != nil {
		return nil, err
	}
	args[0] = plainCmd

	result, defined, err := e.rt.Load().call("encodeSystemCommand", args...)
	if !defined {
		return e.fallback.EncodeSystemCommand(cmd, nesting, assignment)
	}
	if err != nil {
		return nil, fmt.Errorf("script encodeSystemCommand: %w", err)
	}
	return encodedBytes(result)
}

func plainArgs(exec *model.CommandExecution, nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment) ([]interface{}, error) {
	args := make([]interface{}, 3)
	var err error
	if exec != nil {
		if args[0], err = toPlain(exec); err != nil {
			return nil, err
		}
	}
	if nesting != nil {
		if args[1], err = toPlain(nesting); err != nil {
			return nil, err
		}
	}
	if assignment != nil {
		if args[2], err = toPlain(assignment); err != nil {
			return nil, err
		}
	}
	return args, nil
}

// Reload replaces the script. The previous script stays active on error.
func (e *ScriptEncoder) Reload(cfg Config) error {
	code, err := cfg.LoadScript()
	if err != nil {
		return err
	}
	rt, err := newScriptRuntime(code, cfg.ScriptPath, []string{"encode"}, []string{"encodeSystemCommand"})
	if err != nil {
		return err
	}
	e.rt.Store(rt)
	scriptLog.Info("reloaded encoder script %s", cfg.ScriptPath)
	return nil
}
