// Package validator checks decoded device requests before they are queued.
package validator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/eddielth/device-comm/model"
)

// ErrInvalidRequest wraps every validation failure
var ErrInvalidRequest = errors.New("invalid request")

// Validator checks one decoded request
type Validator interface {
	Validate(req model.DecodedDeviceRequest) error
}

// Func adapts a function to Validator
type Func func(req model.DecodedDeviceRequest) error

func (f Func) Validate(req model.DecodedDeviceRequest) error { return f(req) }

// RequestValidator rejects requests without a device token or a known payload.
type RequestValidator struct{}

func (RequestValidator) Validate(req model.DecodedDeviceRequest) error {
	if req.DeviceToken == "" {
		return fmt.Errorf("%w: missing device token", ErrInvalidRequest)
	}
	if req.Kind() == model.KindUnknown {
		return fmt.Errorf("%w: unknown payload %T", ErrInvalidRequest, req.Payload)
	}
	return nil
}

// RangeValidator checks that a named measurement, when present, lies within [Min, Max].
type RangeValidator struct {
	Field string  `mapstructure:"field"`
	Min   float64 `mapstructure:"min"`
	Max   float64 `mapstructure:"max"`
}

// Validate only looks at measurement requests
func (rv *RangeValidator) Validate(req model.DecodedDeviceRequest) error {
	m, ok := req.Payload.(*model.MeasurementsRequest)
	if !ok {
		return nil
	}
	value, ok := m.Measurements[rv.Field]
	if !ok {
		return nil
	}
	if math.IsNaN(value) || value < rv.Min || value > rv.Max {
		return fmt.Errorf("%w: field %s value %f is not in range [%f, %f]", ErrInvalidRequest, rv.Field, value, rv.Min, rv.Max)
	}
	return nil
}

// SchemaValidator validates request payloads against a JSON schema per kind.
// Kinds without a schema pass.
type SchemaValidator struct {
	schemas map[model.Kind]*jsonschema.Schema
}

// NewSchemaValidator compiles schemas keyed by request type name, e.g.
// "measurements".
func NewSchemaValidator(schemas map[string]string) (*SchemaValidator, error) {
	sv := &SchemaValidator{schemas: make(map[model.Kind]*jsonschema.Schema, len(schemas))}
	for name, src := range schemas {
		kind := model.ParseKind(name)
		if kind == model.KindUnknown {
			return nil, fmt.Errorf("schema for unknown request type %q", name)
		}
		sch, err := compileSchema([]byte(src), "schema://"+name+".json")
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema for %s: %w", name, err)
		}
		sv.schemas[kind] = sch
	}
	return sv, nil
}

func compileSchema(b []byte, ref string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(ref, bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return c.Compile(ref)
}

func (sv *SchemaValidator) Validate(req model.DecodedDeviceRequest) error {
	sch, ok := sv.schemas[req.Kind()]
	if !ok {
		return nil
	}
	raw, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidRequest, req.Kind(), err)
	}
	return nil
}

// Chain runs validators in order and stops at the first failure.
type Chain []Validator

func (c Chain) Validate(req model.DecodedDeviceRequest) error {
	for _, v := range c {
		if err := v.Validate(req); err != nil {
			return err
		}
	}
	return nil
}

// Config declares the validators applied by an event source.
type Config struct {
	Ranges  []RangeValidator  `mapstructure:"ranges"`
	Schemas map[string]string `mapstructure:"schemas"`
}

// New builds a chain starting with RequestValidator.
func New(cfg Config) (Validator, error) {
	chain := Chain{RequestValidator{}}
	for i := range cfg.Ranges {
		r := cfg.Ranges[i]
		if r.Field == "" {
			return nil, fmt.Errorf("range validator %d has no field", i)
		}
		if r.Min > r.Max {
			return nil, fmt.Errorf("range validator %s has min > max", r.Field)
		}
		chain = append(chain, &r)
	}
	if len(cfg.Schemas) > 0 {
		sv, err := NewSchemaValidator(cfg.Schemas)
		if err != nil {
			return nil, err
		}
		chain = append(chain, sv)
	}
	return chain, nil
}
