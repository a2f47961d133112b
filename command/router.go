package command

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/eddielth/device-comm/model"
)

// Router selects the destination for a command and delegates delivery.
type Router interface {
	Initialize(destinations []CommandDestination) error
	Route(ctx context.Context, exec *model.CommandExecution, nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment) error
	RouteSystemCommand(ctx context.Context, cmd model.SystemCommand, nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment) error
}

// destinationTable is the id-keyed lookup built once by Initialize.
type destinationTable struct {
	byID atomic.Pointer[map[string]CommandDestination]
}

func (t *destinationTable) initialize(destinations []CommandDestination) error {
	byID := make(map[string]CommandDestination, len(destinations))
	for _, d := range destinations {
		if d == nil {
			return fmt.Errorf("nil command destination")
		}
		if _, dup := byID[d.ID()]; dup {
			return fmt.Errorf("duplicate command destination id %q", d.ID())
		}
		byID[d.ID()] = d
	}
	t.byID.Store(&byID)
	return nil
}

func (t *destinationTable) lookup(id string) (CommandDestination, error) {
	byID := t.byID.Load()
	if byID == nil {
		return nil, ErrRouterNotInitialized
	}
	d, ok := (*byID)[id]
	if !ok {
		return nil, &RoutingError{Reason: UnknownDestination, DestinationID: id}
	}
	if !d.Started() {
		return nil, &RoutingError{Reason: DestinationNotStarted, DestinationID: id}
	}
	return d, nil
}

// SpecificationMappingRouter picks the destination mapped to the gateway's
// specification token, falling back to DefaultDestination.
type SpecificationMappingRouter struct {
	table              destinationTable
	Mappings           map[string]string
	DefaultDestination string
}

// NewSpecificationMappingRouter creates a router. mappings is copied.
func NewSpecificationMappingRouter(mappings map[string]string, defaultDestination string) *SpecificationMappingRouter {
	m := make(map[string]string, len(mappings))
	for k, v := range mappings {
		m[k] = v
	}
	return &SpecificationMappingRouter{Mappings: m, DefaultDestination: defaultDestination}
}

// Initialize builds the destination table and checks every mapped id exists.
func (r *SpecificationMappingRouter) Initialize(destinations []CommandDestination) error {
	if err := r.table.initialize(destinations); err != nil {
		return err
	}
	byID := *r.table.byID.Load()
	for spec, id := range r.Mappings {
		if _, ok := byID[id]; !ok {
			return fmt.Errorf("specification %q mapped to %w", spec, &RoutingError{Reason: UnknownDestination, DestinationID: id})
		}
	}
	if r.DefaultDestination != "" {
		if _, ok := byID[r.DefaultDestination]; !ok {
			return fmt.Errorf("default %w", &RoutingError{Reason: UnknownDestination, DestinationID: r.DefaultDestination})
		}
	}
	return nil
}

// Select returns the destination for nesting. The gateway's specification
// decides, not the nested device's.
func (r *SpecificationMappingRouter) Select(nesting *model.DeviceNestingContext) (CommandDestination, error) {
	var spec string
	if nesting != nil && nesting.Gateway != nil {
		spec = nesting.Gateway.SpecificationToken
	}
	id, ok := r.Mappings[spec]
	if !ok || spec == "" {
		id = r.DefaultDestination
	}
	if id == "" {
		return nil, &RoutingError{Reason: NoDestinationMapping, SpecificationToken: spec}
	}
	return r.table.lookup(id)
}

func (r *SpecificationMappingRouter) Route(ctx context.Context, exec *model.CommandExecution, nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment) error {
	d, err := r.Select(nesting)
	if err != nil {
		return err
	}
	return d.DeliverCommand(ctx, exec, nesting, assignment)
}

func (r *SpecificationMappingRouter) RouteSystemCommand(ctx context.Context, cmd model.SystemCommand, nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment) error {
	d, err := r.Select(nesting)
	if err != nil {
		return err
	}
	return d.DeliverSystemCommand(ctx, cmd, nesting, assignment)
}

// SingleChoiceRouter sends everything to its only destination.
type SingleChoiceRouter struct {
	table destinationTable
	id    string
}

func NewSingleChoiceRouter() *SingleChoiceRouter { return &SingleChoiceRouter{} }

// Initialize requires exactly one destination.
func (r *SingleChoiceRouter) Initialize(destinations []CommandDestination) error {
	if len(destinations) != 1 {
		return fmt.Errorf("single choice router requires exactly one destination, got %d", len(destinations))
	}
	if err := r.table.initialize(destinations); err != nil {
		return err
	}
	r.id = destinations[0].ID()
	return nil
}

func (r *SingleChoiceRouter) Route(ctx context.Context, exec *model.CommandExecution, nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment) error {
	d, err := r.table.lookup(r.id)
	if err != nil {
		return err
	}
	return d.DeliverCommand(ctx, exec, nesting, assignment)
}

func (r *SingleChoiceRouter) RouteSystemCommand(ctx context.Context, cmd model.SystemCommand, nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment) error {
	d, err := r.table.lookup(r.id)
	if err != nil {
		return err
	}
	return d.DeliverSystemCommand(ctx, cmd, nesting, assignment)
}
