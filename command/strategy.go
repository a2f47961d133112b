package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/eddielth/device-comm/management"
	"github.com/eddielth/device-comm/model"
)

// Strategy resolves invocation targets and hands executions to the router.
type Strategy struct {
	provider management.Provider
	router   Router
	resolver TargetResolver
	builder  ExecutionBuilder
	nesting  NestingResolver
}

// StrategyOption configures a Strategy
type StrategyOption func(*Strategy)

// WithTargetResolver replaces the default assignment target resolver
func WithTargetResolver(r TargetResolver) StrategyOption {
	return func(s *Strategy) { s.resolver = r }
}

// WithExecutionBuilder replaces the default execution builder
func WithExecutionBuilder(b ExecutionBuilder) StrategyOption {
	return func(s *Strategy) { s.builder = b }
}

// NewStrategy creates a command strategy over provider and router.
func NewStrategy(provider management.Provider, router Router, opts ...StrategyOption) *Strategy {
	s := &Strategy{
		provider: provider,
		router:   router,
		resolver: AssignmentTargetResolver{Provider: provider},
		nesting:  NestingResolver{Provider: provider},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate reports a missing collaborator as a LifecycleError.
func (s *Strategy) Validate() error {
	switch {
	case s.provider == nil:
		return &LifecycleError{Component: "command strategy", Missing: "management provider"}
	case s.router == nil:
		return &LifecycleError{Component: "command strategy", Missing: "router"}
	case s.resolver == nil:
		return &LifecycleError{Component: "command strategy", Missing: "target resolver"}
	}
	return nil
}

// DeliverCommand builds the execution for inv and routes it to every
// target. Errors of individual targets are joined; the execution is
// returned whenever it could be built.
func (s *Strategy) DeliverCommand(ctx context.Context, inv *model.CommandInvocation) (*model.CommandExecution, error) {
	cmd, err := s.provider.GetCommand(ctx, inv.CommandToken)
	if err != nil {
		if errors.Is(err, management.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCommand, inv.CommandToken)
		}
		return nil, fmt.Errorf("failed to load command %s: %w", inv.CommandToken, err)
	}

	exec, err := s.builder.Build(cmd, inv)
	if err != nil {
		return nil, err
	}

	targets, err := s.resolver.ResolveTargets(ctx, inv)
	if err != nil {
		return exec, err
	}
	if len(targets) == 0 {
		return exec, fmt.Errorf("%w for invocation %s", ErrNoTargets, inv.ID)
	}

	var errs []error
	for _, assignment := range targets {
		if err := s.deliverTo(ctx, exec, assignment); err != nil {
			errs = append(errs, fmt.Errorf("assignment %s: %w", assignment.Token, err))
		}
	}
	return exec, errors.Join(errs...)
}

func (s *Strategy) deliverTo(ctx context.Context, exec *model.CommandExecution, assignment *model.DeviceAssignment) error {
	device, err := s.provider.GetDevice(ctx, assignment.DeviceToken)
	if err != nil {
		return fmt.Errorf("failed to load device %s: %w", assignment.DeviceToken, err)
	}
	nesting, err := s.nesting.Resolve(ctx, device)
	if err != nil {
		return err
	}
	return s.router.Route(ctx, exec, nesting, assignment)
}

// DeliverSystemCommand sends a framework command to a device, bypassing
// command definitions. A device that is not registered is addressed
// directly by token with no assignment, so registration failures still
// reach it.
func (s *Strategy) DeliverSystemCommand(ctx context.Context, deviceToken string, cmd model.SystemCommand) error {
	device, err := s.provider.GetDevice(ctx, deviceToken)
	switch {
	case errors.Is(err, management.ErrNotFound):
		device = &model.Device{Token: deviceToken}
	case err != nil:
		return fmt.Errorf("failed to load device %s: %w", deviceToken, err)
	}

	nesting, err := s.nesting.Resolve(ctx, device)
	if err != nil {
		return err
	}

	var assignment *model.DeviceAssignment
	if device.AssignmentToken != "" {
		a, err := s.provider.GetCurrentAssignment(ctx, deviceToken)
		if err != nil && !errors.Is(err, management.ErrNotFound) {
			return fmt.Errorf("failed to load assignment of %s: %w", deviceToken, err)
		}
		assignment = a
	}

	return s.router.RouteSystemCommand(ctx, cmd, nesting, assignment)
}
