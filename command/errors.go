// Package command turns command invocations into executions and delivers
// them, and framework system commands, through routed destinations.
package command

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCommand is returned when an invocation names an unknown command
	ErrInvalidCommand = errors.New("invalid command")

	// ErrInvalidParameter is returned when a parameter is missing or cannot be converted
	ErrInvalidParameter = errors.New("invalid command parameter")

	// ErrDestinationNotStarted is returned when a destination is used before Start
	ErrDestinationNotStarted = errors.New("command destination not started")

	// ErrRouterNotInitialized is returned when routing before Initialize
	ErrRouterNotInitialized = errors.New("command router not initialized")

	// ErrNoTargets is returned when the target resolver yields no assignment
	ErrNoTargets = errors.New("no command targets")
)

// RoutingReason classifies routing failures
type RoutingReason string

const (
	NoDestinationMapping  RoutingReason = "NoDestinationMapping"
	UnknownDestination    RoutingReason = "UnknownDestination"
	DestinationNotStarted RoutingReason = "DestinationNotStarted"
)

// RoutingError is returned when the router cannot select a destination.
type RoutingError struct {
	Reason             RoutingReason
	SpecificationToken string
	DestinationID      string
}

func (e *RoutingError) Error() string {
	switch e.Reason {
	case NoDestinationMapping:
		return fmt.Sprintf("no destination mapped for specification %q and no default destination", e.SpecificationToken)
	case UnknownDestination:
		return fmt.Sprintf("unknown command destination %q", e.DestinationID)
	default:
		return fmt.Sprintf("command destination %q not started", e.DestinationID)
	}
}

// Is lets errors.Is match on ErrDestinationNotStarted for not-started destinations.
func (e *RoutingError) Is(target error) bool {
	return e.Reason == DestinationNotStarted && target == ErrDestinationNotStarted
}

// IsRoutingReason reports whether err is a RoutingError with the given reason.
func IsRoutingReason(err error, reason RoutingReason) bool {
	var re *RoutingError
	return errors.As(err, &re) && re.Reason == reason
}

// LifecycleError reports a component that cannot start because a required
// collaborator is missing.
type LifecycleError struct {
	Component string
	Missing   string
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("%s cannot start: missing %s", e.Component, e.Missing)
}
