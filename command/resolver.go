package command

import (
	"context"
	"fmt"

	"github.com/eddielth/device-comm/management"
	"github.com/eddielth/device-comm/model"
)

// TargetResolver determines the assignments that receive an invocation.
type TargetResolver interface {
	ResolveTargets(ctx context.Context, inv *model.CommandInvocation) ([]*model.DeviceAssignment, error)
}

// TargetResolverFunc adapts a function to TargetResolver, e.g. for fan-out
// to a group of assignments.
type TargetResolverFunc func(ctx context.Context, inv *model.CommandInvocation) ([]*model.DeviceAssignment, error)

func (f TargetResolverFunc) ResolveTargets(ctx context.Context, inv *model.CommandInvocation) ([]*model.DeviceAssignment, error) {
	return f(ctx, inv)
}

// AssignmentTargetResolver targets the assignment named by the invocation.
type AssignmentTargetResolver struct {
	Provider management.Provider
}

func (r AssignmentTargetResolver) ResolveTargets(ctx context.Context, inv *model.CommandInvocation) ([]*model.DeviceAssignment, error) {
	a, err := r.Provider.GetAssignment(ctx, inv.AssignmentToken)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve assignment %s: %w", inv.AssignmentToken, err)
	}
	return []*model.DeviceAssignment{a}, nil
}

// NestingResolver finds the gateway through which a device is reached.
type NestingResolver struct {
	Provider management.Provider
}

// Resolve walks parent links from device up to the top-level gateway. The
// returned path lists element mappings from the gateway down to the device.
func (r NestingResolver) Resolve(ctx context.Context, device *model.Device) (*model.DeviceNestingContext, error) {
	if device.ParentToken == "" {
		return &model.DeviceNestingContext{Gateway: device}, nil
	}

	var path []model.DeviceElementMapping
	visited := map[string]bool{device.Token: true}
	current := device
	for current.ParentToken != "" {
		if visited[current.ParentToken] {
			return nil, fmt.Errorf("device %s: parent cycle at %s", device.Token, current.ParentToken)
		}
		visited[current.ParentToken] = true

		parent, err := r.Provider.GetDevice(ctx, current.ParentToken)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve parent %s of device %s: %w", current.ParentToken, current.Token, err)
		}
		mapping := model.DeviceElementMapping{DeviceToken: current.Token}
		for _, m := range parent.ElementMappings {
			if m.DeviceToken == current.Token {
				mapping = m
				break
			}
		}
		path = append([]model.DeviceElementMapping{mapping}, path...)
		current = parent
	}

	return &model.DeviceNestingContext{Gateway: current, Nested: device, Path: path}, nil
}
