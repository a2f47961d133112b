// Package management defines the management-data boundary consumed by the
// communication core: device, specification, site, assignment, command and
// stream lookups keyed by opaque tokens.
package management

import (
	"context"
	"errors"

	"github.com/eddielth/device-comm/model"
)

var (
	// ErrNotFound is returned when no entity exists for a token
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when creating an entity whose key is taken
	ErrDuplicate = errors.New("already exists")
)

// Provider is the management-data store.
type Provider interface {
	GetDevice(ctx context.Context, token string) (*model.Device, error)
	CreateDevice(ctx context.Context, d *model.Device) (*model.Device, error)
	UpdateDevice(ctx context.Context, d *model.Device) error

	GetDeviceSpecification(ctx context.Context, token string) (*model.DeviceSpecification, error)
	CreateDeviceSpecification(ctx context.Context, s *model.DeviceSpecification) error

	GetSite(ctx context.Context, token string) (*model.Site, error)
	ListSites(ctx context.Context) ([]model.Site, error)
	CreateSite(ctx context.Context, s *model.Site) error

	GetAssignment(ctx context.Context, token string) (*model.DeviceAssignment, error)
	// GetCurrentAssignment returns the active assignment of a device
	GetCurrentAssignment(ctx context.Context, deviceToken string) (*model.DeviceAssignment, error)
	// CreateAssignment stores the assignment and makes it the device's current one
	CreateAssignment(ctx context.Context, a *model.DeviceAssignment) (*model.DeviceAssignment, error)

	GetCommand(ctx context.Context, token string) (*model.DeviceCommand, error)
	CreateCommand(ctx context.Context, c *model.DeviceCommand) error

	// AddElementMapping maps a device onto a path of a gateway and sets the
	// mapped device's parent
	AddElementMapping(ctx context.Context, gatewayToken string, m model.DeviceElementMapping) (*model.Device, error)

	CreateStream(ctx context.Context, s *model.DeviceStream) error
	GetStream(ctx context.Context, assignmentToken, streamID string) (*model.DeviceStream, error)
	AddStreamData(ctx context.Context, d *model.DeviceStreamData) error
	GetStreamData(ctx context.Context, assignmentToken, streamID string, sequence int64) (*model.DeviceStreamData, error)
}
