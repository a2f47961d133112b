// Package registration implements device self-registration. Every outcome
// is reported to the device as a system command.
package registration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eddielth/device-comm/command"
	"github.com/eddielth/device-comm/logger"
	"github.com/eddielth/device-comm/management"
	"github.com/eddielth/device-comm/model"
)

const (
	msgNewDevicesNotAllowed  = "New devices are not allowed."
	msgInvalidSpecification  = "Specification token not valid."
	msgSpecificationMismatch = "Specification token does not match device."
	msgSiteTokenRequired     = "Automatic site assignment disabled and no site token passed."
	msgNoSiteAvailable       = "No site available for automatic assignment and no site token passed."

	createdComment = "Device created by on-demand registration."
)

// Settings is the registration policy. It can be replaced at runtime.
type Settings struct {
	AllowNewDevices     bool   `mapstructure:"allow_new_devices"`
	AutoAssignSite      bool   `mapstructure:"auto_assign_site"`
	AutoAssignSiteToken string `mapstructure:"auto_assign_site_token"`
}

// DefaultSettings allows new devices and assigns them to the first site.
func DefaultSettings() Settings {
	return Settings{AllowNewDevices: true, AutoAssignSite: true}
}

// SystemCommandDeliverer sends framework commands to a device.
type SystemCommandDeliverer interface {
	DeliverSystemCommand(ctx context.Context, deviceToken string, cmd model.SystemCommand) error
}

// Manager handles registration requests.
type Manager struct {
	provider  management.Provider
	deliverer SystemCommandDeliverer
	settings  atomic.Pointer[Settings]
	log       logger.Component

	siteMu   sync.Mutex
	autoSite string
}

// NewManager creates a registration manager.
func NewManager(provider management.Provider, deliverer SystemCommandDeliverer, settings Settings) *Manager {
	m := &Manager{provider: provider, deliverer: deliverer, log: logger.Named("registration")}
	m.settings.Store(&settings)
	return m
}

// Validate reports a missing collaborator.
func (m *Manager) Validate() error {
	switch {
	case m.provider == nil:
		return &command.LifecycleError{Component: "registration manager", Missing: "management provider"}
	case m.deliverer == nil:
		return &command.LifecycleError{Component: "registration manager", Missing: "system command deliverer"}
	}
	return nil
}

// Settings returns the current policy
func (m *Manager) Settings() Settings {
	return *m.settings.Load()
}

// UpdateSettings replaces the policy. A changed auto-assign site token
// drops the cached site.
func (m *Manager) UpdateSettings(s Settings) {
	prev := m.settings.Swap(&s)
	if prev == nil || prev.AutoAssignSiteToken != s.AutoAssignSiteToken {
		m.siteMu.Lock()
		m.autoSite = ""
		m.siteMu.Unlock()
	}
	m.log.Info("settings updated: allow_new_devices=%t auto_assign_site=%t", s.AllowNewDevices, s.AutoAssignSite)
}

// HandleRegistration runs the registration state machine for one request.
// The returned error only reports lookup or delivery failures; rejections
// are sent to the device.
func (m *Manager) HandleRegistration(ctx context.Context, req model.DecodedDeviceRequest, p *model.RegistrationRequest) error {
	settings := m.Settings()

	if p.SiteToken != "" {
		if _, err := m.provider.GetSite(ctx, p.SiteToken); err != nil {
			if errors.Is(err, management.ErrNotFound) {
				m.log.Warn("ignoring registration of %s: site %s does not exist", req.DeviceToken, p.SiteToken)
				return nil
			}
			return fmt.Errorf("failed to look up site %s: %w", p.SiteToken, err)
		}
	}

	device, err := m.provider.GetDevice(ctx, req.DeviceToken)
	switch {
	case errors.Is(err, management.ErrNotFound):
		return m.registerNew(ctx, req, p, settings)
	case err != nil:
		return fmt.Errorf("failed to look up device %s: %w", req.DeviceToken, err)
	}
	return m.registerExisting(ctx, req, p, device)
}

func (m *Manager) registerExisting(ctx context.Context, req model.DecodedDeviceRequest, p *model.RegistrationRequest, device *model.Device) error {
	if device.SpecificationToken != p.SpecificationToken {
		return m.reject(ctx, req, model.InvalidSpecificationToken, msgSpecificationMismatch)
	}

	if _, err := m.provider.GetCurrentAssignment(ctx, device.Token); err != nil {
		if !errors.Is(err, management.ErrNotFound) {
			return fmt.Errorf("failed to look up assignment of %s: %w", device.Token, err)
		}
		site := device.SiteToken
		if site == "" {
			site = p.SiteToken
		}
		if err := m.createUnassociated(ctx, device.Token, site); err != nil {
			return err
		}
	}

	return m.ack(ctx, req, model.AlreadyRegistered)
}

func (m *Manager) registerNew(ctx context.Context, req model.DecodedDeviceRequest, p *model.RegistrationRequest, settings Settings) error {
	if !settings.AllowNewDevices {
		return m.reject(ctx, req, model.NewDevicesNotAllowed, msgNewDevicesNotAllowed)
	}

	if _, err := m.provider.GetDeviceSpecification(ctx, p.SpecificationToken); err != nil {
		if errors.Is(err, management.ErrNotFound) {
			return m.reject(ctx, req, model.InvalidSpecificationToken, msgInvalidSpecification)
		}
		return fmt.Errorf("failed to look up specification %s: %w", p.SpecificationToken, err)
	}

	site := p.SiteToken
	if site == "" {
		if !settings.AutoAssignSite {
			return m.reject(ctx, req, model.SiteTokenRequired, msgSiteTokenRequired)
		}
		var err error
		if site, err = m.autoAssignSite(ctx, settings); err != nil {
			return err
		}
		if site == "" {
			return m.reject(ctx, req, model.SiteTokenRequired, msgNoSiteAvailable)
		}
	}

	device, err := m.provider.CreateDevice(ctx, &model.Device{
		Token:              req.DeviceToken,
		SpecificationToken: p.SpecificationToken,
		SiteToken:          site,
		Comments:           createdComment,
		Metadata:           p.Metadata,
	})
	if errors.Is(err, management.ErrDuplicate) {
		// Another registration for the same token created it first.
		existing, gerr := m.provider.GetDevice(ctx, req.DeviceToken)
		if gerr != nil {
			return fmt.Errorf("failed to look up device %s: %w", req.DeviceToken, gerr)
		}
		return m.registerExisting(ctx, req, p, existing)
	}
	if err != nil {
		return fmt.Errorf("failed to create device %s: %w", req.DeviceToken, err)
	}
	if err := m.createUnassociated(ctx, device.Token, site); err != nil {
		return err
	}

	m.log.Info("registered new device %s (specification %s, site %s)", device.Token, device.SpecificationToken, site)
	return m.ack(ctx, req, model.NewRegistration)
}

// autoAssignSite returns the configured site, or the first site, cached
// after the first successful lookup. It returns "" when no site exists.
func (m *Manager) autoAssignSite(ctx context.Context, settings Settings) (string, error) {
	m.siteMu.Lock()
	defer m.siteMu.Unlock()

	if m.autoSite != "" {
		return m.autoSite, nil
	}

	if settings.AutoAssignSiteToken != "" {
		site, err := m.provider.GetSite(ctx, settings.AutoAssignSiteToken)
		if errors.Is(err, management.ErrNotFound) {
			m.log.Warn("configured auto-assign site %s does not exist", settings.AutoAssignSiteToken)
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to look up auto-assign site: %w", err)
		}
		m.autoSite = site.Token
		return m.autoSite, nil
	}

	sites, err := m.provider.ListSites(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list sites: %w", err)
	}
	if len(sites) == 0 {
		return "", nil
	}
	m.autoSite = sites[0].Token
	return m.autoSite, nil
}

func (m *Manager) createUnassociated(ctx context.Context, deviceToken, site string) error {
	_, err := m.provider.CreateAssignment(ctx, &model.DeviceAssignment{
		DeviceToken: deviceToken,
		SiteToken:   site,
		AssetType:   model.AssetTypeUnassociated,
		Status:      model.AssignmentActive,
	})
	if err != nil {
		return fmt.Errorf("failed to create assignment for %s: %w", deviceToken, err)
	}
	return nil
}

func (m *Manager) ack(ctx context.Context, req model.DecodedDeviceRequest, reason model.RegistrationAckReason) error {
	cmd := &model.RegistrationAck{Reason: reason, Originator: req.Originator}
	if err := m.deliverer.DeliverSystemCommand(ctx, req.DeviceToken, cmd); err != nil {
		return fmt.Errorf("failed to send registration ack to %s: %w", req.DeviceToken, err)
	}
	return nil
}

func (m *Manager) reject(ctx context.Context, req model.DecodedDeviceRequest, reason model.RegistrationFailureReason, msg string) error {
	m.log.Info("registration of %s rejected: %s", req.DeviceToken, reason)
	cmd := &model.RegistrationFailure{Reason: reason, Message: msg, Originator: req.Originator}
	if err := m.deliverer.DeliverSystemCommand(ctx, req.DeviceToken, cmd); err != nil {
		return fmt.Errorf("failed to send registration failure to %s: %w", req.DeviceToken, err)
	}
	return nil
}
