package management

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eddielth/device-comm/model"
)

type streamKey struct {
	assignment string
	stream     string
}

type chunkKey struct {
	streamKey
	seq int64
}

// MemoryProvider is a concurrency-safe in-memory Provider. Returned values
// are copies.
type MemoryProvider struct {
	mu          sync.RWMutex
	devices     map[string]model.Device
	specs       map[string]model.DeviceSpecification
	sites       map[string]model.Site
	assignments map[string]model.DeviceAssignment
	commands    map[string]model.DeviceCommand
	streams     map[streamKey]model.DeviceStream
	chunks      map[chunkKey]model.DeviceStreamData
}

// NewMemoryProvider creates an empty provider
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		devices:     map[string]model.Device{},
		specs:       map[string]model.DeviceSpecification{},
		sites:       map[string]model.Site{},
		assignments: map[string]model.DeviceAssignment{},
		commands:    map[string]model.DeviceCommand{},
		streams:     map[streamKey]model.DeviceStream{},
		chunks:      map[chunkKey]model.DeviceStreamData{},
	}
}

func notFound(kind, token string) error {
	return fmt.Errorf("%s %q: %w", kind, token, ErrNotFound)
}

func cloneDevice(d model.Device) *model.Device {
	d.ElementMappings = append([]model.DeviceElementMapping(nil), d.ElementMappings...)
	if d.Metadata != nil {
		md := make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			md[k] = v
		}
		d.Metadata = md
	}
	return &d
}

func (p *MemoryProvider) GetDevice(_ context.Context, token string) (*model.Device, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.devices[token]
	if !ok {
		return nil, notFound("device", token)
	}
	return cloneDevice(d), nil
}

func (p *MemoryProvider) CreateDevice(_ context.Context, d *model.Device) (*model.Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d.Token == "" {
		d.Token = uuid.NewString()
	}
	if _, ok := p.devices[d.Token]; ok {
		return nil, fmt.Errorf("device %q: %w", d.Token, ErrDuplicate)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	p.devices[d.Token] = *cloneDevice(*d)
	return cloneDevice(*d), nil
}

func (p *MemoryProvider) UpdateDevice(_ context.Context, d *model.Device) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.devices[d.Token]; !ok {
		return notFound("device", d.Token)
	}
	p.devices[d.Token] = *cloneDevice(*d)
	return nil
}

func (p *MemoryProvider) GetDeviceSpecification(_ context.Context, token string) (*model.DeviceSpecification, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.specs[token]
	if !ok {
		return nil, notFound("specification", token)
	}
	return &s, nil
}

func (p *MemoryProvider) CreateDeviceSpecification(_ context.Context, s *model.DeviceSpecification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.specs[s.Token]; ok {
		return fmt.Errorf("specification %q: %w", s.Token, ErrDuplicate)
	}
	p.specs[s.Token] = *s
	return nil
}

func (p *MemoryProvider) GetSite(_ context.Context, token string) (*model.Site, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sites[token]
	if !ok {
		return nil, notFound("site", token)
	}
	return &s, nil
}

// ListSites returns sites ordered by creation time, then token.
func (p *MemoryProvider) ListSites(_ context.Context) ([]model.Site, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]model.Site, 0, len(p.sites))
	for _, s := range p.sites {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Token < out[j].Token
	})
	return out, nil
}

func (p *MemoryProvider) CreateSite(_ context.Context, s *model.Site) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sites[s.Token]; ok {
		return fmt.Errorf("site %q: %w", s.Token, ErrDuplicate)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	p.sites[s.Token] = *s
	return nil
}

func (p *MemoryProvider) GetAssignment(_ context.Context, token string) (*model.DeviceAssignment, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.assignments[token]
	if !ok {
		return nil, notFound("assignment", token)
	}
	return &a, nil
}

func (p *MemoryProvider) GetCurrentAssignment(_ context.Context, deviceToken string) (*model.DeviceAssignment, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.devices[deviceToken]
	if !ok {
		return nil, notFound("device", deviceToken)
	}
	a, ok := p.assignments[d.AssignmentToken]
	if !ok || a.Status != model.AssignmentActive {
		return nil, notFound("current assignment of device", deviceToken)
	}
	return &a, nil
}

func (p *MemoryProvider) CreateAssignment(_ context.Context, a *model.DeviceAssignment) (*model.DeviceAssignment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.devices[a.DeviceToken]
	if !ok {
		return nil, notFound("device", a.DeviceToken)
	}
	if a.Token == "" {
		a.Token = uuid.NewString()
	}
	if _, ok := p.assignments[a.Token]; ok {
		return nil, fmt.Errorf("assignment %q: %w", a.Token, ErrDuplicate)
	}
	if a.Status == "" {
		a.Status = model.AssignmentActive
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	p.assignments[a.Token] = *a
	d.AssignmentToken = a.Token
	p.devices[d.Token] = d
	out := *a
	return &out, nil
}

func (p *MemoryProvider) GetCommand(_ context.Context, token string) (*model.DeviceCommand, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.commands[token]
	if !ok {
		return nil, notFound("command", token)
	}
	return &c, nil
}

func (p *MemoryProvider) CreateCommand(_ context.Context, c *model.DeviceCommand) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.commands[c.Token]; ok {
		return fmt.Errorf("command %q: %w", c.Token, ErrDuplicate)
	}
	p.commands[c.Token] = *c
	return nil
}

func (p *MemoryProvider) AddElementMapping(_ context.Context, gatewayToken string, m model.DeviceElementMapping) (*model.Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	gw, ok := p.devices[gatewayToken]
	if !ok {
		return nil, notFound("device", gatewayToken)
	}
	mapped, ok := p.devices[m.DeviceToken]
	if !ok {
		return nil, notFound("device", m.DeviceToken)
	}
	for _, existing := range gw.ElementMappings {
		if existing.Path == m.Path {
			return nil, fmt.Errorf("path %q of %q: %w", m.Path, gatewayToken, ErrDuplicate)
		}
	}
	gw.ElementMappings = append(append([]model.DeviceElementMapping(nil), gw.ElementMappings...), m)
	mapped.ParentToken = gatewayToken
	p.devices[gatewayToken] = gw
	p.devices[m.DeviceToken] = mapped
	return cloneDevice(gw), nil
}

func (p *MemoryProvider) CreateStream(_ context.Context, s *model.DeviceStream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := streamKey{s.AssignmentToken, s.StreamID}
	if _, ok := p.streams[k]; ok {
		return fmt.Errorf("stream %q: %w", s.StreamID, ErrDuplicate)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	p.streams[k] = *s
	return nil
}

func (p *MemoryProvider) GetStream(_ context.Context, assignmentToken, streamID string) (*model.DeviceStream, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.streams[streamKey{assignmentToken, streamID}]
	if !ok {
		return nil, notFound("stream", streamID)
	}
	return &s, nil
}

func (p *MemoryProvider) AddStreamData(_ context.Context, d *model.DeviceStreamData) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sk := streamKey{d.AssignmentToken, d.StreamID}
	if _, ok := p.streams[sk]; !ok {
		return notFound("stream", d.StreamID)
	}
	k := chunkKey{sk, d.SequenceNumber}
	if _, ok := p.chunks[k]; ok {
		return fmt.Errorf("chunk %d of stream %q: %w", d.SequenceNumber, d.StreamID, ErrDuplicate)
	}
	chunk := *d
	chunk.Data = append([]byte(nil), d.Data...)
	p.chunks[k] = chunk
	return nil
}

func (p *MemoryProvider) GetStreamData(_ context.Context, assignmentToken, streamID string, sequence int64) (*model.DeviceStreamData, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.chunks[chunkKey{streamKey{assignmentToken, streamID}, sequence}]
	if !ok {
		return nil, notFound("stream chunk", fmt.Sprintf("%s/%d", streamID, sequence))
	}
	c.Data = append([]byte(nil), c.Data...)
	return &c, nil
}
