// Package source connects receivers to the inbound strategy through a
// decoder. One EventSource owns one decoder and all of its receivers.
package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eddielth/device-comm/codec"
	"github.com/eddielth/device-comm/logger"
	"github.com/eddielth/device-comm/model"
	"github.com/eddielth/device-comm/validator"
)

var (
	ErrMissingDecoder  = errors.New("event source has no decoder")
	ErrNoReceivers     = errors.New("event source has no receivers")
	ErrMissingStrategy = errors.New("event source has no inbound strategy")
	ErrSourceRunning   = errors.New("event source is running")
)

// Sink accepts raw payloads from a receiver. OnPayload may block while the
// inbound queue is full; receivers call it from their own goroutine.
type Sink interface {
	OnPayload(ctx context.Context, payload []byte, metadata map[string]string)
}

// Receiver obtains raw payloads from one transport connection or
// subscription and forwards them to the sink.
type Receiver interface {
	ID() string
	Start(ctx context.Context, sink Sink) error
	Stop(ctx context.Context) error
}

// Submitter is the inbound queue the source feeds.
type Submitter interface {
	Submit(ctx context.Context, req model.DecodedDeviceRequest) error
}

// Stats counts what happened to the payloads a source received.
type Stats struct {
	Payloads     int64 `json:"payloads"`
	Requests     int64 `json:"requests"`
	DecodeErrors int64 `json:"decode_errors"`
	Invalid      int64 `json:"invalid"`
	Unroutable   int64 `json:"unroutable"`
	SubmitErrors int64 `json:"submit_errors"`
}

// EventSource decodes payloads from its receivers and submits each decoded
// request to the inbound strategy.
type EventSource struct {
	id        string
	receivers []Receiver
	strategy  Submitter
	validator validator.Validator
	log       logger.Component

	mu      sync.RWMutex
	decoder codec.Decoder
	running bool
	started []Receiver

	payloads     atomic.Int64
	requests     atomic.Int64
	decodeErrors atomic.Int64
	invalid      atomic.Int64
	unroutable   atomic.Int64
	submitErrors atomic.Int64
}

// Option configures an EventSource
type Option func(*EventSource)

// WithValidator sets the validator run on each decoded request
func WithValidator(v validator.Validator) Option {
	return func(s *EventSource) { s.validator = v }
}

// WithReceivers adds receivers
func WithReceivers(r ...Receiver) Option {
	return func(s *EventSource) { s.receivers = append(s.receivers, r...) }
}

// New creates an event source. Collaborators are checked by Start.
func New(id string, decoder codec.Decoder, strategy Submitter, opts ...Option) *EventSource {
	s := &EventSource{
		id:       id,
		decoder:  decoder,
		strategy: strategy,
		log:      logger.Named("source:" + id),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the source id
func (s *EventSource) ID() string { return s.id }

// SetDecoder replaces the decoder. It fails while the source is running.
func (s *EventSource) SetDecoder(d codec.Decoder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSourceRunning
	}
	s.decoder = d
	return nil
}

// Decoder returns the current decoder
func (s *EventSource) Decoder() codec.Decoder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decoder
}

// Start starts every receiver. If one fails, those already started are
// stopped again and the error is returned.
func (s *EventSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSourceRunning
	}
	if s.decoder == nil {
		return fmt.Errorf("source %s: %w", s.id, ErrMissingDecoder)
	}
	if len(s.receivers) == 0 {
		return fmt.Errorf("source %s: %w", s.id, ErrNoReceivers)
	}
	if s.strategy == nil {
		return fmt.Errorf("source %s: %w", s.id, ErrMissingStrategy)
	}

	s.started = s.started[:0]
	for _, r := range s.receivers {
		if err := r.Start(ctx, s); err != nil {
			s.stopStarted(ctx)
			return fmt.Errorf("source %s: failed to start receiver %s: %w", s.id, r.ID(), err)
		}
		s.started = append(s.started, r)
	}
	s.running = true
	s.log.Info("started with %d receiver(s)", len(s.receivers))
	return nil
}

func (s *EventSource) stopStarted(ctx context.Context) error {
	var errs []error
	for i := len(s.started) - 1; i >= 0; i-- {
		r := s.started[i]
		if err := r.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("receiver %s: %w", r.ID(), err))
		}
	}
	s.started = s.started[:0]
	return errors.Join(errs...)
}

// Stop stops all receivers.
func (s *EventSource) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	err := s.stopStarted(ctx)
	s.log.Info("stopped")
	return err
}

// OnPayload decodes one payload and submits the resulting requests. Decode
// and validation failures are logged and the payload is dropped.
func (s *EventSource) OnPayload(ctx context.Context, payload []byte, metadata map[string]string) {
	s.payloads.Add(1)

	reqs, err := s.Decoder().Decode(payload, metadata)
	if err != nil {
		s.decodeErrors.Add(1)
		s.log.Warn("dropping payload (%d bytes): %v", len(payload), err)
		return
	}

	for _, req := range reqs {
		req.SourceID = s.id
		if req.Kind() == model.KindUnknown {
			s.unroutable.Add(1)
			s.log.Error("unroutable request kind %T from device %s", req.Payload, req.DeviceToken)
			continue
		}
		if s.validator != nil {
			if err := s.validator.Validate(req); err != nil {
				s.invalid.Add(1)
				s.log.Warn("dropping %s request from device %s: %v", req.Kind(), req.DeviceToken, err)
				continue
			}
		}
		if err := s.strategy.Submit(ctx, req); err != nil {
			s.submitErrors.Add(1)
			s.log.Error("failed to submit %s request from device %s: %v", req.Kind(), req.DeviceToken, err)
			continue
		}
		s.requests.Add(1)
	}
}

// Stats returns a snapshot of the source counters
func (s *EventSource) Stats() Stats {
	return Stats{
		Payloads:     s.payloads.Load(),
		Requests:     s.requests.Load(),
		DecodeErrors: s.decodeErrors.Load(),
		Invalid:      s.invalid.Load(),
		Unroutable:   s.unroutable.Load(),
		SubmitErrors: s.submitErrors.Load(),
	}
}
