// Package signing exposes configured HSM providers by id and instruments every
// call with logging, metrics, tracing and audit events.
package signing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/hsm-signing-gateway/internal/audit"
	"github.com/kenneth/hsm-signing-gateway/internal/config"
	"github.com/kenneth/hsm-signing-gateway/internal/hsm"
	"github.com/kenneth/hsm-signing-gateway/internal/metrics"
)

const tracerName = "github.com/kenneth/hsm-signing-gateway/internal/signing"

// Option configures a Service.
type Option func(*Service)

// WithMetrics records signing and lifecycle metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithAudit records audit events on l.
func WithAudit(l audit.Logger) Option {
	return func(s *Service) { s.audit = l }
}

// WithRegistry resolves provider types against reg instead of the default
// registry.
func WithRegistry(reg *hsm.Registry) Option {
	return func(s *Service) { s.registry = reg }
}

// ProviderStatus describes a configured provider.
type ProviderStatus struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Type        string `json:"type"`
	Initialized bool   `json:"initialized"`
}

// Service resolves provider ids from configuration to cached provider
// instances.
type Service struct {
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	audit    audit.Logger
	registry *hsm.Registry
	factory  *hsm.Factory
	tracer   trace.Tracer

	mu          sync.RWMutex
	descriptors map[string]hsm.ProviderConfig
}

// NewService creates a service for the providers in cfg. Providers are not
// initialized until first use unless WarmUp is called.
func NewService(cfg *config.Config, logger *logrus.Logger, opts ...Option) *Service {
	s := &Service{
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = hsm.DefaultRegistry()
	}
	s.factory = hsm.NewFactory(s.registry, hsm.WithInitObserver(s.observeInit))
	s.setConfig(cfg)
	return s
}

func (s *Service) setConfig(cfg *config.Config) {
	descriptors := make(map[string]hsm.ProviderConfig, len(cfg.Providers))
	for _, p := range cfg.Providers {
		descriptors[p.ID] = p
	}
	s.mu.Lock()
	s.descriptors = descriptors
	s.mu.Unlock()
}

func (s *Service) descriptor(id string) (hsm.ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.descriptors[id]
	if !ok {
		return hsm.ProviderConfig{}, &UnknownProviderError{ID: id}
	}
	return d, nil
}

func (s *Service) providerType(cfg hsm.ProviderConfig) string {
	if kind, ok := s.registry.Canonical(cfg.Type); ok {
		return kind
	}
	return cfg.Type
}

func (s *Service) observeInit(cfg hsm.ProviderConfig, elapsed time.Duration, err error) {
	kind := s.providerType(cfg)
	if s.metrics != nil {
		s.metrics.RecordProviderInit(kind, elapsed, err)
	}
	if s.audit != nil {
		s.audit.LogProviderInit(cfg.ID, kind, err, elapsed)
	}

	entry := s.logger.WithFields(logrus.Fields{
		"provider_id":   cfg.ID,
		"provider_type": kind,
		"duration_ms":   elapsed.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("Provider initialization failed")
		return
	}
	entry.Info("Provider initialized")
}

// Sign signs dataHash with the provider configured under providerID.
func (s *Service) Sign(ctx context.Context, providerID, dataHash string, opts hsm.SignOptions) (*hsm.SignResult, error) {
	ctx, span := s.tracer.Start(ctx, "hsm.sign", trace.WithAttributes(
		attribute.String("hsm.provider.id", providerID),
	))
	defer span.End()

	start := time.Now()
	result, kind, err := s.sign(ctx, providerID, dataHash, opts)
	elapsed := time.Since(start)

	span.SetAttributes(attribute.String("hsm.provider.type", kind))
	logger := s.logger.WithFields(logrus.Fields{
		"provider_id":   providerID,
		"provider_type": kind,
		"request_id":    audit.RequestIDFromContext(ctx),
		"duration_ms":   elapsed.Milliseconds(),
	})

	rec := audit.SignRecord{
		ProviderID:   providerID,
		ProviderType: kind,
		KeyID:        opts.KeyID,
		Algorithm:    opts.Algorithm,
		DataHash:     dataHash,
		RequestID:    audit.RequestIDFromContext(ctx),
		Duration:     elapsed,
		Err:          err,
	}

	if err != nil {
		errType := ErrorType(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, errType)
		if s.metrics != nil {
			s.metrics.RecordSign(kind, elapsed, err)
			s.metrics.RecordSignError(kind, errType)
		}
		if s.audit != nil {
			s.audit.LogSign(rec)
		}
		logger.WithError(err).WithField("error_type", errType).Warn("Signing failed")
		return nil, err
	}

	rec.KeyID = result.KeyID
	rec.Algorithm = result.Algorithm
	span.SetAttributes(
		attribute.String("hsm.key_id", result.KeyID),
		attribute.String("hsm.algorithm", result.Algorithm),
	)
	span.SetStatus(codes.Ok, "")
	if s.metrics != nil {
		s.metrics.RecordSign(kind, elapsed, nil)
	}
	if s.audit != nil {
		s.audit.LogSign(rec)
	}
	logger.WithFields(logrus.Fields{
		"key_id":    result.KeyID,
		"algorithm": result.Algorithm,
	}).Debug("Signed digest")
	return result, nil
}

func (s *Service) sign(ctx context.Context, providerID, dataHash string, opts hsm.SignOptions) (*hsm.SignResult, string, error) {
	desc, err := s.descriptor(providerID)
	if err != nil {
		return nil, "", err
	}
	kind := s.providerType(desc)

	p, err := s.provider(ctx, desc)
	if err != nil {
		return nil, kind, err
	}
	// The cached instance may predate a config change
	kind = p.Metadata().Type

	result, err := p.Sign(ctx, dataHash, opts)
	return result, kind, err
}

func (s *Service) provider(ctx context.Context, desc hsm.ProviderConfig) (hsm.Provider, error) {
	if p, ok := s.factory.Lookup(desc.ID); ok {
		return p, nil
	}
	p, err := s.factory.GetProvider(ctx, &desc)
	if err == nil {
		s.updateCacheGauge()
	}
	return p, err
}

// TestConnection checks the provider configured under providerID. A provider
// that cannot be initialized yields an unsuccessful status, not an error;
// errors are reserved for unknown ids.
func (s *Service) TestConnection(ctx context.Context, providerID string) (*hsm.ConnectionStatus, error) {
	ctx, span := s.tracer.Start(ctx, "hsm.test_connection", trace.WithAttributes(
		attribute.String("hsm.provider.id", providerID),
	))
	defer span.End()

	desc, err := s.descriptor(providerID)
	if err != nil {
		span.SetStatus(codes.Error, ErrorTypeUnknownProvider)
		return nil, err
	}
	kind := s.providerType(desc)
	span.SetAttributes(attribute.String("hsm.provider.type", kind))

	var status *hsm.ConnectionStatus
	p, err := s.provider(ctx, desc)
	if err != nil {
		status = &hsm.ConnectionStatus{
			Success:  false,
			Message:  err.Error(),
			Provider: hsm.ProviderInfo{ID: desc.ID, Name: desc.Name, Type: kind},
		}
	} else {
		status, err = p.TestConnection(ctx)
		if err != nil {
			status = &hsm.ConnectionStatus{Success: false, Message: err.Error(), Provider: p.Metadata()}
		}
	}

	if status.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, status.Message)
	}
	if s.metrics != nil {
		s.metrics.RecordConnectionCheck(kind, status.Success)
	}
	if s.audit != nil {
		s.audit.LogConnectionCheck(providerID, kind, status.Success, status.Message, audit.RequestIDFromContext(ctx))
	}
	s.logger.WithFields(logrus.Fields{
		"provider_id":   providerID,
		"provider_type": kind,
		"success":       status.Success,
	}).Info("Connection check completed")

	return status, nil
}

// Providers lists every configured provider, sorted by id.
func (s *Service) Providers() []ProviderStatus {
	s.mu.RLock()
	out := make([]ProviderStatus, 0, len(s.descriptors))
	for _, d := range s.descriptors {
		_, initialized := s.factory.Lookup(d.ID)
		out = append(out, ProviderStatus{
			ID:          d.ID,
			Name:        d.Name,
			Type:        s.providerType(d),
			Initialized: initialized,
		})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WarmUp initializes every configured provider and returns the joined
// initialization errors. Providers that fail remain lazily initializable.
func (s *Service) WarmUp(ctx context.Context) error {
	s.mu.RLock()
	descriptors := make([]hsm.ProviderConfig, 0, len(s.descriptors))
	for _, d := range s.descriptors {
		descriptors = append(descriptors, d)
	}
	s.mu.RUnlock()

	var errs []error
	for i := range descriptors {
		if _, err := s.factory.GetProvider(ctx, &descriptors[i]); err != nil {
			errs = append(errs, err)
		}
	}
	s.updateCacheGauge()
	return errors.Join(errs...)
}

// ApplyConfig swaps in the provider descriptors of cfg. Cached providers whose
// descriptor changed keep serving unless signing.reinit_on_change is set, in
// which case they are rebuilt. A failed rebuild keeps the previous instance.
func (s *Service) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	s.setConfig(cfg)

	var errs []error
	for _, desc := range cfg.Providers {
		if !s.factory.Drifted(desc) {
			continue
		}
		kind := s.providerType(desc)
		logger := s.logger.WithFields(logrus.Fields{
			"provider_id":   desc.ID,
			"provider_type": kind,
		})
		if !cfg.Signing.ReinitOnChange {
			logger.Warn("Provider configuration changed; cached instance keeps serving until restart")
			continue
		}

		d := desc
		_, err := s.factory.Reinitialize(ctx, &d)
		if s.audit != nil {
			s.audit.LogProviderReinit(desc.ID, kind, err)
		}
		if err != nil {
			logger.WithError(err).Error("Provider reinitialization failed")
			errs = append(errs, err)
			continue
		}
		logger.Info("Provider reinitialized")
	}
	s.updateCacheGauge()
	return errors.Join(errs...)
}

// Drifted lists the ids whose cached instance no longer matches the configured
// descriptor.
func (s *Service) Drifted() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, d := range s.descriptors {
		if s.factory.Drifted(d) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Close destroys all cached providers.
func (s *Service) Close(ctx context.Context) error {
	err := s.factory.Close(ctx)
	s.updateCacheGauge()
	return err
}

func (s *Service) updateCacheGauge() {
	if s.metrics != nil {
		s.metrics.SetCachedProviders(len(s.factory.Providers()))
	}
}
