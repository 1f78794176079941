package hsm

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// InitObserver is notified after every provider initialization attempt made
// by a Factory.
type InitObserver func(cfg ProviderConfig, elapsed time.Duration, err error)

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithInitObserver registers fn to be called after each initialization.
func WithInitObserver(fn InitObserver) FactoryOption {
	return func(f *Factory) {
		f.observers = append(f.observers, fn)
	}
}

type cachedProvider struct {
	provider Provider
	cfg      ProviderConfig
}

// Factory resolves provider descriptors to initialized, cached instances. At
// most one live instance exists per descriptor id.
//
// A cache hit returns the existing instance and ignores the descriptor it was
// called with; use Drifted to detect that case and Reinitialize to replace the
// instance explicitly.
type Factory struct {
	registry  *Registry
	observers []InitObserver

	mu         sync.RWMutex
	instances  map[string]cachedProvider
	generation uint64
	inflight   singleflight.Group

	// idLocks serializes building and replacing the instance of one id.
	idLocksMu sync.Mutex
	idLocks   map[string]*sync.Mutex
}

// NewFactory creates a factory over registry. A nil registry selects
// DefaultRegistry.
func NewFactory(registry *Registry, opts ...FactoryOption) *Factory {
	if registry == nil {
		registry = DefaultRegistry()
	}
	f := &Factory{
		registry:  registry,
		instances: make(map[string]cachedProvider),
		idLocks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

var (
	defaultFactory     *Factory
	defaultFactoryOnce sync.Once
)

// Default returns the process-wide factory over DefaultRegistry.
func Default() *Factory {
	defaultFactoryOnce.Do(func() {
		defaultFactory = NewFactory(DefaultRegistry())
	})
	return defaultFactory
}

// Registry returns the registry the factory resolves types against.
func (f *Factory) Registry() *Registry {
	return f.registry
}

// GetProvider returns the initialized provider for cfg.ID, creating it on
// first use. Concurrent first calls for the same id share one initialization;
// they also share the context of the call that started it.
func (f *Factory) GetProvider(ctx context.Context, cfg *ProviderConfig) (Provider, error) {
	if err := validateDescriptor(cfg); err != nil {
		return nil, err
	}

	if p, ok := f.Lookup(cfg.ID); ok {
		return p, nil
	}

	desc := *cfg
	v, err, _ := f.inflight.Do(desc.ID, func() (any, error) {
		unlock := f.lockID(desc.ID)
		defer unlock()

		if p, ok := f.Lookup(desc.ID); ok {
			return p, nil
		}
		gen := f.currentGeneration()
		p, err := f.build(ctx, desc)
		if err != nil {
			return nil, err
		}
		if _, _, err := f.store(ctx, desc, p, gen); err != nil {
			return nil, err
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Provider), nil
}

// Reinitialize replaces the cached instance for cfg.ID with a fresh one built
// from cfg. It waits for any initialization of the same id already in flight.
// The previous instance is destroyed only after the new one initializes
// successfully.
func (f *Factory) Reinitialize(ctx context.Context, cfg *ProviderConfig) (Provider, error) {
	if err := validateDescriptor(cfg); err != nil {
		return nil, err
	}

	desc := *cfg
	unlock := f.lockID(desc.ID)
	defer unlock()

	gen := f.currentGeneration()
	p, err := f.build(ctx, desc)
	if err != nil {
		return nil, err
	}
	old, had, err := f.store(ctx, desc, p, gen)
	if err != nil {
		return nil, err
	}
	if had {
		if err := old.provider.Destroy(ctx); err != nil {
			return p, err
		}
	}
	return p, nil
}

// Lookup returns the cached instance for id without creating one.
func (f *Factory) Lookup(id string) (Provider, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.instances[id]
	return entry.provider, ok
}

// Drifted reports whether the instance cached for cfg.ID was created from a
// descriptor different from cfg. It is false when nothing is cached.
func (f *Factory) Drifted(cfg ProviderConfig) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.instances[cfg.ID]
	return ok && entry.cfg != cfg
}

// Providers returns the metadata of every cached instance, sorted by id.
func (f *Factory) Providers() []ProviderInfo {
	f.mu.RLock()
	infos := make([]ProviderInfo, 0, len(f.instances))
	for _, entry := range f.instances {
		infos = append(infos, entry.provider.Metadata())
	}
	f.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Close destroys every cached instance and empties the cache. Initializations
// still running when Close is called fail with ErrFactoryClosed. The factory
// stays usable afterwards.
func (f *Factory) Close(ctx context.Context) error {
	f.mu.Lock()
	instances := f.instances
	f.instances = make(map[string]cachedProvider)
	f.generation++
	f.mu.Unlock()

	var errs []error
	for _, entry := range instances {
		if err := entry.provider.Destroy(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Factory) lockID(id string) (unlock func()) {
	f.idLocksMu.Lock()
	l, ok := f.idLocks[id]
	if !ok {
		l = &sync.Mutex{}
		f.idLocks[id] = l
	}
	f.idLocksMu.Unlock()

	l.Lock()
	return l.Unlock
}

func (f *Factory) currentGeneration() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.generation
}

// store caches p under desc.ID and returns the entry it replaced. An instance
// built across a Close is destroyed instead of cached.
func (f *Factory) store(ctx context.Context, desc ProviderConfig, p Provider, gen uint64) (cachedProvider, bool, error) {
	f.mu.Lock()
	if f.generation != gen {
		f.mu.Unlock()
		_ = p.Destroy(ctx)
		return cachedProvider{}, false, ErrFactoryClosed
	}
	old, had := f.instances[desc.ID]
	f.instances[desc.ID] = cachedProvider{provider: p, cfg: desc}
	f.mu.Unlock()
	return old, had, nil
}

func (f *Factory) build(ctx context.Context, cfg ProviderConfig) (Provider, error) {
	ctor, ok := f.registry.Lookup(cfg.Type)
	if !ok {
		return nil, &UnsupportedTypeError{Type: cfg.Type}
	}
	p, err := ctor(cfg)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	err = p.Initialize(ctx)
	for _, observe := range f.observers {
		observe(cfg, time.Since(start), err)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func validateDescriptor(cfg *ProviderConfig) error {
	if cfg == nil {
		return ErrNilConfig
	}
	if strings.TrimSpace(cfg.Type) == "" {
		return missingField("", "type")
	}
	return nil
}
