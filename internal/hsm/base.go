package hsm

import (
	"context"
	"sync"
)

// State is the lifecycle position of a provider instance.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Base carries the lifecycle shared by every provider. Concrete providers
// embed it, call Configure once from their constructor, and override Sign.
//
// A provider that embeds Base without overriding Sign fails every signing
// call with ErrNotImplemented.
type Base struct {
	info     ProviderInfo
	setup    func(ctx context.Context) error
	teardown func(ctx context.Context) error

	mu    sync.Mutex
	state State
}

// Configure sets the provider identity and its lifecycle hooks. Either hook
// may be nil: a nil setup makes Initialize only mark the provider ready.
func (b *Base) Configure(info ProviderInfo, setup, teardown func(ctx context.Context) error) {
	b.info = info
	b.setup = setup
	b.teardown = teardown
}

// Initialize implements Provider.
func (b *Base) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initializeLocked(ctx)
}

func (b *Base) initializeLocked(ctx context.Context) error {
	if b.state == StateReady {
		return nil
	}
	previous := b.state
	b.state = StateInitializing
	if b.setup != nil {
		if err := b.setup(ctx); err != nil {
			b.state = previous
			return err
		}
	}
	b.state = StateReady
	return nil
}

// EnsureReady initializes the provider on first use. Sign implementations
// call it before touching any state prepared by setup.
func (b *Base) EnsureReady(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateReady:
		return nil
	case StateDestroyed:
		return ErrProviderDestroyed
	}
	return b.initializeLocked(ctx)
}

// Sign implements Provider. Concrete providers must override it.
func (b *Base) Sign(context.Context, string, SignOptions) (*SignResult, error) {
	return nil, ErrNotImplemented
}

// Destroy implements Provider.
func (b *Base) Destroy(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	wasReady := b.state == StateReady
	b.state = StateDestroyed
	if wasReady && b.teardown != nil {
		return b.teardown(ctx)
	}
	return nil
}

// TestConnection implements Provider. The default always reports success.
func (b *Base) TestConnection(context.Context) (*ConnectionStatus, error) {
	return &ConnectionStatus{
		Success:  true,
		Message:  "connection ok",
		Provider: b.info,
	}, nil
}

// Metadata implements Provider.
func (b *Base) Metadata() ProviderInfo {
	return b.info
}

// State returns the current lifecycle state.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
