package hsm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

const (
	// MockSignaturePrefix marks signatures issued by the mock provider. They
	// are not verifiable against any public key.
	MockSignaturePrefix = "mock_sig_"

	// MockAlgorithm is reported for mock signatures.
	MockAlgorithm = "MOCK-SHA256"

	// DefaultMockKeyID is used when neither the call nor the config names a key.
	DefaultMockKeyID = "mock-key-001"
)

// MockOption configures a MockProvider.
type MockOption func(*MockProvider)

// WithClock replaces the time source used to salt mock signatures.
func WithClock(now func() time.Time) MockOption {
	return func(p *MockProvider) {
		p.now = now
	}
}

// MockProvider is a dependency-free signer for tests and environments without
// key material. Sign never fails.
type MockProvider struct {
	Base
	cfg ProviderConfig
	now func() time.Time
}

// NewMockProvider creates a mock provider from cfg.
func NewMockProvider(cfg ProviderConfig, opts ...MockOption) *MockProvider {
	p := &MockProvider{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	p.Configure(ProviderInfo{
		ID:   cfg.ID,
		Name: firstNonEmpty(cfg.Name, "Mock HSM"),
		Type: TypeMock,
	}, nil, nil)
	return p
}

// Sign implements Provider.
func (p *MockProvider) Sign(ctx context.Context, dataHash string, opts SignOptions) (*SignResult, error) {
	if err := p.EnsureReady(ctx); err != nil {
		return nil, err
	}

	keyID := firstNonEmpty(opts.KeyID, p.cfg.KeyID, DefaultMockKeyID)
	timestamp := p.now().UnixMilli()

	sum := sha256.Sum256([]byte(dataHash + keyID + strconv.FormatInt(timestamp, 10)))
	signature := MockSignaturePrefix + hex.EncodeToString(sum[:])

	return newResult(p.Metadata(), signature, keyID, MockAlgorithm, map[string]any{
		"mock":      true,
		"timestamp": timestamp,
	}), nil
}
