package hsm

import (
	"context"
	"crypto"
	"crypto/rand"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

const (
	// DefaultLocalAlgorithm is used when the config names no algorithm.
	DefaultLocalAlgorithm = "RSA-SHA256"

	// DefaultLocalKeyID is reported when neither the call nor the config names a key.
	DefaultLocalKeyID = "local-key"
)

// LocalKeyProvider signs with a private key held in process memory.
//
// The key shares the address space of the caller, so this provider offers no
// isolation from a compromised process.
type LocalKeyProvider struct {
	Base
	cfg ProviderConfig

	mu        sync.RWMutex
	key       crypto.Signer
	algorithm localAlgorithm
}

// NewLocalKeyProvider creates a local-key provider from cfg. The key is parsed
// by Initialize.
func NewLocalKeyProvider(cfg ProviderConfig) *LocalKeyProvider {
	p := &LocalKeyProvider{cfg: cfg}
	p.Configure(ProviderInfo{
		ID:   cfg.ID,
		Name: firstNonEmpty(cfg.Name, "Local Key"),
		Type: TypeLocalKey,
	}, p.setup, p.teardown)
	return p
}

func (p *LocalKeyProvider) setup(context.Context) error {
	if p.cfg.PrivateKey == "" {
		return missingField(TypeLocalKey, "privateKey")
	}

	key, err := parsePrivateKey(p.cfg.PrivateKey, p.cfg.Passphrase)
	switch {
	case errors.Is(err, errPassphraseRequired):
		return missingField(TypeLocalKey, "passphrase")
	case errors.Is(err, errBadPassphrase):
		return invalidField(TypeLocalKey, "passphrase", "%v", err)
	case err != nil:
		return invalidField(TypeLocalKey, "privateKey", "%v", err)
	}

	alg, err := resolveLocalAlgorithm(firstNonEmpty(p.cfg.Algorithm, DefaultLocalAlgorithm), key)
	if err != nil {
		return invalidField(TypeLocalKey, "algorithm", "%v", err)
	}

	p.mu.Lock()
	p.key = key
	p.algorithm = alg
	p.mu.Unlock()
	return nil
}

func (p *LocalKeyProvider) teardown(context.Context) error {
	p.mu.Lock()
	p.key = nil
	p.mu.Unlock()
	return nil
}

// Sign implements Provider. The UTF-8 bytes of dataHash are signed with the
// configured key and the signature is hex encoded.
func (p *LocalKeyProvider) Sign(ctx context.Context, dataHash string, opts SignOptions) (*SignResult, error) {
	if err := p.EnsureReady(ctx); err != nil {
		return nil, err
	}

	p.mu.RLock()
	key, alg := p.key, p.algorithm
	p.mu.RUnlock()
	if key == nil {
		return nil, ErrProviderDestroyed
	}

	if opts.Algorithm != "" {
		var err error
		if alg, err = resolveLocalAlgorithm(opts.Algorithm, key); err != nil {
			return nil, fmt.Errorf("hsm: local-key sign: %w", err)
		}
	}

	signature, err := signWithKey(key, alg, []byte(dataHash))
	if err != nil {
		return nil, fmt.Errorf("hsm: local-key sign: %w", err)
	}

	keyID := firstNonEmpty(opts.KeyID, p.cfg.KeyID, DefaultLocalKeyID)
	return newResult(p.Metadata(), hex.EncodeToString(signature), keyID, alg.name, map[string]any{
		"keyType": alg.keyType,
	}), nil
}

// TestConnection reports whether the private key is loaded.
func (p *LocalKeyProvider) TestConnection(context.Context) (*ConnectionStatus, error) {
	p.mu.RLock()
	loaded := p.key != nil
	p.mu.RUnlock()

	status := &ConnectionStatus{Success: loaded, Provider: p.Metadata()}
	if loaded {
		status.Message = "private key loaded"
	} else {
		status.Message = "private key not loaded"
	}
	return status, nil
}

// PublicKey returns the public half of the loaded key, or nil before Initialize.
func (p *LocalKeyProvider) PublicKey() crypto.PublicKey {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.key == nil {
		return nil
	}
	return p.key.Public()
}

func signWithKey(key crypto.Signer, alg localAlgorithm, message []byte) ([]byte, error) {
	if alg.hash == 0 {
		return key.Sign(rand.Reader, message, crypto.Hash(0))
	}
	h := alg.hash.New()
	h.Write(message)
	return key.Sign(rand.Reader, h.Sum(nil), alg.hash)
}
