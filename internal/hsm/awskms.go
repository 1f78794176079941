package hsm

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
)

const (
	// DefaultKMSAlgorithm is the KMS signing algorithm used when neither the
	// call nor the config names one.
	DefaultKMSAlgorithm = "RSASSA_PKCS1_V1_5_SHA_256"

	kmsDependency = "github.com/aws/aws-sdk-go-v2/service/kms"
)

// KMSSignature is the service's answer to a signing request. KeyID and
// Algorithm are the values confirmed by the service.
type KMSSignature struct {
	KeyID     string
	Algorithm string
	Signature []byte
}

// KMSKeyInfo is the subset of key metadata used for liveness checks.
type KMSKeyInfo struct {
	KeyID    string
	Enabled  bool
	KeyUsage string
}

// KMSClient is the narrow view of a key management service used by
// AWSKMSProvider.
type KMSClient interface {
	SignDigest(ctx context.Context, keyID string, digest []byte, algorithm string) (*KMSSignature, error)
	DescribeKey(ctx context.Context, keyID string) (*KMSKeyInfo, error)
}

// kmsClientFactory builds the SDK-backed client. It is nil in builds that
// exclude the AWS SDK (-tags nokms).
var kmsClientFactory func(ctx context.Context, cfg ProviderConfig) (KMSClient, error)

// AWSKMSOption configures an AWSKMSProvider.
type AWSKMSOption func(*AWSKMSProvider)

// WithKMSClient makes the provider use client instead of building one from
// the config credentials.
func WithKMSClient(client KMSClient) AWSKMSOption {
	return func(p *AWSKMSProvider) {
		p.client = client
		p.injected = true
	}
}

// AWSKMSProvider delegates signing to AWS KMS; key material never enters the
// process.
type AWSKMSProvider struct {
	Base
	cfg ProviderConfig

	mu       sync.RWMutex
	client   KMSClient
	injected bool
}

// NewAWSKMSProvider creates an AWS KMS provider from cfg. The client is built
// by Initialize.
func NewAWSKMSProvider(cfg ProviderConfig, opts ...AWSKMSOption) *AWSKMSProvider {
	p := &AWSKMSProvider{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	p.Configure(ProviderInfo{
		ID:   cfg.ID,
		Name: firstNonEmpty(cfg.Name, "AWS KMS"),
		Type: TypeAWSKMS,
	}, p.setup, p.teardown)
	return p
}

func (p *AWSKMSProvider) setup(ctx context.Context) error {
	required := []struct{ field, value string }{
		{"region", p.cfg.Region},
		{"accessKeyId", p.cfg.AccessKeyID},
		{"secretAccessKey", p.cfg.SecretAccessKey},
		{"keyId", p.cfg.KeyID},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return missingField(TypeAWSKMS, r.field)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return nil
	}
	if kmsClientFactory == nil {
		return &DependencyError{Provider: TypeAWSKMS, Dependency: kmsDependency}
	}
	client, err := kmsClientFactory(ctx, p.cfg)
	if err != nil {
		return fmt.Errorf("hsm: aws-kms: failed to create client: %w", err)
	}
	p.client = client
	return nil
}

func (p *AWSKMSProvider) teardown(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.injected {
		p.client = nil
	}
	return nil
}

func (p *AWSKMSProvider) kmsClient() KMSClient {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}

// Sign implements Provider. dataHash is hex decoded and sent as a digest; the
// service does not hash it again. The returned key id and algorithm are the
// ones reported by the service.
func (p *AWSKMSProvider) Sign(ctx context.Context, dataHash string, opts SignOptions) (*SignResult, error) {
	if err := p.EnsureReady(ctx); err != nil {
		return nil, err
	}
	client := p.kmsClient()
	if client == nil {
		return nil, ErrProviderDestroyed
	}

	digest, err := hex.DecodeString(trimHexPrefix(dataHash))
	if err != nil {
		return nil, fmt.Errorf("hsm: aws-kms sign: data hash is not valid hex: %w", err)
	}

	keyID := firstNonEmpty(opts.KeyID, p.cfg.KeyID)
	algorithm := firstNonEmpty(opts.Algorithm, p.cfg.Algorithm, DefaultKMSAlgorithm)

	out, err := client.SignDigest(ctx, keyID, digest, algorithm)
	if err != nil {
		return nil, fmt.Errorf("hsm: aws-kms sign: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("hsm: aws-kms sign: %w", errEmptyKMSResponse)
	}

	return newResult(p.Metadata(), base64.StdEncoding.EncodeToString(out.Signature), out.KeyID, out.Algorithm, map[string]any{
		"kmsKeyId":         out.KeyID,
		"signingAlgorithm": out.Algorithm,
		"requestedKeyId":   keyID,
	}), nil
}

var errEmptyKMSResponse = errors.New("empty response from key management service")

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// TestConnection describes the configured key and reports whether it is
// enabled for signing. A failed check is reported in the status, not as an
// error.
func (p *AWSKMSProvider) TestConnection(ctx context.Context) (*ConnectionStatus, error) {
	status := &ConnectionStatus{Provider: p.Metadata()}
	if err := p.EnsureReady(ctx); err != nil {
		status.Message = err.Error()
		return status, nil
	}
	client := p.kmsClient()
	if client == nil {
		status.Message = ErrProviderDestroyed.Error()
		return status, nil
	}

	info, err := client.DescribeKey(ctx, p.cfg.KeyID)
	switch {
	case err != nil:
		status.Message = fmt.Sprintf("describe key failed: %v", err)
	case info == nil:
		status.Message = fmt.Sprintf("describe key failed: %v", errEmptyKMSResponse)
	case !info.Enabled:
		status.Message = fmt.Sprintf("key %s is disabled", info.KeyID)
	case info.KeyUsage != "" && info.KeyUsage != "SIGN_VERIFY":
		status.Message = fmt.Sprintf("key %s has usage %s, want SIGN_VERIFY", info.KeyID, info.KeyUsage)
	default:
		status.Success = true
		status.Message = fmt.Sprintf("key %s is enabled for signing", info.KeyID)
	}
	return status, nil
}
