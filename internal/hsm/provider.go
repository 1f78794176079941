package hsm

import "context"

// Provider abstracts a signing backend that holds (or stands in for) private
// key material and signs digests on behalf of the caller.
//
// Implementations must return a SignResult with the same shape regardless of
// the backend, so callers never need to know which provider is active.
type Provider interface {
	// Initialize prepares the provider (parses keys, builds clients). It is
	// idempotent and fails fast when required configuration is missing.
	Initialize(ctx context.Context) error

	// Sign signs the hex-encoded digest. A provider that has not been
	// initialized initializes itself first.
	Sign(ctx context.Context, dataHash string, opts SignOptions) (*SignResult, error)

	// Destroy reverses Initialize.
	Destroy(ctx context.Context) error

	// TestConnection reports whether the backend is usable.
	TestConnection(ctx context.Context) (*ConnectionStatus, error)

	// Metadata returns the identity of the provider. It performs no I/O and is
	// available before Initialize.
	Metadata() ProviderInfo
}

// ProviderConfig describes one configured provider instance. It is supplied by
// the caller and never mutated. All fields are strings so descriptors can be
// compared with ==.
type ProviderConfig struct {
	ID   string `yaml:"id" json:"id"`
	Type string `yaml:"type" json:"type"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// KeyID is the default key identifier (bookkeeping for mock and local-key,
	// the KMS key for aws-kms).
	KeyID     string `yaml:"key_id,omitempty" json:"keyId,omitempty"`
	Algorithm string `yaml:"algorithm,omitempty" json:"algorithm,omitempty"`

	// Local key.
	PrivateKey string `yaml:"private_key,omitempty" json:"-"`
	Passphrase string `yaml:"passphrase,omitempty" json:"-"`

	// AWS KMS.
	Region          string `yaml:"region,omitempty" json:"region,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" json:"-"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" json:"-"`
	SessionToken    string `yaml:"session_token,omitempty" json:"-"`
	Endpoint        string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

// SignOptions carries optional per-call overrides.
type SignOptions struct {
	KeyID     string `json:"keyId,omitempty"`
	Algorithm string `json:"algorithm,omitempty"`
}

// ProviderInfo identifies a provider instance.
type ProviderInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// SignResult is returned by every provider's Sign.
type SignResult struct {
	Success   bool           `json:"success"`
	Signature string         `json:"signature"`
	KeyID     string         `json:"keyId"`
	Algorithm string         `json:"algorithm"`
	UsedHSM   bool           `json:"usedHsm"`
	Provider  ProviderInfo   `json:"provider"`
	Metadata  map[string]any `json:"metadata"`
}

// ConnectionStatus is the outcome of a liveness check.
type ConnectionStatus struct {
	Success  bool         `json:"success"`
	Message  string       `json:"message"`
	Provider ProviderInfo `json:"provider"`
}

// Canonical provider kinds reported in ProviderInfo.Type.
const (
	TypeMock     = "mock"
	TypeLocalKey = "local-key"
	TypeAWSKMS   = "aws-kms"
)

func newResult(info ProviderInfo, signature, keyID, algorithm string, metadata map[string]any) *SignResult {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &SignResult{
		Success:   true,
		Signature: signature,
		KeyID:     keyID,
		Algorithm: algorithm,
		UsedHSM:   true,
		Provider:  info,
		Metadata:  metadata,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
