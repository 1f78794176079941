package hsm

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func generateRSAPEM(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return key, string(pem.EncodeToMemory(block))
}

func generateECDSAPEM(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return key, string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))
}

// fakeKMS is an in-memory KMSClient. Responses can be overridden per test.
type fakeKMS struct {
	mu sync.Mutex

	respKeyID     string
	respAlgorithm string
	signature     []byte
	signErr       error

	describe    *KMSKeyInfo
	describeErr error

	calls []fakeKMSCall
}

type fakeKMSCall struct {
	KeyID     string
	Digest    []byte
	Algorithm string
}

func (f *fakeKMS) SignDigest(_ context.Context, keyID string, digest []byte, algorithm string) (*KMSSignature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeKMSCall{KeyID: keyID, Digest: digest, Algorithm: algorithm})
	if f.signErr != nil {
		return nil, f.signErr
	}
	return &KMSSignature{
		KeyID:     firstNonEmpty(f.respKeyID, keyID),
		Algorithm: firstNonEmpty(f.respAlgorithm, algorithm),
		Signature: append([]byte(nil), f.signature...),
	}, nil
}

func (f *fakeKMS) DescribeKey(_ context.Context, keyID string) (*KMSKeyInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	if f.describe != nil {
		return f.describe, nil
	}
	return &KMSKeyInfo{KeyID: keyID, Enabled: true, KeyUsage: "SIGN_VERIFY"}, nil
}

func (f *fakeKMS) lastCall() fakeKMSCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func kmsConfig(id string) ProviderConfig {
	return ProviderConfig{
		ID:              id,
		Type:            "aws-kms",
		Region:          "eu-central-1",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		KeyID:           "alias/batch-signer",
	}
}

// registryWithFakeKMS is DefaultRegistry with the aws-kms constructor bound
// to client.
func registryWithFakeKMS(client KMSClient) *Registry {
	return NewRegistry(
		Registration{
			Type:    TypeMock,
			Aliases: []string{"mock-hsm"},
			New: func(cfg ProviderConfig) (Provider, error) {
				return NewMockProvider(cfg), nil
			},
		},
		Registration{
			Type:    TypeLocalKey,
			Aliases: []string{"local", "software"},
			New: func(cfg ProviderConfig) (Provider, error) {
				return NewLocalKeyProvider(cfg), nil
			},
		},
		Registration{
			Type:    TypeAWSKMS,
			Aliases: []string{"aws", "kms"},
			New: func(cfg ProviderConfig) (Provider, error) {
				return NewAWSKMSProvider(cfg, WithKMSClient(client)), nil
			},
		},
	)
}
