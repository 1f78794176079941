package hsm

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/youmark/pkcs8"
	"golang.org/x/crypto/ssh"
)

const knownHash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func TestLocalKeyProvider_RSARoundTrip(t *testing.T) {
	ctx := context.Background()
	key, pemKey := generateRSAPEM(t)

	p := NewLocalKeyProvider(ProviderConfig{ID: "local", PrivateKey: pemKey})
	require.NoError(t, p.Initialize(ctx))

	result, err := p.Sign(ctx, knownHash, SignOptions{})
	require.NoError(t, err)
	assert.Equal(t, DefaultLocalAlgorithm, result.Algorithm)
	assert.Equal(t, DefaultLocalKeyID, result.KeyID)
	assert.Equal(t, "rsa", result.Metadata["keyType"])

	sig, err := hex.DecodeString(result.Signature)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte(knownHash))
	assert.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig))
}

func TestLocalKeyProvider_AlgorithmOverride(t *testing.T) {
	ctx := context.Background()
	key, pemKey := generateRSAPEM(t)

	p := NewLocalKeyProvider(ProviderConfig{ID: "local", PrivateKey: pemKey})
	result, err := p.Sign(ctx, knownHash, SignOptions{Algorithm: "rsa-sha512"})
	require.NoError(t, err)
	assert.Equal(t, "RSA-SHA512", result.Algorithm)

	sig, err := hex.DecodeString(result.Signature)
	require.NoError(t, err)
	digest := sha512.Sum512([]byte(knownHash))
	assert.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA512, digest[:], sig))

	_, err = p.Sign(ctx, knownHash, SignOptions{Algorithm: "ECDSA-SHA256"})
	assert.Error(t, err)
}

func TestLocalKeyProvider_KeyIDIsBookkeepingOnly(t *testing.T) {
	ctx := context.Background()
	key, pemKey := generateRSAPEM(t)

	p := NewLocalKeyProvider(ProviderConfig{ID: "local", PrivateKey: pemKey, KeyID: "configured"})
	result, err := p.Sign(ctx, knownHash, SignOptions{KeyID: "other-key"})
	require.NoError(t, err)
	assert.Equal(t, "other-key", result.KeyID)

	sig, err := hex.DecodeString(result.Signature)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte(knownHash))
	assert.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig))
}

func TestLocalKeyProvider_ECDSA(t *testing.T) {
	ctx := context.Background()
	key, pemKey := generateECDSAPEM(t)

	p := NewLocalKeyProvider(ProviderConfig{ID: "local", PrivateKey: pemKey, Algorithm: "SHA256"})
	result, err := p.Sign(ctx, knownHash, SignOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ECDSA-SHA256", result.Algorithm)

	sig, err := hex.DecodeString(result.Signature)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte(knownHash))
	assert.True(t, ecdsa.VerifyASN1(&key.PublicKey, digest[:], sig))
}

func TestLocalKeyProvider_PKCS8Ed25519(t *testing.T) {
	ctx := context.Background()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))

	p := NewLocalKeyProvider(ProviderConfig{ID: "local", PrivateKey: pemKey, Algorithm: "ED25519"})
	result, err := p.Sign(ctx, knownHash, SignOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ED25519", result.Algorithm)

	sig, err := hex.DecodeString(result.Signature)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, []byte(knownHash), sig))
}

func TestLocalKeyProvider_EncryptedPKCS8(t *testing.T) {
	ctx := context.Background()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := pkcs8.MarshalPrivateKey(key, []byte("s3cret"), &pkcs8.Opts{
		Cipher: pkcs8.AES256CBC,
		KDFOpts: pkcs8.PBKDF2Opts{
			SaltSize:       8,
			IterationCount: 1000,
			HMACHash:       crypto.SHA256,
		},
	})
	require.NoError(t, err)
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: der}))

	missing := NewLocalKeyProvider(ProviderConfig{ID: "local", PrivateKey: pemKey})
	err = missing.Initialize(ctx)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "passphrase", cfgErr.Field)

	wrong := NewLocalKeyProvider(ProviderConfig{ID: "local", PrivateKey: pemKey, Passphrase: "nope"})
	err = wrong.Initialize(ctx)
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, []string{"passphrase", "privateKey"}, cfgErr.Field)

	p := NewLocalKeyProvider(ProviderConfig{ID: "local", PrivateKey: pemKey, Passphrase: "s3cret"})
	result, err := p.Sign(ctx, knownHash, SignOptions{})
	require.NoError(t, err)

	sig, err := hex.DecodeString(result.Signature)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte(knownHash))
	assert.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig))
}

func TestLocalKeyProvider_OpenSSHKey(t *testing.T) {
	ctx := context.Background()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "batch signer")
	require.NoError(t, err)

	p := NewLocalKeyProvider(ProviderConfig{
		ID:         "local",
		PrivateKey: string(pem.EncodeToMemory(block)),
		Algorithm:  "ed25519",
	})
	result, err := p.Sign(ctx, knownHash, SignOptions{})
	require.NoError(t, err)

	sig, err := hex.DecodeString(result.Signature)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, []byte(knownHash), sig))
	assert.Equal(t, pub, p.PublicKey())
}

func TestLocalKeyProvider_InitializeErrors(t *testing.T) {
	_, rsaPEM := generateRSAPEM(t)

	tests := []struct {
		name      string
		cfg       ProviderConfig
		wantField string
	}{
		{name: "missing key", cfg: ProviderConfig{ID: "l"}, wantField: "privateKey"},
		{name: "garbage key", cfg: ProviderConfig{ID: "l", PrivateKey: "not a pem"}, wantField: "privateKey"},
		{
			name:      "unsupported block",
			cfg:       ProviderConfig{ID: "l", PrivateKey: "-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"},
			wantField: "privateKey",
		},
		{name: "bad algorithm", cfg: ProviderConfig{ID: "l", PrivateKey: rsaPEM, Algorithm: "MD5"}, wantField: "algorithm"},
		{name: "mismatched algorithm", cfg: ProviderConfig{ID: "l", PrivateKey: rsaPEM, Algorithm: "ED25519"}, wantField: "algorithm"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewLocalKeyProvider(tt.cfg).Initialize(context.Background())
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantField, cfgErr.Field)
			assert.Contains(t, err.Error(), tt.wantField)
			assert.True(t, IsConfigError(err))
		})
	}
}

func TestLocalKeyProvider_TestConnection(t *testing.T) {
	ctx := context.Background()
	_, pemKey := generateRSAPEM(t)
	p := NewLocalKeyProvider(ProviderConfig{ID: "l", PrivateKey: pemKey})

	status, err := p.TestConnection(ctx)
	require.NoError(t, err)
	assert.False(t, status.Success)

	require.NoError(t, p.Initialize(ctx))
	status, err = p.TestConnection(ctx)
	require.NoError(t, err)
	assert.True(t, status.Success)

	require.NoError(t, p.Destroy(ctx))
	assert.Nil(t, p.PublicKey())
}
