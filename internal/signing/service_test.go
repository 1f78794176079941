package signing

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kenneth/hsm-signing-gateway/internal/audit"
	"github.com/kenneth/hsm-signing-gateway/internal/config"
	"github.com/kenneth/hsm-signing-gateway/internal/hsm"
	"github.com/kenneth/hsm-signing-gateway/internal/metrics"
)

const testHash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

type fakeKMS struct {
	mu      sync.Mutex
	signErr error
	calls   int
}

func (f *fakeKMS) SignDigest(_ context.Context, keyID string, digest []byte, algorithm string) (*hsm.KMSSignature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.signErr != nil {
		return nil, f.signErr
	}
	return &hsm.KMSSignature{KeyID: keyID, Algorithm: algorithm, Signature: []byte("sig")}, nil
}

func (f *fakeKMS) DescribeKey(_ context.Context, keyID string) (*hsm.KMSKeyInfo, error) {
	return &hsm.KMSKeyInfo{KeyID: keyID, Enabled: true, KeyUsage: "SIGN_VERIFY"}, nil
}

func testRegistry(kms hsm.KMSClient) *hsm.Registry {
	return hsm.NewRegistry(
		hsm.Registration{
			Type:    hsm.TypeMock,
			Aliases: []string{"mock-hsm"},
			New: func(cfg hsm.ProviderConfig) (hsm.Provider, error) {
				return hsm.NewMockProvider(cfg), nil
			},
		},
		hsm.Registration{
			Type: hsm.TypeLocalKey,
			New: func(cfg hsm.ProviderConfig) (hsm.Provider, error) {
				return hsm.NewLocalKeyProvider(cfg), nil
			},
		},
		hsm.Registration{
			Type:    hsm.TypeAWSKMS,
			Aliases: []string{"aws"},
			New: func(cfg hsm.ProviderConfig) (hsm.Provider, error) {
				return hsm.NewAWSKMSProvider(cfg, hsm.WithKMSClient(kms)), nil
			},
		},
	)
}

func rsaPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
}

type harness struct {
	svc     *Service
	reg     *prometheus.Registry
	audit   audit.Logger
	kms     *fakeKMS
	spans   *tracetest.SpanRecorder
	logHook *logtest.Hook
}

func newHarness(t *testing.T, providers ...hsm.ProviderConfig) *harness {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	logger, hook := logtest.NewNullLogger()
	reg := prometheus.NewRegistry()
	auditLog := audit.NewLogger(100, audit.NewLogrusWriter(logger))
	kms := &fakeKMS{}

	cfg := &config.Config{Providers: providers}
	svc := NewService(cfg, logger,
		WithRegistry(testRegistry(kms)),
		WithMetrics(metrics.NewMetricsWithRegistry(reg)),
		WithAudit(auditLog),
	)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	return &harness{svc: svc, reg: reg, audit: auditLog, kms: kms, spans: recorder, logHook: hook}
}

func TestService_SignMock(t *testing.T) {
	h := newHarness(t, hsm.ProviderConfig{ID: "batch-signer-1", Type: "mock", KeyID: "K1"})
	ctx := audit.ContextWithRequestID(context.Background(), "req-42")

	result, err := h.svc.Sign(ctx, "batch-signer-1", testHash, hsm.SignOptions{})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "K1", result.KeyID)
	assert.Equal(t, hsm.MockAlgorithm, result.Algorithm)
	assert.Equal(t, hsm.ProviderInfo{ID: "batch-signer-1", Name: "Mock HSM", Type: hsm.TypeMock}, result.Provider)

	count, err := testutil.GatherAndCount(h.reg, "hsm_sign_operations_total", "hsm_provider_initializations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	events := h.audit.Events()
	require.Len(t, events, 2)
	assert.Equal(t, audit.EventTypeProviderInit, events[0].EventType)
	assert.Equal(t, audit.EventTypeSign, events[1].EventType)
	assert.Equal(t, "req-42", events[1].RequestID)
	assert.Equal(t, "K1", events[1].KeyID)
	assert.True(t, events[1].Success)

	spans := h.spans.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "hsm.sign", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("hsm.provider.id", "batch-signer-1"))
	assert.Contains(t, spans[0].Attributes(), attribute.String("hsm.provider.type", hsm.TypeMock))
}

func TestService_SignReusesCachedProvider(t *testing.T) {
	h := newHarness(t, hsm.ProviderConfig{ID: "p", Type: "mock"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.svc.Sign(ctx, "p", testHash, hsm.SignOptions{})
		require.NoError(t, err)
	}

	var inits int
	for _, e := range h.audit.Events() {
		if e.EventType == audit.EventTypeProviderInit {
			inits++
		}
	}
	assert.Equal(t, 1, inits)
}

func TestService_UnknownProvider(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Sign(context.Background(), "missing", testHash, hsm.SignOptions{})
	var unknown *UnknownProviderError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "missing", unknown.ID)
	assert.Equal(t, ErrorTypeUnknownProvider, ErrorType(err))

	_, err = h.svc.TestConnection(context.Background(), "missing")
	require.ErrorAs(t, err, &unknown)
}

func TestService_SignPropagatesKMSErrors(t *testing.T) {
	h := newHarness(t, hsm.ProviderConfig{
		ID: "kms", Type: "aws", Region: "eu-central-1", AccessKeyID: "AKID", SecretAccessKey: "secret", KeyID: "alias/k",
	})
	h.kms.signErr = &smithy.GenericAPIError{Code: "ThrottlingException", Message: "rate exceeded"}

	_, err := h.svc.Sign(context.Background(), "kms", testHash, hsm.SignOptions{})
	var apiErr smithy.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "ThrottlingException", ErrorType(err))
	assert.Equal(t, 1, h.kms.calls)

	count, err := testutil.GatherAndCount(h.reg, "hsm_sign_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	events := h.audit.Events()
	last := events[len(events)-1]
	assert.False(t, last.Success)
	assert.Contains(t, last.Error, "ThrottlingException")
}

func TestService_SignConfigErrorNotCached(t *testing.T) {
	h := newHarness(t, hsm.ProviderConfig{ID: "local", Type: "local-key"})

	_, err := h.svc.Sign(context.Background(), "local", testHash, hsm.SignOptions{})
	require.Error(t, err)
	assert.True(t, hsm.IsConfigError(err))
	assert.Equal(t, ErrorTypeConfig, ErrorType(err))

	assert.Equal(t, []ProviderStatus{{ID: "local", Type: hsm.TypeLocalKey, Initialized: false}}, h.svc.Providers())
}

func TestService_TestConnection(t *testing.T) {
	h := newHarness(t,
		hsm.ProviderConfig{ID: "good", Type: "mock"},
		hsm.ProviderConfig{ID: "bad", Type: "local-key"},
	)
	ctx := context.Background()

	status, err := h.svc.TestConnection(ctx, "good")
	require.NoError(t, err)
	assert.True(t, status.Success)

	status, err = h.svc.TestConnection(ctx, "bad")
	require.NoError(t, err)
	assert.False(t, status.Success)
	assert.Contains(t, status.Message, "privateKey")
	assert.Equal(t, hsm.ProviderInfo{ID: "bad", Type: hsm.TypeLocalKey}, status.Provider)

	var names []string
	for _, s := range h.spans.Ended() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"hsm.test_connection", "hsm.test_connection"}, names)
}

func TestService_WarmUp(t *testing.T) {
	h := newHarness(t,
		hsm.ProviderConfig{ID: "a", Type: "mock"},
		hsm.ProviderConfig{ID: "b", Type: "local-key", PrivateKey: rsaPEM(t)},
		hsm.ProviderConfig{ID: "c", Type: "local-key"},
	)

	err := h.svc.WarmUp(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "privateKey")

	assert.Equal(t, []ProviderStatus{
		{ID: "a", Type: hsm.TypeMock, Initialized: true},
		{ID: "b", Type: hsm.TypeLocalKey, Initialized: true},
		{ID: "c", Type: hsm.TypeLocalKey, Initialized: false},
	}, h.svc.Providers())
}

func TestService_ApplyConfigKeepsCachedInstanceByDefault(t *testing.T) {
	h := newHarness(t, hsm.ProviderConfig{ID: "p", Type: "mock", KeyID: "old"})
	ctx := context.Background()

	_, err := h.svc.Sign(ctx, "p", testHash, hsm.SignOptions{})
	require.NoError(t, err)

	next := &config.Config{Providers: []hsm.ProviderConfig{{ID: "p", Type: "mock", KeyID: "new"}}}
	require.NoError(t, h.svc.ApplyConfig(ctx, next))

	assert.Equal(t, []string{"p"}, h.svc.Drifted())
	result, err := h.svc.Sign(ctx, "p", testHash, hsm.SignOptions{})
	require.NoError(t, err)
	assert.Equal(t, "old", result.KeyID)
}

func TestService_ApplyConfigReinitializes(t *testing.T) {
	h := newHarness(t, hsm.ProviderConfig{ID: "p", Type: "mock", KeyID: "old"})
	ctx := context.Background()

	_, err := h.svc.Sign(ctx, "p", testHash, hsm.SignOptions{})
	require.NoError(t, err)

	next := &config.Config{
		Signing:   config.SigningConfig{ReinitOnChange: true},
		Providers: []hsm.ProviderConfig{{ID: "p", Type: "mock", KeyID: "new"}},
	}
	require.NoError(t, h.svc.ApplyConfig(ctx, next))

	assert.Empty(t, h.svc.Drifted())
	result, err := h.svc.Sign(ctx, "p", testHash, hsm.SignOptions{})
	require.NoError(t, err)
	assert.Equal(t, "new", result.KeyID)

	var reinits int
	for _, e := range h.audit.Events() {
		if e.EventType == audit.EventTypeProviderReinit {
			reinits++
		}
	}
	assert.Equal(t, 1, reinits)
}

func TestService_ApplyConfigFailedReinitKeepsInstance(t *testing.T) {
	h := newHarness(t, hsm.ProviderConfig{ID: "p", Type: "mock", KeyID: "old"})
	ctx := context.Background()

	_, err := h.svc.Sign(ctx, "p", testHash, hsm.SignOptions{})
	require.NoError(t, err)

	next := &config.Config{
		Signing:   config.SigningConfig{ReinitOnChange: true},
		Providers: []hsm.ProviderConfig{{ID: "p", Type: "local-key"}},
	}
	require.Error(t, h.svc.ApplyConfig(ctx, next))

	result, err := h.svc.Sign(ctx, "p", testHash, hsm.SignOptions{})
	require.NoError(t, err)
	assert.Equal(t, "old", result.KeyID)
}

func TestService_ApplyConfigRemovesProvider(t *testing.T) {
	h := newHarness(t, hsm.ProviderConfig{ID: "p", Type: "mock"})
	ctx := context.Background()

	require.NoError(t, h.svc.ApplyConfig(ctx, &config.Config{}))
	_, err := h.svc.Sign(ctx, "p", testHash, hsm.SignOptions{})
	var unknown *UnknownProviderError
	assert.ErrorAs(t, err, &unknown)
}

func TestService_Close(t *testing.T) {
	h := newHarness(t, hsm.ProviderConfig{ID: "p", Type: "mock"})
	ctx := context.Background()

	require.NoError(t, h.svc.WarmUp(ctx))
	require.NoError(t, h.svc.Close(ctx))
	assert.False(t, h.svc.Providers()[0].Initialized)

	// Closing clears the cache, so the next call builds a fresh instance.
	_, err := h.svc.Sign(ctx, "p", testHash, hsm.SignOptions{})
	require.NoError(t, err)
}

func TestErrorType(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&UnknownProviderError{ID: "x"}, ErrorTypeUnknownProvider},
		{&hsm.ConfigError{Field: "region"}, ErrorTypeConfig},
		{hsm.ErrNilConfig, ErrorTypeConfig},
		{&hsm.UnsupportedTypeError{Type: "pkcs11"}, ErrorTypeUnsupported},
		{&hsm.DependencyError{Dependency: "kms"}, ErrorTypeDependency},
		{hsm.ErrProviderDestroyed, ErrorTypeDestroyed},
		{hsm.ErrFactoryClosed, ErrorTypeDestroyed},
		{fmt.Errorf("hsm: aws-kms sign: %w", &smithy.GenericAPIError{Code: "AccessDeniedException"}), "AccessDeniedException"},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), ErrorTypeTimeout},
		{context.Canceled, ErrorTypeCanceled},
		{errors.New("boom"), ErrorTypeSigning},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorType(tt.err), "%v", tt.err)
	}
}
