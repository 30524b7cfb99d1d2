package verify_test

import (
	"context"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/tokenlink/internal/testutil"
	"github.com/jmcleod/tokenlink/proxy"
	"github.com/jmcleod/tokenlink/verify"
)

func TestVerify_ValidChain(t *testing.T) {
	chain := testutil.NewValidChain(t)
	res := verify.New().Verify(t.Context(),
		[]*x509.Certificate{chain.Leaf.Cert, chain.Intermediate.Cert},
		[]*x509.Certificate{chain.Root.Cert})

	require.True(t, res.OK, res.Message)
	assert.Equal(t, verify.CodeOK, res.Code)
	require.Len(t, res.Chain, 3)
	assert.Equal(t, "CN=user@example.com, O=TestOrg", res.Chain[0].Subject)
	assert.Equal(t, "CN=Test Root CA, O=TestOrg", res.Chain[2].Subject)
	assert.Equal(t, "ECDSA P-256", res.Chain[0].KeyAlgorithm)
	assert.Equal(t, verify.StatusActive, res.Chain[0].Status)
}

func TestVerify_Codes(t *testing.T) {
	chain := testutil.NewValidChain(t)
	other := testutil.NewValidChain(t)
	leaf := []*x509.Certificate{chain.Leaf.Cert, chain.Intermediate.Cert}
	roots := []*x509.Certificate{chain.Root.Cert}

	tests := []struct {
		name    string
		v       *verify.Verifier
		certs   []*x509.Certificate
		trusted []*x509.Certificate
		want    verify.Code
	}{
		{"NoCertificates", verify.New(), nil, roots, verify.CodeNoCertificates},
		{"NoTrustAnchors", verify.New(), leaf, nil, verify.CodeNoTrustAnchors},
		{"UnknownAuthority", verify.New(), leaf, []*x509.Certificate{other.Root.Cert}, verify.CodeUnknownAuthority},
		{"MissingIntermediate", verify.New(), leaf[:1], roots, verify.CodeUnknownAuthority},
		{
			"Expired",
			verify.New(verify.WithClock(func() time.Time { return time.Now().Add(2 * 365 * 24 * time.Hour) })),
			leaf, roots, verify.CodeExpired,
		},
		{
			"WrongUsage",
			verify.New(verify.WithKeyUsages(x509.ExtKeyUsageServerAuth)),
			leaf, roots, verify.CodeOther,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tt.v.Verify(t.Context(), tt.certs, tt.trusted)
			assert.Equal(t, tt.want, res.Code, res.Message)
			assert.False(t, res.OK)
			assert.NotEmpty(t, res.Message)
			assert.Empty(t, res.Chain)
		})
	}
}

func TestVerify_CanceledContext(t *testing.T) {
	chain := testutil.NewValidChain(t)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	res := verify.New().Verify(ctx, []*x509.Certificate{chain.Leaf.Cert}, []*x509.Certificate{chain.Root.Cert})
	assert.Equal(t, verify.CodeOther, res.Code)
}

func TestParsePEM(t *testing.T) {
	chain := testutil.NewValidChain(t)
	bundle := append(chain.Leaf.PEM(), chain.Leaf.KeyPEM(t)...)
	bundle = append(bundle, chain.Root.PEM()...)

	certs, err := verify.ParsePEM(bundle)
	require.NoError(t, err)
	require.Len(t, certs, 2)
	assert.True(t, certs[0].Equal(chain.Leaf.Cert))
	assert.True(t, certs[1].Equal(chain.Root.Cert))

	_, err = verify.ParsePEM([]byte("garbage"))
	assert.ErrorIs(t, err, verify.ErrInvalidPEM)
	_, err = verify.ParsePEM([]byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"))
	assert.ErrorIs(t, err, verify.ErrInvalidPEM)
}

func TestFromProxy(t *testing.T) {
	chain := testutil.NewValidChain(t)
	certs, err := verify.FromProxy([]*proxy.Certificate{
		{Index: "x509-0", Raw: chain.Leaf.Cert.Raw},
	})
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.True(t, certs[0].Equal(chain.Leaf.Cert))

	_, err = verify.FromProxy([]*proxy.Certificate{{Index: "x509-1", Raw: []byte{1, 2}}})
	assert.ErrorContains(t, err, "x509-1")
}

func TestDescribe_Expired(t *testing.T) {
	chain := testutil.NewChain(t, time.Now().Add(-48*time.Hour), time.Now().Add(-24*time.Hour))
	d := verify.Describe(chain.Leaf.Cert, time.Now())
	assert.Equal(t, verify.StatusExpired, d.Status)
	assert.Equal(t, "CN=Test Intermediate CA, O=TestOrg", d.Issuer)
	assert.Len(t, d.FingerprintSHA256, 64)
}

func TestLeafFirst(t *testing.T) {
	chain := testutil.NewValidChain(t)
	inter, leaf := chain.Intermediate.Cert, chain.Leaf.Cert

	got := verify.LeafFirst([]*x509.Certificate{inter, leaf})
	require.Len(t, got, 2)
	assert.Same(t, leaf, got[0])
	assert.Same(t, inter, got[1])

	got = verify.LeafFirst([]*x509.Certificate{leaf, inter})
	assert.Same(t, leaf, got[0])

	res := verify.New().Verify(t.Context(), verify.LeafFirst([]*x509.Certificate{inter, leaf}), []*x509.Certificate{chain.Root.Cert})
	assert.True(t, res.OK, res.Message)
	assert.Equal(t, "CN=user@example.com, O=TestOrg", res.Chain[0].Subject)
}
