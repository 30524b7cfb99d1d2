//go:build pkcs11

package pkcs11_test

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/tokenlink/token"
	"github.com/jmcleod/tokenlink/token/pkcs11"
)

// softhsmAvailable returns true if SoftHSM2 is configured for testing.
func softhsmAvailable() bool {
	return os.Getenv("SOFTHSM2_MODULE") != "" &&
		os.Getenv("SOFTHSM2_TOKEN_LABEL") != "" &&
		os.Getenv("SOFTHSM2_PIN") != ""
}

func TestPKCS11Token(t *testing.T) {
	if !softhsmAvailable() {
		t.Skip("SoftHSM2 not configured (set SOFTHSM2_MODULE, SOFTHSM2_TOKEN_LABEL, SOFTHSM2_PIN)")
	}
	tok, err := pkcs11.New(pkcs11.Config{
		ModulePath: os.Getenv("SOFTHSM2_MODULE"),
		TokenLabel: os.Getenv("SOFTHSM2_TOKEN_LABEL"),
	})
	require.NoError(t, err)
	t.Cleanup(tok.Logout)

	_, err = tok.CertificateIndices()
	assert.ErrorIs(t, err, token.ErrNotLoggedIn)

	require.NoError(t, tok.Login(os.Getenv("SOFTHSM2_PIN")))
	assert.True(t, tok.IsLoggedIn())

	keys, err := tok.KeyIndices()
	require.NoError(t, err)
	for _, idx := range keys {
		assert.True(t, strings.HasPrefix(idx, "private-") || strings.HasPrefix(idx, "public-"), idx)
		k, err := tok.Key(idx)
		require.NoError(t, err)
		assert.NotNil(t, k.Public)
	}
	certs, err := tok.CertificateIndices()
	require.NoError(t, err)

	// Lookups walk the slot again when the listing cache is empty.
	require.NoError(t, tok.Reset())
	for _, idx := range keys {
		_, err := tok.Key(idx)
		assert.NoError(t, err, idx)
	}
	tok.Logout()
	require.NoError(t, tok.Login(os.Getenv("SOFTHSM2_PIN")))
	for _, idx := range certs {
		c, err := tok.Certificate(idx)
		require.NoError(t, err, idx)
		assert.Equal(t, idx, c.Index)
	}

	_, err = tok.Key("public-missing")
	assert.ErrorIs(t, err, token.ErrObjectNotFound)
	_, err = tok.Certificate("x509-missing")
	assert.ErrorIs(t, err, token.ErrObjectNotFound)
}
