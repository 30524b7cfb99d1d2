package soft_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/tokenlink/internal/testutil"
	"github.com/jmcleod/tokenlink/internal/util"
	bboltstorage "github.com/jmcleod/tokenlink/storage/bbolt"
	"github.com/jmcleod/tokenlink/storage/memory"
	"github.com/jmcleod/tokenlink/token"
	"github.com/jmcleod/tokenlink/token/soft"
)

var cheapParams = util.Argon2idParams{Time: 1, MemoryKiB: 8 * 1024, Parallelism: 1, KeyLen: 32}

func newToken(t *testing.T) *soft.Token {
	t.Helper()
	tok, err := soft.Create(memory.NewRepository(), "TokenA", "1234",
		soft.WithATR("3B 6F"), soft.WithArgon2idParams(cheapParams))
	require.NoError(t, err)
	return tok
}

func TestCreate(t *testing.T) {
	tok := newToken(t)
	assert.NotEmpty(t, tok.ID())
	assert.Equal(t, "TokenA", tok.Name())
	assert.Equal(t, "3B 6F", tok.ATR())
	assert.False(t, tok.IsLoggedIn())

	_, err := soft.Create(memory.NewRepository(), "empty", "  ")
	assert.Error(t, err)
}

func TestLogin(t *testing.T) {
	tok := newToken(t)

	assert.ErrorIs(t, tok.Login("0000"), token.ErrPINIncorrect)
	assert.False(t, tok.IsLoggedIn())

	require.NoError(t, tok.Login("1234"))
	assert.True(t, tok.IsLoggedIn())

	require.NoError(t, tok.Reset())
	assert.True(t, tok.IsLoggedIn(), "reset keeps login state")

	tok.Logout()
	assert.False(t, tok.IsLoggedIn())
}

func TestStoresRequireLogin(t *testing.T) {
	tok := newToken(t)

	_, err := tok.CertificateIndices()
	assert.ErrorIs(t, err, token.ErrNotLoggedIn)
	_, err = tok.KeyIndices()
	assert.ErrorIs(t, err, token.ErrNotLoggedIn)
	_, err = tok.Certificate("x509-00")
	assert.ErrorIs(t, err, token.ErrNotLoggedIn)
	_, err = tok.Key("public-00")
	assert.ErrorIs(t, err, token.ErrNotLoggedIn)
}

func TestCertificates(t *testing.T) {
	tok := newToken(t)
	chain := testutil.NewValidChain(t)

	pemData := append(chain.Leaf.PEM(), chain.Intermediate.PEM()...)
	indices, err := tok.ImportCertificatePEM(pemData)
	require.NoError(t, err)
	require.Len(t, indices, 2)
	for _, idx := range indices {
		assert.True(t, strings.HasPrefix(idx, "x509-"), idx)
	}

	require.NoError(t, tok.Login("1234"))
	listed, err := tok.CertificateIndices()
	require.NoError(t, err)
	assert.ElementsMatch(t, indices, listed)

	c, err := tok.Certificate(indices[0])
	require.NoError(t, err)
	assert.Equal(t, indices[0], c.Index)
	assert.Equal(t, chain.Leaf.Cert.Raw, c.Cert.Raw)

	_, err = tok.Certificate("x509-ffff")
	assert.ErrorIs(t, err, token.ErrObjectNotFound)
	_, err = tok.Certificate("public-" + c.ID)
	assert.ErrorIs(t, err, token.ErrObjectNotFound)

	_, err = tok.ImportCertificatePEM([]byte("not pem"))
	assert.ErrorIs(t, err, token.ErrInvalidPEM)
}

func TestKeys(t *testing.T) {
	tok := newToken(t)
	pubIndex, privIndex, err := tok.GenerateKey("signing")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(pubIndex, "public-"))
	assert.True(t, strings.HasPrefix(privIndex, "private-"))

	require.NoError(t, tok.Login("1234"))
	indices, err := tok.KeyIndices()
	require.NoError(t, err)
	assert.Equal(t, []string{privIndex, pubIndex}, indices)

	pub, err := tok.Key(pubIndex)
	require.NoError(t, err)
	assert.Equal(t, token.KeyTypePublic, pub.Type)
	assert.Equal(t, "ECDSA", pub.Algorithm)
	assert.Equal(t, "P-256", pub.NamedCurve)
	assert.True(t, pub.Extractable)

	priv, err := tok.Key(privIndex)
	require.NoError(t, err)
	assert.Equal(t, token.KeyTypePrivate, priv.Type)
	assert.False(t, priv.Extractable)
	assert.Equal(t, pub.ID, priv.ID)

	_, err = tok.Key("x509-" + pub.ID)
	assert.ErrorIs(t, err, token.ErrObjectNotFound)
}

func TestDelete(t *testing.T) {
	tok := newToken(t)
	chain := testutil.NewValidChain(t)
	certs, err := tok.ImportCertificatePEM(chain.Leaf.PEM())
	require.NoError(t, err)
	pubIndex, privIndex, err := tok.GenerateKey("signing")
	require.NoError(t, err)

	assert.ErrorIs(t, tok.Delete(certs[0]), token.ErrNotLoggedIn)
	require.NoError(t, tok.Login("1234"))

	require.NoError(t, tok.Delete(certs[0]))
	listed, err := tok.CertificateIndices()
	require.NoError(t, err)
	assert.Empty(t, listed)
	assert.ErrorIs(t, tok.Delete(certs[0]), token.ErrObjectNotFound)

	require.NoError(t, tok.Delete(privIndex))
	keys, err := tok.KeyIndices()
	require.NoError(t, err)
	assert.Empty(t, keys, "both halves are removed")
	assert.ErrorIs(t, tok.Delete(pubIndex), token.ErrObjectNotFound)

	assert.ErrorIs(t, tok.Delete("bogus"), token.ErrObjectNotFound)
	assert.ErrorIs(t, tok.Delete("jwk-1"), token.ErrObjectNotFound)
}

func TestImportKeyPEM(t *testing.T) {
	tok := newToken(t)
	chain := testutil.NewValidChain(t)

	pubIndex, _, err := tok.ImportKeyPEM("leaf", chain.Leaf.KeyPEM(t))
	require.NoError(t, err)

	require.NoError(t, tok.Login("1234"))
	k, err := tok.Key(pubIndex)
	require.NoError(t, err)
	assert.True(t, chain.Leaf.Key.PublicKey.Equal(k.Public))

	_, _, err = tok.ImportKeyPEM("bad", chain.Leaf.PEM())
	assert.ErrorIs(t, err, token.ErrInvalidPEM)
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.db")
	repo, err := bboltstorage.NewRepositoryFromFile(path, nil)
	require.NoError(t, err)

	tok, err := soft.Create(repo, "Persistent", "9999", soft.WithArgon2idParams(cheapParams))
	require.NoError(t, err)
	pubIndex, _, err := tok.GenerateKey("k")
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	repo, err = bboltstorage.NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	all, err := soft.OpenAll(repo)
	require.NoError(t, err)
	require.Len(t, all, 1)
	reopened := all[0]
	assert.Equal(t, tok.ID(), reopened.ID())
	assert.Equal(t, "Persistent", reopened.Name())
	assert.False(t, reopened.IsLoggedIn())

	require.NoError(t, reopened.Login("9999"))
	_, err = reopened.Key(pubIndex)
	assert.NoError(t, err)
}
