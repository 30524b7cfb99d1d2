// Package proxytest runs a proxy server over software tokens for tests.
package proxytest

import (
	"net/http/httptest"
	"testing"

	"github.com/jmcleod/tokenlink/internal/testutil"
	"github.com/jmcleod/tokenlink/internal/util"
	"github.com/jmcleod/tokenlink/proxy/server"
	"github.com/jmcleod/tokenlink/session/sessiontest"
	"github.com/jmcleod/tokenlink/storage/memory"
	"github.com/jmcleod/tokenlink/token"
	"github.com/jmcleod/tokenlink/token/soft"
)

// PIN is the PIN of every fixture token.
const PIN = "1234"

// CheapParams keeps Argon2id fast in tests.
var CheapParams = util.Argon2idParams{Time: 1, MemoryKiB: 8 * 1024, Parallelism: 1, KeyLen: 32}

// Fixture is a running proxy with two tokens. Alpha holds a leaf and an
// intermediate certificate plus one generated key pair; Beta is empty and has
// no ATR.
type Fixture struct {
	Server   *server.Server
	HTTP     *httptest.Server
	Registry *token.Registry
	Alpha    *soft.Token
	Beta     *soft.Token
	Chain    *testutil.Chain

	AlphaCerts      []string
	AlphaPublicKey  string
	AlphaPrivateKey string
}

// Addr is the host:port the proxy listens on.
func (f *Fixture) Addr() string { return f.HTTP.Listener.Addr().String() }

// URL is the base URL of the protocol routes.
func (f *Fixture) URL() string { return f.HTTP.URL + "/v1" }

// New starts a fixture proxy. The server is closed with the test.
func New(t testing.TB, opts ...server.Option) *Fixture {
	t.Helper()
	return NewWith(t, func(*Fixture) []server.Option { return opts })
}

// NewWith is New with server options that depend on the fixture tokens.
func NewWith(t testing.TB, options func(f *Fixture) []server.Option) *Fixture {
	t.Helper()
	repo := memory.NewRepository()
	alpha, err := soft.Create(repo, "Alpha", PIN, soft.WithATR("3B 8F 80 01"), soft.WithArgon2idParams(CheapParams))
	if err != nil {
		t.Fatalf("create alpha: %v", err)
	}
	beta, err := soft.Create(repo, "Beta", PIN, soft.WithArgon2idParams(CheapParams))
	if err != nil {
		t.Fatalf("create beta: %v", err)
	}

	f := &Fixture{Alpha: alpha, Beta: beta, Chain: testutil.NewValidChain(t)}
	bundle := append(f.Chain.Leaf.PEM(), f.Chain.Intermediate.PEM()...)
	if f.AlphaCerts, err = alpha.ImportCertificatePEM(bundle); err != nil {
		t.Fatalf("import certificates: %v", err)
	}
	if err := alpha.Login(PIN); err != nil {
		t.Fatalf("login alpha: %v", err)
	}
	if f.AlphaPublicKey, f.AlphaPrivateKey, err = alpha.GenerateKey("signing"); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	alpha.Logout()

	f.Registry = token.NewRegistry(alpha, beta)
	opts := append([]server.Option{server.WithLogger(sessiontest.DiscardLogger())}, options(f)...)
	f.Server = server.New(f.Registry, opts...)
	f.HTTP = httptest.NewServer(f.Server.Handler())
	t.Cleanup(f.HTTP.Close)
	return f
}
