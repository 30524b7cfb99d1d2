// Package sessiontest provides an in-memory proxy transport for tests of the
// session, provider, store and exporter packages.
package sessiontest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jmcleod/tokenlink/proxy"
	"github.com/jmcleod/tokenlink/session"
)

// Dialer hands out Transport on every Dial, or fails with Err.
type Dialer struct {
	Transport *Transport
	Err       error
	// Gate, when non-nil, blocks Dial until closed.
	Gate  chan struct{}
	Dials atomic.Int32
}

func (d *Dialer) Dial(ctx context.Context, _ string) (session.Transport, error) {
	d.Dials.Add(1)
	if d.Gate != nil {
		select {
		case <-d.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.Err != nil {
		return nil, d.Err
	}
	return d.Transport, nil
}

// Transport is a scripted session.Transport.
type Transport struct {
	mu sync.Mutex

	LoggedIn     bool
	PIN          string
	ChallengeErr error
	LoginErr     error
	// LoginGate, when non-nil, makes Login wait until it is closed.
	LoginGate chan struct{}
	// InfoGate, when non-nil, makes Info wait until it is closed.
	InfoGate chan struct{}

	providers []proxy.ProviderInfo
	contexts  map[string]*Context

	ChallengeCalls atomic.Int32
	LoginCalls     atomic.Int32
	InfoCalls      atomic.Int32

	errs      chan error
	closeOnce sync.Once
	Closed    atomic.Bool
}

var _ session.Transport = (*Transport)(nil)

// NewTransport returns a transport that requires a challenge with pin.
func NewTransport(pin string) *Transport {
	return &Transport{
		PIN:      pin,
		contexts: make(map[string]*Context),
		errs:     make(chan error, 1),
	}
}

// SetProviders replaces the provider list returned by Info.
func (t *Transport) SetProviders(providers ...proxy.ProviderInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.providers = providers
}

// AddContext registers the crypto context served for providerID.
func (t *Transport) AddContext(providerID string, c *Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.contexts[providerID] = c
}

// Fail injects an asynchronous transport error.
func (t *Transport) Fail(err error) {
	t.errs <- err
}

func (t *Transport) Errors() <-chan error { return t.errs }

func (t *Transport) IsLoggedIn(context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.LoggedIn, nil
}

func (t *Transport) Challenge(context.Context) (string, error) {
	t.ChallengeCalls.Add(1)
	if t.ChallengeErr != nil {
		return "", t.ChallengeErr
	}
	return t.PIN, nil
}

func (t *Transport) Login(ctx context.Context) error {
	t.LoginCalls.Add(1)
	if t.LoginGate != nil {
		select {
		case <-t.LoginGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if t.LoginErr != nil {
		return t.LoginErr
	}
	t.mu.Lock()
	t.LoggedIn = true
	t.mu.Unlock()
	return nil
}

func (t *Transport) Info(ctx context.Context) (*proxy.InfoResponse, error) {
	t.InfoCalls.Add(1)
	if t.InfoGate != nil {
		select {
		case <-t.InfoGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return &proxy.InfoResponse{
		Name:      "sessiontest",
		Providers: append([]proxy.ProviderInfo(nil), t.providers...),
	}, nil
}

func (t *Transport) CryptoContext(_ context.Context, providerID string) (session.CryptoContext, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.contexts[providerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrProviderUnavailable, providerID)
	}
	c.Opens.Add(1)
	return c, nil
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.Closed.Store(true)
		close(t.errs)
	})
	return nil
}

// Context is a scripted session.CryptoContext.
type Context struct {
	mu sync.Mutex

	LoggedIn bool

	CertIndices []string
	Certs       map[string]*proxy.Certificate
	CertPEM     map[string]string
	KeyList     []string
	Keys        map[string]*proxy.Key
	KeySPKI     map[string][]byte
	// FetchErrs makes Certificate/Key fail for the given index.
	FetchErrs map[string]error

	Opens      atomic.Int32
	ResetCalls atomic.Int32
	LoginCalls atomic.Int32
	CloseCalls atomic.Int32
	// Fetches counts Certificate and Key calls per index.
	Fetches map[string]int

	active    atomic.Int32
	MaxActive atomic.Int32
}

var _ session.CryptoContext = (*Context)(nil)

// NewContext returns an empty, logged-out context.
func NewContext() *Context {
	return &Context{
		Certs:     make(map[string]*proxy.Certificate),
		CertPEM:   make(map[string]string),
		Keys:      make(map[string]*proxy.Key),
		KeySPKI:   make(map[string][]byte),
		FetchErrs: make(map[string]error),
		Fetches:   make(map[string]int),
	}
}

// AddCertificate appends a certificate with the given index and subject.
func (c *Context) AddCertificate(index, subject string) *proxy.Certificate {
	cert := &proxy.Certificate{Index: index, ID: index[len("x509-"):], Type: "x509", SubjectName: subject}
	c.CertIndices = append(c.CertIndices, index)
	c.Certs[index] = cert
	return cert
}

// AddKey appends a key with the given index, type and algorithm.
func (c *Context) AddKey(index, keyType, alg string) *proxy.Key {
	key := &proxy.Key{Index: index, ID: index, Type: keyType, Algorithm: proxy.Algorithm{Name: alg}}
	c.KeyList = append(c.KeyList, index)
	c.Keys[index] = key
	return key
}

func (c *Context) enter() func() {
	n := c.active.Add(1)
	for {
		m := c.MaxActive.Load()
		if n <= m || c.MaxActive.CompareAndSwap(m, n) {
			break
		}
	}
	return func() { c.active.Add(-1) }
}

func (c *Context) Reset(context.Context) error {
	defer c.enter()()
	c.ResetCalls.Add(1)
	return nil
}

func (c *Context) IsLoggedIn(context.Context) (bool, error) {
	defer c.enter()()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.LoggedIn, nil
}

func (c *Context) Login(context.Context) error {
	defer c.enter()()
	c.LoginCalls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LoggedIn = true
	return nil
}

func (c *Context) CertificateIndices(context.Context) ([]string, error) {
	defer c.enter()()
	return append([]string(nil), c.CertIndices...), nil
}

func (c *Context) fetch(index string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Fetches[index]++
	return c.FetchErrs[index]
}

func (c *Context) Certificate(_ context.Context, index string) (*proxy.Certificate, error) {
	defer c.enter()()
	if err := c.fetch(index); err != nil {
		return nil, err
	}
	cert, ok := c.Certs[index]
	if !ok {
		return nil, fmt.Errorf("certificate %s not found", index)
	}
	return cert, nil
}

func (c *Context) ExportCertificate(_ context.Context, _ string, index string) (string, error) {
	defer c.enter()()
	pem, ok := c.CertPEM[index]
	if !ok {
		return "", fmt.Errorf("certificate %s not found", index)
	}
	return pem, nil
}

func (c *Context) KeyIndices(context.Context) ([]string, error) {
	defer c.enter()()
	return append([]string(nil), c.KeyList...), nil
}

func (c *Context) Key(_ context.Context, index string) (*proxy.Key, error) {
	defer c.enter()()
	if err := c.fetch(index); err != nil {
		return nil, err
	}
	key, ok := c.Keys[index]
	if !ok {
		return nil, fmt.Errorf("key %s not found", index)
	}
	return key, nil
}

func (c *Context) ExportKey(_ context.Context, _ string, index string) ([]byte, error) {
	defer c.enter()()
	der, ok := c.KeySPKI[index]
	if !ok {
		return nil, fmt.Errorf("key %s not found", index)
	}
	return der, nil
}

func (c *Context) Close(context.Context) error {
	c.CloseCalls.Add(1)
	return nil
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Authenticated connects a Manager over tr and returns the authenticated session.
func Authenticated(t testing.TB, tr *Transport) (*session.Manager, *session.Session) {
	t.Helper()
	m := session.NewManager(&Dialer{Transport: tr},
		session.WithLogger(DiscardLogger()),
		session.WithPresenter(session.PresenterFunc(func(context.Context, string) error { return nil })))
	s, err := m.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, s
}
