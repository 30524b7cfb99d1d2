package client_test

import (
	"context"
	"encoding/hex"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/tokenlink/exporter"
	"github.com/jmcleod/tokenlink/provider"
	"github.com/jmcleod/tokenlink/proxy"
	"github.com/jmcleod/tokenlink/proxy/client"
	"github.com/jmcleod/tokenlink/proxy/proxytest"
	"github.com/jmcleod/tokenlink/proxy/server"
	"github.com/jmcleod/tokenlink/session"
	"github.com/jmcleod/tokenlink/session/sessiontest"
	"github.com/jmcleod/tokenlink/store"
)

// operator approves challenge PINs through the admin routes.
func operator(t *testing.T, f *proxytest.Fixture) session.Presenter {
	admin := client.New(client.WithLogger(sessiontest.DiscardLogger())).Admin(f.Addr())
	return session.PresenterFunc(func(ctx context.Context, pin string) error {
		_, err := admin.Approve(ctx, pin)
		return err
	})
}

func connect(t *testing.T, f *proxytest.Fixture, opts ...client.Option) (*session.Manager, *session.Session) {
	t.Helper()
	opts = append([]client.Option{client.WithLogger(sessiontest.DiscardLogger()), client.WithHeartbeat(0)}, opts...)
	m := session.NewManager(client.New(opts...),
		session.WithEndpoint(f.Addr()),
		session.WithPresenter(operator(t, f)),
		session.WithLogger(sessiontest.DiscardLogger()))
	t.Cleanup(func() { m.Close() })
	s, err := m.Connect(t.Context())
	require.NoError(t, err)
	require.Equal(t, session.Authenticated, s.State())
	return m, s
}

func TestEndToEnd(t *testing.T) {
	f := proxytest.NewWith(t, func(f *proxytest.Fixture) []server.Option {
		return []server.Option{server.WithTokenPIN(f.Alpha.ID(), proxytest.PIN)}
	})
	_, s := connect(t, f)
	ctx := t.Context()

	reg := provider.NewRegistry(provider.WithLogger(sessiontest.DiscardLogger()))
	providers, err := reg.List(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, []provider.Provider{
		{ID: f.Alpha.ID(), Name: "Alpha", ATR: "3B 8F 80 01"},
		{ID: f.Beta.ID(), Name: "Beta", ATR: provider.NoATR},
	}, providers)

	enum := store.NewEnumerator(store.WithLogger(sessiontest.DiscardLogger()))
	res, err := enum.Enumerate(ctx, s, f.Alpha.ID())
	require.NoError(t, err)
	assert.Empty(t, res.Failures)
	require.Len(t, res.Items, 4)
	assert.Len(t, res.Certificates, 2)
	assert.Len(t, res.PublicKeys, 1)
	assert.Len(t, res.PrivateKeys, 1)
	for _, it := range res.Items[:2] {
		assert.Equal(t, store.KindCertificate, it.Kind)
	}
	for _, it := range res.Items[2:] {
		assert.Equal(t, "ECDSA", it.Label)
	}

	exp := exporter.New(exporter.WithLogger(sessiontest.DiscardLogger()))
	out, err := exp.Export(ctx, s, f.Alpha.ID(), f.AlphaCerts[0])
	require.NoError(t, err)
	assert.Equal(t, string(f.Chain.Leaf.PEM()), out.PEM)

	out, err = exp.Export(ctx, s, f.Alpha.ID(), f.AlphaPublicKey)
	require.NoError(t, err)
	assert.Contains(t, out.PEM, "-----BEGIN PUBLIC KEY-----")
	raw, err := hex.DecodeString(out.Hex)
	require.NoError(t, err)
	assert.Equal(t, out.PEM, string(raw))

	_, err = exp.Export(ctx, s, f.Alpha.ID(), f.AlphaPrivateKey)
	assert.ErrorIs(t, err, exporter.ErrUnsupportedItemKind)

	_, err = enum.Enumerate(ctx, s, "missing")
	assert.ErrorIs(t, err, session.ErrProviderUnavailable)
}

func TestEnumerateWaitsForOperatorUnlock(t *testing.T) {
	f := proxytest.New(t)
	_, s := connect(t, f)

	go func() {
		admin := client.New(client.WithLogger(sessiontest.DiscardLogger())).Admin(f.Addr())
		for ctx := t.Context(); ctx.Err() == nil; time.Sleep(10 * time.Millisecond) {
			pending, err := admin.Pending(ctx)
			if err != nil {
				return
			}
			if len(pending.Tokens) > 0 {
				admin.Unlock(ctx, pending.Tokens[0], proxytest.PIN)
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	res, err := store.NewEnumerator(store.WithLogger(sessiontest.DiscardLogger())).Enumerate(ctx, s, f.Beta.ID())
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.True(t, f.Beta.IsLoggedIn())
}

func TestTokenLoginDeadline(t *testing.T) {
	f := proxytest.New(t)
	_, s := connect(t, f)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err := exporter.New(exporter.WithLogger(sessiontest.DiscardLogger())).Export(ctx, s, f.Beta.ID(), "x509-00")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, session.Authenticated, s.State(), "a timed out call does not fail the session")
}

func TestDialNoProxy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	m := session.NewManager(client.New(client.WithLogger(sessiontest.DiscardLogger())),
		session.WithEndpoint(addr),
		session.WithLogger(sessiontest.DiscardLogger()))
	defer m.Close()

	s, err := m.Connect(t.Context())
	assert.ErrorIs(t, err, session.ErrConnection)
	require.NotNil(t, s)
	assert.Equal(t, session.Failed, s.State())
}

func TestHeartbeatDetectsLostProxy(t *testing.T) {
	f := proxytest.New(t)
	_, s := connect(t, f, client.WithHeartbeat(20*time.Millisecond))

	// Drain the connect events.
	for len(s.Events()) > 0 {
		<-s.Events()
	}
	f.HTTP.Close()

	select {
	case ev := <-s.Events():
		assert.Equal(t, session.EventError, ev.Type)
		assert.ErrorIs(t, ev.Err, session.ErrConnection)
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat did not report the lost proxy")
	}
	assert.Equal(t, session.Failed, s.State())

	err := s.Call(t.Context(), func(context.Context, session.Transport) error { return nil })
	assert.ErrorIs(t, err, session.ErrConnection)
}

func TestLostProxyFailsSession(t *testing.T) {
	f := proxytest.New(t)
	_, s := connect(t, f)
	ctx := t.Context()
	f.HTTP.Close()

	reg := provider.NewRegistry(provider.WithLogger(sessiontest.DiscardLogger()))
	_, err := reg.List(ctx, s)
	assert.ErrorIs(t, err, session.ErrConnection)
	assert.Equal(t, session.Failed, s.State())
	assert.ErrorIs(t, s.Err(), session.ErrConnection)

	enum := store.NewEnumerator(store.WithLogger(sessiontest.DiscardLogger()))
	res, err := enum.Enumerate(ctx, s, f.Alpha.ID())
	assert.ErrorIs(t, err, session.ErrConnection)
	assert.Nil(t, res)
	_, ok := enum.Latest(f.Alpha.ID())
	assert.False(t, ok)
}

func TestErrorUnwrap(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{proxy.CodeNotAuthenticated, session.ErrNotAuthenticated},
		{proxy.CodeSessionUnknown, session.ErrConnection},
		{proxy.CodeProviderUnavailable, session.ErrProviderUnavailable},
		{proxy.CodeNotFound, client.ErrNotFound},
		{proxy.CodeTokenLocked, client.ErrTokenLocked},
		{proxy.CodePINIncorrect, client.ErrPINIncorrect},
		{proxy.CodeRateLimited, client.ErrRateLimited},
		{proxy.CodeBadRequest, client.ErrBadRequest},
		{proxy.CodeInternal, client.ErrRemote},
	}
	for _, tt := range tests {
		err := error(&client.Error{StatusCode: 400, Code: tt.code, Message: "x"})
		assert.ErrorIs(t, err, tt.want, tt.code)
	}
}

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:31337/v1", client.BaseURL(proxy.DefaultAddress))
	assert.Equal(t, "https://proxy.local/v1", client.BaseURL("https://proxy.local/"))
}

func TestAdmin(t *testing.T) {
	f := proxytest.New(t)
	admin := client.New(client.WithLogger(sessiontest.DiscardLogger())).Admin(f.Addr())
	ctx := t.Context()

	pending, err := admin.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending.Sessions)

	_, err = admin.Approve(ctx, "000000")
	assert.ErrorIs(t, err, client.ErrPINIncorrect)

	err = admin.Unlock(ctx, f.Alpha.ID(), "9999")
	assert.ErrorIs(t, err, client.ErrPINIncorrect)
	assert.False(t, f.Alpha.IsLoggedIn())

	require.NoError(t, admin.Unlock(ctx, f.Alpha.ID(), proxytest.PIN))
	assert.True(t, f.Alpha.IsLoggedIn())

	err = admin.Unlock(ctx, "missing", proxytest.PIN)
	assert.ErrorIs(t, err, session.ErrProviderUnavailable)
}
