package store_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/tokenlink/session"
	"github.com/jmcleod/tokenlink/session/sessiontest"
	"github.com/jmcleod/tokenlink/store"
)

func newEnumerator() *store.Enumerator {
	return store.NewEnumerator(store.WithLogger(sessiontest.DiscardLogger()))
}

func indices(items []store.Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Index)
	}
	return out
}

func setup(t *testing.T) (*sessiontest.Context, *session.Session) {
	t.Helper()
	tr := sessiontest.NewTransport("1")
	cc := sessiontest.NewContext()
	tr.AddContext("p1", cc)
	_, s := sessiontest.Authenticated(t, tr)
	return cc, s
}

func TestEnumerate_IsolatesCertificateFailure(t *testing.T) {
	cc, s := setup(t)
	cc.AddCertificate("x509-0", "CN=Alice")
	cc.AddCertificate("x509-1", "CN=Broken")
	cc.FetchErrs["x509-1"] = errors.New("corrupt object")
	cc.AddKey("private-k1", "private", "ECDSA")
	cc.AddKey("public-k1", "public", "ECDSA")

	res, err := newEnumerator().Enumerate(t.Context(), s, "p1")
	require.NoError(t, err)

	assert.Equal(t, []string{"x509-0", "private-k1", "public-k1"}, indices(res.Items))
	assert.Equal(t, store.Item{Index: "x509-0", ID: "0", Kind: store.KindCertificate, Label: "CN=Alice"}, res.Items[0])
	assert.Equal(t, store.KindPrivateKey, res.Items[1].Kind)
	assert.Equal(t, "ECDSA", res.Items[1].Label)
	assert.Len(t, res.Certificates, 1)
	assert.Len(t, res.PrivateKeys, 1)
	assert.Len(t, res.PublicKeys, 1)

	require.Len(t, res.Failures, 1)
	assert.Equal(t, "x509-1", res.Failures[0].Index)
	assert.ErrorIs(t, res.Failures[0], store.ErrItemFetch)
	assert.Equal(t, 1, cc.Fetches["x509-1"])
}

func TestEnumerate_OneOfNCertificatesFails(t *testing.T) {
	for bad := 0; bad < 4; bad++ {
		cc, s := setup(t)
		for i := 0; i < 4; i++ {
			idx := "x509-" + string(rune('a'+i))
			cc.AddCertificate(idx, idx)
			if i == bad {
				cc.FetchErrs[idx] = errors.New("boom")
			}
		}
		res, err := newEnumerator().Enumerate(t.Context(), s, "p1")
		require.NoError(t, err)
		assert.Len(t, res.Items, 3)
		assert.Len(t, res.Failures, 1)
	}
}

func TestEnumerate_KeyRoutingAndOrder(t *testing.T) {
	cc, s := setup(t)
	cc.AddCertificate("x509-b", "CN=B")
	cc.AddCertificate("x509-a", "CN=A")
	cc.AddKey("public-2", "public", "RSASSA-PKCS1-v1_5")
	cc.AddKey("private-1", "private", "ECDSA")
	cc.AddKey("public-1", "public", "ECDSA")

	res, err := newEnumerator().Enumerate(t.Context(), s, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"x509-b", "x509-a", "public-2", "private-1", "public-1"}, indices(res.Items))
	require.Len(t, res.PublicKeys, 2)
	assert.Equal(t, "public-2", res.PublicKeys[0].Index)
	assert.Equal(t, "public-1", res.PublicKeys[1].Index)
	require.Len(t, res.PrivateKeys, 1)
	assert.Equal(t, "private-1", res.PrivateKeys[0].Index)
	assert.Empty(t, res.Failures)
}

func TestEnumerate_KindMismatchIsItemFailure(t *testing.T) {
	cc, s := setup(t)
	cc.AddKey("public-1", "private", "ECDSA")
	cc.AddKey("public-2", "secret", "AES-GCM")
	cc.AddKey("public-3", "public", "ECDSA")

	res, err := newEnumerator().Enumerate(t.Context(), s, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"public-3"}, indices(res.Items))
	require.Len(t, res.Failures, 2)
	assert.ErrorIs(t, res.Failures[0], store.ErrKindMismatch)
	assert.ErrorIs(t, res.Failures[1], store.ErrKindMismatch)
}

func TestEnumerate_TokenLogin(t *testing.T) {
	t.Run("LoggedOut", func(t *testing.T) {
		cc, s := setup(t)
		_, err := newEnumerator().Enumerate(t.Context(), s, "p1")
		require.NoError(t, err)
		assert.Equal(t, int32(1), cc.LoginCalls.Load())
		assert.Equal(t, int32(1), cc.ResetCalls.Load())
	})

	t.Run("AlreadyLoggedIn", func(t *testing.T) {
		cc, s := setup(t)
		cc.LoggedIn = true
		e := newEnumerator()
		for i := 0; i < 3; i++ {
			_, err := e.Enumerate(t.Context(), s, "p1")
			require.NoError(t, err)
		}
		assert.Zero(t, cc.LoginCalls.Load())
		assert.Equal(t, int32(3), cc.ResetCalls.Load())
	})
}

func TestEnumerate_RebuildsFromEmpty(t *testing.T) {
	cc, s := setup(t)
	cc.AddCertificate("x509-0", "CN=A")
	e := newEnumerator()

	first, err := e.Enumerate(t.Context(), s, "p1")
	require.NoError(t, err)
	require.Len(t, first.Items, 1)

	cc.CertIndices = nil
	cc.AddKey("public-1", "public", "ECDSA")
	second, err := e.Enumerate(t.Context(), s, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"public-1"}, indices(second.Items))
	assert.Empty(t, second.Certificates)
	assert.Len(t, first.Items, 1, "earlier result is not mutated")

	latest, ok := e.Latest("p1")
	require.True(t, ok)
	assert.Same(t, second, latest)
}

func TestEnumerate_SessionLossAbortsWalk(t *testing.T) {
	tests := []struct {
		name  string
		index string
		err   error
		state session.State
	}{
		{"CertificateConnection", "x509-1", fmt.Errorf("%w: connection refused", session.ErrConnection), session.Failed},
		{"KeyConnection", "public-k1", fmt.Errorf("%w: connection reset", session.ErrConnection), session.Failed},
		{"NotAuthenticated", "x509-1", fmt.Errorf("proxy: %w", session.ErrNotAuthenticated), session.Authenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cc, s := setup(t)
			cc.AddCertificate("x509-0", "CN=A")
			cc.AddCertificate("x509-1", "CN=B")
			cc.AddKey("public-k1", "public", "ECDSA")
			e := newEnumerator()

			good, err := e.Enumerate(t.Context(), s, "p1")
			require.NoError(t, err)

			cc.FetchErrs[tt.index] = tt.err
			res, err := e.Enumerate(t.Context(), s, "p1")
			assert.ErrorIs(t, err, tt.err)
			assert.Nil(t, res)
			assert.Equal(t, tt.state, s.State())

			latest, ok := e.Latest("p1")
			require.True(t, ok)
			assert.Same(t, good, latest)
		})
	}
}

func TestEnumerate_SequentialAndReleased(t *testing.T) {
	cc, s := setup(t)
	for _, idx := range []string{"x509-0", "x509-1", "x509-2"} {
		cc.AddCertificate(idx, idx)
	}
	_, err := newEnumerator().Enumerate(t.Context(), s, "p1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), cc.MaxActive.Load())
	assert.Equal(t, int32(1), cc.CloseCalls.Load())
}

func TestEnumerate_Errors(t *testing.T) {
	t.Run("ProviderUnavailable", func(t *testing.T) {
		_, s := setup(t)
		e := newEnumerator()
		_, err := e.Enumerate(t.Context(), s, "p9")
		assert.ErrorIs(t, err, session.ErrProviderUnavailable)
		_, ok := e.Latest("p9")
		assert.False(t, ok)
	})

	t.Run("NotAuthenticated", func(t *testing.T) {
		tr := sessiontest.NewTransport("1")
		tr.ChallengeErr = errors.New("no")
		m := session.NewManager(&sessiontest.Dialer{Transport: tr}, session.WithLogger(sessiontest.DiscardLogger()))
		t.Cleanup(func() { m.Close() })
		s, _ := m.Connect(t.Context())

		_, err := newEnumerator().Enumerate(t.Context(), s, "p1")
		assert.ErrorIs(t, err, session.ErrNotAuthenticated)
	})
}

func TestKindFromIndex(t *testing.T) {
	assert.Equal(t, store.KindCertificate, store.KindFromIndex("x509-abc"))
	assert.Equal(t, store.KindPublicKey, store.KindFromIndex("public-abc"))
	assert.Equal(t, store.KindPrivateKey, store.KindFromIndex("private-abc"))
	assert.Equal(t, store.KindUnknown, store.KindFromIndex("secret-abc"))
	assert.Equal(t, store.KindUnknown, store.KindFromIndex("x509"))

	text, err := store.KindPublicKey.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "public key", string(text))
}
