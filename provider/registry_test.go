package provider_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/tokenlink/provider"
	"github.com/jmcleod/tokenlink/proxy"
	"github.com/jmcleod/tokenlink/session"
	"github.com/jmcleod/tokenlink/session/sessiontest"
)

func newRegistry() *provider.Registry {
	return provider.NewRegistry(provider.WithLogger(sessiontest.DiscardLogger()))
}

func TestList_NormalisesATR(t *testing.T) {
	tr := sessiontest.NewTransport("482913")
	tr.SetProviders(
		proxy.ProviderInfo{ID: "p1", Name: "TokenA", ATR: "3B 6F"},
		proxy.ProviderInfo{ID: "p2", Name: "TokenB"},
	)
	_, s := sessiontest.Authenticated(t, tr)
	r := newRegistry()

	got, err := r.List(t.Context(), s)
	require.NoError(t, err)
	want := []provider.Provider{
		{ID: "p1", Name: "TokenA", ATR: "3B 6F"},
		{ID: "p2", Name: "TokenB", ATR: "None"},
	}
	assert.Equal(t, want, got)
	assert.Equal(t, want, r.Providers())

	p, ok := r.Lookup("p2")
	assert.True(t, ok)
	assert.Equal(t, "TokenB", p.Name)
	_, ok = r.Lookup("p3")
	assert.False(t, ok)
}

func TestList_ReplacesSnapshot(t *testing.T) {
	tr := sessiontest.NewTransport("1")
	_, s := sessiontest.Authenticated(t, tr)
	r := newRegistry()

	sets := [][]proxy.ProviderInfo{
		{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}, {ID: "c", Name: "C"}},
		{{ID: "d", Name: "D"}},
		{},
		{{ID: "a", Name: "A"}},
	}
	for k, set := range sets {
		tr.SetProviders(set...)
		got, err := r.List(t.Context(), s)
		require.NoError(t, err)

		var ids []string
		for _, p := range r.Providers() {
			ids = append(ids, p.ID)
		}
		var want []string
		for _, p := range set {
			want = append(want, p.ID)
		}
		assert.Equal(t, want, ids, "call %d", k)
		assert.Len(t, got, len(set))
	}
}

func TestList_NotAuthenticated(t *testing.T) {
	tr := sessiontest.NewTransport("1")
	tr.LoginErr = fmt.Errorf("declined")
	m := session.NewManager(&sessiontest.Dialer{Transport: tr}, session.WithLogger(sessiontest.DiscardLogger()))
	t.Cleanup(func() { m.Close() })
	s, err := m.Connect(t.Context())
	require.Error(t, err)

	r := newRegistry()
	_, err = r.List(t.Context(), s)
	assert.ErrorIs(t, err, session.ErrNotAuthenticated)
	assert.Zero(t, tr.InfoCalls.Load())
	assert.Empty(t, r.Providers())
}

func TestList_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	tr := sessiontest.NewTransport("1")
	_, s := sessiontest.Authenticated(t, tr)
	r := newRegistry()

	setA := []proxy.ProviderInfo{{ID: "a1"}, {ID: "a2"}, {ID: "a3"}}
	setB := []proxy.ProviderInfo{{ID: "b1"}, {ID: "b2"}}

	ctx, cancel := context.WithCancel(t.Context())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ctx.Err() == nil && i < 200; i++ {
			if i%2 == 0 {
				tr.SetProviders(setA...)
			} else {
				tr.SetProviders(setB...)
			}
			r.List(ctx, s)
		}
	}()

	for i := 0; i < 500; i++ {
		snap := r.Providers()
		if len(snap) == 0 {
			continue
		}
		prefix := snap[0].ID[:1]
		for _, p := range snap {
			require.Equal(t, prefix, p.ID[:1], "mixed snapshot %v", snap)
		}
	}
	cancel()
	wg.Wait()
}

func TestList_PublishesInCallOrder(t *testing.T) {
	slow := sessiontest.NewTransport("1")
	slow.SetProviders(proxy.ProviderInfo{ID: "old"})
	slow.InfoGate = make(chan struct{})
	_, s1 := sessiontest.Authenticated(t, slow)

	fast := sessiontest.NewTransport("1")
	fast.SetProviders(proxy.ProviderInfo{ID: "new"})
	_, s2 := sessiontest.Authenticated(t, fast)

	r := newRegistry()
	first := make(chan error, 1)
	go func() {
		_, err := r.List(t.Context(), s1)
		first <- err
	}()
	require.Eventually(t, func() bool { return slow.InfoCalls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err := r.List(ctx, s2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, fast.InfoCalls.Load())

	second := make(chan []provider.Provider, 1)
	go func() {
		got, err := r.List(t.Context(), s2)
		assert.NoError(t, err)
		second <- got
	}()
	close(slow.InfoGate)
	require.NoError(t, <-first)
	got := <-second

	assert.Equal(t, got, r.Providers())
	assert.Equal(t, "new", r.Providers()[0].ID)
}
