// Package provider lists the token providers attached to the proxy.
//
// Each List call builds a complete snapshot before publishing it, so readers
// of Providers never observe a mix of an old and a new listing. List calls
// are serialized, so the last one to return is the one published.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/jmcleod/tokenlink/proxy"
	"github.com/jmcleod/tokenlink/session"
)

// NoATR is reported for providers whose ATR is unknown.
const NoATR = "None"

// Provider is an attached token.
type Provider struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	ATR  string `json:"atr" yaml:"atr"`
}

// Registry holds the most recently published provider snapshot.
type Registry struct {
	logger   *slog.Logger
	listing  *semaphore.Weighted
	snapshot atomic.Pointer[[]Provider]
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{listing: semaphore.NewWeighted(1)}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	empty := []Provider{}
	r.snapshot.Store(&empty)
	return r
}

// List queries sess for the attached providers, publishes the result as the
// new snapshot and returns it. sess must be Authenticated. On error the
// previous snapshot stays published.
func (r *Registry) List(ctx context.Context, sess *session.Session) ([]Provider, error) {
	if err := r.listing.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}
	defer r.listing.Release(1)

	var info *proxy.InfoResponse
	err := sess.Call(ctx, func(ctx context.Context, t session.Transport) error {
		var err error
		info, err = t.Info(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}

	next := make([]Provider, 0, len(info.Providers))
	for _, p := range info.Providers {
		atr := p.ATR
		if atr == "" {
			atr = NoATR
		}
		next = append(next, Provider{ID: p.ID, Name: p.Name, ATR: atr})
	}
	r.snapshot.Store(&next)
	r.logger.Debug("provider snapshot published",
		slog.String("session_id", sess.ID()),
		slog.Int("providers", len(next)))
	return clone(next), nil
}

// Providers returns a copy of the current snapshot.
func (r *Registry) Providers() []Provider {
	return clone(*r.snapshot.Load())
}

// Lookup finds a provider in the current snapshot.
func (r *Registry) Lookup(id string) (Provider, bool) {
	for _, p := range *r.snapshot.Load() {
		if p.ID == id {
			return p, true
		}
	}
	return Provider{}, false
}

func clone(ps []Provider) []Provider {
	return append([]Provider{}, ps...)
}
