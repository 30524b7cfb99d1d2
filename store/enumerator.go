// Package store walks the certificate and key stores of a token provider.
//
// Enumerate opens the provider context, resets it, makes sure the token is
// logged in and then fetches every certificate followed by every key, one at
// a time and in store order. A failure to fetch one item is recorded in
// Result.Failures and the walk continues, unless it is a session failure,
// which aborts the walk.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/jmcleod/tokenlink/proxy"
	"github.com/jmcleod/tokenlink/session"
)

// Result is a complete walk of one provider's stores.
type Result struct {
	ProviderID string
	// Items lists certificates then keys in store order.
	Items        []Item
	Certificates []*proxy.Certificate
	PublicKeys   []*proxy.Key
	PrivateKeys  []*proxy.Key
	Failures     []*ItemError
}

// Enumerator walks provider stores and remembers the latest result per
// provider.
type Enumerator struct {
	logger *slog.Logger

	mu     sync.RWMutex
	latest map[string]*Result
}

// Option configures an Enumerator.
type Option func(*Enumerator)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Enumerator) { e.logger = logger }
}

// NewEnumerator returns an Enumerator.
func NewEnumerator(opts ...Option) *Enumerator {
	e := &Enumerator{latest: make(map[string]*Result)}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return e
}

// Enumerate walks providerID's stores on sess, which must be Authenticated.
// The returned Result is built from empty and replaces the previously
// published one for the provider only when the walk completes.
func (e *Enumerator) Enumerate(ctx context.Context, sess *session.Session, providerID string) (*Result, error) {
	pc, err := sess.OpenContext(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("opening provider %s: %w", providerID, err)
	}
	defer pc.Release(ctx)

	if err := pc.Reset(ctx); err != nil {
		return nil, fmt.Errorf("resetting provider %s: %w", providerID, err)
	}
	if err := pc.EnsureLogin(ctx); err != nil {
		return nil, fmt.Errorf("logging in to provider %s: %w", providerID, err)
	}

	res := &Result{
		ProviderID:   providerID,
		Items:        []Item{},
		Certificates: []*proxy.Certificate{},
		PublicKeys:   []*proxy.Key{},
		PrivateKeys:  []*proxy.Key{},
	}
	if err := e.walkCertificates(ctx, sess, pc, res); err != nil {
		return nil, err
	}
	if err := e.walkKeys(ctx, sess, pc, res); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.latest[providerID] = res
	e.mu.Unlock()

	e.logger.Info("provider enumerated",
		slog.String("provider_id", providerID),
		slog.Int("items", len(res.Items)),
		slog.Int("failures", len(res.Failures)))
	return res, nil
}

// Latest returns the last completed result for providerID.
func (e *Enumerator) Latest(providerID string) (*Result, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	res, ok := e.latest[providerID]
	return res, ok
}

func (e *Enumerator) walkCertificates(ctx context.Context, sess *session.Session, pc *session.ProviderContext, res *Result) error {
	indices, err := pc.CertificateIndices(ctx)
	if err != nil {
		return fmt.Errorf("listing certificates of %s: %w", res.ProviderID, err)
	}
	for _, index := range indices {
		cert, err := pc.Certificate(ctx, index)
		if err == nil && (KindFromIndex(index) != KindCertificate || cert.Type != prefixCertificate) {
			err = fmt.Errorf("%w: index %s, store type %q", ErrKindMismatch, index, cert.Type)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if sessionLost(sess, err) {
				return fmt.Errorf("fetching %s from %s: %w", index, res.ProviderID, err)
			}
			e.fail(res, index, err)
			continue
		}
		res.Certificates = append(res.Certificates, cert)
		res.Items = append(res.Items, Item{
			Index: index,
			ID:    cert.ID,
			Kind:  KindCertificate,
			Label: cert.SubjectName,
		})
	}
	return nil
}

func (e *Enumerator) walkKeys(ctx context.Context, sess *session.Session, pc *session.ProviderContext, res *Result) error {
	indices, err := pc.KeyIndices(ctx)
	if err != nil {
		return fmt.Errorf("listing keys of %s: %w", res.ProviderID, err)
	}
	for _, index := range indices {
		key, err := pc.Key(ctx, index)
		var kind Kind
		if err == nil {
			kind = kindFromKeyType(key.Type)
			if kind == KindUnknown || kind != KindFromIndex(index) {
				err = fmt.Errorf("%w: index %s, store type %q", ErrKindMismatch, index, key.Type)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if sessionLost(sess, err) {
				return fmt.Errorf("fetching %s from %s: %w", index, res.ProviderID, err)
			}
			e.fail(res, index, err)
			continue
		}
		if kind == KindPrivateKey {
			res.PrivateKeys = append(res.PrivateKeys, key)
		} else {
			res.PublicKeys = append(res.PublicKeys, key)
		}
		res.Items = append(res.Items, Item{
			Index: index,
			ID:    key.ID,
			Kind:  kind,
			Label: key.Algorithm.Name,
		})
	}
	return nil
}

func (e *Enumerator) fail(res *Result, index string, err error) {
	itemErr := &ItemError{Index: index, Err: err}
	res.Failures = append(res.Failures, itemErr)
	e.logger.Warn("skipping store item",
		slog.String("provider_id", res.ProviderID),
		slog.String("index", index),
		slog.String("error", err.Error()))
}

// sessionLost reports whether err ends the session rather than one item.
func sessionLost(sess *session.Session, err error) bool {
	return errors.Is(err, session.ErrConnection) ||
		errors.Is(err, session.ErrSessionClosed) ||
		errors.Is(err, session.ErrNotAuthenticated) ||
		sess.State() == session.Failed
}
