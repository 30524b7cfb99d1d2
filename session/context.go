package session

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/jmcleod/tokenlink/proxy"
)

// ProviderContext is an open token-scoped context. Each method is one
// serialized round trip on the owning session. The provider lock is held
// until Release.
type ProviderContext struct {
	session    *Session
	providerID string
	cc         CryptoContext
	lock       *semaphore.Weighted

	releaseOnce sync.Once
}

// ProviderID returns the provider this context is bound to.
func (p *ProviderContext) ProviderID() string { return p.providerID }

func (p *ProviderContext) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.session.Call(ctx, func(ctx context.Context, _ Transport) error {
		return fn(ctx)
	})
}

func (p *ProviderContext) Reset(ctx context.Context) error {
	return p.call(ctx, p.cc.Reset)
}

func (p *ProviderContext) IsLoggedIn(ctx context.Context) (bool, error) {
	var loggedIn bool
	err := p.call(ctx, func(ctx context.Context) error {
		var err error
		loggedIn, err = p.cc.IsLoggedIn(ctx)
		return err
	})
	return loggedIn, err
}

func (p *ProviderContext) Login(ctx context.Context) error {
	return p.call(ctx, p.cc.Login)
}

// EnsureLogin logs in to the token unless it already reports logged in.
func (p *ProviderContext) EnsureLogin(ctx context.Context) error {
	loggedIn, err := p.IsLoggedIn(ctx)
	if err != nil {
		return err
	}
	if loggedIn {
		return nil
	}
	return p.Login(ctx)
}

func (p *ProviderContext) CertificateIndices(ctx context.Context) ([]string, error) {
	var indices []string
	err := p.call(ctx, func(ctx context.Context) error {
		var err error
		indices, err = p.cc.CertificateIndices(ctx)
		return err
	})
	return indices, err
}

func (p *ProviderContext) Certificate(ctx context.Context, index string) (*proxy.Certificate, error) {
	var cert *proxy.Certificate
	err := p.call(ctx, func(ctx context.Context) error {
		var err error
		cert, err = p.cc.Certificate(ctx, index)
		return err
	})
	return cert, err
}

func (p *ProviderContext) ExportCertificate(ctx context.Context, format, index string) (string, error) {
	var out string
	err := p.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = p.cc.ExportCertificate(ctx, format, index)
		return err
	})
	return out, err
}

func (p *ProviderContext) KeyIndices(ctx context.Context) ([]string, error) {
	var indices []string
	err := p.call(ctx, func(ctx context.Context) error {
		var err error
		indices, err = p.cc.KeyIndices(ctx)
		return err
	})
	return indices, err
}

func (p *ProviderContext) Key(ctx context.Context, index string) (*proxy.Key, error) {
	var key *proxy.Key
	err := p.call(ctx, func(ctx context.Context) error {
		var err error
		key, err = p.cc.Key(ctx, index)
		return err
	})
	return key, err
}

func (p *ProviderContext) ExportKey(ctx context.Context, format, index string) ([]byte, error) {
	var out []byte
	err := p.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = p.cc.ExportKey(ctx, format, index)
		return err
	})
	return out, err
}

// Release closes the proxy-side context and frees the provider lock. Close
// errors are logged, not returned, because Release runs on failure paths.
func (p *ProviderContext) Release(ctx context.Context) {
	p.releaseOnce.Do(func() {
		defer p.lock.Release(1)
		// Release must run even if ctx is already cancelled.
		ctx = context.WithoutCancel(ctx)
		err := p.session.roundTrip(ctx, func(ctx context.Context, _ Transport) error {
			return p.cc.Close(ctx)
		}, Authenticated)
		if err != nil {
			p.session.logger.Debug("releasing provider context",
				"provider_id", p.providerID,
				"error", err)
		}
	})
}
