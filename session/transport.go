package session

import (
	"context"

	"github.com/jmcleod/tokenlink/proxy"
)

// Dialer opens a transport to the proxy at endpoint. Dial returns once the
// transport is listening.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Transport, error)
}

// Transport is the session-level surface of the proxy.
type Transport interface {
	// Errors delivers transport failures detected after Dial returned.
	// The channel is closed when the transport is closed. Detection may
	// use probes of its own that run alongside session round trips, since
	// a round trip such as Login can block for minutes.
	Errors() <-chan error

	IsLoggedIn(ctx context.Context) (bool, error)
	// Challenge asks the proxy for a one-time PIN to show to the user.
	Challenge(ctx context.Context) (string, error)
	// Login blocks until the user approves the session out of band.
	Login(ctx context.Context) error
	Info(ctx context.Context) (*proxy.InfoResponse, error)
	// CryptoContext opens a token-scoped context. It fails with
	// ErrProviderUnavailable if providerID is not attached.
	CryptoContext(ctx context.Context, providerID string) (CryptoContext, error)

	Close() error
}

// CryptoContext is the token-scoped surface of the proxy for one provider.
type CryptoContext interface {
	Reset(ctx context.Context) error
	IsLoggedIn(ctx context.Context) (bool, error)
	// Login blocks until the token is unlocked.
	Login(ctx context.Context) error

	CertificateIndices(ctx context.Context) ([]string, error)
	Certificate(ctx context.Context, index string) (*proxy.Certificate, error)
	ExportCertificate(ctx context.Context, format, index string) (string, error)

	KeyIndices(ctx context.Context) ([]string, error)
	Key(ctx context.Context, index string) (*proxy.Key, error)
	ExportKey(ctx context.Context, format, index string) ([]byte, error)

	// Close releases the context on the proxy side.
	Close(ctx context.Context) error
}

// Presenter shows a session challenge PIN to the end user.
type Presenter interface {
	PresentPIN(ctx context.Context, pin string) error
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(ctx context.Context, pin string) error

func (f PresenterFunc) PresentPIN(ctx context.Context, pin string) error { return f(ctx, pin) }
