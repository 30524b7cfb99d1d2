// Package session establishes and authenticates the connection to the local
// token proxy.
//
// A Manager owns at most one live Session. Connect dials the proxy, waits for
// the transport to listen and then runs the session handshake: if the proxy
// does not already trust this client, a challenge PIN is obtained, handed to
// the Presenter and Login waits for the user to approve the PIN out of band.
// There is no built-in timeout; pass a context with a deadline to bound the
// wait.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/jmcleod/tokenlink/proxy"
)

// Manager creates, authenticates and owns the live Session.
type Manager struct {
	dialer    Dialer
	endpoint  string
	presenter Presenter
	logger    *slog.Logger

	mu      sync.Mutex
	current *Session
	group   singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithEndpoint overrides the proxy address (default proxy.DefaultAddress).
func WithEndpoint(endpoint string) Option {
	return func(m *Manager) { m.endpoint = endpoint }
}

// WithPresenter sets the collaborator that shows challenge PINs to the user.
// If not set, PINs are written to the logger.
func WithPresenter(p Presenter) Option {
	return func(m *Manager) { m.presenter = p }
}

// WithLogger sets the structured logger.
// If not set, a default text logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager returns a Manager that dials the proxy through dialer.
func NewManager(dialer Dialer, opts ...Option) *Manager {
	m := &Manager{
		dialer:   dialer,
		endpoint: proxy.DefaultAddress,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if m.presenter == nil {
		m.presenter = PresenterFunc(func(_ context.Context, pin string) error {
			m.logger.Info("approve this session in the proxy companion", slog.String("pin", pin))
			return nil
		})
	}
	return m
}

// Current returns the live session, or nil if Connect has not been called.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Connect discards any previous session, dials the proxy and authenticates
// the new session. Concurrent calls share one in-flight attempt and receive
// the same Session.
//
// On error the session is left in Failed (ErrConnection, also when the
// connection drops mid-handshake) or Authenticating (ErrAuthentication) and
// remains available through Current for inspection.
func (m *Manager) Connect(ctx context.Context) (*Session, error) {
	v, err, shared := m.group.Do("connect", func() (any, error) {
		return m.connect(ctx)
	})
	if shared {
		m.logger.Debug("joined in-flight session connect")
	}
	s, _ := v.(*Session)
	return s, err
}

func (m *Manager) connect(ctx context.Context) (*Session, error) {
	s := newSession(m.logger)

	m.mu.Lock()
	old := m.current
	m.current = s
	m.mu.Unlock()
	if old != nil {
		m.logger.Info("discarding previous session", slog.String("session_id", old.ID()))
		old.Close()
	}

	s.setState(Connecting)
	t, err := m.dialer.Dial(ctx, m.endpoint)
	if err != nil {
		err = fmt.Errorf("%w: dialing %s: %v", ErrConnection, m.endpoint, err)
		s.fail(err)
		return s, err
	}
	s.attach(t)
	if !s.setState(Listening) {
		return s, s.stateErr()
	}
	s.emit(Event{Type: EventListening, State: Listening})
	m.logger.Info("proxy session listening",
		slog.String("session_id", s.ID()),
		slog.String("endpoint", m.endpoint))

	if err := m.authenticate(ctx, s); err != nil {
		return s, err
	}
	return s, nil
}

func (m *Manager) authenticate(ctx context.Context, s *Session) error {
	if !s.setState(Authenticating) {
		return s.stateErr()
	}
	handshake := func(ctx context.Context, t Transport) error {
		loggedIn, err := t.IsLoggedIn(ctx)
		if err != nil {
			return fmt.Errorf("%w: checking login state: %w", ErrAuthentication, err)
		}
		if loggedIn {
			return nil
		}

		pin, err := t.Challenge(ctx)
		if err != nil {
			return fmt.Errorf("%w: challenge: %w", ErrAuthentication, err)
		}
		s.emit(Event{Type: EventChallenge, State: Authenticating})
		if err := m.presenter.PresentPIN(ctx, pin); err != nil {
			return fmt.Errorf("%w: presenting PIN: %w", ErrAuthentication, err)
		}

		if err := t.Login(ctx); err != nil {
			return fmt.Errorf("%w: login: %w", ErrAuthentication, err)
		}
		return nil
	}
	if err := s.roundTrip(ctx, handshake, Authenticating); err != nil {
		m.logger.Warn("session authentication failed",
			slog.String("session_id", s.ID()),
			slog.String("error", err.Error()))
		return err
	}

	if !s.setState(Authenticated) {
		return s.stateErr()
	}
	s.emit(Event{Type: EventAuthenticated, State: Authenticated})
	m.logger.Info("proxy session authenticated", slog.String("session_id", s.ID()))
	return nil
}

// Close discards the live session.
func (m *Manager) Close() error {
	m.mu.Lock()
	s := m.current
	m.current = nil
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}
