package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/jmcleod/tokenlink/internal/uuid"
)

// State is the lifecycle state of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Listening
	Authenticating
	Authenticated
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Listening:
		return "listening"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventType identifies a session notification.
type EventType int

const (
	EventListening EventType = iota
	EventChallenge
	EventAuthenticated
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventListening:
		return "listening"
	case EventChallenge:
		return "challenge"
	case EventAuthenticated:
		return "authenticated"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is a state notification delivered on Session.Events.
type Event struct {
	Type  EventType
	State State
	Err   error
}

const eventBuffer = 16

// Session is the live connection to the proxy. It is created by
// Manager.Connect and only the Manager changes its state.
//
// Every transport round trip made through the session is serialized; a
// provider context additionally holds a per-provider lock from OpenContext
// until Release. Liveness probes a Transport runs on its own to feed Errors
// are not round trips of the session and are not serialized with them.
type Session struct {
	id     string
	logger *slog.Logger

	mu        sync.RWMutex
	state     State
	err       error
	transport Transport
	closed    bool
	events    chan Event
	done      chan struct{}

	// rt serializes round trips on the transport.
	rt *semaphore.Weighted

	providerMu    sync.Mutex
	providerLocks map[string]*semaphore.Weighted
}

func newSession(logger *slog.Logger) *Session {
	return &Session{
		id:            uuid.New(),
		logger:        logger,
		state:         Disconnected,
		events:        make(chan Event, eventBuffer),
		done:          make(chan struct{}),
		rt:            semaphore.NewWeighted(1),
		providerLocks: make(map[string]*semaphore.Weighted),
	}
}

// ID is a client-side identifier for log correlation.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the error that moved the session to Failed, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Events returns the notification channel. It is closed by Close.
// Notifications are dropped when the buffer is full.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close discards the session and its transport. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	t := s.transport
	close(s.events)
	close(s.done)
	s.mu.Unlock()

	if t != nil {
		return t.Close()
	}
	return nil
}

// setState moves the session to st unless it is already Failed or closed.
func (s *Session) setState(st State) bool {
	s.mu.Lock()
	if s.closed || s.state == Failed {
		s.mu.Unlock()
		return false
	}
	s.state = st
	s.mu.Unlock()
	s.logger.Debug("session state changed",
		slog.String("session_id", s.id),
		slog.String("state", st.String()))
	return true
}

// fail moves the session to Failed. The first failure wins.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.closed || s.state == Failed {
		s.mu.Unlock()
		return
	}
	s.state = Failed
	s.err = err
	s.mu.Unlock()
	s.logger.Error("session failed",
		slog.String("session_id", s.id),
		slog.String("error", err.Error()))
	s.emit(Event{Type: EventError, State: Failed, Err: err})
}

func (s *Session) emit(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("dropping session event",
			slog.String("session_id", s.id),
			slog.String("event", ev.Type.String()))
	}
}

// attach binds t to the session and watches it for asynchronous errors.
func (s *Session) attach(t Transport) {
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()

	go func() {
		select {
		case err, ok := <-t.Errors():
			if ok && err != nil {
				s.fail(fmt.Errorf("%w: %v", ErrConnection, err))
			}
		case <-s.done:
		}
	}()
}

// usable returns the transport if the session may issue round trips while
// in one of the allowed states.
func (s *Session) usable(allowed ...State) (Transport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.state == Failed {
		return nil, s.err
	}
	for _, st := range allowed {
		if s.state == st {
			return s.transport, nil
		}
	}
	return nil, fmt.Errorf("%w (state %s)", ErrNotAuthenticated, s.state)
}

// roundTrip runs fn with exclusive use of the transport.
func (s *Session) roundTrip(ctx context.Context, fn func(ctx context.Context, t Transport) error, allowed ...State) error {
	if _, err := s.usable(allowed...); err != nil {
		return err
	}
	if err := s.rt.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.rt.Release(1)
	// The state may have changed while waiting.
	t, err := s.usable(allowed...)
	if err != nil {
		return err
	}
	err = fn(ctx, t)
	if errors.Is(err, ErrConnection) {
		s.fail(err)
	}
	return err
}

// Call runs fn with exclusive use of the transport. The session must be
// Authenticated; otherwise ErrNotAuthenticated is returned and fn is not run.
func (s *Session) Call(ctx context.Context, fn func(ctx context.Context, t Transport) error) error {
	return s.roundTrip(ctx, fn, Authenticated)
}

func (s *Session) providerLock(providerID string) *semaphore.Weighted {
	s.providerMu.Lock()
	defer s.providerMu.Unlock()
	l, ok := s.providerLocks[providerID]
	if !ok {
		l = semaphore.NewWeighted(1)
		s.providerLocks[providerID] = l
	}
	return l
}

// OpenContext opens the token-scoped context for providerID and holds the
// provider's lock until the returned context is released. Callers must call
// Release, also on failure paths.
func (s *Session) OpenContext(ctx context.Context, providerID string) (*ProviderContext, error) {
	if _, err := s.usable(Authenticated); err != nil {
		return nil, err
	}
	lock := s.providerLock(providerID)
	if err := lock.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	var cc CryptoContext
	err := s.Call(ctx, func(ctx context.Context, t Transport) error {
		var err error
		cc, err = t.CryptoContext(ctx, providerID)
		return err
	})
	if err != nil {
		lock.Release(1)
		return nil, err
	}
	return &ProviderContext{session: s, providerID: providerID, cc: cc, lock: lock}, nil
}

// stateErr explains why a state transition was refused.
func (s *Session) stateErr() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return s.err
	}
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}
