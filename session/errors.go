package session

import "errors"

var (
	// ErrConnection indicates the transport could not be established or was
	// lost. The session is Failed and must be replaced with a new Connect.
	ErrConnection = errors.New("proxy connection failed")
	// ErrAuthentication indicates the session challenge or login was rejected.
	ErrAuthentication = errors.New("session authentication failed")
	// ErrNotAuthenticated is returned when an operation needs an
	// Authenticated session and the session is in any other state.
	ErrNotAuthenticated = errors.New("session is not authenticated")
	// ErrProviderUnavailable indicates the provider ID no longer resolves to
	// an attached token.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrSessionClosed is returned by operations on a session discarded by
	// Close or by a later Connect.
	ErrSessionClosed = errors.New("session closed")
)
