// Package proxy defines the JSON wire protocol spoken between the token-session
// client and the local token proxy. The client lives in proxy/client and the
// service in proxy/server.
package proxy

// DefaultAddress is the loopback address the proxy listens on.
const DefaultAddress = "127.0.0.1:31337"

// SessionHeader carries the transport session ID on every call after
// POST /v1/session.
const SessionHeader = "X-Tokenlink-Session"

// APIPrefix is the route prefix for all protocol calls.
const APIPrefix = "/v1"

// Formats accepted by the export endpoints.
const (
	FormatPEM  = "pem"
	FormatSPKI = "spki"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeNotAuthenticated    = "not_authenticated"
	CodeProviderUnavailable = "provider_unavailable"
	CodeNotFound            = "not_found"
	CodeBadRequest          = "bad_request"
	CodeSessionUnknown      = "session_unknown"
	CodePINIncorrect        = "pin_incorrect"
	CodeTokenLocked         = "token_locked"
	CodeRateLimited         = "rate_limited"
	CodeInternal            = "internal"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HelloResponse is returned by GET /v1/hello.
type HelloResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// OpenSessionResponse is returned by POST /v1/session.
type OpenSessionResponse struct {
	SessionID string `json:"session_id"`
}

// LoginStateResponse is returned by the GET login endpoints.
type LoginStateResponse struct {
	LoggedIn bool `json:"logged_in"`
}

// ChallengeResponse is returned by POST /v1/session/challenge.
type ChallengeResponse struct {
	PIN string `json:"pin"`
}

// ProviderInfo describes one attached token. ATR is omitted when unknown.
type ProviderInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	ATR  string `json:"atr,omitempty"`
}

// InfoResponse is returned by GET /v1/info.
type InfoResponse struct {
	Name      string         `json:"name"`
	Version   string         `json:"version"`
	Providers []ProviderInfo `json:"providers"`
}

// IndicesResponse lists store indices in store order.
type IndicesResponse struct {
	Indices []string `json:"indices"`
}

// Certificate is a certificate store item.
type Certificate struct {
	Index        string `json:"index"`
	ID           string `json:"id"`
	Type         string `json:"type"`
	SubjectName  string `json:"subject_name"`
	IssuerName   string `json:"issuer_name"`
	SerialNumber string `json:"serial_number"`
	NotBefore    string `json:"not_before"`
	NotAfter     string `json:"not_after"`
	// Raw is the DER encoding.
	Raw []byte `json:"raw"`
}

// Algorithm mirrors the WebCrypto KeyAlgorithm dictionary.
type Algorithm struct {
	Name       string `json:"name"`
	NamedCurve string `json:"named_curve,omitempty"`
}

// Key is a key store item. Type is "public" or "private".
type Key struct {
	Index       string    `json:"index"`
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Algorithm   Algorithm `json:"algorithm"`
	Extractable bool      `json:"extractable"`
	Usages      []string  `json:"usages"`
}

// ExportResponse carries an exported object. PEM exports fill Text; binary
// exports (SPKI) fill Data.
type ExportResponse struct {
	Format string `json:"format"`
	Text   string `json:"text,omitempty"`
	Data   []byte `json:"data,omitempty"`
}

// PINRequest is the body of the admin approve and unlock calls.
type PINRequest struct {
	PIN string `json:"pin"`
}

// PendingChallenge describes a session waiting for approval.
type PendingChallenge struct {
	SessionID string `json:"session_id"`
	Origin    string `json:"origin"`
	CreatedAt string `json:"created_at"`
}

// PendingResponse is returned by GET /v1/admin/pending.
type PendingResponse struct {
	Sessions []PendingChallenge `json:"sessions"`
	Tokens   []string           `json:"tokens"`
}
