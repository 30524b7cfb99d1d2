// Package server implements the local token proxy: a loopback HTTP service
// that exposes attached tokens to an approved client session.
//
// A client opens a transport session, asks for a challenge PIN and then waits
// in POST /v1/session/login until an operator approves the PIN through the
// admin routes. Token-level logins work the same way: the client waits until
// the token is unlocked, either with a PIN configured at startup or by an
// operator.
package server

import (
	_ "embed"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/awnumar/memguard"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/tokenlink/proxy"
	"github.com/jmcleod/tokenlink/token"
)

// Name is reported by GET /v1/hello and GET /v1/info.
const Name = "tokenlink-proxy"

//go:embed openapi.yaml
var openapiSpec []byte

// Server holds the dependencies of the proxy handlers.
type Server struct {
	tokens      *token.Registry
	version     string
	logger      *slog.Logger
	audit       *auditLogger
	limiter     *pinRateLimiter
	sessions    *sessionStore
	unlocker    *tokenUnlocker
	autoApprove bool
	alertFn     AlertFunc
	tokenPINs   map[string]*memguard.Enclave

	webhookURL    string
	webhookHeader string
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the structured logger. If not set, a default JSON logger
// writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithVersion sets the version reported to clients.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithAutoApprove approves every challenge as soon as it is issued.
func WithAutoApprove(enabled bool) Option {
	return func(s *Server) { s.autoApprove = enabled }
}

// WithTokenPIN unlocks tokenID with pin whenever a client asks to log in to
// it. The PIN is held in a memguard enclave.
func WithTokenPIN(tokenID, pin string) Option {
	return func(s *Server) {
		if s.tokenPINs == nil {
			s.tokenPINs = make(map[string]*memguard.Enclave)
		}
		s.tokenPINs[tokenID] = memguard.NewEnclave([]byte(pin))
	}
}

// WithAlertFunc registers a callback for PIN failure spikes and bulk exports.
func WithAlertFunc(fn AlertFunc) Option {
	return func(s *Server) { s.alertFn = fn }
}

// WithAuditWebhook forwards every audit event to url as JSON. header is an
// optional "Name: Value" pair sent with each request.
func WithAuditWebhook(url, header string) Option {
	return func(s *Server) {
		s.webhookURL = url
		s.webhookHeader = header
	}
}

// New creates a proxy serving the tokens attached to reg.
func New(reg *token.Registry, opts ...Option) *Server {
	s := &Server{
		tokens:   reg,
		version:  "dev",
		limiter:  newPINRateLimiter(),
		sessions: newSessionStore(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	s.audit = newAuditLogger(s.logger)
	if s.alertFn != nil {
		s.audit.metrics = newMetricsCollector(s.alertFn)
	}
	if s.webhookURL != "" {
		s.audit.webhook = newAuditWebhook(s.webhookURL, s.webhookHeader, s.logger)
	}
	s.unlocker = newTokenUnlocker(s.tokenPINs)
	return s
}

// Close flushes pending audit webhook deliveries. The HTTP listener is
// owned by the caller.
func (s *Server) Close() {
	if s.audit.webhook != nil {
		s.audit.webhook.close()
	}
}

// Handler returns the complete HTTP handler with the protocol routes mounted
// under /v1.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(SecurityHeaders)
	r.Mount(proxy.APIPrefix, s.Router())
	return r
}

// Router returns a chi.Router with all protocol routes, relative to /v1.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: proxy.APIPrefix + "/openapi.yaml",
		Path:    "v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: proxy.APIPrefix + "/openapi.yaml",
		Path:    "v1/redoc",
	}, nil))

	r.Get("/hello", s.Hello)

	r.Route("/session", func(r chi.Router) {
		r.Post("/", s.OpenSession)
		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)
			r.Delete("/", s.CloseSession)
			r.Get("/login", s.SessionLoginState)
			r.Post("/login", s.SessionLogin)
			r.Post("/challenge", s.Challenge)
		})
	})

	r.With(s.requireSession, s.requireApproved).Get("/info", s.Info)

	r.Route("/providers/{providerID}", func(r chi.Router) {
		r.Use(s.requireSession, s.requireApproved)
		r.Get("/", s.Provider)
		r.Post("/reset", s.ResetProvider)
		r.Get("/login", s.ProviderLoginState)
		r.Post("/login", s.ProviderLogin)
		r.Get("/certs", s.CertificateIndices)
		r.Get("/certs/{index}", s.Certificate)
		r.Get("/certs/{index}/export", s.ExportCertificate)
		r.Get("/keys", s.KeyIndices)
		r.Get("/keys/{index}", s.Key)
		r.Get("/keys/{index}/export", s.ExportKey)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(requireLoopback)
		r.Get("/pending", s.Pending)
		r.Post("/approve", s.Approve)
		r.Post("/providers/{providerID}/unlock", s.Unlock)
	})

	return r
}

// Sweep drops sessions idle for longer than maxAge and expired rate-limit
// records. Call periodically from a background goroutine.
func (s *Server) Sweep(maxAge time.Duration) {
	n := s.sessions.sweep(maxAge)
	s.limiter.sweep()
	if n > 0 {
		s.logger.Debug("swept idle sessions", slog.Int("count", n))
	}
}
