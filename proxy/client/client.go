// Package client implements session.Dialer over the proxy's HTTP protocol
// using resty.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/jmcleod/tokenlink/proxy"
	"github.com/jmcleod/tokenlink/session"
)

var (
	ErrNotFound     = errors.New("proxy object not found")
	ErrTokenLocked  = errors.New("token is locked")
	ErrPINIncorrect = errors.New("incorrect PIN")
	ErrRateLimited  = errors.New("too many incorrect PINs")
	ErrBadRequest   = errors.New("request rejected by proxy")
	ErrRemote       = errors.New("proxy error")
)

// Error is a non-2xx proxy response. It unwraps to the session or client
// sentinel matching its code.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("proxy: %s (%d %s)", e.Message, e.StatusCode, e.Code)
}

func (e *Error) Unwrap() error {
	switch e.Code {
	case proxy.CodeNotAuthenticated:
		return session.ErrNotAuthenticated
	case proxy.CodeSessionUnknown:
		return session.ErrConnection
	case proxy.CodeProviderUnavailable:
		return session.ErrProviderUnavailable
	case proxy.CodeNotFound:
		return ErrNotFound
	case proxy.CodeTokenLocked:
		return ErrTokenLocked
	case proxy.CodePINIncorrect:
		return ErrPINIncorrect
	case proxy.CodeRateLimited:
		return ErrRateLimited
	case proxy.CodeBadRequest:
		return ErrBadRequest
	default:
		return ErrRemote
	}
}

// DefaultHeartbeat is the interval between liveness probes.
const DefaultHeartbeat = 5 * time.Second

// Dialer opens transports to a proxy.
type Dialer struct {
	logger     *slog.Logger
	heartbeat  time.Duration
	httpClient *http.Client
}

var _ session.Dialer = (*Dialer)(nil)

// Option configures a Dialer.
type Option func(*Dialer)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dialer) { d.logger = logger }
}

// WithHeartbeat sets the liveness probe interval. Zero disables probing.
func WithHeartbeat(interval time.Duration) Option {
	return func(d *Dialer) { d.heartbeat = interval }
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(d *Dialer) { d.httpClient = hc }
}

// New returns a Dialer.
func New(opts ...Option) *Dialer {
	d := &Dialer{heartbeat: DefaultHeartbeat}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return d
}

// BaseURL turns a host:port or URL endpoint into the protocol base URL.
func BaseURL(endpoint string) string {
	endpoint = strings.TrimRight(endpoint, "/")
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "http://" + endpoint
	}
	return endpoint + proxy.APIPrefix
}

func (d *Dialer) restyClient(endpoint string) *resty.Client {
	rc := resty.New()
	if d.httpClient != nil {
		rc = resty.NewWithClient(d.httpClient)
	}
	return rc.SetBaseURL(BaseURL(endpoint)).
		SetHeader("Accept", "application/json")
}

// Dial checks that the proxy is ready and opens a transport session.
func (d *Dialer) Dial(ctx context.Context, endpoint string) (session.Transport, error) {
	rc := d.restyClient(endpoint)

	t := &Transport{
		rc:     rc,
		logger: d.logger,
		errs:   make(chan error, 1),
		stop:   make(chan struct{}),
	}

	var hello proxy.HelloResponse
	if err := t.do(ctx, http.MethodGet, "/hello", nil, nil, &hello); err != nil {
		return nil, fmt.Errorf("probing proxy at %s: %w", endpoint, err)
	}
	var open proxy.OpenSessionResponse
	if err := t.do(ctx, http.MethodPost, "/session", nil, nil, &open); err != nil {
		return nil, fmt.Errorf("opening proxy session: %w", err)
	}
	t.id = open.SessionID
	rc.SetHeader(proxy.SessionHeader, open.SessionID)

	d.logger.Debug("proxy transport open",
		slog.String("endpoint", endpoint),
		slog.String("proxy_version", hello.Version),
		slog.String("transport_id", t.id))

	t.wg.Add(1)
	go t.watch(d.heartbeat)
	return t, nil
}

// Transport is one proxy session.
type Transport struct {
	rc     *resty.Client
	id     string
	logger *slog.Logger

	errs      chan error
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ session.Transport = (*Transport)(nil)

// ID returns the proxy-assigned session ID.
func (t *Transport) ID() string { return t.id }

// do performs one call. params fills {name} placeholders in path.
func (t *Transport) do(ctx context.Context, method, path string, params map[string]string, query map[string]string, out any) error {
	return call(ctx, t.rc, method, path, params, query, nil, out)
}

func call(ctx context.Context, rc *resty.Client, method, path string, params, query map[string]string, body, out any) error {
	req := rc.R().
		SetContext(ctx).
		SetError(&proxy.ErrorResponse{})
	if params != nil {
		req.SetPathParams(params)
	}
	if query != nil {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", session.ErrConnection, err)
	}
	if resp.IsError() {
		e := &Error{StatusCode: resp.StatusCode(), Message: resp.Status()}
		if body, ok := resp.Error().(*proxy.ErrorResponse); ok && body.Code != "" {
			e.Code, e.Message = body.Code, body.Error
		}
		return e
	}
	return nil
}

// watch probes the session until Close and reports the first failure. The
// probe runs outside the owning session's round-trip lock.
func (t *Transport) watch(interval time.Duration) {
	defer t.wg.Done()
	if interval <= 0 {
		<-t.stop
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		err := t.do(ctx, http.MethodGet, "/session/login", nil, nil, &proxy.LoginStateResponse{})
		cancel()
		if err != nil {
			select {
			case <-t.stop:
				return
			default:
			}
			t.logger.Warn("proxy heartbeat failed",
				slog.String("transport_id", t.id),
				slog.String("error", err.Error()))
			t.errs <- err
			<-t.stop
			return
		}
	}
}

func (t *Transport) Errors() <-chan error { return t.errs }

func (t *Transport) IsLoggedIn(ctx context.Context) (bool, error) {
	var resp proxy.LoginStateResponse
	if err := t.do(ctx, http.MethodGet, "/session/login", nil, nil, &resp); err != nil {
		return false, err
	}
	return resp.LoggedIn, nil
}

func (t *Transport) Challenge(ctx context.Context) (string, error) {
	var resp proxy.ChallengeResponse
	if err := t.do(ctx, http.MethodPost, "/session/challenge", nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.PIN, nil
}

// Login waits until the challenge is approved.
func (t *Transport) Login(ctx context.Context) error {
	return t.do(ctx, http.MethodPost, "/session/login", nil, nil, &proxy.LoginStateResponse{})
}

func (t *Transport) Info(ctx context.Context) (*proxy.InfoResponse, error) {
	var resp proxy.InfoResponse
	if err := t.do(ctx, http.MethodGet, "/info", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CryptoContext checks that providerID is attached and returns its context.
func (t *Transport) CryptoContext(ctx context.Context, providerID string) (session.CryptoContext, error) {
	var info proxy.ProviderInfo
	err := t.do(ctx, http.MethodGet, "/providers/{providerID}", map[string]string{"providerID": providerID}, nil, &info)
	if err != nil {
		return nil, err
	}
	return &cryptoContext{t: t, providerID: providerID}, nil
}

// Close stops the heartbeat and discards the proxy session. It is idempotent.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stop)
		t.wg.Wait()
		close(t.errs)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if e := t.do(ctx, http.MethodDelete, "/session", nil, nil, nil); e != nil && !errors.Is(e, session.ErrConnection) {
			err = e
		}
	})
	return err
}
