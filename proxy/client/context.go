package client

import (
	"context"
	"net/http"

	"github.com/jmcleod/tokenlink/proxy"
	"github.com/jmcleod/tokenlink/session"
)

// cryptoContext is the token-scoped view of a Transport. The proxy keeps no
// per-context state, so Close has nothing to release.
type cryptoContext struct {
	t          *Transport
	providerID string
}

var _ session.CryptoContext = (*cryptoContext)(nil)

func (c *cryptoContext) params(index string) map[string]string {
	p := map[string]string{"providerID": c.providerID}
	if index != "" {
		p["index"] = index
	}
	return p
}

func (c *cryptoContext) Reset(ctx context.Context) error {
	return c.t.do(ctx, http.MethodPost, "/providers/{providerID}/reset", c.params(""), nil, nil)
}

func (c *cryptoContext) IsLoggedIn(ctx context.Context) (bool, error) {
	var resp proxy.LoginStateResponse
	if err := c.t.do(ctx, http.MethodGet, "/providers/{providerID}/login", c.params(""), nil, &resp); err != nil {
		return false, err
	}
	return resp.LoggedIn, nil
}

// Login waits until the proxy has unlocked the token.
func (c *cryptoContext) Login(ctx context.Context) error {
	return c.t.do(ctx, http.MethodPost, "/providers/{providerID}/login", c.params(""), nil, &proxy.LoginStateResponse{})
}

func (c *cryptoContext) indices(ctx context.Context, path string) ([]string, error) {
	var resp proxy.IndicesResponse
	if err := c.t.do(ctx, http.MethodGet, path, c.params(""), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Indices, nil
}

func (c *cryptoContext) CertificateIndices(ctx context.Context) ([]string, error) {
	return c.indices(ctx, "/providers/{providerID}/certs")
}

func (c *cryptoContext) Certificate(ctx context.Context, index string) (*proxy.Certificate, error) {
	var resp proxy.Certificate
	if err := c.t.do(ctx, http.MethodGet, "/providers/{providerID}/certs/{index}", c.params(index), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *cryptoContext) ExportCertificate(ctx context.Context, format, index string) (string, error) {
	var resp proxy.ExportResponse
	err := c.t.do(ctx, http.MethodGet, "/providers/{providerID}/certs/{index}/export",
		c.params(index), map[string]string{"format": format}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (c *cryptoContext) KeyIndices(ctx context.Context) ([]string, error) {
	return c.indices(ctx, "/providers/{providerID}/keys")
}

func (c *cryptoContext) Key(ctx context.Context, index string) (*proxy.Key, error) {
	var resp proxy.Key
	if err := c.t.do(ctx, http.MethodGet, "/providers/{providerID}/keys/{index}", c.params(index), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *cryptoContext) ExportKey(ctx context.Context, format, index string) ([]byte, error) {
	var resp proxy.ExportResponse
	err := c.t.do(ctx, http.MethodGet, "/providers/{providerID}/keys/{index}/export",
		c.params(index), map[string]string{"format": format}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *cryptoContext) Close(context.Context) error { return nil }
