package client

import (
	"context"
	"net/http"

	"github.com/go-resty/resty/v2"

	"github.com/jmcleod/tokenlink/proxy"
)

// Admin calls the operator endpoints. The proxy only serves them to
// loopback peers and they need no session.
type Admin struct {
	rc *resty.Client
}

// Admin returns an operator client for the proxy at endpoint.
func (d *Dialer) Admin(endpoint string) *Admin {
	return &Admin{rc: d.restyClient(endpoint)}
}

// Pending lists sessions waiting for approval and tokens waiting to be
// unlocked.
func (a *Admin) Pending(ctx context.Context) (*proxy.PendingResponse, error) {
	var out proxy.PendingResponse
	if err := call(ctx, a.rc, http.MethodGet, "/admin/pending", nil, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Approve approves the session that was shown pin.
func (a *Admin) Approve(ctx context.Context, pin string) (*proxy.PendingChallenge, error) {
	var out proxy.PendingChallenge
	if err := call(ctx, a.rc, http.MethodPost, "/admin/approve", nil, nil, proxy.PINRequest{PIN: pin}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Unlock logs the provider's token in with pin.
func (a *Admin) Unlock(ctx context.Context, providerID, pin string) error {
	return call(ctx, a.rc, http.MethodPost, "/admin/providers/{providerID}/unlock",
		map[string]string{"providerID": providerID}, nil, proxy.PINRequest{PIN: pin}, nil)
}
