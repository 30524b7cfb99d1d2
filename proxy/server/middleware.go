package server

import (
	"context"
	"net"
	"net/http"
	"net/netip"

	"github.com/jmcleod/tokenlink/proxy"
)

type contextKey int

const sessionKey contextKey = iota

// requireSession resolves the X-Tokenlink-Session header.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(proxy.SessionHeader)
		if id == "" {
			writeError(w, http.StatusUnauthorized, proxy.CodeSessionUnknown, "missing "+proxy.SessionHeader+" header")
			return
		}
		ts, ok := s.sessions.get(id)
		if !ok {
			writeError(w, http.StatusUnauthorized, proxy.CodeSessionUnknown, "unknown session")
			return
		}
		ts.touch()
		ctx := context.WithValue(r.Context(), sessionKey, ts)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireApproved rejects sessions whose challenge has not been approved.
func (s *Server) requireApproved(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !sessionFromContext(r.Context()).isApproved() {
			writeError(w, http.StatusUnauthorized, proxy.CodeNotAuthenticated, "session is not approved")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireLoopback restricts the admin routes to loopback peers.
func requireLoopback(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLoopback(r.RemoteAddr) {
			writeError(w, http.StatusForbidden, proxy.CodeNotAuthenticated, "admin routes are loopback only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return addr.Unmap().IsLoopback()
}

func sessionFromContext(ctx context.Context) *transportSession {
	ts, _ := ctx.Value(sessionKey).(*transportSession)
	return ts
}
