package server

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/tokenlink/internal/util"
	"github.com/jmcleod/tokenlink/proxy"
	"github.com/jmcleod/tokenlink/token"
)

// challengeDigits is the length of the PIN an operator confirms.
const challengeDigits = 6

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

// Hello reports that the proxy is ready.
func (s *Server) Hello(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, proxy.HelloResponse{Name: Name, Version: s.version})
}

// OpenSession creates a transport session.
func (s *Server) OpenSession(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = r.RemoteAddr
	}
	ts := s.sessions.open(origin)
	s.audit.log(AuditSessionOpened, r, slog.String("session_id", ts.id), slog.String("origin", origin))
	writeJSON(w, http.StatusCreated, proxy.OpenSessionResponse{SessionID: ts.id})
}

// CloseSession discards the caller's transport session.
func (s *Server) CloseSession(w http.ResponseWriter, r *http.Request) {
	s.sessions.remove(sessionFromContext(r.Context()).id)
	w.WriteHeader(http.StatusNoContent)
}

// SessionLoginState reports whether the session has been approved.
func (s *Server) SessionLoginState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, proxy.LoginStateResponse{LoggedIn: sessionFromContext(r.Context()).isApproved()})
}

// Challenge issues a fresh challenge PIN for the session.
func (s *Server) Challenge(w http.ResponseWriter, r *http.Request) {
	ts := sessionFromContext(r.Context())
	pin, err := util.RandomDigits(challengeDigits)
	if err != nil {
		mapError(w, fmt.Errorf("generating challenge: %w", err))
		return
	}
	if !ts.setChallenge(pin) {
		writeError(w, http.StatusConflict, proxy.CodeBadRequest, "session is already approved")
		return
	}
	s.audit.log(AuditChallengeIssued, r, slog.String("session_id", ts.id))
	if s.autoApprove {
		ts.approve()
		s.audit.log(AuditSessionApproved, r, slog.String("session_id", ts.id), slog.Bool("auto", true))
	}
	writeJSON(w, http.StatusOK, proxy.ChallengeResponse{PIN: pin})
}

// SessionLogin waits until the session's challenge is approved.
func (s *Server) SessionLogin(w http.ResponseWriter, r *http.Request) {
	ts := sessionFromContext(r.Context())
	ts.mu.Lock()
	challenged := ts.pin != nil || ts.approved
	ready := ts.ready
	ts.mu.Unlock()
	if !challenged {
		writeError(w, http.StatusConflict, proxy.CodeBadRequest, "no challenge issued")
		return
	}
	select {
	case <-ready:
		writeJSON(w, http.StatusOK, proxy.LoginStateResponse{LoggedIn: true})
	case <-r.Context().Done():
		writeError(w, http.StatusUnauthorized, proxy.CodeNotAuthenticated, "login was not approved")
	}
}

// Info lists attached tokens.
func (s *Server) Info(w http.ResponseWriter, r *http.Request) {
	tokens := s.tokens.List()
	resp := proxy.InfoResponse{
		Name:      Name,
		Version:   s.version,
		Providers: make([]proxy.ProviderInfo, 0, len(tokens)),
	}
	for _, t := range tokens {
		resp.Providers = append(resp.Providers, providerInfo(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

func providerInfo(t token.Token) proxy.ProviderInfo {
	return proxy.ProviderInfo{ID: t.ID(), Name: t.Name(), ATR: t.ATR()}
}

// ---------------------------------------------------------------------------
// Providers
// ---------------------------------------------------------------------------

// withToken resolves {providerID} and calls fn with the token.
func (s *Server) withToken(w http.ResponseWriter, r *http.Request, fn func(token.Token)) {
	tok, err := s.tokens.Get(chi.URLParam(r, "providerID"))
	if err != nil {
		mapError(w, err)
		return
	}
	fn(tok)
}

// Provider describes one token.
func (s *Server) Provider(w http.ResponseWriter, r *http.Request) {
	s.withToken(w, r, func(tok token.Token) {
		writeJSON(w, http.StatusOK, providerInfo(tok))
	})
}

// ResetProvider drops cached token state.
func (s *Server) ResetProvider(w http.ResponseWriter, r *http.Request) {
	s.withToken(w, r, func(tok token.Token) {
		if err := tok.Reset(); err != nil {
			mapError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// ProviderLoginState reports whether the token is logged in.
func (s *Server) ProviderLoginState(w http.ResponseWriter, r *http.Request) {
	s.withToken(w, r, func(tok token.Token) {
		writeJSON(w, http.StatusOK, proxy.LoginStateResponse{LoggedIn: tok.IsLoggedIn()})
	})
}

// ProviderLogin waits until the token is unlocked.
func (s *Server) ProviderLogin(w http.ResponseWriter, r *http.Request) {
	s.withToken(w, r, func(tok token.Token) {
		if err := s.unlocker.login(r.Context(), tok); err != nil {
			if r.Context().Err() != nil {
				writeError(w, http.StatusForbidden, proxy.CodeTokenLocked, "token was not unlocked")
				return
			}
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, proxy.LoginStateResponse{LoggedIn: true})
	})
}

// CertificateIndices lists the certificate store.
func (s *Server) CertificateIndices(w http.ResponseWriter, r *http.Request) {
	s.withToken(w, r, func(tok token.Token) {
		indices, err := tok.CertificateIndices()
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, proxy.IndicesResponse{Indices: nonNil(indices)})
	})
}

// Certificate returns one certificate store item.
func (s *Server) Certificate(w http.ResponseWriter, r *http.Request) {
	s.withToken(w, r, func(tok token.Token) {
		c, err := tok.Certificate(chi.URLParam(r, "index"))
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, certificateResponse(c))
	})
}

func certificateResponse(c *token.Certificate) proxy.Certificate {
	return proxy.Certificate{
		Index:        c.Index,
		ID:           c.ID,
		Type:         token.PrefixCertificate,
		SubjectName:  token.SubjectString(c.Cert.Subject),
		IssuerName:   token.SubjectString(c.Cert.Issuer),
		SerialNumber: hex.EncodeToString(c.Cert.SerialNumber.Bytes()),
		NotBefore:    c.Cert.NotBefore.UTC().Format(time.RFC3339),
		NotAfter:     c.Cert.NotAfter.UTC().Format(time.RFC3339),
		Raw:          c.Cert.Raw,
	}
}

// ExportCertificate returns a certificate as PEM text.
func (s *Server) ExportCertificate(w http.ResponseWriter, r *http.Request) {
	s.withToken(w, r, func(tok token.Token) {
		if f := r.URL.Query().Get("format"); f != proxy.FormatPEM {
			mapError(w, fmt.Errorf("%w: certificate format %q", errBadRequest, f))
			return
		}
		index := chi.URLParam(r, "index")
		c, err := tok.Certificate(index)
		if err != nil {
			mapError(w, err)
			return
		}
		text := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Cert.Raw})
		s.audit.log(AuditCertificateExported, r,
			slog.String("provider_id", tok.ID()), slog.String("index", index))
		writeJSON(w, http.StatusOK, proxy.ExportResponse{Format: proxy.FormatPEM, Text: string(text)})
	})
}

// KeyIndices lists the key store.
func (s *Server) KeyIndices(w http.ResponseWriter, r *http.Request) {
	s.withToken(w, r, func(tok token.Token) {
		indices, err := tok.KeyIndices()
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, proxy.IndicesResponse{Indices: nonNil(indices)})
	})
}

// Key returns one key store item.
func (s *Server) Key(w http.ResponseWriter, r *http.Request) {
	s.withToken(w, r, func(tok token.Token) {
		k, err := tok.Key(chi.URLParam(r, "index"))
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, keyResponse(k))
	})
}

func keyResponse(k *token.Key) proxy.Key {
	return proxy.Key{
		Index:       k.Index,
		ID:          k.ID,
		Type:        k.Type,
		Algorithm:   proxy.Algorithm{Name: k.Algorithm, NamedCurve: k.NamedCurve},
		Extractable: k.Extractable,
		Usages:      nonNil(k.Usages),
	}
}

// ExportKey returns a public key as SPKI DER.
func (s *Server) ExportKey(w http.ResponseWriter, r *http.Request) {
	s.withToken(w, r, func(tok token.Token) {
		if f := r.URL.Query().Get("format"); f != proxy.FormatSPKI {
			mapError(w, fmt.Errorf("%w: key format %q", errBadRequest, f))
			return
		}
		index := chi.URLParam(r, "index")
		k, err := tok.Key(index)
		if err != nil {
			mapError(w, err)
			return
		}
		if k.Type != token.KeyTypePublic {
			mapError(w, errNotExtractable)
			return
		}
		der, err := x509.MarshalPKIXPublicKey(k.Public)
		if err != nil {
			mapError(w, fmt.Errorf("encoding %s: %w", index, err))
			return
		}
		s.audit.log(AuditKeyExported, r,
			slog.String("provider_id", tok.ID()), slog.String("index", index))
		writeJSON(w, http.StatusOK, proxy.ExportResponse{Format: proxy.FormatSPKI, Data: der})
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
