package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/jmcleod/tokenlink/internal/util"
	"github.com/jmcleod/tokenlink/proxy"
	"github.com/jmcleod/tokenlink/token"
)

// approveTarget is the rate-limit key shared by all challenge approvals.
const approveTarget = "approve"

func decodePIN(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req proxy.PINRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, proxy.CodeBadRequest, "invalid request body")
		return "", false
	}
	pin := util.NormalizePIN(req.PIN)
	if pin == "" {
		writeError(w, http.StatusBadRequest, proxy.CodeBadRequest, "pin is required")
		return "", false
	}
	return pin, true
}

// Pending lists sessions and tokens waiting for an operator.
func (s *Server) Pending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, proxy.PendingResponse{
		Sessions: s.sessions.pending(),
		Tokens:   s.unlocker.waiting(),
	})
}

// Approve approves the pending session whose challenge PIN matches.
func (s *Server) Approve(w http.ResponseWriter, r *http.Request) {
	pin, ok := decodePIN(w, r)
	if !ok {
		return
	}
	if blocked, retry := s.limiter.check(approveTarget); blocked {
		s.audit.log(AuditPINRateLimited, r, slog.String("target", approveTarget))
		writeRateLimited(w, retry)
		return
	}
	ts, ok := s.sessions.approve(pin)
	if !ok {
		s.limiter.recordFailure(approveTarget)
		s.audit.log(AuditApproveFailure, r)
		writeError(w, http.StatusForbidden, proxy.CodePINIncorrect, "no pending session matches the PIN")
		return
	}
	s.limiter.recordSuccess(approveTarget)
	s.audit.log(AuditSessionApproved, r, slog.String("session_id", ts.id), slog.String("origin", ts.origin))
	writeJSON(w, http.StatusOK, proxy.PendingChallenge{SessionID: ts.id, Origin: ts.origin})
}

// Unlock logs in to a token with the operator's PIN.
func (s *Server) Unlock(w http.ResponseWriter, r *http.Request) {
	s.withToken(w, r, func(tok token.Token) {
		pin, ok := decodePIN(w, r)
		if !ok {
			return
		}
		target := "token:" + tok.ID()
		if blocked, retry := s.limiter.check(target); blocked {
			s.audit.log(AuditPINRateLimited, r, slog.String("target", target))
			writeRateLimited(w, retry)
			return
		}
		if err := s.unlocker.unlock(tok, pin); err != nil {
			s.limiter.recordFailure(target)
			s.audit.log(AuditUnlockFailure, r, slog.String("provider_id", tok.ID()))
			mapError(w, err)
			return
		}
		s.limiter.recordSuccess(target)
		s.audit.log(AuditTokenUnlocked, r, slog.String("provider_id", tok.ID()))
		writeJSON(w, http.StatusOK, proxy.LoginStateResponse{LoggedIn: true})
	})
}
