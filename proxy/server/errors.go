package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/tokenlink/proxy"
	"github.com/jmcleod/tokenlink/token"
)

var (
	errBadRequest     = errors.New("bad request")
	errNotExtractable = errors.New("private keys are not extractable")
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, proxy.ErrorResponse{Error: msg, Code: code})
}

func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, token.ErrTokenNotFound):
		writeError(w, http.StatusNotFound, proxy.CodeProviderUnavailable, err.Error())
	case errors.Is(err, token.ErrObjectNotFound):
		writeError(w, http.StatusNotFound, proxy.CodeNotFound, err.Error())
	case errors.Is(err, token.ErrNotLoggedIn):
		writeError(w, http.StatusForbidden, proxy.CodeTokenLocked, err.Error())
	case errors.Is(err, token.ErrPINIncorrect):
		writeError(w, http.StatusForbidden, proxy.CodePINIncorrect, err.Error())
	case errors.Is(err, errBadRequest), errors.Is(err, errNotExtractable):
		writeError(w, http.StatusBadRequest, proxy.CodeBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, proxy.CodeInternal, err.Error())
	}
}
