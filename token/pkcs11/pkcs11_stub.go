//go:build !pkcs11

package pkcs11

import (
	"errors"

	"github.com/jmcleod/tokenlink/token"
)

// Config holds the configuration for connecting to a PKCS#11 token.
// This is a placeholder when the pkcs11 build tag is not set.
type Config struct {
	ID         string
	Name       string
	ModulePath string
	TokenLabel string
	SlotNumber *int
}

// Token is a placeholder type when the pkcs11 build tag is not set.
type Token struct {
	token.Token
}

// ErrNotCompiled is returned by New when built without the pkcs11 tag.
var ErrNotCompiled = errors.New("PKCS#11 support not compiled; rebuild with: go build -tags pkcs11")

// New returns an error when compiled without the pkcs11 build tag.
// Rebuild with: go build -tags pkcs11
func New(_ Config) (*Token, error) {
	return nil, ErrNotCompiled
}
