//go:build !pkcs11

package pkcs11_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jmcleod/tokenlink/token/pkcs11"
)

func TestNewWithoutBuildTag(t *testing.T) {
	tok, err := pkcs11.New(pkcs11.Config{ModulePath: "/usr/lib/softhsm/libsofthsm2.so"})
	assert.Nil(t, tok)
	assert.ErrorIs(t, err, pkcs11.ErrNotCompiled)
}
