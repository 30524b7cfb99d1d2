package util

import (
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizePIN applies NFKC normalisation and trims surrounding whitespace so
// that PINs typed on different keyboards compare equal.
func NormalizePIN(s string) string {
	return strings.TrimSpace(norm.NFKC.String(s))
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}
