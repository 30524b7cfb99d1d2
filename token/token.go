// Package token defines the hardware-token abstraction served by the local
// proxy. A Token exposes a certificate store and a key store whose objects are
// addressed by kind-prefixed indices ("x509-…", "public-…", "private-…").
//
// Backends live in sub-packages: token/soft for software tokens persisted in a
// storage.Repository and token/pkcs11 for PKCS#11 modules.
package token

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotLoggedIn is returned by store operations on a locked token.
	ErrNotLoggedIn = errors.New("token is not logged in")
	// ErrPINIncorrect is returned by Login when the PIN does not match.
	ErrPINIncorrect = errors.New("incorrect token PIN")
	// ErrObjectNotFound is returned when an index does not resolve to an object.
	ErrObjectNotFound = errors.New("token object not found")
	// ErrTokenNotFound is returned by Registry lookups for unknown token IDs.
	ErrTokenNotFound = errors.New("token not attached")
	// ErrInvalidPEM is returned when imported PEM data cannot be decoded.
	ErrInvalidPEM = errors.New("invalid PEM data")
)

// Index prefixes. The part after the first "-" is backend-defined.
const (
	PrefixCertificate = "x509"
	PrefixPublicKey   = "public"
	PrefixPrivateKey  = "private"
)

// Key types reported by the key store.
const (
	KeyTypePublic  = "public"
	KeyTypePrivate = "private"
)

// Certificate is a certificate object held by a token.
type Certificate struct {
	Index string
	ID    string
	Cert  *x509.Certificate
}

// Key is a key object held by a token. Public is always populated; for
// private keys it is the public half of the pair.
type Key struct {
	Index       string
	ID          string
	Type        string
	Algorithm   string
	NamedCurve  string
	Extractable bool
	Usages      []string
	Public      crypto.PublicKey
}

// Token is a single attached cryptographic token.
type Token interface {
	ID() string
	Name() string
	// ATR is the answer-to-reset pattern identifying a smart card, or "".
	ATR() string

	IsLoggedIn() bool
	Login(pin string) error
	Logout()
	// Reset drops any cached token-side state. Login state survives.
	Reset() error

	CertificateIndices() ([]string, error)
	Certificate(index string) (*Certificate, error)
	KeyIndices() ([]string, error)
	Key(index string) (*Key, error)
}

// CertificateIndex returns the store index for a certificate ID.
func CertificateIndex(id string) string { return PrefixCertificate + "-" + id }

// PublicKeyIndex returns the store index for a public key ID.
func PublicKeyIndex(id string) string { return PrefixPublicKey + "-" + id }

// PrivateKeyIndex returns the store index for a private key ID.
func PrivateKeyIndex(id string) string { return PrefixPrivateKey + "-" + id }

// SplitIndex separates an index into its kind prefix and backend ID.
func SplitIndex(index string) (prefix, id string, ok bool) {
	return strings.Cut(index, "-")
}

// ObjectID derives a stable identifier from DER bytes (certificate or SPKI).
func ObjectID(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:8])
}

// AlgorithmName maps a public key to its WebCrypto-style algorithm name and
// named curve.
func AlgorithmName(pub crypto.PublicKey) (name, curve string) {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		return "ECDSA", k.Curve.Params().Name
	case *rsa.PublicKey:
		return "RSASSA-PKCS1-v1_5", ""
	case ed25519.PublicKey:
		return "Ed25519", ""
	default:
		return fmt.Sprintf("%T", pub), ""
	}
}

// SubjectString formats a pkix.Name as a readable DN string.
func SubjectString(name pkix.Name) string {
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	for _, l := range name.Locality {
		parts = append(parts, "L="+l)
	}
	for _, p := range name.Province {
		parts = append(parts, "ST="+p)
	}
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	return strings.Join(parts, ", ")
}
