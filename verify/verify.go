// Package verify checks certificates read from a token against a set of trust
// anchors and describes them for display.
package verify

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmcleod/tokenlink/proxy"
)

// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
var ErrInvalidPEM = errors.New("invalid PEM data")

// Code classifies a verification result.
type Code int

const (
	CodeOK Code = iota
	CodeNoCertificates
	CodeNoTrustAnchors
	CodeExpired
	CodeUnknownAuthority
	CodeOther
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeNoCertificates:
		return "no certificates"
	case CodeNoTrustAnchors:
		return "no trust anchors"
	case CodeExpired:
		return "expired"
	case CodeUnknownAuthority:
		return "unknown authority"
	default:
		return "other"
	}
}

// Result is the outcome of Verify.
type Result struct {
	OK      bool   `json:"ok" yaml:"ok"`
	Code    Code   `json:"code" yaml:"code"`
	Message string `json:"message" yaml:"message"`
	// Chain is the verified path from leaf to root when OK.
	Chain []Details `json:"chain,omitempty" yaml:"chain,omitempty"`
}

// Verifier validates certificate chains.
type Verifier struct {
	now       func() time.Time
	keyUsages []x509.ExtKeyUsage
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock sets the time source used for validity checks.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithKeyUsages restricts the accepted extended key usages of the leaf.
// Any usage is accepted by default.
func WithKeyUsages(usages ...x509.ExtKeyUsage) Option {
	return func(v *Verifier) { v.keyUsages = usages }
}

// New returns a Verifier.
func New(opts ...Option) *Verifier {
	v := &Verifier{
		now:       time.Now,
		keyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks certs[0] as the leaf, using the remaining certs as
// intermediates and trusted as roots.
func (v *Verifier) Verify(ctx context.Context, certs, trusted []*x509.Certificate) Result {
	if err := ctx.Err(); err != nil {
		return result(CodeOther, err.Error())
	}
	if len(certs) == 0 {
		return result(CodeNoCertificates, "no certificates to verify")
	}
	if len(trusted) == 0 {
		return result(CodeNoTrustAnchors, "no trust anchors supplied")
	}

	roots := x509.NewCertPool()
	for _, c := range trusted {
		roots.AddCert(c)
	}
	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}

	chains, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   v.now(),
		KeyUsages:     v.keyUsages,
	})
	if err != nil {
		return classify(err)
	}

	res := result(CodeOK, "certificate chain is valid")
	for _, c := range chains[0] {
		res.Chain = append(res.Chain, Describe(c, v.now()))
	}
	return res
}

func result(code Code, msg string) Result {
	return Result{OK: code == CodeOK, Code: code, Message: msg}
}

func classify(err error) Result {
	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) && invalid.Reason == x509.Expired {
		return result(CodeExpired, err.Error())
	}
	var unknown x509.UnknownAuthorityError
	if errors.As(err, &unknown) {
		return result(CodeUnknownAuthority, err.Error())
	}
	return result(CodeOther, err.Error())
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

// ParsePEM decodes every CERTIFICATE block in data. Other block types are
// skipped.
func ParsePEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, ErrInvalidPEM
	}
	return certs, nil
}

// FromProxy parses the raw DER carried by enumerated certificates.
func FromProxy(items []*proxy.Certificate) ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, 0, len(items))
	for _, it := range items {
		cert, err := x509.ParseCertificate(it.Raw)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate %s: %w", it.Index, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// LeafFirst returns certs with the end-entity certificate moved to the
// front, for stores that do not keep chain order. The leaf is the first
// certificate that did not issue any other one in certs.
func LeafFirst(certs []*x509.Certificate) []*x509.Certificate {
	for i, c := range certs {
		if issuesAny(c, certs) {
			continue
		}
		out := make([]*x509.Certificate, 0, len(certs))
		out = append(out, c)
		out = append(out, certs[:i]...)
		return append(out, certs[i+1:]...)
	}
	return certs
}

func issuesAny(issuer *x509.Certificate, certs []*x509.Certificate) bool {
	for _, c := range certs {
		if c != issuer && c.CheckSignatureFrom(issuer) == nil {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Display
// ---------------------------------------------------------------------------

// Certificate status values.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
)

// Details are display fields of one certificate.
type Details struct {
	Subject           string `json:"subject" yaml:"subject"`
	Issuer            string `json:"issuer" yaml:"issuer"`
	SerialNumber      string `json:"serial_number" yaml:"serial_number"`
	NotBefore         string `json:"not_before" yaml:"not_before"`
	NotAfter          string `json:"not_after" yaml:"not_after"`
	FingerprintSHA256 string `json:"fingerprint_sha256" yaml:"fingerprint_sha256"`
	KeyAlgorithm      string `json:"key_algorithm" yaml:"key_algorithm"`
	Status            string `json:"status" yaml:"status"`
}

// Describe extracts display fields from cert, judging validity at now.
func Describe(cert *x509.Certificate, now time.Time) Details {
	fingerprint := sha256.Sum256(cert.Raw)
	status := StatusActive
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		status = StatusExpired
	}
	return Details{
		Subject:           subjectString(cert.Subject),
		Issuer:            subjectString(cert.Issuer),
		SerialNumber:      hex.EncodeToString(cert.SerialNumber.Bytes()),
		NotBefore:         cert.NotBefore.UTC().Format(time.RFC3339),
		NotAfter:          cert.NotAfter.UTC().Format(time.RFC3339),
		FingerprintSHA256: hex.EncodeToString(fingerprint[:]),
		KeyAlgorithm:      keyAlgorithmString(cert),
		Status:            status,
	}
}

func subjectString(name pkix.Name) string {
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
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	return strings.Join(parts, ", ")
}

func keyAlgorithmString(cert *x509.Certificate) string {
	if pub, ok := cert.PublicKey.(*ecdsa.PublicKey); ok {
		return "ECDSA " + pub.Curve.Params().Name
	}
	return cert.PublicKeyAlgorithm.String()
}
