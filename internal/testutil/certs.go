// Package testutil builds throwaway certificate chains for tests.
package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"sync/atomic"
	"testing"
	"time"
)

// Issued is a certificate together with its private key.
type Issued struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

// PEM returns the certificate as a PEM block.
func (i *Issued) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: i.Cert.Raw})
}

// KeyPEM returns the private key as a PKCS8 PEM block.
func (i *Issued) KeyPEM(t testing.TB) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(i.Key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

// Chain is a root → intermediate → leaf hierarchy.
type Chain struct {
	Root         *Issued
	Intermediate *Issued
	Leaf         *Issued
}

// NewChain issues a three-level chain valid for [notBefore, notAfter].
func NewChain(t testing.TB, notBefore, notAfter time.Time) *Chain {
	t.Helper()
	root := issue(t, "Test Root CA", nil, true, notBefore, notAfter)
	inter := issue(t, "Test Intermediate CA", root, true, notBefore, notAfter)
	leaf := issue(t, "user@example.com", inter, false, notBefore, notAfter)
	return &Chain{Root: root, Intermediate: inter, Leaf: leaf}
}

// NewValidChain issues a chain valid from an hour ago for a year.
func NewValidChain(t testing.TB) *Chain {
	now := time.Now()
	return NewChain(t, now.Add(-time.Hour), now.Add(365*24*time.Hour))
}

var serial atomic.Int64

func issue(t testing.TB, cn string, parent *Issued, isCA bool, notBefore, notAfter time.Time) *Issued {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial.Add(1)),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"TestOrg"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}
	if isCA {
		tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	} else {
		tmpl.KeyUsage = x509.KeyUsageDigitalSignature
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}
	parentCert, signer := tmpl, key
	if parent != nil {
		parentCert, signer = parent.Cert, parent.Key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parentCert, &key.PublicKey, signer)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return &Issued{Cert: cert, Key: key}
}
