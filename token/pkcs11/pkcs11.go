//go:build pkcs11

// Package pkcs11 exposes a PKCS#11 module slot as a token.Token.
package pkcs11

import (
	"crypto/x509"
	"fmt"
	"sync"

	"github.com/ThalesGroup/crypto11"

	"github.com/jmcleod/tokenlink/token"
)

// Config holds the configuration for connecting to a PKCS#11 token.
type Config struct {
	// ID is the provider ID reported to clients.
	ID string

	// Name is the display name; defaults to TokenLabel.
	Name string

	// ModulePath is the path to the PKCS#11 shared library
	// (e.g., /usr/lib/softhsm/libsofthsm2.so).
	ModulePath string

	// TokenLabel identifies the HSM token/slot by label.
	TokenLabel string

	// SlotNumber optionally specifies a slot number. When non-nil,
	// it overrides TokenLabel for slot selection.
	SlotNumber *int
}

// Token is a PKCS#11 slot. The module session is opened by Login, because
// crypto11 authenticates when the context is configured.
type Token struct {
	cfg Config

	mu    sync.Mutex
	ctx   *crypto11.Context
	certs map[string]*x509.Certificate
	keys  map[string]*token.Key
}

var _ token.Token = (*Token)(nil)

// New returns a logged-out PKCS#11 token.
func New(cfg Config) (*Token, error) {
	if cfg.ModulePath == "" {
		return nil, fmt.Errorf("PKCS#11 module path is required")
	}
	if cfg.ID == "" {
		cfg.ID = "pkcs11-" + cfg.TokenLabel
	}
	if cfg.Name == "" {
		cfg.Name = cfg.TokenLabel
	}
	return &Token{cfg: cfg}, nil
}

func (p *Token) ID() string   { return p.cfg.ID }
func (p *Token) Name() string { return p.cfg.Name }

// ATR is not exposed through PKCS#11.
func (p *Token) ATR() string { return "" }

func (p *Token) IsLoggedIn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctx != nil
}

// Login configures the crypto11 context with the user PIN.
func (p *Token) Login(pin string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx != nil {
		return nil
	}
	config := &crypto11.Config{
		Path:       p.cfg.ModulePath,
		TokenLabel: p.cfg.TokenLabel,
		Pin:        pin,
	}
	if p.cfg.SlotNumber != nil {
		config.SlotNumber = p.cfg.SlotNumber
	}
	ctx, err := crypto11.Configure(config)
	if err != nil {
		return fmt.Errorf("%w: configuring PKCS#11: %v", token.ErrPINIncorrect, err)
	}
	p.ctx = ctx
	return nil
}

// Logout releases the PKCS#11 context.
func (p *Token) Logout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx != nil {
		p.ctx.Close()
		p.ctx = nil
	}
	p.certs, p.keys = nil, nil
}

func (p *Token) Reset() error {
	p.mu.Lock()
	p.certs, p.keys = nil, nil
	p.mu.Unlock()
	return nil
}

func (p *Token) CertificateIndices() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		return nil, token.ErrNotLoggedIn
	}
	return p.loadCertificates()
}

// loadCertificates walks the slot and replaces the certificate cache.
// p.mu must be held.
func (p *Token) loadCertificates() ([]string, error) {
	pairs, err := p.ctx.FindAllPairedCertificates()
	if err != nil {
		return nil, fmt.Errorf("listing PKCS#11 certificates: %w", err)
	}
	p.certs = make(map[string]*x509.Certificate, len(pairs))
	indices := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		if len(pair.Certificate) == 0 {
			continue
		}
		cert, err := x509.ParseCertificate(pair.Certificate[0])
		if err != nil {
			continue
		}
		idx := token.CertificateIndex(token.ObjectID(cert.Raw))
		p.certs[idx] = cert
		indices = append(indices, idx)
	}
	return indices, nil
}

// Certificate looks index up in the cache filled by the last listing and
// walks the slot again on a miss, so it works without a prior listing.
func (p *Token) Certificate(index string) (*token.Certificate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		return nil, token.ErrNotLoggedIn
	}
	cert, ok := p.certs[index]
	if !ok {
		if _, err := p.loadCertificates(); err != nil {
			return nil, err
		}
		cert, ok = p.certs[index]
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", token.ErrObjectNotFound, index)
	}
	_, id, _ := token.SplitIndex(index)
	return &token.Certificate{Index: index, ID: id, Cert: cert}, nil
}

// KeyIndices lists every key pair found in the slot as a private and a public
// index sharing one ID.
func (p *Token) KeyIndices() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		return nil, token.ErrNotLoggedIn
	}
	return p.loadKeys()
}

// loadKeys walks the slot and replaces the key cache. p.mu must be held.
func (p *Token) loadKeys() ([]string, error) {
	signers, err := p.ctx.FindAllKeyPairs()
	if err != nil {
		return nil, fmt.Errorf("listing PKCS#11 key pairs: %w", err)
	}
	p.keys = make(map[string]*token.Key, 2*len(signers))
	var indices []string
	for _, s := range signers {
		spki, err := x509.MarshalPKIXPublicKey(s.Public())
		if err != nil {
			continue
		}
		id := token.ObjectID(spki)
		alg, curve := token.AlgorithmName(s.Public())
		priv := &token.Key{Index: token.PrivateKeyIndex(id), ID: id, Type: token.KeyTypePrivate,
			Algorithm: alg, NamedCurve: curve, Usages: []string{"sign"}, Public: s.Public()}
		pub := &token.Key{Index: token.PublicKeyIndex(id), ID: id, Type: token.KeyTypePublic,
			Algorithm: alg, NamedCurve: curve, Extractable: true, Usages: []string{"verify"}, Public: s.Public()}
		p.keys[priv.Index], p.keys[pub.Index] = priv, pub
		indices = append(indices, priv.Index, pub.Index)
	}
	return indices, nil
}

// Key behaves like Certificate for the key cache.
func (p *Token) Key(index string) (*token.Key, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		return nil, token.ErrNotLoggedIn
	}
	k, ok := p.keys[index]
	if !ok {
		if _, err := p.loadKeys(); err != nil {
			return nil, err
		}
		k, ok = p.keys[index]
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", token.ErrObjectNotFound, index)
	}
	return k, nil
}
