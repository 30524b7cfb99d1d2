// Package soft implements a software token whose objects are persisted in a
// storage.Repository. It behaves like a smart card from the proxy's point of
// view: objects are only readable after Login with the token PIN.
package soft

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jmcleod/tokenlink/internal/util"
	"github.com/jmcleod/tokenlink/internal/uuid"
	"github.com/jmcleod/tokenlink/storage"
	"github.com/jmcleod/tokenlink/token"
)

const (
	recordTypeMeta = "meta"
	recordTypeCert = "cert"
	recordTypeKey  = "key"

	metaRecordID = "token"
)

type metadata struct {
	Name string        `json:"name"`
	ATR  string        `json:"atr,omitempty"`
	PIN  *util.PINHash `json:"pin"`
}

// Token is a software token backed by a storage.Repository.
type Token struct {
	id   string
	meta metadata
	repo storage.Repository
	rand io.Reader

	mu       sync.Mutex
	loggedIn bool
}

var _ token.Token = (*Token)(nil)

// Option configures a Token at creation time.
type Option func(*createOptions)

type createOptions struct {
	atr    string
	params util.Argon2idParams
}

// WithATR sets the answer-to-reset string reported for the token.
func WithATR(atr string) Option {
	return func(o *createOptions) { o.atr = atr }
}

// WithArgon2idParams overrides the PIN hashing cost. Tests use cheap params.
func WithArgon2idParams(p util.Argon2idParams) Option {
	return func(o *createOptions) { o.params = p }
}

// Create initialises a new software token in repo and returns it logged out.
func Create(repo storage.Repository, name, pin string, opts ...Option) (*Token, error) {
	o := createOptions{params: util.DefaultArgon2idParams()}
	for _, opt := range opts {
		opt(&o)
	}
	if util.NormalizePIN(pin) == "" {
		return nil, errors.New("token PIN must not be empty")
	}
	hash, err := util.HashPIN(pin, o.params)
	if err != nil {
		return nil, fmt.Errorf("hashing token PIN: %w", err)
	}
	t := &Token{
		id:   uuid.New(),
		meta: metadata{Name: name, ATR: o.atr, PIN: hash},
		repo: repo,
		rand: rand.Reader,
	}
	data, err := json.Marshal(t.meta)
	if err != nil {
		return nil, err
	}
	if err := repo.Put(t.id, recordTypeMeta, metaRecordID, &storage.Record{Class: "meta", Label: name, Data: data, Created: time.Now().Unix()}); err != nil {
		return nil, fmt.Errorf("storing token metadata: %w", err)
	}
	return t, nil
}

// Open loads an existing software token from repo.
func Open(repo storage.Repository, id string) (*Token, error) {
	rec, err := repo.Get(id, recordTypeMeta, metaRecordID)
	if err != nil {
		return nil, fmt.Errorf("loading token %s: %w", id, err)
	}
	var meta metadata
	if err := json.Unmarshal(rec.Data, &meta); err != nil {
		return nil, fmt.Errorf("decoding token metadata: %w", err)
	}
	if meta.PIN == nil {
		return nil, fmt.Errorf("token %s has no PIN configured", id)
	}
	return &Token{id: id, meta: meta, repo: repo, rand: rand.Reader}, nil
}

// OpenAll loads every software token stored in repo.
func OpenAll(repo storage.Repository) ([]*Token, error) {
	ids, err := repo.Tokens()
	if err != nil {
		return nil, err
	}
	tokens := make([]*Token, 0, len(ids))
	for _, id := range ids {
		t, err := Open(repo, id)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, nil
}

func (t *Token) ID() string   { return t.id }
func (t *Token) Name() string { return t.meta.Name }
func (t *Token) ATR() string  { return t.meta.ATR }

func (t *Token) IsLoggedIn() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loggedIn
}

// Login unlocks the token if pin matches the stored hash.
func (t *Token) Login(pin string) error {
	ok, err := t.meta.PIN.Verify(pin)
	if err != nil {
		return err
	}
	if !ok {
		return token.ErrPINIncorrect
	}
	t.mu.Lock()
	t.loggedIn = true
	t.mu.Unlock()
	return nil
}

func (t *Token) Logout() {
	t.mu.Lock()
	t.loggedIn = false
	t.mu.Unlock()
}

// Reset is a no-op: every store read goes straight to the repository.
func (t *Token) Reset() error { return nil }

func (t *Token) requireLogin() error {
	if !t.IsLoggedIn() {
		return token.ErrNotLoggedIn
	}
	return nil
}

// CertificateIndices returns "x509-<id>" indices in storage order.
func (t *Token) CertificateIndices() ([]string, error) {
	if err := t.requireLogin(); err != nil {
		return nil, err
	}
	ids, err := t.repo.List(t.id, recordTypeCert)
	if err != nil {
		return nil, err
	}
	indices := make([]string, 0, len(ids))
	for _, id := range ids {
		indices = append(indices, token.CertificateIndex(id))
	}
	return indices, nil
}

func (t *Token) Certificate(index string) (*token.Certificate, error) {
	if err := t.requireLogin(); err != nil {
		return nil, err
	}
	prefix, id, ok := token.SplitIndex(index)
	if !ok || prefix != token.PrefixCertificate {
		return nil, fmt.Errorf("%w: %s", token.ErrObjectNotFound, index)
	}
	rec, err := t.repo.Get(t.id, recordTypeCert, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrTokenNotFound) {
			return nil, fmt.Errorf("%w: %s", token.ErrObjectNotFound, index)
		}
		return nil, err
	}
	cert, err := x509.ParseCertificate(rec.Data)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate %s: %w", index, err)
	}
	return &token.Certificate{Index: index, ID: id, Cert: cert}, nil
}

// KeyIndices returns "private-<id>" and "public-<id>" indices in storage order.
func (t *Token) KeyIndices() ([]string, error) {
	if err := t.requireLogin(); err != nil {
		return nil, err
	}
	return t.repo.List(t.id, recordTypeKey)
}

func (t *Token) Key(index string) (*token.Key, error) {
	if err := t.requireLogin(); err != nil {
		return nil, err
	}
	prefix, id, ok := token.SplitIndex(index)
	if !ok || (prefix != token.PrefixPublicKey && prefix != token.PrefixPrivateKey) {
		return nil, fmt.Errorf("%w: %s", token.ErrObjectNotFound, index)
	}
	rec, err := t.repo.Get(t.id, recordTypeKey, index)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrTokenNotFound) {
			return nil, fmt.Errorf("%w: %s", token.ErrObjectNotFound, index)
		}
		return nil, err
	}

	k := &token.Key{Index: index, ID: id, Type: rec.Class}
	switch rec.Class {
	case token.KeyTypePublic:
		pub, err := x509.ParsePKIXPublicKey(rec.Data)
		if err != nil {
			return nil, fmt.Errorf("parsing public key %s: %w", index, err)
		}
		k.Public = pub
		k.Extractable = true
		k.Usages = []string{"verify"}
	case token.KeyTypePrivate:
		priv, err := x509.ParsePKCS8PrivateKey(rec.Data)
		if err != nil {
			return nil, fmt.Errorf("parsing private key %s: %w", index, err)
		}
		signer, ok := priv.(interface{ Public() crypto.PublicKey })
		if !ok {
			return nil, fmt.Errorf("private key %s has no public half", index)
		}
		k.Public = signer.Public()
		k.Usages = []string{"sign"}
	default:
		return nil, fmt.Errorf("unknown key class %q for %s", rec.Class, index)
	}
	k.Algorithm, k.NamedCurve = token.AlgorithmName(k.Public)
	return k, nil
}

// ImportCertificatePEM stores every CERTIFICATE block in pemData and returns
// their indices. Import does not require login.
func (t *Token) ImportCertificatePEM(pemData []byte) ([]string, error) {
	var indices []string
	rest := pemData
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return indices, fmt.Errorf("%w: %v", token.ErrInvalidPEM, err)
		}
		id := token.ObjectID(cert.Raw)
		rec := &storage.Record{
			Class:   token.PrefixCertificate,
			Label:   token.SubjectString(cert.Subject),
			Data:    cert.Raw,
			Created: time.Now().Unix(),
		}
		if err := t.repo.Put(t.id, recordTypeCert, id, rec); err != nil {
			return indices, fmt.Errorf("storing certificate: %w", err)
		}
		indices = append(indices, token.CertificateIndex(id))
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("%w: no CERTIFICATE block found", token.ErrInvalidPEM)
	}
	return indices, nil
}

// GenerateKey creates an ECDSA P-256 key pair and stores both halves under a
// shared ID. It returns the public and private indices.
func (t *Token) GenerateKey(label string) (pubIndex, privIndex string, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), t.rand)
	if err != nil {
		return "", "", fmt.Errorf("generating ECDSA P-256 key: %w", err)
	}
	return t.storeKeyPair(label, priv)
}

// ImportKeyPEM stores a PKCS8 or SEC1 EC private key and its public half.
func (t *Token) ImportKeyPEM(label string, pemData []byte) (pubIndex, privIndex string, err error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return "", "", fmt.Errorf("%w: no PEM block found", token.ErrInvalidPEM)
	}
	var priv *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		priv, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, e := x509.ParsePKCS8PrivateKey(block.Bytes)
		if e != nil {
			return "", "", fmt.Errorf("%w: %v", token.ErrInvalidPEM, e)
		}
		var ok bool
		priv, ok = key.(*ecdsa.PrivateKey)
		if !ok {
			return "", "", fmt.Errorf("%w: not an ECDSA key", token.ErrInvalidPEM)
		}
	default:
		return "", "", fmt.Errorf("%w: unexpected PEM type %q", token.ErrInvalidPEM, block.Type)
	}
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", token.ErrInvalidPEM, err)
	}
	return t.storeKeyPair(label, priv)
}

// Delete removes the object at index. Deleting either half of a key pair
// removes both halves. The token must be logged in.
func (t *Token) Delete(index string) error {
	if err := t.requireLogin(); err != nil {
		return err
	}
	prefix, id, ok := token.SplitIndex(index)
	if !ok {
		return fmt.Errorf("%w: %s", token.ErrObjectNotFound, index)
	}
	var err error
	switch prefix {
	case token.PrefixCertificate:
		err = t.repo.Delete(t.id, recordTypeCert, id)
	case token.PrefixPublicKey, token.PrefixPrivateKey:
		err = t.repo.Batch(t.id, func(tx storage.BatchTx) error {
			if err := tx.Delete(recordTypeKey, token.PublicKeyIndex(id)); err != nil {
				return err
			}
			return tx.Delete(recordTypeKey, token.PrivateKeyIndex(id))
		})
	default:
		return fmt.Errorf("%w: %s", token.ErrObjectNotFound, index)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", token.ErrObjectNotFound, index)
	}
	return err
}

func (t *Token) storeKeyPair(label string, priv *ecdsa.PrivateKey) (string, string, error) {
	spki, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return "", "", err
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", err
	}
	defer util.WipeBytes(pkcs8)

	id := token.ObjectID(spki)
	pubIndex, privIndex := token.PublicKeyIndex(id), token.PrivateKeyIndex(id)
	now := time.Now().Unix()
	err = t.repo.Batch(t.id, func(tx storage.BatchTx) error {
		if err := tx.Put(recordTypeKey, pubIndex, &storage.Record{Class: token.KeyTypePublic, Label: label, Data: spki, Created: now}); err != nil {
			return err
		}
		return tx.Put(recordTypeKey, privIndex, &storage.Record{Class: token.KeyTypePrivate, Label: label, Data: pkcs8, Created: now})
	})
	if err != nil {
		return "", "", fmt.Errorf("storing key pair: %w", err)
	}
	return pubIndex, privIndex, nil
}
