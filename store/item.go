package store

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the kind of a store item. It is carried with the index so that
// consumers never re-parse the index string.
type Kind int

const (
	KindUnknown Kind = iota
	KindCertificate
	KindPublicKey
	KindPrivateKey
)

func (k Kind) String() string {
	switch k {
	case KindCertificate:
		return "certificate"
	case KindPublicKey:
		return "public key"
	case KindPrivateKey:
		return "private key"
	default:
		return "unknown"
	}
}

// Index prefixes as produced by the proxy.
const (
	prefixCertificate = "x509"
	prefixPublicKey   = "public"
	prefixPrivateKey  = "private"
)

// KindFromIndex derives an item kind from the tag before the first "-".
func KindFromIndex(index string) Kind {
	tag, _, ok := strings.Cut(index, "-")
	if !ok {
		return KindUnknown
	}
	switch tag {
	case prefixCertificate:
		return KindCertificate
	case prefixPublicKey:
		return KindPublicKey
	case prefixPrivateKey:
		return KindPrivateKey
	default:
		return KindUnknown
	}
}

// kindFromKeyType maps the key type reported by the key store.
func kindFromKeyType(t string) Kind {
	switch t {
	case "public":
		return KindPublicKey
	case "private":
		return KindPrivateKey
	default:
		return KindUnknown
	}
}

// Item is one entry of the unified listing. Label is the subject name for
// certificates and the algorithm name for keys.
type Item struct {
	Index string `json:"index" yaml:"index"`
	ID    string `json:"id" yaml:"id"`
	Kind  Kind   `json:"kind" yaml:"kind"`
	Label string `json:"label" yaml:"label"`
}

// ErrItemFetch marks a failure to fetch a single item during enumeration.
var ErrItemFetch = errors.New("item fetch failed")

// ErrKindMismatch is wrapped when the kind reported by the store disagrees
// with the index prefix.
var ErrKindMismatch = errors.New("item kind does not match index")

// ItemError reports one failed index. It matches ErrItemFetch and the
// underlying cause with errors.Is.
type ItemError struct {
	Index string
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("fetching %s: %v", e.Index, e.Err)
}

func (e *ItemError) Unwrap() []error {
	return []error{ErrItemFetch, e.Err}
}

// MarshalText renders the kind by name in JSON and YAML output.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}
