// Package exporter converts a single store item into PEM text, and for public
// keys also into the hex encoding of that PEM text.
package exporter

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jmcleod/tokenlink/internal/util"
	"github.com/jmcleod/tokenlink/proxy"
	"github.com/jmcleod/tokenlink/session"
	"github.com/jmcleod/tokenlink/store"
)

var (
	// ErrUnsupportedItemKind is returned for private keys and unrecognised
	// index prefixes. No output is produced.
	ErrUnsupportedItemKind = errors.New("unsupported item kind for export")
	// ErrEmptyExport is returned when the key store hands back nothing.
	ErrEmptyExport = errors.New("export produced no data")
	// ErrUnsupportedFormat is returned by Export.Encode.
	ErrUnsupportedFormat = errors.New("unsupported export format")
)

// Format selects the text encoding of an export.
type Format string

const (
	FormatPEM Format = "pem"
	FormatHex Format = "hex"
)

// ParseFormat accepts "pem" and "hex", case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatPEM, FormatHex:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

// Export is the exported form of one item. Hex is set for public keys only.
type Export struct {
	Index string     `json:"index" yaml:"index"`
	Kind  store.Kind `json:"kind" yaml:"kind"`
	PEM   string     `json:"pem" yaml:"pem"`
	Hex   string     `json:"hex,omitempty" yaml:"hex,omitempty"`
}

// Encode returns the export in the requested format.
func (e *Export) Encode(format Format) (string, error) {
	switch format {
	case FormatPEM:
		return e.PEM, nil
	case FormatHex:
		if e.Hex == "" {
			return "", fmt.Errorf("%w: %s has no hex form", ErrUnsupportedFormat, e.Kind)
		}
		return e.Hex, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// Exporter exports items from a provider's stores.
type Exporter struct {
	logger *slog.Logger
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Exporter) { e.logger = logger }
}

// New returns an Exporter.
func New(opts ...Option) *Exporter {
	e := &Exporter{}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return e
}

// Export re-opens providerID on sess, logs in to the token if needed and
// exports the item at index. The token is not reset and nothing is written.
func (e *Exporter) Export(ctx context.Context, sess *session.Session, providerID, index string) (*Export, error) {
	kind := store.KindFromIndex(index)
	if kind != store.KindCertificate && kind != store.KindPublicKey {
		return nil, fmt.Errorf("%w: %s (%s)", ErrUnsupportedItemKind, index, kind)
	}

	pc, err := sess.OpenContext(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("opening provider %s: %w", providerID, err)
	}
	defer pc.Release(ctx)

	if err := pc.EnsureLogin(ctx); err != nil {
		return nil, fmt.Errorf("logging in to provider %s: %w", providerID, err)
	}

	var out *Export
	if kind == store.KindCertificate {
		out, err = exportCertificate(ctx, pc, index)
	} else {
		out, err = exportPublicKey(ctx, pc, index)
	}
	if err != nil {
		return nil, err
	}

	e.logger.Debug("item exported",
		slog.String("provider_id", providerID),
		slog.String("index", index),
		slog.String("kind", kind.String()))
	return out, nil
}

func exportCertificate(ctx context.Context, pc *session.ProviderContext, index string) (*Export, error) {
	if _, err := pc.Certificate(ctx, index); err != nil {
		return nil, fmt.Errorf("fetching certificate %s: %w", index, err)
	}
	text, err := pc.ExportCertificate(ctx, proxy.FormatPEM, index)
	if err != nil {
		return nil, fmt.Errorf("exporting certificate %s: %w", index, err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("certificate %s: %w", index, ErrEmptyExport)
	}
	return &Export{Index: index, Kind: store.KindCertificate, PEM: text}, nil
}

func exportPublicKey(ctx context.Context, pc *session.ProviderContext, index string) (*Export, error) {
	key, err := pc.Key(ctx, index)
	if err != nil {
		return nil, fmt.Errorf("fetching key %s: %w", index, err)
	}
	if key.Type != "public" {
		return nil, fmt.Errorf("%w: %s reports type %q", ErrUnsupportedItemKind, index, key.Type)
	}
	der, err := pc.ExportKey(ctx, proxy.FormatSPKI, index)
	if err != nil {
		return nil, fmt.Errorf("exporting key %s: %w", index, err)
	}
	if len(der) == 0 {
		return nil, fmt.Errorf("key %s: %w", index, ErrEmptyExport)
	}
	if _, err := x509.ParsePKIXPublicKey(der); err != nil {
		return nil, fmt.Errorf("key %s is not a valid public key: %w", index, err)
	}
	text := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return &Export{
		Index: index,
		Kind:  store.KindPublicKey,
		PEM:   string(text),
		Hex:   util.HexEncode(text),
	}, nil
}
