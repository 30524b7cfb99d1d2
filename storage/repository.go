// Package storage provides the persistence layer for software token objects.
//
// A repository is partitioned by token ID. Inside a token, records are keyed
// by (recordType, recordID); record types are chosen by the token backend
// (e.g. "cert", "key", "meta").
package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrTokenNotFound is returned when no records exist for a token ID.
	ErrTokenNotFound = errors.New("token not found")
)

// Record is a single stored token object. Data is opaque to the repository.
type Record struct {
	Class   string `json:"class"`
	Label   string `json:"label,omitempty"`
	Data    []byte `json:"data"`
	Created int64  `json:"created,omitempty"`
}

// BatchTx provides writes within an atomic transaction.
// The tokenID is scoped to the batch, so methods don't require it.
type BatchTx interface {
	Put(recordType string, recordID string, record *Record) error
	Delete(recordType string, recordID string) error
}

// Repository defines the interface for token object storage.
type Repository interface {
	Put(tokenID string, recordType string, recordID string, record *Record) error
	Get(tokenID string, recordType string, recordID string) (*Record, error)
	// List returns record IDs of the given type in ascending key order.
	List(tokenID string, recordType string) ([]string, error)
	Delete(tokenID string, recordType string, recordID string) error
	Batch(tokenID string, fn func(tx BatchTx) error) error
	// Tokens returns the IDs of all tokens with at least one record.
	Tokens() ([]string, error)
}
