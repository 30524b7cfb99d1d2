// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"sort"
	"strings"
	"sync"

	"github.com/jmcleod/tokenlink/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Record
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Record)}
}

func makeKey(recordType, recordID string) string {
	return recordType + ":" + recordID
}

func cloneRecord(rec *storage.Record) *storage.Record {
	if rec == nil {
		return nil
	}
	return &storage.Record{
		Class:   rec.Class,
		Label:   rec.Label,
		Data:    append([]byte(nil), rec.Data...),
		Created: rec.Created,
	}
}

func (r *Repository) Put(tokenID, recordType, recordID string, record *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(tokenID, recordType, recordID, record)
}

func (r *Repository) putLocked(tokenID, recordType, recordID string, record *storage.Record) error {
	if _, ok := r.data[tokenID]; !ok {
		r.data[tokenID] = make(map[string]*storage.Record)
	}
	r.data[tokenID][makeKey(recordType, recordID)] = cloneRecord(record)
	return nil
}

func (r *Repository) Get(tokenID, recordType, recordID string) (*storage.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tokenData, ok := r.data[tokenID]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	rec, ok := tokenData[makeKey(recordType, recordID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (r *Repository) List(tokenID, recordType string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	prefix := recordType + ":"
	for k := range r.data[tokenID] {
		if id, ok := strings.CutPrefix(k, prefix); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Repository) Delete(tokenID, recordType, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(tokenID, recordType, recordID)
}

func (r *Repository) deleteLocked(tokenID, recordType, recordID string) error {
	k := makeKey(recordType, recordID)
	tokenData, ok := r.data[tokenID]
	if !ok {
		return storage.ErrTokenNotFound
	}
	if _, ok := tokenData[k]; !ok {
		return storage.ErrNotFound
	}
	delete(tokenData, k)
	return nil
}

func (r *Repository) Tokens() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.data))
	for id, recs := range r.data {
		if len(recs) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(tokenID string, fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshotToken(tokenID)

	tx := &memoryBatchTx{repo: r, tokenID: tokenID}
	if err := fn(tx); err != nil {
		r.restoreToken(tokenID, snapshot)
		return err
	}
	return nil
}

func (r *Repository) snapshotToken(tokenID string) map[string]*storage.Record {
	original, ok := r.data[tokenID]
	if !ok {
		return nil
	}
	cp := make(map[string]*storage.Record, len(original))
	for k, v := range original {
		cp[k] = cloneRecord(v)
	}
	return cp
}

func (r *Repository) restoreToken(tokenID string, snapshot map[string]*storage.Record) {
	if snapshot == nil {
		delete(r.data, tokenID)
	} else {
		r.data[tokenID] = snapshot
	}
}

type memoryBatchTx struct {
	repo    *Repository
	tokenID string
}

func (tx *memoryBatchTx) Put(recordType, recordID string, record *storage.Record) error {
	return tx.repo.putLocked(tx.tokenID, recordType, recordID, record)
}

func (tx *memoryBatchTx) Delete(recordType, recordID string) error {
	return tx.repo.deleteLocked(tx.tokenID, recordType, recordID)
}
