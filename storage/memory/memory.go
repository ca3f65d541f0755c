// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/pkisouverain/caengine/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]*storage.Record
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]*storage.Record)}
}

func makeKey(recordType, recordID string) string {
	return recordType + ":" + recordID
}

func (r *Repository) Put(_ context.Context, recordType, recordID string, record *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(recordType, recordID, record)
}

func (r *Repository) putLocked(recordType, recordID string, record *storage.Record) error {
	r.data[makeKey(recordType, recordID)] = record.Clone()
	return nil
}

func (r *Repository) Get(_ context.Context, recordType, recordID string) (*storage.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(recordType, recordID)
}

func (r *Repository) getLocked(recordType, recordID string) (*storage.Record, error) {
	rec, ok := r.data[makeKey(recordType, recordID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *Repository) List(_ context.Context, recordType string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	prefix := recordType + ":"
	for k := range r.data {
		if id, ok := strings.CutPrefix(k, prefix); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *Repository) Delete(_ context.Context, recordType, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(recordType, recordID)
}

func (r *Repository) deleteLocked(recordType, recordID string) error {
	k := makeKey(recordType, recordID)
	if _, ok := r.data[k]; !ok {
		return storage.ErrNotFound
	}
	delete(r.data, k)
	return nil
}

func (r *Repository) PutCAS(_ context.Context, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCASLocked(recordType, recordID, expectedVersion, record)
}

func (r *Repository) putCASLocked(recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	existing, err := r.getLocked(recordType, recordID)
	if err != nil {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		return r.putLocked(recordType, recordID, record)
	}
	if expectedVersion == 0 || existing.Version != expectedVersion {
		return storage.ErrCASFailed
	}
	return r.putLocked(recordType, recordID, record)
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(_ context.Context, fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshot()

	if err := fn(&memoryBatchTx{repo: r}); err != nil {
		r.data = snapshot
		return err
	}
	return nil
}

func (r *Repository) snapshot() map[string]*storage.Record {
	cp := make(map[string]*storage.Record, len(r.data))
	for k, v := range r.data {
		cp[k] = v.Clone()
	}
	return cp
}

type memoryBatchTx struct {
	repo *Repository
}

func (tx *memoryBatchTx) Get(recordType, recordID string) (*storage.Record, error) {
	return tx.repo.getLocked(recordType, recordID)
}

func (tx *memoryBatchTx) Put(recordType, recordID string, record *storage.Record) error {
	return tx.repo.putLocked(recordType, recordID, record)
}

func (tx *memoryBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	return tx.repo.putCASLocked(recordType, recordID, expectedVersion, record)
}

func (tx *memoryBatchTx) Delete(recordType, recordID string) error {
	return tx.repo.deleteLocked(recordType, recordID)
}
