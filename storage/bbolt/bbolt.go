// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/pkisouverain/caengine/storage"
)

var recordsBucket = []byte("records")

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(recordType, recordID string) []byte {
	return []byte(recordType + ":" + recordID)
}

func (s *Store) Put(_ context.Context, recordType, recordID string, record *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(recordsBucket)
		if err != nil {
			return err
		}
		return putInBucket(b, recordType, recordID, record)
	})
}

func (s *Store) Get(_ context.Context, recordType, recordID string) (*storage.Record, error) {
	var record *storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		record, err = getFromBucket(tx.Bucket(recordsBucket), recordType, recordID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Store) Delete(_ context.Context, recordType, recordID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return deleteFromBucket(tx.Bucket(recordsBucket), recordType, recordID)
	})
}

func (s *Store) List(_ context.Context, recordType string) ([]string, error) {
	var ids []string
	prefix := []byte(recordType + ":")
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, string(k[len(prefix):]))
		}
		return nil
	})
	return ids, err
}

func (s *Store) PutCAS(_ context.Context, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(recordsBucket)
		if err != nil {
			return err
		}
		return putCASInBucket(b, recordType, recordID, expectedVersion, record)
	})
}

// Batch runs fn inside a single read-write BBolt transaction.
func (s *Store) Batch(_ context.Context, fn func(tx storage.BatchTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(recordsBucket)
		if err != nil {
			return err
		}
		return fn(&boltBatchTx{bucket: b})
	})
}

func putInBucket(b *bbolt.Bucket, recordType, recordID string, record *storage.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return b.Put(recordKey(recordType, recordID), data)
}

func getFromBucket(b *bbolt.Bucket, recordType, recordID string) (*storage.Record, error) {
	if b == nil {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	data := b.Get(recordKey(recordType, recordID))
	if data == nil {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	var record storage.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func deleteFromBucket(b *bbolt.Bucket, recordType, recordID string) error {
	key := recordKey(recordType, recordID)
	if b == nil || b.Get(key) == nil {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return b.Delete(key)
}

func putCASInBucket(b *bbolt.Bucket, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	existingData := b.Get(recordKey(recordType, recordID))

	if expectedVersion == 0 {
		if existingData != nil {
			return storage.ErrCASFailed
		}
	} else {
		if existingData == nil {
			return storage.ErrCASFailed
		}
		var existing storage.Record
		if err := json.Unmarshal(existingData, &existing); err != nil {
			return err
		}
		if existing.Version != expectedVersion {
			return storage.ErrCASFailed
		}
	}

	return putInBucket(b, recordType, recordID, record)
}

type boltBatchTx struct {
	bucket *bbolt.Bucket
}

func (tx *boltBatchTx) Get(recordType, recordID string) (*storage.Record, error) {
	return getFromBucket(tx.bucket, recordType, recordID)
}

func (tx *boltBatchTx) Put(recordType, recordID string, record *storage.Record) error {
	return putInBucket(tx.bucket, recordType, recordID, record)
}

func (tx *boltBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	return putCASInBucket(tx.bucket, recordType, recordID, expectedVersion, record)
}

func (tx *boltBatchTx) Delete(recordType, recordID string) error {
	return deleteFromBucket(tx.bucket, recordType, recordID)
}
