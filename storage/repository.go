// Package storage provides the persistence abstraction used by the CA engine.
//
// Records are opaque, versioned byte payloads addressed by a record type and
// a record ID. Backends guarantee that PutCAS and Batch are atomic, which is
// what the engine relies on for its uniqueness and single-active-CA rules.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// BatchTx provides record operations within an atomic transaction.
type BatchTx interface {
	Get(recordType string, recordID string) (*Record, error)
	Put(recordType string, recordID string, record *Record) error
	PutCAS(recordType string, recordID string, expectedVersion uint64, record *Record) error
	Delete(recordType string, recordID string) error
}

// Repository defines the interface for record storage.
//
// PutCAS with expectedVersion 0 is create-only: it fails with ErrCASFailed
// when the record already exists. Otherwise the stored record's Version must
// equal expectedVersion.
type Repository interface {
	Put(ctx context.Context, recordType string, recordID string, record *Record) error
	Get(ctx context.Context, recordType string, recordID string) (*Record, error)
	List(ctx context.Context, recordType string) ([]string, error)
	Delete(ctx context.Context, recordType string, recordID string) error
	PutCAS(ctx context.Context, recordType string, recordID string, expectedVersion uint64, record *Record) error
	Batch(ctx context.Context, fn func(tx BatchTx) error) error
}
