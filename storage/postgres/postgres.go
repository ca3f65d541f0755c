// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The records table uses a composite primary key (record_type, record_id)
// that mirrors the key space used by the BBolt and in-memory backends.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pkisouverain/caengine/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ---------------------------------------------------------------------------
// Repository interface implementation
// ---------------------------------------------------------------------------

const upsertSQL = `INSERT INTO records (record_type, record_id, ver, data, version)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (record_type, record_id)
	DO UPDATE SET ver = $3, data = $4, version = $5, updated_at = now()`

func (s *Store) Put(ctx context.Context, recordType, recordID string, record *storage.Record) error {
	_, err := s.pool.Exec(ctx, upsertSQL,
		recordType, recordID, record.Ver, record.Data, int64(record.Version))
	return err
}

func (s *Store) Get(ctx context.Context, recordType, recordID string) (*storage.Record, error) {
	return getRecord(ctx, s.pool, recordType, recordID)
}

func (s *Store) List(ctx context.Context, recordType string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record_id FROM records WHERE record_type = $1 ORDER BY record_id`,
		recordType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Delete(ctx context.Context, recordType, recordID string) error {
	return deleteRecord(ctx, s.pool, recordType, recordID)
}

func (s *Store) PutCAS(ctx context.Context, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := putCASInTx(ctx, tx, recordType, recordID, expectedVersion, record); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Batch(ctx context.Context, fn func(tx storage.BatchTx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgBatchTx{ctx: ctx, tx: pgTx}); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

// ---------------------------------------------------------------------------
// BatchTx implementation
// ---------------------------------------------------------------------------

type pgBatchTx struct {
	ctx context.Context
	tx  pgx.Tx
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Get(recordType, recordID string) (*storage.Record, error) {
	return getRecord(btx.ctx, btx.tx, recordType, recordID)
}

func (btx *pgBatchTx) Put(recordType, recordID string, record *storage.Record) error {
	_, err := btx.tx.Exec(btx.ctx, upsertSQL,
		recordType, recordID, record.Ver, record.Data, int64(record.Version))
	return err
}

func (btx *pgBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	return putCASInTx(btx.ctx, btx.tx, recordType, recordID, expectedVersion, record)
}

func (btx *pgBatchTx) Delete(recordType, recordID string) error {
	return deleteRecord(btx.ctx, btx.tx, recordType, recordID)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// querier abstracts both *pgxpool.Pool and pgx.Tx for shared queries.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func getRecord(ctx context.Context, q querier, recordType, recordID string) (*storage.Record, error) {
	var rec storage.Record
	var version int64
	err := q.QueryRow(ctx,
		`SELECT ver, data, version FROM records WHERE record_type = $1 AND record_id = $2`,
		recordType, recordID).Scan(&rec.Ver, &rec.Data, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rec.Version = uint64(version)
	return &rec, nil
}

func deleteRecord(ctx context.Context, q querier, recordType, recordID string) error {
	tag, err := q.Exec(ctx,
		`DELETE FROM records WHERE record_type = $1 AND record_id = $2`,
		recordType, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return nil
}

// putCASInTx performs a compare-and-swap put within an existing transaction.
// It is used by both the top-level PutCAS and the batch PutCAS methods.
func putCASInTx(ctx context.Context, tx pgx.Tx, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	var currentVersion int64
	err := tx.QueryRow(ctx,
		`SELECT version FROM records
		 WHERE record_type = $1 AND record_id = $2
		 FOR UPDATE`,
		recordType, recordID).Scan(&currentVersion)

	if errors.Is(err, pgx.ErrNoRows) {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		// ON CONFLICT DO NOTHING turns a concurrent create into a CAS failure
		// instead of a unique-violation error.
		tag, err := tx.Exec(ctx,
			`INSERT INTO records (record_type, record_id, ver, data, version)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (record_type, record_id) DO NOTHING`,
			recordType, recordID, record.Ver, record.Data, int64(record.Version))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrCASFailed
		}
		return nil
	}
	if err != nil {
		return err
	}

	if expectedVersion == 0 || uint64(currentVersion) != expectedVersion {
		return storage.ErrCASFailed
	}

	_, err = tx.Exec(ctx,
		`UPDATE records SET ver = $3, data = $4, version = $5, updated_at = now()
		 WHERE record_type = $1 AND record_id = $2`,
		recordType, recordID, record.Ver, record.Data, int64(record.Version))
	return err
}
