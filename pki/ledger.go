package pki

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/pkisouverain/caengine/storage"
)

// ledger is the revocation ledger: the set of issued certificates together
// with their serial and fingerprint indexes.
type ledger struct {
	repo storage.Repository
}

func (l ledger) get(ctx context.Context, id string) (*IssuedCertificate, error) {
	var cert IssuedCertificate
	version, err := getJSON(ctx, l.repo, recordCertificate, id, &cert)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCertNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	cert.version = version
	return &cert, nil
}

// all returns every certificate ordered by creation time.
func (l ledger) all(ctx context.Context) ([]*IssuedCertificate, error) {
	ids, err := l.repo.List(ctx, recordCertificate)
	if err != nil {
		return nil, fmt.Errorf("listing certificates: %w", err)
	}
	certs := make([]*IssuedCertificate, 0, len(ids))
	for _, id := range ids {
		cert, err := l.get(ctx, id)
		if errors.Is(err, ErrCertNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	sort.Slice(certs, func(i, j int) bool {
		if certs[i].CreatedAt.Equal(certs[j].CreatedAt) {
			return certs[i].ID < certs[j].ID
		}
		return certs[i].CreatedAt.Before(certs[j].CreatedAt)
	})
	return certs, nil
}

// revokedBy returns the revoked certificates issued by caID.
func (l ledger) revokedBy(ctx context.Context, caID string) ([]*IssuedCertificate, error) {
	certs, err := l.all(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Filter(certs, func(c *IssuedCertificate, _ int) bool {
		return c.IssuerID == caID && c.Status == StatusRevoked
	}), nil
}

// filter applies f using effective status at now.
func (l ledger) filter(ctx context.Context, f CertificateFilter, now time.Time) ([]*IssuedCertificate, error) {
	certs, err := l.all(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Filter(certs, func(c *IssuedCertificate, _ int) bool {
		if f.SubjectRef != "" && c.SubjectRef != f.SubjectRef {
			return false
		}
		if f.Status != "" && c.EffectiveStatus(now) != f.Status {
			return false
		}
		return true
	}), nil
}

// createTx writes a new certificate and claims its serial and fingerprint.
func (l ledger) createTx(tx storage.BatchTx, cert *IssuedCertificate) error {
	idx := indexEntry{CertificateID: cert.ID}
	if _, err := putJSONTx(tx, recordSerialIndex, cert.SerialNumber, idx, 0); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return fmt.Errorf("serial %s: %w", cert.SerialNumber, ErrDuplicateSerial)
		}
		return err
	}
	if _, err := putJSONTx(tx, recordFingerprintIndex, cert.Fingerprint, idx, 0); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return fmt.Errorf("fingerprint %s: %w", cert.Fingerprint, ErrConcurrentUpdate)
		}
		return err
	}
	version, err := putJSONTx(tx, recordCertificate, cert.ID, cert, 0)
	if err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return fmt.Errorf("certificate %s: %w", cert.ID, ErrConcurrentUpdate)
		}
		return err
	}
	cert.version = version
	return nil
}

// update writes cert if nobody changed it since it was read.
func (l ledger) update(ctx context.Context, cert *IssuedCertificate) error {
	var version uint64
	err := l.repo.Batch(ctx, func(tx storage.BatchTx) error {
		var err error
		version, err = putJSONTx(tx, recordCertificate, cert.ID, cert, cert.version)
		return err
	})
	if errors.Is(err, storage.ErrCASFailed) {
		return fmt.Errorf("certificate %s: %w", cert.ID, ErrConcurrentUpdate)
	}
	if err != nil {
		return fmt.Errorf("updating certificate: %w", err)
	}
	cert.version = version
	return nil
}

// remove deletes a certificate record read at version. The record is
// re-read inside the transaction: a revoked record is kept and kept is true,
// any other change since the read is ErrConcurrentUpdate. Index entries stay
// behind so a serial is never reused.
func (l ledger) remove(ctx context.Context, id string, version uint64) (kept bool, err error) {
	err = l.repo.Batch(ctx, func(tx storage.BatchTx) error {
		rec, err := tx.Get(recordCertificate, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var current IssuedCertificate
		if err := storage.DecodeJSON(rec, &current); err != nil {
			return fmt.Errorf("%s/%s: %w", recordCertificate, id, err)
		}
		if current.Status == StatusRevoked {
			kept = true
			return nil
		}
		if rec.Version != version {
			return fmt.Errorf("certificate %s: %w", id, ErrConcurrentUpdate)
		}
		return tx.Delete(recordCertificate, id)
	})
	if errors.Is(err, ErrConcurrentUpdate) {
		return false, err
	}
	if err != nil {
		return false, fmt.Errorf("deleting certificate: %w", err)
	}
	return kept, nil
}
