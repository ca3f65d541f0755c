package pki

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/pkisouverain/caengine/storage"
)

// Record types written by the engine.
const (
	recordCA               = "ca"
	recordCAPointer        = "ca_pointer"
	recordCertificate      = "certificate"
	recordSerialIndex      = "serial_index"
	recordFingerprintIndex = "fingerprint_index"
	recordCRL              = "crl"
	recordCRLStale         = "crl_stale"

	activePointerID = "active"
)

// activePointer names the CA currently used for issuance.
type activePointer struct {
	CAID string `json:"ca_id"`
}

// indexEntry maps a unique key back to the certificate or CA that owns it.
type indexEntry struct {
	CertificateID string `json:"certificate_id,omitempty"`
	CAID          string `json:"ca_id,omitempty"`
}

// staleMarker records a CRL that could not be rebuilt after a revocation.
type staleMarker struct {
	Reason string `json:"reason"`
}

// getJSON loads a record into v and returns its version.
func getJSON(ctx context.Context, repo storage.Repository, recordType, id string, v any) (uint64, error) {
	rec, err := repo.Get(ctx, recordType, id)
	if err != nil {
		return 0, err
	}
	if err := storage.DecodeJSON(rec, v); err != nil {
		return 0, fmt.Errorf("%s/%s: %w", recordType, id, err)
	}
	return rec.Version, nil
}

// putJSONTx writes v inside a batch. expected 0 means create-only; otherwise
// the stored version must match and is bumped by one.
func putJSONTx(tx storage.BatchTx, recordType, id string, v any, expected uint64) (uint64, error) {
	next := expected + 1
	rec, err := storage.EncodeJSON(v, next)
	if err != nil {
		return 0, err
	}
	if err := tx.PutCAS(recordType, id, expected, rec); err != nil {
		return 0, err
	}
	return next, nil
}

// caStore persists CA identities and the active-CA pointer.
type caStore struct {
	repo storage.Repository
}

func (s caStore) get(ctx context.Context, id string) (*CAIdentity, error) {
	var ca CAIdentity
	version, err := getJSON(ctx, s.repo, recordCA, id, &ca)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCANotFound, id)
	}
	if err != nil {
		return nil, err
	}
	ca.version = version
	return &ca, nil
}

// list returns every CA ordered by creation time.
func (s caStore) list(ctx context.Context) ([]*CAIdentity, error) {
	ids, err := s.repo.List(ctx, recordCA)
	if err != nil {
		return nil, fmt.Errorf("listing CAs: %w", err)
	}
	cas := make([]*CAIdentity, 0, len(ids))
	for _, id := range ids {
		ca, err := s.get(ctx, id)
		if errors.Is(err, ErrCANotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		cas = append(cas, ca)
	}
	sort.Slice(cas, func(i, j int) bool {
		if cas[i].CreatedAt.Equal(cas[j].CreatedAt) {
			return cas[i].ID < cas[j].ID
		}
		return cas[i].CreatedAt.Before(cas[j].CreatedAt)
	})
	return cas, nil
}

// activeID returns the id the active pointer refers to and the pointer's
// version. ErrNoActiveCA is returned when the pointer is absent.
func (s caStore) activeID(ctx context.Context) (string, uint64, error) {
	var ptr activePointer
	version, err := getJSON(ctx, s.repo, recordCAPointer, activePointerID, &ptr)
	if errors.Is(err, storage.ErrNotFound) {
		return "", 0, ErrNoActiveCA
	}
	if err != nil {
		return "", 0, err
	}
	return ptr.CAID, version, nil
}

// active loads the CA named by the active pointer.
func (s caStore) active(ctx context.Context) (*CAIdentity, error) {
	id, _, err := s.activeID(ctx)
	if err != nil {
		return nil, err
	}
	ca, err := s.get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("active pointer: %w", err)
	}
	ca.IsActive = true
	return ca, nil
}

// bumpCRLNumber increments the CA's CRL number with a version check and
// returns the new number.
func (s caStore) bumpCRLNumber(ctx context.Context, ca *CAIdentity) (int64, error) {
	next := *ca
	next.CRLNumber++
	var version uint64
	err := s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		var err error
		version, err = putJSONTx(tx, recordCA, ca.ID, &next, ca.version)
		return err
	})
	if errors.Is(err, storage.ErrCASFailed) {
		return 0, fmt.Errorf("CA %s: %w", ca.ID, ErrConcurrentUpdate)
	}
	if err != nil {
		return 0, fmt.Errorf("updating CRL number: %w", err)
	}
	ca.CRLNumber = next.CRLNumber
	ca.version = version
	return ca.CRLNumber, nil
}

func (s caStore) crl(ctx context.Context, caID string) (*CRLDocument, error) {
	var doc CRLDocument
	if _, err := getJSON(ctx, s.repo, recordCRL, caID, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// storeCRL saves doc and clears any stale marker in one batch.
func (s caStore) storeCRL(ctx context.Context, doc *CRLDocument) error {
	rec, err := storage.EncodeJSON(doc, 0)
	if err != nil {
		return err
	}
	return s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		if err := tx.Put(recordCRL, doc.IssuerID, rec); err != nil {
			return err
		}
		if err := tx.Delete(recordCRLStale, doc.IssuerID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return nil
	})
}

func (s caStore) markStale(ctx context.Context, caID, reason string) error {
	rec, err := storage.EncodeJSON(staleMarker{Reason: reason}, 0)
	if err != nil {
		return err
	}
	return s.repo.Put(ctx, recordCRLStale, caID, rec)
}

func (s caStore) isStale(ctx context.Context, caID string) (bool, error) {
	_, err := s.repo.Get(ctx, recordCRLStale, caID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}
