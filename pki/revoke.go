package pki

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/avast/retry-go/v4"

	"github.com/pkisouverain/caengine/storage"
)

// RevokeCertificate marks a certificate revoked and rebuilds the issuing CA's
// CRL. Revoking an already revoked certificate changes nothing and returns
// the current CRL.
//
// When the CRL cannot be rebuilt after retrying, the CRL is flagged stale so
// the next read or scheduled run rebuilds it, and the error is returned. The
// revocation itself stays recorded and the error wraps ErrCRLStale.
func (e *Engine) RevokeCertificate(ctx context.Context, certificateID, reason, actor string) (*CRLDocument, error) {
	cert, err := e.ledger.get(ctx, certificateID)
	if err != nil {
		return nil, err
	}

	if cert.Status == StatusRevoked {
		return e.currentCRL(ctx, cert.IssuerID)
	}

	now := e.clock()
	cert.Status = StatusRevoked
	cert.RevokedAt = &now
	cert.RevokedBy = actor
	cert.RevocationReason = strings.TrimSpace(reason)
	cert.ReasonCode = ReasonCode(reason)

	err = e.ledger.update(ctx, cert)
	switch {
	case errors.Is(err, ErrConcurrentUpdate):
		// A concurrent revocation of the same certificate is not a conflict.
		current, gerr := e.ledger.get(ctx, certificateID)
		if gerr != nil || current.Status != StatusRevoked {
			return nil, err
		}
		cert = current
	case err != nil:
		return nil, err
	default:
		e.metrics.revoked()
		e.logger.Info("certificate revoked",
			slog.String("certificate_id", cert.ID),
			slog.String("serial", cert.SerialNumber),
			slog.String("reason", cert.RevocationReason),
			slog.String("actor", actor))
	}

	ca, err := e.cas.get(ctx, cert.IssuerID)
	if err != nil {
		return nil, err
	}
	doc, err := retry.DoWithData(
		func() (*CRLDocument, error) {
			doc, err := e.rebuildCRL(ctx, ca)
			if errors.Is(err, ErrKeyUnavailable) {
				return nil, retry.Unrecoverable(err)
			}
			return doc, err
		},
		retry.Attempts(e.profile.CRLRetryAttempts),
		retry.Delay(e.profile.CRLRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		e.markStale(ctx, ca.ID, err)
		return nil, fmt.Errorf("%w: rebuilding CRL after revocation: %w", ErrCRLStale, err)
	}
	return doc, nil
}

// RebuildCRL regenerates the active CA's CRL from the ledger.
func (e *Engine) RebuildCRL(ctx context.Context) (*CRLDocument, error) {
	ca, err := e.cas.active(ctx)
	if err != nil {
		return nil, err
	}
	return e.rebuildCRL(ctx, ca)
}

// RebuildStaleCRLs rebuilds the CRL of every CA still flagged stale,
// including CAs that are no longer active. Failures are collected and the
// remaining CAs are still attempted.
func (e *Engine) RebuildStaleCRLs(ctx context.Context) ([]*CRLDocument, error) {
	cas, err := e.cas.list(ctx)
	if err != nil {
		return nil, err
	}
	var (
		docs []*CRLDocument
		errs []error
	)
	for _, ca := range cas {
		stale, err := e.cas.isStale(ctx, ca.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !stale {
			continue
		}
		doc, err := e.rebuildCRL(ctx, ca)
		if err != nil {
			errs = append(errs, fmt.Errorf("CA %s: %w", ca.ID, err))
			continue
		}
		docs = append(docs, doc)
	}
	return docs, errors.Join(errs...)
}

// GetCRL returns the active CA's CRL, rebuilding it when it is missing,
// flagged stale or past its NextUpdate.
func (e *Engine) GetCRL(ctx context.Context) (*CRLDocument, error) {
	ca, err := e.cas.active(ctx)
	if err != nil {
		return nil, err
	}
	return e.currentCRL(ctx, ca.ID)
}

func (e *Engine) currentCRL(ctx context.Context, caID string) (*CRLDocument, error) {
	doc, err := e.cas.crl(ctx, caID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	stale, serr := e.cas.isStale(ctx, caID)
	if serr != nil {
		return nil, serr
	}
	if doc != nil && !stale && e.clock().Before(doc.NextUpdate) {
		return doc, nil
	}

	ca, err := e.cas.get(ctx, caID)
	if err != nil {
		return nil, err
	}
	return e.rebuildCRL(ctx, ca)
}

// rebuildCRL unwraps the CA key and builds, numbers and stores a new CRL.
func (e *Engine) rebuildCRL(ctx context.Context, ca *CAIdentity) (*CRLDocument, error) {
	var doc *CRLDocument
	err := e.withCAKey(ctx, ca, func(signer crypto.Signer, cert *x509.Certificate) error {
		var err error
		doc, err = e.buildCRLLocked(ctx, ca, signer, cert)
		return err
	})
	return doc, err
}

// buildCRLLocked must be called with keyMu held.
func (e *Engine) buildCRLLocked(ctx context.Context, ca *CAIdentity, signer crypto.Signer, cert *x509.Certificate) (doc *CRLDocument, err error) {
	defer func() { e.metrics.crlRebuilt(err) }()

	fresh, err := e.cas.get(ctx, ca.ID)
	if err != nil {
		return nil, err
	}
	revoked, err := e.ledger.revokedBy(ctx, ca.ID)
	if err != nil {
		return nil, err
	}
	number, err := e.cas.bumpCRLNumber(ctx, fresh)
	if err != nil {
		return nil, err
	}
	ca.CRLNumber = number

	doc, err = BuildCRL(CRLInput{
		Issuer:   cert,
		IssuerID: ca.ID,
		Signer:   signer,
		Number:   number,
		Now:      e.clock(),
		Validity: e.profile.CRLValidity,
		Revoked:  revoked,
		Rand:     e.rand,
	})
	if err != nil {
		e.logCryptoFailure("build_crl", ca.ID, err)
		return nil, err
	}
	if err := e.cas.storeCRL(ctx, doc); err != nil {
		return nil, fmt.Errorf("storing CRL: %w", err)
	}
	e.logger.Debug("CRL rebuilt",
		slog.String("ca_id", ca.ID),
		slog.Int64("number", number),
		slog.Int("entries", len(doc.Entries)))
	return doc, nil
}

func (e *Engine) markStale(ctx context.Context, caID string, cause error) {
	if err := e.cas.markStale(ctx, caID, cause.Error()); err != nil {
		e.logger.Error("could not flag CRL as stale",
			slog.String("ca_id", caID),
			slog.String("error", err.Error()))
	}
}
