package pki

import (
	"context"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkisouverain/caengine/internal/uuid"
	"github.com/pkisouverain/caengine/keyprotect"
	"github.com/pkisouverain/caengine/storage"
)

// caBackdate is how far a CA's NotBefore is moved into the past.
const caBackdate = 24 * time.Hour

// GenerateRootCA creates a self-signed root CA and makes it the active CA.
// It fails with ErrActiveCAExists when another CA is already active.
func (e *Engine) GenerateRootCA(ctx context.Context, req GenerateCARequest) (*CAIdentity, error) {
	if err := req.validate(e.profile.KeyAlgorithm); err != nil {
		return nil, err
	}
	if _, _, err := e.cas.activeID(ctx); err == nil {
		return nil, ErrActiveCAExists
	} else if !errors.Is(err, ErrNoActiveCA) {
		return nil, err
	}

	req = e.applyDefaults(req)
	key, err := generateKey(e.rand, e.profile.KeyAlgorithm, req.KeyBits)
	if err != nil {
		e.logCryptoFailure("generate_root", "", err)
		return nil, err
	}

	now := e.clock()
	template, err := e.caTemplate(ctx, req, key.Public(), now)
	if err != nil {
		return nil, err
	}
	template.NotAfter = now.AddDate(0, 0, req.ValidityDays)

	der, err := x509.CreateCertificate(e.rand, template, template, key.Public(), key)
	if err != nil {
		e.logCryptoFailure("generate_root", "", err)
		return nil, fmt.Errorf("%w: self-signing root certificate: %v", ErrCryptoFailure, err)
	}

	ca, err := e.persistCA(ctx, der, key, "", true)
	if err != nil {
		return nil, err
	}
	e.metrics.caGenerated("root")
	e.logger.Info("root CA generated",
		slog.String("ca_id", ca.ID),
		slog.String("subject", ca.SubjectDN),
		slog.String("serial", ca.SerialNumber))

	cert, err := ParseCertificatePEM(ca.CertificatePEM)
	if err != nil {
		return nil, err
	}
	e.keyMu.Lock()
	_, crlErr := e.buildCRLLocked(ctx, ca, key, cert)
	e.keyMu.Unlock()
	if crlErr != nil {
		e.logger.Warn("initial CRL could not be built",
			slog.String("ca_id", ca.ID),
			slog.String("error", crlErr.Error()))
		e.markStale(ctx, ca.ID, crlErr)
	}
	return ca, nil
}

// GenerateIntermediateCA creates a CA signed by the active CA. The new CA is
// stored inactive; ActivateCA promotes it.
func (e *Engine) GenerateIntermediateCA(ctx context.Context, req GenerateCARequest) (*CAIdentity, error) {
	if err := req.validate(e.profile.KeyAlgorithm); err != nil {
		return nil, err
	}
	parent, err := e.cas.active(ctx)
	if err != nil {
		return nil, err
	}
	now := e.clock()
	if !parent.WithinValidity(now) {
		return nil, fmt.Errorf("%w: %s", ErrCAExpired, parent.ID)
	}

	req = e.applyDefaults(req)
	key, err := generateKey(e.rand, e.profile.KeyAlgorithm, req.KeyBits)
	if err != nil {
		e.logCryptoFailure("generate_intermediate", parent.ID, err)
		return nil, err
	}

	template, err := e.caTemplate(ctx, req, key.Public(), now)
	if err != nil {
		return nil, err
	}
	template.MaxPathLen = 0
	template.MaxPathLenZero = true
	template.SignatureAlgorithm = signatureAlgorithmFor(parent.KeyAlgorithm)
	template.NotAfter = now.AddDate(0, 0, req.ValidityDays)
	if template.NotAfter.After(parent.ValidUntil) {
		template.NotAfter = parent.ValidUntil
	}

	var der []byte
	err = e.withCAKey(ctx, parent, func(signer crypto.Signer, parentCert *x509.Certificate) error {
		var err error
		der, err = x509.CreateCertificate(e.rand, template, parentCert, key.Public(), signer)
		if err != nil {
			e.logCryptoFailure("generate_intermediate", parent.ID, err)
			return fmt.Errorf("%w: signing intermediate certificate: %v", ErrCryptoFailure, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ca, err := e.persistCA(ctx, der, key, parent.ID, false)
	if err != nil {
		return nil, err
	}
	e.metrics.caGenerated("intermediate")
	e.logger.Info("intermediate CA generated",
		slog.String("ca_id", ca.ID),
		slog.String("parent_id", parent.ID),
		slog.String("subject", ca.SubjectDN))
	return ca, nil
}

func (e *Engine) applyDefaults(req GenerateCARequest) GenerateCARequest {
	if req.KeyBits == 0 {
		req.KeyBits = e.profile.DefaultKeyBits
	}
	if req.ValidityDays == 0 {
		req.ValidityDays = e.profile.DefaultValidityDays
	}
	return req
}

// caTemplate returns the common CA certificate template. NotAfter is left to
// the caller.
func (e *Engine) caTemplate(ctx context.Context, req GenerateCARequest, pub crypto.PublicKey, now time.Time) (*x509.Certificate, error) {
	serial, err := e.serials.Next(ctx)
	if err != nil {
		return nil, err
	}
	skid, err := subjectKeyID(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: computing subject key id: %v", ErrCryptoFailure, err)
	}
	return &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   req.Name,
			Organization: []string{e.profile.Organization},
			Country:      []string{e.profile.Country},
		},
		NotBefore:             now.Add(-caBackdate),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          skid,
		SignatureAlgorithm:    e.profile.SignatureAlgorithm(),
	}, nil
}

// persistCA protects key and writes the CA record with its serial index in
// one batch. When activate is set the active pointer is created in the same
// batch. The key container is discarded if the batch fails.
func (e *Engine) persistCA(ctx context.Context, der []byte, key crypto.Signer, parentID string, activate bool) (*CAIdentity, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing CA certificate: %v", ErrCryptoFailure, err)
	}
	alg, size := keyDescription(cert.PublicKey)
	ca := &CAIdentity{
		ID:                 uuid.New(),
		Name:               cert.Subject.CommonName,
		SubjectDN:          SubjectString(cert.Subject),
		IssuerDN:           SubjectString(cert.Issuer),
		KeyAlgorithm:       alg,
		KeySize:            size,
		SignatureAlgorithm: cert.SignatureAlgorithm.String(),
		SerialNumber:       SerialHex(cert.SerialNumber),
		ValidFrom:          cert.NotBefore.UTC(),
		ValidUntil:         cert.NotAfter.UTC(),
		CertificatePEM:     EncodeCertPEM(der),
		IsIntermediate:     parentID != "",
		ParentID:           parentID,
		CreatedAt:          e.clock(),
	}

	handle, err := e.protectKey(ctx, ca, key, cert)
	if err != nil {
		return nil, err
	}
	ca.KeyHandle = handle

	err = e.cas.repo.Batch(ctx, func(tx storage.BatchTx) error {
		version, err := putJSONTx(tx, recordCA, ca.ID, ca, 0)
		if err != nil {
			return err
		}
		ca.version = version
		if _, err := putJSONTx(tx, recordSerialIndex, ca.SerialNumber, indexEntry{CAID: ca.ID}, 0); err != nil {
			if errors.Is(err, storage.ErrCASFailed) {
				return fmt.Errorf("serial %s: %w", ca.SerialNumber, ErrDuplicateSerial)
			}
			return err
		}
		if activate {
			if _, err := putJSONTx(tx, recordCAPointer, activePointerID, activePointer{CAID: ca.ID}, 0); err != nil {
				if errors.Is(err, storage.ErrCASFailed) {
					return ErrActiveCAExists
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		if derr := e.protector.Discard(ctx, handle); derr != nil {
			e.logger.Warn("discarding key container after failed commit",
				slog.String("ca_id", ca.ID),
				slog.String("error", derr.Error()))
		}
		return nil, fmt.Errorf("storing CA: %w", err)
	}
	ca.IsActive = activate
	return ca, nil
}

// protectKey stages key, wraps it into a container and destroys the staged
// plaintext.
func (e *Engine) protectKey(ctx context.Context, ca *CAIdentity, key crypto.Signer, cert *x509.Certificate) (keyprotect.Handle, error) {
	if err := e.protector.StagePlaintext(ctx, ca.ID, key); err != nil {
		return keyprotect.Handle{}, fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
	}
	password, err := e.passwords.Password(ca.Name)
	if err != nil {
		_ = e.protector.Discard(ctx, keyprotect.Handle{Name: ca.ID})
		return keyprotect.Handle{}, fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
	}
	defer password.Destroy()

	handle, err := e.protector.Protect(ctx, ca.ID, key, cert, password)
	switch {
	case errors.Is(err, keyprotect.ErrPlaintextRetained):
		e.logger.Warn("plaintext CA key could not be removed",
			slog.String("ca_id", ca.ID),
			slog.String("error", err.Error()))
	case err != nil:
		_ = e.protector.Discard(ctx, keyprotect.Handle{Name: ca.ID})
		e.logCryptoFailure("protect_key", ca.ID, err)
		return keyprotect.Handle{}, fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
	}
	return handle, nil
}

// ActivateCA makes the CA with the given id the active one. The CA must be
// inside its validity window and its key must be retrievable. A fresh CRL is
// built for the new active CA.
func (e *Engine) ActivateCA(ctx context.Context, id string) (*CAIdentity, error) {
	ca, err := e.cas.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ca.WithinValidity(e.clock()) {
		return nil, fmt.Errorf("%w: %s", ErrCAExpired, id)
	}
	if err := e.withCAKey(ctx, ca, func(crypto.Signer, *x509.Certificate) error { return nil }); err != nil {
		return nil, err
	}

	currentID, version, err := e.cas.activeID(ctx)
	if err != nil && !errors.Is(err, ErrNoActiveCA) {
		return nil, err
	}
	if currentID != id {
		err = e.cas.repo.Batch(ctx, func(tx storage.BatchTx) error {
			_, err := putJSONTx(tx, recordCAPointer, activePointerID, activePointer{CAID: id}, version)
			return err
		})
		if errors.Is(err, storage.ErrCASFailed) {
			return nil, fmt.Errorf("active CA pointer: %w", ErrConcurrentUpdate)
		}
		if err != nil {
			return nil, fmt.Errorf("activating CA: %w", err)
		}
		e.logger.Info("CA activated",
			slog.String("ca_id", id),
			slog.String("previous_ca_id", currentID))
	}
	ca.IsActive = true

	if _, err := e.rebuildCRL(ctx, ca); err != nil {
		e.logger.Warn("CRL rebuild after activation failed",
			slog.String("ca_id", id),
			slog.String("error", err.Error()))
		e.markStale(ctx, id, err)
	}
	return ca, nil
}

// DeactivateCA clears the active pointer. Issuance is refused until another
// CA is activated or a new root is generated.
func (e *Engine) DeactivateCA(ctx context.Context) error {
	id, version, err := e.cas.activeID(ctx)
	if err != nil {
		return err
	}
	err = e.cas.repo.Batch(ctx, func(tx storage.BatchTx) error {
		rec, err := tx.Get(recordCAPointer, activePointerID)
		if err != nil {
			return err
		}
		if rec.Version != version {
			return storage.ErrCASFailed
		}
		return tx.Delete(recordCAPointer, activePointerID)
	})
	switch {
	case errors.Is(err, storage.ErrCASFailed), errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("active CA pointer: %w", ErrConcurrentUpdate)
	case err != nil:
		return fmt.Errorf("deactivating CA: %w", err)
	}
	e.logger.Info("CA deactivated", slog.String("ca_id", id))
	return nil
}

func (e *Engine) logCryptoFailure(op, caID string, err error) {
	e.logger.Error("cryptographic operation failed",
		slog.String("op", op),
		slog.String("ca_id", caID),
		slog.String("error", err.Error()))
}
