package pki

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"

	"github.com/avast/retry-go/v4"

	"github.com/pkisouverain/caengine/internal/uuid"
	"github.com/pkisouverain/caengine/storage"
)

// SignCSR issues a leaf certificate for a PEM-encoded PKCS#10 request using
// the active CA. The request is fully validated before the CA key is
// touched. subjectRef is an opaque owner reference stored with the record.
func (e *Engine) SignCSR(ctx context.Context, csrPEM string, validityDays int, subjectRef string) (*IssuedCertificate, error) {
	csr, err := ParseCSRPEM(csrPEM)
	if err != nil {
		return nil, err
	}
	if err := validateValidityDays(validityDays); err != nil {
		return nil, err
	}

	ca, err := e.cas.active(ctx)
	if err != nil {
		return nil, err
	}
	if !ca.WithinValidity(e.clock()) {
		return nil, fmt.Errorf("%w: %s", ErrCAExpired, ca.ID)
	}

	var issued *IssuedCertificate
	err = e.withCAKey(ctx, ca, func(signer crypto.Signer, caCert *x509.Certificate) error {
		var err error
		issued, err = retry.DoWithData(
			func() (*IssuedCertificate, error) {
				return e.issueOnce(ctx, ca, caCert, signer, csr, validityDays, subjectRef)
			},
			retry.Attempts(e.profile.SerialAttempts),
			retry.Delay(0),
			retry.DelayType(retry.FixedDelay),
			retry.RetryIf(func(err error) bool { return errors.Is(err, ErrDuplicateSerial) }),
			retry.LastErrorOnly(true),
			retry.Context(ctx),
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.metrics.issued()
	e.logger.Info("certificate issued",
		slog.String("certificate_id", issued.ID),
		slog.String("serial", issued.SerialNumber),
		slog.String("subject", issued.SubjectDN),
		slog.String("ca_id", ca.ID))

	notice := IssuanceNotice{
		CertificateID:  issued.ID,
		SubjectRef:     issued.SubjectRef,
		SubjectDN:      issued.SubjectDN,
		SerialNumber:   issued.SerialNumber,
		Fingerprint:    issued.Fingerprint,
		CertificatePEM: issued.CertificatePEM,
	}
	if err := e.notifier.CertificateIssued(ctx, notice); err != nil {
		e.logger.Warn("issuance notification failed",
			slog.String("certificate_id", issued.ID),
			slog.String("error", err.Error()))
	}
	return issued, nil
}

// issueOnce draws a serial, signs the leaf and commits it with its indexes.
func (e *Engine) issueOnce(ctx context.Context, ca *CAIdentity, caCert *x509.Certificate, signer crypto.Signer, csr *x509.CertificateRequest, validityDays int, subjectRef string) (*IssuedCertificate, error) {
	serial, err := e.serials.Next(ctx)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               csr.Subject,
		NotBefore:             now.Add(-e.profile.ClockSkew),
		NotAfter:              now.AddDate(0, 0, validityDays),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              csr.DNSNames,
		IPAddresses:           csr.IPAddresses,
		EmailAddresses:        csr.EmailAddresses,
		URIs:                  csr.URIs,
		AuthorityKeyId:        caCert.SubjectKeyId,
		SignatureAlgorithm:    signatureAlgorithmFor(ca.KeyAlgorithm),
	}

	der, err := x509.CreateCertificate(e.rand, template, caCert, csr.PublicKey, signer)
	if err != nil {
		e.logCryptoFailure("sign_csr", ca.ID, err)
		return nil, fmt.Errorf("%w: signing certificate: %v", ErrCryptoFailure, err)
	}

	cert := &IssuedCertificate{
		ID:             uuid.New(),
		SerialNumber:   SerialHex(serial),
		Fingerprint:    Fingerprint(der),
		CertificatePEM: EncodeCertPEM(der),
		SubjectDN:      SubjectString(csr.Subject),
		IssuerDN:       ca.SubjectDN,
		IssuerID:       ca.ID,
		SubjectRef:     subjectRef,
		NotBefore:      template.NotBefore,
		NotAfter:       template.NotAfter,
		Status:         StatusActive,
		CreatedAt:      now,
	}
	err = e.ledger.repo.Batch(ctx, func(tx storage.BatchTx) error {
		return e.ledger.createTx(tx, cert)
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateSerial) {
			e.logger.Debug("serial collision at commit, redrawing",
				slog.String("serial", cert.SerialNumber))
			return nil, err
		}
		return nil, fmt.Errorf("storing certificate: %w", err)
	}
	return cert, nil
}

// GetCertificate returns an issued certificate by id.
func (e *Engine) GetCertificate(ctx context.Context, id string) (*IssuedCertificate, error) {
	return e.ledger.get(ctx, id)
}

// ListCertificates returns the certificates matching f, oldest first.
// Status filters compare against the effective status.
func (e *Engine) ListCertificates(ctx context.Context, f CertificateFilter) ([]*IssuedCertificate, error) {
	return e.ledger.filter(ctx, f, e.clock())
}

// DeleteCertificate removes a certificate record, for example when its owner
// account is cleaned up. Missing ids are ignored. Revoked certificates are
// kept so they stay on the CRL.
func (e *Engine) DeleteCertificate(ctx context.Context, id string) error {
	cert, err := e.ledger.get(ctx, id)
	if errors.Is(err, ErrCertNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	kept := cert.Status == StatusRevoked
	if !kept {
		if kept, err = e.ledger.remove(ctx, id, cert.version); err != nil {
			return err
		}
	}
	if kept {
		e.logger.Debug("keeping revoked certificate on delete",
			slog.String("certificate_id", id))
		return nil
	}
	e.logger.Info("certificate deleted", slog.String("certificate_id", id))
	return nil
}
