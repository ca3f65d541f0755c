package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/big"
	"slices"
	"time"

	"github.com/samber/lo"
)

// CRLInput is everything BuildCRL needs. It carries no storage handles so the
// result depends only on its fields.
type CRLInput struct {
	Issuer   *x509.Certificate
	IssuerID string
	Signer   crypto.Signer
	Number   int64
	Now      time.Time
	Validity time.Duration
	Revoked  []*IssuedCertificate
	Rand     io.Reader
}

// BuildCRL signs a full CRL listing every certificate in in.Revoked. Entries
// are ordered by serial number.
func BuildCRL(in CRLInput) (*CRLDocument, error) {
	if in.Issuer == nil || in.Signer == nil {
		return nil, errors.New("building CRL: issuer and signer are required")
	}
	if in.Number < 1 {
		return nil, fmt.Errorf("building CRL: invalid CRL number %d", in.Number)
	}
	r := in.Rand
	if r == nil {
		r = rand.Reader
	}

	type serialEntry struct {
		serial *big.Int
		entry  CRLEntry
	}
	entries := make([]serialEntry, 0, len(in.Revoked))
	for _, c := range in.Revoked {
		serial, err := ParseSerialHex(c.SerialNumber)
		if err != nil {
			return nil, fmt.Errorf("building CRL: certificate %s: %w", c.ID, err)
		}
		revokedAt := in.Now
		if c.RevokedAt != nil {
			revokedAt = c.RevokedAt.UTC()
		}
		entries = append(entries, serialEntry{
			serial: serial,
			entry: CRLEntry{
				SerialNumber: c.SerialNumber,
				RevokedAt:    revokedAt,
				ReasonCode:   c.ReasonCode,
			},
		})
	}
	slices.SortFunc(entries, func(a, b serialEntry) int { return a.serial.Cmp(b.serial) })

	template := &x509.RevocationList{
		Number:     big.NewInt(in.Number),
		ThisUpdate: in.Now,
		NextUpdate: in.Now.Add(in.Validity),
		RevokedCertificateEntries: lo.Map(entries, func(e serialEntry, _ int) x509.RevocationListEntry {
			return x509.RevocationListEntry{
				SerialNumber:   e.serial,
				RevocationTime: e.entry.RevokedAt,
				ReasonCode:     e.entry.ReasonCode,
			}
		}),
	}

	der, err := x509.CreateRevocationList(r, template, in.Issuer, in.Signer)
	if err != nil {
		return nil, fmt.Errorf("%w: signing CRL: %v", ErrCryptoFailure, err)
	}
	parsed, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing signed CRL: %v", ErrCryptoFailure, err)
	}

	return &CRLDocument{
		IssuerID:   in.IssuerID,
		IssuerDN:   SubjectString(in.Issuer.Subject),
		Number:     in.Number,
		ThisUpdate: in.Now,
		NextUpdate: template.NextUpdate,
		Entries:    lo.Map(entries, func(e serialEntry, _ int) CRLEntry { return e.entry }),
		PEM:        EncodeCRLPEM(der),
		Signature:  parsed.Signature,
	}, nil
}
