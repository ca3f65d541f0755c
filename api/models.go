package api

import (
	"time"

	"github.com/pkisouverain/caengine/pki"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// CAResponse describes a CA identity. Key handles are not exposed.
type CAResponse struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	SubjectDN          string    `json:"subject_dn"`
	IssuerDN           string    `json:"issuer_dn"`
	KeyAlgorithm       string    `json:"key_algorithm"`
	KeySize            int       `json:"key_size"`
	SignatureAlgorithm string    `json:"signature_algorithm"`
	SerialNumber       string    `json:"serial_number"`
	ValidFrom          time.Time `json:"valid_from"`
	ValidUntil         time.Time `json:"valid_until"`
	CertificatePEM     string    `json:"certificate_pem"`
	IsActive           bool      `json:"is_active"`
	IsIntermediate     bool      `json:"is_intermediate"`
	ParentID           string    `json:"parent_id,omitempty"`
	CRLNumber          int64     `json:"crl_number"`
	CreatedAt          time.Time `json:"created_at"`
}

func newCAResponse(ca *pki.CAIdentity) CAResponse {
	return CAResponse{
		ID:                 ca.ID,
		Name:               ca.Name,
		SubjectDN:          ca.SubjectDN,
		IssuerDN:           ca.IssuerDN,
		KeyAlgorithm:       string(ca.KeyAlgorithm),
		KeySize:            ca.KeySize,
		SignatureAlgorithm: ca.SignatureAlgorithm,
		SerialNumber:       ca.SerialNumber,
		ValidFrom:          ca.ValidFrom,
		ValidUntil:         ca.ValidUntil,
		CertificatePEM:     ca.CertificatePEM,
		IsActive:           ca.IsActive,
		IsIntermediate:     ca.IsIntermediate,
		ParentID:           ca.ParentID,
		CRLNumber:          ca.CRLNumber,
		CreatedAt:          ca.CreatedAt,
	}
}

// ListCAsResponse wraps ListCAs.
type ListCAsResponse struct {
	CAs []CAResponse `json:"cas"`
}

// SignCSRRequest is the body of POST /certificates.
type SignCSRRequest struct {
	CSRPEM       string `json:"csr_pem"`
	ValidityDays int    `json:"validity_days"`
	SubjectRef   string `json:"subject_ref,omitempty"`
}

// CertificateResponse describes an issued certificate with its effective
// status.
type CertificateResponse struct {
	ID               string     `json:"id"`
	SerialNumber     string     `json:"serial_number"`
	Fingerprint      string     `json:"fingerprint"`
	CertificatePEM   string     `json:"certificate_pem"`
	SubjectDN        string     `json:"subject_dn"`
	IssuerDN         string     `json:"issuer_dn"`
	IssuerID         string     `json:"issuer_id"`
	SubjectRef       string     `json:"subject_ref,omitempty"`
	NotBefore        time.Time  `json:"not_before"`
	NotAfter         time.Time  `json:"not_after"`
	Status           string     `json:"status"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevokedBy        string     `json:"revoked_by,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

func newCertificateResponse(c *pki.IssuedCertificate, now time.Time) CertificateResponse {
	return CertificateResponse{
		ID:               c.ID,
		SerialNumber:     c.SerialNumber,
		Fingerprint:      c.Fingerprint,
		CertificatePEM:   c.CertificatePEM,
		SubjectDN:        c.SubjectDN,
		IssuerDN:         c.IssuerDN,
		IssuerID:         c.IssuerID,
		SubjectRef:       c.SubjectRef,
		NotBefore:        c.NotBefore,
		NotAfter:         c.NotAfter,
		Status:           c.EffectiveStatus(now),
		RevokedAt:        c.RevokedAt,
		RevokedBy:        c.RevokedBy,
		RevocationReason: c.RevocationReason,
		CreatedAt:        c.CreatedAt,
	}
}

// ListCertificatesResponse is a page of certificates.
type ListCertificatesResponse struct {
	Certificates []CertificateResponse `json:"certificates"`
	PaginationMeta
}

// RevokeRequest is the body of POST /certificates/{certID}/revoke.
type RevokeRequest struct {
	Reason string `json:"reason"`
}

// CRLResponse describes a signed CRL.
type CRLResponse struct {
	IssuerID   string         `json:"issuer_id"`
	IssuerDN   string         `json:"issuer_dn"`
	Number     int64          `json:"number"`
	ThisUpdate time.Time      `json:"this_update"`
	NextUpdate time.Time      `json:"next_update"`
	Entries    []pki.CRLEntry `json:"entries"`
	PEM        string         `json:"pem"`
}

func newCRLResponse(doc *pki.CRLDocument) CRLResponse {
	entries := doc.Entries
	if entries == nil {
		entries = []pki.CRLEntry{}
	}
	return CRLResponse{
		IssuerID:   doc.IssuerID,
		IssuerDN:   doc.IssuerDN,
		Number:     doc.Number,
		ThisUpdate: doc.ThisUpdate,
		NextUpdate: doc.NextUpdate,
		Entries:    entries,
		PEM:        doc.PEM,
	}
}
