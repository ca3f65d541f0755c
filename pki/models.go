package pki

import (
	"time"

	"github.com/pkisouverain/caengine/keyprotect"
)

// Certificate status values. StatusExpired is never stored; it is derived
// from NotAfter when a certificate is read.
const (
	StatusActive    = "ACTIVE"
	StatusRevoked   = "REVOKED"
	StatusSuspended = "SUSPENDED"
	StatusExpired   = "EXPIRED"
)

// KeyAlgorithm names the asymmetric algorithm of a CA key.
type KeyAlgorithm string

const (
	KeyAlgorithmRSA   KeyAlgorithm = "RSA"
	KeyAlgorithmECDSA KeyAlgorithm = "ECDSA"
)

// CAIdentity is a signing authority managed by the engine.
type CAIdentity struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	SubjectDN          string            `json:"subject_dn"`
	IssuerDN           string            `json:"issuer_dn"`
	KeyAlgorithm       KeyAlgorithm      `json:"key_algorithm"`
	KeySize            int               `json:"key_size"`
	SignatureAlgorithm string            `json:"signature_algorithm"`
	SerialNumber       string            `json:"serial_number"`
	ValidFrom          time.Time         `json:"valid_from"`
	ValidUntil         time.Time         `json:"valid_until"`
	KeyHandle          keyprotect.Handle `json:"key_handle"`
	CertificatePEM     string            `json:"certificate_pem"`
	IsIntermediate     bool              `json:"is_intermediate"`
	ParentID           string            `json:"parent_id,omitempty"`
	CRLNumber          int64             `json:"crl_number"`
	CreatedAt          time.Time         `json:"created_at"`

	// IsActive mirrors the active-CA pointer at the time the identity was
	// read. It is not persisted on the identity itself.
	IsActive bool `json:"-"`

	version uint64
}

// WithinValidity reports whether t falls inside the CA's validity window.
func (ca *CAIdentity) WithinValidity(t time.Time) bool {
	return !t.Before(ca.ValidFrom) && !t.After(ca.ValidUntil)
}

// IssuedCertificate is a leaf certificate produced by SignCSR.
type IssuedCertificate struct {
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
	ReasonCode       int        `json:"reason_code,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`

	version uint64
}

// EffectiveStatus returns the status to present at time now. Revocation wins
// over expiry.
func (c *IssuedCertificate) EffectiveStatus(now time.Time) string {
	if c.Status == StatusActive && now.After(c.NotAfter) {
		return StatusExpired
	}
	return c.Status
}

// CRLEntry is one revoked serial in a CRL.
type CRLEntry struct {
	SerialNumber string    `json:"serial_number"`
	RevokedAt    time.Time `json:"revoked_at"`
	ReasonCode   int       `json:"reason_code"`
}

// CRLDocument is a signed certificate revocation list.
type CRLDocument struct {
	IssuerID   string     `json:"issuer_id"`
	IssuerDN   string     `json:"issuer_dn"`
	Number     int64      `json:"number"`
	ThisUpdate time.Time  `json:"this_update"`
	NextUpdate time.Time  `json:"next_update"`
	Entries    []CRLEntry `json:"entries"`
	PEM        string     `json:"pem"`
	Signature  []byte     `json:"signature"`
}

// CAStatus summarises the engine state for dashboards.
type CAStatus struct {
	IsInitialized       bool      `json:"is_initialized"`
	IsActive            bool      `json:"is_active"`
	CAID                string    `json:"ca_id,omitempty"`
	CAName              string    `json:"ca_name,omitempty"`
	SubjectDN           string    `json:"subject_dn,omitempty"`
	ValidFrom           time.Time `json:"valid_from,omitzero"`
	ValidUntil          time.Time `json:"valid_until,omitzero"`
	DaysUntilExpiration int       `json:"days_until_expiration"`
	ActiveCertificates  int       `json:"active_certificates"`
	RevokedCertificates int       `json:"revoked_certificates"`
	ExpiredCertificates int       `json:"expired_certificates"`
	CRLNumber           int64     `json:"crl_number"`
	CRLNextUpdate       time.Time `json:"crl_next_update,omitzero"`
}

// CertificateFilter narrows ListCertificates. Zero values match everything.
type CertificateFilter struct {
	SubjectRef string
	Status     string
}
