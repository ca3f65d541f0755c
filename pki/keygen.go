package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"io"
	"time"
)

// Profile carries the organisation-wide issuance policy.
type Profile struct {
	Organization        string
	Country             string
	KeyAlgorithm        KeyAlgorithm
	DefaultKeyBits      int
	DefaultValidityDays int

	// ClockSkew is subtracted from a leaf's NotBefore.
	ClockSkew time.Duration

	CRLValidity      time.Duration
	CRLRetryAttempts uint
	CRLRetryDelay    time.Duration

	// SerialAttempts bounds how many serials are drawn for one issuance.
	SerialAttempts uint
}

// DefaultProfile returns the policy used when no WithProfile option is given.
func DefaultProfile() Profile {
	return Profile{
		Organization:        "PKI Souverain",
		Country:             "CM",
		KeyAlgorithm:        KeyAlgorithmRSA,
		DefaultKeyBits:      4096,
		DefaultValidityDays: 3650,
		ClockSkew:           60 * time.Second,
		CRLValidity:         7 * 24 * time.Hour,
		CRLRetryAttempts:    3,
		CRLRetryDelay:       250 * time.Millisecond,
		SerialAttempts:      5,
	}
}

// withDefaults fills zero fields from DefaultProfile.
func (p Profile) withDefaults() Profile {
	d := DefaultProfile()
	if p.Organization == "" {
		p.Organization = d.Organization
	}
	if p.Country == "" {
		p.Country = d.Country
	}
	if p.KeyAlgorithm == "" {
		p.KeyAlgorithm = d.KeyAlgorithm
	}
	if p.DefaultKeyBits == 0 {
		if p.KeyAlgorithm == KeyAlgorithmECDSA {
			p.DefaultKeyBits = 384
		} else {
			p.DefaultKeyBits = d.DefaultKeyBits
		}
	}
	if p.DefaultValidityDays == 0 {
		p.DefaultValidityDays = d.DefaultValidityDays
	}
	if p.ClockSkew == 0 {
		p.ClockSkew = d.ClockSkew
	}
	if p.CRLValidity == 0 {
		p.CRLValidity = d.CRLValidity
	}
	if p.CRLRetryAttempts == 0 {
		p.CRLRetryAttempts = d.CRLRetryAttempts
	}
	if p.SerialAttempts == 0 {
		p.SerialAttempts = d.SerialAttempts
	}
	return p
}

// SignatureAlgorithm is the x509 algorithm used with keys of the profile's
// type.
func (p Profile) SignatureAlgorithm() x509.SignatureAlgorithm {
	return signatureAlgorithmFor(p.KeyAlgorithm)
}

func signatureAlgorithmFor(alg KeyAlgorithm) x509.SignatureAlgorithm {
	if alg == KeyAlgorithmECDSA {
		return x509.ECDSAWithSHA256
	}
	return x509.SHA256WithRSA
}

// allowedKeySizes lists accepted KeyBits values per algorithm.
var allowedKeySizes = map[KeyAlgorithm][]any{
	KeyAlgorithmRSA:   {2048, 3072, 4096},
	KeyAlgorithmECDSA: {256, 384},
}

// generateKey creates a fresh CA key pair.
func generateKey(r io.Reader, alg KeyAlgorithm, bits int) (crypto.Signer, error) {
	switch alg {
	case KeyAlgorithmRSA:
		key, err := rsa.GenerateKey(r, bits)
		if err != nil {
			return nil, fmt.Errorf("%w: generating RSA-%d key: %v", ErrCryptoFailure, bits, err)
		}
		return key, nil
	case KeyAlgorithmECDSA:
		var curve elliptic.Curve
		switch bits {
		case 256:
			curve = elliptic.P256()
		case 384:
			curve = elliptic.P384()
		default:
			return nil, fmt.Errorf("%w: unsupported ECDSA size %d", ErrInvalidRequest, bits)
		}
		key, err := ecdsa.GenerateKey(curve, r)
		if err != nil {
			return nil, fmt.Errorf("%w: generating ECDSA P-%d key: %v", ErrCryptoFailure, bits, err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: unsupported key algorithm %q", ErrInvalidRequest, alg)
	}
}
