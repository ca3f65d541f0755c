package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
)

// PEM block types.
const (
	PEMTypeCertificate = "CERTIFICATE"
	PEMTypeCSR         = "CERTIFICATE REQUEST"
	PEMTypeCRL         = "X509 CRL"
	PEMTypePrivateKey  = "PRIVATE KEY"
)

// EncodeCertPEM wraps DER certificate bytes in a PEM block.
func EncodeCertPEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: PEMTypeCertificate, Bytes: der}))
}

// EncodeCRLPEM wraps DER CRL bytes in a PEM block.
func EncodeCRLPEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: PEMTypeCRL, Bytes: der}))
}

// EncodePrivateKeyPEM encodes key as an unencrypted PKCS#8 PEM block.
func EncodePrivateKeyPEM(key crypto.Signer) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("encoding private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: PEMTypePrivateKey, Bytes: der})), nil
}

func decodePEM(data, wantType string) ([]byte, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidPEM)
	}
	if block.Type != wantType {
		return nil, fmt.Errorf("%w: expected %q block, got %q", ErrInvalidPEM, wantType, block.Type)
	}
	return block.Bytes, nil
}

// ParseCertificatePEM decodes a single PEM certificate.
func ParseCertificatePEM(certPEM string) (*x509.Certificate, error) {
	der, err := decodePEM(certPEM, PEMTypeCertificate)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return cert, nil
}

// ParseCRLPEM decodes a single PEM CRL.
func ParseCRLPEM(crlPEM string) (*x509.RevocationList, error) {
	der, err := decodePEM(crlPEM, PEMTypeCRL)
	if err != nil {
		return nil, err
	}
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return crl, nil
}

// ParseCSRPEM decodes a PKCS#10 request and verifies its self-signature.
func ParseCSRPEM(csrPEM string) (*x509.CertificateRequest, error) {
	der, err := decodePEM(csrPEM, PEMTypeCSR)
	if err != nil {
		return nil, err
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCSR, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCSRSignature, err)
	}
	return csr, nil
}

// CreateCSRPEM builds a PEM-encoded PKCS#10 request for subject signed by key.
func CreateCSRPEM(subject pkix.Name, dnsNames []string, key crypto.Signer) (string, error) {
	template := &x509.CertificateRequest{
		Subject:  subject,
		DNSNames: dnsNames,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return "", fmt.Errorf("creating CSR: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: PEMTypeCSR, Bytes: der})), nil
}

// Fingerprint returns the lower-case hex SHA-256 digest of DER bytes.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// SerialHex renders a serial number as lower-case hex without leading zeros.
func SerialHex(serial *big.Int) string {
	return serial.Text(16)
}

// ParseSerialHex is the inverse of SerialHex.
func ParseSerialHex(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok || n.Sign() <= 0 {
		return nil, fmt.Errorf("%w: bad serial %q", ErrInvalidRequest, s)
	}
	return n, nil
}

// SubjectString formats a pkix.Name as a readable DN string.
func SubjectString(name pkix.Name) string {
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	for _, l := range name.Locality {
		parts = append(parts, "L="+l)
	}
	for _, p := range name.Province {
		parts = append(parts, "ST="+p)
	}
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	return strings.Join(parts, ", ")
}

// keyDescription returns the algorithm and size of a public key.
func keyDescription(pub crypto.PublicKey) (KeyAlgorithm, int) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return KeyAlgorithmRSA, k.N.BitLen()
	case *ecdsa.PublicKey:
		return KeyAlgorithmECDSA, k.Curve.Params().BitSize
	default:
		return "", 0
	}
}

// subjectKeyID derives the RFC 5280 method-1 key identifier for pub.
func subjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	var spki struct {
		Algorithm        pkix.AlgorithmIdentifier
		SubjectPublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, err
	}
	sum := sha1.Sum(spki.SubjectPublicKey.Bytes)
	return sum[:], nil
}
