package util

import (
	"bytes"
	"crypto/x509"
	"testing"
)

func TestBytes(t *testing.T) {
	b := []byte{0x01, 0x02, 0x03}
	WipeBytes(b)
	if !bytes.Equal(b, []byte{0, 0, 0}) {
		t.Errorf("WipeBytes left data behind: %v", b)
	}
}

func TestEncoding(t *testing.T) {
	// e + combining acute accent composes to a single code point.
	if got := Normalize("cafe\u0301"); got != "caf\u00e9" {
		t.Errorf("Normalize failed, got %q", got)
	}
	if Normalize("caf\u00e9") != Normalize("cafe\u0301") {
		t.Error("Normalize should map both forms to the same string")
	}
}

func TestRandom(t *testing.T) {
	b1, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	b2, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	if len(b1) != 32 {
		t.Errorf("expected 32 bytes, got %d", len(b1))
	}
	if bytes.Equal(b1, b2) {
		t.Error("RandomBytes should produce different outputs")
	}

	if _, err := RandomBytesFrom(bytes.NewReader([]byte{1, 2}), 4); err == nil {
		t.Error("expected error from short reader")
	}
}

func TestGenerateSelfSignedCert(t *testing.T) {
	cert, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert failed: %v", err)
	}
	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parsing generated certificate: %v", err)
	}
	if parsed.Subject.CommonName != "caengine" {
		t.Errorf("unexpected subject %q", parsed.Subject.CommonName)
	}
}
