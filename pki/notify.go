package pki

import "context"

// IssuanceNotice describes a freshly committed certificate.
type IssuanceNotice struct {
	CertificateID  string
	SubjectRef     string
	SubjectDN      string
	SerialNumber   string
	Fingerprint    string
	CertificatePEM string
}

// Notifier is told about every issued certificate after it is stored. A
// failing notifier never undoes an issuance.
type Notifier interface {
	CertificateIssued(ctx context.Context, notice IssuanceNotice) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, notice IssuanceNotice) error

func (f NotifierFunc) CertificateIssued(ctx context.Context, notice IssuanceNotice) error {
	return f(ctx, notice)
}

type nopNotifier struct{}

func (nopNotifier) CertificateIssued(context.Context, IssuanceNotice) error { return nil }
