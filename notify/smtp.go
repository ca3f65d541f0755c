// Package notify delivers issuance notices to certificate owners.
package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/go-mail/mail"

	"github.com/pkisouverain/caengine/pki"
)

// ErrNoRecipient is returned by a RecipientResolver that has no address for
// a subject reference. The notifier treats it as "nothing to send".
var ErrNoRecipient = errors.New("no recipient for subject")

// RecipientResolver maps a certificate's subject reference to an email
// address.
type RecipientResolver func(ctx context.Context, subjectRef string) (string, error)

// SubjectRefAsAddress resolves subject references that are themselves email
// addresses. Any other reference has no recipient.
func SubjectRefAsAddress(_ context.Context, subjectRef string) (string, error) {
	addr, err := netmail.ParseAddress(subjectRef)
	if err != nil {
		return "", ErrNoRecipient
	}
	return addr.Address, nil
}

// TLS modes accepted by SMTPConfig.TLSMode.
const (
	TLSModeAuto     = "auto"
	TLSModeStartTLS = "starttls"
	TLSModeSSL      = "ssl"
	TLSModeNone     = "none"
)

// SMTPConfig holds the relay settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	From     string `yaml:"from"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TLSMode  string `yaml:"tls_mode"`
	// InsecureSkipVerify is for local relays with self-signed certificates.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// SMTPNotifier emails the owner of every issued certificate with the
// certificate attached as PEM.
type SMTPNotifier struct {
	cfg     SMTPConfig
	resolve RecipientResolver
	logger  *slog.Logger
	send    func(*mail.Message) error
}

var _ pki.Notifier = (*SMTPNotifier)(nil)

// NewSMTPNotifier returns a notifier that sends through the relay in cfg.
func NewSMTPNotifier(cfg SMTPConfig, resolve RecipientResolver, logger *slog.Logger) (*SMTPNotifier, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, errors.New("smtp: host and from are required")
	}
	if resolve == nil {
		return nil, errors.New("smtp: recipient resolver is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.TLSMode == "" {
		cfg.TLSMode = TLSModeAuto
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := &SMTPNotifier{
		cfg:     cfg,
		resolve: resolve,
		logger:  logger.With("component", "smtp_notifier", "host", cfg.Host),
	}
	n.send = n.dialAndSend
	return n, nil
}

// CertificateIssued sends the issuance email. Certificates without a
// subject reference, or whose reference resolves to no address, are skipped.
func (n *SMTPNotifier) CertificateIssued(ctx context.Context, notice pki.IssuanceNotice) error {
	if notice.SubjectRef == "" {
		return nil
	}
	to, err := n.resolve(ctx, notice.SubjectRef)
	if errors.Is(err, ErrNoRecipient) {
		n.logger.Debug("no recipient for issued certificate", slog.String("subject_ref", notice.SubjectRef))
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolving recipient: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := n.send(n.message(to, notice)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	n.logger.Info("issuance email sent",
		slog.String("to", to),
		slog.String("certificate_id", notice.CertificateID))
	return nil
}

func (n *SMTPNotifier) message(to string, notice pki.IssuanceNotice) *mail.Message {
	m := mail.NewMessage()
	m.SetHeader("From", n.cfg.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", "Your certificate has been issued")
	m.SetDateHeader("Date", time.Now())
	m.SetBody("text/plain", issuedText(notice))

	pemText := notice.CertificatePEM
	m.Attach(notice.SerialNumber+".pem",
		mail.SetCopyFunc(func(w io.Writer) error {
			_, err := io.WriteString(w, pemText)
			return err
		}),
		mail.SetHeader(map[string][]string{"Content-Type": {"application/x-pem-file"}}),
	)
	return m
}

func issuedText(notice pki.IssuanceNotice) string {
	var b strings.Builder
	b.WriteString("A certificate was issued for you.\n\n")
	fmt.Fprintf(&b, "Subject:     %s\n", notice.SubjectDN)
	fmt.Fprintf(&b, "Serial:      %s\n", notice.SerialNumber)
	fmt.Fprintf(&b, "Fingerprint: %s\n\n", notice.Fingerprint)
	b.WriteString("Check that the fingerprint matches before installing the attached certificate.\n")
	return b.String()
}

func (n *SMTPNotifier) dialAndSend(m *mail.Message) error {
	d := mail.NewDialer(n.cfg.Host, n.cfg.Port, n.cfg.Username, n.cfg.Password)
	d.TLSConfig = &tls.Config{
		ServerName:         n.cfg.Host,
		InsecureSkipVerify: n.cfg.InsecureSkipVerify,
	}
	switch n.cfg.TLSMode {
	case TLSModeSSL:
		d.SSL = true
	case TLSModeNone:
		d.StartTLSPolicy = mail.NoStartTLS
	case TLSModeStartTLS:
		d.StartTLSPolicy = mail.MandatoryStartTLS
	}
	return d.DialAndSend(m)
}
