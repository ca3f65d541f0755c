// Package pki implements the certificate authority engine: CA key generation,
// CSR signing, revocation and CRL production over a storage.Repository.
//
// At most one CA is active at a time. The active CA is named by a pointer
// record written with compare-and-swap, so two concurrent root generations
// cannot both succeed. Private keys live in keyprotect containers and are
// only unwrapped for the duration of a signature.
package pki

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pkisouverain/caengine/keyprotect"
	"github.com/pkisouverain/caengine/storage"
)

// Engine is the certificate authority. It is safe for concurrent use.
type Engine struct {
	cas       caStore
	ledger    ledger
	serials   *SerialAllocator
	protector *keyprotect.Protector
	passwords keyprotect.PasswordSource

	logger   *slog.Logger
	now      func() time.Time
	rand     io.Reader
	notifier Notifier
	metrics  *Metrics
	profile  Profile

	// keyMu serializes every use of CA private key material.
	keyMu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRand sets the randomness source for keys, serials and signatures.
func WithRand(r io.Reader) Option {
	return func(e *Engine) { e.rand = r }
}

// WithNotifier installs the issuance notification hook.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithProfile sets the issuance policy. Zero fields keep their defaults.
func WithProfile(p Profile) Option {
	return func(e *Engine) { e.profile = p }
}

// New returns an Engine persisting to repo and protecting keys with
// protector. passwords supplies the container password for each CA.
func New(repo storage.Repository, protector *keyprotect.Protector, passwords keyprotect.PasswordSource, opts ...Option) *Engine {
	e := &Engine{
		cas:       caStore{repo: repo},
		ledger:    ledger{repo: repo},
		protector: protector,
		passwords: passwords,
		logger:    slog.Default(),
		now:       time.Now,
		rand:      rand.Reader,
		notifier:  nopNotifier{},
		profile:   DefaultProfile(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.profile = e.profile.withDefaults()
	e.serials = NewSerialAllocator(repo, e.rand, e.profile.SerialAttempts)
	return e
}

// Profile returns the effective issuance policy.
func (e *Engine) Profile() Profile {
	return e.profile
}

// Now returns the engine's current time in UTC. Callers presenting
// EffectiveStatus should use it so they agree with the engine's clock.
func (e *Engine) Now() time.Time {
	return e.clock()
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

// withCAKey unwraps the CA's private key and runs fn while holding the key
// lock. The certificate handed to fn is the one recorded on the identity.
func (e *Engine) withCAKey(ctx context.Context, ca *CAIdentity, fn func(signer crypto.Signer, cert *x509.Certificate) error) error {
	cert, err := ParseCertificatePEM(ca.CertificatePEM)
	if err != nil {
		return fmt.Errorf("CA %s certificate: %w", ca.ID, err)
	}

	e.keyMu.Lock()
	defer e.keyMu.Unlock()

	signer, err := e.unwrapKey(ctx, ca)
	if err != nil {
		e.logger.Error("CA key unavailable",
			slog.String("op", "unwrap"),
			slog.String("ca_id", ca.ID),
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
	}
	if !publicKeysEqual(signer.Public(), cert.PublicKey) {
		e.logger.Error("CA key does not match certificate",
			slog.String("op", "unwrap"),
			slog.String("ca_id", ca.ID))
		return fmt.Errorf("%w: key does not match CA %s certificate", ErrKeyUnavailable, ca.ID)
	}
	return fn(signer, cert)
}

func (e *Engine) unwrapKey(ctx context.Context, ca *CAIdentity) (crypto.Signer, error) {
	password, err := e.passwords.Password(ca.Name)
	if err != nil {
		return nil, err
	}
	defer password.Destroy()

	signer, _, err := e.protector.Unprotect(ctx, ca.KeyHandle, password)
	if errors.Is(err, keyprotect.ErrContainerMissing) {
		e.logger.Warn("key container missing, falling back to plaintext key",
			slog.String("ca_id", ca.ID))
		return e.protector.LoadPlaintext(ctx, ca.KeyHandle.Name)
	}
	return signer, err
}

type publicKey interface {
	Equal(crypto.PublicKey) bool
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	pk, ok := a.(publicKey)
	return ok && pk.Equal(b)
}

// GetActiveCA returns the CA currently used for issuance.
func (e *Engine) GetActiveCA(ctx context.Context) (*CAIdentity, error) {
	return e.cas.active(ctx)
}

// GetCA returns the CA with the given id.
func (e *Engine) GetCA(ctx context.Context, id string) (*CAIdentity, error) {
	ca, err := e.cas.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.markActive(ctx, ca); err != nil {
		return nil, err
	}
	return ca, nil
}

// ListCAs returns all CAs, oldest first.
func (e *Engine) ListCAs(ctx context.Context) ([]*CAIdentity, error) {
	cas, err := e.cas.list(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.markActive(ctx, cas...); err != nil {
		return nil, err
	}
	return cas, nil
}

func (e *Engine) markActive(ctx context.Context, cas ...*CAIdentity) error {
	activeID, _, err := e.cas.activeID(ctx)
	if err != nil && !errors.Is(err, ErrNoActiveCA) {
		return err
	}
	for _, ca := range cas {
		ca.IsActive = ca.ID == activeID
	}
	return nil
}

// GetCAStatus summarises the active CA and the certificate ledger.
func (e *Engine) GetCAStatus(ctx context.Context) (*CAStatus, error) {
	all, err := e.cas.list(ctx)
	if err != nil {
		return nil, err
	}
	status := &CAStatus{IsInitialized: len(all) > 0}

	now := e.clock()
	certs, err := e.ledger.all(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range certs {
		switch c.EffectiveStatus(now) {
		case StatusActive:
			status.ActiveCertificates++
		case StatusRevoked:
			status.RevokedCertificates++
		case StatusExpired:
			status.ExpiredCertificates++
		}
	}

	ca, err := e.cas.active(ctx)
	if errors.Is(err, ErrNoActiveCA) {
		return status, nil
	}
	if err != nil {
		return nil, err
	}
	status.IsActive = true
	status.CAID = ca.ID
	status.CAName = ca.Name
	status.SubjectDN = ca.SubjectDN
	status.ValidFrom = ca.ValidFrom
	status.ValidUntil = ca.ValidUntil
	status.DaysUntilExpiration = int(ca.ValidUntil.Sub(now).Hours() / 24)
	status.CRLNumber = ca.CRLNumber
	e.metrics.setExpiry(ca.ValidUntil.Sub(now))

	doc, err := e.cas.crl(ctx, ca.ID)
	switch {
	case err == nil:
		status.CRLNextUpdate = doc.NextUpdate
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}
	return status, nil
}

// ExportKeyContainer returns the raw PKCS#12 container of a CA.
func (e *Engine) ExportKeyContainer(ctx context.Context, caID string) ([]byte, error) {
	ca, err := e.cas.get(ctx, caID)
	if err != nil {
		return nil, err
	}
	blob, err := e.protector.Export(ctx, ca.KeyHandle)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
	}
	return blob, nil
}
