// Package keyprotect keeps CA private keys at rest inside password-protected
// PKCS#12 containers.
//
// A key is first staged as a plaintext PKCS#8 PEM blob, then wrapped into a
// container together with its certificate. Once the container is written the
// plaintext blob is destroyed. Callers hold a Handle that names the container.
package keyprotect

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/pkisouverain/caengine/internal/util"
)

var (
	// ErrContainerMissing is returned when the container named by a handle
	// does not exist in the blob store.
	ErrContainerMissing = errors.New("key container not found")

	// ErrAuthentication is returned when a container cannot be opened with
	// the supplied password.
	ErrAuthentication = errors.New("key container password rejected")

	// ErrMalformedContainer is returned when a container exists but cannot
	// be decoded into a signing key.
	ErrMalformedContainer = errors.New("malformed key container")

	// ErrPlaintextRetained is returned alongside a valid handle when the
	// container was written but the staged plaintext could not be destroyed.
	ErrPlaintextRetained = errors.New("plaintext key material could not be removed")

	// ErrPlaintextMissing is returned by LoadPlaintext when no staged key exists.
	ErrPlaintextMissing = errors.New("plaintext key not found")
)

const (
	containerSuffix = ".p12"
	plaintextSuffix = ".key.pem"

	// FormatPKCS12 identifies containers produced by Protect.
	FormatPKCS12 = "pkcs12"

	pemTypePrivateKey = "PRIVATE KEY"
)

// Handle is an opaque reference to a protected key container.
type Handle struct {
	Name      string `json:"name"`
	Container string `json:"container"`
	Format    string `json:"format"`
}

// IsZero reports whether h refers to no container.
func (h Handle) IsZero() bool {
	return h.Container == ""
}

// Protector wraps and unwraps private keys using a BlobStore.
type Protector struct {
	store BlobStore
	rand  io.Reader
}

// Option configures a Protector.
type Option func(*Protector)

// WithRand sets the randomness source used for container salts and IVs.
func WithRand(r io.Reader) Option {
	return func(p *Protector) {
		p.rand = r
	}
}

// New returns a Protector persisting blobs in store.
func New(store BlobStore, opts ...Option) *Protector {
	p := &Protector{store: store, rand: rand.Reader}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// StagePlaintext writes key as a PKCS#8 PEM blob named after name. The blob
// is expected to be short-lived: Protect removes it once a container exists.
func (p *Protector) StagePlaintext(ctx context.Context, name string, key crypto.Signer) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("encoding private key: %w", err)
	}
	defer util.WipeBytes(der)

	block := pem.EncodeToMemory(&pem.Block{Type: pemTypePrivateKey, Bytes: der})
	defer util.WipeBytes(block)

	if err := p.store.WriteBlob(ctx, name+plaintextSuffix, block); err != nil {
		return fmt.Errorf("staging private key: %w", err)
	}
	return nil
}

// LoadPlaintext reads a staged PKCS#8 key. It is the fallback for keys that
// were never wrapped into a container.
func (p *Protector) LoadPlaintext(ctx context.Context, name string) (crypto.Signer, error) {
	data, err := p.store.ReadBlob(ctx, name+plaintextSuffix)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return nil, fmt.Errorf("%s: %w", name, ErrPlaintextMissing)
		}
		return nil, err
	}
	defer util.WipeBytes(data)

	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemTypePrivateKey {
		return nil, fmt.Errorf("%s: %w", name, ErrMalformedContainer)
	}
	defer util.WipeBytes(block.Bytes)

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", name, ErrMalformedContainer, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%s: %w: key cannot sign", name, ErrMalformedContainer)
	}
	return signer, nil
}

// Protect wraps key and cert into a PKCS#12 container and destroys any staged
// plaintext for name. When the container is written but the plaintext could
// not be removed, the returned handle is valid and the error wraps
// ErrPlaintextRetained.
func (p *Protector) Protect(ctx context.Context, name string, key crypto.Signer, cert *x509.Certificate, password *memguard.LockedBuffer) (Handle, error) {
	if cert == nil {
		return Handle{}, errors.New("protecting key: certificate is required")
	}

	blob, err := pkcs12.Modern.WithRand(p.rand).Encode(key, cert, nil, util.Normalize(password.String()))
	if err != nil {
		return Handle{}, fmt.Errorf("encoding key container: %w", err)
	}

	h := Handle{Name: name, Container: name + containerSuffix, Format: FormatPKCS12}
	if err := p.store.WriteBlob(ctx, h.Container, blob); err != nil {
		return Handle{}, fmt.Errorf("writing key container: %w", err)
	}

	if err := p.store.RemoveBlob(ctx, name+plaintextSuffix); err != nil {
		return h, fmt.Errorf("%w: %v", ErrPlaintextRetained, err)
	}
	return h, nil
}

// Unprotect opens the container referenced by h and returns its signing key
// together with the certificate stored next to it.
func (p *Protector) Unprotect(ctx context.Context, h Handle, password *memguard.LockedBuffer) (crypto.Signer, *x509.Certificate, error) {
	blob, err := p.store.ReadBlob(ctx, h.Container)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return nil, nil, fmt.Errorf("%s: %w", h.Container, ErrContainerMissing)
		}
		return nil, nil, err
	}

	key, cert, _, err := pkcs12.DecodeChain(blob, util.Normalize(password.String()))
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, nil, fmt.Errorf("%s: %w", h.Container, ErrAuthentication)
		}
		return nil, nil, fmt.Errorf("%s: %w: %v", h.Container, ErrMalformedContainer, err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, nil, fmt.Errorf("%s: %w: key cannot sign", h.Container, ErrMalformedContainer)
	}
	return signer, cert, nil
}

// Export returns the raw container bytes referenced by h.
func (p *Protector) Export(ctx context.Context, h Handle) ([]byte, error) {
	blob, err := p.store.ReadBlob(ctx, h.Container)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return nil, fmt.Errorf("%s: %w", h.Container, ErrContainerMissing)
		}
		return nil, err
	}
	return blob, nil
}

// Discard removes the container and any staged plaintext for h. Missing
// blobs are ignored.
func (p *Protector) Discard(ctx context.Context, h Handle) error {
	var errs []error
	if h.Container != "" {
		errs = append(errs, p.store.RemoveBlob(ctx, h.Container))
	}
	if h.Name != "" {
		errs = append(errs, p.store.RemoveBlob(ctx, h.Name+plaintextSuffix))
	}
	return errors.Join(errs...)
}
