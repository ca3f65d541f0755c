package pki

import "errors"

// Error categories. Every error returned by the engine wraps exactly one of
// these.
var (
	// ErrValidation marks malformed or unacceptable caller input.
	ErrValidation = errors.New("validation failed")

	// ErrConflict marks a request that is well-formed but clashes with the
	// current engine state.
	ErrConflict = errors.New("conflicting state")

	// ErrNotFound marks a reference to a record that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrKeyUnavailable marks a CA private key that cannot be retrieved or
	// unwrapped.
	ErrKeyUnavailable = errors.New("CA key unavailable")

	// ErrCryptoFailure marks a failure of a cryptographic primitive such as
	// key generation or signing.
	ErrCryptoFailure = errors.New("cryptographic operation failed")
)

// ErrCRLStale is wrapped alongside the cause when a revocation was recorded
// but the issuing CA's CRL could not be rebuilt. It carries no category of its
// own; the cause decides how the failure is reported.
var ErrCRLStale = errors.New("revocation recorded, CRL is stale")

// kindError is a specific error that belongs to one of the categories above.
type kindError struct {
	msg  string
	kind error
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

func newError(kind error, msg string) error {
	return &kindError{msg: msg, kind: kind}
}

var (
	ErrInvalidPEM     = newError(ErrValidation, "invalid PEM data")
	ErrInvalidCSR     = newError(ErrValidation, "invalid certificate signing request")
	ErrCSRSignature   = newError(ErrValidation, "CSR signature verification failed")
	ErrInvalidRequest = newError(ErrValidation, "invalid request")

	ErrActiveCAExists   = newError(ErrConflict, "an active CA already exists")
	ErrNoActiveCA       = newError(ErrConflict, "no active CA is configured")
	ErrCAExpired        = newError(ErrConflict, "CA is outside its validity window")
	ErrDuplicateSerial  = newError(ErrConflict, "serial number already issued")
	ErrConcurrentUpdate = newError(ErrConflict, "record was modified concurrently")

	ErrCertNotFound = newError(ErrNotFound, "certificate not found")
	ErrCANotFound   = newError(ErrNotFound, "CA not found")
)

// PublicMessage returns text that is safe to show to an API caller. Input and
// state errors carry their own explanation; key and crypto failures are
// reduced to a generic message because their details belong in the logs.
func PublicMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrNotFound):
		return err.Error()
	case errors.Is(err, ErrKeyUnavailable):
		return "the CA signing key is currently unavailable; contact an administrator"
	case errors.Is(err, ErrCryptoFailure):
		return "a cryptographic operation failed; contact an administrator"
	default:
		return "internal error"
	}
}
