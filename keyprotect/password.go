package keyprotect

import (
	"errors"
	"fmt"
	"os"

	"github.com/awnumar/memguard"
)

// ErrNoPassword is returned when a PasswordSource has nothing to offer.
var ErrNoPassword = errors.New("no key container password configured")

// PasswordSource supplies the container password for a CA. The caller owns
// the returned buffer and must Destroy it.
type PasswordSource interface {
	Password(caName string) (*memguard.LockedBuffer, error)
}

// EnvPasswordSource reads the password from an environment variable and
// falls back to Default when the variable is unset or empty.
type EnvPasswordSource struct {
	EnvVar  string
	Default string
}

var _ PasswordSource = EnvPasswordSource{}

func (s EnvPasswordSource) Password(string) (*memguard.LockedBuffer, error) {
	v := os.Getenv(s.EnvVar)
	if v == "" {
		v = s.Default
	}
	if v == "" {
		return nil, fmt.Errorf("%s: %w", s.EnvVar, ErrNoPassword)
	}
	return memguard.NewBufferFromBytes([]byte(v)), nil
}

// StaticPasswordSource serves a single password kept in a memguard Enclave.
type StaticPasswordSource struct {
	enclave *memguard.Enclave
}

var _ PasswordSource = (*StaticPasswordSource)(nil)

// NewStaticPasswordSource seals password into an enclave. The input slice is
// wiped.
func NewStaticPasswordSource(password []byte) (*StaticPasswordSource, error) {
	if len(password) == 0 {
		return nil, ErrNoPassword
	}
	return &StaticPasswordSource{enclave: memguard.NewEnclave(password)}, nil
}

func (s *StaticPasswordSource) Password(string) (*memguard.LockedBuffer, error) {
	buf, err := s.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening password enclave: %w", err)
	}
	return buf, nil
}
