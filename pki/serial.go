package pki

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/avast/retry-go/v4"

	"github.com/pkisouverain/caengine/internal/util"
	"github.com/pkisouverain/caengine/storage"
)

// serialBytes is the length of a drawn serial. With the top bit cleared the
// value fits the 20-octet limit of RFC 5280 and is always positive.
const serialBytes = 20

// SerialAllocator draws random certificate serial numbers that are not yet
// present in the serial index.
type SerialAllocator struct {
	repo     storage.Repository
	rand     io.Reader
	attempts uint
}

// NewSerialAllocator returns an allocator reading randomness from r and
// giving up after attempts collisions.
func NewSerialAllocator(repo storage.Repository, r io.Reader, attempts uint) *SerialAllocator {
	if attempts == 0 {
		attempts = 1
	}
	return &SerialAllocator{repo: repo, rand: r, attempts: attempts}
}

// Next returns a serial that was unused at the time of the call. Uniqueness
// at commit time is still enforced by the create-only index write.
func (a *SerialAllocator) Next(ctx context.Context) (*big.Int, error) {
	return retry.DoWithData(
		func() (*big.Int, error) {
			serial, err := drawSerial(a.rand)
			if errors.Is(err, ErrDuplicateSerial) {
				return nil, err
			}
			if err != nil {
				return nil, retry.Unrecoverable(err)
			}
			_, err = a.repo.Get(ctx, recordSerialIndex, SerialHex(serial))
			switch {
			case err == nil:
				return nil, ErrDuplicateSerial
			case errors.Is(err, storage.ErrNotFound):
				return serial, nil
			default:
				return nil, retry.Unrecoverable(fmt.Errorf("checking serial index: %w", err))
			}
		},
		retry.Attempts(a.attempts),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

func drawSerial(r io.Reader) (*big.Int, error) {
	b, err := util.RandomBytesFrom(r, serialBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: drawing serial: %v", ErrCryptoFailure, err)
	}
	b[0] &= 0x7f
	serial := new(big.Int).SetBytes(b)
	if serial.Sign() == 0 {
		return nil, ErrDuplicateSerial
	}
	return serial, nil
}
