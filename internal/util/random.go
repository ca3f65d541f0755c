package util

import (
	"crypto/rand"
	"fmt"
	"io"
)

func RandomBytes(n int) ([]byte, error) {
	return RandomBytesFrom(rand.Reader, n)
}

// RandomBytesFrom reads n bytes from r.
func RandomBytesFrom(r io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}
