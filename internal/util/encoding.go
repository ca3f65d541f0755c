package util

import "golang.org/x/text/unicode/norm"

// Normalize returns the NFC form of s. Key-container passwords go through
// it so that the same visible password always derives the same key.
func Normalize(s string) string {
	return norm.NFC.String(s)
}
