package queue

import (
	"crypto/rand"
	"encoding/hex"
	"io"
)

// randomSuffix returns n random bytes hex-encoded (2n characters).
func randomSuffix(n int) string {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "00000000"[:2*n]
	}
	return hex.EncodeToString(b)
}
