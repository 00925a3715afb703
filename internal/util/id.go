package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a 24-hex-char identifier, the ObjectId shape forum
// clients already store and compare.
func NewID() string {
	bytes := make([]byte, 12)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
