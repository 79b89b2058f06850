// Package util holds small helpers shared across the service.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

const idEntropy = 16

// NewID returns a random identifier like "br_3f2a9c...". The prefix encodes
// the entity kind; an empty prefix yields bare hex.
func NewID(prefix string) string {
	buf := make([]byte, idEntropy)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	id := hex.EncodeToString(buf)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
