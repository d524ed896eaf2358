// Package common provides small helpers shared across vaultkeeper packages:
// random byte generation and wiping of sensitive buffers.
package common

import (
	"crypto/rand"
	"encoding/hex"
	"runtime"
)

// MakeRandHexString generates size random bytes and returns them hex-encoded,
// so the resulting string is 2*size characters long.
func MakeRandHexString(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GenerateRandByteArray returns size bytes read from crypto/rand.
//
// crypto/rand.Read never returns an error on supported platforms; a failure
// here means the system entropy source is broken and the process must not
// continue generating keys, salts or nonces.
func GenerateRandByteArray(size int) []byte {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		panic("common: entropy source failure: " + err.Error())
	}
	return b
}

// WipeByteArray overwrites b with zeros. It is used to remove passwords and
// derived keys from memory once they are no longer needed.
//
// If the slice is nil, the function does nothing.
func WipeByteArray(b []byte) {
	if b == nil {
		return
	}
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// CloneBytes returns an independent copy of b (nil stays nil).
func CloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
