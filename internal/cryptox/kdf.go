// Package cryptox turns a master password into a vault key and seals or
// opens vault payloads inside an envelope.File.
package cryptox

import (
	"crypto/sha256"
	"fmt"

	"github.com/dmitrijs2005/vaultkeeper/internal/envelope"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeyLength is the only key size the supported ciphers accept.
	KeyLength = 32

	// SaltLength is the size of the per-vault random salt.
	SaltLength = 16

	defaultArgonTime        = 3
	defaultArgonMemoryKiB   = 64 * 1024
	defaultArgonParallelism = 4
	defaultPBKDF2Iterations = 600_000
)

// DefaultKdfParams returns the argon2id cost used for new vaults.
func DefaultKdfParams() envelope.KdfParams {
	return envelope.KdfParams{
		Alg: envelope.KdfArgon2id,
		Params: envelope.KdfCost{
			KeyLength:   KeyLength,
			TimeCost:    defaultArgonTime,
			MemoryCost:  defaultArgonMemoryKiB,
			Parallelism: defaultArgonParallelism,
		},
	}
}

// PBKDF2KdfParams returns the PBKDF2-HMAC-SHA256 fallback cost.
func PBKDF2KdfParams() envelope.KdfParams {
	return envelope.KdfParams{
		Alg: envelope.KdfPBKDF2SHA256,
		Params: envelope.KdfCost{
			KeyLength:  KeyLength,
			Iterations: defaultPBKDF2Iterations,
		},
	}
}

// ValidateKdfParams checks that p names a known algorithm with usable cost values.
func ValidateKdfParams(p envelope.KdfParams) error {
	c := p.Params
	if c.KeyLength != KeyLength {
		return fmt.Errorf("%w: key length %d", ErrInvalidKdfParams, c.KeyLength)
	}

	switch p.Alg {
	case envelope.KdfArgon2id:
		if c.TimeCost < 1 || c.Parallelism < 1 {
			return fmt.Errorf("%w: argon2id time=%d parallelism=%d", ErrInvalidKdfParams, c.TimeCost, c.Parallelism)
		}
		if c.MemoryCost < 8*uint32(c.Parallelism) {
			return fmt.Errorf("%w: argon2id memory %d KiB too small", ErrInvalidKdfParams, c.MemoryCost)
		}
	case envelope.KdfPBKDF2SHA256:
		if c.Iterations < 1 {
			return fmt.Errorf("%w: pbkdf2 iterations %d", ErrInvalidKdfParams, c.Iterations)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedKdf, p.Alg)
	}

	return nil
}

// DeriveKey derives the vault key from password using the KDF and salt
// recorded in h. Same password and header always give the same key.
func DeriveKey(password []byte, h envelope.Header) ([]byte, error) {
	if len(password) == 0 {
		return nil, ErrEmptyPassword
	}
	if err := ValidateKdfParams(h.Kdf); err != nil {
		return nil, err
	}
	if len(h.Salt) == 0 {
		return nil, fmt.Errorf("%w: missing salt", envelope.ErrMalformedEnvelope)
	}

	c := h.Kdf.Params
	switch h.Kdf.Alg {
	case envelope.KdfArgon2id:
		return argon2.IDKey(password, h.Salt, c.TimeCost, c.MemoryCost, c.Parallelism, c.KeyLength), nil
	default:
		return pbkdf2.Key(password, h.Salt, int(c.Iterations), int(c.KeyLength), sha256.New), nil
	}
}
