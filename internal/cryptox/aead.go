package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/dmitrijs2005/vaultkeeper/internal/envelope"
	"golang.org/x/crypto/chacha20poly1305"
)

// TagSize is the authentication tag length of both supported AEADs.
const TagSize = 16

// DefaultCipher seals new vaults.
const DefaultCipher = envelope.CipherXChaCha20Poly1305

// NonceSize returns the nonce length required by c.
func NonceSize(c envelope.Cipher) (int, error) {
	switch c {
	case envelope.CipherXChaCha20Poly1305:
		return chacha20poly1305.NonceSizeX, nil
	case envelope.CipherAES256GCM:
		return 12, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedCipher, c)
	}
}

func newAEAD(c envelope.Cipher, key []byte) (cipher.AEAD, error) {
	if _, err := NonceSize(c); err != nil {
		return nil, err
	}
	if len(key) != KeyLength {
		return nil, fmt.Errorf("%w: %w: got %d bytes", envelope.ErrMalformedEnvelope, ErrInvalidKeyLength, len(key))
	}

	if c == envelope.CipherXChaCha20Poly1305 {
		return chacha20poly1305.NewX(key)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
