package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/vaultkeeper/internal/common"
)

// LegacyRecord is one entry exported by the pre-envelope storage scheme:
// a JSON entry sealed on its own with AES-256-GCM.
type LegacyRecord struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// LegacyKey derives the legacy single-entry key. The old scheme hashed the
// master password once with SHA-256, with no salt.
func LegacyKey(password []byte) []byte {
	sum := sha256.Sum256(password)
	return sum[:]
}

// SealLegacyRecord encrypts v the way the legacy scheme did.
func SealLegacyRecord(v any, key []byte) (LegacyRecord, error) {
	ciphertext, nonce, err := EncryptEntry(v, key)
	if err != nil {
		return LegacyRecord{}, err
	}
	return LegacyRecord{Nonce: nonce, Ciphertext: ciphertext}, nil
}

// OpenLegacyRecord decrypts rec into v.
func OpenLegacyRecord(rec LegacyRecord, key []byte, v any) error {
	if len(rec.Nonce) != 12 {
		return fmt.Errorf("%w: got %d", ErrInvalidNonceLength, len(rec.Nonce))
	}
	if len(rec.Ciphertext) < TagSize {
		return ErrInvalidTagLength
	}
	return DecryptEntry(rec.Ciphertext, rec.Nonce, key, v)
}

// EncryptEntry marshals entry to JSON and seals it with AES-GCM under key
// and a random 12-byte nonce.
func EncryptEntry(entry any, key []byte) (ciphertext, nonce []byte, err error) {
	plaintext, err := json.Marshal(entry)
	if err != nil {
		return nil, nil, err
	}
	defer common.WipeByteArray(plaintext)

	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = common.GenerateRandByteArray(aesgcm.NonceSize())
	ciphertext = aesgcm.Seal(nil, nonce, plaintext, nil)

	return ciphertext, nonce, nil
}

// DecryptEntry reverses EncryptEntry, unmarshalling the plaintext into v.
func DecryptEntry(ciphertext, nonce, key []byte, v any) error {
	aesgcm, err := newGCM(key)
	if err != nil {
		return err
	}

	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return ErrAuthenticationFailed
	}
	defer common.WipeByteArray(plaintext)

	return json.Unmarshal(plaintext, v)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		var ks aes.KeySizeError
		if errors.As(err, &ks) {
			return nil, fmt.Errorf("%w: %d", ErrInvalidKeyLength, int(ks))
		}
		return nil, err
	}
	return cipher.NewGCM(block)
}
