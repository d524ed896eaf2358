package cryptox

import (
	"errors"
	"fmt"

	"github.com/dmitrijs2005/vaultkeeper/internal/common"
	"github.com/dmitrijs2005/vaultkeeper/internal/envelope"
	"github.com/dmitrijs2005/vaultkeeper/internal/models"
)

// Options selects the KDF and cipher for a new vault.
type Options struct {
	Kdf    envelope.KdfParams
	Cipher envelope.Cipher
}

// DefaultOptions are argon2id with XChaCha20-Poly1305.
func DefaultOptions() Options {
	return Options{Kdf: DefaultKdfParams(), Cipher: DefaultCipher}
}

// NewHeader builds a header with a fresh random salt. The nonce is left
// empty; it is filled on every encryption.
func NewHeader(opts Options) (envelope.Header, error) {
	if err := ValidateKdfParams(opts.Kdf); err != nil {
		return envelope.Header{}, err
	}
	if _, err := NonceSize(opts.Cipher); err != nil {
		return envelope.Header{}, err
	}

	return envelope.Header{
		Magic:   envelope.Magic,
		Version: envelope.FormatVersion,
		Kdf:     opts.Kdf,
		Salt:    common.GenerateRandByteArray(SaltLength),
		Cipher:  opts.Cipher,
	}, nil
}

// CreateNewVaultFile seals p under a key derived from password with the
// default options. It returns the file and the derived key.
func CreateNewVaultFile(p *models.VaultPayload, password []byte) (*envelope.File, []byte, error) {
	return CreateNewVaultFileWith(p, password, DefaultOptions())
}

// CreateNewVaultFileWith is CreateNewVaultFile with explicit options.
func CreateNewVaultFileWith(p *models.VaultPayload, password []byte, opts Options) (*envelope.File, []byte, error) {
	h, err := NewHeader(opts)
	if err != nil {
		return nil, nil, err
	}

	key, err := DeriveKey(password, h)
	if err != nil {
		return nil, nil, err
	}

	f, err := EncryptVaultPayloadWithKey(p, h, key)
	if err != nil {
		common.WipeByteArray(key)
		return nil, nil, err
	}

	return f, key, nil
}

// EncryptVaultPayloadWithKey seals p with key. The KDF, salt and cipher
// are copied from header; the nonce is always fresh and any detached tag
// is dropped.
func EncryptVaultPayloadWithKey(p *models.VaultPayload, header envelope.Header, key []byte) (*envelope.File, error) {
	if p == nil {
		return nil, errors.New("cryptox: nil payload")
	}

	aead, err := newAEAD(header.Cipher, key)
	if err != nil {
		return nil, err
	}

	plaintext, err := models.EncodePayload(p)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(plaintext)

	h := header.Clone()
	h.Magic = envelope.Magic
	h.Version = envelope.FormatVersion
	h.Nonce = common.GenerateRandByteArray(aead.NonceSize())
	h.Tag = nil

	return &envelope.File{
		Header:     h,
		Ciphertext: aead.Seal(nil, h.Nonce, plaintext, nil),
	}, nil
}

// OpenPayload authenticates and decrypts f, returning the raw payload JSON.
func OpenPayload(f *envelope.File, key []byte) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: nil file", envelope.ErrMalformedEnvelope)
	}
	h := f.Header

	aead, err := newAEAD(h.Cipher, key)
	if err != nil {
		return nil, err
	}

	if len(h.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: %w: got %d, want %d",
			envelope.ErrMalformedEnvelope, ErrInvalidNonceLength, len(h.Nonce), aead.NonceSize())
	}

	sealed := f.Ciphertext
	if len(h.Tag) > 0 {
		if len(h.Tag) != TagSize {
			return nil, fmt.Errorf("%w: %w: got %d", envelope.ErrMalformedEnvelope, ErrInvalidTagLength, len(h.Tag))
		}
		sealed = make([]byte, 0, len(f.Ciphertext)+len(h.Tag))
		sealed = append(sealed, f.Ciphertext...)
		sealed = append(sealed, h.Tag...)
	}
	if len(sealed) < TagSize {
		return nil, fmt.Errorf("%w: %w: ciphertext shorter than tag", envelope.ErrMalformedEnvelope, ErrInvalidTagLength)
	}

	plaintext, err := aead.Open(nil, h.Nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// DecryptVaultFileWithKey opens f and decodes the payload. Structurally
// invalid entries are dropped by models.DecodePayload.
func DecryptVaultFileWithKey(f *envelope.File, key []byte) (*models.VaultPayload, error) {
	plaintext, err := OpenPayload(f, key)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(plaintext)

	p, _, err := models.DecodePayload(plaintext)
	if err != nil {
		return nil, err
	}
	return p, nil
}
