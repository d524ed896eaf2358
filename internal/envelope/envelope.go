// Package envelope defines the on-disk vault file format and its codec.
//
// A vault file is a JSON document:
//
//	{
//	  "header": {
//	    "magic": "VKVAULT",
//	    "version": 1,
//	    "kdf": {"alg": "argon2id", "params": {...}},
//	    "salt": "<base64>",
//	    "nonce": "<base64>",
//	    "cipher": "xchacha20-poly1305",
//	    "tag": "<base64, optional>"
//	  },
//	  "ciphertext": "<base64>"
//	}
//
// The codec never touches key material; sealing and opening live in cryptox.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// Magic identifies vaultkeeper files.
	Magic = "VKVAULT"

	// FormatVersion is the newest envelope layout this build writes.
	FormatVersion = 1
)

var ErrMalformedEnvelope = errors.New("envelope: malformed vault file")

// KdfAlg tags the key derivation function.
type KdfAlg string

const (
	KdfArgon2id     KdfAlg = "argon2id"
	KdfPBKDF2SHA256 KdfAlg = "pbkdf2-sha256"
)

// Cipher tags the AEAD used for the payload.
type Cipher string

const (
	CipherXChaCha20Poly1305 Cipher = "xchacha20-poly1305"
	CipherAES256GCM         Cipher = "aes-256-gcm"
)

// KdfCost holds algorithm specific cost parameters. Argon2id uses
// TimeCost, MemoryCost (KiB) and Parallelism; PBKDF2 uses Iterations.
type KdfCost struct {
	KeyLength   uint32 `json:"keyLength"`
	TimeCost    uint32 `json:"timeCost,omitempty"`
	MemoryCost  uint32 `json:"memoryCost,omitempty"`
	Parallelism uint8  `json:"parallelism,omitempty"`
	Iterations  uint32 `json:"iterations,omitempty"`
}

// KdfParams are fixed for a vault's lifetime unless it is re-keyed.
type KdfParams struct {
	Alg    KdfAlg  `json:"alg"`
	Params KdfCost `json:"params"`
}

// Header is the plaintext part of a vault file.
type Header struct {
	Magic   string    `json:"magic"`
	Version int       `json:"version"`
	Kdf     KdfParams `json:"kdf"`

	// Salt is generated once per vault and binds the derived key to it.
	Salt []byte `json:"salt"`

	// Nonce is regenerated on every encryption.
	Nonce []byte `json:"nonce"`

	Cipher Cipher `json:"cipher"`

	// Tag is only set by writers whose AEAD API returns a detached tag.
	// Files written here keep the tag appended to the ciphertext.
	Tag []byte `json:"tag,omitempty"`
}

// File is one sealed vault snapshot.
type File struct {
	Header     Header `json:"header"`
	Ciphertext []byte `json:"ciphertext"`
}

// Clone returns a deep copy of f.
func (f *File) Clone() *File {
	if f == nil {
		return nil
	}
	out := &File{Header: f.Header.Clone(), Ciphertext: cloneBytes(f.Ciphertext)}
	return out
}

// Clone returns a copy of h that shares no byte slices with it.
func (h Header) Clone() Header {
	h.Salt = cloneBytes(h.Salt)
	h.Nonce = cloneBytes(h.Nonce)
	h.Tag = cloneBytes(h.Tag)
	return h
}

// Serialize encodes f deterministically. Parse(Serialize(f)) yields f back.
func Serialize(f *File) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: nil file", ErrMalformedEnvelope)
	}
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return b, nil
}

// Parse decodes and validates a vault file. Unknown fields are ignored so
// newer writers can add optional data.
func Parse(b []byte) (*File, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformedEnvelope)
	}

	var f File
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	if err := f.validate(); err != nil {
		return nil, err
	}

	return &f, nil
}

func (f *File) validate() error {
	h := f.Header

	if h.Magic != Magic {
		return fmt.Errorf("%w: bad magic %q", ErrMalformedEnvelope, h.Magic)
	}
	if h.Version < 1 || h.Version > FormatVersion {
		return fmt.Errorf("%w: unsupported format version %d", ErrMalformedEnvelope, h.Version)
	}

	missing := func(field string) error {
		return fmt.Errorf("%w: missing %s", ErrMalformedEnvelope, field)
	}

	switch {
	case h.Kdf.Alg == "":
		return missing("kdf.alg")
	case h.Kdf.Params.KeyLength == 0:
		return missing("kdf.params.keyLength")
	case len(h.Salt) == 0:
		return missing("salt")
	case len(h.Nonce) == 0:
		return missing("nonce")
	case h.Cipher == "":
		return missing("cipher")
	case len(f.Ciphertext) == 0:
		return missing("ciphertext")
	}

	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
