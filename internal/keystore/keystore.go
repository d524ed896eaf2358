// Package keystore keeps the derived vault key wrapped by a device-bound
// secret, so the vault can be reopened without retyping the master
// password. The vault repository only ever sees the unwrapped key through
// UnlockWithKey.
package keystore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"github.com/dmitrijs2005/vaultkeeper/internal/filex"
	"github.com/dmitrijs2005/vaultkeeper/internal/metadata"
)

var (
	ErrNoWrappedKey        = errors.New("keystore: no wrapped key stored")
	ErrEmptyKey            = errors.New("keystore: key is empty")
	ErrIdentityPermissions = errors.New("keystore: identity file is accessible by others")
)

const (
	wrappedKeyKey = "keystore.wrapped_key"
	// identityKey held the age identity next to the wrapped key in older
	// databases. It is deleted whenever the store writes.
	identityKey = "keystore.identity"
)

// Wrapper seals and opens a key with a secret the caller never sees.
type Wrapper interface {
	Wrap(key []byte) ([]byte, error)
	Unwrap(wrapped []byte) ([]byte, error)
}

// AgeWrapper wraps keys to an age X25519 identity.
type AgeWrapper struct {
	identity *age.X25519Identity
}

var _ Wrapper = (*AgeWrapper)(nil)

func NewAgeWrapper() (*AgeWrapper, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	return &AgeWrapper{identity: id}, nil
}

// ParseAgeWrapper restores a wrapper from its AGE-SECRET-KEY-1... form.
func ParseAgeWrapper(s string) (*AgeWrapper, error) {
	id, err := age.ParseX25519Identity(s)
	if err != nil {
		return nil, fmt.Errorf("parsing age identity: %w", err)
	}
	return &AgeWrapper{identity: id}, nil
}

// String returns the secret identity. Never log it.
func (w *AgeWrapper) String() string {
	return w.identity.String()
}

func (w *AgeWrapper) Wrap(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}

	var buf bytes.Buffer
	wr, err := age.Encrypt(&buf, w.identity.Recipient())
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := wr.Write(key); err != nil {
		return nil, fmt.Errorf("writing key to age encryptor: %w", err)
	}
	if err := wr.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return buf.Bytes(), nil
}

func (w *AgeWrapper) Unwrap(wrapped []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(wrapped), w.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	key, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted key: %w", err)
	}
	return key, nil
}

// LoadOrCreateIdentity reads the age identity kept at path, creating it
// with owner-only permissions on first use. The file must live outside
// the metadata database; it is the device secret the wrapped key depends
// on. An existing file readable by group or others is refused.
func LoadOrCreateIdentity(path string) (*AgeWrapper, error) {
	info, err := os.Stat(path)
	switch {
	case err == nil:
		if info.Mode().Perm()&0o077 != 0 {
			return nil, fmt.Errorf("%w: %s has mode %v", ErrIdentityPermissions, path, info.Mode().Perm())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading identity: %w", err)
		}
		return ParseAgeWrapper(strings.TrimSpace(string(data)))
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("stat identity: %w", err)
	}

	w, err := NewAgeWrapper()
	if err != nil {
		return nil, err
	}
	if _, err := filex.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	if err := filex.WriteFileAtomic(path, []byte(w.String()+"\n"), filex.FileMode); err != nil {
		return nil, fmt.Errorf("writing identity: %w", err)
	}
	return w, nil
}

// Store persists the wrapped key in the local metadata database. Only the
// wrapped blob is stored; the Wrapper's secret stays with the caller.
type Store struct {
	meta    *metadata.Store
	wrapper Wrapper
}

func New(meta *metadata.Store, w Wrapper) *Store {
	return &Store{meta: meta, wrapper: w}
}

// Save wraps key and replaces whatever was stored.
func (s *Store) Save(ctx context.Context, key []byte) error {
	wrapped, err := s.wrapper.Wrap(key)
	if err != nil {
		return err
	}
	return s.meta.Update(ctx, func(r metadata.Repository) error {
		if err := r.Delete(ctx, identityKey); err != nil {
			return err
		}
		return r.Set(ctx, wrappedKeyKey, wrapped)
	})
}

// Load returns the unwrapped key, or ErrNoWrappedKey if nothing was saved.
func (s *Store) Load(ctx context.Context) ([]byte, error) {
	wrapped, err := s.meta.Get(ctx, wrappedKeyKey)
	if err != nil {
		return nil, err
	}
	if len(wrapped) == 0 {
		return nil, ErrNoWrappedKey
	}
	return s.wrapper.Unwrap(wrapped)
}

func (s *Store) Clear(ctx context.Context) error {
	return s.meta.Update(ctx, func(r metadata.Repository) error {
		if err := r.Delete(ctx, identityKey); err != nil {
			return err
		}
		return r.Delete(ctx, wrappedKeyKey)
	})
}
