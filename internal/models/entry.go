// Package models defines the decrypted vault data: credential entries,
// provider settings, the cached app session and vault metadata.
package models

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidEntry = errors.New("invalid vault entry")

// VaultEntry is one credential record. Identity is ID.
type VaultEntry struct {
	// ID is an opaque unique identifier (UUID for entries created here).
	ID string `json:"id"`

	// Name is the human label shown in lists.
	Name string `json:"name"`

	// Password is the stored secret.
	Password string `json:"password"`

	Username string `json:"username,omitempty"`
	URL      string `json:"url,omitempty"`
	Notes    string `json:"notes,omitempty"`

	// CreatedAt and UpdatedAt are serialised as RFC 3339 timestamps.
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewEntryID returns a fresh entry identifier.
func NewEntryID() string {
	return uuid.NewString()
}

// Validate checks the structural invariants of an entry: an id, a name and
// a password must be present.
func (e VaultEntry) Validate() error {
	switch {
	case strings.TrimSpace(e.ID) == "":
		return errors.Join(ErrInvalidEntry, errors.New("id is empty"))
	case strings.TrimSpace(e.Name) == "":
		return errors.Join(ErrInvalidEntry, errors.New("name is empty"))
	case e.Password == "":
		return errors.Join(ErrInvalidEntry, errors.New("password is empty"))
	}
	return nil
}
