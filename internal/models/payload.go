package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CurrentVaultVersion is the payload schema understood by this build.
const CurrentVaultVersion = 1

var ErrUnsupportedVaultVersion = errors.New("unsupported vault version")

// LicenseStatus is the premium-tier signal supplied by the license
// collaborator and cached in the app session.
type LicenseStatus struct {
	IsPremium bool       `json:"isPremium"`
	Plan      string     `json:"plan"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Active reports whether the status grants premium features at now.
func (s LicenseStatus) Active(now time.Time) bool {
	if !s.IsPremium {
		return false
	}
	return s.ExpiresAt == nil || now.Before(*s.ExpiresAt)
}

// AppAccountSession caches the desktop account login and license token.
type AppAccountSession struct {
	Email        string         `json:"email"`
	AccessToken  string         `json:"accessToken,omitempty"`
	RefreshToken string         `json:"refreshToken,omitempty"`
	LicenseToken string         `json:"licenseToken,omitempty"`
	ExpiresAt    time.Time      `json:"expiresAt,omitempty"`
	License      *LicenseStatus `json:"license,omitempty"`
}

// VaultMeta carries timestamps and the payload schema version.
type VaultMeta struct {
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	VaultVersion int       `json:"vaultVersion"`
}

// VaultPayload is the decrypted aggregate sealed inside a vault file.
type VaultPayload struct {
	Entries   []VaultEntry       `json:"entries"`
	Providers ProviderConfigs    `json:"providers"`
	Session   *AppAccountSession `json:"session,omitempty"`
	Meta      VaultMeta          `json:"meta"`
}

// NewVaultPayload returns an empty payload stamped with now.
func NewVaultPayload(now time.Time) *VaultPayload {
	now = now.UTC()
	return &VaultPayload{
		Entries:   []VaultEntry{},
		Providers: ProviderConfigs{Active: ProviderLocal},
		Meta: VaultMeta{
			CreatedAt:    now,
			UpdatedAt:    now,
			VaultVersion: CurrentVaultVersion,
		},
	}
}

// Clone returns a deep copy, so callers can never alias repository state.
func (p *VaultPayload) Clone() *VaultPayload {
	if p == nil {
		return nil
	}
	out := *p
	out.Entries = append([]VaultEntry(nil), p.Entries...)
	if out.Entries == nil {
		out.Entries = []VaultEntry{}
	}
	out.Providers = p.Providers.clone()
	if p.Session != nil {
		s := *p.Session
		if p.Session.License != nil {
			l := *p.Session.License
			s.License = &l
		}
		out.Session = &s
	}
	return &out
}

func (c ProviderConfigs) clone() ProviderConfigs {
	out := c
	if c.S3 != nil {
		v := *c.S3
		out.S3 = &v
	}
	if c.Supabase != nil {
		v := *c.Supabase
		out.Supabase = &v
	}
	if c.GoogleDrive != nil {
		v := *c.GoogleDrive
		out.GoogleDrive = &v
	}
	if c.OneDrive != nil {
		v := *c.OneDrive
		out.OneDrive = &v
	}
	if c.Dropbox != nil {
		v := *c.Dropbox
		out.Dropbox = &v
	}
	if c.Postgres != nil {
		v := *c.Postgres
		out.Postgres = &v
	}
	return out
}

// EncodePayload serialises p for encryption.
func EncodePayload(p *VaultPayload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}

// DecodePayload parses a decrypted payload. An unknown VaultVersion is a
// hard failure. Entries that fail Validate are dropped and counted; the
// rest of the vault stays readable.
func DecodePayload(b []byte) (*VaultPayload, int, error) {
	var p VaultPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, 0, fmt.Errorf("unmarshal payload: %w", err)
	}
	if p.Meta.VaultVersion != CurrentVaultVersion {
		return nil, 0, fmt.Errorf("%w: %d", ErrUnsupportedVaultVersion, p.Meta.VaultVersion)
	}

	kept := make([]VaultEntry, 0, len(p.Entries))
	dropped := 0
	for _, e := range p.Entries {
		if e.Validate() != nil {
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	p.Entries = kept

	return &p, dropped, nil
}
