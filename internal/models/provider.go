package models

import (
	"fmt"
	"time"
)

// ProviderKind names one storage backend. The set is closed; see AllProviderKinds.
type ProviderKind string

const (
	ProviderLocal       ProviderKind = "local"
	ProviderS3          ProviderKind = "s3"
	ProviderSupabase    ProviderKind = "supabase"
	ProviderGoogleDrive ProviderKind = "googledrive"
	ProviderOneDrive    ProviderKind = "onedrive"
	ProviderDropbox     ProviderKind = "dropbox"
	ProviderPostgres    ProviderKind = "postgres"
)

// DefaultRetainCount is used when a config leaves RetainCount unset.
const DefaultRetainCount = 10

// AllProviderKinds lists every supported backend.
func AllProviderKinds() []ProviderKind {
	return []ProviderKind{
		ProviderLocal, ProviderS3, ProviderSupabase,
		ProviderGoogleDrive, ProviderOneDrive, ProviderDropbox, ProviderPostgres,
	}
}

// ParseProviderKind validates s against the closed set. Empty means local.
func ParseProviderKind(s string) (ProviderKind, error) {
	if s == "" {
		return ProviderLocal, nil
	}
	for _, k := range AllProviderKinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown storage provider %q", s)
}

// IsCloud reports whether k is anything other than the local filesystem.
func (k ProviderKind) IsCloud() bool {
	return k != "" && k != ProviderLocal
}

// ProviderConfigs holds the per-backend settings stored inside the
// encrypted payload. Active selects the backend that receives uploads.
type ProviderConfigs struct {
	Active      ProviderKind `json:"active"`
	RetainCount int          `json:"retainCount,omitempty"`

	S3          *S3Config       `json:"s3,omitempty"`
	Supabase    *SupabaseConfig `json:"supabase,omitempty"`
	GoogleDrive *OAuthConfig    `json:"googleDrive,omitempty"`
	OneDrive    *OAuthConfig    `json:"oneDrive,omitempty"`
	Dropbox     *OAuthConfig    `json:"dropbox,omitempty"`
	Postgres    *PostgresConfig `json:"postgres,omitempty"`
}

// ActiveKind returns Active, treating an empty value as local.
func (c ProviderConfigs) ActiveKind() ProviderKind {
	if c.Active == "" {
		return ProviderLocal
	}
	return c.Active
}

// EffectiveRetainCount clamps RetainCount to at least one snapshot.
func (c ProviderConfigs) EffectiveRetainCount() int {
	switch {
	case c.RetainCount == 0:
		return DefaultRetainCount
	case c.RetainCount < 1:
		return 1
	default:
		return c.RetainCount
	}
}

// S3Config addresses an S3-compatible bucket (AWS, MinIO, R2...).
type S3Config struct {
	Endpoint        string `json:"endpoint,omitempty"`
	Region          string `json:"region"`
	Bucket          string `json:"bucket"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	Prefix          string `json:"prefix,omitempty"`
	UsePathStyle    bool   `json:"usePathStyle,omitempty"`
}

// SupabaseConfig addresses a Supabase Storage bucket. When RefreshToken is
// set the backend keeps the user session fresh; otherwise APIKey is used
// as the bearer token.
type SupabaseConfig struct {
	URL          string    `json:"url"`
	APIKey       string    `json:"apiKey"`
	Bucket       string    `json:"bucket"`
	Folder       string    `json:"folder,omitempty"`
	AccessToken  string    `json:"accessToken,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// OAuthConfig is shared by the OAuth2 drives (Google Drive, OneDrive,
// Dropbox). Folder is a folder id (Drive) or path (OneDrive, Dropbox).
type OAuthConfig struct {
	ClientID     string    `json:"clientId"`
	ClientSecret string    `json:"clientSecret,omitempty"`
	AccessToken  string    `json:"accessToken,omitempty"`
	RefreshToken string    `json:"refreshToken"`
	Expiry       time.Time `json:"expiry,omitempty"`
	Folder       string    `json:"folder,omitempty"`
}

// PostgresConfig points at a self-hosted database used as snapshot storage.
type PostgresConfig struct {
	DSN string `json:"dsn"`
}
