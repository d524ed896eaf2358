// Package storage defines the contract every vault snapshot backend
// implements, plus the naming and retention rules they share.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/vaultkeeper/internal/models"
	"github.com/dmitrijs2005/vaultkeeper/internal/netx"
)

var (
	ErrNotConfigured    = errors.New("storage: provider not configured")
	ErrNotFound         = errors.New("storage: version not found")
	ErrInvalidVersionID = errors.New("storage: invalid version id")

	// ErrConnection marks transport failures: the backend could not be reached.
	ErrConnection = netx.ErrConnection
)

// DefaultContentType is sent by backends that record a MIME type.
const DefaultContentType = "application/octet-stream"

// Provider stores opaque vault snapshots. Implementations never see
// plaintext; data is always a serialised envelope.
type Provider interface {
	Kind() models.ProviderKind

	// IsConfigured reports whether all required settings are present.
	IsConfigured() bool

	// Upload stores data as a new version and then trims old versions
	// down to meta.RetainCount. Trim failures never fail the upload.
	Upload(ctx context.Context, data []byte, meta UploadMeta) (UploadResult, error)

	// Download returns one version, or the newest when versionID is empty.
	Download(ctx context.Context, versionID string) ([]byte, error)

	// ListVersions returns stored versions, newest first.
	ListVersions(ctx context.Context) ([]ProviderVersion, error)

	// RestoreVersion returns the bytes of a past version.
	RestoreVersion(ctx context.Context, versionID string) ([]byte, error)

	// TestConnection returns nil when the backend is reachable with the
	// configured credentials.
	TestConnection(ctx context.Context) error
}

// UploadMeta describes one upload.
type UploadMeta struct {
	BaseName    string
	ContentType string
	RetainCount int
}

// Normalize fills defaults and clamps RetainCount to at least 1.
func (m UploadMeta) Normalize(defaultBase string) UploadMeta {
	if m.BaseName == "" {
		m.BaseName = defaultBase
	}
	if m.ContentType == "" {
		m.ContentType = DefaultContentType
	}
	if m.RetainCount < 1 {
		m.RetainCount = 1
	}
	return m
}

// UploadResult reports the stored version and what retention did.
type UploadResult struct {
	VersionID string
	Trim      TrimResult
}

// ProviderVersion describes one stored snapshot.
type ProviderVersion struct {
	ID        string
	Name      string
	CreatedAt time.Time
	Size      int64
}

// ProviderError attaches the backend and operation to a failure.
type ProviderError struct {
	Provider models.ProviderKind
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Wrap returns nil for a nil err, otherwise a *ProviderError.
func Wrap(kind models.ProviderKind, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Provider == kind {
		return err
	}
	return &ProviderError{Provider: kind, Op: op, Err: err}
}
