// Package providers builds a storage.Provider from the settings stored in
// the vault payload.
package providers

import (
	"fmt"
	"net/http"

	"github.com/dmitrijs2005/vaultkeeper/internal/clock"
	"github.com/dmitrijs2005/vaultkeeper/internal/logging"
	"github.com/dmitrijs2005/vaultkeeper/internal/models"
	"github.com/dmitrijs2005/vaultkeeper/internal/storage"
	"github.com/dmitrijs2005/vaultkeeper/internal/storage/dropbox"
	"github.com/dmitrijs2005/vaultkeeper/internal/storage/gdrive"
	"github.com/dmitrijs2005/vaultkeeper/internal/storage/local"
	"github.com/dmitrijs2005/vaultkeeper/internal/storage/onedrive"
	"github.com/dmitrijs2005/vaultkeeper/internal/storage/postgres"
	"github.com/dmitrijs2005/vaultkeeper/internal/storage/s3"
	"github.com/dmitrijs2005/vaultkeeper/internal/storage/supabase"
)

// Deps are the process-level collaborators shared by all backends.
type Deps struct {
	Local      *local.Storage
	BaseName   string
	Logger     logging.Logger
	Clock      clock.Clock
	HTTPClient *http.Client
}

// New returns the backend selected by cfg.Active. Missing settings for a
// cloud backend give an unconfigured provider rather than an error, so
// callers can still report IsConfigured.
func New(cfg models.ProviderConfigs, deps Deps) (storage.Provider, error) {
	switch kind := cfg.ActiveKind(); kind {
	case models.ProviderLocal:
		if deps.Local == nil {
			return nil, fmt.Errorf("%w: local storage", storage.ErrNotConfigured)
		}
		return deps.Local, nil

	case models.ProviderS3:
		return s3.New(s3.Options{
			Config:   deref(cfg.S3),
			BaseName: deps.BaseName,
			Logger:   deps.Logger,
			Clock:    deps.Clock,
		}), nil

	case models.ProviderSupabase:
		return supabase.New(supabase.Options{
			Config:     deref(cfg.Supabase),
			BaseName:   deps.BaseName,
			Logger:     deps.Logger,
			Clock:      deps.Clock,
			HTTPClient: deps.HTTPClient,
		}), nil

	case models.ProviderGoogleDrive:
		return gdrive.New(gdrive.Options{
			Config:     deref(cfg.GoogleDrive),
			BaseName:   deps.BaseName,
			Logger:     deps.Logger,
			Clock:      deps.Clock,
			HTTPClient: deps.HTTPClient,
		}), nil

	case models.ProviderOneDrive:
		return onedrive.New(onedrive.Options{
			Config:     deref(cfg.OneDrive),
			BaseName:   deps.BaseName,
			Logger:     deps.Logger,
			Clock:      deps.Clock,
			HTTPClient: deps.HTTPClient,
		}), nil

	case models.ProviderDropbox:
		return dropbox.New(dropbox.Options{
			Config:     deref(cfg.Dropbox),
			BaseName:   deps.BaseName,
			Logger:     deps.Logger,
			Clock:      deps.Clock,
			HTTPClient: deps.HTTPClient,
		}), nil

	case models.ProviderPostgres:
		return postgres.New(postgres.Options{
			Config:   deref(cfg.Postgres),
			BaseName: deps.BaseName,
			Logger:   deps.Logger,
			Clock:    deps.Clock,
		}), nil

	default:
		return nil, fmt.Errorf("unknown storage provider %q", kind)
	}
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
