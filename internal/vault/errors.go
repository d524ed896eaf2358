package vault

import (
	"errors"
	"fmt"

	"github.com/dmitrijs2005/vaultkeeper/internal/models"
)

var (
	ErrVaultLocked    = errors.New("vault: locked")
	ErrVaultNotFound  = errors.New("vault: no vault file")
	ErrEntryNotFound  = errors.New("vault: entry not found")
	ErrDuplicateEntry = errors.New("vault: entry id already exists")
	ErrKeyMismatch    = errors.New("vault: remote vault was created with a different key")
	ErrSyncFailed     = errors.New("vault: cloud sync failed")
	ErrInvalidEntry   = models.ErrInvalidEntry
)

// SyncError reports a cloud step that failed after the local write
// succeeded. It matches ErrSyncFailed and the underlying cause.
type SyncError struct {
	Provider models.ProviderKind
	Op       string
	Err      error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("vault: %s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *SyncError) Unwrap() []error {
	return []error{ErrSyncFailed, e.Err}
}

// IsSyncWarning reports whether err only concerns cloud sync, meaning the
// local vault is up to date.
func IsSyncWarning(err error) bool {
	var se *SyncError
	return errors.As(err, &se)
}
