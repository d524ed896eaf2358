package vault

import (
	"bytes"
	"context"
	"fmt"

	"github.com/dmitrijs2005/vaultkeeper/internal/common"
	"github.com/dmitrijs2005/vaultkeeper/internal/cryptox"
	"github.com/dmitrijs2005/vaultkeeper/internal/envelope"
	"github.com/dmitrijs2005/vaultkeeper/internal/models"
	"github.com/dmitrijs2005/vaultkeeper/internal/storage"
)

// ExportEncrypted returns the local envelope bytes as stored.
func (r *Repository) ExportEncrypted(ctx context.Context) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.unlocked(); err != nil {
		return nil, err
	}
	data, err := r.local.Download(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("read local vault: %w", err)
	}
	return data, nil
}

// ImportEncrypted replaces the payload with the one in data, which must
// open with the held key.
func (r *Repository) ImportEncrypted(ctx context.Context, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.writable(ctx)
	if err != nil {
		return err
	}

	p, dropped, err := r.openForeign(s, data)
	if err != nil {
		return err
	}
	r.log.Info(ctx, "importing encrypted vault", "entries", len(p.Entries), "dropped", dropped)
	return r.adopt(ctx, s, p, dropped)
}

// openForeign decrypts an envelope from outside the session with the
// held key. A different salt means a different vault. The count of
// entries dropped while decoding is returned with the payload.
func (r *Repository) openForeign(s *session, data []byte) (*models.VaultPayload, int, error) {
	f, err := envelope.Parse(data)
	if err != nil {
		return nil, 0, err
	}
	if !bytes.Equal(f.Header.Salt, s.header.Salt) {
		return nil, 0, ErrKeyMismatch
	}
	return decodeFile(f, s.key)
}

// LegacyImportResult counts a best-effort legacy migration.
type LegacyImportResult struct {
	Imported int
	Skipped  int
	Errors   []error
}

// ImportLegacyEntries decrypts records sealed by the old per-entry scheme
// and appends the valid ones. Bad records are skipped and counted.
func (r *Repository) ImportLegacyEntries(ctx context.Context, records []cryptox.LegacyRecord, masterPassword string) (LegacyImportResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res LegacyImportResult

	s, err := r.writable(ctx)
	if err != nil {
		return res, err
	}

	pw := []byte(masterPassword)
	key := cryptox.LegacyKey(pw)
	common.WipeByteArray(pw)
	defer common.WipeByteArray(key)

	next := s.payload.Clone()
	now := r.clock.Now().UTC()

	for i, rec := range records {
		var e models.VaultEntry
		if err := cryptox.OpenLegacyRecord(rec, key, &e); err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Errorf("record %d: %w", i, err))
			continue
		}

		if e.ID == "" || indexOf(next.Entries, e.ID) >= 0 {
			e.ID = models.NewEntryID()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if e.UpdatedAt.IsZero() {
			e.UpdatedAt = e.CreatedAt
		}
		if err := e.Validate(); err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Errorf("record %d: %w", i, err))
			continue
		}

		next.Entries = append(next.Entries, e)
		res.Imported++
	}

	if res.Skipped > 0 {
		r.log.Warn(ctx, "legacy records skipped", "skipped", res.Skipped, "imported", res.Imported)
	}
	if res.Imported == 0 {
		return res, nil
	}
	return res, r.persist(ctx, s, next)
}

// RepairReport describes the entries of the unlocked vault. Invalid
// entries are already dropped when the vault is decoded, so the scan only
// reports; Migrated and Removed stay zero.
type RepairReport struct {
	Total    int
	Kept     int
	Migrated int
	Removed  int
	Invalid  int

	// DroppedOnDecode counts entries discarded when the vault was opened.
	DroppedOnDecode int
}

func (r *Repository) RepairVault(ctx context.Context) (RepairReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.unlocked()
	if err != nil {
		return RepairReport{}, err
	}

	rep := RepairReport{Total: len(s.payload.Entries), DroppedOnDecode: s.dropped}
	for _, e := range s.payload.Entries {
		if e.Validate() != nil {
			rep.Invalid++
			continue
		}
		rep.Kept++
	}
	r.log.Info(ctx, "vault scanned", "total", rep.Total, "invalid", rep.Invalid, "droppedOnDecode", rep.DroppedOnDecode)
	return rep, nil
}

// ListVersions lists stored snapshots of the active backend, newest
// first. For the local backend these are the backup copies.
func (r *Repository) ListVersions(ctx context.Context) ([]storage.ProviderVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.unlocked()
	if err != nil {
		return nil, err
	}
	p, err := r.provider(s)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cloudTimeout)
	defer cancel()
	return p.ListVersions(ctx)
}

// RestoreVersion adopts a stored snapshot of the active backend. It must
// open with the held key; the restored payload is then persisted as the
// newest version.
func (r *Repository) RestoreVersion(ctx context.Context, versionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.writable(ctx)
	if err != nil {
		return err
	}
	p, err := r.provider(s)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, r.cloudTimeout)
	data, err := p.RestoreVersion(cctx, versionID)
	cancel()
	if err != nil {
		return err
	}

	payload, dropped, err := r.openForeign(s, data)
	if err != nil {
		return err
	}
	// keep the restored settings from pointing uploads elsewhere
	payload.Providers = s.payload.Clone().Providers

	r.log.Info(ctx, "restoring version", "provider", p.Kind(), "version", versionID)
	return r.adopt(ctx, s, payload, dropped)
}

// TestConnection probes the active backend.
func (r *Repository) TestConnection(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.unlocked()
	if err != nil {
		return err
	}
	p, err := r.provider(s)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cloudTimeout)
	defer cancel()
	return p.TestConnection(ctx)
}
