package vault

import (
	"bytes"
	"context"
	"errors"
	"slices"

	"github.com/dmitrijs2005/vaultkeeper/internal/models"
)

// ListEntries returns a copy of the entries. The first call of a session
// pulls from the active cloud backend. ErrKeyMismatch is returned alone;
// any other sync failure comes back together with the local entries.
func (r *Repository) ListEntries(ctx context.Context) ([]models.VaultEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.unlocked()
	if err != nil {
		return nil, err
	}

	var syncErr error
	if r.SyncState() == SyncPending {
		syncErr = r.pull(ctx, s)
		if errors.Is(syncErr, ErrKeyMismatch) {
			return nil, syncErr
		}
	}

	return slices.Clone(s.payload.Entries), syncErr
}

// GetEntry returns one entry by id.
func (r *Repository) GetEntry(id string) (models.VaultEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.unlocked()
	if err != nil {
		return models.VaultEntry{}, err
	}
	i := indexOf(s.payload.Entries, id)
	if i < 0 {
		return models.VaultEntry{}, ErrEntryNotFound
	}
	return s.payload.Entries[i], nil
}

// AddEntry stores e, assigning an id when it has none. The returned entry
// is what was stored. A *SyncError means the entry is saved locally.
func (r *Repository) AddEntry(ctx context.Context, e models.VaultEntry) (models.VaultEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.writable(ctx)
	if err != nil {
		return models.VaultEntry{}, err
	}

	if e.ID == "" {
		e.ID = models.NewEntryID()
	}
	if indexOf(s.payload.Entries, e.ID) >= 0 {
		return models.VaultEntry{}, ErrDuplicateEntry
	}
	now := r.clock.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	if err := e.Validate(); err != nil {
		return models.VaultEntry{}, err
	}

	next := s.payload.Clone()
	next.Entries = append(next.Entries, e)
	return e, r.persist(ctx, s, next)
}

// UpdateEntry replaces the entry with e.ID, keeping its creation time.
func (r *Repository) UpdateEntry(ctx context.Context, e models.VaultEntry) (models.VaultEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.writable(ctx)
	if err != nil {
		return models.VaultEntry{}, err
	}

	i := indexOf(s.payload.Entries, e.ID)
	if i < 0 {
		return models.VaultEntry{}, ErrEntryNotFound
	}
	e.CreatedAt = s.payload.Entries[i].CreatedAt
	e.UpdatedAt = r.clock.Now().UTC()
	if err := e.Validate(); err != nil {
		return models.VaultEntry{}, err
	}

	next := s.payload.Clone()
	next.Entries[i] = e
	return e, r.persist(ctx, s, next)
}

func (r *Repository) DeleteEntry(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.writable(ctx)
	if err != nil {
		return err
	}

	i := indexOf(s.payload.Entries, id)
	if i < 0 {
		return ErrEntryNotFound
	}

	next := s.payload.Clone()
	next.Entries = slices.Delete(next.Entries, i, i+1)
	return r.persist(ctx, s, next)
}

func indexOf(entries []models.VaultEntry, id string) int {
	return slices.IndexFunc(entries, func(e models.VaultEntry) bool { return e.ID == id })
}

// ProviderConfigs returns a copy of the storage settings.
func (r *Repository) ProviderConfigs() (models.ProviderConfigs, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.unlocked()
	if err != nil {
		return models.ProviderConfigs{}, err
	}
	return s.payload.Clone().Providers, nil
}

// UpdateProviderConfigs replaces the storage settings, writes them locally
// and then syncs with the active backend: a foreign vault there gives
// ErrKeyMismatch, a newer one of ours is adopted, otherwise ours is
// uploaded.
func (r *Repository) UpdateProviderConfigs(ctx context.Context, cfg models.ProviderConfigs) error {
	if _, err := models.ParseProviderKind(string(cfg.Active)); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.unlocked()
	if err != nil {
		return err
	}

	next := s.payload.Clone()
	next.Providers = (&models.VaultPayload{Providers: cfg}).Clone().Providers
	f, err := r.commitLocal(ctx, s, next)
	if err != nil {
		return err
	}

	// check the new backend before writing to it
	r.sync.Store(int32(SyncPending))
	if err := r.pull(ctx, s); err != nil {
		return err
	}
	if !bytes.Equal(s.header.Nonce, f.Header.Nonce) {
		// a newer remote vault was adopted
		return nil
	}
	return r.upload(ctx, s, f)
}

// Session returns a copy of the cached app session, or nil.
func (r *Repository) Session() (*models.AppAccountSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.unlocked()
	if err != nil {
		return nil, err
	}
	return s.payload.Clone().Session, nil
}

// SetSession stores (or with nil, clears) the app session.
func (r *Repository) SetSession(ctx context.Context, sess *models.AppAccountSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.writable(ctx)
	if err != nil {
		return err
	}

	next := s.payload.Clone()
	next.Session = (&models.VaultPayload{Session: sess}).Clone().Session
	return r.persist(ctx, s, next)
}
