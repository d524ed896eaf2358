package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/dmitrijs2005/vaultkeeper/internal/cryptox"
	"github.com/dmitrijs2005/vaultkeeper/internal/envelope"
	"github.com/dmitrijs2005/vaultkeeper/internal/models"
	"github.com/dmitrijs2005/vaultkeeper/internal/storage"
	"github.com/dmitrijs2005/vaultkeeper/internal/storage/providers"
)

// persist seals next with the held key, writes it locally and, on
// success, makes it the live payload. The cloud upload follows; its
// failure comes back as a *SyncError with the local write kept.
func (r *Repository) persist(ctx context.Context, s *session, next *models.VaultPayload) error {
	f, err := r.commitLocal(ctx, s, next)
	if err != nil {
		return err
	}
	return r.upload(ctx, s, f)
}

// adopt persists a payload decoded from outside the session together with
// the number of entries its decode dropped.
func (r *Repository) adopt(ctx context.Context, s *session, next *models.VaultPayload, dropped int) error {
	f, err := r.commitLocal(ctx, s, next)
	if err != nil {
		return err
	}
	s.dropped = dropped
	return r.upload(ctx, s, f)
}

// writable returns the session for a mutation. A pull still pending for
// the session runs first: the change then builds on the newest payload,
// and a vault sealed under another key moves the session to SyncMismatch
// before anything is uploaded over it. Pull failures resurface at upload.
// Callers hold mu.
func (r *Repository) writable(ctx context.Context) (*session, error) {
	s, err := r.unlocked()
	if err != nil {
		return nil, err
	}
	if r.SyncState() == SyncPending {
		if err := r.pull(ctx, s); err != nil {
			r.log.Warn(ctx, "sync before write failed", "error", err)
		}
	}
	return s, nil
}

func (r *Repository) commitLocal(ctx context.Context, s *session, next *models.VaultPayload) (*envelope.File, error) {
	now := r.clock.Now().UTC()
	if !now.After(next.Meta.UpdatedAt) {
		now = next.Meta.UpdatedAt.Add(1)
	}
	next.Meta.UpdatedAt = now

	f, err := cryptox.EncryptVaultPayloadWithKey(next, s.header, s.key)
	if err != nil {
		return nil, err
	}
	if err := r.writeLocal(ctx, f); err != nil {
		return nil, err
	}

	if !sameProviders(s.payload.Providers, next.Providers) {
		r.closeProvider(s)
	}
	s.payload = next
	s.header = f.Header
	return f, nil
}

// upload sends f to the active cloud backend. Callers hold mu.
func (r *Repository) upload(ctx context.Context, s *session, f *envelope.File) error {
	kind := s.payload.Providers.ActiveKind()
	if !kind.IsCloud() {
		return nil
	}
	if r.SyncState() == SyncMismatch {
		return &SyncError{Provider: kind, Op: "upload", Err: ErrKeyMismatch}
	}

	p, err := r.provider(s)
	if err != nil {
		return &SyncError{Provider: kind, Op: "upload", Err: err}
	}

	data, err := envelope.Serialize(f)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cloudTimeout)
	defer cancel()

	res, err := p.Upload(ctx, data, storage.UploadMeta{
		BaseName:    r.baseName,
		ContentType: vaultContentType,
		RetainCount: s.payload.Providers.EffectiveRetainCount(),
	})
	if err != nil {
		r.log.Warn(ctx, "cloud upload failed", "provider", kind, "error", err)
		return &SyncError{Provider: kind, Op: "upload", Err: err}
	}
	r.log.Debug(ctx, "cloud upload done", "provider", kind, "version", res.VersionID,
		"kept", res.Trim.Kept, "deleted", res.Trim.Deleted, "trimErrors", len(res.Trim.Errors))
	return nil
}

// provider returns the backend for the active kind, building it once per
// configuration. Callers hold mu.
func (r *Repository) provider(s *session) (storage.Provider, error) {
	if !s.payload.Providers.ActiveKind().IsCloud() {
		return r.local, nil
	}
	if s.provider != nil {
		return s.provider, nil
	}

	p, err := r.newProvider(s.payload.Providers, providers.Deps{
		Local:      r.local,
		BaseName:   r.baseName,
		Logger:     r.log,
		Clock:      r.clock,
		HTTPClient: r.httpClient,
	})
	if err != nil {
		return nil, err
	}
	if !p.IsConfigured() {
		return nil, storage.Wrap(p.Kind(), "configure", storage.ErrNotConfigured)
	}
	s.provider = p
	return p, nil
}

// pull runs once per session: it fetches the newest remote vault, rejects
// one sealed under a different salt and adopts it when it is newer than
// the local payload. Callers hold mu.
func (r *Repository) pull(ctx context.Context, s *session) error {
	kind := s.payload.Providers.ActiveKind()
	if !kind.IsCloud() {
		r.sync.Store(int32(SyncDone))
		return nil
	}

	// one attempt per session, whatever the outcome
	r.sync.Store(int32(SyncDone))

	p, err := r.provider(s)
	if err != nil {
		return &SyncError{Provider: kind, Op: "pull", Err: err}
	}

	cctx, cancel := context.WithTimeout(ctx, r.cloudTimeout)
	data, err := p.Download(cctx, "")
	cancel()
	if errors.Is(err, storage.ErrNotFound) {
		r.log.Debug(ctx, "no remote vault yet", "provider", kind)
		return nil
	}
	if err != nil {
		r.log.Warn(ctx, "cloud pull failed", "provider", kind, "error", err)
		return &SyncError{Provider: kind, Op: "pull", Err: err}
	}

	f, err := envelope.Parse(data)
	if err != nil {
		return fmt.Errorf("remote vault: %w", err)
	}
	if !bytes.Equal(f.Header.Salt, s.header.Salt) {
		r.sync.Store(int32(SyncMismatch))
		r.log.Warn(ctx, "remote vault salt differs from local", "provider", kind)
		return ErrKeyMismatch
	}

	remote, dropped, err := decodeFile(f, s.key)
	if err != nil {
		return fmt.Errorf("remote vault: %w", err)
	}
	if !remote.Meta.UpdatedAt.After(s.payload.Meta.UpdatedAt) {
		return nil
	}

	if err := r.writeLocal(ctx, f); err != nil {
		return err
	}
	if !sameProviders(s.payload.Providers, remote.Providers) {
		r.closeProvider(s)
	}
	s.payload = remote
	s.header = f.Header
	s.dropped = dropped
	r.log.Info(ctx, "adopted newer remote vault", "provider", kind, "entries", len(remote.Entries))
	return nil
}

func sameProviders(a, b models.ProviderConfigs) bool {
	return reflect.DeepEqual(a, b)
}
