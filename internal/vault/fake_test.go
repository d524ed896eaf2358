package vault

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dmitrijs2005/vaultkeeper/internal/logging"
	"github.com/dmitrijs2005/vaultkeeper/internal/models"
	"github.com/dmitrijs2005/vaultkeeper/internal/storage"
	"github.com/dmitrijs2005/vaultkeeper/internal/storage/providers"
)

// fakeCloud is an in-memory storage.Provider.
type fakeCloud struct {
	mu sync.Mutex

	kind       models.ProviderKind
	configured bool
	versions   []storage.ProviderVersion
	data       map[string][]byte
	seq        int

	uploadErr   error
	downloadErr error
	testErr     error

	uploads   int
	downloads int
	closed    bool
}

var _ storage.Provider = (*fakeCloud)(nil)

func newFakeCloud() *fakeCloud {
	return &fakeCloud{kind: models.ProviderS3, configured: true, data: map[string][]byte{}}
}

func (f *fakeCloud) factory() ProviderFactory {
	return func(cfg models.ProviderConfigs, deps providers.Deps) (storage.Provider, error) {
		return f, nil
	}
}

func (f *fakeCloud) Kind() models.ProviderKind { return f.kind }
func (f *fakeCloud) IsConfigured() bool        { return f.configured }

// put stores data as the newest version without counting an upload.
func (f *fakeCloud) put(base string, data []byte) string {
	f.seq++
	created := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(f.seq) * time.Second)
	id := storage.ObjectName(base, created)
	f.versions = append(f.versions, storage.ProviderVersion{ID: id, Name: id, CreatedAt: created, Size: int64(len(data))})
	f.data[id] = append([]byte(nil), data...)
	return id
}

func (f *fakeCloud) Upload(ctx context.Context, data []byte, meta storage.UploadMeta) (storage.UploadResult, error) {
	f.mu.Lock()
	if f.uploadErr != nil {
		f.mu.Unlock()
		return storage.UploadResult{}, storage.Wrap(f.kind, "upload", f.uploadErr)
	}
	f.uploads++
	meta = meta.Normalize(DefaultBaseName)
	id := f.put(meta.BaseName, data)
	f.mu.Unlock()

	res := storage.UploadResult{VersionID: id}
	res.Trim = storage.ApplyRetention(ctx, logging.Discard(), f.ListVersions, f.delete, meta.RetainCount)
	return res, nil
}

func (f *fakeCloud) Download(ctx context.Context, versionID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.downloads++
	if f.downloadErr != nil {
		return nil, storage.Wrap(f.kind, "download", f.downloadErr)
	}
	if versionID == "" {
		if len(f.versions) == 0 {
			return nil, storage.Wrap(f.kind, "download", storage.ErrNotFound)
		}
		versionID = f.versions[len(f.versions)-1].ID
	}
	b, ok := f.data[versionID]
	if !ok {
		return nil, storage.Wrap(f.kind, "download", storage.ErrNotFound)
	}
	return b, nil
}

func (f *fakeCloud) ListVersions(ctx context.Context) ([]storage.ProviderVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := append([]storage.ProviderVersion(nil), f.versions...)
	storage.SortNewestFirst(out)
	return out, nil
}

func (f *fakeCloud) RestoreVersion(ctx context.Context, versionID string) ([]byte, error) {
	if versionID == "" {
		return nil, storage.ErrInvalidVersionID
	}
	return f.Download(ctx, versionID)
}

func (f *fakeCloud) TestConnection(ctx context.Context) error {
	return f.testErr
}

func (f *fakeCloud) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeCloud) delete(ctx context.Context, v storage.ProviderVersion) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.versions {
		if f.versions[i].ID == v.ID {
			f.versions = append(f.versions[:i], f.versions[i+1:]...)
			delete(f.data, v.ID)
			return nil
		}
	}
	return errors.New("no such version")
}

func (f *fakeCloud) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}
