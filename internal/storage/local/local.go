// Package local stores the vault on the local filesystem. The primary file
// is replaced atomically on every write and a timestamped backup copy is
// kept next to it.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmitrijs2005/vaultkeeper/internal/clock"
	"github.com/dmitrijs2005/vaultkeeper/internal/filex"
	"github.com/dmitrijs2005/vaultkeeper/internal/logging"
	"github.com/dmitrijs2005/vaultkeeper/internal/models"
	"github.com/dmitrijs2005/vaultkeeper/internal/storage"
)

// DefaultKeepLast is the number of backups kept when Options.KeepLast is 0.
const DefaultKeepLast = 5

type Options struct {
	Dir      string
	FileName string
	KeepLast int
	Clock    clock.Clock
	Logger   logging.Logger
}

type Storage struct {
	dir      string
	file     string
	keepLast int
	clock    clock.Clock
	log      logging.Logger
}

var _ storage.Provider = (*Storage)(nil)

func New(opts Options) *Storage {
	s := &Storage{
		dir:      opts.Dir,
		file:     opts.FileName,
		keepLast: opts.KeepLast,
		clock:    opts.Clock,
		log:      opts.Logger,
	}
	if s.keepLast <= 0 {
		s.keepLast = DefaultKeepLast
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.log == nil {
		s.log = logging.Discard()
	}
	s.log = s.log.With("provider", models.ProviderLocal)
	return s
}

func (s *Storage) Kind() models.ProviderKind { return models.ProviderLocal }

func (s *Storage) IsConfigured() bool {
	return s.dir != "" && s.file != ""
}

// Path is the primary vault file.
func (s *Storage) Path() string {
	return filepath.Join(s.dir, s.file)
}

// Exists reports whether the primary vault file is present.
func (s *Storage) Exists() (bool, error) {
	if !s.IsConfigured() {
		return false, storage.ErrNotConfigured
	}
	return filex.Exists(s.Path())
}

func (s *Storage) backupBase() string {
	return strings.TrimSuffix(s.file, filepath.Ext(s.file))
}

// Upload replaces the primary file and writes a backup copy. Only the
// primary write decides success; backup and trim problems land in Trim.
func (s *Storage) Upload(ctx context.Context, data []byte, meta storage.UploadMeta) (storage.UploadResult, error) {
	if !s.IsConfigured() {
		return storage.UploadResult{}, storage.Wrap(s.Kind(), "upload", storage.ErrNotConfigured)
	}
	if err := ctx.Err(); err != nil {
		return storage.UploadResult{}, storage.Wrap(s.Kind(), "upload", err)
	}

	if _, err := filex.EnsureDir(s.dir); err != nil {
		return storage.UploadResult{}, storage.Wrap(s.Kind(), "upload", err)
	}
	if err := filex.WriteFileAtomic(s.Path(), data, filex.FileMode); err != nil {
		return storage.UploadResult{}, storage.Wrap(s.Kind(), "upload", err)
	}

	var res storage.UploadResult

	name := storage.ObjectName(s.backupBase(), s.clock.Now())
	if err := filex.WriteFileAtomic(filepath.Join(s.dir, name), data, filex.FileMode); err != nil {
		s.log.Warn(ctx, "backup copy failed", "error", err)
		res.Trim.Errors = append(res.Trim.Errors, fmt.Errorf("backup %s: %w", name, err))
		return res, nil
	}
	res.VersionID = name

	trim := storage.ApplyRetention(ctx, s.log, s.ListVersions, s.delete, s.keepLast)
	res.Trim.Kept = trim.Kept
	res.Trim.Deleted = trim.Deleted
	res.Trim.Errors = append(res.Trim.Errors, trim.Errors...)

	return res, nil
}

// Download reads the primary file for an empty versionID, otherwise the
// named backup.
func (s *Storage) Download(ctx context.Context, versionID string) ([]byte, error) {
	if !s.IsConfigured() {
		return nil, storage.Wrap(s.Kind(), "download", storage.ErrNotConfigured)
	}
	if err := ctx.Err(); err != nil {
		return nil, storage.Wrap(s.Kind(), "download", err)
	}

	path := s.Path()
	if versionID != "" {
		p, err := s.backupPath(versionID)
		if err != nil {
			return nil, storage.Wrap(s.Kind(), "download", err)
		}
		path = p
	}

	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.Wrap(s.Kind(), "download", storage.ErrNotFound)
	}
	if err != nil {
		return nil, storage.Wrap(s.Kind(), "download", err)
	}
	return b, nil
}

func (s *Storage) backupPath(id string) (string, error) {
	if err := storage.ValidateVersionID(id); err != nil {
		return "", err
	}
	if !storage.HasObjectPrefix(id, s.backupBase()) {
		return "", fmt.Errorf("%w: %q is not a backup of %s", storage.ErrInvalidVersionID, id, s.file)
	}
	return filepath.Join(s.dir, id), nil
}

// ListVersions lists backup copies, newest first.
func (s *Storage) ListVersions(ctx context.Context) ([]storage.ProviderVersion, error) {
	if !s.IsConfigured() {
		return nil, storage.Wrap(s.Kind(), "list", storage.ErrNotConfigured)
	}

	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []storage.ProviderVersion{}, nil
	}
	if err != nil {
		return nil, storage.Wrap(s.Kind(), "list", err)
	}

	base := s.backupBase()
	out := make([]storage.ProviderVersion, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		created, ok := storage.ParseObjectTime(e.Name(), base)
		if !ok {
			continue
		}
		v := storage.ProviderVersion{ID: e.Name(), Name: e.Name(), CreatedAt: created}
		if info, err := e.Info(); err == nil {
			v.Size = info.Size()
		}
		out = append(out, v)
	}

	storage.SortNewestFirst(out)
	return out, nil
}

func (s *Storage) RestoreVersion(ctx context.Context, versionID string) ([]byte, error) {
	if versionID == "" {
		return nil, storage.Wrap(s.Kind(), "restore", storage.ErrInvalidVersionID)
	}
	return s.Download(ctx, versionID)
}

// TestConnection checks that the vault directory exists or can be created.
func (s *Storage) TestConnection(ctx context.Context) error {
	if !s.IsConfigured() {
		return storage.Wrap(s.Kind(), "test", storage.ErrNotConfigured)
	}
	_, err := filex.EnsureDir(s.dir)
	return storage.Wrap(s.Kind(), "test", err)
}

func (s *Storage) delete(_ context.Context, v storage.ProviderVersion) error {
	p, err := s.backupPath(v.ID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
