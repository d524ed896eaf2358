// Package postgres stores vault snapshots in a PostgreSQL table, for
// self-hosted setups that already run a database.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/vaultkeeper/internal/clock"
	"github.com/dmitrijs2005/vaultkeeper/internal/dbx"
	"github.com/dmitrijs2005/vaultkeeper/internal/logging"
	"github.com/dmitrijs2005/vaultkeeper/internal/models"
	"github.com/dmitrijs2005/vaultkeeper/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

var migrateMu sync.Mutex

// RunMigrations applies the embedded schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := gooseUpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

type Options struct {
	Config   models.PostgresConfig
	BaseName string
	Logger   logging.Logger
	Clock    clock.Clock
}

type Storage struct {
	cfg   models.PostgresConfig
	base  string
	log   logging.Logger
	clock clock.Clock

	mu       sync.Mutex
	db       *sql.DB
	migrated bool
}

var _ storage.Provider = (*Storage)(nil)

// New returns a backend that connects lazily and migrates on first use.
func New(opts Options) *Storage {
	s := &Storage{cfg: opts.Config, base: opts.BaseName, log: opts.Logger, clock: opts.Clock}
	if s.base == "" {
		s.base = "vault"
	}
	if s.log == nil {
		s.log = logging.Discard()
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	s.log = s.log.With("provider", models.ProviderPostgres)
	return s
}

// NewWithDB uses an already migrated database handle.
func NewWithDB(db *sql.DB, opts Options) *Storage {
	s := New(opts)
	s.db = db
	s.migrated = true
	return s
}

func (s *Storage) Kind() models.ProviderKind { return models.ProviderPostgres }

func (s *Storage) IsConfigured() bool {
	return s.db != nil || s.cfg.DSN != ""
}

func (s *Storage) conn(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.IsConfigured() {
		return nil, storage.ErrNotConfigured
	}

	if s.db == nil {
		db, err := sql.Open("pgx", s.cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("db open error: %w", err)
		}
		s.db = db
	}

	if !s.migrated {
		if err := RunMigrations(ctx, s.db); err != nil {
			return nil, mapErr(err)
		}
		s.migrated = true
	}

	return s.db, nil
}

// Close releases the connection pool.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.migrated = false
	return err
}

func (s *Storage) Upload(ctx context.Context, data []byte, meta storage.UploadMeta) (storage.UploadResult, error) {
	meta = meta.Normalize(s.base)

	db, err := s.conn(ctx)
	if err != nil {
		return storage.UploadResult{}, storage.Wrap(s.Kind(), "upload", err)
	}

	id := uuid.New()
	now := s.clock.Now().UTC()
	name := storage.ObjectName(meta.BaseName, now)

	res, err := db.ExecContext(ctx, `
		INSERT INTO vault_versions (id, base_name, name, created_at, size, data)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id.String(), meta.BaseName, name, now, int64(len(data)), data)
	if err != nil {
		return storage.UploadResult{}, storage.Wrap(s.Kind(), "upload", mapErr(err))
	}
	if err := dbx.ExpectRows(res, 1); err != nil {
		return storage.UploadResult{}, storage.Wrap(s.Kind(), "upload", err)
	}

	list := func(ctx context.Context) ([]storage.ProviderVersion, error) { return s.list(ctx, db, meta.BaseName) }
	del := func(ctx context.Context, v storage.ProviderVersion) error { return s.delete(ctx, db, v.ID) }

	return storage.UploadResult{
		VersionID: id.String(),
		Trim:      storage.ApplyRetention(ctx, s.log, list, del, meta.RetainCount),
	}, nil
}

func (s *Storage) Download(ctx context.Context, versionID string) ([]byte, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, storage.Wrap(s.Kind(), "download", err)
	}

	var row *sql.Row
	if versionID == "" {
		row = db.QueryRowContext(ctx, `
			SELECT data FROM vault_versions
			WHERE base_name = $1
			ORDER BY created_at DESC, name DESC
			LIMIT 1
		`, s.base)
	} else {
		id, err := uuid.Parse(versionID)
		if err != nil {
			return nil, storage.Wrap(s.Kind(), "download", fmt.Errorf("%w: %q", storage.ErrInvalidVersionID, versionID))
		}
		row = db.QueryRowContext(ctx, `SELECT data FROM vault_versions WHERE id = $1`, id.String())
	}

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.Wrap(s.Kind(), "download", storage.ErrNotFound)
		}
		return nil, storage.Wrap(s.Kind(), "download", mapErr(err))
	}
	return data, nil
}

func (s *Storage) ListVersions(ctx context.Context) ([]storage.ProviderVersion, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, storage.Wrap(s.Kind(), "list", err)
	}
	out, err := s.list(ctx, db, s.base)
	return out, storage.Wrap(s.Kind(), "list", err)
}

func (s *Storage) list(ctx context.Context, db dbx.DBTX, base string) ([]storage.ProviderVersion, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, name, created_at, size FROM vault_versions
		WHERE base_name = $1
		ORDER BY created_at DESC, name DESC
	`, base)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	out := []storage.ProviderVersion{}
	for rows.Next() {
		var v storage.ProviderVersion
		if err := rows.Scan(&v.ID, &v.Name, &v.CreatedAt, &v.Size); err != nil {
			return nil, fmt.Errorf("scan version row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

func (s *Storage) delete(ctx context.Context, db dbx.DBTX, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM vault_versions WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if err := dbx.ExpectRows(res, 1); err != nil {
		if errors.Is(err, dbx.ErrNoRowsAffected) {
			return storage.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Storage) RestoreVersion(ctx context.Context, versionID string) ([]byte, error) {
	if versionID == "" {
		return nil, storage.Wrap(s.Kind(), "restore", storage.ErrInvalidVersionID)
	}
	return s.Download(ctx, versionID)
}

func (s *Storage) TestConnection(ctx context.Context) error {
	db, err := s.conn(ctx)
	if err != nil {
		return storage.Wrap(s.Kind(), "test", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return storage.Wrap(s.Kind(), "test", fmt.Errorf("%w: %w", storage.ErrConnection, err))
	}
	return nil
}

// mapErr marks failures to reach the server as connection errors.
func mapErr(err error) error {
	var ce *pgconn.ConnectError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ce), errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", storage.ErrConnection, err)
	}
	return err
}
