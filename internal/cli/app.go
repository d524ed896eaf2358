package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmitrijs2005/vaultkeeper/internal/clock"
	"github.com/dmitrijs2005/vaultkeeper/internal/config"
	"github.com/dmitrijs2005/vaultkeeper/internal/cryptox"
	"github.com/dmitrijs2005/vaultkeeper/internal/filex"
	"github.com/dmitrijs2005/vaultkeeper/internal/keystore"
	"github.com/dmitrijs2005/vaultkeeper/internal/license"
	"github.com/dmitrijs2005/vaultkeeper/internal/logging"
	"github.com/dmitrijs2005/vaultkeeper/internal/metadata"
	"github.com/dmitrijs2005/vaultkeeper/internal/models"
	"github.com/dmitrijs2005/vaultkeeper/internal/storage"
	"github.com/dmitrijs2005/vaultkeeper/internal/storage/local"
	"github.com/dmitrijs2005/vaultkeeper/internal/vault"
)

// vaultRepo is the part of vault.Repository the shell drives.
type vaultRepo interface {
	State() vault.State
	SyncState() vault.SyncState
	SetPendingStorageConfig(cfg models.ProviderConfigs) error
	Unlock(ctx context.Context, password string) (vault.UnlockResult, error)
	UnlockWithKey(ctx context.Context, key []byte) error
	Lock()
	ListEntries(ctx context.Context) ([]models.VaultEntry, error)
	GetEntry(id string) (models.VaultEntry, error)
	AddEntry(ctx context.Context, e models.VaultEntry) (models.VaultEntry, error)
	UpdateEntry(ctx context.Context, e models.VaultEntry) (models.VaultEntry, error)
	DeleteEntry(ctx context.Context, id string) error
	UpdateProviderConfigs(ctx context.Context, cfg models.ProviderConfigs) error
	Session() (*models.AppAccountSession, error)
	SetSession(ctx context.Context, s *models.AppAccountSession) error
	ExportEncrypted(ctx context.Context) ([]byte, error)
	ImportEncrypted(ctx context.Context, data []byte) error
	RepairVault(ctx context.Context) (vault.RepairReport, error)
	GetDerivedKey() ([]byte, error)
	ChangePassword(ctx context.Context, current, next string, opts cryptox.Options) error
	ListVersions(ctx context.Context) ([]storage.ProviderVersion, error)
	RestoreVersion(ctx context.Context, versionID string) error
	TestConnection(ctx context.Context) error
}

// keyStore keeps the derived key for passkey unlock.
type keyStore interface {
	Save(ctx context.Context, key []byte) error
	Load(ctx context.Context) ([]byte, error)
	Clear(ctx context.Context) error
}

var _ vaultRepo = (*vault.Repository)(nil)
var _ keyStore = (*keystore.Store)(nil)

type App struct {
	config  *config.Config
	repo    vaultRepo
	keys    keyStore
	license *license.Verifier
	clock   clock.Clock
	log     logging.Logger
	reader  *bufio.Reader
	out     io.Writer
	closers []io.Closer
}

// NewApp wires the vault, keystore and license verifier from c.
func NewApp(ctx context.Context, c *config.Config, log logging.Logger) (*App, error) {
	clk := clock.Real()

	loc := local.New(local.Options{
		Dir:      c.VaultDir,
		FileName: c.VaultFileName,
		KeepLast: c.LocalKeepLast,
		Clock:    clk,
		Logger:   log,
	})

	repo, err := vault.New(vault.Options{
		Local:        loc,
		Crypto:       c.CryptoOptions(),
		RetainCount:  c.RetainCount,
		CloudTimeout: c.CloudTimeout,
		Clock:        clk,
		Logger:       log,
	})
	if err != nil {
		return nil, err
	}

	if !strings.Contains(c.MetadataDSN, ":memory:") {
		if _, err := filex.EnsureDir(filepath.Dir(c.MetadataDSN)); err != nil {
			return nil, err
		}
	}
	meta, err := metadata.Open(ctx, c.MetadataDSN)
	if err != nil {
		return nil, fmt.Errorf("error initializing metadata database: %w", err)
	}

	verifier, err := license.NewVerifier([]byte(c.LicenseSecret), clk)
	if err != nil {
		_ = meta.Close()
		return nil, err
	}

	identity, err := keystore.LoadOrCreateIdentity(c.IdentityFile)
	if err != nil {
		_ = meta.Close()
		return nil, fmt.Errorf("error loading device identity: %w", err)
	}

	return &App{
		config:  c,
		repo:    repo,
		keys:    keystore.New(meta, identity),
		license: verifier,
		clock:   clk,
		log:     log,
		reader:  bufio.NewReader(os.Stdin),
		out:     os.Stdout,
		closers: []io.Closer{meta},
	}, nil
}

// Run blocks in the REPL until the user exits or input ends.
func (a *App) Run(ctx context.Context) {
	defer a.Close()
	fmt.Fprintln(a.out, "Welcome to vaultkeeper (type 'help' for commands)")
	runREPL(ctx, a, a.getStatus, a.reader, a.out)
}

func (a *App) Close() {
	a.repo.Lock()
	for _, c := range a.closers {
		_ = c.Close()
	}
}

func (a *App) isUnlocked() bool {
	return a.repo.State() == vault.StateUnlocked
}

func (a *App) getStatus() string {
	if !a.isUnlocked() {
		return "(locked)"
	}
	return fmt.Sprintf("(unlocked, sync %s)", a.repo.SyncState())
}
