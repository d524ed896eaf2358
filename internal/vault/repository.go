// Package vault owns the decrypted vault for the lifetime of the process:
// the unlock/lock state machine, entry CRUD and the persist cycle that
// writes every change locally and then to the active cloud backend.
package vault

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/vaultkeeper/internal/clock"
	"github.com/dmitrijs2005/vaultkeeper/internal/common"
	"github.com/dmitrijs2005/vaultkeeper/internal/cryptox"
	"github.com/dmitrijs2005/vaultkeeper/internal/envelope"
	"github.com/dmitrijs2005/vaultkeeper/internal/logging"
	"github.com/dmitrijs2005/vaultkeeper/internal/models"
	"github.com/dmitrijs2005/vaultkeeper/internal/storage"
	"github.com/dmitrijs2005/vaultkeeper/internal/storage/local"
	"github.com/dmitrijs2005/vaultkeeper/internal/storage/providers"
)

// State is the lifecycle state of a Repository.
type State int32

const (
	StateLocked State = iota
	StateUnlocking
	StateUnlocked
)

func (s State) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateUnlocking:
		return "unlocking"
	case StateUnlocked:
		return "unlocked"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// SyncState is the cloud sub-state of an unlocked session.
type SyncState int32

const (
	// SyncPending: the one pull from the cloud has not run yet.
	SyncPending SyncState = iota
	// SyncDone: the pull ran (or there is nothing to pull from).
	SyncDone
	// SyncMismatch: the remote vault has a different salt. Uploads are
	// refused until the next unlock or a provider change.
	SyncMismatch
)

func (s SyncState) String() string {
	switch s {
	case SyncPending:
		return "pending"
	case SyncDone:
		return "done"
	case SyncMismatch:
		return "mismatch"
	default:
		return fmt.Sprintf("SyncState(%d)", int32(s))
	}
}

// ProviderFactory builds the active backend from the payload settings.
type ProviderFactory func(cfg models.ProviderConfigs, deps providers.Deps) (storage.Provider, error)

const (
	DefaultBaseName     = "vault"
	DefaultCloudTimeout = 30 * time.Second
	vaultContentType    = "application/json"
)

type Options struct {
	// Local is the durable copy. Required.
	Local *local.Storage

	// Crypto selects KDF and cipher for new vaults.
	Crypto cryptox.Options

	// BaseName prefixes cloud object names.
	BaseName string

	// RetainCount seeds ProviderConfigs.RetainCount of new vaults.
	RetainCount int

	CloudTimeout time.Duration
	Providers    ProviderFactory
	HTTPClient   *http.Client
	Clock        clock.Clock
	Logger       logging.Logger
}

// UnlockResult tells whether Unlock created a new vault.
type UnlockResult struct {
	IsNew bool
}

// session is the data of the unlocked state.
type session struct {
	payload *models.VaultPayload
	header  envelope.Header
	key     []byte
	dropped int

	provider storage.Provider
}

type Repository struct {
	mu sync.Mutex

	local        *local.Storage
	crypto       cryptox.Options
	baseName     string
	retainCount  int
	cloudTimeout time.Duration
	newProvider  ProviderFactory
	httpClient   *http.Client
	clock        clock.Clock
	log          logging.Logger

	state   atomic.Int32
	sync    atomic.Int32
	pending *models.ProviderConfigs
	s       *session
}

func New(opts Options) (*Repository, error) {
	if opts.Local == nil {
		return nil, fmt.Errorf("%w: local storage is required", storage.ErrNotConfigured)
	}

	r := &Repository{
		local:        opts.Local,
		crypto:       opts.Crypto,
		baseName:     opts.BaseName,
		retainCount:  opts.RetainCount,
		cloudTimeout: opts.CloudTimeout,
		newProvider:  opts.Providers,
		httpClient:   opts.HTTPClient,
		clock:        opts.Clock,
		log:          opts.Logger,
	}
	if r.crypto.Kdf.Alg == "" {
		r.crypto.Kdf = cryptox.DefaultKdfParams()
	}
	if r.crypto.Cipher == "" {
		r.crypto.Cipher = cryptox.DefaultCipher
	}
	if r.baseName == "" {
		r.baseName = DefaultBaseName
	}
	if r.cloudTimeout <= 0 {
		r.cloudTimeout = DefaultCloudTimeout
	}
	if r.newProvider == nil {
		r.newProvider = providers.New
	}
	if r.clock == nil {
		r.clock = clock.Real()
	}
	if r.log == nil {
		r.log = logging.Discard()
	}
	r.log = r.log.With("component", "vault")
	return r, nil
}

func (r *Repository) State() State { return State(r.state.Load()) }

// SyncState is meaningful only while unlocked.
func (r *Repository) SyncState() SyncState { return SyncState(r.sync.Load()) }

// SetPendingStorageConfig stores provider settings to apply when Unlock
// creates a new vault.
func (r *Repository) SetPendingStorageConfig(cfg models.ProviderConfigs) error {
	if _, err := models.ParseProviderKind(string(cfg.Active)); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c := (&models.VaultPayload{Providers: cfg}).Clone().Providers
	r.pending = &c
	return nil
}

// Unlock opens the local vault with password, or creates it when there is
// no vault file yet. An already unlocked session is locked first.
func (r *Repository) Unlock(ctx context.Context, password string) (UnlockResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lockLocked()
	r.state.Store(int32(StateUnlocking))

	pw := []byte(password)
	defer common.WipeByteArray(pw)

	exists, err := r.local.Exists()
	if err != nil {
		r.state.Store(int32(StateLocked))
		return UnlockResult{}, fmt.Errorf("check local vault: %w", err)
	}

	if !exists {
		if err := r.create(ctx, pw); err != nil {
			r.state.Store(int32(StateLocked))
			return UnlockResult{}, err
		}
		return UnlockResult{IsNew: true}, nil
	}

	f, err := r.readLocal(ctx)
	if err != nil {
		r.state.Store(int32(StateLocked))
		return UnlockResult{}, err
	}

	key, err := cryptox.DeriveKey(pw, f.Header)
	if err != nil {
		r.state.Store(int32(StateLocked))
		return UnlockResult{}, err
	}

	if err := r.open(ctx, f, key); err != nil {
		common.WipeByteArray(key)
		r.state.Store(int32(StateLocked))
		return UnlockResult{}, err
	}
	return UnlockResult{}, nil
}

// UnlockWithKey opens the local vault with an already derived key, e.g.
// one unwrapped from the device keystore.
func (r *Repository) UnlockWithKey(ctx context.Context, key []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lockLocked()
	r.state.Store(int32(StateUnlocking))

	exists, err := r.local.Exists()
	if err == nil && !exists {
		err = ErrVaultNotFound
	}
	if err != nil {
		r.state.Store(int32(StateLocked))
		return err
	}

	f, err := r.readLocal(ctx)
	if err != nil {
		r.state.Store(int32(StateLocked))
		return err
	}

	k := common.CloneBytes(key)
	if err := r.open(ctx, f, k); err != nil {
		common.WipeByteArray(k)
		r.state.Store(int32(StateLocked))
		return err
	}
	return nil
}

// Lock drops the payload and wipes the key.
func (r *Repository) Lock() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lockLocked()
}

func (r *Repository) lockLocked() {
	if r.s != nil {
		common.WipeByteArray(r.s.key)
		r.closeProvider(r.s)
		r.s = nil
	}
	r.state.Store(int32(StateLocked))
	r.sync.Store(int32(SyncPending))
}

// create is the first-run path: new payload, pending settings applied,
// written locally only.
func (r *Repository) create(ctx context.Context, pw []byte) error {
	now := r.clock.Now()
	p := models.NewVaultPayload(now)
	if r.pending != nil {
		p.Providers = *r.pending
	}
	if p.Providers.RetainCount == 0 && r.retainCount > 0 {
		p.Providers.RetainCount = r.retainCount
	}

	f, key, err := cryptox.CreateNewVaultFileWith(p, pw, r.crypto)
	if err != nil {
		return err
	}
	if err := r.writeLocal(ctx, f); err != nil {
		common.WipeByteArray(key)
		return err
	}

	r.pending = nil
	r.s = &session{payload: p, header: f.Header, key: key}
	r.sync.Store(int32(SyncPending))
	r.state.Store(int32(StateUnlocked))
	r.log.Info(ctx, "vault created", "kdf", f.Header.Kdf.Alg, "cipher", f.Header.Cipher)
	return nil
}

func (r *Repository) open(ctx context.Context, f *envelope.File, key []byte) error {
	p, dropped, err := decodeFile(f, key)
	if err != nil {
		return err
	}
	if dropped > 0 {
		r.log.Warn(ctx, "invalid entries dropped on decode", "count", dropped)
	}
	if r.pending != nil {
		r.log.Debug(ctx, "pending storage config ignored for existing vault")
		r.pending = nil
	}

	r.s = &session{payload: p, header: f.Header, key: key, dropped: dropped}
	r.sync.Store(int32(SyncPending))
	r.state.Store(int32(StateUnlocked))
	r.log.Info(ctx, "vault unlocked", "entries", len(p.Entries))
	return nil
}

// decodeFile decrypts f and returns the payload along with the number of
// entries dropped as invalid.
func decodeFile(f *envelope.File, key []byte) (*models.VaultPayload, int, error) {
	plaintext, err := cryptox.OpenPayload(f, key)
	if err != nil {
		return nil, 0, err
	}
	defer common.WipeByteArray(plaintext)
	return models.DecodePayload(plaintext)
}

func (r *Repository) readLocal(ctx context.Context) (*envelope.File, error) {
	data, err := r.local.Download(ctx, "")
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrVaultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read local vault: %w", err)
	}
	return envelope.Parse(data)
}

func (r *Repository) writeLocal(ctx context.Context, f *envelope.File) error {
	data, err := envelope.Serialize(f)
	if err != nil {
		return err
	}
	if _, err := r.local.Upload(ctx, data, storage.UploadMeta{ContentType: vaultContentType}); err != nil {
		return fmt.Errorf("write local vault: %w", err)
	}
	return nil
}

// unlocked returns the session or ErrVaultLocked. Callers hold mu.
func (r *Repository) unlocked() (*session, error) {
	if r.s == nil || r.State() != StateUnlocked {
		return nil, ErrVaultLocked
	}
	return r.s, nil
}

// GetDerivedKey returns a copy of the vault key for wrapping by a device
// keystore.
func (r *Repository) GetDerivedKey() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.unlocked()
	if err != nil {
		return nil, err
	}
	return common.CloneBytes(s.key), nil
}

// ChangePassword re-keys the vault: a new salt and the given KDF and
// cipher (zero values keep the current ones). The new file replaces the
// local copy before the held key changes.
func (r *Repository) ChangePassword(ctx context.Context, current, next string, opts cryptox.Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.writable(ctx)
	if err != nil {
		return err
	}

	cur := []byte(current)
	defer common.WipeByteArray(cur)
	curKey, err := cryptox.DeriveKey(cur, s.header)
	if err != nil {
		return err
	}
	ok := subtle.ConstantTimeCompare(curKey, s.key) == 1
	common.WipeByteArray(curKey)
	if !ok {
		return cryptox.ErrAuthenticationFailed
	}

	if opts.Kdf.Alg == "" {
		opts.Kdf = s.header.Kdf
	}
	if opts.Cipher == "" {
		opts.Cipher = s.header.Cipher
	}
	h, err := cryptox.NewHeader(opts)
	if err != nil {
		return err
	}

	pw := []byte(next)
	defer common.WipeByteArray(pw)
	key, err := cryptox.DeriveKey(pw, h)
	if err != nil {
		return err
	}

	p := s.payload.Clone()
	p.Meta.UpdatedAt = r.clock.Now().UTC()
	f, err := cryptox.EncryptVaultPayloadWithKey(p, h, key)
	if err != nil {
		common.WipeByteArray(key)
		return err
	}
	if err := r.writeLocal(ctx, f); err != nil {
		common.WipeByteArray(key)
		return err
	}

	common.WipeByteArray(s.key)
	s.key = key
	s.header = f.Header
	s.payload = p
	r.log.Info(ctx, "vault re-keyed", "kdf", h.Kdf.Alg, "cipher", h.Cipher)

	return r.upload(ctx, s, f)
}

func (r *Repository) closeProvider(s *session) {
	if s.provider == nil {
		return
	}
	if c, ok := s.provider.(io.Closer); ok {
		_ = c.Close()
	}
	s.provider = nil
}
