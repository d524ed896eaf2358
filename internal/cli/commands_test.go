package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dmitrijs2005/vaultkeeper/internal/clock"
	"github.com/dmitrijs2005/vaultkeeper/internal/config"
	"github.com/dmitrijs2005/vaultkeeper/internal/cryptox"
	"github.com/dmitrijs2005/vaultkeeper/internal/envelope"
	"github.com/dmitrijs2005/vaultkeeper/internal/keystore"
	"github.com/dmitrijs2005/vaultkeeper/internal/license"
	"github.com/dmitrijs2005/vaultkeeper/internal/logging"
	"github.com/dmitrijs2005/vaultkeeper/internal/metadata"
	"github.com/dmitrijs2005/vaultkeeper/internal/models"
	"github.com/dmitrijs2005/vaultkeeper/internal/storage/local"
	"github.com/dmitrijs2005/vaultkeeper/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const masterPassword = "correct-horse-1"

func lightCrypto() cryptox.Options {
	return cryptox.Options{
		Kdf: envelope.KdfParams{
			Alg: envelope.KdfArgon2id,
			Params: envelope.KdfCost{
				KeyLength:   cryptox.KeyLength,
				TimeCost:    1,
				MemoryCost:  8 * 1024,
				Parallelism: 1,
			},
		},
		Cipher: cryptox.DefaultCipher,
	}
}

// stubSecrets makes GetSecret return answers in order.
func stubSecrets(t *testing.T, answers ...string) {
	t.Helper()
	orig := readPassword
	readPassword = func(int) ([]byte, error) {
		if len(answers) == 0 {
			return nil, errors.New("no more secrets")
		}
		a := answers[0]
		answers = answers[1:]
		return []byte(a), nil
	}
	t.Cleanup(func() { readPassword = orig })
}

type testApp struct {
	*App
	out   *bytes.Buffer
	clock *clock.FakeClock
	dir   string
	repo  *vault.Repository
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	ctx := context.Background()

	dir := t.TempDir()
	clk := clock.Fake(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))

	repo, err := vault.New(vault.Options{
		Local:  local.New(local.Options{Dir: dir, FileName: "vault.json", Clock: clk}),
		Crypto: lightCrypto(),
		Clock:  clk,
	})
	require.NoError(t, err)

	meta, err := metadata.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	verifier, err := license.NewVerifier([]byte("test-secret"), clk)
	require.NoError(t, err)
	identity, err := keystore.NewAgeWrapper()
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.VaultDir = dir
	cfg.KdfAlgorithm = string(envelope.KdfPBKDF2SHA256)

	out := &bytes.Buffer{}
	return &testApp{
		App: &App{
			config:  cfg,
			repo:    repo,
			keys:    keystore.New(meta, identity),
			license: verifier,
			clock:   clk,
			log:     logging.Discard(),
			reader:  bufio.NewReader(strings.NewReader("")),
			out:     out,
		},
		out:   out,
		clock: clk,
		dir:   dir,
		repo:  repo,
	}
}

// input replaces what the prompts read.
func (a *testApp) input(lines ...string) {
	a.reader = bufio.NewReader(strings.NewReader(strings.Join(lines, "\n") + "\n"))
}

func (a *testApp) unlock(t *testing.T) {
	t.Helper()
	stubSecrets(t, masterPassword)
	require.NoError(t, a.Unlock(context.Background()))
}

func (a *testApp) addEntry(t *testing.T, name string) models.VaultEntry {
	t.Helper()
	a.clock.Advance(time.Second)
	e, err := a.repo.AddEntry(context.Background(), models.VaultEntry{Name: name, Password: "pw-" + name})
	require.NoError(t, err)
	return e
}

func TestApp_UnlockCreatesThenOpens(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)

	a.unlock(t)
	assert.Contains(t, a.out.String(), "New vault created")
	assert.True(t, a.isUnlocked())
	assert.Equal(t, "(unlocked, sync pending)", a.getStatus())

	require.NoError(t, a.Lock(ctx))
	assert.Equal(t, "(locked)", a.getStatus())

	a.unlock(t)
	assert.Contains(t, a.out.String(), "Vault unlocked")
}

func TestApp_UnlockWrongPassword(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	a.unlock(t)
	require.NoError(t, a.Lock(ctx))

	stubSecrets(t, "nope")
	err := a.Unlock(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong password")
	assert.False(t, a.isUnlocked())
}

func TestApp_AddListShow(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	a.unlock(t)

	a.input("github", "octo", "https://github.com", "line one", "line two", "")
	stubSecrets(t, "s3cret")
	require.NoError(t, a.Add(ctx))
	assert.Contains(t, a.out.String(), "Added ")

	entries, err := a.repo.ListEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "github", e.Name)
	assert.Equal(t, "octo", e.Username)
	assert.Equal(t, "s3cret", e.Password)
	assert.Equal(t, "https://github.com", e.URL)
	assert.Equal(t, "line one\nline two", e.Notes)

	a.out.Reset()
	require.NoError(t, a.List(ctx))
	assert.Contains(t, a.out.String(), e.ID)
	assert.Contains(t, a.out.String(), "github")
	assert.NotContains(t, a.out.String(), "s3cret")

	a.out.Reset()
	require.NoError(t, a.Show(ctx, []string{e.ID}))
	assert.Contains(t, a.out.String(), "Password: s3cret")
	assert.Contains(t, a.out.String(), "line two")
}

func TestApp_ArgumentErrors(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)

	for name, fn := range map[string]func() error{
		"show":    func() error { return a.Show(ctx, nil) },
		"update":  func() error { return a.Update(ctx, []string{"a", "b"}) },
		"delete":  func() error { return a.Delete(ctx, nil) },
		"export":  func() error { return a.Export(ctx, nil) },
		"import":  func() error { return a.Import(ctx, nil) },
		"storage": func() error { return a.Storage(ctx, nil) },
		"restore": func() error { return a.Restore(ctx, nil) },
		"license": func() error { return a.License(ctx, nil) },
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, fn(), errUsage)
		})
	}
}

func TestApp_LockedCommandsFail(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)

	assert.ErrorIs(t, a.List(ctx), vault.ErrVaultLocked)
	assert.ErrorIs(t, a.Show(ctx, []string{"x"}), vault.ErrVaultLocked)
	assert.ErrorIs(t, a.Add(ctx), vault.ErrVaultLocked)
	assert.ErrorIs(t, a.Repair(ctx), vault.ErrVaultLocked)
	assert.ErrorIs(t, a.PasskeySave(ctx), vault.ErrVaultLocked)
}

func TestApp_UpdateKeepsEmptyFields(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	a.unlock(t)
	e := a.addEntry(t, "mail")

	a.input("", "alice", "")
	stubSecrets(t, "")
	require.NoError(t, a.Update(ctx, []string{e.ID}))

	got, err := a.repo.GetEntry(e.ID)
	require.NoError(t, err)
	assert.Equal(t, "mail", got.Name)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "pw-mail", got.Password)
}

func TestApp_Delete(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	a.unlock(t)
	e := a.addEntry(t, "mail")

	require.NoError(t, a.Delete(ctx, []string{e.ID}))
	assert.ErrorIs(t, a.Delete(ctx, []string{e.ID}), vault.ErrEntryNotFound)
}

func TestApp_ExportImport(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	a.unlock(t)
	e := a.addEntry(t, "keep")
	file := filepath.Join(t.TempDir(), "backup.vault")

	require.NoError(t, a.Export(ctx, []string{file}))
	info, err := os.Stat(file)
	require.NoError(t, err)
	assert.NotZero(t, info.Size())

	require.NoError(t, a.Delete(ctx, []string{e.ID}))
	require.NoError(t, a.Import(ctx, []string{file}))

	_, err = a.repo.GetEntry(e.ID)
	assert.NoError(t, err)

	assert.Error(t, a.Import(ctx, []string{filepath.Join(t.TempDir(), "missing")}))
}

func TestApp_StorageBeforeUnlockIsPending(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	file := filepath.Join(t.TempDir(), "storage.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"active":"local","retainCount":4}`), 0o600))

	require.NoError(t, a.Storage(ctx, []string{file}))
	assert.Contains(t, a.out.String(), "new vault")

	a.unlock(t)
	cfg, err := a.repo.ProviderConfigs()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.RetainCount)
}

func TestApp_StorageRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{`), 0o600))
	assert.Error(t, a.Storage(ctx, []string{bad}))

	unknown := filepath.Join(dir, "unknown.json")
	require.NoError(t, os.WriteFile(unknown, []byte(`{"active":"ftp"}`), 0o600))
	assert.Error(t, a.Storage(ctx, []string{unknown}))
}

func TestApp_StorageWhenUnlocked(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	a.unlock(t)
	file := filepath.Join(t.TempDir(), "storage.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"active":"local","retainCount":7}`), 0o600))

	require.NoError(t, a.Storage(ctx, []string{file}))
	assert.Contains(t, a.out.String(), "Storage switched to local")

	cfg, err := a.repo.ProviderConfigs()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.RetainCount)
}

func TestApp_VersionsAndRestore(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	a.unlock(t)
	a.addEntry(t, "one")
	a.addEntry(t, "two")

	versions, err := a.repo.ListVersions(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, versions)

	a.out.Reset()
	require.NoError(t, a.Versions(ctx))
	assert.Contains(t, a.out.String(), versions[0].ID)

	require.NoError(t, a.Restore(ctx, []string{versions[len(versions)-1].ID}))
	assert.Contains(t, a.out.String(), "Restored")
}

func TestApp_TestConnectionLocal(t *testing.T) {
	a := newTestApp(t)
	a.unlock(t)

	require.NoError(t, a.TestConnection(context.Background()))
	assert.Contains(t, a.out.String(), "Connection OK")
}

func TestApp_PasskeySaveAndUnlock(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)

	err := a.PasskeyUnlock(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no saved key")

	a.unlock(t)
	e := a.addEntry(t, "one")
	require.NoError(t, a.PasskeySave(ctx))
	require.NoError(t, a.Lock(ctx))

	require.NoError(t, a.PasskeyUnlock(ctx))
	assert.True(t, a.isUnlocked())
	_, err = a.repo.GetEntry(e.ID)
	assert.NoError(t, err)
}

func TestApp_ChangePassword(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	a.unlock(t)
	require.NoError(t, a.PasskeySave(ctx))

	stubSecrets(t, masterPassword, "new-pass-2", "different")
	err := a.ChangePassword(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "do not match")

	stubSecrets(t, "wrong", "new-pass-2", "new-pass-2")
	assert.ErrorIs(t, a.ChangePassword(ctx), cryptox.ErrAuthenticationFailed)

	stubSecrets(t, masterPassword, "new-pass-2", "new-pass-2")
	require.NoError(t, a.ChangePassword(ctx))
	assert.Contains(t, a.out.String(), "Password changed")

	// the saved key belonged to the old password
	require.NoError(t, a.Lock(ctx))
	assert.Error(t, a.PasskeyUnlock(ctx))

	stubSecrets(t, "new-pass-2")
	require.NoError(t, a.Unlock(ctx))
}

func TestApp_FreePlanQuotaAndLicense(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	a.unlock(t)
	for i := 0; i < license.FreeEntryLimit; i++ {
		a.addEntry(t, "e")
	}

	assert.ErrorIs(t, a.Add(ctx), errQuotaExceeded)

	assert.ErrorIs(t, a.License(ctx, []string{"garbage"}), license.ErrInvalidToken)

	token, err := a.license.Issue(license.PlanPremium, nil)
	require.NoError(t, err)
	require.NoError(t, a.License(ctx, []string{token}))
	assert.Contains(t, a.out.String(), "License: premium (premium: true)")

	sess, err := a.repo.Session()
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, token, sess.LicenseToken)

	a.input("extra", "", "", "")
	stubSecrets(t, "pw")
	require.NoError(t, a.Add(ctx))
}

func TestApp_Repair(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	a.unlock(t)
	a.addEntry(t, "one")

	require.NoError(t, a.Repair(ctx))
	assert.Contains(t, a.out.String(), "Entries: 1, kept: 1")
}
