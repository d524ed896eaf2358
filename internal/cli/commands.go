package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dmitrijs2005/vaultkeeper/internal/common"
	"github.com/dmitrijs2005/vaultkeeper/internal/cryptox"
	"github.com/dmitrijs2005/vaultkeeper/internal/filex"
	"github.com/dmitrijs2005/vaultkeeper/internal/keystore"
	"github.com/dmitrijs2005/vaultkeeper/internal/license"
	"github.com/dmitrijs2005/vaultkeeper/internal/models"
	"github.com/dmitrijs2005/vaultkeeper/internal/vault"
)

var (
	errUsage         = errors.New("wrong arguments")
	errQuotaExceeded = errors.New("entry limit of the free plan reached, add a premium license")
)

func usage(s string) error {
	return fmt.Errorf("%w, usage: %s", errUsage, s)
}

// saved prints the confirmation when the change reached the local vault,
// which is also the case for a cloud sync failure.
func (a *App) saved(err error, format string, args ...any) error {
	if err != nil && !vault.IsSyncWarning(err) {
		return err
	}
	fmt.Fprintf(a.out, format+"\n", args...)
	return err
}

func (a *App) Unlock(ctx context.Context) error {
	pw, err := GetPassword(a.out)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(pw)

	res, err := a.repo.Unlock(ctx, string(pw))
	if errors.Is(err, cryptox.ErrAuthenticationFailed) {
		return errors.New("wrong password or corrupted vault")
	}
	if err != nil {
		return err
	}

	if res.IsNew {
		fmt.Fprintln(a.out, "New vault created")
	} else {
		fmt.Fprintln(a.out, "Vault unlocked")
	}
	return nil
}

func (a *App) PasskeyUnlock(ctx context.Context) error {
	key, err := a.keys.Load(ctx)
	if errors.Is(err, keystore.ErrNoWrappedKey) {
		return errors.New("no saved key, unlock with the password and run 'passkey-save'")
	}
	if err != nil {
		return err
	}
	defer common.WipeByteArray(key)

	if err := a.repo.UnlockWithKey(ctx, key); err != nil {
		if errors.Is(err, cryptox.ErrAuthenticationFailed) {
			// the vault was re-keyed since the key was saved
			_ = a.keys.Clear(ctx)
		}
		return err
	}
	fmt.Fprintln(a.out, "Vault unlocked")
	return nil
}

func (a *App) PasskeySave(ctx context.Context) error {
	key, err := a.repo.GetDerivedKey()
	if err != nil {
		return err
	}
	defer common.WipeByteArray(key)

	if err := a.keys.Save(ctx, key); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Key saved for passkey-unlock on this device")
	return nil
}

func (a *App) Lock(ctx context.Context) error {
	a.repo.Lock()
	fmt.Fprintln(a.out, "Vault locked")
	return nil
}

func (a *App) List(ctx context.Context) error {
	entries, err := a.repo.ListEntries(ctx)
	if err != nil && !vault.IsSyncWarning(err) {
		return err
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tUSERNAME\tURL")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, e.Name, e.Username, e.URL)
	}
	_ = tw.Flush()

	return err
}

func (a *App) Show(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("show <id>")
	}
	e, err := a.repo.GetEntry(args[0])
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "Name: %s\n", e.Name)
	fmt.Fprintf(a.out, "Username: %s\n", e.Username)
	fmt.Fprintf(a.out, "Password: %s\n", e.Password)
	fmt.Fprintf(a.out, "URL: %s\n", e.URL)
	if e.Notes != "" {
		fmt.Fprintf(a.out, "Notes:\n%s\n", e.Notes)
	}
	fmt.Fprintf(a.out, "Updated: %s\n", e.UpdatedAt.Format("2006-01-02 15:04:05"))
	return nil
}

func (a *App) Add(ctx context.Context) error {
	if err := a.checkQuota(ctx); err != nil {
		return err
	}

	var e models.VaultEntry
	var err error

	if e.Name, err = GetSimpleText(a.reader, "Enter name", a.out); err != nil {
		return err
	}
	if e.Username, err = GetSimpleText(a.reader, "Enter username", a.out); err != nil {
		return err
	}
	pw, err := GetSecret(a.out, "Enter entry password: ")
	if err != nil {
		return err
	}
	e.Password = string(pw)
	common.WipeByteArray(pw)
	if e.URL, err = GetSimpleText(a.reader, "Enter URL", a.out); err != nil {
		return err
	}
	if e.Notes, err = GetMultiline(a.reader, "Enter notes", a.out); err != nil {
		return err
	}

	added, err := a.repo.AddEntry(ctx, e)
	return a.saved(err, "Added %s", added.ID)
}

// checkQuota applies the free-plan entry limit from the cached license.
func (a *App) checkQuota(ctx context.Context) error {
	sess, err := a.repo.Session()
	if err != nil {
		return err
	}

	status := models.LicenseStatus{Plan: license.PlanFree}
	if sess != nil && sess.LicenseToken != "" {
		st, err := a.license.Status(sess.LicenseToken)
		if err != nil {
			a.log.Warn(ctx, "license not accepted", "error", err)
		}
		status = st
	}

	entries, err := a.repo.ListEntries(ctx)
	if err != nil && !vault.IsSyncWarning(err) {
		return err
	}
	if !license.CanAddEntry(status, len(entries), a.clock.Now()) {
		return errQuotaExceeded
	}
	return nil
}

// Update prompts for each field; an empty answer keeps the current value.
func (a *App) Update(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("update <id>")
	}
	e, err := a.repo.GetEntry(args[0])
	if err != nil {
		return err
	}

	keep := func(prompt string, cur *string) error {
		v, err := GetSimpleText(a.reader, fmt.Sprintf("%s [%s]", prompt, *cur), a.out)
		if err != nil {
			return err
		}
		if v != "" {
			*cur = v
		}
		return nil
	}

	if err := keep("Enter name", &e.Name); err != nil {
		return err
	}
	if err := keep("Enter username", &e.Username); err != nil {
		return err
	}
	pw, err := GetSecret(a.out, "Enter entry password (empty keeps current): ")
	if err != nil {
		return err
	}
	if len(pw) > 0 {
		e.Password = string(pw)
	}
	common.WipeByteArray(pw)
	if err := keep("Enter URL", &e.URL); err != nil {
		return err
	}

	_, err = a.repo.UpdateEntry(ctx, e)
	return a.saved(err, "Updated %s", e.ID)
}

func (a *App) Delete(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("delete <id>")
	}
	return a.saved(a.repo.DeleteEntry(ctx, args[0]), "Deleted %s", args[0])
}

func (a *App) Export(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("export <file>")
	}
	data, err := a.repo.ExportEncrypted(ctx)
	if err != nil {
		return err
	}
	if err := filex.WriteFileAtomic(args[0], data, filex.FileMode); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Encrypted vault written to", args[0])
	return nil
}

func (a *App) Import(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("import <file>")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	return a.saved(a.repo.ImportEncrypted(ctx, data), "Vault restored from %s", args[0])
}

// Storage loads provider settings from a JSON file. Before unlock they
// are kept for a vault created by the next unlock.
func (a *App) Storage(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("storage <settings.json>")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var cfg models.ProviderConfigs
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse %s: %w", args[0], err)
	}

	if !a.isUnlocked() {
		if err := a.repo.SetPendingStorageConfig(cfg); err != nil {
			return err
		}
		fmt.Fprintln(a.out, "Storage settings will be used for a new vault")
		return nil
	}

	return a.saved(a.repo.UpdateProviderConfigs(ctx, cfg), "Storage switched to %s", cfg.ActiveKind())
}

func (a *App) Versions(ctx context.Context) error {
	versions, err := a.repo.ListVersions(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tSIZE")
	for _, v := range versions {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", v.ID, v.CreatedAt.Format("2006-01-02 15:04:05"), v.Size)
	}
	return tw.Flush()
}

func (a *App) Restore(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("restore <version-id>")
	}
	return a.saved(a.repo.RestoreVersion(ctx, args[0]), "Restored %s", args[0])
}

func (a *App) TestConnection(ctx context.Context) error {
	if err := a.repo.TestConnection(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Connection OK")
	return nil
}

func (a *App) ChangePassword(ctx context.Context) error {
	cur, err := GetSecret(a.out, "Current password: ")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(cur)
	next, err := GetSecret(a.out, "New password: ")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(next)
	again, err := GetSecret(a.out, "Repeat new password: ")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(again)

	if string(next) != string(again) {
		return errors.New("passwords do not match")
	}

	err = a.repo.ChangePassword(ctx, string(cur), string(next), a.config.CryptoOptions())
	if err == nil || vault.IsSyncWarning(err) {
		// a saved key no longer opens the vault
		if cerr := a.keys.Clear(ctx); cerr != nil {
			a.log.Warn(ctx, "clear saved key", "error", cerr)
		}
	}
	return a.saved(err, "Password changed")
}

func (a *App) License(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("license <token>")
	}
	token := strings.TrimSpace(args[0])

	st, err := a.license.Status(token)
	if err != nil {
		return err
	}

	sess, err := a.repo.Session()
	if err != nil {
		return err
	}
	if sess == nil {
		sess = &models.AppAccountSession{}
	}
	sess.LicenseToken = token
	sess.License = &st

	return a.saved(a.repo.SetSession(ctx, sess), "License: %s (premium: %t)", st.Plan, st.IsPremium)
}

func (a *App) Repair(ctx context.Context) error {
	rep, err := a.repo.RepairVault(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Entries: %d, kept: %d, migrated: %d, removed: %d, invalid: %d, dropped on open: %d\n",
		rep.Total, rep.Kept, rep.Migrated, rep.Removed, rep.Invalid, rep.DroppedOnDecode)
	return nil
}
