package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dmitrijs2005/vaultkeeper/internal/vault"
)

// execIface defines the command surface the REPL needs. The real App type
// satisfies this interface; tests can provide a lightweight stub.
type execIface interface {
	isUnlocked() bool
	Unlock(ctx context.Context) error
	PasskeyUnlock(ctx context.Context) error
	Lock(ctx context.Context) error
	List(ctx context.Context) error
	Show(ctx context.Context, args []string) error
	Add(ctx context.Context) error
	Update(ctx context.Context, args []string) error
	Delete(ctx context.Context, args []string) error
	Export(ctx context.Context, args []string) error
	Import(ctx context.Context, args []string) error
	Storage(ctx context.Context, args []string) error
	Versions(ctx context.Context) error
	Restore(ctx context.Context, args []string) error
	TestConnection(ctx context.Context) error
	ChangePassword(ctx context.Context) error
	PasskeySave(ctx context.Context) error
	License(ctx context.Context, args []string) error
	Repair(ctx context.Context) error
}

const (
	helpLocked   = "Available commands: unlock, passkey-unlock, storage, exit"
	helpUnlocked = "Available commands: (l)ist, show, add, update, delete, export, import, storage, versions, restore, test, passwd, passkey-save, license, repair, lock, exit"
)

// runREPL reads commands from in until EOF or "exit"/"quit" and dispatches
// them to a. Errors from handlers are reported and the loop goes on; cloud
// sync failures are shown as warnings since the local vault is already
// saved.
func runREPL(ctx context.Context, a execIface, statusFn func() string, in *bufio.Reader, out io.Writer) {
	for {
		fmt.Fprintf(out, "vk %s> ", statusFn())
		line, err := in.ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintln(out)
			return
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd, args := parts[0], parts[1:]

		var cmdErr error
		switch cmd {
		case "help":
			if a.isUnlocked() {
				fmt.Fprintln(out, helpUnlocked)
			} else {
				fmt.Fprintln(out, helpLocked)
			}
		case "unlock":
			cmdErr = a.Unlock(ctx)
		case "passkey-unlock":
			cmdErr = a.PasskeyUnlock(ctx)
		case "lock":
			cmdErr = a.Lock(ctx)
		case "l", "list":
			cmdErr = a.List(ctx)
		case "show":
			cmdErr = a.Show(ctx, args)
		case "add":
			cmdErr = a.Add(ctx)
		case "update":
			cmdErr = a.Update(ctx, args)
		case "delete":
			cmdErr = a.Delete(ctx, args)
		case "export":
			cmdErr = a.Export(ctx, args)
		case "import":
			cmdErr = a.Import(ctx, args)
		case "storage":
			cmdErr = a.Storage(ctx, args)
		case "versions":
			cmdErr = a.Versions(ctx)
		case "restore":
			cmdErr = a.Restore(ctx, args)
		case "test":
			cmdErr = a.TestConnection(ctx)
		case "passwd":
			cmdErr = a.ChangePassword(ctx)
		case "passkey-save":
			cmdErr = a.PasskeySave(ctx)
		case "license":
			cmdErr = a.License(ctx, args)
		case "repair":
			cmdErr = a.Repair(ctx)
		case "exit", "quit":
			fmt.Fprintln(out, "Bye!")
			return
		default:
			fmt.Fprintln(out, "Unknown command:", cmd)
		}

		report(out, cmdErr)
	}
}

func report(out io.Writer, err error) {
	switch {
	case err == nil:
	case vault.IsSyncWarning(err):
		fmt.Fprintf(out, "warning: saved locally, cloud sync failed: %v\n", err)
	case errors.Is(err, vault.ErrVaultLocked):
		fmt.Fprintln(out, "vault is locked, run 'unlock' first")
	default:
		fmt.Fprintf(out, "error: %v\n", err)
	}
}
