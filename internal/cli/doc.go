// Package cli provides the interactive vaultkeeper shell.
//
// It wires configuration, the local vault file, the device keystore and the
// license verifier around a vault.Repository, then runs a small REPL:
//
//   - unlock / passkey-unlock / lock
//   - list, show, add, update, delete
//   - export / import of the encrypted vault
//   - storage (pick the sync backend), versions, restore, test
//   - passwd, passkey-save, license, repair
//
// The REPL is started via App.Run(ctx), which blocks until the user exits.
package cli
