package config

import (
	"flag"
	"io"

	"github.com/dmitrijs2005/vaultkeeper/internal/flagx"
)

var knownFlags = []string{"-d", "-f", "-k", "-r", "-m", "-i", "-kdf", "-cipher", "-t", "-l"}

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags:
//
//	-d string        vault directory
//	-f string        vault file name
//	-k int           local backups to keep
//	-r int           default cloud versions to keep
//	-m string        metadata database DSN
//	-i string        device identity file for passkey unlock
//	-kdf string      argon2id | pbkdf2-sha256 (new vaults and re-key)
//	-cipher string   xchacha20-poly1305 | aes-256-gcm
//	-t duration      cloud operation timeout
//	-l string        log level
//
// The license secret is deliberately not a flag; it would leak into the
// process list.
func parseFlags(cfg *Config, args []string) error {
	args = flagx.FilterArgs(args, knownFlags)

	fs := flag.NewFlagSet("vaultkeeper", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.VaultDir, "d", cfg.VaultDir, "vault directory")
	fs.StringVar(&cfg.VaultFileName, "f", cfg.VaultFileName, "vault file name")
	fs.IntVar(&cfg.LocalKeepLast, "k", cfg.LocalKeepLast, "local backups to keep")
	fs.IntVar(&cfg.RetainCount, "r", cfg.RetainCount, "cloud versions to keep")
	fs.StringVar(&cfg.MetadataDSN, "m", cfg.MetadataDSN, "metadata database DSN")
	fs.StringVar(&cfg.IdentityFile, "i", cfg.IdentityFile, "device identity file")
	fs.StringVar(&cfg.KdfAlgorithm, "kdf", cfg.KdfAlgorithm, "key derivation function")
	fs.StringVar(&cfg.Cipher, "cipher", cfg.Cipher, "vault cipher")
	fs.DurationVar(&cfg.CloudTimeout, "t", cfg.CloudTimeout, "cloud operation timeout")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")

	return fs.Parse(args)
}
