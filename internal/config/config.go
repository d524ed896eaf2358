// Package config resolves vaultkeeper settings.
//
// Sources are applied in a fixed order, later ones overriding earlier ones:
//
//	defaults < JSON file (-c / -config) < VAULTKEEPER_* environment < flags
//
// There are no hidden fallbacks for secrets: Validate fails when the
// license secret is missing.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dmitrijs2005/vaultkeeper/internal/cryptox"
	"github.com/dmitrijs2005/vaultkeeper/internal/envelope"
	"github.com/dmitrijs2005/vaultkeeper/internal/logging"
)

var ErrNoLicenseSecret = errors.New("config: license secret is not set (VAULTKEEPER_LICENSE_SECRET)")

// Config holds runtime settings for the vaultkeeper shell.
//
// Units: CloudTimeout is a time.Duration (e.g. 30*time.Second).
type Config struct {
	VaultDir      string
	VaultFileName string
	LocalKeepLast int
	RetainCount   int
	MetadataDSN   string
	// IdentityFile holds the device secret that wraps the saved vault key.
	// It is kept apart from the metadata database, with 0600 permissions.
	IdentityFile  string
	LicenseSecret string
	KdfAlgorithm  string
	Cipher        string
	CloudTimeout  time.Duration
	LogLevel      string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	dir := "."
	if d, err := os.UserConfigDir(); err == nil {
		dir = filepath.Join(d, "vaultkeeper")
	}

	c.VaultDir = dir
	c.VaultFileName = "vault.json"
	c.LocalKeepLast = 5
	c.RetainCount = 10
	c.MetadataDSN = filepath.Join(dir, "metadata.db")
	c.IdentityFile = filepath.Join(dir, "keys", "device.age")
	c.KdfAlgorithm = string(envelope.KdfArgon2id)
	c.Cipher = string(envelope.CipherXChaCha20Poly1305)
	c.CloudTimeout = 30 * time.Second
	c.LogLevel = "info"
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.LicenseSecret == "" {
		return ErrNoLicenseSecret
	}
	if c.VaultDir == "" || c.VaultFileName == "" {
		return errors.New("config: vault dir and file name are required")
	}
	if c.IdentityFile == "" {
		return errors.New("config: identity file is required")
	}
	switch envelope.KdfAlg(c.KdfAlgorithm) {
	case envelope.KdfArgon2id, envelope.KdfPBKDF2SHA256:
	default:
		return fmt.Errorf("config: unknown kdf %q", c.KdfAlgorithm)
	}
	switch envelope.Cipher(c.Cipher) {
	case envelope.CipherXChaCha20Poly1305, envelope.CipherAES256GCM:
	default:
		return fmt.Errorf("config: unknown cipher %q", c.Cipher)
	}
	if c.CloudTimeout <= 0 {
		return errors.New("config: cloud timeout must be positive")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// CryptoOptions maps the configured KDF and cipher onto cryptox options
// for new vaults and re-keying.
func (c *Config) CryptoOptions() cryptox.Options {
	opts := cryptox.DefaultOptions()
	if envelope.KdfAlg(c.KdfAlgorithm) == envelope.KdfPBKDF2SHA256 {
		opts.Kdf = cryptox.PBKDF2KdfParams()
	}
	if c.Cipher != "" {
		opts.Cipher = envelope.Cipher(c.Cipher)
	}
	return opts
}

// Load builds a Config from args (without the program name) and the
// process environment, then validates it.
func Load(args []string) (*Config, error) {
	return load(args, os.Getenv)
}

func load(args []string, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()

	if err := parseJson(cfg, args); err != nil {
		return nil, err
	}
	if err := parseEnv(cfg, getenv); err != nil {
		return nil, err
	}
	if err := parseFlags(cfg, args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
