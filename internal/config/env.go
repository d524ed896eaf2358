package config

import (
	"fmt"
	"strconv"
	"time"
)

const envPrefix = "VAULTKEEPER_"

// parseEnv overlays cfg with VAULTKEEPER_* variables. Empty values are
// treated as unset.
func parseEnv(cfg *Config, getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v := getenv(envPrefix + name)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = n
		return nil
	}

	str("VAULT_DIR", &cfg.VaultDir)
	str("VAULT_FILE", &cfg.VaultFileName)
	str("METADATA_DSN", &cfg.MetadataDSN)
	str("IDENTITY_FILE", &cfg.IdentityFile)
	str("LICENSE_SECRET", &cfg.LicenseSecret)
	str("KDF", &cfg.KdfAlgorithm)
	str("CIPHER", &cfg.Cipher)
	str("LOG_LEVEL", &cfg.LogLevel)

	if err := num("LOCAL_KEEP_LAST", &cfg.LocalKeepLast); err != nil {
		return err
	}
	if err := num("RETAIN_COUNT", &cfg.RetainCount); err != nil {
		return err
	}

	if v := getenv(envPrefix + "CLOUD_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sCLOUD_TIMEOUT: %w", envPrefix, err)
		}
		cfg.CloudTimeout = d
	}
	return nil
}
