package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dmitrijs2005/vaultkeeper/internal/flagx"
	"github.com/dmitrijs2005/vaultkeeper/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Pointer
// fields distinguish "absent" from a zero value so that a partial file only
// overrides what it names.
type JsonConfig struct {
	VaultDir      *string         `json:"vault_dir"`
	VaultFileName *string         `json:"vault_file_name"`
	LocalKeepLast *int            `json:"local_keep_last"`
	RetainCount   *int            `json:"retain_count"`
	MetadataDSN   *string         `json:"metadata_dsn"`
	IdentityFile  *string         `json:"identity_file"`
	LicenseSecret *string         `json:"license_secret"`
	KdfAlgorithm  *string         `json:"kdf"`
	Cipher        *string         `json:"cipher"`
	CloudTimeout  *timex.Duration `json:"cloud_timeout"`
	LogLevel      *string         `json:"log_level"`
}

// parseJson overlays cfg with the JSON file named by -c / -config, if any.
func parseJson(cfg *Config, args []string) error {
	path := flagx.ConfigFileFlag(args)
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	var jc JsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	set(&cfg.VaultDir, jc.VaultDir)
	set(&cfg.VaultFileName, jc.VaultFileName)
	set(&cfg.LocalKeepLast, jc.LocalKeepLast)
	set(&cfg.RetainCount, jc.RetainCount)
	set(&cfg.MetadataDSN, jc.MetadataDSN)
	set(&cfg.IdentityFile, jc.IdentityFile)
	set(&cfg.LicenseSecret, jc.LicenseSecret)
	set(&cfg.KdfAlgorithm, jc.KdfAlgorithm)
	set(&cfg.Cipher, jc.Cipher)
	set(&cfg.LogLevel, jc.LogLevel)
	if jc.CloudTimeout != nil {
		cfg.CloudTimeout = jc.CloudTimeout.Duration
	}
	return nil
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
