package providers

import (
	"testing"

	"github.com/dmitrijs2005/vaultkeeper/internal/models"
	"github.com/dmitrijs2005/vaultkeeper/internal/storage"
	"github.com/dmitrijs2005/vaultkeeper/internal/storage/local"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_EveryKind(t *testing.T) {
	deps := Deps{Local: local.New(local.Options{Dir: t.TempDir(), FileName: "v.vault"}), BaseName: "vault"}

	for _, kind := range models.AllProviderKinds() {
		t.Run(string(kind), func(t *testing.T) {
			p, err := New(models.ProviderConfigs{Active: kind}, deps)
			require.NoError(t, err)
			assert.Equal(t, kind, p.Kind())
			// cloud backends without settings stay unconfigured
			assert.Equal(t, kind == models.ProviderLocal, p.IsConfigured())
		})
	}
}

func TestNew_Configured(t *testing.T) {
	cfg := models.ProviderConfigs{
		Active: models.ProviderS3,
		S3:     &models.S3Config{Region: "eu-west-1", Bucket: "b", AccessKeyID: "k", SecretAccessKey: "s"},
	}
	p, err := New(cfg, Deps{})
	require.NoError(t, err)
	assert.True(t, p.IsConfigured())

	cfg = models.ProviderConfigs{
		Active:  models.ProviderDropbox,
		Dropbox: &models.OAuthConfig{ClientID: "app", RefreshToken: "rt"},
	}
	p, err = New(cfg, Deps{})
	require.NoError(t, err)
	assert.True(t, p.IsConfigured())
}

func TestNew_EmptyActiveIsLocal(t *testing.T) {
	l := local.New(local.Options{Dir: t.TempDir(), FileName: "v.vault"})
	p, err := New(models.ProviderConfigs{}, Deps{Local: l})
	require.NoError(t, err)
	assert.Same(t, l, p)

	_, err = New(models.ProviderConfigs{}, Deps{})
	require.ErrorIs(t, err, storage.ErrNotConfigured)
}

func TestNew_UnknownKind(t *testing.T) {
	_, err := New(models.ProviderConfigs{Active: "ftp"}, Deps{})
	require.Error(t, err)
}
