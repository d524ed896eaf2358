package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVaultEntry_Validate(t *testing.T) {
	ok := VaultEntry{ID: "1", Name: "mail", Password: "pw"}
	require.NoError(t, ok.Validate())

	tests := []VaultEntry{
		{Name: "mail", Password: "pw"},
		{ID: "1", Name: "  ", Password: "pw"},
		{ID: "1", Name: "mail"},
	}
	for _, e := range tests {
		require.ErrorIs(t, e.Validate(), ErrInvalidEntry)
	}
}

func TestParseProviderKind(t *testing.T) {
	k, err := ParseProviderKind("")
	require.NoError(t, err)
	assert.Equal(t, ProviderLocal, k)

	k, err = ParseProviderKind("dropbox")
	require.NoError(t, err)
	assert.Equal(t, ProviderDropbox, k)
	assert.True(t, k.IsCloud())
	assert.False(t, ProviderLocal.IsCloud())

	_, err = ParseProviderKind("ftp")
	require.Error(t, err)
}

func TestProviderConfigs_EffectiveRetainCount(t *testing.T) {
	assert.Equal(t, DefaultRetainCount, ProviderConfigs{}.EffectiveRetainCount())
	assert.Equal(t, 1, ProviderConfigs{RetainCount: -3}.EffectiveRetainCount())
	assert.Equal(t, 4, ProviderConfigs{RetainCount: 4}.EffectiveRetainCount())
	assert.Equal(t, ProviderLocal, ProviderConfigs{}.ActiveKind())
}

func TestEncodeDecodePayload(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewVaultPayload(now)
	p.Entries = append(p.Entries, VaultEntry{
		ID: "a", Name: "bank", Password: "s3cret", Username: "me", CreatedAt: now, UpdatedAt: now,
	})
	p.Providers = ProviderConfigs{Active: ProviderS3, S3: &S3Config{Bucket: "b", Region: "eu-west-1"}}

	b, err := EncodePayload(p)
	require.NoError(t, err)

	got, dropped, err := DecodePayload(b)
	require.NoError(t, err)
	assert.Zero(t, dropped)
	assert.Equal(t, p, got)
}

func TestDecodePayload_UnknownVersion(t *testing.T) {
	p := NewVaultPayload(time.Now())
	p.Meta.VaultVersion = 99
	b, err := json.Marshal(p)
	require.NoError(t, err)

	_, _, err = DecodePayload(b)
	require.ErrorIs(t, err, ErrUnsupportedVaultVersion)
}

func TestDecodePayload_DropsInvalidEntries(t *testing.T) {
	raw := `{"entries":[{"id":"1","name":"ok","password":"x"},{"id":"","name":"broken","password":"y"}],
		"providers":{"active":"local"},"meta":{"vaultVersion":1}}`

	got, dropped, err := DecodePayload([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	require.Len(t, got.Entries, 1)
	assert.Equal(t, "ok", got.Entries[0].Name)
}

func TestVaultPayload_CloneIsDeep(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	p := NewVaultPayload(time.Now())
	p.Entries = append(p.Entries, VaultEntry{ID: "1", Name: "n", Password: "p"})
	p.Providers.S3 = &S3Config{Bucket: "orig"}
	p.Session = &AppAccountSession{Email: "a@b", License: &LicenseStatus{IsPremium: true, ExpiresAt: &exp}}

	c := p.Clone()
	c.Entries[0].Name = "changed"
	c.Providers.S3.Bucket = "changed"
	c.Session.License.Plan = "changed"

	assert.Equal(t, "n", p.Entries[0].Name)
	assert.Equal(t, "orig", p.Providers.S3.Bucket)
	assert.Empty(t, p.Session.License.Plan)
}

func TestLicenseStatus_Active(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.False(t, LicenseStatus{}.Active(now))
	assert.True(t, LicenseStatus{IsPremium: true}.Active(now))
	assert.True(t, LicenseStatus{IsPremium: true, ExpiresAt: &future}.Active(now))
	assert.False(t, LicenseStatus{IsPremium: true, ExpiresAt: &past}.Active(now))
}
