package envelope

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleFile() *File {
	return &File{
		Header: Header{
			Magic:   Magic,
			Version: FormatVersion,
			Kdf: KdfParams{
				Alg:    KdfArgon2id,
				Params: KdfCost{KeyLength: 32, TimeCost: 3, MemoryCost: 64 * 1024, Parallelism: 4},
			},
			Salt:   []byte("0123456789abcdef"),
			Nonce:  []byte("nonce-nonce-nonce-nonce!"),
			Cipher: CipherXChaCha20Poly1305,
		},
		Ciphertext: []byte{0xde, 0xad, 0xbe, 0xef},
	}
}

func TestSerializeParse_RoundTrip(t *testing.T) {
	f := sampleFile()

	b, err := Serialize(f)
	require.NoError(t, err)

	got, err := Parse(b)
	require.NoError(t, err)

	if diff := cmp.Diff(f, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	// re-serialising a parsed file is byte identical
	again, err := Serialize(got)
	require.NoError(t, err)
	assert.Equal(t, b, again)
}

func TestSerialize_DetachedTagKept(t *testing.T) {
	f := sampleFile()
	f.Header.Tag = []byte("0123456789abcdef")

	b, err := Serialize(f)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"tag"`)

	got, err := Parse(b)
	require.NoError(t, err)
	assert.Equal(t, f.Header.Tag, got.Header.Tag)
}

func TestSerialize_Nil(t *testing.T) {
	_, err := Serialize(nil)
	require.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestParse_IgnoresUnknownFields(t *testing.T) {
	b, err := Serialize(sampleFile())
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	raw["comment"] = "written by a newer client"
	raw["header"].(map[string]any)["hint"] = 42

	extended, err := json.Marshal(raw)
	require.NoError(t, err)

	got, err := Parse(extended)
	require.NoError(t, err)
	assert.Equal(t, sampleFile().Ciphertext, got.Ciphertext)
}

func TestParse_Malformed(t *testing.T) {
	mutate := func(fn func(f *File)) []byte {
		f := sampleFile()
		fn(f)
		b, err := json.Marshal(f)
		require.NoError(t, err)
		return b
	}

	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"not json", []byte("VKVAULT but not json")},
		{"wrong type", []byte(`{"header":{"magic":"VKVAULT","version":"one"}}`)},
		{"bad magic", mutate(func(f *File) { f.Header.Magic = "OTHER" })},
		{"future version", mutate(func(f *File) { f.Header.Version = FormatVersion + 1 })},
		{"zero version", mutate(func(f *File) { f.Header.Version = 0 })},
		{"no kdf alg", mutate(func(f *File) { f.Header.Kdf.Alg = "" })},
		{"no key length", mutate(func(f *File) { f.Header.Kdf.Params.KeyLength = 0 })},
		{"no salt", mutate(func(f *File) { f.Header.Salt = nil })},
		{"no nonce", mutate(func(f *File) { f.Header.Nonce = nil })},
		{"no cipher", mutate(func(f *File) { f.Header.Cipher = "" })},
		{"no ciphertext", mutate(func(f *File) { f.Ciphertext = nil })},
		{"bad base64", []byte(`{"header":{"magic":"VKVAULT","version":1,"salt":"%%%"},"ciphertext":"AA=="}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.in)
			require.ErrorIs(t, err, ErrMalformedEnvelope)
			assert.True(t, strings.HasPrefix(err.Error(), "envelope: "), err.Error())
		})
	}
}

func TestFile_Clone(t *testing.T) {
	f := sampleFile()
	c := f.Clone()
	require.Equal(t, f, c)

	c.Header.Salt[0] = 'X'
	c.Ciphertext[0] = 0
	assert.Equal(t, byte('0'), f.Header.Salt[0])
	assert.Equal(t, byte(0xde), f.Ciphertext[0])

	var nilFile *File
	assert.Nil(t, nilFile.Clone())
}
