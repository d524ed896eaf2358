package supabase

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/vaultkeeper/internal/clock"
	"github.com/dmitrijs2005/vaultkeeper/internal/models"
	"github.com/dmitrijs2005/vaultkeeper/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSupabase emulates the Storage and Auth endpoints touched by the backend.
type fakeSupabase struct {
	t       *testing.T
	mu      sync.Mutex
	objects map[string][]byte
	token   string
	refresh int
	missing bool
}

func (f *fakeSupabase) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	assert.Equal(f.t, "anon-key", r.Header.Get("apikey"))

	if r.URL.Path == "/auth/v1/token" {
		assert.Equal(f.t, "refresh_token", r.URL.Query().Get("grant_type"))
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.NotEmpty(f.t, body["refresh_token"])
		f.refresh++
		f.token = "fresh-access"
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh-access", "refresh_token": "rt-rotated", "expires_in": 3600, "token_type": "bearer",
		})
		return
	}

	if got := r.Header.Get("Authorization"); got != "Bearer "+f.token {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	const objPrefix = "/storage/v1/object/"
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/storage/v1/bucket/vaults":
		if f.missing {
			http.Error(w, `{"error":"Bucket not found"}`, http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"id":"vaults","name":"vaults"}`))

	case r.Method == http.MethodPost && r.URL.Path == objPrefix+"list/vaults":
		var req listRequest
		assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(f.t, "created_at", req.SortBy.Column)

		var names []string
		for k := range f.objects {
			name, ok := strings.CutPrefix(k, req.Prefix+"/")
			if ok && strings.Contains(name, req.Search) {
				names = append(names, name)
			}
		}
		sort.Sort(sort.Reverse(sort.StringSlice(names)))
		if req.Offset > len(names) {
			names = nil
		} else {
			names = names[req.Offset:]
		}
		if len(names) > req.Limit {
			names = names[:req.Limit]
		}

		items := []map[string]any{}
		for _, n := range names {
			items = append(items, map[string]any{"name": n, "id": n, "metadata": map[string]any{"size": len(f.objects[req.Prefix+"/"+n])}})
		}
		_ = json.NewEncoder(w).Encode(items)

	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, objPrefix+"vaults/"):
		b, _ := io.ReadAll(r.Body)
		f.objects[strings.TrimPrefix(r.URL.Path, objPrefix+"vaults/")] = b
		_, _ = w.Write([]byte(`{"Key":"ok"}`))

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, objPrefix+"vaults/"):
		b, ok := f.objects[strings.TrimPrefix(r.URL.Path, objPrefix+"vaults/")]
		if !ok {
			http.Error(w, `{"statusCode":"404","error":"not_found","message":"Object not found"}`, http.StatusBadRequest)
			return
		}
		_, _ = w.Write(b)

	case r.Method == http.MethodDelete && r.URL.Path == objPrefix+"vaults":
		var body map[string][]string
		assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		for _, p := range body["prefixes"] {
			delete(f.objects, p)
		}
		_, _ = w.Write([]byte(`[]`))

	default:
		http.Error(w, "unexpected "+r.Method+" "+r.URL.Path, http.StatusTeapot)
	}
}

func newFake(t *testing.T, token string) (*fakeSupabase, *httptest.Server) {
	f := &fakeSupabase{t: t, objects: map[string][]byte{}, token: token}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func TestStorage_APIKeyFlow(t *testing.T) {
	ctx := context.Background()
	f, srv := newFake(t, "anon-key")
	clk := clock.Fake(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))

	s := New(Options{
		Config:     models.SupabaseConfig{URL: srv.URL, APIKey: "anon-key", Bucket: "vaults", Folder: "backups"},
		Clock:      clk,
		HTTPClient: srv.Client(),
	})
	require.True(t, s.IsConfigured())
	require.NoError(t, s.TestConnection(ctx))

	for i := 0; i < 4; i++ {
		res, err := s.Upload(ctx, []byte{byte('0' + i)}, storage.UploadMeta{RetainCount: 2})
		require.NoError(t, err)
		require.NoError(t, res.Trim.Err())
		clk.Advance(time.Second)
	}
	assert.Len(t, f.objects, 2)

	versions, err := s.ListVersions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.EqualValues(t, 1, versions[0].Size)

	latest, err := s.Download(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), latest)

	prev, err := s.RestoreVersion(ctx, versions[1].ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), prev)

	_, err = s.Download(ctx, "vault-20000101T000000.000000000Z.vault")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStorage_RefreshesExpiredSession(t *testing.T) {
	ctx := context.Background()
	f, srv := newFake(t, "")

	s := New(Options{
		Config: models.SupabaseConfig{
			URL: srv.URL, APIKey: "anon-key", Bucket: "vaults",
			AccessToken: "stale", RefreshToken: "rt-1", Expiry: time.Now().Add(-time.Hour),
		},
		HTTPClient: srv.Client(),
	})

	require.NoError(t, s.TestConnection(ctx))
	require.NoError(t, s.TestConnection(ctx))
	assert.Equal(t, 1, f.refresh, "token reused until expiry")
}

func TestStorage_Errors(t *testing.T) {
	ctx := context.Background()
	f, srv := newFake(t, "anon-key")
	f.missing = true

	s := New(Options{
		Config:     models.SupabaseConfig{URL: srv.URL, APIKey: "anon-key", Bucket: "vaults"},
		HTTPClient: srv.Client(),
	})
	require.ErrorIs(t, s.TestConnection(ctx), storage.ErrNotFound)

	_, err := s.Download(ctx, "")
	require.ErrorIs(t, err, storage.ErrNotFound)

	srv.Close()
	_, err = s.ListVersions(ctx)
	require.ErrorIs(t, err, storage.ErrConnection)

	unconfigured := New(Options{})
	_, err = unconfigured.Upload(ctx, nil, storage.UploadMeta{})
	require.ErrorIs(t, err, storage.ErrNotConfigured)
}
