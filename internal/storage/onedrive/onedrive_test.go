package onedrive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
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

type graphItem struct {
	id, name string
	data     []byte
}

// fakeGraph serves the drive endpoints. Children are paged one per page to
// exercise @odata.nextLink.
type fakeGraph struct {
	t      *testing.T
	srvURL string
	mu     sync.Mutex
	items  []*graphItem
	nextID int
}

const prefix = "/me/drive/special/approot:/Apps/vk/"

func (f *fakeGraph) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer at-1" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch {
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, prefix) && strings.HasSuffix(r.URL.Path, ":/content"):
		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, prefix), ":/content")
		b, _ := io.ReadAll(r.Body)
		f.nextID++
		it := &graphItem{id: fmt.Sprintf("item%d", f.nextID), name: name, data: b}
		f.items = append(f.items, it)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": it.id, "name": it.name, "size": len(b)})

	case r.Method == http.MethodGet && r.URL.Path == "/me/drive/special/approot:/Apps/vk:/children":
		page := 0
		fmt.Sscanf(r.URL.Query().Get("page"), "%d", &page)
		// one foreign file and one folder are mixed in
		all := []map[string]any{
			{"id": "x", "name": "notes.txt", "size": 1, "file": map[string]any{}},
			{"id": "d", "name": "vault-20260101T000000.000000000Z.vault", "folder": map[string]any{}},
		}
		for _, it := range f.items {
			all = append(all, map[string]any{"id": it.id, "name": it.name, "size": len(it.data), "file": map[string]any{"mimeType": "application/octet-stream"}})
		}
		reply := map[string]any{"value": []map[string]any{}}
		if page < len(all) {
			reply["value"] = all[page : page+1]
		}
		if page+1 < len(all) {
			reply["@odata.nextLink"] = fmt.Sprintf("%s/me/drive/special/approot:/Apps/vk:/children?page=%d", f.srvURL, page+1)
		}
		_ = json.NewEncoder(w).Encode(reply)

	case strings.HasPrefix(r.URL.Path, "/me/drive/items/"):
		rest := strings.TrimPrefix(r.URL.Path, "/me/drive/items/")
		id := strings.TrimSuffix(rest, "/content")
		for i, it := range f.items {
			if it.id != id {
				continue
			}
			if r.Method == http.MethodDelete {
				f.items = append(f.items[:i], f.items[i+1:]...)
				w.WriteHeader(http.StatusNoContent)
				return
			}
			_, _ = w.Write(it.data)
			return
		}
		http.Error(w, `{"error":{"code":"itemNotFound"}}`, http.StatusNotFound)

	case strings.HasSuffix(r.URL.Path, ":/children"):
		http.Error(w, `{"error":{"code":"itemNotFound"}}`, http.StatusNotFound)

	case r.Method == http.MethodGet && r.URL.Path == "/me/drive":
		_, _ = w.Write([]byte(`{"id":"drive","driveType":"personal"}`))

	default:
		http.Error(w, "unexpected "+r.Method+" "+r.URL.Path, http.StatusTeapot)
	}
}

func newTestStorage(t *testing.T, folder string) (*Storage, *fakeGraph, *clock.FakeClock) {
	t.Helper()
	f := &fakeGraph{t: t}
	srv := httptest.NewServer(f)
	f.srvURL = srv.URL
	t.Cleanup(srv.Close)

	clk := clock.Fake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	s := New(Options{
		Config:     models.OAuthConfig{ClientID: "cid", AccessToken: "at-1", Folder: folder},
		Clock:      clk,
		HTTPClient: srv.Client(),
		APIBase:    srv.URL,
	})
	return s, f, clk
}

func TestStorage_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, f, clk := newTestStorage(t, "/Apps/vk/")

	require.NoError(t, s.TestConnection(ctx))

	for i := 0; i < 4; i++ {
		res, err := s.Upload(ctx, []byte(fmt.Sprintf("g%d", i)), storage.UploadMeta{RetainCount: 2})
		require.NoError(t, err)
		require.NoError(t, res.Trim.Err())
		assert.True(t, strings.HasPrefix(res.VersionID, "item"))
		clk.Advance(time.Hour)
	}
	assert.Len(t, f.items, 2)

	versions, err := s.ListVersions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "item4", versions[0].ID)

	latest, err := s.Download(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []byte("g3"), latest)

	_, err = s.RestoreVersion(ctx, "item1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStorage_MissingFolderListsEmpty(t *testing.T) {
	s, _, _ := newTestStorage(t, "elsewhere")

	versions, err := s.ListVersions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, versions)

	_, err = s.Download(context.Background(), "")
	require.ErrorIs(t, err, storage.ErrNotFound)
}
