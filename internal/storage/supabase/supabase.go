// Package supabase stores vault snapshots in a Supabase Storage bucket.
package supabase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/dmitrijs2005/vaultkeeper/internal/clock"
	"github.com/dmitrijs2005/vaultkeeper/internal/logging"
	"github.com/dmitrijs2005/vaultkeeper/internal/models"
	"github.com/dmitrijs2005/vaultkeeper/internal/netx"
	"github.com/dmitrijs2005/vaultkeeper/internal/storage"
	"golang.org/x/oauth2"
)

const listPageSize = 100

type Options struct {
	Config     models.SupabaseConfig
	BaseName   string
	Logger     logging.Logger
	Clock      clock.Clock
	HTTPClient *http.Client
}

type Storage struct {
	cfg    models.SupabaseConfig
	base   string
	log    logging.Logger
	clock  clock.Clock
	client *http.Client
}

var _ storage.Provider = (*Storage)(nil)

func New(opts Options) *Storage {
	s := &Storage{cfg: opts.Config, base: opts.BaseName, log: opts.Logger, clock: opts.Clock}
	if s.base == "" {
		s.base = "vault"
	}
	if s.log == nil {
		s.log = logging.Discard()
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	s.log = s.log.With("provider", models.ProviderSupabase, "bucket", s.cfg.Bucket)

	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	s.client = &http.Client{
		Timeout:   hc.Timeout,
		Transport: &oauth2.Transport{Source: s.tokenSource(hc), Base: hc.Transport},
	}
	return s
}

// tokenSource uses the user session when a refresh token is configured and
// falls back to the project API key otherwise.
func (s *Storage) tokenSource(hc *http.Client) oauth2.TokenSource {
	if s.cfg.RefreshToken == "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: s.cfg.APIKey, TokenType: "Bearer"})
	}

	initial := &oauth2.Token{
		AccessToken:  s.cfg.AccessToken,
		RefreshToken: s.cfg.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       s.cfg.Expiry,
	}
	return oauth2.ReuseTokenSource(initial, &refresher{
		client:       hc,
		baseURL:      s.cfg.URL,
		apiKey:       s.cfg.APIKey,
		refreshToken: s.cfg.RefreshToken,
		now:          s.clock.Now,
	})
}

func (s *Storage) Kind() models.ProviderKind { return models.ProviderSupabase }

func (s *Storage) IsConfigured() bool {
	return s.cfg.URL != "" && s.cfg.APIKey != "" && s.cfg.Bucket != ""
}

func (s *Storage) endpoint(parts ...string) string {
	escaped := make([]string, 0, len(parts))
	for _, p := range parts {
		for _, seg := range strings.Split(p, "/") {
			if seg != "" {
				escaped = append(escaped, url.PathEscape(seg))
			}
		}
	}
	return strings.TrimRight(s.cfg.URL, "/") + "/storage/v1/" + strings.Join(escaped, "/")
}

func (s *Storage) folder() string { return strings.Trim(s.cfg.Folder, "/") }

func (s *Storage) objectPath(name string) string {
	if f := s.folder(); f != "" {
		return f + "/" + name
	}
	return name
}

func (s *Storage) header() http.Header {
	h := http.Header{}
	h.Set("apikey", s.cfg.APIKey)
	return h
}

func (s *Storage) Upload(ctx context.Context, data []byte, meta storage.UploadMeta) (storage.UploadResult, error) {
	if !s.IsConfigured() {
		return storage.UploadResult{}, storage.Wrap(s.Kind(), "upload", storage.ErrNotConfigured)
	}
	meta = meta.Normalize(s.base)

	name := storage.ObjectName(meta.BaseName, s.clock.Now())
	h := s.header()
	h.Set("x-upsert", "false")

	_, err := netx.Do(ctx, s.client, netx.Request{
		Method:      http.MethodPost,
		URL:         s.endpoint("object", s.cfg.Bucket, s.objectPath(name)),
		Header:      h,
		Body:        data,
		ContentType: meta.ContentType,
	})
	if err != nil {
		return storage.UploadResult{}, storage.Wrap(s.Kind(), "upload", mapErr(err))
	}

	list := func(ctx context.Context) ([]storage.ProviderVersion, error) { return s.list(ctx, meta.BaseName) }

	return storage.UploadResult{
		VersionID: name,
		Trim:      storage.ApplyRetention(ctx, s.log, list, s.delete, meta.RetainCount),
	}, nil
}

func (s *Storage) Download(ctx context.Context, versionID string) ([]byte, error) {
	if !s.IsConfigured() {
		return nil, storage.Wrap(s.Kind(), "download", storage.ErrNotConfigured)
	}

	if versionID == "" {
		id, err := storage.LatestID(ctx, func(ctx context.Context) ([]storage.ProviderVersion, error) {
			return s.list(ctx, s.base)
		})
		if err != nil {
			return nil, storage.Wrap(s.Kind(), "download", err)
		}
		versionID = id
	} else if err := storage.ValidateVersionID(versionID); err != nil {
		return nil, storage.Wrap(s.Kind(), "download", err)
	}

	b, err := netx.Do(ctx, s.client, netx.Request{
		Method: http.MethodGet,
		URL:    s.endpoint("object", s.cfg.Bucket, s.objectPath(versionID)),
		Header: s.header(),
	})
	if err != nil {
		return nil, storage.Wrap(s.Kind(), "download", mapErr(err))
	}
	return b, nil
}

func (s *Storage) ListVersions(ctx context.Context) ([]storage.ProviderVersion, error) {
	if !s.IsConfigured() {
		return nil, storage.Wrap(s.Kind(), "list", storage.ErrNotConfigured)
	}
	out, err := s.list(ctx, s.base)
	return out, storage.Wrap(s.Kind(), "list", err)
}

type listRequest struct {
	Prefix string     `json:"prefix"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
	SortBy listSortBy `json:"sortBy"`
	Search string     `json:"search"`
}

type listSortBy struct {
	Column string `json:"column"`
	Order  string `json:"order"`
}

type listItem struct {
	Name     string `json:"name"`
	ID       string `json:"id"`
	Metadata struct {
		Size int64 `json:"size"`
	} `json:"metadata"`
}

func (s *Storage) list(ctx context.Context, base string) ([]storage.ProviderVersion, error) {
	out := []storage.ProviderVersion{}

	for offset := 0; ; offset += listPageSize {
		req := listRequest{
			Prefix: s.folder(),
			Limit:  listPageSize,
			Offset: offset,
			SortBy: listSortBy{Column: "created_at", Order: "desc"},
			Search: base + "-",
		}

		var page []listItem
		if err := netx.DoJSON(ctx, s.client, http.MethodPost, s.endpoint("object", "list", s.cfg.Bucket), s.header(), req, &page); err != nil {
			return nil, mapErr(err)
		}

		for _, it := range page {
			created, ok := storage.ParseObjectTime(it.Name, base)
			if !ok {
				continue
			}
			out = append(out, storage.ProviderVersion{ID: it.Name, Name: it.Name, CreatedAt: created, Size: it.Metadata.Size})
		}

		if len(page) < listPageSize {
			break
		}
	}

	storage.SortNewestFirst(out)
	return out, nil
}

func (s *Storage) delete(ctx context.Context, v storage.ProviderVersion) error {
	body := map[string][]string{"prefixes": {s.objectPath(v.ID)}}
	err := netx.DoJSON(ctx, s.client, http.MethodDelete, s.endpoint("object", s.cfg.Bucket), s.header(), body, nil)
	return mapErr(err)
}

func (s *Storage) RestoreVersion(ctx context.Context, versionID string) ([]byte, error) {
	if versionID == "" {
		return nil, storage.Wrap(s.Kind(), "restore", storage.ErrInvalidVersionID)
	}
	return s.Download(ctx, versionID)
}

func (s *Storage) TestConnection(ctx context.Context) error {
	if !s.IsConfigured() {
		return storage.Wrap(s.Kind(), "test", storage.ErrNotConfigured)
	}
	_, err := netx.Do(ctx, s.client, netx.Request{
		Method: http.MethodGet,
		URL:    s.endpoint("bucket", s.cfg.Bucket),
		Header: s.header(),
	})
	return storage.Wrap(s.Kind(), "test", mapErr(err))
}

// mapErr maps Storage API replies onto storage sentinels. The API reports
// a missing object either as 404 or as 400 with a not_found body.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var se *netx.StatusError
	if errors.As(err, &se) {
		if se.StatusCode == http.StatusNotFound ||
			(se.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(se.Body), "not_found")) {
			return fmt.Errorf("%w: %w", storage.ErrNotFound, err)
		}
	}
	return err
}
