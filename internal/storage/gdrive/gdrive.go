// Package gdrive stores vault snapshots as files in Google Drive through
// the Drive v3 REST API.
package gdrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/dmitrijs2005/vaultkeeper/internal/clock"
	"github.com/dmitrijs2005/vaultkeeper/internal/logging"
	"github.com/dmitrijs2005/vaultkeeper/internal/models"
	"github.com/dmitrijs2005/vaultkeeper/internal/netx"
	"github.com/dmitrijs2005/vaultkeeper/internal/storage"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const (
	DefaultAPIBase = "https://www.googleapis.com"

	// Scope limits access to files created by this app.
	Scope = "https://www.googleapis.com/auth/drive.file"
)

type Options struct {
	Config     models.OAuthConfig
	BaseName   string
	Logger     logging.Logger
	Clock      clock.Clock
	HTTPClient *http.Client

	// APIBase and Endpoint override the Google URLs in tests.
	APIBase  string
	Endpoint *oauth2.Endpoint
}

type Storage struct {
	cfg     models.OAuthConfig
	base    string
	apiBase string
	log     logging.Logger
	clock   clock.Clock
	client  *http.Client
}

var _ storage.Provider = (*Storage)(nil)

func New(opts Options) *Storage {
	s := &Storage{cfg: opts.Config, base: opts.BaseName, apiBase: opts.APIBase, log: opts.Logger, clock: opts.Clock}
	if s.base == "" {
		s.base = "vault"
	}
	if s.apiBase == "" {
		s.apiBase = DefaultAPIBase
	}
	s.apiBase = strings.TrimRight(s.apiBase, "/")
	if s.log == nil {
		s.log = logging.Discard()
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	s.log = s.log.With("provider", models.ProviderGoogleDrive)

	ep := endpoints.Google
	if opts.Endpoint != nil {
		ep = *opts.Endpoint
	}
	s.client = storage.OAuthClient(opts.HTTPClient, s.cfg, ep, Scope)
	return s
}

func (s *Storage) Kind() models.ProviderKind { return models.ProviderGoogleDrive }

func (s *Storage) IsConfigured() bool { return storage.OAuthConfigured(&s.cfg) }

type driveFile struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	CreatedTime time.Time `json:"createdTime"`
	Size        int64     `json:"size,string"`
}

type fileList struct {
	NextPageToken string      `json:"nextPageToken"`
	Files         []driveFile `json:"files"`
}

func (s *Storage) Upload(ctx context.Context, data []byte, meta storage.UploadMeta) (storage.UploadResult, error) {
	if !s.IsConfigured() {
		return storage.UploadResult{}, storage.Wrap(s.Kind(), "upload", storage.ErrNotConfigured)
	}
	meta = meta.Normalize(s.base)

	name := storage.ObjectName(meta.BaseName, s.clock.Now())
	body, contentType, err := multipartBody(name, s.cfg.Folder, meta.ContentType, data)
	if err != nil {
		return storage.UploadResult{}, storage.Wrap(s.Kind(), "upload", err)
	}

	reply, err := netx.Do(ctx, s.client, netx.Request{
		Method:      http.MethodPost,
		URL:         s.apiBase + "/upload/drive/v3/files?uploadType=multipart&fields=id,name",
		Body:        body,
		ContentType: contentType,
	})
	if err != nil {
		return storage.UploadResult{}, storage.Wrap(s.Kind(), "upload", mapErr(err))
	}

	var created driveFile
	if err := json.Unmarshal(reply, &created); err != nil {
		return storage.UploadResult{}, storage.Wrap(s.Kind(), "upload", fmt.Errorf("decode upload reply: %w", err))
	}

	list := func(ctx context.Context) ([]storage.ProviderVersion, error) { return s.list(ctx, meta.BaseName) }

	return storage.UploadResult{
		VersionID: created.ID,
		Trim:      storage.ApplyRetention(ctx, s.log, list, s.delete, meta.RetainCount),
	}, nil
}

// multipartBody builds a multipart/related upload: JSON metadata, then content.
func multipartBody(name, folder, contentType string, data []byte) ([]byte, string, error) {
	md := map[string]any{"name": name, "mimeType": contentType}
	if folder != "" {
		md["parents"] = []string{folder}
	}
	mdJSON, err := json.Marshal(md)
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json; charset=UTF-8"}})
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(mdJSON); err != nil {
		return nil, "", err
	}

	part, err = w.CreatePart(textproto.MIMEHeader{"Content-Type": {contentType}})
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), "multipart/related; boundary=" + w.Boundary(), nil
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
		URL:    s.apiBase + "/drive/v3/files/" + url.PathEscape(versionID) + "?alt=media",
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

func (s *Storage) query(base string) string {
	q := fmt.Sprintf("name contains '%s-' and trashed = false", escapeQuery(base))
	if s.cfg.Folder != "" {
		q += fmt.Sprintf(" and '%s' in parents", escapeQuery(s.cfg.Folder))
	}
	return q
}

func escapeQuery(v string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v)
}

func (s *Storage) list(ctx context.Context, base string) ([]storage.ProviderVersion, error) {
	out := []storage.ProviderVersion{}
	pageToken := ""

	for {
		q := url.Values{}
		q.Set("q", s.query(base))
		q.Set("orderBy", "createdTime desc")
		q.Set("fields", "nextPageToken,files(id,name,createdTime,size)")
		q.Set("pageSize", "100")
		q.Set("spaces", "drive")
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var page fileList
		if err := netx.DoJSON(ctx, s.client, http.MethodGet, s.apiBase+"/drive/v3/files?"+q.Encode(), nil, nil, &page); err != nil {
			return nil, mapErr(err)
		}

		for _, f := range page.Files {
			created, ok := storage.ParseObjectTime(f.Name, base)
			if !ok {
				continue
			}
			out = append(out, storage.ProviderVersion{ID: f.ID, Name: f.Name, CreatedAt: created, Size: f.Size})
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	storage.SortNewestFirst(out)
	return out, nil
}

func (s *Storage) delete(ctx context.Context, v storage.ProviderVersion) error {
	_, err := netx.Do(ctx, s.client, netx.Request{
		Method: http.MethodDelete,
		URL:    s.apiBase + "/drive/v3/files/" + url.PathEscape(v.ID),
	})
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
	err := netx.DoJSON(ctx, s.client, http.MethodGet, s.apiBase+"/drive/v3/about?fields=user", nil, nil, nil)
	return storage.Wrap(s.Kind(), "test", mapErr(err))
}

func mapErr(err error) error {
	if netx.IsStatus(err, http.StatusNotFound) {
		return fmt.Errorf("%w: %w", storage.ErrNotFound, err)
	}
	return err
}
