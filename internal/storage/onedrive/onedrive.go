// Package onedrive stores vault snapshots in the app folder of a OneDrive
// account through Microsoft Graph.
package onedrive

import (
	"context"
	"encoding/json"
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
	"golang.org/x/oauth2/endpoints"
)

const DefaultAPIBase = "https://graph.microsoft.com/v1.0"

// Scopes requested for the app folder.
var Scopes = []string{"Files.ReadWrite.AppFolder", "offline_access"}

type Options struct {
	Config     models.OAuthConfig
	BaseName   string
	Logger     logging.Logger
	Clock      clock.Clock
	HTTPClient *http.Client

	// Tenant selects the Azure AD tenant; "common" by default.
	Tenant string

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
	s.log = s.log.With("provider", models.ProviderOneDrive)

	tenant := opts.Tenant
	if tenant == "" {
		tenant = "common"
	}
	ep := endpoints.AzureAD(tenant)
	if opts.Endpoint != nil {
		ep = *opts.Endpoint
	}
	s.client = storage.OAuthClient(opts.HTTPClient, s.cfg, ep, Scopes...)
	return s
}

func (s *Storage) Kind() models.ProviderKind { return models.ProviderOneDrive }

func (s *Storage) IsConfigured() bool { return storage.OAuthConfigured(&s.cfg) }

type driveItem struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Size            int64  `json:"size"`
	CreatedDateTime string `json:"createdDateTime"`
	File            *struct {
		MimeType string `json:"mimeType"`
	} `json:"file,omitempty"`
}

type childrenPage struct {
	Value    []driveItem `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

// folderPath is the escaped path below the app root, without slashes at
// either end.
func (s *Storage) folderPath() string {
	var segs []string
	for _, seg := range strings.Split(s.cfg.Folder, "/") {
		if seg != "" {
			segs = append(segs, url.PathEscape(seg))
		}
	}
	return strings.Join(segs, "/")
}

func (s *Storage) itemURL(name string) string {
	p := url.PathEscape(name)
	if f := s.folderPath(); f != "" {
		p = f + "/" + p
	}
	return s.apiBase + "/me/drive/special/approot:/" + p + ":/content"
}

func (s *Storage) childrenURL() string {
	q := "?$select=id,name,size,createdDateTime,file&$top=200"
	if f := s.folderPath(); f != "" {
		return s.apiBase + "/me/drive/special/approot:/" + f + ":/children" + q
	}
	return s.apiBase + "/me/drive/special/approot/children" + q
}

func (s *Storage) Upload(ctx context.Context, data []byte, meta storage.UploadMeta) (storage.UploadResult, error) {
	if !s.IsConfigured() {
		return storage.UploadResult{}, storage.Wrap(s.Kind(), "upload", storage.ErrNotConfigured)
	}
	meta = meta.Normalize(s.base)

	name := storage.ObjectName(meta.BaseName, s.clock.Now())
	reply, err := netx.PutBytes(ctx, s.client, s.itemURL(name)+"?@microsoft.graph.conflictBehavior=fail", data, meta.ContentType)
	if err != nil {
		return storage.UploadResult{}, storage.Wrap(s.Kind(), "upload", mapErr(err))
	}

	var item driveItem
	if err := json.Unmarshal(reply, &item); err != nil {
		return storage.UploadResult{}, storage.Wrap(s.Kind(), "upload", fmt.Errorf("decode upload reply: %w", err))
	}

	list := func(ctx context.Context) ([]storage.ProviderVersion, error) { return s.list(ctx, meta.BaseName) }

	return storage.UploadResult{
		VersionID: item.ID,
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
		URL:    s.apiBase + "/me/drive/items/" + url.PathEscape(versionID) + "/content",
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

// list walks the folder's children. Graph has no server-side prefix filter
// on this endpoint, so names are matched and sorted here. A missing folder
// means nothing was uploaded yet.
func (s *Storage) list(ctx context.Context, base string) ([]storage.ProviderVersion, error) {
	out := []storage.ProviderVersion{}

	for next := s.childrenURL(); next != ""; {
		var page childrenPage
		err := netx.DoJSON(ctx, s.client, http.MethodGet, next, nil, nil, &page)
		if netx.IsStatus(err, http.StatusNotFound) {
			return out, nil
		}
		if err != nil {
			return nil, mapErr(err)
		}

		for _, it := range page.Value {
			if it.File == nil {
				continue
			}
			created, ok := storage.ParseObjectTime(it.Name, base)
			if !ok {
				continue
			}
			out = append(out, storage.ProviderVersion{ID: it.ID, Name: it.Name, CreatedAt: created, Size: it.Size})
		}
		next = page.NextLink
	}

	storage.SortNewestFirst(out)
	return out, nil
}

func (s *Storage) delete(ctx context.Context, v storage.ProviderVersion) error {
	_, err := netx.Do(ctx, s.client, netx.Request{
		Method: http.MethodDelete,
		URL:    s.apiBase + "/me/drive/items/" + url.PathEscape(v.ID),
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
	err := netx.DoJSON(ctx, s.client, http.MethodGet, s.apiBase+"/me/drive", nil, nil, nil)
	return storage.Wrap(s.Kind(), "test", mapErr(err))
}

func mapErr(err error) error {
	if netx.IsStatus(err, http.StatusNotFound) {
		return fmt.Errorf("%w: %w", storage.ErrNotFound, err)
	}
	return err
}
