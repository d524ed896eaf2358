// Package dropbox stores vault snapshots in a Dropbox app folder through
// the Dropbox v2 HTTP API.
package dropbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/dmitrijs2005/vaultkeeper/internal/clock"
	"github.com/dmitrijs2005/vaultkeeper/internal/logging"
	"github.com/dmitrijs2005/vaultkeeper/internal/models"
	"github.com/dmitrijs2005/vaultkeeper/internal/netx"
	"github.com/dmitrijs2005/vaultkeeper/internal/storage"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const (
	DefaultAPIBase     = "https://api.dropboxapi.com/2"
	DefaultContentBase = "https://content.dropboxapi.com/2"
)

type Options struct {
	Config     models.OAuthConfig
	BaseName   string
	Logger     logging.Logger
	Clock      clock.Clock
	HTTPClient *http.Client

	APIBase     string
	ContentBase string
	Endpoint    *oauth2.Endpoint
}

type Storage struct {
	cfg         models.OAuthConfig
	base        string
	apiBase     string
	contentBase string
	log         logging.Logger
	clock       clock.Clock
	client      *http.Client
}

var _ storage.Provider = (*Storage)(nil)

func New(opts Options) *Storage {
	s := &Storage{
		cfg:         opts.Config,
		base:        opts.BaseName,
		apiBase:     opts.APIBase,
		contentBase: opts.ContentBase,
		log:         opts.Logger,
		clock:       opts.Clock,
	}
	if s.base == "" {
		s.base = "vault"
	}
	if s.apiBase == "" {
		s.apiBase = DefaultAPIBase
	}
	if s.contentBase == "" {
		s.contentBase = DefaultContentBase
	}
	s.apiBase = strings.TrimRight(s.apiBase, "/")
	s.contentBase = strings.TrimRight(s.contentBase, "/")
	if s.log == nil {
		s.log = logging.Discard()
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	s.log = s.log.With("provider", models.ProviderDropbox)

	ep := endpoints.Dropbox
	if opts.Endpoint != nil {
		ep = *opts.Endpoint
	}
	s.client = storage.OAuthClient(opts.HTTPClient, s.cfg, ep)
	return s
}

func (s *Storage) Kind() models.ProviderKind { return models.ProviderDropbox }

func (s *Storage) IsConfigured() bool { return storage.OAuthConfigured(&s.cfg) }

// folder is the Dropbox path of the snapshot folder: "" for the app root,
// otherwise "/a/b".
func (s *Storage) folder() string {
	f := strings.Trim(s.cfg.Folder, "/")
	if f == "" {
		return ""
	}
	return "/" + f
}

func (s *Storage) filePath(name string) string {
	return path.Join("/", s.folder(), name)
}

// apiArg encodes v for the Dropbox-API-Arg header. Non-ASCII characters
// must be escaped for the header to be valid.
func apiArg(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, r := range string(b) {
		switch {
		case r > 0xffff:
			r1, r2 := utf16.EncodeRune(r)
			fmt.Fprintf(&sb, `\u%04x\u%04x`, r1, r2)
		case r > 0x7e:
			fmt.Fprintf(&sb, `\u%04x`, r)
		default:
			sb.WriteRune(r)
		}
		sb.WriteRune(r)
	}
	return sb.String(), nil
}

func (s *Storage) content(ctx context.Context, endpoint string, arg any, body []byte, contentType string) ([]byte, error) {
	a, err := apiArg(arg)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Dropbox-API-Arg", a)
	return netx.Do(ctx, s.client, netx.Request{
		Method:      http.MethodPost,
		URL:         s.contentBase + endpoint,
		Header:      h,
		Body:        body,
		ContentType: contentType,
	})
}

type fileMetadata struct {
	Tag            string    `json:".tag"`
	Name           string    `json:"name"`
	ID             string    `json:"id"`
	PathDisplay    string    `json:"path_display"`
	Size           int64     `json:"size"`
	ServerModified time.Time `json:"server_modified"`
}

func (s *Storage) Upload(ctx context.Context, data []byte, meta storage.UploadMeta) (storage.UploadResult, error) {
	if !s.IsConfigured() {
		return storage.UploadResult{}, storage.Wrap(s.Kind(), "upload", storage.ErrNotConfigured)
	}
	meta = meta.Normalize(s.base)

	name := storage.ObjectName(meta.BaseName, s.clock.Now())
	arg := map[string]any{"path": s.filePath(name), "mode": "add", "autorename": false, "mute": true}

	// the upload endpoint only accepts application/octet-stream
	if _, err := s.content(ctx, "/files/upload", arg, data, "application/octet-stream"); err != nil {
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

	b, err := s.content(ctx, "/files/download", map[string]string{"path": s.filePath(versionID)}, nil, "")
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

type listFolderReply struct {
	Entries []fileMetadata `json:"entries"`
	Cursor  string         `json:"cursor"`
	HasMore bool           `json:"has_more"`
}

func (s *Storage) list(ctx context.Context, base string) ([]storage.ProviderVersion, error) {
	out := []storage.ProviderVersion{}

	var reply listFolderReply
	err := netx.DoJSON(ctx, s.client, http.MethodPost, s.apiBase+"/files/list_folder", nil,
		map[string]any{"path": s.folder(), "limit": 200}, &reply)
	if isPathNotFound(err) {
		return out, nil
	}

	for {
		if err != nil {
			return nil, mapErr(err)
		}

		for _, e := range reply.Entries {
			if e.Tag != "file" {
				continue
			}
			created, ok := storage.ParseObjectTime(e.Name, base)
			if !ok {
				continue
			}
			out = append(out, storage.ProviderVersion{ID: e.Name, Name: e.Name, CreatedAt: created, Size: e.Size})
		}

		if !reply.HasMore {
			break
		}
		cursor := reply.Cursor
		reply = listFolderReply{}
		err = netx.DoJSON(ctx, s.client, http.MethodPost, s.apiBase+"/files/list_folder/continue", nil,
			map[string]string{"cursor": cursor}, &reply)
	}

	storage.SortNewestFirst(out)
	return out, nil
}

func (s *Storage) delete(ctx context.Context, v storage.ProviderVersion) error {
	err := netx.DoJSON(ctx, s.client, http.MethodPost, s.apiBase+"/files/delete_v2", nil,
		map[string]string{"path": s.filePath(v.ID)}, nil)
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
	_, err := netx.Do(ctx, s.client, netx.Request{Method: http.MethodPost, URL: s.apiBase + "/users/get_current_account"})
	return storage.Wrap(s.Kind(), "test", mapErr(err))
}

// isPathNotFound matches the 409 "path/not_found" (or "path_lookup/not_found")
// error Dropbox returns for missing files and folders.
func isPathNotFound(err error) bool {
	var se *netx.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusConflict {
		return false
	}
	return strings.Contains(se.Body, "not_found")
}

func mapErr(err error) error {
	if isPathNotFound(err) {
		return fmt.Errorf("%w: %w", storage.ErrNotFound, err)
	}
	return err
}
