// Package s3 stores vault snapshots as objects in an S3 compatible bucket
// (AWS S3, MinIO, R2).
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/dmitrijs2005/vaultkeeper/internal/clock"
	"github.com/dmitrijs2005/vaultkeeper/internal/logging"
	"github.com/dmitrijs2005/vaultkeeper/internal/models"
	"github.com/dmitrijs2005/vaultkeeper/internal/storage"
)

// API is the part of the S3 client used here.
type API interface {
	PutObject(ctx context.Context, in *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *awss3.ListObjectsV2Input, optFns ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *awss3.DeleteObjectInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, in *awss3.HeadBucketInput, optFns ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error)
}

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*awss3.Options)) API {
		return awss3.NewFromConfig(cfg, optFns...)
	}
)

type Options struct {
	Config   models.S3Config
	BaseName string
	Logger   logging.Logger
	Clock    clock.Clock

	// Client overrides the SDK client, mostly for tests.
	Client API
}

type Storage struct {
	cfg    models.S3Config
	base   string
	log    logging.Logger
	clock  clock.Clock
	client API
}

var _ storage.Provider = (*Storage)(nil)

func New(opts Options) *Storage {
	s := &Storage{
		cfg:    opts.Config,
		base:   opts.BaseName,
		log:    opts.Logger,
		clock:  opts.Clock,
		client: opts.Client,
	}
	if s.base == "" {
		s.base = "vault"
	}
	if s.log == nil {
		s.log = logging.Discard()
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	s.log = s.log.With("provider", models.ProviderS3, "bucket", s.cfg.Bucket)
	return s
}

func (s *Storage) Kind() models.ProviderKind { return models.ProviderS3 }

func (s *Storage) IsConfigured() bool {
	c := s.cfg
	return c.Bucket != "" && c.Region != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

func (s *Storage) api(ctx context.Context) (API, error) {
	if !s.IsConfigured() {
		return nil, storage.ErrNotConfigured
	}
	if s.client != nil {
		return s.client, nil
	}

	creds := aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
		s.cfg.AccessKeyID,
		s.cfg.SecretAccessKey,
		"",
	))

	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(s.cfg.Region),
		config.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s.client = newS3ClientFromConfig(cfg, func(o *awss3.Options) {
		if s.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.cfg.Endpoint)
		}
		o.UsePathStyle = s.cfg.UsePathStyle
	})
	return s.client, nil
}

// prefix returns the configured key prefix with a trailing slash.
func (s *Storage) prefix() string {
	p := strings.Trim(s.cfg.Prefix, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

func (s *Storage) key(name string) string { return s.prefix() + name }

func (s *Storage) Upload(ctx context.Context, data []byte, meta storage.UploadMeta) (storage.UploadResult, error) {
	meta = meta.Normalize(s.base)

	c, err := s.api(ctx)
	if err != nil {
		return storage.UploadResult{}, storage.Wrap(s.Kind(), "upload", err)
	}

	name := storage.ObjectName(meta.BaseName, s.clock.Now())
	_, err = c.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(s.key(name)),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(meta.ContentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return storage.UploadResult{}, storage.Wrap(s.Kind(), "upload", mapErr(err))
	}

	list := func(ctx context.Context) ([]storage.ProviderVersion, error) {
		return s.list(ctx, c, meta.BaseName)
	}
	del := func(ctx context.Context, v storage.ProviderVersion) error {
		_, err := c.DeleteObject(ctx, &awss3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(s.key(v.ID)),
		})
		return mapErr(err)
	}

	return storage.UploadResult{
		VersionID: name,
		Trim:      storage.ApplyRetention(ctx, s.log, list, del, meta.RetainCount),
	}, nil
}

func (s *Storage) Download(ctx context.Context, versionID string) ([]byte, error) {
	c, err := s.api(ctx)
	if err != nil {
		return nil, storage.Wrap(s.Kind(), "download", err)
	}

	if versionID == "" {
		versionID, err = storage.LatestID(ctx, func(ctx context.Context) ([]storage.ProviderVersion, error) {
			return s.list(ctx, c, s.base)
		})
		if err != nil {
			return nil, storage.Wrap(s.Kind(), "download", err)
		}
	} else if err := storage.ValidateVersionID(versionID); err != nil {
		return nil, storage.Wrap(s.Kind(), "download", err)
	}

	out, err := c.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(versionID)),
	})
	if err != nil {
		return nil, storage.Wrap(s.Kind(), "download", mapErr(err))
	}
	defer out.Body.Close()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, storage.Wrap(s.Kind(), "download", fmt.Errorf("%w: %w", storage.ErrConnection, err))
	}
	return b, nil
}

func (s *Storage) ListVersions(ctx context.Context) ([]storage.ProviderVersion, error) {
	c, err := s.api(ctx)
	if err != nil {
		return nil, storage.Wrap(s.Kind(), "list", err)
	}
	out, err := s.list(ctx, c, s.base)
	return out, storage.Wrap(s.Kind(), "list", err)
}

func (s *Storage) list(ctx context.Context, c API, base string) ([]storage.ProviderVersion, error) {
	prefix := s.prefix()
	p := awss3.NewListObjectsV2Paginator(c, &awss3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix + base + "-"),
	})

	out := []storage.ProviderVersion{}
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, mapErr(err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			created, ok := storage.ParseObjectTime(name, base)
			if !ok {
				continue
			}
			out = append(out, storage.ProviderVersion{
				ID:        name,
				Name:      name,
				CreatedAt: created,
				Size:      aws.ToInt64(obj.Size),
			})
		}
	}

	storage.SortNewestFirst(out)
	return out, nil
}

func (s *Storage) RestoreVersion(ctx context.Context, versionID string) ([]byte, error) {
	if versionID == "" {
		return nil, storage.Wrap(s.Kind(), "restore", storage.ErrInvalidVersionID)
	}
	return s.Download(ctx, versionID)
}

func (s *Storage) TestConnection(ctx context.Context) error {
	c, err := s.api(ctx)
	if err != nil {
		return storage.Wrap(s.Kind(), "test", err)
	}
	_, err = c.HeadBucket(ctx, &awss3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	return storage.Wrap(s.Kind(), "test", mapErr(err))
}

// mapErr translates SDK errors into storage sentinels. Anything that is not
// a service reply is treated as a connection failure.
func mapErr(err error) error {
	if err == nil {
		return nil
	}

	var nsk *types.NoSuchKey
	var nf *types.NotFound
	var nsb *types.NoSuchBucket
	switch {
	case errors.As(err, &nsk), errors.As(err, &nf):
		return fmt.Errorf("%w: %w", storage.ErrNotFound, err)
	case errors.As(err, &nsb):
		return fmt.Errorf("%w: %w", storage.ErrNotConfigured, err)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", storage.ErrConnection, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return err
	}
	return fmt.Errorf("%w: %w", storage.ErrConnection, err)
}
