// Package s3 implements the object storage interface on S3 or any
// S3-compatible service such as MinIO.
package s3

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/practicehub/syncstore/internal/core/domain"
	"github.com/practicehub/syncstore/internal/core/ports"
)

const defaultRegion = "us-east-1"

// Config holds construction parameters. Without explicit keys the default
// AWS credential chain is used.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // optional; set for MinIO and other compatible stores
	PathStyle       bool
	PublicBaseURL   string // optional; prefix for returned object URLs
	AccessKeyID     string
	SecretAccessKey string
}

// Store uploads submission files into a single bucket.
type Store struct {
	client  *s3.Client
	bucket  string
	baseURL string
	logger  zerolog.Logger
}

var _ ports.ObjectStore = (*Store)(nil)

// New creates a Store from cfg.
func New(ctx context.Context, cfg Config, logger zerolog.Logger, optFns ...func(*s3.Options)) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// Bodies are streamed once; nothing may read them ahead of the upload.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		for _, fn := range optFns {
			fn(o)
		}
	})
	return &Store{client: client, bucket: cfg.Bucket, baseURL: publicBase(cfg, region), logger: logger}, nil
}

// Upload streams body to path. Progress is reported as the body is read by
// the transport; cancelling ctx aborts the upload with ctx.Err().
func (s *Store) Upload(ctx context.Context, path string, body io.Reader, size int64, opts ports.UploadOptions) (ports.ObjectRef, error) {
	if path == "" {
		return ports.ObjectRef{}, domain.Validationf("object path is required")
	}
	pr := &progressReader{ctx: ctx, r: body, total: size, fn: opts.Progress}
	if size <= 0 {
		pr.total = -1
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
		Body:   pr,
	}
	if size > 0 {
		input.ContentLength = aws.Int64(size)
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}

	_, err := s.client.PutObject(ctx, input, s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware))
	if err != nil {
		if ctx.Err() != nil {
			return ports.ObjectRef{}, ctx.Err()
		}
		s.logger.Error().Err(err).Str("path", path).Msg("upload failed")
		return ports.ObjectRef{}, fmt.Errorf("upload %s: %w: %v", path, domain.ErrNetwork, err)
	}
	return ports.ObjectRef{Path: path, URL: s.baseURL + "/" + escapeKey(path), Size: pr.sent}, nil
}

func publicBase(cfg Config, region string) string {
	switch {
	case cfg.PublicBaseURL != "":
		return strings.TrimRight(cfg.PublicBaseURL, "/")
	case cfg.Endpoint != "":
		return strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, region)
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// progressReader reports bytes consumed and stops once ctx is done.
type progressReader struct {
	ctx   context.Context
	r     io.Reader
	total int64
	sent  int64
	fn    ports.ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.fn != nil {
			p.fn(p.sent, p.total)
		}
	}
	return n, err
}
