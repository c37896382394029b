package artifact

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"relightd/pkg/types"
)

// Artifact is one output fetched from the image server.
type Artifact struct {
	FileName string
	Data     []byte
	// ContentType as reported by the server; sniffed when empty.
	ContentType string
}

// Sink turns fetched artifacts into caller-visible images.
type Sink interface {
	Publish(ctx context.Context, scope *Scope, a Artifact) (types.Image, error)
}

func describe(a Artifact) types.Image {
	ct := a.ContentType
	if ct == "" || ct == "application/octet-stream" {
		ct = mimetype.Detect(a.Data).String()
	}
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	img := types.Image{ContentType: ct, FileName: a.FileName, FileSize: int64(len(a.Data))}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(a.Data)); err == nil {
		img.Width, img.Height = cfg.Width, cfg.Height
	}
	return img
}

// LocalSink stages every artifact in the request scope and returns it inline
// as a data URI.
type LocalSink struct{}

func (LocalSink) Publish(_ context.Context, scope *Scope, a Artifact) (types.Image, error) {
	img := describe(a)
	p, err := scope.Write(a.FileName, a.Data)
	if err != nil {
		return types.Image{}, err
	}
	// Read back from the staged copy so what we return is what hit disk.
	b, err := os.ReadFile(p)
	if err != nil {
		return types.Image{}, err
	}
	img.URL = "data:" + img.ContentType + ";base64," + base64.StdEncoding.EncodeToString(b)
	return img, nil
}

// S3Config addresses an S3-compatible bucket.
type S3Config struct {
	Bucket    string `json:"bucket" yaml:"bucket" toml:"bucket"`
	Region    string `json:"region" yaml:"region" toml:"region"`
	Endpoint  string `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	AccessKey string `json:"access_key" yaml:"access_key" toml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key" toml:"secret_key"`
	// Folder is a key prefix, e.g. "relight/outputs".
	Folder string `json:"folder" yaml:"folder" toml:"folder"`
	// PublicURL is prepended to object keys in returned URLs.
	PublicURL string `json:"public_url" yaml:"public_url" toml:"public_url"`
	PathStyle bool   `json:"path_style" yaml:"path_style" toml:"path_style"`
	PublicACL bool   `json:"public_acl" yaml:"public_acl" toml:"public_acl"`
}

// ObjectPutter is the subset of *s3.Client the sink uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink uploads artifacts to a bucket and returns their public URL.
type S3Sink struct {
	client ObjectPutter
	cfg    S3Config
}

// NewS3Sink builds an S3 client from cfg. Static credentials are used when
// both keys are set, otherwise the default AWS chain applies.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 sink: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 sink: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return NewS3SinkWithClient(client, cfg), nil
}

// NewS3SinkWithClient wraps an existing client.
func NewS3SinkWithClient(client ObjectPutter, cfg S3Config) *S3Sink {
	return &S3Sink{client: client, cfg: cfg}
}

func (s *S3Sink) key(fileName string) string {
	name := uuid.NewString() + path.Ext(fileName)
	folder := strings.Trim(s.cfg.Folder, "/")
	if folder == "" {
		return name
	}
	return folder + "/" + name
}

func (s *S3Sink) Publish(ctx context.Context, _ *Scope, a Artifact) (types.Image, error) {
	img := describe(a)
	key := s.key(a.FileName)
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(a.Data),
		ContentType:   aws.String(img.ContentType),
		ContentLength: aws.Int64(int64(len(a.Data))),
	}
	if s.cfg.PublicACL {
		in.ACL = s3types.ObjectCannedACLPublicRead
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return types.Image{}, fmt.Errorf("s3 put %s: %w", key, err)
	}
	img.URL = s.publicURL(key)
	return img, nil
}

func (s *S3Sink) publicURL(key string) string {
	if s.cfg.PublicURL != "" {
		return strings.TrimSuffix(s.cfg.PublicURL, "/") + "/" + key
	}
	if s.cfg.Endpoint != "" {
		ep := strings.TrimSuffix(s.cfg.Endpoint, "/")
		return ep + "/" + s.cfg.Bucket + "/" + key
	}
	region := s.cfg.Region
	if region == "" || region == "auto" {
		return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.cfg.Bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, region, key)
}
