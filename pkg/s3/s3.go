// Package s3 mirrors release assets to S3-compatible storage (AWS, MinIO,
// SeaweedFS) and hands out presigned download links.
package s3

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config locates the endpoint and carries static credentials.
type Config struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	Region         string
	DisableTLS     bool
	ForcePathStyle bool
}

// ConfigFromEnv reads S3_ENDPOINT, S3_ACCESS_KEY, S3_SECRET_KEY, S3_REGION
// (default us-east-1), S3_DISABLE_TLS and S3_FORCE_PATH_STYLE (default
// true) through getenv.
func ConfigFromEnv(getenv func(string) string) Config {
	cfg := Config{
		Endpoint:       strings.TrimSpace(getenv("S3_ENDPOINT")),
		AccessKey:      getenv("S3_ACCESS_KEY"),
		SecretKey:      getenv("S3_SECRET_KEY"),
		Region:         getenv("S3_REGION"),
		ForcePathStyle: true,
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	cfg.DisableTLS, _ = strconv.ParseBool(getenv("S3_DISABLE_TLS"))
	if v := strings.TrimSpace(getenv("S3_FORCE_PATH_STYLE")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.ForcePathStyle = parsed
		}
	}
	return cfg
}

// URL returns the endpoint with a scheme, honouring DisableTLS when the
// endpoint has none.
func (c Config) URL() string {
	if strings.HasPrefix(c.Endpoint, "http://") || strings.HasPrefix(c.Endpoint, "https://") {
		return c.Endpoint
	}
	scheme := "https"
	if c.DisableTLS {
		scheme = "http"
	}
	return scheme + "://" + c.Endpoint
}

func (c Config) validate() error {
	if c.Endpoint == "" {
		return errors.New("S3_ENDPOINT is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("S3_ACCESS_KEY and S3_SECRET_KEY are required")
	}
	return nil
}

// Client uploads assets and presigns downloads.
type Client struct {
	api     *s3.Client
	presign *s3.PresignClient
}

// New builds a Client for cfg.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 5 * time.Minute}),
	)
	if err != nil {
		return nil, err
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		o.BaseEndpoint = aws.String(cfg.URL())
	})
	return &Client{api: api, presign: s3.NewPresignClient(api)}, nil
}

// AssetKey is the object key of asset name for version under prefix.
// Versioned keys are never overwritten with different content.
func AssetKey(prefix, version, name string) string {
	return path.Join(strings.Trim(prefix, "/"), version, strings.TrimLeft(name, "/"))
}

// ContentType picks the Content-Type stored with an asset.
func ContentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return "application/gzip"
	case strings.HasSuffix(name, ".zip"):
		return "application/zip"
	case strings.HasSuffix(name, ".json"):
		return "application/json"
	case strings.HasSuffix(name, ".sig"), strings.HasSuffix(name, ".asc"),
		strings.HasSuffix(name, ".pem"), strings.HasSuffix(name, "SHA256SUMS"):
		return "text/plain; charset=utf-8"
	}
	return "application/octet-stream"
}

// PutObject uploads r to bucket/key. sha256 is the hex digest of the body;
// the store rejects the upload if the body does not match it.
func (c *Client) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error {
	if c == nil {
		return errors.New("nil client")
	}
	checksum, err := encodeSHA256(sha256)
	if err != nil {
		return err
	}

	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            &bucket,
		Key:               &key,
		Body:              r,
		ContentLength:     &size,
		ContentType:       aws.String(ContentType(key)),
		CacheControl:      aws.String("public, max-age=31536000, immutable"),
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    &checksum,
		Metadata:          map[string]string{"sha256": sha256},
	})
	return err
}

// PresignGet returns a GET URL for bucket/key valid for ttl.
func (c *Client) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if c == nil {
		return "", errors.New("nil client")
	}

	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

// UploadFile streams the file at path to bucket/key.
func (c *Client) UploadFile(ctx context.Context, bucket, key, path, sha256 string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := c.PutObject(ctx, bucket, key, file, info.Size(), sha256); err != nil {
		return fmt.Errorf("upload %s to s3://%s/%s: %w", path, bucket, key, err)
	}
	return nil
}

func encodeSHA256(hexDigest string) (string, error) {
	if hexDigest == "" {
		return "", errors.New("sha256 digest required")
	}
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
