package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"polyship/pkg/s3"
)

// ObjectStore is the subset of the S3 client the mirror uses.
type ObjectStore interface {
	UploadFile(ctx context.Context, bucket, key, path, sha256 string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// S3Mirror copies every asset to bucket under prefix/version/ and returns
// presigned download URLs.
type S3Mirror struct {
	Store  ObjectStore
	Bucket string
	Prefix string
	TTL    time.Duration
}

func (m *S3Mirror) Name() string { return "s3" }

// Key returns the object key for an asset of version.
func (m *S3Mirror) Key(version, name string) string {
	return s3.AssetKey(m.Prefix, version, name)
}

func (m *S3Mirror) Publish(ctx context.Context, rel *Release) (Outcome, error) {
	if m.Store == nil || m.Bucket == "" {
		return Outcome{}, errors.New("s3 mirror: store and bucket are required")
	}
	ttl := m.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	assets, err := rel.Assets()
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{Assets: map[string]string{}}
	for _, asset := range assets {
		key := m.Key(rel.Version.Value, asset.Name)
		if err := m.Store.UploadFile(ctx, m.Bucket, key, asset.Path, asset.Digest); err != nil {
			return out, fmt.Errorf("upload s3://%s/%s: %w", m.Bucket, key, err)
		}
		url, err := m.Store.PresignGet(ctx, m.Bucket, key, ttl)
		if err != nil {
			return out, fmt.Errorf("presign s3://%s/%s: %w", m.Bucket, key, err)
		}
		out.Assets[asset.Name] = url
		if asset.Name == "manifest.json" {
			out.URL = url
		}
	}
	return out, nil
}
