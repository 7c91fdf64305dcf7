// Package storage archives rendered report documents in write-once blob stores.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// Backends for Config.Backend
const (
	BackendLocal    = "local"
	BackendS3       = "s3"
	BackendSupabase = "supabase"
)

var (
	// ErrBlobExists is returned by Put when the key was already written
	ErrBlobExists = errors.New("blob already exists")
	// ErrBlobNotFound is returned by Get for an unknown ref
	ErrBlobNotFound = errors.New("blob not found")
)

// BlobStore is a write-once archive. Put never overwrites; it returns the
// existing ref together with ErrBlobExists. Get takes a ref returned by Put.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Signer is implemented by stores that can hand out temporary download links
type Signer interface {
	SignedURL(ctx context.Context, ref string, expiresIn time.Duration) (string, error)
}

// Config selects and configures a backend
type Config struct {
	Backend string

	LocalDir string

	S3Bucket string

	SupabaseURL        string
	SupabaseServiceKey string
	SupabaseBucket     string
}

// New builds the configured store
func New(ctx context.Context, cfg Config) (BlobStore, error) {
	switch cfg.Backend {
	case BackendLocal, "":
		dir := cfg.LocalDir
		if dir == "" {
			dir = "./data/reports"
		}
		return NewLocalStore(dir)
	case BackendS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3_BUCKET is required for the s3 storage backend")
		}
		return NewS3Store(ctx, cfg.S3Bucket)
	case BackendSupabase:
		if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" || cfg.SupabaseBucket == "" {
			return nil, fmt.Errorf("SUPABASE_URL, SUPABASE_SERVICE_ROLE_KEY and SUPABASE_STORAGE_BUCKET are required for the supabase storage backend")
		}
		return NewClient(cfg.SupabaseURL, cfg.SupabaseServiceKey).Bucket(cfg.SupabaseBucket), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// ReportKey is the archive key for one execution's document
func ReportKey(scheduleID string, executedAt time.Time, ext string) string {
	stamp := executedAt.UTC().Format("20060102T150405Z")
	return path.Join("reports", scheduleID, stamp+"."+strings.TrimPrefix(ext, "."))
}

// keyFromRef strips a backend prefix from ref and validates the remaining key
func keyFromRef(ref, prefix string) (string, error) {
	key, ok := strings.CutPrefix(ref, prefix)
	if !ok {
		return "", fmt.Errorf("ref %q does not belong to this store", ref)
	}
	if err := validKey(key); err != nil {
		return "", err
	}
	return key, nil
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || path.Clean(key) != key || strings.HasPrefix(key, "..") {
		return fmt.Errorf("invalid blob key %q", key)
	}
	return nil
}
