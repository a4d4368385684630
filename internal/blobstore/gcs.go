package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type GCSConfig struct {
	// EmulatorHost switches the client to an unauthenticated emulator endpoint.
	EmulatorHost    string
	ProjectID       string
	CredentialsFile string
	// CreateBuckets allows EnsureBucket to create missing buckets. Off in production.
	CreateBuckets bool
}

type GCSStore struct {
	client *storage.Client
	cfg    GCSConfig
}

func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	var opts []option.ClientOption
	if host := strings.TrimRight(strings.TrimSpace(cfg.EmulatorHost), "/"); host != "" {
		_ = os.Setenv("STORAGE_EMULATOR_HOST", host)
		opts = append(opts, option.WithoutAuthentication())
	} else {
		opts = append(opts, clientOptionsFromEnv(cfg.CredentialsFile)...)
		opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	log.Info().
		Str("emulator_host", cfg.EmulatorHost).
		Bool("create_buckets", cfg.CreateBuckets).
		Msg("Object storage initialized")
	return &GCSStore{client: client, cfg: cfg}, nil
}

func clientOptionsFromEnv(credentialsFile string) []option.ClientOption {
	creds := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON"))
	if creds == "" {
		creds = strings.TrimSpace(credentialsFile)
	}
	if creds == "" {
		creds = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}
	if creds == "" {
		return nil
	}
	if strings.HasPrefix(creds, "{") {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(creds))}
	}
	return []option.ClientOption{option.WithCredentialsFile(creds)}
}

func (g *GCSStore) Close() error {
	return g.client.Close()
}

// EnsureBucket creates bucket when it is missing and creation is allowed.
func (g *GCSStore) EnsureBucket(ctx context.Context, bucket string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := g.client.Bucket(bucket).Attrs(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("bucket %s attrs: %w", bucket, err)
	}
	if !g.cfg.CreateBuckets {
		return fmt.Errorf("bucket %s: %w", bucket, ErrNotFound)
	}
	if err := g.client.Bucket(bucket).Create(ctx, g.cfg.ProjectID, nil); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	log.Info().Str("bucket", bucket).Msg("Created bucket")
	return nil
}

func (g *GCSStore) object(key string) (*storage.ObjectHandle, error) {
	bucket, object, err := SplitKey(key)
	if err != nil {
		return nil, err
	}
	if object == "" {
		return nil, fmt.Errorf("invalid blob key %q: missing object name", key)
	}
	return g.client.Bucket(bucket).Object(object), nil
}

func (g *GCSStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return g.OpenRange(ctx, key, 0, -1)
}

func (g *GCSStore) OpenRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	obj, err := g.object(key)
	if err != nil {
		return nil, err
	}
	// the reader outlives this call, so cancel on Close instead of defer
	ctx2, cancel := context.WithTimeout(ctx, 2*time.Minute)
	r, err := obj.NewRangeReader(ctx2, offset, length)
	if err != nil {
		cancel()
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open GCS reader for %s: %w", key, err)
	}
	return &readCloserWithCancel{ReadCloser: r, cancel: cancel}, nil
}

type readCloserWithCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *readCloserWithCancel) Close() error {
	err := r.ReadCloser.Close()
	r.cancel()
	return err
}

func (g *GCSStore) Put(ctx context.Context, key string, data []byte) error {
	obj, err := g.object(key)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	w := obj.NewWriter(ctx)
	w.ContentType = contentTypeForKey(key)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write %s to GCS: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", key, err)
	}
	return nil
}

func (g *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	bucket, object, err := SplitKey(key)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if object == "" {
		_, err = g.client.Bucket(bucket).Attrs(ctx)
	} else {
		_, err = g.client.Bucket(bucket).Object(object).Attrs(ctx)
	}
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist), errors.Is(err, storage.ErrBucketNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
}

func (g *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	bucket, objectPrefix, err := SplitKey(prefix)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	it := g.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: objectPrefix})
	var out []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			if errors.Is(err, storage.ErrBucketNotExist) {
				return nil, fmt.Errorf("%s: %w", prefix, ErrNotFound)
			}
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		out = append(out, bucket+"/"+attrs.Name)
	}
	return out, nil
}

func contentTypeForKey(key string) string {
	s := strings.ToLower(key)
	switch {
	case strings.HasSuffix(s, ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(s, ".json"):
		return "application/json"
	case strings.HasSuffix(s, ".md"):
		return "text/markdown"
	case strings.HasSuffix(s, ".txt"):
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
