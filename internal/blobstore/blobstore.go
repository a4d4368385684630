// Package blobstore gives byte-range access to named objects addressed as
// "{bucket}/{object-name}" keys.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNotFound is returned when a bucket or object does not exist.
var ErrNotFound = errors.New("blob not found")

type Store interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// OpenRange reads length bytes starting at offset. A negative length reads to the end.
	OpenRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)
	Put(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// SplitKey splits "{bucket}/{object}" into its parts.
func SplitKey(key string) (bucket, object string, err error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	bucket, object, _ = strings.Cut(key, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("invalid blob key %q: missing bucket", key)
	}
	return bucket, object, nil
}

// JoinKey builds a key from a bucket and object path segments.
func JoinKey(bucket string, parts ...string) string {
	segs := []string{strings.Trim(bucket, "/")}
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			segs = append(segs, p)
		}
	}
	return strings.Join(segs, "/")
}

// ReadAll opens key and reads it fully.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, error) {
	rc, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// CopyTo streams key into w in fixed-size reads.
func CopyTo(ctx context.Context, s Store, key string, w io.Writer) (int64, error) {
	rc, err := s.Open(ctx, key)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	n, err := io.CopyBuffer(w, rc, make([]byte, 8192))
	if err != nil {
		return n, fmt.Errorf("copy %s: %w", key, err)
	}
	return n, nil
}
