package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DiskStore keeps buckets as directories under a root folder. Used for local
// development and tests.
type DiskStore struct {
	root string
}

func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root %s: %w", root, err)
	}
	return &DiskStore{root: root}, nil
}

func (d *DiskStore) path(key string) (string, error) {
	bucket, object, err := SplitKey(key)
	if err != nil {
		return "", err
	}
	if object == "" {
		return "", fmt.Errorf("invalid blob key %q: missing object name", key)
	}
	p := filepath.Join(d.root, bucket, filepath.FromSlash(object))
	if !d.within(p) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return p, nil
}

// within reports whether p lies below the store root.
func (d *DiskStore) within(p string) bool {
	return strings.HasPrefix(p, filepath.Clean(d.root)+string(filepath.Separator))
}

func (d *DiskStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return d.OpenRange(ctx, key, 0, -1)
}

func (d *DiskStore) OpenRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	if offset == 0 && length < 0 {
		return f, nil
	}
	if length < 0 {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		length = info.Size() - offset
	}
	return &sectionReadCloser{Reader: io.NewSectionReader(f, offset, length), f: f}, nil
}

type sectionReadCloser struct {
	io.Reader
	f *os.File
}

func (s *sectionReadCloser) Close() error { return s.f.Close() }

// Put writes through a temp file and renames so readers never see partial objects.
func (d *DiskStore) Put(ctx context.Context, key string, data []byte) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (d *DiskStore) Exists(ctx context.Context, key string) (bool, error) {
	bucket, object, err := SplitKey(key)
	if err != nil {
		return false, err
	}
	var p string
	if object == "" {
		p = filepath.Join(d.root, bucket)
		if !d.within(p) {
			return false, fmt.Errorf("invalid blob key %q", key)
		}
	} else if p, err = d.path(key); err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// MakeBucket creates the bucket directory.
func (d *DiskStore) MakeBucket(ctx context.Context, bucket string) error {
	return os.MkdirAll(filepath.Join(d.root, bucket), 0o755)
}

func (d *DiskStore) List(ctx context.Context, prefix string) ([]string, error) {
	bucket, objectPrefix, err := SplitKey(prefix)
	if err != nil {
		return nil, err
	}
	bucketDir := filepath.Join(d.root, bucket)
	var keys []string
	err = filepath.WalkDir(bucketDir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(bucketDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, objectPrefix) {
			keys = append(keys, bucket+"/"+rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}
