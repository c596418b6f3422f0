package objstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore stores objects as files under a root directory. The version
// token is the hex SHA-256 of the content, an ETag equivalent that is stable
// across processes. Writes go through a unique temp file and an atomic
// rename, so readers always see either the previous or the complete new
// content. Conditional writes are serialized per key with an in-process
// lock; the file backend is the only backend that may share its root between
// goroutines of one process, not between processes.
type FileStore struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &FileStore{
		root:  dir,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

func (f *FileStore) keyPath(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

// keyLock returns the per-key mutex, creating it on first use.
func (f *FileStore) keyLock(key string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[key]
	if !ok {
		l = &sync.Mutex{}
		f.locks[key] = l
	}
	return l
}

func contentVersion(data []byte) Version {
	h := sha256.Sum256(data)
	return Version(hex.EncodeToString(h[:]))
}

// Get returns the object's bytes and content-hash version.
func (f *FileStore) Get(ctx context.Context, key string) ([]byte, Version, error) {
	data, err := os.ReadFile(f.keyPath(key))
	if os.IsNotExist(err) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("read object %s: %w", key, err)
	}
	return data, contentVersion(data), nil
}

// Put stores data under key, honoring the conditional-write contract.
func (f *FileStore) Put(ctx context.Context, key string, data []byte, expected Version) (Version, error) {
	lock := f.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	path := f.keyPath(key)

	if expected != "" {
		current, err := os.ReadFile(path)
		exists := err == nil
		if err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("read current version of %s: %w", key, err)
		}
		if cerr := checkExpected(expected, contentVersion(current), exists); cerr != nil {
			return "", cerr
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".obj-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("rename object: %w", err)
	}

	return contentVersion(data), nil
}

// Delete removes the object file.
func (f *FileStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(f.keyPath(key))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

// List returns keys with the prefix, sorted, starting after the
// continuation token. The walk starts at the deepest directory the prefix
// pins down, so listing one dataset's chunks does not touch the whole tree.
func (f *FileStore) List(ctx context.Context, prefix, token string, max int) ([]string, string, error) {
	base := f.root
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		base = filepath.Join(f.root, filepath.FromSlash(prefix[:i]))
	}

	var all []string
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".obj-") {
			return nil
		}
		rel, rerr := filepath.Rel(f.root, path)
		if rerr != nil {
			return rerr
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) && key > token {
			all = append(all, key)
		}
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("list objects: %w", err)
	}

	sort.Strings(all)
	if max > 0 && len(all) > max {
		return all[:max], all[max-1], nil
	}
	return all, "", nil
}

// Exists reports whether the object file is present.
func (f *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(f.keyPath(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat object %s: %w", key, err)
	}
	return true, nil
}
