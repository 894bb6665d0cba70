package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileCache persists each entry as a JSON file, so sessions survive
// process restarts on a single machine.
//
// Files are written with 0600 and the directory with 0700 permissions.
type FileCache struct {
	mu  sync.RWMutex
	dir string
}

type fileEntry struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func NewFileCache(dir string) (*FileCache, error) {
	if dir == "" {
		return nil, errors.New("file store directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileCache{dir: dir}, nil
}

// path maps a key to a filesystem-safe name.
func (fc *FileCache) path(key string) string {
	hash := sha256.Sum256([]byte(key))
	return filepath.Join(fc.dir, hex.EncodeToString(hash[:16])+".json")
}

func (fc *FileCache) Get(ctx context.Context, key string) ([]byte, error) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	entry, err := fc.read(key)
	if err != nil {
		return nil, err
	}
	return entry.Value, nil
}

func (fc *FileCache) read(key string) (*fileEntry, error) {
	// #nosec G304 -- path is derived from a hash of the key
	data, err := os.ReadFile(fc.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var entry fileEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}

	if !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &entry, nil
}

func (fc *FileCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := fileEntry{Value: value}
	if ttl > 0 {
		entry.ExpiresAt = time.Now().Add(ttl)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	tmp, err := os.CreateTemp(fc.dir, ".entry-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close entry: %w", err)
	}

	if err := os.Rename(tmp.Name(), fc.path(key)); err != nil {
		return fmt.Errorf("failed to replace entry: %w", err)
	}
	return nil
}

func (fc *FileCache) Delete(ctx context.Context, key string) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	err := os.Remove(fc.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (fc *FileCache) Exists(ctx context.Context, key string) (bool, error) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	if _, err := fc.read(key); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (fc *FileCache) Take(ctx context.Context, key string) ([]byte, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	entry, err := fc.read(key)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(fc.path(key)); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entry.Value, nil
}

func (fc *FileCache) Close() error {
	return nil
}
