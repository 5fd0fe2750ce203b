// Package local provides the local filesystem tier.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/withDustin/targeek-image-server/internal/errs"
)

const (
	stagePattern = ".upload-*.tmp"
	writePattern = ".write-*.tmp"
)

// Config holds local filesystem tier settings.
type Config struct {
	RootPath   string `json:"root_path"`
	CreateDirs bool   `json:"create_dirs"`
}

// LocalBackend implements storage.LocalStore on a single flat directory.
type LocalBackend struct {
	rootPath string
}

// New creates a new local filesystem tier, creating the root when allowed.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required: %w", errs.ErrConfig)
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory: %w", cfg.RootPath, errs.ErrConfig)
	}

	return &LocalBackend{rootPath: cfg.RootPath}, nil
}

// NewFromJSON creates a LocalBackend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*LocalBackend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	return New(cfg)
}

// Root returns the tier directory.
func (b *LocalBackend) Root() string { return b.rootPath }

// ValidKey reports whether key is a plain file name usable in the tier.
func ValidKey(key string) bool {
	if key == "" || key == "." || key == ".." {
		return false
	}
	if strings.HasPrefix(key, ".") {
		return false
	}
	return !strings.ContainsAny(key, `/\`) && !strings.ContainsRune(key, 0)
}

func (b *LocalBackend) fullPath(key string) (string, error) {
	if !ValidKey(key) {
		return "", fmt.Errorf("invalid key %q: %w", key, errs.ErrInvalidContent)
	}
	return filepath.Join(b.rootPath, key), nil
}

// Exists checks if a regular file exists for key.
func (b *LocalBackend) Exists(_ context.Context, key string) (bool, error) {
	path, err := b.fullPath(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return info.Mode().IsRegular(), nil
}

// Read returns the file content for key.
func (b *LocalBackend) Read(_ context.Context, key string) ([]byte, error) {
	path, err := b.fullPath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", key, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Write stores content atomically: temp file in the same directory, then rename.
func (b *LocalBackend) Write(_ context.Context, key string, body io.Reader) error {
	path, err := b.fullPath(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(b.rootPath, writePattern)
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", key, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", key, err)
	}
	return nil
}

// WriteBytes is Write for an in-memory payload.
func (b *LocalBackend) WriteBytes(ctx context.Context, key string, data []byte) error {
	return b.Write(ctx, key, bytes.NewReader(data))
}

// Delete removes a file. Missing files are ignored.
func (b *LocalBackend) Delete(_ context.Context, key string) error {
	path, err := b.fullPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Rename moves oldKey to newKey. oldKey may be a staged temp file name.
func (b *LocalBackend) Rename(_ context.Context, oldKey, newKey string) error {
	newPath, err := b.fullPath(newKey)
	if err != nil {
		return err
	}
	oldPath := filepath.Join(b.rootPath, filepath.Base(oldKey))
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", oldKey, newKey, err)
	}
	return nil
}

// Discard removes a staged temp file.
func (b *LocalBackend) Discard(name string) error {
	err := os.Remove(filepath.Join(b.rootPath, filepath.Base(name)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("discard %s: %w", name, err)
	}
	return nil
}

// List returns data keys in lexical order. Directories, dotfiles (including
// staged uploads and .DS_Store) are skipped.
func (b *LocalBackend) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.rootPath)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", b.rootPath, err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || !ValidKey(e.Name()) {
			continue
		}
		keys = append(keys, e.Name())
	}
	sort.Strings(keys)
	return keys, nil
}

// Stage creates a temp file for an incoming upload.
func (b *LocalBackend) Stage() (*os.File, error) {
	f, err := os.CreateTemp(b.rootPath, stagePattern)
	if err != nil {
		return nil, fmt.Errorf("stage upload: %w", err)
	}
	return f, nil
}

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }
