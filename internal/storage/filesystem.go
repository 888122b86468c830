package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// FilesystemStorage implements Fetcher and DerivedWriter for a local directory
type FilesystemStorage struct {
	baseDir string
}

// NewFilesystemStorage creates a new filesystem storage rooted at baseDir
func NewFilesystemStorage(baseDir string) (*FilesystemStorage, error) {
	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}

	return &FilesystemStorage{
		baseDir: abs,
	}, nil
}

// resolve maps a key to a path inside baseDir
func (fs *FilesystemStorage) resolve(key string) (string, error) {
	key = strings.TrimPrefix(key, SchemeFile)
	path := filepath.Join(fs.baseDir, key)
	if filepath.IsAbs(key) {
		path = filepath.Clean(key)
	}

	// Security: prevent directory traversal
	rel, err := filepath.Rel(fs.baseDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid key: path traversal detected")
	}
	return path, nil
}

// Fetch implements Fetcher for file:// and bare-path locators
func (fs *FilesystemStorage) Fetch(ctx context.Context, locator string) (io.ReadCloser, error) {
	path, err := fs.resolve(locator)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", locator)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return file, nil
}

func derivedKey(contentID, derivedType string, derivedVersion int, fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		ext = ".dat"
	}
	return filepath.Join("derived", contentID, fmt.Sprintf("%s_v%d%s", derivedType, derivedVersion, ext))
}

// PutDerived writes a derived output atomically and returns its file:// locator
func (fs *FilesystemStorage) PutDerived(ctx context.Context, contentID string, derivedType string, derivedVersion int, r io.Reader, meta map[string]string) (string, error) {
	key := derivedKey(contentID, derivedType, derivedVersion, meta["file_name"])
	path, err := fs.resolve(key)
	if err != nil {
		return "", err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read derived content: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create derived directory: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write derived content: %w", err)
	}

	return SchemeFile + filepath.ToSlash(key), nil
}
