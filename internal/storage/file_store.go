package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileStore saves uploaded sample images to disk under a base directory.
// The directory is append-only: every upload gets a fresh generated name
// and nothing here ever overwrites or deletes a stored file.
type FileStore struct {
	basePath string
}

// NewFileStore creates the base directory if missing.
func NewFileStore(basePath string) (*FileStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("storage base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{basePath: basePath}, nil
}

// Save writes the image bytes under a collision-resistant generated name
// and returns the stored filename and its absolute path.
func (f *FileStore) Save(ext string, r io.Reader) (string, string, error) {
	name := generateName(ext)
	target := filepath.Join(f.basePath, name)

	out, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", "", fmt.Errorf("create file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, r); err != nil {
		return "", "", fmt.Errorf("write file: %w", err)
	}
	return name, target, nil
}

// Path returns the absolute path for a stored filename.
func (f *FileStore) Path(name string) string {
	return filepath.Join(f.basePath, filepath.Base(name))
}

// generateName keeps the legacy "amostra_<timestamp>" prefix the analyzer
// tooling expects and appends a uuid so concurrent uploads never collide.
func generateName(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		ext = ".png"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	stamp := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("amostra_%s_%s%s", stamp, uuid.NewString(), ext)
}
