// Package blob stores uploaded binary objects, currently profile pictures,
// and returns stable URLs for them.
package blob

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// MaxObjectBytes caps a single upload.
const MaxObjectBytes = 5 << 20

// Storage persists an object owned by a user and returns its public URL.
type Storage interface {
	Put(ctx context.Context, ownerID string, data []byte, contentType string) (string, error)
}

// LocalStorage writes objects to a directory on the local filesystem. The
// directory is expected to be served at BaseURL, either by the ops HTTP
// listener or by a fronting proxy.
type LocalStorage struct {
	Dir     string // filesystem directory, created on first use
	BaseURL string // public prefix, e.g. "/media" or "https://cdn.example.com/media"
}

// NewLocalStorage creates a LocalStorage rooted at dir.
func NewLocalStorage(dir, baseURL string) *LocalStorage {
	return &LocalStorage{Dir: dir, BaseURL: strings.TrimSuffix(baseURL, "/")}
}

// Put implements Storage. The object name embeds the owner id and a random
// suffix, so repeated uploads never overwrite each other.
func (s *LocalStorage) Put(ctx context.Context, ownerID string, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("blob: empty object")
	}
	if len(data) > MaxObjectBytes {
		return "", fmt.Errorf("blob: object exceeds %d byte limit", MaxObjectBytes)
	}

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("blob: create dir: %w", err)
	}

	name := ownerID + "-" + uuid.New().String() + extensionFor(contentType, data)
	if err := os.WriteFile(filepath.Join(s.Dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("blob: write object: %w", err)
	}

	return s.BaseURL + "/" + name, nil
}

// Handler serves the storage directory, for mounting under BaseURL on the
// ops listener.
func (s *LocalStorage) Handler() http.Handler {
	return http.FileServer(http.Dir(s.Dir))
}

// extensionFor picks a file extension from the declared content type,
// falling back to sniffing the bytes.
func extensionFor(contentType string, data []byte) string {
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}
