package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Put writes the file and returns a URL under the base path
// ---------------------------------------------------------------------------

func TestLocalStorage_Put(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStorage(dir, "/media")

	// Minimal valid PNG header so content-type detection has something real.
	data := []byte("\x89PNG\r\n\x1a\n" + strings.Repeat("x", 64))
	url, err := s.Put(context.Background(), "alice", data, "image/png")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.HasPrefix(url, "/media/alice-") {
		t.Errorf("url = %q, want /media/alice-... prefix", url)
	}
	if !strings.HasSuffix(url, ".png") {
		t.Errorf("url = %q, want .png extension", url)
	}

	name := strings.TrimPrefix(url, "/media/")
	got, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != string(data) {
		t.Error("stored bytes differ from input")
	}
}

// ---------------------------------------------------------------------------
// Test: Empty and oversized payloads are rejected
// ---------------------------------------------------------------------------

func TestLocalStorage_Limits(t *testing.T) {
	s := NewLocalStorage(t.TempDir(), "/media")
	ctx := context.Background()

	if _, err := s.Put(ctx, "alice", nil, "image/png"); err == nil {
		t.Error("expected error for empty payload")
	}
	big := make([]byte, MaxObjectBytes+1)
	if _, err := s.Put(ctx, "alice", big, "image/png"); err == nil {
		t.Error("expected error for oversized payload")
	}
}

// ---------------------------------------------------------------------------
// Test: Extension tracks the declared content type, with sniffing fallback
// ---------------------------------------------------------------------------

func TestLocalStorage_Extensions(t *testing.T) {
	s := NewLocalStorage(t.TempDir(), "/media")
	ctx := context.Background()

	tests := []struct {
		name        string
		contentType string
		data        []byte
		wantExt     string
	}{
		{"jpeg", "image/jpeg", []byte("fake-jpeg-bytes"), ".jpg"},
		{"png", "image/png", []byte("fake-png-bytes"), ".png"},
		{"gif", "image/gif", []byte("fake-gif-bytes"), ".gif"},
		{"webp", "image/webp", []byte("fake-webp-bytes"), ".webp"},
		{"sniffed png", "", []byte("\x89PNG\r\n\x1a\n0000"), ".png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url, err := s.Put(ctx, "bob", tt.data, tt.contentType)
			if err != nil {
				t.Fatalf("put: %v", err)
			}
			if !strings.HasSuffix(url, tt.wantExt) {
				t.Errorf("url = %q, want extension %q", url, tt.wantExt)
			}
		})
	}
}
