package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.bin")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	// sha256("hello world")
	expected := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

	got, err := hashFile(path)
	if err != nil {
		t.Fatalf("hashFile failed: %v", err)
	}
	if got != expected {
		t.Errorf("hashFile = %s, want %s", got, expected)
	}
}

func TestHashFile_Missing(t *testing.T) {
	if _, err := hashFile("/nonexistent/file.bin"); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestObjectKey(t *testing.T) {
	key := objectKey("abc123", "/tmp/staging/report.pdf")

	if !strings.HasPrefix(key, artifactPrefix) {
		t.Errorf("Key should carry the artifact prefix, got %q", key)
	}
	if key != "artifacts/abc123/report.pdf" {
		t.Errorf("Unexpected key %q", key)
	}
}

func TestNew_StripsScheme(t *testing.T) {
	for _, endpoint := range []string{
		"http://localhost:9000",
		"https://localhost:9000",
		"localhost:9000",
	} {
		client, err := New(&Config{
			Endpoint:  endpoint,
			AccessKey: "key",
			SecretKey: "secret",
			Bucket:    "artifacts",
		})
		if err != nil {
			t.Errorf("New(%q) failed: %v", endpoint, err)
			continue
		}
		if client.Bucket() != "artifacts" {
			t.Errorf("Expected bucket artifacts, got %s", client.Bucket())
		}
	}
}
