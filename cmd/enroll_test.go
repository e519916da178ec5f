package cmd

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCollectEnrollFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"s1.jpg", "s2.PNG", "notes.txt", "s3.webp"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nested.jpg"), 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	files, err := collectEnrollFiles(dir)
	if err != nil {
		t.Fatalf("collectEnrollFiles: %v", err)
	}

	want := map[string]string{
		"s1": filepath.Join(dir, "s1.jpg"),
		"s2": filepath.Join(dir, "s2.PNG"),
		"s3": filepath.Join(dir, "s3.webp"),
	}
	if len(files) != len(want) {
		t.Fatalf("expected %d files, got %d: %+v", len(want), len(files), files)
	}
	for _, f := range files {
		if want[f.studentID] != f.path {
			t.Errorf("unexpected entry %+v", f)
		}
	}
}

func TestCollectEnrollFilesMissingDir(t *testing.T) {
	if _, err := collectEnrollFiles(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for a missing directory")
	}
}
