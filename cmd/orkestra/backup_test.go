package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseArchiveArgs(t *testing.T) {
	a, err := parseArchiveArgs([]string{"-f", "out.tar.zst", "-dir", "/srv/data", "-overwrite"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.file != "out.tar.zst" || a.dir != "/srv/data" || !a.overwrite {
		t.Errorf("unexpected args: %+v", a)
	}

	for _, args := range [][]string{{}, {"-f"}, {"-dir", "x"}, {"-f", "x", "-verbose"}} {
		if _, err := parseArchiveArgs(args); err == nil {
			t.Errorf("parseArchiveArgs(%v): expected an error", args)
		}
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 bytes"},
		{512, "512 bytes"},
		{1023, "1023 bytes"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
	}
	for _, tt := range tests {
		if got := formatSize(tt.bytes); got != tt.want {
			t.Errorf("formatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
		}
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	src := t.TempDir()
	files := map[string]string{
		"orkestra.db":         "sqlite pages",
		"orkestra.db-wal":     "wal frames",
		"exports/report.json": `{"ok":true}`,
	}
	for name, content := range files {
		path := filepath.Join(src, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	out := filepath.Join(t.TempDir(), "backup.tar.zst")
	size, err := backupDir(src, out)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if size == 0 {
		t.Error("expected a non-empty archive")
	}

	dst := filepath.Join(t.TempDir(), "restored")
	if err := restoreDir(out, dst, false); err != nil {
		t.Fatalf("restore: %v", err)
	}
	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(dst, name))
		if err != nil {
			t.Errorf("read %s: %v", name, err)
			continue
		}
		if string(got) != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}

	// A second restore needs -overwrite.
	if err := restoreDir(out, dst, false); err == nil {
		t.Error("expected restore into a non-empty directory to fail")
	}
	if err := os.WriteFile(filepath.Join(dst, "orkestra.db"), []byte("newer"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := restoreDir(out, dst, true); err != nil {
		t.Fatalf("overwrite restore: %v", err)
	}
	got, _ := os.ReadFile(filepath.Join(dst, "orkestra.db"))
	if string(got) != "sqlite pages" {
		t.Errorf("orkestra.db = %q after overwrite", got)
	}
}

func TestBackupMissingDir(t *testing.T) {
	if _, err := backupDir(filepath.Join(t.TempDir(), "nope"), filepath.Join(t.TempDir(), "x.tar.zst")); err == nil {
		t.Error("expected an error for a missing data directory")
	}
}
