package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
)

// buildTarGz constructs an in-memory tar.gz with the fixed entry set from
// spec scenario S3: a directory, an executable regular file, and a symlink.
func buildTarGz(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	entries := []struct {
		hdr     *tar.Header
		content string
	}{
		{&tar.Header{Name: "a/", Typeflag: tar.TypeDir, Mode: 0o755}, ""},
		{&tar.Header{Name: "a/b", Typeflag: tar.TypeReg, Mode: 0o755, Size: 2}, "hi"},
		{&tar.Header{Name: "a/c", Typeflag: tar.TypeSymlink, Linkname: "b", Mode: 0o777}, ""},
	}
	for _, e := range entries {
		if err := tw.WriteHeader(e.hdr); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if e.content != "" {
			if _, err := tw.Write([]byte(e.content)); err != nil {
				t.Fatalf("Write: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip Close: %v", err)
	}
	return buf.Bytes()
}

func TestExtractRoundTrip(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "rootfs.tar.gz")
	if err := os.WriteFile(archivePath, buildTarGz(t), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	target := filepath.Join(dir, "out")
	if _, err := Extract(archivePath, target); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	fi, err := os.Stat(filepath.Join(target, "a"))
	if err != nil || !fi.IsDir() {
		t.Fatalf("expected directory a/, got %v %v", fi, err)
	}

	bFi, err := os.Stat(filepath.Join(target, "a", "b"))
	if err != nil {
		t.Fatalf("stat a/b: %v", err)
	}
	if bFi.Mode()&0o111 == 0 {
		t.Errorf("a/b should be executable, mode=%v", bFi.Mode())
	}
	content, err := os.ReadFile(filepath.Join(target, "a", "b"))
	if err != nil || string(content) != "hi" {
		t.Errorf("a/b content = %q, %v; want hi", content, err)
	}

	linkTarget, err := os.Readlink(filepath.Join(target, "a", "c"))
	if err != nil || linkTarget != "b" {
		t.Errorf("a/c readlink = %q, %v; want b", linkTarget, err)
	}
}

func TestExtractIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "rootfs.tar.gz")
	if err := os.WriteFile(archivePath, buildTarGz(t), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	target := filepath.Join(dir, "out")

	if _, err := Extract(archivePath, target); err != nil {
		t.Fatalf("first Extract: %v", err)
	}
	if _, err := Extract(archivePath, target); err != nil {
		t.Fatalf("second Extract: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(target, "a", "b"))
	if err != nil || string(content) != "hi" {
		t.Errorf("a/b content after re-extract = %q, %v; want hi", content, err)
	}
	linkTarget, err := os.Readlink(filepath.Join(target, "a", "c"))
	if err != nil || linkTarget != "b" {
		t.Errorf("a/c readlink after re-extract = %q, %v; want b", linkTarget, err)
	}
}

func TestLeadingDotSlashStripped(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: "./rom.ini", Typeflag: tar.TypeReg, Mode: 0o644, Size: 3}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if _, err := tw.Write([]byte("abc")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	tw.Close()

	archivePath := filepath.Join(dir, "plain.tar")
	if err := os.WriteFile(archivePath, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	target := filepath.Join(dir, "out")
	if _, err := Extract(archivePath, target); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if _, err := os.Stat(filepath.Join(target, "rom.ini")); err != nil {
		t.Errorf("expected rom.ini at target root: %v", err)
	}
}

func TestEmptyNameEntrySkipped(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: "./", Typeflag: tar.TypeDir, Mode: 0o755}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	tw.Close()

	archivePath := filepath.Join(dir, "plain.tar")
	if err := os.WriteFile(archivePath, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Extract(archivePath, filepath.Join(dir, "out")); err != nil {
		t.Fatalf("Extract: %v", err)
	}
}
