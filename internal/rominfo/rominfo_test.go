package rominfo

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func buildArchive(t *testing.T, iniBody string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rootfs.tar")

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: "./rom.ini", Mode: 0o644, Size: int64(len(iniBody))}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if _, err := tw.Write([]byte(iniBody)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	tw.Close()

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestInfoFromArchiveParsesKnownFields(t *testing.T) {
	path := buildArchive(t, "author=twoyi\nversion=1.2.3\ndesc=test build\nmd5=abc123\ncode=7\n")
	info := InfoFromArchive(path)

	if !info.IsValid() {
		t.Fatalf("expected valid RomInfo, got %+v", info)
	}
	if info.Author != "twoyi" || info.Version != "1.2.3" || info.Desc != "test build" || info.MD5 != "abc123" || info.Code != 7 {
		t.Errorf("unexpected RomInfo: %+v", info)
	}
}

func TestInfoFromArchiveMissingKeysDefault(t *testing.T) {
	path := buildArchive(t, "author=twoyi\n")
	info := InfoFromArchive(path)

	if !info.IsValid() {
		t.Fatalf("expected valid RomInfo, got %+v", info)
	}
	if info.Version != "unknown" || info.Code != 0 {
		t.Errorf("expected defaults for missing keys, got %+v", info)
	}
}

func TestInfoFromArchiveWithoutRomIniReturnsUnknown(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rootfs.tar")

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: "./other_file", Mode: 0o644, Size: 3}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	tw.Write([]byte("abc"))
	tw.Close()
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	info := InfoFromArchive(path)
	if info.IsValid() {
		t.Errorf("expected UNKNOWN, got %+v", info)
	}
	if info != UNKNOWN {
		t.Errorf("expected exact UNKNOWN sentinel, got %+v", info)
	}
}

func TestInfoFromArchiveMissingFileReturnsUnknown(t *testing.T) {
	info := InfoFromArchive(filepath.Join(t.TempDir(), "does-not-exist.tar"))
	if info.IsValid() {
		t.Errorf("expected UNKNOWN for missing archive, got %+v", info)
	}
}

func TestInfoFromDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "rom.ini"), []byte("author=x\nversion=2\ncode=3\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	info := InfoFromDir(dir)
	if !info.IsValid() || info.Author != "x" || info.Code != 3 {
		t.Errorf("unexpected RomInfo: %+v", info)
	}
}

func TestInfoFromDirMissingFileReturnsUnknown(t *testing.T) {
	info := InfoFromDir(t.TempDir())
	if info.IsValid() {
		t.Errorf("expected UNKNOWN, got %+v", info)
	}
}

func TestNeedsUpgrade(t *testing.T) {
	low := RomInfo{Code: 1, valid: true}
	high := RomInfo{Code: 2, valid: true}

	if !NeedsUpgrade(UNKNOWN, high) {
		t.Error("UNKNOWN current should always need upgrade")
	}
	if !NeedsUpgrade(low, high) {
		t.Error("lower current code should need upgrade to higher bundled code")
	}
	if NeedsUpgrade(high, low) {
		t.Error("higher current code should not need downgrade")
	}
	if NeedsUpgrade(low, low) {
		t.Error("equal codes should not need upgrade")
	}
}
