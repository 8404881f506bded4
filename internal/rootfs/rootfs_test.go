package rootfs

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func writeTestArchive(t *testing.T, path string) {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: "./init", Mode: 0o755, Size: 4}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if _, err := tw.Write([]byte("boot")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	tw.Close()
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestIsInitializedFalseOnEmptyDir(t *testing.T) {
	if IsInitialized(t.TempDir()) {
		t.Error("empty dir should not be initialized")
	}
}

func TestInstallFirstTimeExtractsBundled(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "bundled.tar")
	writeTestArchive(t, archivePath)

	rootfsDir := filepath.Join(dir, "rootfs")
	clear, err := Install(rootfsDir, Sources{BundledArchivePath: archivePath}, false, false, false, false)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if clear {
		t.Error("factory install should not request clearing force_install")
	}
	if !IsInitialized(rootfsDir) {
		t.Error("expected rootfs to be initialized after factory install")
	}
}

func TestInstallForcedThirdPartyClearsFlag(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "third.tar")
	writeTestArchive(t, archivePath)

	rootfsDir := filepath.Join(dir, "rootfs")
	clear, err := Install(rootfsDir, Sources{ThirdPartyArchivePath: archivePath}, true, false, true, true)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if !clear {
		t.Error("forced third-party install should request clearing force_install")
	}
}

func TestInstallThirdPartyWithoutForceIsNoop(t *testing.T) {
	dir := t.TempDir()
	rootfsDir := filepath.Join(dir, "rootfs")
	clear, err := Install(rootfsDir, Sources{}, true, false, false, true)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if clear {
		t.Error("no-op path should not request clearing force_install")
	}
	if IsInitialized(rootfsDir) {
		t.Error("no extraction should have happened")
	}
}

func TestInstallUpgradePathExtractsBundled(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "bundled.tar")
	writeTestArchive(t, archivePath)

	rootfsDir := filepath.Join(dir, "rootfs")
	os.MkdirAll(rootfsDir, 0o755)
	clear, err := Install(rootfsDir, Sources{BundledArchivePath: archivePath}, true, true, false, false)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if clear {
		t.Error("upgrade path should not touch force_install")
	}
	if !IsInitialized(rootfsDir) {
		t.Error("expected rootfs to be initialized after upgrade")
	}
}

func TestInstallNoopWhenNothingToDo(t *testing.T) {
	dir := t.TempDir()
	rootfsDir := filepath.Join(dir, "rootfs")
	_, err := Install(rootfsDir, Sources{}, true, false, false, false)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
}

func TestInstallWipesSystemAndVendor(t *testing.T) {
	dir := t.TempDir()
	rootfsDir := filepath.Join(dir, "rootfs")
	systemDir := filepath.Join(rootfsDir, "system")
	if err := os.MkdirAll(systemDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(systemDir, "stale"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	archivePath := filepath.Join(dir, "bundled.tar")
	writeTestArchive(t, archivePath)
	if _, err := Install(rootfsDir, Sources{BundledArchivePath: archivePath}, false, false, false, false); err != nil {
		t.Fatalf("Install: %v", err)
	}

	if _, err := os.Stat(filepath.Join(systemDir, "stale")); !os.IsNotExist(err) {
		t.Error("expected system partition to be wiped")
	}
}

func TestInitWritesVendorDefaultProp(t *testing.T) {
	dir := t.TempDir()
	props := HostProperties{Language: "en", Country: "US", Timezone: "UTC", LCDDensity: 240}
	if err := Init(dir, props); err != nil {
		t.Fatalf("Init: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "vendor", "default.prop"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content := string(data)
	for _, want := range []string{"persist.sys.language=en", "persist.sys.country=US", "persist.sys.timezone=UTC", "ro.sf.lcd_density=240"} {
		if !bytes.Contains(data, []byte(want)) {
			t.Errorf("default.prop missing %q; got %q", want, content)
		}
	}
}
