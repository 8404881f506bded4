// Package rootfs implements the daemon's C5 component: materializing a
// guest Android rootfs tree for a profile, and writing the per-boot vendor
// property file it depends on.
package rootfs

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/twoyi/twoyid/internal/archive"
	"github.com/twoyi/twoyid/internal/fsops"
	"github.com/twoyi/twoyid/internal/ociarchive"
)

// Sources names where archive bytes for a materialize come from.
type Sources struct {
	BundledArchivePath string // local path or "oci://..." reference
	ThirdPartyArchivePath string // local path or "oci://..." reference
}

// HostProperties carries the host state init(profile) mirrors into
// vendor/default.prop.
type HostProperties struct {
	Language   string
	Country    string
	Timezone   string
	LCDDensity int
}

// IsInitialized reports whether rootfsDir already holds a materialized
// rootfs: a regular file named init at its root.
func IsInitialized(rootfsDir string) bool {
	fi, err := fsops.Default.Stat(filepath.Join(rootfsDir, "init"))
	return err == nil && fi.Mode().IsRegular()
}

// Install applies the five-way install-policy decision table. currentExists
// and needsUpgrade are the caller's most recent rominfo comparison;
// forceInstall/useThirdParty come from the profile. On success for the
// force-install paths, Install reports whether the caller should clear the
// profile's force_install flag.
func Install(rootfsDir string, sources Sources, currentExists, needsUpgrade, forceInstall, useThirdParty bool) (clearForceInstall bool, err error) {
	wipePartitions(rootfsDir)

	switch {
	case !currentExists:
		if err := extractFrom(sources.BundledArchivePath, rootfsDir); err != nil {
			return false, fmt.Errorf("rootfs: factory install: %w", err)
		}
		return false, nil

	case forceInstall && useThirdParty:
		if err := extractFrom(sources.ThirdPartyArchivePath, rootfsDir); err != nil {
			return false, fmt.Errorf("rootfs: third-party install: %w", err)
		}
		return true, nil

	case forceInstall && !useThirdParty:
		if err := extractFrom(sources.BundledArchivePath, rootfsDir); err != nil {
			return false, fmt.Errorf("rootfs: forced bundled install: %w", err)
		}
		return true, nil

	case !forceInstall && useThirdParty:
		slog.Warn("rootfs: use_third_party_rom set without force_install, ignoring", "rootfs", rootfsDir)
		return false, nil

	case !forceInstall && needsUpgrade:
		if err := extractFrom(sources.BundledArchivePath, rootfsDir); err != nil {
			return false, fmt.Errorf("rootfs: upgrade install: %w", err)
		}
		return false, nil

	default:
		return false, nil
	}
}

func wipePartitions(rootfsDir string) {
	for _, partition := range []string{"system", "vendor"} {
		if err := fsops.Default.RemoveAll(filepath.Join(rootfsDir, partition)); err != nil {
			slog.Warn("rootfs: wipe partition failed", "partition", partition, "error", err)
		}
	}
}

func extractFrom(src, rootfsDir string) error {
	if src == "" {
		return fmt.Errorf("no archive source configured")
	}
	if err := fsops.Default.MkdirAll(rootfsDir, 0o755); err != nil {
		return fmt.Errorf("mkdir rootfs: %w", err)
	}

	var (
		res archive.Result
		err error
	)
	if ociarchive.IsReference(src) {
		res, err = ociarchive.Extract(src, rootfsDir)
	} else {
		res, err = archive.Extract(src, rootfsDir)
	}
	if err != nil {
		return err
	}
	for _, skipped := range res.Skipped {
		slog.Warn("rootfs: entry skipped during extraction", "name", skipped.Name, "error", skipped.Err)
	}
	return nil
}

// Init writes <rootfs>/vendor/default.prop from host state. Runs after
// every materialize and before every boot.
func Init(rootfsDir string, props HostProperties) error {
	path := filepath.Join(rootfsDir, "vendor", "default.prop")
	if err := fsops.Default.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("rootfs: mkdir vendor: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "persist.sys.language=%s\n", props.Language)
	fmt.Fprintf(&b, "persist.sys.country=%s\n", props.Country)
	fmt.Fprintf(&b, "persist.sys.timezone=%s\n", props.Timezone)
	fmt.Fprintf(&b, "ro.sf.lcd_density=%d\n", props.LCDDensity)

	if err := fsops.Default.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("rootfs: write default.prop: %w", err)
	}
	return nil
}

// HostPropertiesFromEnv derives HostProperties from the running host's
// locale and timezone; callers needing deterministic output (tests,
// reproducible builds) should construct HostProperties directly instead.
func HostPropertiesFromEnv(lcdDensity int) HostProperties {
	lang, country := splitLocale(os.Getenv("LANG"))
	tz := time.Local.String()
	return HostProperties{
		Language:   lang,
		Country:    country,
		Timezone:   tz,
		LCDDensity: lcdDensity,
	}
}

func splitLocale(lang string) (language, country string) {
	lang = strings.SplitN(lang, ".", 2)[0]
	parts := strings.SplitN(lang, "_", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	if lang == "" {
		return "en", "US"
	}
	return lang, ""
}
