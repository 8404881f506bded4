// Package rominfo implements the daemon's C3 component: extracting rom.ini
// metadata from a rootfs archive or an already-materialized rootfs
// directory.
package rominfo

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mvo5/goconfigparser"

	"github.com/twoyi/twoyid/internal/archive"
)

// RomInfo is the metadata carried by a rootfs's rom.ini. UNKNOWN signals
// "no valid info" and is never equal to a genuinely parsed RomInfo.
type RomInfo struct {
	Author  string
	Version string
	Desc    string
	MD5     string
	Code    int
	valid   bool
}

// UNKNOWN is the sentinel returned whenever rom.ini cannot be found or
// parsed.
var UNKNOWN = RomInfo{Author: "unknown", Version: "unknown", Desc: "unknown", MD5: "unknown", Code: 0}

// IsValid reports whether r was constructed from an actually-parsed
// rom.ini, as opposed to being UNKNOWN.
func (r RomInfo) IsValid() bool {
	return r.valid
}

// NeedsUpgrade is true iff current is UNKNOWN or bundled carries a strictly
// higher code.
func NeedsUpgrade(current, bundled RomInfo) bool {
	return !current.valid || bundled.Code > current.Code
}

// InfoFromDir reads <dir>/rom.ini directly.
func InfoFromDir(dir string) RomInfo {
	data, err := os.ReadFile(filepath.Join(dir, "rom.ini"))
	if err != nil {
		return UNKNOWN
	}
	return parse(data)
}

// InfoFromArchive scans archivePath for a rom.ini (or ./rom.ini) entry and
// parses it, without extracting the rest of the archive to disk.
func InfoFromArchive(archivePath string) RomInfo {
	f, err := os.Open(archivePath)
	if err != nil {
		return UNKNOWN
	}
	defer f.Close()

	tr, closer, err := archive.TarReaderFor(f, archivePath)
	if err != nil {
		return UNKNOWN
	}
	if closer != nil {
		defer closer()
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return UNKNOWN
		}
		if err != nil {
			return UNKNOWN
		}
		name := strings.TrimPrefix(hdr.Name, "./")
		if name != "rom.ini" {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return UNKNOWN
		}
		return parse(data)
	}
}

func parse(data []byte) RomInfo {
	cfg := goconfigparser.New()
	cfg.AllowNoSectionHeader = true
	if err := cfg.ReadString(string(data)); err != nil {
		return UNKNOWN
	}

	info := RomInfo{valid: true}
	info.Author = getOr(cfg, "author", "unknown")
	info.Version = getOr(cfg, "version", "unknown")
	info.Desc = getOr(cfg, "desc", "unknown")
	info.MD5 = getOr(cfg, "md5", "unknown")

	codeStr := getOr(cfg, "code", "0")
	code, err := strconv.Atoi(strings.TrimSpace(codeStr))
	if err != nil {
		info.Code = 0
	} else {
		info.Code = code
	}
	return info
}

func getOr(cfg *goconfigparser.ConfigParser, key, fallback string) string {
	v, err := cfg.Get("", key)
	if err != nil || v == "" {
		return fallback
	}
	return v
}
