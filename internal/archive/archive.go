// Package archive implements the daemon's C2 component: streaming a
// tar.{gz,xz,plain} archive into a rootfs directory while preserving entry
// kinds (directories, regular files, symlinks, hardlinks), executable bits,
// and the "skip-and-continue for dirs/links, abort for file payload writes"
// failure policy.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/twoyi/twoyid/internal/fsops"
	"github.com/ulikunitz/xz"
)

// Kind identifies the type of filesystem entry an archive entry expands to.
type Kind int

const (
	KindDirectory Kind = iota
	KindRegular
	KindSymlink
	KindHardlink
)

// Entry is one archive member, after name normalization (§4.2 step 1).
type Entry struct {
	Kind    Kind
	Name    string
	Mode    int64
	Target  string // symlink/hardlink target, verbatim from the archive
	Payload io.Reader
}

// SkippedEntry records a non-fatal failure: a directory or link entry that
// could not be created. Extraction continues past these.
type SkippedEntry struct {
	Name string
	Err  error
}

// Result reports the outcome of a full extraction pass.
type Result struct {
	Skipped []SkippedEntry
}

// Extract streams archivePath into targetDir, inferring the compression
// format from archivePath's suffix (.tar.gz/.tgz -> gzip, .tar.xz/.txz ->
// xz, otherwise plain tar). It is restartable: running it twice against the
// same target is idempotent modulo mutable file contents (§8 invariant 6).
func Extract(archivePath, targetDir string) (Result, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return Result{}, fmt.Errorf("archive: open %s: %w", archivePath, err)
	}
	defer f.Close()

	return ExtractStream(f, archivePath, targetDir)
}

// ExtractStream is like Extract but takes an already-open reader; suffix is
// used only to choose the decompressor (pass the original archive's name
// even when r is, say, an OCI layer blob already positioned at the tar
// start).
func ExtractStream(r io.Reader, suffix, targetDir string) (Result, error) {
	tr, closer, err := TarReaderFor(r, suffix)
	if err != nil {
		return Result{}, err
	}
	if closer != nil {
		defer closer()
	}

	var res Result
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, fmt.Errorf("archive: read next entry: %w", err)
		}

		entry := entryFromHeader(hdr, tr)
		if entry.Name == "" {
			continue
		}

		if skip, err := extractOne(entry, targetDir); err != nil {
			return res, fmt.Errorf("archive: extracting %s: %w", entry.Name, err)
		} else if skip != nil {
			res.Skipped = append(res.Skipped, *skip)
		}
	}
	return res, nil
}

// TarReaderFor selects a tar reader for r based on suffix's compression
// extension (.tar.gz/.tgz -> gzip, .tar.xz/.txz -> xz, otherwise plain
// tar), returning an optional closer for the decompressor. Exported so
// other components reading tar-shaped archives (C3's rominfo probe)
// share this selection logic instead of duplicating it.
func TarReaderFor(r io.Reader, suffix string) (*tar.Reader, func(), error) {
	lower := strings.ToLower(suffix)
	switch {
	case strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz"):
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("archive: gzip: %w", err)
		}
		return tar.NewReader(gz), func() { gz.Close() }, nil
	case strings.HasSuffix(lower, ".tar.xz") || strings.HasSuffix(lower, ".txz"):
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("archive: xz: %w", err)
		}
		return tar.NewReader(xr), nil, nil
	default:
		return tar.NewReader(r), nil, nil
	}
}

func entryFromHeader(hdr *tar.Header, tr *tar.Reader) Entry {
	name := strings.TrimPrefix(hdr.Name, "./")

	var kind Kind
	switch hdr.Typeflag {
	case tar.TypeDir:
		kind = KindDirectory
	case tar.TypeSymlink:
		kind = KindSymlink
	case tar.TypeLink:
		kind = KindHardlink
	default:
		kind = KindRegular
	}

	return Entry{
		Kind:    kind,
		Name:    name,
		Mode:    hdr.Mode,
		Target:  hdr.Linkname,
		Payload: tr,
	}
}

// extractOne dispatches a single normalized entry per §4.2 step 3. A
// non-nil *SkippedEntry is returned (with a nil error) when a directory or
// link entry failed but extraction should continue; a non-nil error means
// extraction must abort (only regular-file payload writes do this).
func extractOne(e Entry, targetDir string) (*SkippedEntry, error) {
	outPath := filepath.Join(targetDir, e.Name)

	switch e.Kind {
	case KindDirectory:
		if err := fsops.Default.MkdirAll(outPath, 0o755); err != nil && !os.IsExist(err) {
			slog.Warn("archive: mkdir failed, skipping", "name", e.Name, "error", err)
			return &SkippedEntry{Name: e.Name, Err: err}, nil
		}
		return nil, nil

	case KindSymlink:
		if err := fsops.Default.MkdirAll(filepath.Dir(outPath), 0o755); err != nil && !os.IsExist(err) {
			slog.Warn("archive: symlink parent mkdir failed, skipping", "name", e.Name, "error", err)
			return &SkippedEntry{Name: e.Name, Err: err}, nil
		}
		fsops.Default.Remove(outPath)
		if err := fsops.Default.Symlink(e.Target, outPath); err != nil {
			slog.Warn("archive: symlink create failed, skipping", "name", e.Name, "error", err)
			return &SkippedEntry{Name: e.Name, Err: err}, nil
		}
		return nil, nil

	case KindHardlink:
		if err := fsops.Default.MkdirAll(filepath.Dir(outPath), 0o755); err != nil && !os.IsExist(err) {
			slog.Warn("archive: hardlink parent mkdir failed, skipping", "name", e.Name, "error", err)
			return &SkippedEntry{Name: e.Name, Err: err}, nil
		}
		fsops.Default.Remove(outPath)
		linkSrc := filepath.Join(targetDir, e.Target)
		if err := fsops.Default.Link(linkSrc, outPath); err != nil {
			slog.Warn("archive: hardlink create failed, skipping", "name", e.Name, "error", err)
			return &SkippedEntry{Name: e.Name, Err: err}, nil
		}
		return nil, nil

	default: // KindRegular
		if err := fsops.Default.MkdirAll(filepath.Dir(outPath), 0o755); err != nil && !os.IsExist(err) {
			return nil, fmt.Errorf("mkdir parent: %w", err)
		}
		out, err := fsops.Default.Create(outPath)
		if err != nil {
			return nil, fmt.Errorf("create: %w", err)
		}
		_, copyErr := io.Copy(out, e.Payload)
		closeErr := out.Close()
		if copyErr != nil {
			return nil, fmt.Errorf("write payload: %w", copyErr)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("close: %w", closeErr)
		}
		if e.Mode&0o111 != 0 {
			if err := fsops.Default.Chmod(outPath, 0o755); err != nil {
				slog.Warn("archive: chmod +x failed", "name", e.Name, "error", err)
			}
		}
		return nil, nil
	}
}
