// Package ociarchive extends the rootfs materializer to pull a rootfs
// archive distributed as a single-layer OCI image (oci://registry/repo:tag)
// instead of a local tar file, feeding the resulting layer stream into the
// same extractor used for on-disk archives.
package ociarchive

import (
	"fmt"
	"io"
	"strings"

	"github.com/google/go-containerregistry/pkg/crane"
	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/twoyi/twoyid/internal/archive"
)

const refPrefix = "oci://"

// IsReference reports whether src names an OCI image rather than a local
// archive path.
func IsReference(src string) bool {
	return strings.HasPrefix(src, refPrefix)
}

// Pull fetches the image named by an "oci://registry/repo:tag" reference
// and returns its last layer's uncompressed tar stream (the only layer of
// a single-layer image), along with a
// closer the caller must invoke once done reading.
func Pull(ociRef string) (io.ReadCloser, error) {
	ref := strings.TrimPrefix(ociRef, refPrefix)

	img, err := crane.Pull(ref)
	if err != nil {
		return nil, fmt.Errorf("ociarchive: pull %s: %w", ref, err)
	}

	layer, err := singleLayer(img)
	if err != nil {
		return nil, fmt.Errorf("ociarchive: %s: %w", ref, err)
	}

	rc, err := layer.Uncompressed()
	if err != nil {
		return nil, fmt.Errorf("ociarchive: uncompress layer: %w", err)
	}
	return rc, nil
}

func singleLayer(img v1.Image) (v1.Layer, error) {
	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("read layers: %w", err)
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("image has no layers")
	}
	return layers[len(layers)-1], nil
}

// Extract pulls ociRef and streams its layer into targetDir, using the
// same entry-dispatch policy as a local archive extraction. The stream is
// already decompressed by the OCI layer reader, so it is handed to the
// extractor as a plain tar.
func Extract(ociRef, targetDir string) (archive.Result, error) {
	rc, err := Pull(ociRef)
	if err != nil {
		return archive.Result{}, err
	}
	defer rc.Close()

	return archive.ExtractStream(rc, "rootfs.tar", targetDir)
}
