package main

import (
	"fmt"

	"github.com/twoyi/twoyid/internal/archive"
	"github.com/twoyi/twoyid/internal/ociarchive"
)

// ExtractCmd is a one-shot materialization of an archive (local path or
// oci:// reference) into a target directory, without starting a daemon.
type ExtractCmd struct {
	Archive string `arg:"" help:"archive path or oci://registry/repo:tag reference"`
	Target  string `arg:"" help:"directory to extract into"`
}

func (c *ExtractCmd) Run(cctx *Context) error {
	if ociarchive.IsReference(c.Archive) {
		res, err := ociarchive.Extract(c.Archive, c.Target)
		if err != nil {
			return fmt.Errorf("extract: %w", err)
		}
		fmt.Printf("extracted into %s, %d entries skipped\n", c.Target, len(res.Skipped))
		return nil
	}

	res, err := archive.Extract(c.Archive, c.Target)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	fmt.Printf("extracted into %s, %d entries skipped\n", c.Target, len(res.Skipped))
	return nil
}
