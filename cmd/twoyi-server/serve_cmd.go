package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/twoyi/twoyid/internal/archive"
	"github.com/twoyi/twoyid/internal/controlplane"
	"github.com/twoyi/twoyid/internal/kvstore"
	"github.com/twoyi/twoyid/internal/profile"
	"github.com/twoyi/twoyid/internal/rootfs"
)

// ServeCmd starts the long-running daemon: control plane, screen
// stream, and (on first StartContainer) the guest supervisor.
type ServeCmd struct {
	Rootfs        string `placeholder:"<path>" help:"guest rootfs directory (defaults to the active profile's own rootfs dir if unset)"`
	Listen        string `default:"0.0.0.0:9876" placeholder:"<host:port>" help:"control-plane bind endpoint"`
	Width         int    `default:"720" help:"display width reported in the banner and applied to the guest"`
	Height        int    `default:"1280" help:"display height reported in the banner and applied to the guest"`
	DPI           int    `default:"320" help:"display density applied to the guest as ro.sf.lcd_density (not reported in the banner)"`
	Loader        string `placeholder:"<path>" help:"path to the renderer loader library (required for the legacy renderer path)"`
	ExtractRootfs string `placeholder:"<archive>" help:"archive to materialize into --rootfs before starting"`
	Verbose       bool   `help:"accepted but has no effect; the launcher's verbose flag comes from the active profile's verbose_debug setting"`
}

func (c *ServeCmd) Run(cctx *Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if c.ExtractRootfs != "" {
		if c.Rootfs == "" {
			return fmt.Errorf("serve: --extract-rootfs requires --rootfs")
		}
		if _, err := archive.Extract(c.ExtractRootfs, c.Rootfs); err != nil {
			return fmt.Errorf("serve: extract %s: %w", c.ExtractRootfs, err)
		}
	}

	kv, err := kvstore.Open(filepath.Join(cctx.AppData, "twoyid.db"))
	if err != nil {
		return fmt.Errorf("serve: open kvstore: %w", err)
	}
	defer kv.Close()

	profiles := profile.New(kv, cctx.AppData)
	profiles.Load(ctx)

	sources := rootfs.Sources{
		BundledArchivePath:    filepath.Join(cctx.AppData, "files", "rootfs.tar.gz"),
		ThirdPartyArchivePath: filepath.Join(cctx.AppData, "files", "rootfs_3rd.tar.gz"),
	}

	d := newDaemon(cctx.AppData, profiles, sources, c.Width, c.Height, c.DPI, c.Loader, c.Rootfs)
	defer d.sup.Stop()

	cp := controlplane.New(d).WithStreamTokens(d.streamer)

	streamAddr, err := deriveStreamAddr(c.Listen)
	if err != nil {
		return fmt.Errorf("serve: derive stream address: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		slog.InfoContext(ctx, "serve: control plane listening", "addr", c.Listen)
		errCh <- cp.Serve(ctx, c.Listen)
	}()
	go func() {
		slog.InfoContext(ctx, "serve: screen stream listening", "addr", streamAddr)
		errCh <- d.streamer.Serve(streamAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		slog.InfoContext(ctx, "serve: shutting down on signal")
		cancel()
		d.streamer.Close()
		return nil
	case err := <-errCh:
		cancel()
		d.streamer.Close()
		return err
	}
}

// deriveStreamAddr places the screen stream listener one port above the
// control plane's, on the same host, rather than adding a second listen
// flag.
func deriveStreamAddr(listen string) (string, error) {
	host, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("parse --listen %q: %w", listen, err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", fmt.Errorf("parse port %q: %w", portStr, err)
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", port+1)), nil
}
