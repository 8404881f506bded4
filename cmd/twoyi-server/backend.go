package main

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/twoyi/twoyid/internal/boot"
	"github.com/twoyi/twoyid/internal/controlplane"
	"github.com/twoyi/twoyid/internal/input"
	"github.com/twoyi/twoyid/internal/profile"
	"github.com/twoyi/twoyid/internal/rominfo"
	"github.com/twoyi/twoyid/internal/rootfs"
	"github.com/twoyi/twoyid/internal/screen"
	"github.com/twoyi/twoyid/internal/supervisor"
)

const bootWaitTimeout = 15 * time.Second

// daemon wires every component together and implements
// controlplane.Backend against the active profile.
type daemon struct {
	appData  string
	profiles *profile.Store
	sources  rootfs.Sources

	rootfsOverride string // set by --rootfs; empty means "use the active profile's"
	width, height  int
	dpi            int
	loaderPath     string

	sup      *supervisor.Supervisor
	streamer *screen.Streamer
	tracer   trace.Tracer

	stateMu sync.Mutex
	state   controlplane.Status // setup_mode/boot/running/boot_failed, tracked explicitly
}

func newDaemon(appData string, profiles *profile.Store, sources rootfs.Sources, width, height, dpi int, loaderPath, rootfsOverride string) *daemon {
	return &daemon{
		appData:        appData,
		profiles:       profiles,
		sources:        sources,
		rootfsOverride: rootfsOverride,
		width:          width,
		height:         height,
		dpi:            dpi,
		loaderPath:     loaderPath,
		sup:            supervisor.New(),
		streamer:       screen.New(),
		tracer:         otel.Tracer("twoyid/daemon"),
		state:          controlplane.StatusSetupMode,
	}
}

func (d *daemon) setState(s controlplane.Status) {
	d.stateMu.Lock()
	d.state = s
	d.stateMu.Unlock()
}

func (d *daemon) getState() controlplane.Status {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.state
}

func (d *daemon) rootfsDir() string {
	if d.rootfsOverride != "" {
		return d.rootfsOverride
	}
	if active := d.profiles.Active(); active != nil {
		return d.profiles.RootfsDir(*active)
	}
	return filepath.Join(d.appData, "rootfs")
}

// StartContainer runs C5 (materialize) → C6 (prepare) → C7 (spawn) and
// waits for the boot latch, each attempt wrapped in its own span.
func (d *daemon) StartContainer(ctx context.Context) error {
	ctx, span := d.tracer.Start(ctx, "StartContainer")
	defer span.End()

	d.setState(controlplane.StatusBooting)

	// fail records the boot_failed transition, then resets to setup_mode
	// once any partially-started container is stopped.
	fail := func(stopped bool, err error) error {
		d.setState(controlplane.StatusBootFailed)
		if stopped {
			d.sup.Stop()
		}
		span.RecordError(err)
		d.setState(controlplane.StatusSetupMode)
		return err
	}

	active := d.profiles.Active()
	rootfsDir := d.rootfsDir()

	if active != nil {
		currentInfo := rominfo.InfoFromDir(rootfsDir)
		bundledInfo := rominfo.InfoFromArchive(d.sources.BundledArchivePath)
		needsUpgrade := rominfo.NeedsUpgrade(currentInfo, bundledInfo)

		clearForceInstall, err := rootfs.Install(rootfsDir, d.sources, currentInfo.IsValid(), needsUpgrade, active.ForceInstall, active.UseThirdPartyRom)
		if err != nil {
			return fail(false, fmt.Errorf("daemon: materialize rootfs: %w", err))
		}
		if clearForceInstall {
			active.ForceInstall = false
			d.profiles.Update(ctx, *active)
		}
		if err := rootfs.Init(rootfsDir, rootfs.HostPropertiesFromEnv(d.dpi)); err != nil {
			return fail(false, fmt.Errorf("daemon: init rootfs: %w", err))
		}
	}

	if err := boot.Prepare(rootfsDir, d.appData, d.loaderPath); err != nil {
		return fail(false, fmt.Errorf("daemon: prepare boot: %w", err))
	}

	launcherPath, err := resolveLauncherPath()
	if err != nil {
		return fail(false, fmt.Errorf("daemon: resolve launcher: %w", err))
	}

	verbose := active != nil && active.VerboseDebug
	spec := supervisor.LaunchSpec{
		LauncherPath: launcherPath,
		RootfsPath:   rootfsDir,
		BindAddr:     fmt.Sprintf("127.0.0.1:%d", portOrDefault(active)),
		Width:        d.width,
		Height:       d.height,
		LoaderPath:   d.loaderPath,
		Verbose:      verbose,
		BootSocket:   filepath.Join(d.appData, "socket", "boot-done"),
	}
	if err := d.sup.Start(ctx, spec); err != nil {
		return fail(false, fmt.Errorf("daemon: start supervisor: %w", err))
	}

	if !d.sup.WaitBoot(bootWaitTimeout) {
		name, id := "unknown", "unknown"
		if active != nil {
			name, id = active.Name, active.ID
		}
		failure := d.sup.DiagnoseBootFailure(id, name)
		err := fmt.Errorf("daemon: boot failed for profile %s (%s), last lines: %v", failure.ProfileName, failure.ProfileID, failure.LastLines)
		return fail(true, err)
	}

	d.setState(controlplane.StatusRunning)
	return nil
}

func portOrDefault(active *profile.Profile) int {
	if active != nil && active.ControlPort != 0 {
		return active.ControlPort
	}
	return 5555
}

// resolveLauncherPath finds the external rootfs-binding launcher binary
// on PATH, the way containers.go assumes the "container" CLI is already
// installed rather than bundling/building it itself.
func resolveLauncherPath() (string, error) {
	path, err := exec.LookPath("twoyi-launcher")
	if err != nil {
		return "", fmt.Errorf("twoyi-launcher not found on PATH: %w", err)
	}
	return path, nil
}

func (d *daemon) Status() (status controlplane.Status, rootfsPath string, width, height int) {
	return d.getState(), d.rootfsDir(), d.width, d.height
}

func (d *daemon) inputRouter() *input.Router {
	dir := filepath.Join(d.rootfsDir(), "dev", "input")
	return input.New(filepath.Join(dir, "event1"), filepath.Join(dir, "event0"))
}

func (d *daemon) TouchEvent(evt controlplane.TouchEvent) error {
	return d.inputRouter().Touch(input.TouchEvent{
		Action:    evt.Action,
		PointerID: evt.PointerID,
		X:         int32(evt.X),
		Y:         int32(evt.Y),
		Pressure:  int32(evt.Pressure),
	})
}

func (d *daemon) KeyEvent(evt controlplane.KeyEvent) error {
	return d.inputRouter().Key(input.KeyEvent{KeyCode: evt.KeyCode, Pressed: evt.Pressed})
}
