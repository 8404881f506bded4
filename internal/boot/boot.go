// Package boot implements the daemon's C6 component: the fixed sequence of
// filesystem preparation steps that must succeed before the guest init
// subtree is spawned.
package boot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/twoyi/twoyid/internal/fsops"
)

// Prepare runs the full boot-preparation sequence against a rootfs
// belonging to appData. loaderPath is the host-provided loader shared
// object that appData/loader64 must point at.
func Prepare(rootfsDir, appData, loaderPath string) error {
	if err := ensureDirs(rootfsDir, appData); err != nil {
		return err
	}
	if err := swapLoaderSymlink(appData, loaderPath); err != nil {
		return fmt.Errorf("boot: loader symlink: %w", err)
	}
	rotateKmsg(appData)
	reapOrphans()
	return nil
}

func ensureDirs(rootfsDir, appData string) error {
	dirs := []string{
		filepath.Join(rootfsDir, "dev", "input"),
		filepath.Join(rootfsDir, "dev", "socket"),
		filepath.Join(rootfsDir, "dev", "maps"),
		filepath.Join(appData, "socket"),
	}
	for _, d := range dirs {
		if err := fsops.Default.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("boot: mkdir %s: %w", d, err)
		}
	}
	return nil
}

// swapLoaderSymlink is fatal on failure: boot cannot proceed without a
// working loader64 symlink.
func swapLoaderSymlink(appData, loaderPath string) error {
	link := filepath.Join(appData, "loader64")
	if err := fsops.Default.Remove(link); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove prior entry: %w", err)
	}
	if err := fsops.Default.Symlink(loaderPath, link); err != nil {
		return fmt.Errorf("create symlink: %w", err)
	}
	return nil
}

// rotateKmsg moves the previous kmsg capture to last_kmsg and opens a
// fresh kmsg for the next boot to capture into. Best-effort: a missing
// prior capture is not an error.
func rotateKmsg(appData string) {
	kmsg := filepath.Join(appData, "kmsg")
	lastKmsg := filepath.Join(appData, "last_kmsg")
	if _, err := fsops.Default.Stat(kmsg); err != nil {
		return
	}
	if err := fsops.Default.Rename(kmsg, lastKmsg); err != nil {
		slog.Warn("boot: kmsg rotation failed", "error", err)
		return
	}
	f, err := fsops.Default.Create(kmsg)
	if err != nil {
		slog.Warn("boot: fresh kmsg creation failed", "error", err)
		return
	}
	f.Close()
}

// reapOrphans kills any process whose parent pid is 1, cleaning up guest
// processes orphaned by a prior "reboot". This walks /proc directly: no
// library in the corpus offers a portable process-tree scan, and the
// traversal is a handful of syscalls.
func reapOrphans() {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		slog.Warn("boot: reapOrphans: read /proc", "error", err)
		return
	}
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		ppid, err := parentPID(pid)
		if err != nil || ppid != 1 {
			continue
		}
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			slog.Warn("boot: reapOrphans: kill failed", "pid", pid, "error", err)
		}
	}
}

func parentPID(pid int) (int, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	// Fields: pid (comm) state ppid ... — comm may itself contain spaces and
	// parentheses, so split on the last ')' rather than whitespace.
	closeParen := strings.LastIndexByte(string(data), ')')
	if closeParen < 0 {
		return 0, fmt.Errorf("boot: malformed /proc/%d/stat", pid)
	}
	fields := strings.Fields(string(data)[closeParen+1:])
	if len(fields) < 2 {
		return 0, fmt.Errorf("boot: malformed /proc/%d/stat", pid)
	}
	return strconv.Atoi(fields[1])
}
