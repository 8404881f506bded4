// Package supervisor implements the daemon's C7 component: spawning the
// guest's init subtree under a proot-style launcher, capturing its output
// into a bounded ring buffer with listener fan-out, and exposing a
// boot-complete latch.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sync/errgroup"
)

const ringBufferSize = 500

// LaunchSpec names everything the supervisor needs to invoke the launcher.
type LaunchSpec struct {
	LauncherPath string
	RootfsPath   string
	BindAddr     string
	Width        int
	Height       int
	LoaderPath   string
	Verbose      bool
	BootSocket   string // <app_data>/socket/boot-done
}

func (s LaunchSpec) args() []string {
	args := []string{s.RootfsPath, s.BindAddr, fmt.Sprintf("%d", s.Width), fmt.Sprintf("%d", s.Height), s.LoaderPath}
	if s.Verbose {
		args = append(args, "-v")
	}
	return args
}

// Listener receives each new captured output line.
type Listener func(line string)

// BootFailure carries diagnostics for a container that exited before
// booting.
type BootFailure struct {
	ProfileID   string
	ProfileName string
	LastLines   []string
}

// Supervisor owns at most one running container at a time.
type Supervisor struct {
	mu        sync.Mutex
	cmd       *exec.Cmd
	ptmx      *os.File
	ring      *ringBuffer
	listeners []Listener
	bootCh    chan struct{}
	bootOnce  sync.Once
	exitedCh  chan struct{}
	group     *errgroup.Group
	groupCtx  context.Context
	cancel    context.CancelFunc
}

// New constructs an idle Supervisor.
func New() *Supervisor {
	return &Supervisor{ring: newRingBuffer(ringBufferSize)}
}

// IsRunning reports whether a container is currently spawned.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}

// Start spawns the launcher under a pty. A second Start while one is
// already running is idempotent: it returns nil without spawning again.
func (s *Supervisor) Start(ctx context.Context, spec LaunchSpec) error {
	s.mu.Lock()
	if s.cmd != nil {
		s.mu.Unlock()
		return nil
	}

	cmd := exec.Command(spec.LauncherPath, spec.args()...)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: start launcher: %w", err)
	}

	groupCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(groupCtx)

	s.cmd = cmd
	s.ptmx = ptmx
	s.bootCh = make(chan struct{})
	s.bootOnce = sync.Once{}
	s.exitedCh = make(chan struct{})
	s.group = group
	s.groupCtx = groupCtx
	s.cancel = cancel
	s.mu.Unlock()

	group.Go(func() error { return s.readLines(ptmx) })
	group.Go(func() error { return s.waitBootLatch(groupCtx, spec.BootSocket) })
	go func() {
		cmd.Wait()
		close(s.exitedCh)
	}()

	return nil
}

func (s *Supervisor) readLines(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.ring.Append(line)
		s.broadcast(line)
	}
	return nil
}

func (s *Supervisor) broadcast(line string) {
	s.mu.Lock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("supervisor: listener panicked", "recover", r)
				}
			}()
			l(line)
		}()
	}
}

// Subscribe registers a listener for new output lines.
func (s *Supervisor) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// waitBootLatch listens on a Unix socket for a single connection, which
// signals boot completion.
func (s *Supervisor) waitBootLatch(ctx context.Context, socketPath string) error {
	os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("supervisor: listen boot socket: %w", err)
	}
	defer ln.Close()
	defer os.Remove(socketPath)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	conn, err := ln.Accept()
	if err != nil {
		return nil // context canceled or listener closed; not a fatal error
	}
	conn.Close()

	s.bootOnce.Do(func() { close(s.bootCh) })
	return nil
}

// WaitBoot blocks until the boot latch fires or timeout elapses, returning
// whether boot completed in time. It also returns false promptly if the
// subprocess exits before the latch fires.
func (s *Supervisor) WaitBoot(timeout time.Duration) bool {
	s.mu.Lock()
	bootCh := s.bootCh
	exitedCh := s.exitedCh
	s.mu.Unlock()

	if bootCh == nil {
		return false
	}

	select {
	case <-bootCh:
		return true
	case <-exitedCh:
		return false
	case <-time.After(timeout):
		return false
	}
}

// Stop terminates the subprocess and waits for it to reap.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cmd := s.cmd
	ptmx := s.ptmx
	cancel := s.cancel
	exitedCh := s.exitedCh
	s.mu.Unlock()

	if cmd == nil {
		return nil
	}

	if cancel != nil {
		cancel()
	}
	if cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			slog.Warn("supervisor: kill failed", "error", err)
		}
	}
	<-exitedCh
	if ptmx != nil {
		ptmx.Close()
	}

	s.mu.Lock()
	s.cmd = nil
	s.ptmx = nil
	s.mu.Unlock()
	return nil
}

// DiagnoseBootFailure builds a BootFailure snapshot from the current ring
// buffer contents for the given profile.
func (s *Supervisor) DiagnoseBootFailure(profileID, profileName string) BootFailure {
	return BootFailure{
		ProfileID:   profileID,
		ProfileName: profileName,
		LastLines:   s.ring.Snapshot(),
	}
}

// ringBuffer is a fixed-capacity FIFO of the most recent lines.
type ringBuffer struct {
	mu    sync.Mutex
	lines []string
	cap   int
	next  int
	full  bool
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{lines: make([]string, capacity), cap: capacity}
}

func (r *ringBuffer) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.full = true
	}
}

func (r *ringBuffer) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]string, r.next)
		copy(out, r.lines[:r.next])
		return out
	}
	out := make([]string, r.cap)
	copy(out, r.lines[r.next:])
	copy(out[r.cap-r.next:], r.lines[:r.next])
	return out
}
