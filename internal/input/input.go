// Package input implements the daemon's C9 component: translating touch
// and key events into writes against the guest's virtual input device
// nodes.
package input

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/gvalkov/golang-evdev"
)

// Action is the guest event-device action code a host touch action
// translates to.
type Action int32

const (
	ActionDown   Action = 0
	ActionUp     Action = 1
	ActionMove   Action = 2
	ActionCancel Action = 3
)

// Host touch action codes, as received over the control plane.
const (
	HostActionDown      = 0
	HostActionUp        = 1
	HostActionMove      = 2
	HostActionPointerUp = 3
)

// Linux input-event type/code constants this router writes. Kept local
// (not sourced from golang-evdev's exported constants) since only its
// InputEvent struct layout is grounded on the corpus; these are the fixed
// kernel ABI values from linux/input-event-codes.h.
const (
	evSyn = 0x00
	evKey = 0x01
	evAbs = 0x03

	synReport = 0

	absMTSlot       = 0x2f
	absMTTrackingID = 0x39
	absMTPositionX  = 0x35
	absMTPositionY  = 0x36
	absMTPressure   = 0x3a
)

const maxSlots = 10

// TouchEvent is one touch sample destined for the guest touch device.
type TouchEvent struct {
	Action    int
	PointerID int
	X         int32
	Y         int32
	Pressure  int32
}

// KeyEvent is one key sample destined for the guest key device.
type KeyEvent struct {
	KeyCode int
	Pressed bool
}

// Router writes translated events to the guest's virtual input device
// nodes. Writes are non-blocking: if the device node is busy the write is
// dropped, matching the policy that clients resend state.
type Router struct {
	touchPath string
	keyPath   string
}

// New constructs a Router against the given device node paths (typically
// under <rootfs>/dev/input).
func New(touchDevicePath, keyDevicePath string) *Router {
	return &Router{touchPath: touchDevicePath, keyPath: keyDevicePath}
}

func translateAction(hostAction int) (Action, error) {
	switch hostAction {
	case HostActionDown:
		return ActionDown, nil
	case HostActionUp:
		return ActionUp, nil
	case HostActionMove:
		return ActionMove, nil
	case HostActionPointerUp:
		return ActionCancel, nil
	default:
		return 0, fmt.Errorf("input: unknown host action %d", hostAction)
	}
}

// Touch writes a multitouch ABS_MT_* sequence for evt. Pointer ids beyond
// maxSlots are rejected rather than silently wrapping, since the guest has
// no slot to place them in.
func (r *Router) Touch(evt TouchEvent) error {
	if evt.PointerID < 0 || evt.PointerID >= maxSlots {
		return fmt.Errorf("input: pointer id %d exceeds %d slot cap", evt.PointerID, maxSlots)
	}
	action, err := translateAction(evt.Action)
	if err != nil {
		return err
	}

	events := []evdev.InputEvent{
		mkEvent(evAbs, absMTSlot, int32(evt.PointerID)),
	}
	if action == ActionDown {
		events = append(events, mkEvent(evAbs, absMTTrackingID, int32(evt.PointerID)))
	} else if action == ActionUp || action == ActionCancel {
		events = append(events, mkEvent(evAbs, absMTTrackingID, -1))
	}
	events = append(events,
		mkEvent(evAbs, absMTPositionX, evt.X),
		mkEvent(evAbs, absMTPositionY, evt.Y),
		mkEvent(evAbs, absMTPressure, evt.Pressure),
		mkEvent(evSyn, synReport, 0),
	)

	return writeNonBlocking(r.touchPath, events)
}

// Key writes a KEY press/release followed by SYN_REPORT.
func (r *Router) Key(evt KeyEvent) error {
	value := int32(0)
	if evt.Pressed {
		value = 1
	}
	events := []evdev.InputEvent{
		mkEvent(evKey, uint16(evt.KeyCode), value),
		mkEvent(evSyn, synReport, 0),
	}
	return writeNonBlocking(r.keyPath, events)
}

func mkEvent(typ, code uint16, value int32) evdev.InputEvent {
	return evdev.InputEvent{Type: typ, Code: code, Value: value}
}

// writeNonBlocking opens the device node O_NONBLOCK and writes every event
// in sequence; a busy device (EAGAIN) is a dropped write, not an error the
// caller needs to retry, per §4.9's "resend state" policy.
func writeNonBlocking(path string, events []evdev.InputEvent) error {
	f, err := os.OpenFile(path, os.O_WRONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input: device node %s missing: %w", path, err)
		}
		slog.Debug("input: device busy, dropping write", "path", path, "error", err)
		return nil
	}
	defer f.Close()

	for _, evt := range events {
		if err := binary.Write(f, binary.LittleEndian, evt); err != nil {
			slog.Debug("input: write dropped", "path", path, "error", err)
			return nil
		}
	}
	return nil
}
