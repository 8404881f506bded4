// Package controlplane implements the daemon's C8 component: a TCP server
// that dispatches line-delimited JSON commands against the container
// lifecycle. Server.Broadcast writes a message to every connected session;
// status transitions are not broadcast automatically, so clients see the
// current status only in the banner and in GetStatus responses.
package controlplane

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracer is resolved against whatever global TracerProvider
// internal/telemetry installed; with none installed it is otel's
// built-in no-op, so dispatch costs nothing extra when tracing is off.
var tracer = otel.Tracer("twoyid/controlplane")

// Status mirrors the daemon's current lifecycle state:
//
//	setup_mode ──StartContainer──▶ boot ──latch──▶ running
//	                                  └──timeout/exit──▶ boot_failed ──reset──▶ setup_mode
//
// There is no separate wire value for an idle state: idle is exactly the
// state with no container running and none booting, which is what
// setup_mode denotes, so the two share one literal.
type Status string

const (
	StatusSetupMode  Status = "setup_mode"
	StatusBooting    Status = "boot"
	StatusRunning    Status = "running"
	StatusBootFailed Status = "boot_failed"
)

const (
	startContainerTimeout = 15 * time.Second
	sessionReadTimeout    = 30 * time.Second
)

// Backend is everything the control plane dispatches into; implemented by
// the daemon's top-level wiring, narrowed here so tests can supply a fake.
type Backend interface {
	StartContainer(ctx context.Context) error
	Status() (status Status, rootfsPath string, width, height int)
	TouchEvent(evt TouchEvent) error
	KeyEvent(evt KeyEvent) error
}

// TouchEvent and KeyEvent carry the parsed payload of the corresponding
// request types, destined for C9.
type TouchEvent struct {
	Action    int     `json:"action"`
	PointerID int     `json:"pointer_id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Pressure  float64 `json:"pressure"`
}

type KeyEvent struct {
	KeyCode int  `json:"keycode"`
	Pressed bool `json:"pressed"`
}

type banner struct {
	Status      Status `json:"status"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	SetupMode   bool   `json:"setup_mode"`
	Streaming   bool   `json:"streaming"`
	ScrcpyMode  bool   `json:"scrcpy_mode"`
	StreamToken string `json:"stream_token,omitempty"`
}

// StreamTokenIssuer mints the token a client must present on the
// second, screen-stream TCP connection (C10). Narrowed to this one
// method so tests can supply a fake instead of a real streamer.
type StreamTokenIssuer interface {
	IssueToken() (string, error)
}

// Server accepts TCP connections and dispatches commands against a Backend.
type Server struct {
	backend  Backend
	streams  StreamTokenIssuer
	listener net.Listener

	mu       sync.Mutex
	sessions map[*session]struct{}
}

// New constructs a Server bound to backend. Call Serve to accept
// connections.
func New(backend Backend) *Server {
	return &Server{backend: backend, sessions: map[*session]struct{}{}}
}

// WithStreamTokens enables the "stream_token" banner field, minted by
// streams for every new session. Optional: without it, streaming is
// never advertised and the field is omitted.
func (s *Server) WithStreamTokens(streams StreamTokenIssuer) *Server {
	s.streams = streams
	return s
}

// Serve listens on addr and accepts connections until ctx is canceled or
// Listen fails.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("controlplane: listen %s: %w", addr, err)
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("controlplane: accept: %w", err)
			}
		}
		sess := newSession(conn, s.backend, s.streams)
		s.trackSession(sess)
		go func() {
			sess.run(ctx)
			s.untrackSession(sess)
		}()
	}
}

func (s *Server) trackSession(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess] = struct{}{}
}

func (s *Server) untrackSession(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
}

// Broadcast sends a status snapshot to every connected session. Sessions are
// copied out from under the lock before any write, so a slow or failing
// session's write never blocks the broadcaster holding the lock.
func (s *Server) Broadcast(msg any) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.writeJSON(msg); err != nil {
			slog.Warn("controlplane: broadcast write failed, dropping session", "peer", sess.conn.RemoteAddr(), "error", err)
		}
	}
}

// session is one accepted connection: independent read/write halves, a
// write mutex serializing responses and Broadcast writes. Screen frames
// never travel on this connection (see internal/screen).
type session struct {
	conn    net.Conn
	backend Backend
	streams StreamTokenIssuer
	writeMu sync.Mutex
}

func newSession(conn net.Conn, backend Backend, streams StreamTokenIssuer) *session {
	return &session{conn: conn, backend: backend, streams: streams}
}

func (sess *session) run(ctx context.Context) {
	defer sess.conn.Close()

	status, _, width, height := sess.backend.Status()
	b := banner{
		Status:    status,
		Width:     width,
		Height:    height,
		SetupMode: status == StatusSetupMode,
	}
	if sess.streams != nil {
		token, err := sess.streams.IssueToken()
		if err != nil {
			slog.Warn("controlplane: failed to mint stream token", "error", err)
		} else {
			b.Streaming = true
			b.StreamToken = token
		}
	}
	if err := sess.writeJSON(b); err != nil {
		return
	}

	scanner := bufio.NewScanner(sess.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		sess.conn.SetReadDeadline(time.Now().Add(sessionReadTimeout))
		if !scanner.Scan() {
			return
		}
		line := scanner.Bytes()
		resp := sess.dispatch(ctx, line)
		if err := sess.writeJSON(resp); err != nil {
			return
		}
	}
}

func (sess *session) dispatch(ctx context.Context, line []byte) any {
	var req struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &req); err != nil {
		return errorResponse(fmt.Sprintf("malformed request: %v", err))
	}

	ctx, span := tracer.Start(ctx, req.Type, trace.WithAttributes(attribute.String("request.type", req.Type)))
	defer span.End()

	switch req.Type {
	case "StartContainer":
		startCtx, cancel := context.WithTimeout(ctx, startContainerTimeout)
		defer cancel()
		if err := sess.backend.StartContainer(startCtx); err != nil {
			span.RecordError(err)
			return errorResponse(err.Error())
		}
		return map[string]string{"type": "ContainerStarted"}

	case "GetStatus":
		status, rootfsPath, width, height := sess.backend.Status()
		return map[string]any{
			"type":              "Status",
			"container_running": status == StatusRunning,
			"rootfs_path":       rootfsPath,
			"width":             width,
			"height":            height,
		}

	case "Ping":
		return map[string]string{"type": "Pong"}

	case "TouchEvent":
		var evt TouchEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			return errorResponse(fmt.Sprintf("malformed TouchEvent: %v", err))
		}
		if err := sess.backend.TouchEvent(evt); err != nil {
			return errorResponse(err.Error())
		}
		return map[string]string{"type": "Ok"}

	case "KeyEvent":
		var evt KeyEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			return errorResponse(fmt.Sprintf("malformed KeyEvent: %v", err))
		}
		if err := sess.backend.KeyEvent(evt); err != nil {
			return errorResponse(err.Error())
		}
		return map[string]string{"type": "Ok"}

	default:
		return errorResponse(fmt.Sprintf("unknown request type %q", req.Type))
	}
}

func errorResponse(message string) map[string]string {
	return map[string]string{"type": "Error", "message": message}
}

func (sess *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("controlplane: marshal response: %w", err)
	}
	data = append(data, '\n')

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	_, err = sess.conn.Write(data)
	return err
}
