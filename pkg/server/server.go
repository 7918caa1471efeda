// Package server implements the control plane: a TCP listener speaking
// line-delimited JSON, dispatching lifecycle commands and input events,
// and optionally multiplexing the screen stream onto client sessions.
package server

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/twoyi/twoyi-server/pkg/boot"
	"github.com/twoyi/twoyi-server/pkg/container"
	"github.com/twoyi/twoyi-server/pkg/errors"
	"github.com/twoyi/twoyi-server/pkg/kv"
	"github.com/twoyi/twoyi-server/pkg/profile"
	"github.com/twoyi/twoyi-server/pkg/rom"
)

// Config carries the daemon parameters the control plane needs.
type Config struct {
	Listen string
	Width  int
	Height int
	DPI    int

	// RootfsOverride pins the guest rootfs, bypassing per-profile
	// resolution. Empty means "use the active profile's rootfs".
	RootfsOverride string

	Loader   string
	Launcher string

	// Setup keeps the daemon idle: the control plane runs but
	// StartContainer materialization is still allowed.
	Setup bool

	// Stream attaches the screen streamer to every session.
	Stream bool

	// ReapOrphans enables pid-1 orphan reaping before boot. The daemon
	// enables it; embedded and test servers leave it off.
	ReapOrphans bool

	Verbose bool

	BootTimeout time.Duration
	ReadTimeout time.Duration
}

// Server is the control-plane daemon.
type Server struct {
	cfg       Config
	layout    rom.Layout
	profiles  *profile.Store
	installer *rom.Manager
	appKV     *kv.Namespace
	sup       *container.Supervisor

	input    *InputRouter
	streamer *Streamer

	ln net.Listener

	// startMu serializes StartContainer across sessions.
	startMu sync.Mutex

	mu       sync.Mutex
	state    State
	sessions []*Session
	closed   bool
}

// New wires a server over its collaborators.
func New(cfg Config, layout rom.Layout, profiles *profile.Store, installer *rom.Manager, appKV *kv.Namespace, sup *container.Supervisor) *Server {
	return &Server{
		cfg:       cfg,
		layout:    layout,
		profiles:  profiles,
		installer: installer,
		appKV:     appKV,
		sup:       sup,
		state:     StateIdle,
	}
}

// ActiveRootfsDir resolves the rootfs directory the daemon serves.
func (s *Server) ActiveRootfsDir() string {
	if s.cfg.RootfsOverride != "" {
		return s.cfg.RootfsOverride
	}
	return s.profiles.RootfsDir(s.profiles.Active())
}

// Run binds the listener, starts the input and stream subsystems, and
// serves until Close.
func (s *Server) Run() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.Wrap(err, "failed to bind control listener")
	}
	return s.Serve(ln)
}

// Serve accepts connections on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	rootfsDir := s.ActiveRootfsDir()

	s.input = NewInputRouter(rootfsDir, s.cfg.Width, s.cfg.Height)
	if err := s.input.Start(); err != nil {
		slog.Error("input_router_start_failed", "error", err)
		s.input = nil
	}

	s.streamer = NewStreamer(s.cfg.Width, s.cfg.Height, FrameSource(rootfsDir))
	s.streamer.Start()

	slog.Info("control_server_listening", "address", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			slog.Error("accept_failed", "error", err)
			return errors.Wrap(err, "accept failed")
		}
		go s.handleConn(conn)
	}
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close shuts the daemon down: listener first, then the stream pump,
// the container, the input devices, and finally the sessions, newest
// session first.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ln := s.ln
	sessions := make([]*Session, len(s.sessions))
	copy(sessions, s.sessions)
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	if s.streamer != nil {
		s.streamer.Stop()
	}
	s.sup.Stop()
	if s.input != nil {
		s.input.Stop()
	}
	for i := len(sessions) - 1; i >= 0; i-- {
		sessions[i].Close()
	}
	slog.Info("control_server_closed")
}

func (s *Server) handleConn(conn net.Conn) {
	sess := newSession(conn, true, s.cfg.Stream)
	slog.Info("client_connected", "peer", sess.peer)

	// The banner is always the first line on the wire.
	if err := sess.WriteJSON(s.banner()); err != nil {
		conn.Close()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.sessions = append(s.sessions, sess)
	s.mu.Unlock()

	if s.cfg.Stream && s.streamer != nil {
		s.streamer.Attach(sess)
	}

	defer func() {
		if s.streamer != nil {
			s.streamer.Detach(sess)
		}
		s.removeSession(sess)
		conn.Close()
		slog.Info("client_disconnected", "peer", sess.peer)
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		if !scanner.Scan() {
			return
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		resp := s.dispatch(line)
		if err := sess.WriteJSON(resp); err != nil {
			slog.Warn("session_write_failed", "peer", sess.peer, "error", err)
			return
		}
	}
}

func (s *Server) removeSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.sessions {
		if other == sess {
			s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
			return
		}
	}
}

// dispatch handles one request line and returns the response value.
// Malformed lines and unknown types stay session-local.
func (s *Server) dispatch(line []byte) any {
	req, err := parseRequest(line)
	if err != nil {
		return newError("malformed request: " + err.Error())
	}

	switch req.Type {
	case TypeStartContainer:
		return s.handleStartContainer()
	case TypeGetStatus:
		return Status{
			Type:             "Status",
			ContainerRunning: s.sup.IsRunning(),
			RootfsPath:       s.ActiveRootfsDir(),
			Width:            s.cfg.Width,
			Height:           s.cfg.Height,
		}
	case TypePing:
		return newPong()
	case TypeTouchEvent:
		if s.input != nil {
			s.input.HandleTouch(req.Action, req.PointerID, req.X, req.Y, req.Pressure)
		}
		return newOk()
	case TypeKeyEvent:
		if s.input != nil {
			s.input.HandleKey(req.Keycode, req.Pressed)
		}
		return newOk()
	default:
		return newError("unknown request type: " + req.Type)
	}
}

// handleStartContainer runs materialize → prepare → spawn → await
// latch. Serialized across sessions; a start while running is
// idempotent.
func (s *Server) handleStartContainer() any {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.sup.IsRunning() {
		return newContainerStarted()
	}

	s.setState(StateBooting)

	active := s.profiles.Active()
	rootfsDir := s.ActiveRootfsDir()

	romExists := rootfsInitialized(rootfsDir)
	current := rom.InfoFromDir(rootfsDir)
	bundled := rom.InfoFromArchive(s.layout.BundledRom())
	force := s.appKV.GetBool(kv.KeyForceReinstall, false)
	useThirdParty := active.UseThirdParty || s.appKV.GetBool(kv.KeyUseThirdPartyRom, false)

	s.installer.Install(rootfsDir, romExists, rom.NeedsUpgrade(current, bundled), force, useThirdParty)

	if !rootfsInitialized(rootfsDir) {
		s.setState(StateSetupMode)
		return newError("rootfs is not initialized: no init at " + rootfsDir)
	}

	if err := s.installer.InitRootfs(rootfsDir); err != nil {
		slog.Warn("vendor_props_failed", "error", err)
	}

	if err := boot.EnsureBootFiles(s.layout, rootfsDir, s.cfg.Loader, s.cfg.ReapOrphans); err != nil {
		s.failBoot("boot preparation failed: " + err.Error())
		return newError("boot preparation failed: " + err.Error())
	}

	err := s.sup.Start(container.Config{
		Launcher:    s.cfg.Launcher,
		RootfsDir:   rootfsDir,
		BindAddress: s.cfg.Listen,
		Width:       s.cfg.Width,
		Height:      s.cfg.Height,
		DPI:         s.cfg.DPI,
		LoaderPath:  s.cfg.Loader,
		Verbose:     s.cfg.Verbose || active.VerboseDebug,
		BootSocket:  s.layout.BootDoneSocket(),
		ProfileID:   active.ID,
		ProfileName: active.Name,
	})
	if err != nil {
		s.failBoot("container spawn failed: " + err.Error())
		return newError("container spawn failed: " + err.Error())
	}

	if !s.sup.WaitBoot(s.cfg.BootTimeout) {
		slog.Error("boot_failed", "report", s.sup.FailureReport())
		s.sup.Stop()
		s.failBoot("boot timeout")
		return newError("Server did not start within timeout")
	}

	active.Touch()
	s.profiles.Update(active)
	s.setState(StateRunning)
	return newContainerStarted()
}

// StartContainer drives the same materialize → prepare → spawn path a
// client command does. Used by the daemon to boot at startup.
func (s *Server) StartContainer() error {
	if e, ok := s.handleStartContainer().(Error); ok {
		return fmt.Errorf("%s", e.Message)
	}
	return nil
}

// failBoot publishes the boot_failed transition, then resets to idle so
// the next StartContainer re-evaluates from scratch.
func (s *Server) failBoot(reason string) {
	slog.Error("boot_failure", "reason", reason)
	s.setState(StateBootFailed)
	s.setState(StateIdle)
}

func rootfsInitialized(rootfsDir string) bool {
	fi, err := os.Stat(rom.InitBinary(rootfsDir))
	return err == nil && fi.Mode().IsRegular()
}

// setState advances the state machine and broadcasts the transition to
// status subscribers, best effort.
func (s *Server) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	subscribers := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.wantStatus {
			subscribers = append(subscribers, sess)
		}
	}
	s.mu.Unlock()

	event := StatusChanged{Type: "StatusChanged", Status: state.String()}
	for _, sess := range subscribers {
		if err := sess.WriteJSON(event); err != nil {
			slog.Warn("status_broadcast_failed", "peer", sess.peer, "error", err)
		}
	}
}

func (s *Server) banner() Banner {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	running := s.sup.IsRunning()

	status := "setup_mode"
	switch state {
	case StateBooting:
		status = "boot"
	case StateRunning:
		status = "running"
	case StateBootFailed:
		status = "boot_failed"
	}

	return Banner{
		Status:     status,
		Width:      s.cfg.Width,
		Height:     s.cfg.Height,
		SetupMode:  !running,
		Streaming:  s.cfg.Stream,
		ScrcpyMode: !s.profiles.Active().IsLegacyMode(),
	}
}
