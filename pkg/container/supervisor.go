// Package container supervises the guest init process: spawning it
// under the binding launcher, draining its merged output into a bounded
// ring, and exposing the boot-complete latch.
package container

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/twoyi/twoyi-server/pkg/errors"
	"golang.org/x/sys/unix"
)

// Config describes one container launch.
type Config struct {
	// Launcher is the binding launcher binary. When empty the guest
	// init is executed directly with the rootfs as working directory.
	Launcher    string
	RootfsDir   string
	BindAddress string
	Width       int
	Height      int
	DPI         int
	LoaderPath  string
	Verbose     bool

	// BootSocket is the unix socket path the guest connects to when
	// user-space is ready.
	BootSocket string

	// Profile identity recorded in failure diagnostics.
	ProfileID   string
	ProfileName string
}

// stopGrace is how long Stop waits after SIGTERM before SIGKILL.
const stopGrace = 5 * time.Second

// Supervisor owns at most one guest container at a time.
type Supervisor struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	cfg     Config
	running bool

	bootCh chan struct{}
	exitCh chan struct{}

	bootListener net.Listener

	ring *LineRing

	subMu   sync.Mutex
	subs    map[int]chan string
	nextSub int
}

// New creates an idle supervisor.
func New() *Supervisor {
	return &Supervisor{
		ring: NewLineRing(DefaultLogLines),
		subs: make(map[int]chan string),
	}
}

// Start spawns the guest. Starting while a container is already running
// is a no-op; the daemon never spawns twice.
func (s *Supervisor) Start(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		slog.Info("container_already_running")
		return nil
	}

	if _, err := os.Stat(cfg.RootfsDir); err != nil {
		return errors.Wrap(err, "rootfs directory missing")
	}

	bootCh := make(chan struct{})
	listener, err := s.listenBootSocket(cfg.BootSocket, bootCh)
	if err != nil {
		return err
	}

	cmd := buildCommand(cfg)

	// Merge stdout and stderr into one stream for the reader.
	pr, pw, err := os.Pipe()
	if err != nil {
		listener.Close()
		return errors.Wrap(err, "failed to create output pipe")
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	slog.Info("container_starting", "rootfs", cfg.RootfsDir, "launcher", cmd.Path, "args", cmd.Args)

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		listener.Close()
		return errors.Wrap(err, "failed to spawn container")
	}
	pw.Close()

	s.cmd = cmd
	s.cfg = cfg
	s.running = true
	s.bootCh = bootCh
	s.exitCh = make(chan struct{})
	s.bootListener = listener

	go s.drainOutput(pr)
	go s.watchExit(cmd)

	slog.Info("container_started", "pid", cmd.Process.Pid)
	return nil
}

func (s *Supervisor) listenBootSocket(path string, bootCh chan struct{}) (net.Listener, error) {
	if path == "" {
		// Without a latch socket a boot could never be observed; refuse
		// to start.
		return nil, fmt.Errorf("boot socket path not configured")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "failed to remove stale boot socket")
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to bind boot socket")
	}

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		conn.Close()
		slog.Info("boot_latch_fired")
		close(bootCh)
	}()

	return listener, nil
}

func buildCommand(cfg Config) *exec.Cmd {
	var cmd *exec.Cmd
	if cfg.Launcher != "" {
		args := []string{
			"--rootfs", cfg.RootfsDir,
			"--bind", cfg.BindAddress,
			"--width", strconv.Itoa(cfg.Width),
			"--height", strconv.Itoa(cfg.Height),
			"--dpi", strconv.Itoa(cfg.DPI),
		}
		if cfg.LoaderPath != "" {
			args = append(args, "--loader", cfg.LoaderPath)
		}
		verbose := "none"
		if cfg.Verbose {
			verbose = "v"
		}
		args = append(args, "--verbose", verbose)
		cmd = exec.Command(cfg.Launcher, args...)
	} else {
		cmd = exec.Command("./init")
	}

	cmd.Dir = cfg.RootfsDir
	cmd.Env = append(os.Environ(),
		"TYLOADER="+cfg.LoaderPath,
		"REDROID_WIDTH="+strconv.Itoa(cfg.Width),
		"REDROID_HEIGHT="+strconv.Itoa(cfg.Height),
		"REDROID_DPI="+strconv.Itoa(cfg.DPI),
		"REDROID_ADB_ENABLED=1",
	)
	return cmd
}

// drainOutput reads merged guest output line by line until EOF,
// recording each line and fanning it out to subscribers. A slow
// subscriber is skipped, never blocking the reader.
func (s *Supervisor) drainOutput(r *os.File) {
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.ring.Append(line)

		s.subMu.Lock()
		for _, ch := range s.subs {
			select {
			case ch <- line:
			default:
			}
		}
		s.subMu.Unlock()
	}
}

func (s *Supervisor) watchExit(cmd *exec.Cmd) {
	err := cmd.Wait()

	s.mu.Lock()
	if s.cmd == cmd {
		s.running = false
		if s.bootListener != nil {
			s.bootListener.Close()
			s.bootListener = nil
		}
		close(s.exitCh)
	}
	s.mu.Unlock()

	if err != nil {
		slog.Warn("container_exited", "error", err)
	} else {
		slog.Info("container_exited")
	}
}

// WaitBoot blocks until the guest signals boot completion, the guest
// exits, or the deadline elapses. Returns true only on the latch.
func (s *Supervisor) WaitBoot(timeout time.Duration) bool {
	s.mu.Lock()
	bootCh, exitCh := s.bootCh, s.exitCh
	s.mu.Unlock()

	if bootCh == nil {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-bootCh:
		return true
	case <-exitCh:
		return false
	case <-timer.C:
		return false
	}
}

// Stop terminates the guest: SIGTERM, a grace period, then SIGKILL.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cmd := s.cmd
	exitCh := s.exitCh
	running := s.running
	s.mu.Unlock()

	if !running || cmd == nil || cmd.Process == nil {
		return nil
	}

	slog.Info("container_stopping", "pid", cmd.Process.Pid)
	if err := cmd.Process.Signal(unix.SIGTERM); err != nil {
		slog.Warn("sigterm_failed", "error", err)
	}

	select {
	case <-exitCh:
	case <-time.After(stopGrace):
		slog.Warn("container_kill_after_grace", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-exitCh
	}

	s.mu.Lock()
	s.cmd = nil
	s.mu.Unlock()
	return nil
}

// IsRunning reports whether the guest subprocess is alive.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastLogLines returns up to n of the most recent guest log lines.
func (s *Supervisor) LastLogLines(n int) []string {
	return s.ring.Last(n)
}

// Subscribe registers a log listener. The returned channel receives
// each new guest line; lines are dropped when the channel is full.
func (s *Supervisor) Subscribe() (int, <-chan string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan string, 64)
	s.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a log listener.
func (s *Supervisor) Unsubscribe(id int) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	delete(s.subs, id)
}

// FailureReport describes a failed boot for diagnostics: the active
// profile identity and the tail of the guest log.
func (s *Supervisor) FailureReport() string {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	report := fmt.Sprintf("boot failed for profile %s (%s)", cfg.ProfileName, cfg.ProfileID)
	lines := s.ring.Last(20)
	for _, line := range lines {
		report += "\n  " + line
	}
	return report
}
