package server

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// streamFPS is the target frame rate of the screen stream.
const streamFPS = 30

// Streamer multiplexes framed RGBA snapshots onto subscribed control
// sessions. Frames share the session socket with JSON responses; the
// per-session write mutex keeps the two framings from interleaving.
//
// The frame source is the gralloc shared-memory file the guest renders
// into; while it is absent or short a generated test pattern is sent so
// clients can verify the pipeline end to end.
type Streamer struct {
	width  int
	height int
	source string

	mu       sync.Mutex
	sessions map[*Session]struct{}

	stopOnce sync.Once
	stop     chan struct{}

	pattern []byte
	frame   uint32
}

// FrameSource returns the gralloc framebuffer path for a rootfs.
func FrameSource(rootfsDir string) string {
	return filepath.Join(rootfsDir, "dev", "shm", "gralloc_fb")
}

// NewStreamer creates a streamer for the given geometry and source
// file.
func NewStreamer(width, height int, source string) *Streamer {
	return &Streamer{
		width:    width,
		height:   height,
		source:   source,
		sessions: make(map[*Session]struct{}),
		stop:     make(chan struct{}),
	}
}

// Attach subscribes a session to the stream.
func (st *Streamer) Attach(sess *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[sess] = struct{}{}
}

// Detach unsubscribes a session.
func (st *Streamer) Detach(sess *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, sess)
}

// Start launches the frame pump.
func (st *Streamer) Start() {
	go st.run()
}

// Stop halts the frame pump. Sessions stay open; they simply stop
// receiving frames.
func (st *Streamer) Stop() {
	st.stopOnce.Do(func() { close(st.stop) })
}

func (st *Streamer) run() {
	slog.Info("frame_streamer_started", "source", st.source, "fps", streamFPS)
	ticker := time.NewTicker(time.Second / streamFPS)
	defer ticker.Stop()

	for {
		select {
		case <-st.stop:
			slog.Info("frame_streamer_stopped")
			return
		case <-ticker.C:
		}

		st.mu.Lock()
		if len(st.sessions) == 0 {
			st.mu.Unlock()
			continue
		}
		subscribers := make([]*Session, 0, len(st.sessions))
		for sess := range st.sessions {
			subscribers = append(subscribers, sess)
		}
		st.mu.Unlock()

		frame := st.nextFrame()
		for _, sess := range subscribers {
			if err := sess.WriteScreenFrame(st.width, st.height, frame); err != nil {
				slog.Info("frame_client_detached", "peer", sess.peer, "error", err)
				st.Detach(sess)
			}
		}
	}
}

// nextFrame reads the guest framebuffer, falling back to the test
// pattern.
func (st *Streamer) nextFrame() []byte {
	st.frame++
	size := st.width * st.height * 4

	if data, err := os.ReadFile(st.source); err == nil && len(data) >= size {
		return data[:size]
	}
	return st.testPattern()
}

// testPattern paints a phase-cycling base color with a white border so
// a client can tell a live pipeline from a stuck one.
func (st *Streamer) testPattern() []byte {
	size := st.width * st.height * 4
	if st.pattern == nil {
		st.pattern = make([]byte, size)
	}

	phases := [6][3]byte{
		{50, 50, 50},
		{100, 50, 50},
		{50, 100, 50},
		{50, 50, 100},
		{100, 100, 50},
		{50, 100, 100},
	}
	base := phases[(st.frame/streamFPS)%6]

	const border = 20
	for y := 0; y < st.height; y++ {
		for x := 0; x < st.width; x++ {
			i := (y*st.width + x) * 4
			r, g, b := base[0], base[1], base[2]
			if x < border || x >= st.width-border || y < border || y >= st.height-border {
				r, g, b = 255, 255, 255
			}
			st.pattern[i] = r
			st.pattern[i+1] = g
			st.pattern[i+2] = b
			st.pattern[i+3] = 255
		}
	}
	return st.pattern
}
