package server

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/twoyi/twoyi-server/pkg/container"
	"github.com/twoyi/twoyi-server/pkg/kv"
	"github.com/twoyi/twoyi-server/pkg/profile"
	"github.com/twoyi/twoyi-server/pkg/rom"
)

type testDaemon struct {
	server  *Server
	layout  rom.Layout
	store   *profile.Store
	rootfs  string
	dataDir string
}

// launcherScript controls the fake guest; an empty script means no
// launcher is written and the rootfs stays uninitialized.
func newTestDaemon(t *testing.T, cfg Config, launcherScript string) *testDaemon {
	t.Helper()
	dataDir := t.TempDir()
	layout := rom.Layout{DataDir: dataDir}

	db, err := kv.Open(filepath.Join(dataDir, "app_kv.db"))
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ns := db.Namespace(kv.AppNamespace)

	store := profile.NewStore(ns, dataDir)
	rootfs := store.RootfsDir(store.Active())

	if launcherScript != "" {
		if err := os.MkdirAll(rootfs, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(rom.InitBinary(rootfs), []byte("elf"), 0755); err != nil {
			t.Fatal(err)
		}
		launcher := filepath.Join(dataDir, "launcher.sh")
		if err := os.WriteFile(launcher, []byte("#!/bin/sh\n"+launcherScript), 0755); err != nil {
			t.Fatal(err)
		}
		cfg.Launcher = launcher
	}

	if cfg.Width == 0 {
		cfg.Width = 720
	}
	if cfg.Height == 0 {
		cfg.Height = 1280
	}
	if cfg.DPI == 0 {
		cfg.DPI = 320
	}
	if cfg.BootTimeout == 0 {
		cfg.BootTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	cfg.Loader = filepath.Join(dataDir, "libloader.so")

	installer := &rom.Manager{Layout: layout, KV: ns, DPI: cfg.DPI}
	srv := New(cfg, layout, store, installer, ns, container.New())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(ln)
	t.Cleanup(srv.Close)

	return &testDaemon{server: srv, layout: layout, store: store, rootfs: rootfs, dataDir: dataDir}
}

func (d *testDaemon) dial(t *testing.T) (net.Conn, *bufio.Reader) {
	t.Helper()
	var conn net.Conn
	var err error
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if addr := d.server.Addr(); addr != nil {
			conn, err = net.Dial("tcp", addr.String())
			if err == nil {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	if conn == nil {
		t.Fatalf("dial control server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func readMessage(t *testing.T, r *bufio.Reader) map[string]any {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read line: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("invalid json line %q: %v", line, err)
	}
	return msg
}

// readResponse skips broadcast events and returns the next direct
// response.
func readResponse(t *testing.T, r *bufio.Reader) map[string]any {
	t.Helper()
	for {
		msg := readMessage(t, r)
		if msg["type"] != "StatusChanged" {
			return msg
		}
	}
}

func send(t *testing.T, conn net.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestBannerIsFirstLine(t *testing.T) {
	d := newTestDaemon(t, Config{}, "exec sleep 30\n")
	_, r := d.dial(t)

	banner := readMessage(t, r)
	for _, key := range []string{"status", "width", "height", "setup_mode", "streaming", "scrcpy_mode"} {
		if _, ok := banner[key]; !ok {
			t.Errorf("banner missing key %q: %v", key, banner)
		}
	}
	if banner["setup_mode"] != true {
		t.Error("setup_mode should be true while idle")
	}
	if banner["width"].(float64) != 720 || banner["height"].(float64) != 1280 {
		t.Errorf("banner geometry wrong: %v", banner)
	}
}

func TestPingAndUnknown(t *testing.T) {
	d := newTestDaemon(t, Config{}, "exec sleep 30\n")
	conn, r := d.dial(t)
	readMessage(t, r)

	send(t, conn, map[string]any{"type": "Ping"})
	if msg := readResponse(t, r); msg["type"] != "Pong" {
		t.Errorf("ping response = %v", msg)
	}

	send(t, conn, map[string]any{"type": "Bogus"})
	if msg := readResponse(t, r); msg["type"] != "Error" {
		t.Errorf("unknown type response = %v", msg)
	}

	if _, err := conn.Write([]byte("{malformed\n")); err != nil {
		t.Fatal(err)
	}
	if msg := readResponse(t, r); msg["type"] != "Error" {
		t.Errorf("malformed line response = %v", msg)
	}

	// The session survives protocol errors.
	send(t, conn, map[string]any{"type": "Ping"})
	if msg := readResponse(t, r); msg["type"] != "Pong" {
		t.Errorf("session died after protocol error: %v", msg)
	}
}

func TestResponsesAreFIFO(t *testing.T) {
	d := newTestDaemon(t, Config{}, "exec sleep 30\n")
	conn, r := d.dial(t)
	readMessage(t, r)

	// Pipeline distinct requests; responses must come back in order.
	send(t, conn, map[string]any{"type": "Ping"})
	send(t, conn, map[string]any{"type": "GetStatus"})
	send(t, conn, map[string]any{"type": "Ping"})

	want := []string{"Pong", "Status", "Pong"}
	for i, expected := range want {
		if msg := readResponse(t, r); msg["type"] != expected {
			t.Fatalf("response %d = %v, want %s", i, msg["type"], expected)
		}
	}
}

func TestStartContainer_HappyPath(t *testing.T) {
	d := newTestDaemon(t, Config{}, "exec sleep 30\n")
	conn, r := d.dial(t)
	readMessage(t, r)

	send(t, conn, map[string]any{"type": "StartContainer"})

	// Play the guest: fire the boot latch once the socket appears.
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if c, err := net.Dial("unix", d.layout.BootDoneSocket()); err == nil {
				c.Close()
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()

	if msg := readResponse(t, r); msg["type"] != "ContainerStarted" {
		t.Fatalf("start response = %v", msg)
	}

	send(t, conn, map[string]any{"type": "GetStatus"})
	status := readResponse(t, r)
	if status["type"] != "Status" || status["container_running"] != true {
		t.Errorf("status after boot = %v", status)
	}
	if status["rootfs_path"] != d.rootfs {
		t.Errorf("rootfs_path = %v, want %v", status["rootfs_path"], d.rootfs)
	}

	// A second start while running is idempotent.
	send(t, conn, map[string]any{"type": "StartContainer"})
	if msg := readResponse(t, r); msg["type"] != "ContainerStarted" {
		t.Errorf("second start = %v", msg)
	}
}

func TestStartContainer_BootFailure(t *testing.T) {
	d := newTestDaemon(t, Config{BootTimeout: 3 * time.Second}, "exit 1\n")
	conn, r := d.dial(t)
	readMessage(t, r)

	send(t, conn, map[string]any{"type": "StartContainer"})
	msg := readResponse(t, r)
	if msg["type"] != "Error" {
		t.Fatalf("expected Error, got %v", msg)
	}
	if !strings.Contains(msg["message"].(string), "did not start within timeout") {
		t.Errorf("error message = %v", msg["message"])
	}

	// The state machine resets to idle; a later status still answers.
	send(t, conn, map[string]any{"type": "GetStatus"})
	status := readResponse(t, r)
	if status["container_running"] != false {
		t.Errorf("container_running after failed boot = %v", status)
	}
}

func TestStartContainer_NoRootfs(t *testing.T) {
	d := newTestDaemon(t, Config{}, "")
	conn, r := d.dial(t)
	readMessage(t, r)

	send(t, conn, map[string]any{"type": "StartContainer"})
	msg := readResponse(t, r)
	if msg["type"] != "Error" {
		t.Fatalf("expected Error, got %v", msg)
	}
	if !strings.Contains(msg["message"].(string), "not initialized") {
		t.Errorf("error message = %v", msg["message"])
	}
}

func TestStatusBroadcast(t *testing.T) {
	d := newTestDaemon(t, Config{BootTimeout: 3 * time.Second}, "exit 1\n")
	conn, r := d.dial(t)
	readMessage(t, r)

	send(t, conn, map[string]any{"type": "StartContainer"})

	// The failed boot publishes transitions before the Error response.
	var transitions []string
	for {
		msg := readMessage(t, r)
		if msg["type"] == "StatusChanged" {
			transitions = append(transitions, msg["status"].(string))
			continue
		}
		if msg["type"] == "Error" {
			break
		}
		t.Fatalf("unexpected message %v", msg)
	}

	joined := strings.Join(transitions, ",")
	if !strings.Contains(joined, "boot_failed") {
		t.Errorf("transitions missing boot_failed: %v", transitions)
	}
}

func TestTouchEventReachesGuestDevice(t *testing.T) {
	d := newTestDaemon(t, Config{}, "exec sleep 30\n")
	conn, r := d.dial(t)
	readMessage(t, r)

	// Play the guest input reader.
	guest, err := net.Dial("unix", filepath.Join(d.rootfs, "dev", "input", "touch"))
	if err != nil {
		t.Fatalf("dial touch device: %v", err)
	}
	defer guest.Close()

	descriptor := make([]byte, 894)
	if _, err := io.ReadFull(guest, descriptor); err != nil {
		t.Fatalf("read descriptor: %v", err)
	}
	if !strings.HasPrefix(string(descriptor[:80]), "vtouch") {
		t.Errorf("descriptor name = %q", descriptor[:10])
	}

	send(t, conn, map[string]any{
		"type": "TouchEvent", "action": 0, "pointer_id": 0,
		"x": 100.0, "y": 200.0, "pressure": 1.0,
	})
	if msg := readResponse(t, r); msg["type"] != "Ok" {
		t.Fatalf("touch response = %v", msg)
	}

	// DOWN on the first contact: slot, tracking id, touch keys, x, y,
	// pressure, syn — 8 events of 24 bytes.
	events := make([]byte, 8*24)
	guest.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(guest, events); err != nil {
		t.Fatalf("read events: %v", err)
	}

	typ := binary.LittleEndian.Uint16(events[16:18])
	code := binary.LittleEndian.Uint16(events[18:20])
	if typ != evAbs || code != absMtSlot {
		t.Errorf("first event = type %#x code %#x, want ABS_MT_SLOT", typ, code)
	}

	last := events[7*24:]
	if binary.LittleEndian.Uint16(last[16:18]) != evSyn {
		t.Error("sequence does not end with SYN_REPORT")
	}

	xEvent := events[4*24 : 5*24]
	if binary.LittleEndian.Uint16(xEvent[18:20]) != absMtPositionX {
		t.Errorf("fifth event code = %#x, want ABS_MT_POSITION_X", binary.LittleEndian.Uint16(xEvent[18:20]))
	}
	if binary.LittleEndian.Uint32(xEvent[20:24]) != 100 {
		t.Errorf("x value = %d, want 100", binary.LittleEndian.Uint32(xEvent[20:24]))
	}
}

func TestKeyEventReachesGuestDevice(t *testing.T) {
	d := newTestDaemon(t, Config{}, "exec sleep 30\n")
	conn, r := d.dial(t)
	readMessage(t, r)

	guest, err := net.Dial("unix", filepath.Join(d.rootfs, "dev", "input", "key0"))
	if err != nil {
		t.Fatalf("dial key device: %v", err)
	}
	defer guest.Close()

	descriptor := make([]byte, 894)
	if _, err := io.ReadFull(guest, descriptor); err != nil {
		t.Fatalf("read descriptor: %v", err)
	}

	send(t, conn, map[string]any{"type": "KeyEvent", "keycode": 116, "pressed": true})
	if msg := readResponse(t, r); msg["type"] != "Ok" {
		t.Fatalf("key response = %v", msg)
	}

	events := make([]byte, 2*24)
	guest.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(guest, events); err != nil {
		t.Fatalf("read events: %v", err)
	}
	if code := binary.LittleEndian.Uint16(events[18:20]); code != 116 {
		t.Errorf("key code = %d, want 116", code)
	}
	if value := binary.LittleEndian.Uint32(events[20:24]); value != 1 {
		t.Errorf("key value = %d, want 1 (pressed)", value)
	}
}

func TestScreenStreamFraming(t *testing.T) {
	d := newTestDaemon(t, Config{Stream: true, Width: 32, Height: 16}, "exec sleep 30\n")
	conn, r := d.dial(t)
	_ = conn

	banner := readMessage(t, r)
	if banner["streaming"] != true {
		t.Fatalf("banner streaming = %v", banner["streaming"])
	}

	header := make([]byte, 5+12)
	if _, err := io.ReadFull(r, header); err != nil {
		t.Fatalf("read frame header: %v", err)
	}
	if string(header[:5]) != "FRAME" {
		t.Fatalf("frame magic = %q", header[:5])
	}
	width := binary.LittleEndian.Uint32(header[5:9])
	height := binary.LittleEndian.Uint32(header[9:13])
	length := binary.LittleEndian.Uint32(header[13:17])
	if width != 32 || height != 16 || length != 32*16*4 {
		t.Fatalf("frame dims = %dx%d len %d", width, height, length)
	}

	pixels := make([]byte, length)
	if _, err := io.ReadFull(r, pixels); err != nil {
		t.Fatalf("read frame payload: %v", err)
	}
	if pixels[3] != 255 {
		t.Errorf("alpha channel = %d, want 255", pixels[3])
	}
}
