package server

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Virtual input device identity advertised to the guest.
const (
	touchDeviceName = "vtouch"
	touchDeviceUID  = "<vtouch 0>"
	keyDeviceName   = "vkey"
	keyDeviceUID    = "<keyboard 0>"
)

// Linux input event types and codes used by the router.
const (
	evSyn = 0x00
	evKey = 0x01
	evAbs = 0x03

	synReport = 0x00

	absMtSlot       = 0x2f
	absMtPositionX  = 0x35
	absMtPositionY  = 0x36
	absMtTrackingID = 0x39
	absMtPressure   = 0x3a

	btnTouch      = 0x14a
	btnToolFinger = 0x145

	keyVolumeDown = 114
	keyVolumeUp   = 115
	keyPower      = 116
)

// Touch action codes carried on the wire.
const (
	touchDown   = 0
	touchUp     = 1
	touchMove   = 2
	touchCancel = 3
)

// maxSlots is the number of simultaneous multitouch contacts.
const maxSlots = 10

// inputEvent is the 64-bit ABI struct input_event: two 64-bit time
// fields, then type, code, value. Encoded little-endian, 24 bytes.
type inputEvent struct {
	sec   int64
	usec  int64
	typ   uint16
	code  uint16
	value int32
}

func (e inputEvent) appendTo(buf []byte) []byte {
	var b [24]byte
	binary.LittleEndian.PutUint64(b[0:8], uint64(e.sec))
	binary.LittleEndian.PutUint64(b[8:16], uint64(e.usec))
	binary.LittleEndian.PutUint16(b[16:18], e.typ)
	binary.LittleEndian.PutUint16(b[18:20], e.code)
	binary.LittleEndian.PutUint32(b[20:24], uint32(e.value))
	return append(buf, b[:]...)
}

// Bitmask and range array sizes of the device descriptor block, per
// the guest's event hub ABI.
const (
	nameLen     = 80
	keyMaskLen  = (0x2ff + 1) / 8
	absMaskLen  = (0x3f + 1) / 8
	relMaskLen  = (0x0f + 1) / 8
	swMaskLen   = (0x10 + 1) / 8
	ledMaskLen  = (0x0f + 1) / 8
	ffMaskLen   = (0x7f + 1) / 8
	propMaskLen = (0x1f + 1) / 8
	absCnt      = 0x40
)

// deviceInfo is the descriptor block written to the guest immediately
// after it connects to an input socket.
type deviceInfo struct {
	name             string
	driverVersion    int32
	bustype, vendor  uint16
	product, version uint16
	physicalLocation string
	uniqueID         string
	keyMask          [keyMaskLen]byte
	absMask          [absMaskLen]byte
	relMask          [relMaskLen]byte
	swMask           [swMaskLen]byte
	ledMask          [ledMaskLen]byte
	ffMask           [ffMaskLen]byte
	propMask         [propMaskLen]byte
	absMax           [absCnt]uint32
	absMin           [absCnt]uint32
}

func setBit(mask []byte, code int) {
	mask[code/8] |= 1 << (code % 8)
}

func putCString(buf *bytes.Buffer, s string, size int) {
	b := make([]byte, size)
	copy(b, s)
	if len(s) >= size {
		b[size-1] = 0
	}
	buf.Write(b)
}

// marshal lays the descriptor out field by field in declaration order,
// all integers little-endian.
func (d *deviceInfo) marshal() []byte {
	var buf bytes.Buffer
	putCString(&buf, d.name, nameLen)
	binary.Write(&buf, binary.LittleEndian, d.driverVersion)
	binary.Write(&buf, binary.LittleEndian, d.bustype)
	binary.Write(&buf, binary.LittleEndian, d.vendor)
	binary.Write(&buf, binary.LittleEndian, d.product)
	binary.Write(&buf, binary.LittleEndian, d.version)
	putCString(&buf, d.physicalLocation, nameLen)
	putCString(&buf, d.uniqueID, nameLen)
	buf.Write(d.keyMask[:])
	buf.Write(d.absMask[:])
	buf.Write(d.relMask[:])
	buf.Write(d.swMask[:])
	buf.Write(d.ledMask[:])
	buf.Write(d.ffMask[:])
	buf.Write(d.propMask[:])
	binary.Write(&buf, binary.LittleEndian, d.absMax[:])
	binary.Write(&buf, binary.LittleEndian, d.absMin[:])
	return buf.Bytes()
}

func touchDevice(socketPath string, width, height int) *deviceInfo {
	d := &deviceInfo{
		name:             touchDeviceName,
		driverVersion:    0x1,
		product:          0x1,
		physicalLocation: socketPath,
		uniqueID:         touchDeviceUID,
	}
	for _, code := range []int{absMtSlot, absMtPositionX, absMtPositionY, absMtTrackingID, absMtPressure} {
		setBit(d.absMask[:], code)
	}
	setBit(d.keyMask[:], btnTouch)
	setBit(d.keyMask[:], btnToolFinger)

	d.absMax[absMtPositionX] = uint32(width)
	d.absMax[absMtPositionY] = uint32(height)
	d.absMax[absMtPressure] = 80
	d.absMax[absMtSlot] = maxSlots - 1
	return d
}

func keyDevice(socketPath string) *deviceInfo {
	d := &deviceInfo{
		name:             keyDeviceName,
		driverVersion:    0x1,
		product:          0x1,
		physicalLocation: socketPath,
		uniqueID:         keyDeviceUID,
	}
	for _, code := range []int{keyVolumeDown, keyVolumeUp, keyPower} {
		setBit(d.keyMask[:], code)
	}
	return d
}

// InputRouter hosts the virtual touch and key devices as unix sockets
// inside the rootfs and translates wire events into guest input-device
// writes. Events are dropped when no guest is attached or its queue is
// full; the client resends state.
type InputRouter struct {
	width, height int
	touchPath     string
	keyPath       string

	touchLn net.Listener
	keyLn   net.Listener

	mu      sync.Mutex
	touchCh chan inputEvent
	keyCh   chan inputEvent
	slots   [maxSlots]bool
}

// NewInputRouter creates a router for the rootfs at the declared
// resolution.
func NewInputRouter(rootfsDir string, width, height int) *InputRouter {
	return &InputRouter{
		width:     width,
		height:    height,
		touchPath: filepath.Join(rootfsDir, "dev", "input", "touch"),
		keyPath:   filepath.Join(rootfsDir, "dev", "input", "key0"),
	}
}

// Start binds both device sockets and begins accepting guest
// connections.
func (r *InputRouter) Start() error {
	touchLn, err := bindInputSocket(r.touchPath)
	if err != nil {
		return err
	}
	keyLn, err := bindInputSocket(r.keyPath)
	if err != nil {
		touchLn.Close()
		return err
	}
	r.touchLn = touchLn
	r.keyLn = keyLn

	go r.acceptLoop(touchLn, touchDevice(r.touchPath, r.width, r.height), func(ch chan inputEvent) {
		r.mu.Lock()
		r.touchCh = ch
		r.mu.Unlock()
	})
	go r.acceptLoop(keyLn, keyDevice(r.keyPath), func(ch chan inputEvent) {
		r.mu.Lock()
		r.keyCh = ch
		r.mu.Unlock()
	})

	slog.Info("input_router_started", "touch", r.touchPath, "key", r.keyPath)
	return nil
}

func bindInputSocket(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return net.Listen("unix", path)
}

// acceptLoop serves one guest connection at a time: descriptor first,
// then the event stream. A newer connection replaces the sender of the
// previous one.
func (r *InputRouter) acceptLoop(ln net.Listener, info *deviceInfo, attach func(chan inputEvent)) {
	descriptor := info.marshal()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		slog.Info("input_client_connected", "device", info.name)

		if _, err := conn.Write(descriptor); err != nil {
			conn.Close()
			continue
		}

		ch := make(chan inputEvent, 256)
		attach(ch)

		go func(conn net.Conn, ch chan inputEvent) {
			defer conn.Close()
			var buf []byte
			for ev := range ch {
				buf = ev.appendTo(buf[:0])
				if _, err := conn.Write(buf); err != nil {
					slog.Warn("input_write_failed", "device", info.name, "error", err)
					return
				}
			}
		}(conn, ch)
	}
}

// Stop closes the device sockets.
func (r *InputRouter) Stop() {
	if r.touchLn != nil {
		r.touchLn.Close()
	}
	if r.keyLn != nil {
		r.keyLn.Close()
	}
}

func eventTime() (int64, int64) {
	now := time.Now()
	return now.Unix(), int64(now.Nanosecond() / 1000)
}

// enqueue sends without blocking; a full or absent guest queue drops
// the event.
func enqueue(ch chan inputEvent, typ, code uint16, value int32) {
	if ch == nil {
		return
	}
	sec, usec := eventTime()
	select {
	case ch <- inputEvent{sec: sec, usec: usec, typ: typ, code: code, value: value}:
	default:
	}
}

// HandleTouch translates one touch event into a multitouch sequence on
// the guest touch device.
func (r *InputRouter) HandleTouch(action, pointerID int, x, y, pressure float64) {
	if pointerID < 0 || pointerID >= maxSlots {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ch := r.touchCh

	switch action {
	case touchDown:
		first := !r.anySlotActiveLocked()
		r.slots[pointerID] = true
		enqueue(ch, evAbs, absMtSlot, int32(pointerID))
		enqueue(ch, evAbs, absMtTrackingID, int32(pointerID+1))
		if first {
			enqueue(ch, evKey, btnTouch, 1)
			enqueue(ch, evKey, btnToolFinger, 1)
		}
		enqueue(ch, evAbs, absMtPositionX, int32(x))
		enqueue(ch, evAbs, absMtPositionY, int32(y))
		enqueue(ch, evAbs, absMtPressure, int32(pressure))
		enqueue(ch, evSyn, synReport, 0)

	case touchMove:
		if !r.slots[pointerID] {
			return
		}
		enqueue(ch, evAbs, absMtSlot, int32(pointerID))
		enqueue(ch, evAbs, absMtPositionX, int32(x))
		enqueue(ch, evAbs, absMtPositionY, int32(y))
		enqueue(ch, evAbs, absMtPressure, int32(pressure))
		enqueue(ch, evSyn, synReport, 0)

	case touchUp:
		// Lift every active contact.
		for slot := 0; slot < maxSlots; slot++ {
			if !r.slots[slot] {
				continue
			}
			r.slots[slot] = false
			enqueue(ch, evAbs, absMtSlot, int32(slot))
			enqueue(ch, evAbs, absMtTrackingID, -1)
			enqueue(ch, evSyn, synReport, 0)
		}
		enqueue(ch, evKey, btnTouch, 0)
		enqueue(ch, evKey, btnToolFinger, 0)
		enqueue(ch, evSyn, synReport, 0)

	case touchCancel:
		if !r.slots[pointerID] {
			return
		}
		r.slots[pointerID] = false
		enqueue(ch, evAbs, absMtSlot, int32(pointerID))
		enqueue(ch, evAbs, absMtTrackingID, -1)
		enqueue(ch, evSyn, synReport, 0)
	}
}

func (r *InputRouter) anySlotActiveLocked() bool {
	for _, active := range r.slots {
		if active {
			return true
		}
	}
	return false
}

// HandleKey writes one key press or release to the guest key device.
func (r *InputRouter) HandleKey(keycode int, pressed bool) {
	r.mu.Lock()
	ch := r.keyCh
	r.mu.Unlock()

	value := int32(0)
	if pressed {
		value = 1
	}
	enqueue(ch, evKey, uint16(keycode), value)
	enqueue(ch, evSyn, synReport, 0)
}
