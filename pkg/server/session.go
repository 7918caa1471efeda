package server

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"sync"
)

// frameHeader prefixes every binary screen frame.
var frameHeader = []byte("FRAME")

// Session is one accepted control connection. The write half is
// serialized through wmu so JSON lines and binary frames never
// interleave; the read half lives in the per-connection handler
// goroutine. Sessions share no mutable state with each other.
type Session struct {
	conn net.Conn
	peer string

	wmu sync.Mutex

	// Subscription flags, set once at accept time.
	wantStatus bool
	wantScreen bool
}

func newSession(conn net.Conn, wantStatus, wantScreen bool) *Session {
	return &Session{
		conn:       conn,
		peer:       conn.RemoteAddr().String(),
		wantStatus: wantStatus,
		wantScreen: wantScreen,
	}
}

// WriteJSON sends one LF-terminated JSON line.
func (c *Session) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.conn.Write(data)
	return err
}

// WriteScreenFrame sends one framed RGBA snapshot: "FRAME", then
// little-endian u32 width, height and payload length, then the pixels.
func (c *Session) WriteScreenFrame(width, height int, pixels []byte) error {
	var dims [12]byte
	binary.LittleEndian.PutUint32(dims[0:4], uint32(width))
	binary.LittleEndian.PutUint32(dims[4:8], uint32(height))
	binary.LittleEndian.PutUint32(dims[8:12], uint32(len(pixels)))

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.conn.Write(frameHeader); err != nil {
		return err
	}
	if _, err := c.conn.Write(dims[:]); err != nil {
		return err
	}
	_, err := c.conn.Write(pixels)
	return err
}

// Close terminates the connection.
func (c *Session) Close() error {
	return c.conn.Close()
}
