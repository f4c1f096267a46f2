// Package gdbstub implements the textual remote-serial-protocol debug
// surface: packet framing over a TCP stream and command dispatch onto
// a CPU's debug probes. It owns no interpreter state of its own —
// every command it answers is served by internal/cpu's Debug* methods.
package gdbstub

import (
	"bytes"
	"fmt"
	"io"
	"net"
)

// ctrlC is the out-of-band interrupt byte GDB sends to request a halt
// while the target is running free.
const ctrlC = 0x03

// Conn frames GDB remote-serial-protocol packets over a net.Conn. It is
// not safe for concurrent use; Server serializes all access to it.
type Conn struct {
	rw  net.Conn
	buf bytes.Buffer
}

// NewConn wraps an already-accepted connection.
func NewConn(rw net.Conn) *Conn {
	return &Conn{rw: rw}
}

// ReadPacket blocks until a full packet is available and returns its
// payload (the bytes between '$' and '#', checksum stripped), or the
// single byte "\x03" if the peer sent a Ctrl-C interrupt. It acks every
// ordinary packet as it is consumed, matching the '+' GDB expects.
func (c *Conn) ReadPacket() (string, error) {
	for {
		if payload, ok, err := c.tryExtract(); err != nil {
			return "", err
		} else if ok {
			return payload, nil
		}

		chunk := make([]byte, 65535)
		n, err := c.rw.Read(chunk)
		if err != nil {
			return "", fmt.Errorf("gdbstub: reading from peer: %w", err)
		}
		if n == 0 {
			return "", io.ErrUnexpectedEOF
		}
		c.buf.Write(chunk[:n])
	}
}

// tryExtract pulls one complete packet out of the buffered bytes, if
// one is present. A bare Ctrl-C byte at the front of the buffer is its
// own one-byte "packet" and is never acked.
func (c *Conn) tryExtract() (payload string, ok bool, err error) {
	raw := c.buf.Bytes()
	if len(raw) == 0 {
		return "", false, nil
	}
	if raw[0] == ctrlC {
		c.buf.Next(1)
		return string(rune(ctrlC)), true, nil
	}

	start := bytes.IndexByte(raw, '$')
	if start < 0 {
		c.buf.Reset()
		return "", false, nil
	}
	hashIdx := bytes.IndexByte(raw[start:], '#')
	if hashIdx < 0 {
		return "", false, nil
	}
	hashIdx += start
	if hashIdx+2 >= len(raw) {
		return "", false, nil // checksum bytes not fully arrived yet
	}

	content := string(raw[start+1 : hashIdx])
	c.buf.Next(hashIdx + 3)

	if err := c.ack(); err != nil {
		return "", false, err
	}
	return content, true, nil
}

// SendPacket frames data as "$<data>#<checksum>" and writes it.
func (c *Conn) SendPacket(data string) error {
	var sum byte
	for i := 0; i < len(data); i++ {
		sum += data[i]
	}
	packet := fmt.Sprintf("$%s#%02x", data, sum)
	if _, err := c.rw.Write([]byte(packet)); err != nil {
		return fmt.Errorf("gdbstub: writing packet: %w", err)
	}
	return nil
}

func (c *Conn) ack() error {
	_, err := c.rw.Write([]byte{'+'})
	return err
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.rw.Close()
}
