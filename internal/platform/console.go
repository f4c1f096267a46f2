package platform

import (
	"net"

	"github.com/charmbracelet/log"
)

// TCPConsole is an io.Writer that forwards UART transmitter bytes to a
// single attached TCP client, for running the simulator headless and
// watching its console from another terminal (`nc localhost <port>`).
// Adapted from the teacher's SerialTTY: that type polled a full duplex
// in/out/status register trio for a VM with an interrupt-driven fetch
// loop; this core's Step is synchronous, so there is nothing to poll —
// a write is just a write, and the receiver register and status flags
// that SerialTTY modeled have no equivalent here.
type TCPConsole struct {
	listener net.Listener
	conn     net.Conn
}

// ListenConsole starts listening on addr and returns immediately; the
// first Write blocks until a client connects. Matches the teacher's
// listen-then-defer-accept shape but defers the accept itself, so
// startup is never held up waiting for a console client; the guest
// stalls only at its first UART byte until one attaches.
func ListenConsole(addr string) (*TCPConsole, error) {
	nl, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &TCPConsole{listener: nl}, nil
}

// Addr reports the address the console is listening on.
func (t *TCPConsole) Addr() net.Addr {
	return t.listener.Addr()
}

// Write accepts the first client connection on demand, then forwards
// p to it. Subsequent calls reuse the same connection.
func (t *TCPConsole) Write(p []byte) (int, error) {
	if t.conn == nil {
		log.Info("console: waiting for client", "addr", t.listener.Addr())
		conn, err := t.listener.Accept()
		if err != nil {
			return 0, err
		}
		t.conn = conn
		log.Info("console: client attached", "remote", conn.RemoteAddr())
	}
	return t.conn.Write(p)
}

// Close closes the client connection (if any) and the listener.
func (t *TCPConsole) Close() error {
	if t.conn != nil {
		_ = t.conn.Close()
	}
	return t.listener.Close()
}
