package gdbstub

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/dernatsch/rv64emu/internal/cpu"
)

// target is the subset of *cpu.CPU the server needs. Kept as an
// interface so tests can exercise command dispatch against a fake.
type target interface {
	DebugRegisterDump() []byte
	DebugReadReg(i int) uint64
	DebugReadMem(addr uint64, length int) ([]byte, bool)
	DebugWriteMem(addr uint64, data []byte) bool
	Run(maxSteps int) (cpu.HaltReason, error)
	Halt()
}

// Server accepts a single GDB connection at a time and answers its
// commands by calling into target's debug probes. It never touches
// decoder or memory internals directly.
type Server struct {
	addr   string
	target target
	logger *log.Logger
}

// NewServer returns a Server that will listen on addr once Serve is
// called.
func NewServer(addr string, t target, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{addr: addr, target: t, logger: logger}
}

// Serve accepts exactly one connection, services it until the peer
// disconnects, and returns. Matching the original's single-session
// GdbConnection::new, there is no session loop here; cmd/rvemu's debug
// subcommand calls Serve once per invocation.
func (s *Server) Serve() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gdbstub: listening on %s: %w", s.addr, err)
	}
	defer listener.Close()

	s.logger.Info("waiting for debugger", "addr", s.addr)
	nc, err := listener.Accept()
	if err != nil {
		return fmt.Errorf("gdbstub: accepting connection: %w", err)
	}
	defer nc.Close()

	conn := NewConn(nc)
	s.logger.Info("debugger attached", "remote", nc.RemoteAddr())

	for {
		packet, err := conn.ReadPacket()
		if err != nil {
			s.logger.Info("debugger disconnected", "err", err)
			return nil
		}
		if packet == string(rune(ctrlC)) {
			s.target.Halt()
			continue
		}
		s.logger.Debug("packet received", "packet", packet)
		reply := s.dispatch(packet)
		if err := conn.SendPacket(reply); err != nil {
			return err
		}
	}
}

// dispatch answers one packet's worth of command and returns the reply
// payload (not yet framed). Unrecognized commands get an empty reply,
// which is the GDB remote protocol's way of saying "unsupported".
func (s *Server) dispatch(packet string) string {
	switch {
	case strings.HasPrefix(packet, "qSupported"):
		return "PacketSize=4000"
	case strings.HasPrefix(packet, "qAttached"):
		return "0"
	case strings.HasPrefix(packet, "qfThreadInfo"):
		return "1"
	case strings.HasPrefix(packet, "qC"):
		return "1"
	case packet == "?":
		return "S05"
	case strings.HasPrefix(packet, "g"):
		return hex.EncodeToString(s.target.DebugRegisterDump())
	case strings.HasPrefix(packet, "p"):
		return s.handleReadReg(packet)
	case strings.HasPrefix(packet, "m"):
		return s.handleReadMem(packet)
	case strings.HasPrefix(packet, "M"):
		return s.handleWriteMem(packet)
	case strings.HasPrefix(packet, "c"):
		return s.handleContinue()
	case strings.HasPrefix(packet, "s"):
		return s.handleStep()
	default:
		return ""
	}
}

func (s *Server) handleReadReg(packet string) string {
	idx, err := strconv.ParseUint(packet[1:], 16, 8)
	if err != nil {
		return ""
	}
	reg := s.target.DebugReadReg(int(idx))
	return hex.EncodeToString(leBytes(reg))
}

func (s *Server) handleReadMem(packet string) string {
	addr, length, ok := parseAddrLen(packet[1:])
	if !ok {
		return ""
	}
	data, ok := s.target.DebugReadMem(addr, length)
	if !ok {
		return "E01"
	}
	return hex.EncodeToString(data)
}

// handleWriteMem answers "Maddr,length:data" packets. main.rs's sketch
// never reached this command; it is added here because no usable GDB
// session can set breakpoints or patch memory without it.
func (s *Server) handleWriteMem(packet string) string {
	rest := packet[1:]
	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		return "E01"
	}
	addr, length, ok := parseAddrLen(rest[:colon])
	if !ok {
		return "E01"
	}
	data, err := hex.DecodeString(rest[colon+1:])
	if err != nil || len(data) != length {
		return "E01"
	}
	if !s.target.DebugWriteMem(addr, data) {
		return "E01"
	}
	return "OK"
}

// handleContinue and handleStep are likewise added beyond main.rs's
// sketch: 'c' and 's' are the two commands every GDB "continue"/"next"
// keypress actually sends.
func (s *Server) handleContinue() string {
	reason, err := s.target.Run(1 << 30)
	return haltReply(reason, err)
}

func (s *Server) handleStep() string {
	reason, err := s.target.Run(1)
	return haltReply(reason, err)
}

func haltReply(reason cpu.HaltReason, err error) string {
	if err != nil {
		return "E01"
	}
	switch reason.Kind {
	case cpu.HaltBreakpoint:
		return "S05"
	default:
		return "S00"
	}
}

func parseAddrLen(s string) (addr uint64, length int, ok bool) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	a, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return 0, 0, false
	}
	l, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return 0, 0, false
	}
	return a, int(l), true
}

func leBytes(v uint64) []byte {
	return []byte{
		byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
		byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56),
	}
}
