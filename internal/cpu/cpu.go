// Package cpu implements the RISC-V interpreter: architectural state,
// the CSR file, the memory-mapped load/store path, and the trap/return
// transitions needed to reach supervisor mode from machine mode. The
// CPU owns its Memory exclusively; control flow only ever runs
// leaf-ward into memory and decoder, never back.
package cpu

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dernatsch/rv64emu/internal/memory"
)

// NumRegisters is the number of general-purpose integer registers.
// Register 0 is hardwired to zero.
const NumRegisters = 32

// Initial architectural state, per the boot trampoline handoff.
const (
	ResetPC   = 0x1000
	ResetPriv = 3 // M-mode
)

// Privilege levels.
const (
	PrivUser       = 0
	PrivSupervisor = 1
	PrivMachine    = 3
)

// UART MMIO window.
const (
	uartBase = 0x10000000
	uartSize = 0x100
	uartTHR  = 0x00
	uartLSR  = 0x05
	uartLSRIdleReady = 0x60
)

// The following sentinel errors identify the guest-fault taxonomy of
// §7: all of them are wrapped into a *Fault by the functions that
// detect them, never returned bare to callers outside this package.
var (
	ErrMisaligned        = errors.New("cpu: misaligned access")
	ErrOutOfRange        = errors.New("cpu: address out of any mapped region")
	ErrUnknownCSR        = errors.New("cpu: unknown CSR")
	ErrUnsupportedOpcode = errors.New("cpu: unsupported opcode")
	// ErrHalted is not returned by this package: ebreak and external
	// halts are reported as a HaltReason from Step/Run, not as an error.
	ErrHalted = errors.New("cpu: halted")
)

func errUnknownCSR(id uint32) error {
	return fmt.Errorf("%w: 0x%03x", ErrUnknownCSR, id)
}

// CPU is a single-hart RV64 interpreter. Not goroutine safe; the caller
// (run loop or debug server) must serialize stepping and debug probes.
type CPU struct {
	GPR  [NumRegisters]uint64
	PC   uint64
	Priv uint8

	csr   csrFile
	mem   *memory.Memory
	clock Clock

	// UART is where byte writes to the THR offset are emitted. Defaults
	// to os.Stdout; tests substitute a buffer.
	UART io.Writer

	halted bool
}

// New returns a CPU wired to mem, with PC and privilege at their reset
// values and all registers zeroed. clock is injected so the time CSR
// can be made deterministic in tests; pass SystemClock{} in production.
func New(mem *memory.Memory, clock Clock) *CPU {
	return &CPU{
		PC:    ResetPC,
		Priv:  ResetPriv,
		csr:   newCSRFile(),
		mem:   mem,
		clock: clock,
		UART:  os.Stdout,
	}
}

// setGPR writes v to register i, suppressing writes to x0.
func (c *CPU) setGPR(i uint32, v uint64) {
	if i != 0 {
		c.GPR[i] = v
	}
}

// getGPR reads register i; x0 always reads zero.
func (c *CPU) getGPR(i uint32) uint64 {
	return c.GPR[i]
}

// StoreImage bulk-copies bytes into guest physical memory at dst, for
// loading the firmware image and the device-tree blob at startup.
func (c *CPU) StoreImage(dst uint64, data []byte) error {
	return c.mem.Store(dst, data)
}

// Fetch reads the 32-bit little-endian instruction word at pc. Fetch
// goes through the same memory path as data loads. Compressed (16-bit)
// encodings are not supported; a misaligned pc is a fatal event.
func (c *CPU) Fetch(pc uint64) (uint32, error) {
	if pc%4 != 0 {
		return 0, c.fault(0, pc, fmt.Errorf("%w: pc 0x%x not 4-byte aligned", ErrMisaligned, pc))
	}
	buf, ok := c.mem.Slice(pc, 4)
	if !ok {
		return 0, c.fault(0, pc, fmt.Errorf("%w: fetch at 0x%x", ErrOutOfRange, pc))
	}
	return leUint32(buf), nil
}

// loadWidth loads a value of the given byte width at addr, applying
// the requested funct3-style sign/zero extension:
// 0..3 signed byte/half/word/double, 4..6 zero-extended byte/half/word
// (width 3 and 7 both mean a plain 64-bit load).
func (c *CPU) loadWidth(raw uint32, addr uint64, funct3 uint32) (uint64, error) {
	width := widthFor(funct3)
	if addr%uint64(width) != 0 {
		return 0, c.fault(raw, addr, fmt.Errorf("%w: load of width %d at 0x%x", ErrMisaligned, width, addr))
	}
	if v, ok, err := c.uartLoad(addr, width); ok || err != nil {
		return v, err
	}
	buf, ok := c.mem.Slice(addr, uint64(width))
	if !ok {
		return 0, c.fault(raw, addr, fmt.Errorf("%w: load at 0x%x", ErrOutOfRange, addr))
	}
	return extend(buf, funct3), nil
}

// storeWidth stores the low bytes of val at addr with the given width
// (1, 2, 4, or 8 bytes, selected by funct3 the same way a store
// instruction does).
func (c *CPU) storeWidth(raw uint32, addr uint64, funct3 uint32, val uint64) error {
	width := storeWidthFor(funct3)
	if addr%uint64(width) != 0 {
		return c.fault(raw, addr, fmt.Errorf("%w: store of width %d at 0x%x", ErrMisaligned, width, addr))
	}
	if ok, err := c.uartStore(addr, width, val); ok || err != nil {
		return err
	}
	buf, ok := c.mem.SliceMut(addr, uint64(width))
	if !ok {
		return c.fault(raw, addr, fmt.Errorf("%w: store at 0x%x", ErrOutOfRange, addr))
	}
	putLE(buf, val)
	return nil
}

// uartLoad serves the UART MMIO window for loads. ok is true when addr
// falls in the window (so the caller must not also consult Memory).
func (c *CPU) uartLoad(addr uint64, width int) (uint64, bool, error) {
	if addr < uartBase || addr >= uartBase+uartSize {
		return 0, false, nil
	}
	off := addr - uartBase
	if off == uartLSR && width == 1 {
		return uartLSRIdleReady, true, nil
	}
	return 0, true, nil
}

// uartStore serves the UART MMIO window for stores. A byte write to
// THR (offset 0) emits the byte on UART (stdout in production); every
// other offset in the window is write-ignored.
func (c *CPU) uartStore(addr uint64, width int, val uint64) (bool, error) {
	if addr < uartBase || addr >= uartBase+uartSize {
		return false, nil
	}
	off := addr - uartBase
	if off == uartTHR && width == 1 && c.UART != nil {
		_, _ = c.UART.Write([]byte{byte(val)})
	}
	return true, nil
}

func widthFor(funct3 uint32) int {
	switch funct3 & 0x3 {
	case 0:
		return 1
	case 1:
		return 2
	case 2:
		return 4
	default:
		return 8
	}
}

// storeWidthFor uses only the low two bits of funct3: stores have no
// sign-extension variants.
func storeWidthFor(funct3 uint32) int {
	return widthFor(funct3)
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < len(b) && i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func putLE(buf []byte, val uint64) {
	for i := range buf {
		buf[i] = byte(val >> (8 * i))
	}
}

// extend applies the funct3 sign/zero-extension rule to a just-loaded
// little-endian buffer.
func extend(buf []byte, funct3 uint32) uint64 {
	raw := leUint64(buf)
	switch funct3 {
	case 0: // LB
		return uint64(int64(int8(raw)))
	case 1: // LH
		return uint64(int64(int16(raw)))
	case 2: // LW
		return uint64(int64(int32(raw)))
	case 3, 7: // LD
		return raw
	case 4: // LBU
		return uint64(uint8(raw))
	case 5: // LHU
		return uint64(uint16(raw))
	case 6: // LWU
		return uint64(uint32(raw))
	default:
		return raw
	}
}
