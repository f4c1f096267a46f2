package cpu

import (
	"fmt"
	"math/bits"

	"github.com/dernatsch/rv64emu/internal/decoder"
)

// Step fetches, decodes, and executes exactly one instruction. On
// success it returns (nil, nil) for a straight-line step, or a non-nil
// HaltReason when the instruction is a breakpoint. Any condition this
// version of the core cannot make progress past - misaligned access,
// an unknown CSR, an unsupported opcode - is returned as a *Fault.
func (c *CPU) Step() (*HaltReason, error) {
	raw, err := c.Fetch(c.PC)
	if err != nil {
		return nil, err
	}
	insn := decoder.Decode(raw)
	return c.execute(raw, insn)
}

// Run executes up to maxSteps instructions, stopping early on a
// breakpoint, an external halt request, or a fault.
func (c *CPU) Run(maxSteps int) (HaltReason, error) {
	for i := 0; i < maxSteps; i++ {
		if c.halted {
			c.halted = false
			return HaltReason{Kind: HaltExternal}, nil
		}
		reason, err := c.Step()
		if err != nil {
			return HaltReason{}, err
		}
		if reason != nil {
			return *reason, nil
		}
	}
	return HaltReason{Kind: HaltSteps}, nil
}

// Halt requests that the current or next Run call stop at the next
// opportunity with HaltExternal. Safe to call between steps only; this
// core has no concurrent execution to interrupt mid-step.
func (c *CPU) Halt() {
	c.halted = true
}

func (c *CPU) execute(raw uint32, i decoder.Instruction) (*HaltReason, error) {
	defer func() { c.GPR[0] = 0 }()

	next := c.PC + 4

	switch i.Op {
	case decoder.Lui:
		c.setGPR(i.Rd, uint64(i.Imm))
	case decoder.Auipc:
		c.setGPR(i.Rd, c.PC+uint64(i.Imm))

	case decoder.Addi:
		c.setGPR(i.Rd, c.getGPR(i.Rs1)+uint64(i.Imm))
	case decoder.Slti:
		c.setGPR(i.Rd, boolU64(int64(c.getGPR(i.Rs1)) < i.Imm))
	case decoder.Sltiu:
		c.setGPR(i.Rd, boolU64(c.getGPR(i.Rs1) < uint64(i.Imm)))
	case decoder.Xori:
		c.setGPR(i.Rd, c.getGPR(i.Rs1)^uint64(i.Imm))
	case decoder.Ori:
		c.setGPR(i.Rd, c.getGPR(i.Rs1)|uint64(i.Imm))
	case decoder.Andi:
		c.setGPR(i.Rd, c.getGPR(i.Rs1)&uint64(i.Imm))
	case decoder.Slli:
		c.setGPR(i.Rd, c.getGPR(i.Rs1)<<(uint64(i.Imm)&0x3f))
	case decoder.Srli:
		c.setGPR(i.Rd, c.getGPR(i.Rs1)>>(uint64(i.Imm)&0x3f))
	case decoder.Srai:
		c.setGPR(i.Rd, uint64(int64(c.getGPR(i.Rs1))>>(uint64(i.Imm)&0x3f)))

	case decoder.Addiw:
		c.setGPR(i.Rd, signExt32(int32(c.getGPR(i.Rs1))+int32(i.Imm)))
	case decoder.Slliw:
		c.setGPR(i.Rd, signExt32(int32(c.getGPR(i.Rs1))<<(uint32(i.Imm)&0x1f)))
	case decoder.Srliw:
		c.setGPR(i.Rd, signExt32(int32(uint32(c.getGPR(i.Rs1))>>(uint32(i.Imm)&0x1f))))
	case decoder.Sraiw:
		c.setGPR(i.Rd, signExt32(int32(c.getGPR(i.Rs1))>>(uint32(i.Imm)&0x1f)))

	case decoder.Add:
		c.setGPR(i.Rd, c.getGPR(i.Rs1)+c.getGPR(i.Rs2))
	case decoder.Sub:
		c.setGPR(i.Rd, c.getGPR(i.Rs1)-c.getGPR(i.Rs2))
	case decoder.Sll:
		c.setGPR(i.Rd, c.getGPR(i.Rs1)<<(c.getGPR(i.Rs2)&0x3f))
	case decoder.Slt:
		c.setGPR(i.Rd, boolU64(int64(c.getGPR(i.Rs1)) < int64(c.getGPR(i.Rs2))))
	case decoder.Sltu:
		c.setGPR(i.Rd, boolU64(c.getGPR(i.Rs1) < c.getGPR(i.Rs2)))
	case decoder.Xor:
		c.setGPR(i.Rd, c.getGPR(i.Rs1)^c.getGPR(i.Rs2))
	case decoder.Srl:
		c.setGPR(i.Rd, c.getGPR(i.Rs1)>>(c.getGPR(i.Rs2)&0x3f))
	case decoder.Sra:
		c.setGPR(i.Rd, uint64(int64(c.getGPR(i.Rs1))>>(c.getGPR(i.Rs2)&0x3f)))
	case decoder.Or:
		c.setGPR(i.Rd, c.getGPR(i.Rs1)|c.getGPR(i.Rs2))
	case decoder.And:
		c.setGPR(i.Rd, c.getGPR(i.Rs1)&c.getGPR(i.Rs2))

	case decoder.Addw:
		c.setGPR(i.Rd, signExt32(int32(c.getGPR(i.Rs1))+int32(c.getGPR(i.Rs2))))
	case decoder.Subw:
		c.setGPR(i.Rd, signExt32(int32(c.getGPR(i.Rs1))-int32(c.getGPR(i.Rs2))))
	case decoder.Sllw:
		c.setGPR(i.Rd, signExt32(int32(uint32(c.getGPR(i.Rs1))<<(c.getGPR(i.Rs2)&0x1f))))
	case decoder.Srlw:
		c.setGPR(i.Rd, signExt32(int32(uint32(c.getGPR(i.Rs1))>>(c.getGPR(i.Rs2)&0x1f))))
	case decoder.Sraw:
		c.setGPR(i.Rd, signExt32(int32(c.getGPR(i.Rs1))>>(c.getGPR(i.Rs2)&0x1f)))

	case decoder.Mul:
		c.setGPR(i.Rd, c.getGPR(i.Rs1)*c.getGPR(i.Rs2))
	case decoder.Mulh:
		c.setGPR(i.Rd, mulh(c.getGPR(i.Rs1), c.getGPR(i.Rs2)))
	case decoder.Mulhsu:
		c.setGPR(i.Rd, mulhsu(c.getGPR(i.Rs1), c.getGPR(i.Rs2)))
	case decoder.Mulhu:
		hi, _ := bits.Mul64(c.getGPR(i.Rs1), c.getGPR(i.Rs2))
		c.setGPR(i.Rd, hi)
	case decoder.Div:
		c.setGPR(i.Rd, divSigned(int64(c.getGPR(i.Rs1)), int64(c.getGPR(i.Rs2))))
	case decoder.Divu:
		c.setGPR(i.Rd, divUnsigned(c.getGPR(i.Rs1), c.getGPR(i.Rs2)))
	case decoder.Rem:
		c.setGPR(i.Rd, remSigned(int64(c.getGPR(i.Rs1)), int64(c.getGPR(i.Rs2))))
	case decoder.Remu:
		c.setGPR(i.Rd, remUnsigned(c.getGPR(i.Rs1), c.getGPR(i.Rs2)))

	case decoder.Mulw:
		c.setGPR(i.Rd, signExt32(int32(c.getGPR(i.Rs1))*int32(c.getGPR(i.Rs2))))
	case decoder.Divw:
		c.setGPR(i.Rd, signExt32(int32(divSigned(int64(int32(c.getGPR(i.Rs1))), int64(int32(c.getGPR(i.Rs2)))))))
	case decoder.Divuw:
		c.setGPR(i.Rd, signExt32(int32(divUnsigned(uint64(uint32(c.getGPR(i.Rs1))), uint64(uint32(c.getGPR(i.Rs2)))))))
	case decoder.Remw:
		c.setGPR(i.Rd, signExt32(int32(remSigned(int64(int32(c.getGPR(i.Rs1))), int64(int32(c.getGPR(i.Rs2)))))))
	case decoder.Remuw:
		c.setGPR(i.Rd, signExt32(int32(remUnsigned(uint64(uint32(c.getGPR(i.Rs1))), uint64(uint32(c.getGPR(i.Rs2)))))))

	case decoder.Load:
		v, err := c.loadWidth(raw, c.getGPR(i.Rs1)+uint64(i.Imm), i.Funct3)
		if err != nil {
			return nil, err
		}
		c.setGPR(i.Rd, v)
	case decoder.Store:
		if err := c.storeWidth(raw, c.getGPR(i.Rs1)+uint64(i.Imm), i.Funct3, c.getGPR(i.Rs2)); err != nil {
			return nil, err
		}

	case decoder.Jal:
		link := next
		next = c.PC + uint64(i.Imm)
		c.setGPR(i.Rd, link)
	case decoder.Jalr:
		// rd is written after computing the target so rd == rs1 is safe.
		target := (c.getGPR(i.Rs1) + uint64(i.Imm)) &^ 1
		link := next
		next = target
		c.setGPR(i.Rd, link)

	case decoder.Beq:
		if c.getGPR(i.Rs1) == c.getGPR(i.Rs2) {
			next = c.PC + uint64(i.Imm)
		}
	case decoder.Bne:
		if c.getGPR(i.Rs1) != c.getGPR(i.Rs2) {
			next = c.PC + uint64(i.Imm)
		}
	case decoder.Blt:
		if int64(c.getGPR(i.Rs1)) < int64(c.getGPR(i.Rs2)) {
			next = c.PC + uint64(i.Imm)
		}
	case decoder.Bge:
		if int64(c.getGPR(i.Rs1)) >= int64(c.getGPR(i.Rs2)) {
			next = c.PC + uint64(i.Imm)
		}
	case decoder.Bltu:
		if c.getGPR(i.Rs1) < c.getGPR(i.Rs2) {
			next = c.PC + uint64(i.Imm)
		}
	case decoder.Bgeu:
		if c.getGPR(i.Rs1) >= c.getGPR(i.Rs2) {
			next = c.PC + uint64(i.Imm)
		}

	case decoder.Fence:
		// no-op: single-hart, in-order model has no reordering to fence

	case decoder.Csrrw:
		old, err := c.ReadCSR(uint32(i.Imm))
		if err != nil {
			return nil, err
		}
		c.WriteCSR(uint32(i.Imm), c.getGPR(i.Rs1))
		c.setGPR(i.Rd, old)
	case decoder.Csrrs:
		old, err := c.ReadCSR(uint32(i.Imm))
		if err != nil {
			return nil, err
		}
		if i.Rs1 != 0 {
			c.WriteCSR(uint32(i.Imm), old|c.getGPR(i.Rs1))
		}
		c.setGPR(i.Rd, old)
	case decoder.Csrrc:
		old, err := c.ReadCSR(uint32(i.Imm))
		if err != nil {
			return nil, err
		}
		if i.Rs1 != 0 {
			c.WriteCSR(uint32(i.Imm), old&^c.getGPR(i.Rs1))
		}
		c.setGPR(i.Rd, old)
	case decoder.Csrrwi:
		old, err := c.ReadCSR(uint32(i.Imm))
		if err != nil {
			return nil, err
		}
		c.WriteCSR(uint32(i.Imm), uint64(i.Rs1)) // rs1 field carries the 5-bit zimm
		c.setGPR(i.Rd, old)

	case decoder.Mret:
		c.execMret()
		next = c.csr.rawGet(csrMepc)

	case decoder.Ebreak:
		return &HaltReason{Kind: HaltBreakpoint, PC: c.PC}, nil

	case decoder.Ecall:
		// No trap delivery is implemented in this version of the core;
		// an environment call cannot be serviced, so it is fatal. A
		// production core vectors this through mtvec/stvec instead.
		return nil, c.fault(raw, 0, fmt.Errorf("%w: ecall", ErrUnsupportedOpcode))

	case decoder.Sret, decoder.Wfi:
		// reserved CSR surface; treated as a no-op per the non-goals

	case decoder.AmoswapW, decoder.AmoaddW:
		if err := c.execAmoWord(raw, i); err != nil {
			return nil, err
		}
	case decoder.AmoswapD, decoder.AmoaddD:
		if err := c.execAmoDouble(raw, i); err != nil {
			return nil, err
		}

	case decoder.Invalid:
		return nil, c.fault(raw, 0, fmt.Errorf("%w: 0x%08x", ErrUnsupportedOpcode, raw))

	default:
		return nil, c.fault(raw, 0, fmt.Errorf("%w: 0x%08x", ErrUnsupportedOpcode, raw))
	}

	c.PC = next
	return nil, nil
}

// execMret implements the MRET privilege/interrupt-enable transition:
// MIE := MPIE, MPIE := 1, privilege := MPP, MPP := U.
func (c *CPU) execMret() {
	mstatus := c.csr.rawGet(csrMstatus)
	mpp := (mstatus >> 11) & 0x3
	mpie := (mstatus >> 7) & 0x1

	mstatus &^= 1 << 3 // clear MIE
	mstatus |= mpie << 3
	mstatus |= 1 << 7 // MPIE := 1
	mstatus &^= 0x3 << 11
	mstatus |= uint64(PrivUser) << 11 // MPP := U

	c.csr.rawSet(csrMstatus, mstatus)
	c.Priv = uint8(mpp)
}

// execAmoWord implements the non-atomic amoswap.w/amoadd.w path: load
// the prior 32-bit value, compute the new value, store it back, and
// write the sign-extended prior value into rd.
func (c *CPU) execAmoWord(raw uint32, i decoder.Instruction) error {
	addr := c.getGPR(i.Rs1)
	buf, ok := c.mem.SliceMut(addr, 4)
	if !ok {
		return c.fault(raw, addr, fmt.Errorf("%w: amo at 0x%x", ErrOutOfRange, addr))
	}
	prior := leUint32(buf)
	operand := uint32(c.getGPR(i.Rs2))
	var updated uint32
	if i.Op == decoder.AmoswapW {
		updated = operand
	} else {
		updated = prior + operand
	}
	for idx := 0; idx < 4; idx++ {
		buf[idx] = byte(updated >> (8 * idx))
	}
	c.setGPR(i.Rd, signExt32(int32(prior)))
	return nil
}

// execAmoDouble is the 64-bit counterpart of execAmoWord.
func (c *CPU) execAmoDouble(raw uint32, i decoder.Instruction) error {
	addr := c.getGPR(i.Rs1)
	buf, ok := c.mem.SliceMut(addr, 8)
	if !ok {
		return c.fault(raw, addr, fmt.Errorf("%w: amo at 0x%x", ErrOutOfRange, addr))
	}
	prior := leUint64(buf)
	operand := c.getGPR(i.Rs2)
	var updated uint64
	if i.Op == decoder.AmoswapD {
		updated = operand
	} else {
		updated = prior + operand
	}
	putLE(buf, updated)
	c.setGPR(i.Rd, prior)
	return nil
}

func boolU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func signExt32(v int32) uint64 {
	return uint64(int64(v))
}

// mulh computes the high 64 bits of the signed 128-bit product of two
// registers interpreted as two's-complement integers.
func mulh(a, b uint64) uint64 {
	hi, _ := bits.Mul64(a, b)
	if int64(a) < 0 {
		hi -= b
	}
	if int64(b) < 0 {
		hi -= a
	}
	return hi
}

// mulhsu computes the high 64 bits of the product of a signed a and an
// unsigned b.
func mulhsu(a, b uint64) uint64 {
	hi, _ := bits.Mul64(a, b)
	if int64(a) < 0 {
		hi -= b
	}
	return hi
}

func divSigned(a, b int64) uint64 {
	if b == 0 {
		return ^uint64(0)
	}
	if a == minInt64 && b == -1 {
		return uint64(a)
	}
	return uint64(a / b)
}

func remSigned(a, b int64) uint64 {
	if b == 0 {
		return uint64(a)
	}
	if a == minInt64 && b == -1 {
		return 0
	}
	return uint64(a % b)
}

func divUnsigned(a, b uint64) uint64 {
	if b == 0 {
		return ^uint64(0)
	}
	return a / b
}

func remUnsigned(a, b uint64) uint64 {
	if b == 0 {
		return a
	}
	return a % b
}

const minInt64 = -1 << 63
