// Package decoder turns a raw 32-bit RISC-V instruction word into an
// Instruction value. Decode is pure: same word in, same Instruction out,
// no state and no I/O. It knows nothing about registers, memory, or CSRs;
// the cpu package owns all of that and only calls in here leaf-ward.
package decoder

// Op identifies the decoded mnemonic. Every Op carries its fields
// pre-extracted on the Instruction that wraps it, so dispatch in the
// interpreter never has to touch raw bits again.
type Op int

const (
	Invalid Op = iota // Raw holds the undecodable word

	// Loads/stores (width comes from Funct3; see cpu.widthFor)
	Load
	Store

	// Immediate arithmetic (OP-IMM / OP-IMM-32)
	Addi
	Slti
	Sltiu
	Xori
	Ori
	Andi
	Slli
	Srli
	Srai
	Addiw
	Slliw
	Srliw
	Sraiw

	// Register arithmetic (OP / OP-32)
	Add
	Sub
	Sll
	Slt
	Sltu
	Xor
	Srl
	Sra
	Or
	And
	Addw
	Subw
	Sllw
	Srlw
	Sraw

	// M extension
	Mul
	Mulh
	Mulhsu
	Mulhu
	Div
	Divu
	Rem
	Remu
	Mulw
	Divw
	Divuw
	Remw
	Remuw

	Lui
	Auipc

	Jal
	Jalr

	Beq
	Bne
	Blt
	Bge
	Bltu
	Bgeu

	Fence

	Ecall
	Ebreak

	Csrrw
	Csrrs
	Csrrc
	Csrrwi

	Mret
	Sret
	Wfi

	// A extension (simple, non-atomic path per spec)
	AmoswapW
	AmoaddW
	AmoswapD
	AmoaddD
)

// Instruction is the decoded, self-contained form of one instruction
// word: the Op plus whichever fields that Op's shape actually uses.
// Unused fields are left at their zero value.
type Instruction struct {
	Op  Op
	Raw uint32 // original word; used by Invalid and by fault diagnostics

	Rd, Rs1, Rs2 uint32
	Funct3       uint32
	Funct7       uint32
	Imm          int64 // already sign-extended per the instruction's shape
}

// Decode decodes a single 32-bit instruction word. Unsupported encodings
// within an otherwise-supported opcode class decode to Invalid; Decode
// itself never fails or panics; it always returns a value.
func Decode(raw uint32) Instruction {
	opcode := raw & 0x7f
	switch opcode {
	case 0x03: // LOAD
		return decodeI(raw, Load)
	case 0x0F: // MISC-MEM
		return Instruction{Op: Fence, Raw: raw}
	case 0x13: // OP-IMM
		return decodeOpImm(raw)
	case 0x1B: // OP-IMM-32
		return decodeOpImm32(raw)
	case 0x17: // AUIPC
		return decodeU(raw, Auipc)
	case 0x23: // STORE
		return decodeS(raw)
	case 0x2F: // AMO
		return decodeAmo(raw)
	case 0x33: // OP
		return decodeOp(raw)
	case 0x37: // LUI
		return decodeU(raw, Lui)
	case 0x3B: // OP-32
		return decodeOp32(raw)
	case 0x63: // BRANCH
		return decodeBranch(raw)
	case 0x67: // JALR
		return decodeI(raw, Jalr)
	case 0x6F: // JAL
		return decodeJ(raw)
	case 0x73: // SYSTEM
		return decodeSystem(raw)
	default:
		return Instruction{Op: Invalid, Raw: raw}
	}
}

func rd(raw uint32) uint32     { return (raw >> 7) & 0x1f }
func rs1(raw uint32) uint32    { return (raw >> 15) & 0x1f }
func rs2(raw uint32) uint32    { return (raw >> 20) & 0x1f }
func funct3(raw uint32) uint32 { return (raw >> 12) & 0x7 }
func funct7(raw uint32) uint32 { return (raw >> 25) & 0x7f }

// immI sign-extends the 12-bit I-type immediate: an arithmetic right
// shift of the raw word treated as signed.
func immI(raw uint32) int64 {
	return int64(int32(raw) >> 20)
}

// immS sign-extends the 12-bit S-type immediate.
func immS(raw uint32) int64 {
	lo := (raw >> 7) & 0x1f
	hi := int32(raw) >> 20 // already sign-extended, high bits usable as-is
	return int64(int32((uint32(hi) &^ 0x1f) | lo))
}

// immB sign-extends the 13-bit (always-even) B-type immediate.
func immB(raw uint32) int64 {
	b12 := (raw >> 31) & 1
	b11 := (raw >> 7) & 1
	b10_5 := (raw >> 25) & 0x3f
	b4_1 := (raw >> 8) & 0xf
	v := (b12 << 12) | (b11 << 11) | (b10_5 << 5) | (b4_1 << 1)
	return int64(int32(v<<19) >> 19)
}

// immU extracts the 20-bit upper immediate already shifted into bits
// 31..12, sign-extended through the int32 reinterpretation.
func immU(raw uint32) int64 {
	return int64(int32(raw & 0xFFFFF000))
}

// immJ sign-extends the 21-bit (always-even) J-type immediate.
func immJ(raw uint32) int64 {
	b20 := (raw >> 31) & 1
	b19_12 := (raw >> 12) & 0xff
	b11 := (raw >> 20) & 1
	b10_1 := (raw >> 21) & 0x3ff
	v := (b20 << 20) | (b19_12 << 12) | (b11 << 11) | (b10_1 << 1)
	return int64(int32(v<<11) >> 11)
}

func decodeI(raw uint32, op Op) Instruction {
	return Instruction{
		Op: op, Raw: raw,
		Rd: rd(raw), Rs1: rs1(raw), Funct3: funct3(raw), Imm: immI(raw),
	}
}

func decodeS(raw uint32) Instruction {
	return Instruction{
		Op: Store, Raw: raw,
		Rs1: rs1(raw), Rs2: rs2(raw), Funct3: funct3(raw), Imm: immS(raw),
	}
}

func decodeU(raw uint32, op Op) Instruction {
	return Instruction{Op: op, Raw: raw, Rd: rd(raw), Imm: immU(raw)}
}

func decodeJ(raw uint32) Instruction {
	return Instruction{Op: Jal, Raw: raw, Rd: rd(raw), Imm: immJ(raw)}
}

func decodeBranch(raw uint32) Instruction {
	i := Instruction{
		Raw: raw, Rs1: rs1(raw), Rs2: rs2(raw), Funct3: funct3(raw), Imm: immB(raw),
	}
	switch funct3(raw) {
	case 0:
		i.Op = Beq
	case 1:
		i.Op = Bne
	case 4:
		i.Op = Blt
	case 5:
		i.Op = Bge
	case 6:
		i.Op = Bltu
	case 7:
		i.Op = Bgeu
	default:
		i.Op = Invalid
	}
	return i
}

func decodeOpImm(raw uint32) Instruction {
	i := decodeI(raw, Invalid)
	switch funct3(raw) {
	case 0:
		i.Op = Addi
	case 1:
		i.Op = Slli
	case 2:
		i.Op = Slti
	case 3:
		i.Op = Sltiu
	case 4:
		i.Op = Xori
	case 5:
		// SRAI vs SRLI: disambiguated by the high 6 bits of the immediate.
		if (raw>>26)&0x3f == 0x10 {
			i.Op = Srai
		} else {
			i.Op = Srli
		}
	case 6:
		i.Op = Ori
	case 7:
		i.Op = Andi
	}
	return i
}

func decodeOpImm32(raw uint32) Instruction {
	i := decodeI(raw, Invalid)
	switch funct3(raw) {
	case 0:
		i.Op = Addiw
	case 1:
		i.Op = Slliw
	case 5:
		if (raw>>25)&0x7f == 0x20 {
			i.Op = Sraiw
		} else {
			i.Op = Srliw
		}
	default:
		i.Op = Invalid
	}
	return i
}

func decodeOp(raw uint32) Instruction {
	i := Instruction{Raw: raw, Rd: rd(raw), Rs1: rs1(raw), Rs2: rs2(raw), Funct3: funct3(raw), Funct7: funct7(raw)}
	switch funct7(raw) {
	case 0x00:
		switch i.Funct3 {
		case 0:
			i.Op = Add
		case 1:
			i.Op = Sll
		case 2:
			i.Op = Slt
		case 3:
			i.Op = Sltu
		case 4:
			i.Op = Xor
		case 5:
			i.Op = Srl
		case 6:
			i.Op = Or
		case 7:
			i.Op = And
		default:
			i.Op = Invalid
		}
	case 0x20:
		switch i.Funct3 {
		case 0:
			i.Op = Sub
		case 5:
			i.Op = Sra
		default:
			i.Op = Invalid
		}
	case 0x01:
		switch i.Funct3 {
		case 0:
			i.Op = Mul
		case 1:
			i.Op = Mulh
		case 2:
			i.Op = Mulhsu
		case 3:
			i.Op = Mulhu
		case 4:
			i.Op = Div
		case 5:
			i.Op = Divu
		case 6:
			i.Op = Rem
		case 7:
			i.Op = Remu
		}
	default:
		i.Op = Invalid
	}
	return i
}

func decodeOp32(raw uint32) Instruction {
	i := Instruction{Raw: raw, Rd: rd(raw), Rs1: rs1(raw), Rs2: rs2(raw), Funct3: funct3(raw), Funct7: funct7(raw)}
	switch funct7(raw) {
	case 0x00:
		switch i.Funct3 {
		case 0:
			i.Op = Addw
		case 1:
			i.Op = Sllw
		case 5:
			i.Op = Srlw
		default:
			i.Op = Invalid
		}
	case 0x20:
		switch i.Funct3 {
		case 0:
			i.Op = Subw
		case 5:
			i.Op = Sraw
		default:
			i.Op = Invalid
		}
	case 0x01:
		switch i.Funct3 {
		case 0:
			i.Op = Mulw
		case 4:
			i.Op = Divw
		case 5:
			i.Op = Divuw
		case 6:
			i.Op = Remw
		case 7:
			i.Op = Remuw
		default:
			i.Op = Invalid
		}
	default:
		i.Op = Invalid
	}
	return i
}

func decodeAmo(raw uint32) Instruction {
	i := Instruction{Raw: raw, Rd: rd(raw), Rs1: rs1(raw), Rs2: rs2(raw), Funct3: funct3(raw), Funct7: funct7(raw)}
	top5 := funct7(raw) >> 2
	switch {
	case i.Funct3 == 2 && top5 == 0x01:
		i.Op = AmoswapW
	case i.Funct3 == 2 && top5 == 0x00:
		i.Op = AmoaddW
	case i.Funct3 == 3 && top5 == 0x01:
		i.Op = AmoswapD
	case i.Funct3 == 3 && top5 == 0x00:
		i.Op = AmoaddD
	default:
		i.Op = Invalid
	}
	return i
}

func decodeSystem(raw uint32) Instruction {
	i := decodeI(raw, Invalid)
	f3 := funct3(raw)
	imm12 := raw >> 20
	if f3 == 0 {
		switch imm12 {
		case 0x000:
			i.Op = Ecall
		case 0x001:
			i.Op = Ebreak
		case 0x102:
			i.Op = Sret
		case 0x105:
			i.Op = Wfi
		case 0x302:
			i.Op = Mret
		default:
			i.Op = Invalid
		}
		return i
	}
	// CSR family: the I-type immediate field is actually the 12-bit CSR
	// address here, not a signed offset, so re-read it unsigned.
	i.Imm = int64(imm12)
	switch f3 {
	case 1:
		i.Op = Csrrw
	case 2:
		i.Op = Csrrs
	case 3:
		i.Op = Csrrc
	case 5:
		i.Op = Csrrwi
	default:
		i.Op = Invalid
	}
	return i
}
