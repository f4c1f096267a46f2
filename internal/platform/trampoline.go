package platform

// Trampoline builds the five-instruction boot sequence stamped at the
// reset vector (0x1000). It hands off to the firmware at jumpAddr with
// the SBI calling convention the payload expects: a0 = hart id (0),
// a1 = flattened device tree address, t0/pc = jumpAddr.
//
//	auipc t0, %pcrel_hi(jumpAddr)   ; t0 = jumpAddr
//	auipc a1, 0                     ; a1 = pc of this instruction
//	addi  a1, a1, fdtBase-here       ; a1 = fdtBase
//	csrr  a0, mhartid                ; a0 = 0
//	jalr  zero, 0(t0)                ; pc = jumpAddr
//
// Every word is derived arithmetically from jumpAddr/fdtBase rather than
// hard-coded, the way the original's main.rs builds them with
// bytes.BufMut: a literal-word table would silently go stale the moment
// jumpAddr or fdtBase changes.
func Trampoline(jumpAddr, fdtBase uint32) []byte {
	const (
		trampolineBase = 0x1000
		auipcT0        = 0x00000297 // auipc t0, 0
		auipcA1        = 0x00000597 // auipc a1, 0
		addiA1A1       = 0x00058593 // addi  a1, a1, 0
		csrrA0Mhartid  = 0xF1402573 // csrrs a0, mhartid, x0
		jalrZeroT0     = 0x00028067 // jalr  zero, 0(t0)
	)

	word0pc := uint32(trampolineBase)
	word1pc := uint32(trampolineBase + 4)

	words := [5]uint32{
		auipcT0 + (jumpAddr - word0pc),
		auipcA1,
		addiA1A1 + ((fdtBase - word1pc) << 20),
		csrrA0Mhartid,
		jalrZeroT0,
	}

	buf := make([]byte, 0, 4*len(words))
	for _, w := range words {
		buf = append(buf, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
	}
	return buf
}
