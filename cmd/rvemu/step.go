package main

import (
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/dernatsch/rv64emu/internal/cpu"
)

// runStepping pauses before every instruction for a single keypress,
// the raw-mode successor to the teacher's fmt.Scanln()-gated -d flag:
// one keystroke advances one instruction instead of requiring Enter.
func runStepping(c *cpu.CPU) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("rvemu: --step requires an interactive terminal")
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("rvemu: entering raw mode: %w", err)
	}
	defer term.Restore(fd, state)

	key := make([]byte, 1)
	for {
		fmt.Fprintf(os.Stderr, "rvemu: pc=0x%x (press any key to step, q to quit)\r\n", c.PC)
		if _, err := os.Stdin.Read(key); err != nil {
			return fmt.Errorf("rvemu: reading keypress: %w", err)
		}
		if key[0] == 'q' {
			return nil
		}

		reason, err := c.Run(1)
		if err != nil {
			fmt.Fprintf(os.Stderr, "\r\nrvemu: fatal fault: %v\r\n", err)
			return err
		}
		if reason.Kind != cpu.HaltSteps {
			fmt.Fprintf(os.Stderr, "\r\nrvemu: halted: kind=%v pc=0x%x\r\n", reason.Kind, reason.PC)
			return nil
		}
	}
}
