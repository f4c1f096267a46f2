// Package platform wires the CPU and memory packages into something that
// boots: config loading, firmware/DTB image loading, and boot trampoline
// construction. cmd/rvemu builds its CPU through this package and never
// touches internal/memory directly; it uses internal/cpu only for the
// clock, the run loop and the CPU type.
package platform

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/dernatsch/rv64emu/internal/cpu"
	"github.com/dernatsch/rv64emu/internal/memory"
)

// MemoryRegion describes one region of the Config's [[memory]] array.
type MemoryRegion struct {
	Base uint64 `toml:"base"`
	Size uint64 `toml:"size"`
}

// Config is the decoded shape of the optional TOML config file.
// Firmware, DTB and DebugAddr have matching cobra flags in cmd/rvemu
// (--firmware, --dtb, debug --addr), and those flags win over whatever
// the file says; Memory and UART are set only from the file.
type Config struct {
	Firmware  string         `toml:"firmware"`
	DTB       string         `toml:"dtb"`
	Memory    []MemoryRegion `toml:"memory"`
	UART      bool           `toml:"uart"`
	DebugAddr string         `toml:"debug_addr"`
}

// DefaultConfig returns the configuration used when no config file is
// given and no flags override it: the two regions spec.md requires
// (low boot ROM window, 128 MiB of RAM at 0x8000_0000), UART enabled,
// debug server on localhost:3000 (the original's fixed GDB port).
func DefaultConfig() Config {
	return Config{
		Memory: []MemoryRegion{
			{Base: 0x1000, Size: 0x10000 - 0x1000},
			{Base: 0x80000000, Size: 128 << 20},
		},
		UART:      true,
		DebugAddr: "localhost:3000",
	}
}

// LoadConfig reads and decodes a TOML config file at path, starting from
// DefaultConfig so a file only needs to mention what it overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("platform: decoding config %q: %w", path, err)
	}
	return cfg, nil
}

// NewMemory builds a Memory from the config's region list.
func (c Config) NewMemory() (*memory.Memory, error) {
	mem := memory.New()
	for _, r := range c.Memory {
		if err := mem.AddRegion(r.Base, r.Size); err != nil {
			return nil, fmt.Errorf("platform: region [0x%x,0x%x): %w", r.Base, r.Base+r.Size, err)
		}
	}
	return mem, nil
}

// LoadImage reads the file at path in full, for firmware and DTB
// loading. A missing or unreadable file is a fatal startup condition.
func LoadImage(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("platform: loading image %q: %w", path, err)
	}
	return data, nil
}

// Boot assembles a CPU from cfg: maps memory, loads the firmware image
// at 0x8000_0000 and the DTB at fdtBase, and stamps the boot trampoline
// at the reset vector (0x1000). clk is injected so cmd/rvemu can pass
// cpu.SystemClock{} while tests pass a fake.
func Boot(cfg Config, clk cpu.Clock) (*cpu.CPU, error) {
	mem, err := cfg.NewMemory()
	if err != nil {
		return nil, err
	}

	firmware, err := LoadImage(cfg.Firmware)
	if err != nil {
		return nil, err
	}
	dtb, err := LoadImage(cfg.DTB)
	if err != nil {
		return nil, err
	}

	const jumpAddr = 0x80000000
	// fdtBase follows the trampoline's five words with slack for growth,
	// matching the original's `0x1000 + 8*8`.
	const fdtBase = 0x1000 + 8*8

	c := cpu.New(mem, clk)
	if err := c.StoreImage(jumpAddr, firmware); err != nil {
		return nil, fmt.Errorf("platform: loading firmware: %w", err)
	}
	if err := c.StoreImage(fdtBase, dtb); err != nil {
		return nil, fmt.Errorf("platform: loading dtb: %w", err)
	}
	if err := c.StoreImage(cpu.ResetPC, Trampoline(jumpAddr, fdtBase)); err != nil {
		return nil, fmt.Errorf("platform: stamping trampoline: %w", err)
	}
	if !cfg.UART {
		c.UART = discard{}
	}
	return c, nil
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
