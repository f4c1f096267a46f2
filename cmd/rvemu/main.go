package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/dernatsch/rv64emu/internal/cpu"
	"github.com/dernatsch/rv64emu/internal/gdbstub"
	"github.com/dernatsch/rv64emu/internal/platform"
)

var logger = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})

func main() {
	var (
		configPath  string
		firmware    string
		dtb         string
		debugFlag   bool
		step        bool
		debugAddr   string
		maxSteps    int
		consoleAddr string
	)

	rootCmd := &cobra.Command{
		Use:   "rvemu",
		Short: "single-hart RV64 instruction-set simulator",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file")
	rootCmd.PersistentFlags().StringVarP(&firmware, "firmware", "f", "", "firmware jump image (overrides config)")
	rootCmd.PersistentFlags().StringVar(&dtb, "dtb", "", "flattened device tree blob (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "v", false, "enable debug-level logging")
	rootCmd.PersistentFlags().StringVar(&consoleAddr, "console-addr", "", "stream UART output to the first TCP client on this address instead of stdout")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "boot the firmware image and run to completion or a fatal fault",
		RunE: func(cmd *cobra.Command, args []string) error {
			setLogLevel(debugFlag)
			c, err := bootFrom(configPath, firmware, dtb, consoleAddr)
			if err != nil {
				return err
			}
			if step {
				return runStepping(c)
			}
			return runToCompletion(c, maxSteps)
		},
	}
	runCmd.Flags().BoolVar(&step, "step", false, "pause for a keypress before every instruction")
	runCmd.Flags().IntVar(&maxSteps, "max-steps", 1<<30, "stop after this many instructions even without a fault")

	debugCmd := &cobra.Command{
		Use:   "debug",
		Short: "boot the firmware image and wait for a GDB remote connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			setLogLevel(debugFlag)
			c, err := bootFrom(configPath, firmware, dtb, consoleAddr)
			if err != nil {
				return err
			}
			addr := debugAddr
			if addr == "" {
				cfg, cfgErr := platform.LoadConfig(configPath)
				if cfgErr == nil && cfg.DebugAddr != "" {
					addr = cfg.DebugAddr
				} else {
					addr = "localhost:3000"
				}
			}
			server := gdbstub.NewServer(addr, c, logger)
			return server.Serve()
		},
	}
	debugCmd.Flags().StringVar(&debugAddr, "addr", "", "debug server bind address (overrides config)")

	rootCmd.AddCommand(runCmd, debugCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.Fatal(err)
	}
}

func setLogLevel(debug bool) {
	if debug {
		logger.SetLevel(log.DebugLevel)
	} else {
		logger.SetLevel(log.InfoLevel)
	}
}

func bootFrom(configPath, firmware, dtb, consoleAddr string) (*cpu.CPU, error) {
	cfg, err := platform.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if firmware != "" {
		cfg.Firmware = firmware
	}
	if dtb != "" {
		cfg.DTB = dtb
	}
	if cfg.Firmware == "" || cfg.DTB == "" {
		return nil, fmt.Errorf("rvemu: both --firmware and --dtb (or their config-file equivalents) are required")
	}

	logger.Info("booting", "firmware", cfg.Firmware, "dtb", cfg.DTB)
	c, err := platform.Boot(cfg, cpu.SystemClock{})
	if err != nil {
		return nil, err
	}
	if consoleAddr != "" {
		console, err := platform.ListenConsole(consoleAddr)
		if err != nil {
			return nil, fmt.Errorf("rvemu: starting console listener: %w", err)
		}
		c.UART = console
	}
	logger.Info("boot trampoline stamped", "pc", fmt.Sprintf("0x%x", c.PC))
	return c, nil
}

func runToCompletion(c *cpu.CPU, maxSteps int) error {
	reason, err := c.Run(maxSteps)
	if err != nil {
		logger.Error("fatal fault", "err", err)
		return err
	}
	logger.Info("halted", "kind", reason.Kind, "pc", fmt.Sprintf("0x%x", reason.PC))
	return nil
}
