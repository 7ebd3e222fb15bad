package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/OpenTraceLab/orbtrace/internal/config"
	"github.com/OpenTraceLab/orbtrace/internal/flagenv"
	"github.com/OpenTraceLab/orbtrace/internal/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	logLevel   string
	verbose    bool

	// Set up by the root pre-run hook.
	cfg *config.Config
	log *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "orbtrace",
	Short: "CMSIS-DAP command processor and trace framer",
	Long: `Host side tools for the Orbtrace debug probe: run CMSIS-DAP command
packets through the command processor and frame captured trace data into
Orbflow super-frames.

Every flag may also be set through an ORBTRACE_ environment variable, e.g.
ORBTRACE_LOG_LEVEL=debug. Flags override the config file.

Examples:
  orbtrace dap exec 00 04                           # Query the firmware version
  orbtrace dap run bringup.dap                      # Run a DAP script on the simulator
  orbtrace dap run --probe bringup.dap              # Run it on a real probe
  orbtrace trace run --serial /dev/ttyACM1 -o out.of # Frame SWO from a UART
  orbtrace trace decode out.of                      # Dump an Orbflow capture`,
	Version:           "0.3.0",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute runs the root command
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(),
		"config file (missing file means defaults)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level (trace, debug, info, warn, error); overrides the config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

func setup(cmd *cobra.Command, args []string) error {
	if err := flagenv.Apply(cmd.Flags(), flagenv.Prefix); err != nil {
		return err
	}

	c, err := config.LoadOptional(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := c.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	if verbose {
		level = "debug"
	}
	l, err := logging.New(level, os.Stderr)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	cfg, log = c, l
	log.WithField("prefix", "orbtrace").Debugf("config %q loaded", configPath)
	return nil
}
