// Package cmd implements the bVisor command line interface.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/butterdotdev/bvisor/logging"
	"github.com/butterdotdev/bvisor/supervisor"
	"github.com/butterdotdev/bvisor/utils"
)

// Version information set at build time.
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
)

// Global flags.
var (
	globalOverlayRoot string
	globalLog         string
	globalLogFormat   string
	globalDebug       bool
)

// rootCmd runs argv as a guest under the bVisor supervisor.
var rootCmd = &cobra.Command{
	Use:   "bvisor [flags] -- argv...",
	Short: "seccomp user-notification sandbox supervisor",
	Long: `bvisor runs a single guest process under supervision, trapping its
syscalls through a seccomp user-notification filter and servicing them
against a virtual process tree and a copy-on-write filesystem.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.MinimumNArgs(1),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return nil
	},
	RunE: runGuest,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetContext returns a context that cancels on SIGINT/SIGTERM, so the
// supervisor loop can unwind and free the overlay root before the process
// exits.
func GetContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx
}

// GetOverlayRoot returns the directory under which per-run overlay state
// (cow/ and tmp/ subtrees) is created.
func GetOverlayRoot() string {
	if globalOverlayRoot != "" {
		return globalOverlayRoot
	}
	return os.TempDir()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalOverlayRoot, "root", "", "base directory for the overlay root (default: $TMPDIR)")
	rootCmd.PersistentFlags().StringVar(&globalLog, "log", "", "set the log file path")
	rootCmd.PersistentFlags().StringVar(&globalLogFormat, "log-format", "text", "set the format for log output (text or json)")
	rootCmd.PersistentFlags().BoolVar(&globalDebug, "debug", false, "enable debug logging")

	rootCmd.Flags().SetInterspersed(false)
}

func setupLogging() {
	logOutput := os.Stderr
	if globalLog != "" {
		f, err := os.OpenFile(globalLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err == nil {
			logOutput = f
		}
	}

	logLevel := slog.LevelInfo
	if globalDebug {
		logLevel = slog.LevelDebug
	}

	logger := logging.NewLogger(logging.Config{
		Level:  logLevel,
		Format: globalLogFormat,
		Output: logOutput,
	})
	logging.SetDefault(logger)
}

func runGuest(cmd *cobra.Command, args []string) error {
	ctx := GetContext()

	if globalDebug {
		term := utils.DescribeTerminal(os.Stdin)
		logging.Default().Debug("supervisor controlling terminal",
			slog.Bool("is_terminal", term.IsTerminal), slog.Int("cols", term.Cols), slog.Int("rows", term.Rows))
	}

	code, err := supervisor.Run(ctx, args, supervisor.Options{
		OverlayBase: GetOverlayRoot(),
		Debug:       globalDebug,
	})
	if err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}

	os.Exit(code)
	return nil
}
