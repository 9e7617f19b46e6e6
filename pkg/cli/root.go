// Package cli implements the quirefdw command, a standalone driver for the
// credential cache and the scan engine.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/elbader17/quirefdw/pkg/config"
	"github.com/elbader17/quirefdw/pkg/fdw"
	"github.com/elbader17/quirefdw/pkg/logger"
)

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// app holds what every subcommand needs, resolved once before it runs.
type app struct {
	cfg config.Config
	log logger.Sugared
}

func (a *app) wrapper() (*fdw.Wrapper, error) {
	opts, err := a.cfg.ServerOptions()
	if err != nil {
		return nil, err
	}
	return fdw.New(opts, fdw.WithLogger(a.log))
}

func newRootCmd() *cobra.Command {
	var (
		env     string
		tables  string
		verbose bool
	)
	a := &app{log: logger.Nop()}

	rootCmd := &cobra.Command{
		Use:           "quirefdw",
		Short:         "Read spreadsheets as typed tables",
		Long:          "Mint service-account tokens and scan spreadsheet-backed tables the way the foreign data wrapper does.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.cfg = config.Load()
			// Apply precedence: flag > env > default
			if cmd.Flags().Changed("env") {
				a.cfg.Env = env
			}
			if cmd.Flags().Changed("tables") {
				a.cfg.TablesFile = tables
			}
			if verbose {
				a.log = logger.New(a.cfg.Env)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&env, "env", "dev", "Environment (dev, prod)")
	rootCmd.PersistentFlags().StringVar(&tables, "tables", "tables.yaml", "Table mapping file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log to stderr")

	rootCmd.AddCommand(newTokenCmd(a))
	rootCmd.AddCommand(newTablesCmd(a))
	rootCmd.AddCommand(newScanCmd(a))

	return rootCmd
}
