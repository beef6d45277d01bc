package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string // CUE config path; empty uses built-in defaults
	DB      string // overrides the config's db path
	EnvFile string // optional .env file read before GELATO_* overrides
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the gelato CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "gelato",
		Short: "Gelato - execution claim network",
		Long: `Operate an execution claim ledger.

Providers fund deposits and whitelist the conditions and actions their users
may combine. Minting freezes a deposit priced from gas estimates and the gas
price in effect. Staked executors settle claims whose condition holds, and the
reward is split between the executor and the sysadmin.

State lives in a SQLite database; every command opens it, applies one
operation and journals the result.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "network config file (CUE)")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "", "database path (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", ".env file with GELATO_* overrides")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewFundsCommand(opts))
	cmd.AddCommand(NewWhitelistCommand(opts))
	cmd.AddCommand(NewStakeCommand(opts))
	cmd.AddCommand(NewMintCommand(opts))
	cmd.AddCommand(NewCancelCommand(opts))
	cmd.AddCommand(NewExpireCommand(opts))
	cmd.AddCommand(NewCanExecuteCommand(opts))
	cmd.AddCommand(NewExecuteCommand(opts))
	cmd.AddCommand(NewDepositQuoteCommand(opts))
	cmd.AddCommand(NewClaimsCommand(opts))
	cmd.AddCommand(NewSysAdminCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// formatter builds the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
