package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// initResult is the output of init.
type initResult struct {
	DB     string       `json:"db"`
	Params paramsResult `json:"params"`
}

func (r initResult) String() string {
	return fmt.Sprintf("initialized %s\n%s", r.DB, r.Params)
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Seed a database with the configured network parameters",
		Long: `Create the database and write the configured network parameters to it.

Other commands start from the config's parameters until a setter persists
them; init records them up front. An initialized database is left alone
unless --force is given, which overwrites the stored parameters and keeps
every claim, balance and event.

Examples:
  gelato init --config network.cue
  gelato init --config network.cue --db /var/lib/gelato/ledger.db --force`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNetwork(cmd, rootOpts, func(ctx context.Context, n *network) error {
				f := rootOpts.formatter(cmd)
				stored, err := n.session.ReadParams(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read stored parameters", err)
				}
				if stored != nil && !force {
					return NewExitError(ExitCommandError, fmt.Sprintf("%s is already initialized (use --force to overwrite parameters)", n.cfg.DB))
				}

				snap := n.core.Snapshot()
				configured := n.cfg.Params()
				snap.Params = &configured
				if err := n.session.SaveSnapshot(ctx, snap); err != nil {
					return WrapExitError(ExitCommandError, "failed to write parameters", err)
				}
				return f.Success(initResult{
					DB:     n.cfg.DB,
					Params: paramsResult{Values: configured, SysAdminFunds: n.core.SysAdminFunds()},
				})
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite stored parameters")
	return cmd
}
