package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rabbitholeanalytics/gelato-network/internal/params"
)

// paramsResult is the output of sysadmin show.
type paramsResult struct {
	params.Values
	SysAdminFunds uint64 `json:"sysadmin_funds"`
}

func (r paramsResult) String() string {
	return fmt.Sprintf("owner=%s min_executor_stake=%d min_provider_funds=%d gas_multiplier_bps=%d sysadmin_fee_bps=%d sysadmin_funds=%d",
		r.Owner, r.MinExecutorStake, r.MinProviderFunds, r.GasMultiplierBps, r.SysAdminFeeBps, r.SysAdminFunds)
}

// withdrawResult is the output of sysadmin withdraw.
type withdrawResult struct {
	Requested uint64 `json:"requested"`
	Before    uint64 `json:"before"`
	Withdrawn uint64 `json:"withdrawn"`
}

func (r withdrawResult) String() string {
	return fmt.Sprintf("withdrew %d of %d requested (pool held %d)", r.Withdrawn, r.Requested, r.Before)
}

// SysAdminOptions holds flags shared by sysadmin commands.
type SysAdminOptions struct {
	*RootOptions
	Caller string // defaults to the configured owner
}

// caller returns --caller or the network owner.
func (o *SysAdminOptions) caller(n *network) string {
	if o.Caller != "" {
		return o.Caller
	}
	return n.cfg.Network.Owner
}

// NewSysAdminCommand creates the sysadmin command group.
func NewSysAdminCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SysAdminOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sysadmin",
		Short: "Owner-only network parameters and fee withdrawal",
		Long: `Inspect and change network parameters, and withdraw accrued fees.

Every change is restricted to the network owner. --caller defaults to
network.owner from the config.

Examples:
  gelato sysadmin show
  gelato sysadmin set-min-stake 1000
  gelato sysadmin set-gas-multiplier 17500
  gelato sysadmin withdraw 500 --caller owner`,
	}
	cmd.PersistentFlags().StringVar(&opts.Caller, "caller", "", "account making the change (default: network owner)")

	cmd.AddCommand(&cobra.Command{
		Use:           "show",
		Short:         "Show network parameters and sysadmin funds",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadNetwork(cmd, rootOpts, func(_ context.Context, n *network) error {
				return rootOpts.formatter(cmd).Success(paramsResult{
					Values:        n.core.Params(),
					SysAdminFunds: n.core.SysAdminFunds(),
				})
			})
		},
	})

	setters := []struct {
		use, short, name string
		set              func(n *network) func(ctx context.Context, caller string, v uint64) (uint64, uint64, error)
	}{
		{"set-min-stake <amount>", "Set the minimum executor stake", "min_executor_stake",
			func(n *network) func(context.Context, string, uint64) (uint64, uint64, error) {
				return n.core.SetMinExecutorStake
			}},
		{"set-min-funds <amount>", "Set the minimum provider funds", "min_provider_funds",
			func(n *network) func(context.Context, string, uint64) (uint64, uint64, error) {
				return n.core.SetMinProviderFunds
			}},
		{"set-gas-multiplier <bps>", "Set the deposit gas multiplier in basis points (above 10000)", "gas_multiplier_bps",
			func(n *network) func(context.Context, string, uint64) (uint64, uint64, error) {
				return n.core.SetGasMultiplierBps
			}},
		{"set-fee <bps>", "Set the sysadmin fee in basis points of the reward", "sysadmin_fee_bps",
			func(n *network) func(context.Context, string, uint64) (uint64, uint64, error) {
				return n.core.SetSysAdminFeeBps
			}},
	}
	for _, s := range setters {
		cmd.AddCommand(&cobra.Command{
			Use:           s.use,
			Short:         s.short,
			Args:          cobra.ExactArgs(1),
			SilenceUsage:  true,
			SilenceErrors: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := parseAmount("value", args[0])
				if err != nil {
					return err
				}
				return withNetwork(cmd, rootOpts, func(ctx context.Context, n *network) error {
					f := opts.formatter(cmd)
					old, cur, err := s.set(n)(ctx, opts.caller(n), v)
					if err != nil {
						return f.Reject("set "+s.name, err)
					}
					return f.Success(changeResult{Name: s.name, Old: old, New: cur})
				})
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "withdraw <amount>",
		Short: "Withdraw accrued sysadmin fees",
		Long: `Withdraw up to amount from the sysadmin pool. A request larger than the
pool withdraws what the pool holds.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount("amount", args[0])
			if err != nil {
				return err
			}
			return withNetwork(cmd, rootOpts, func(ctx context.Context, n *network) error {
				f := opts.formatter(cmd)
				before, withdrawn, err := n.core.WithdrawSysAdminFunds(ctx, opts.caller(n), amount)
				if err != nil {
					return f.Reject("withdraw", err)
				}
				return f.Success(withdrawResult{Requested: amount, Before: before, Withdrawn: withdrawn})
			})
		},
	})
	return cmd
}
