package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// stakeResult is the output of stake commands.
type stakeResult struct {
	Executor  string `json:"executor"`
	Stake     uint64 `json:"stake"`
	Price     uint64 `json:"price"`
	MinStaked bool   `json:"min_staked"`
	LiveBound int    `json:"live_bound"`
}

func (r stakeResult) String() string {
	staked := "below minimum"
	if r.MinStaked {
		staked = "staked"
	}
	return fmt.Sprintf("%s: stake %d (%s), price %d, %d live bound claims",
		r.Executor, r.Stake, staked, r.Price, r.LiveBound)
}

func executorView(n *network, executor string) stakeResult {
	return stakeResult{
		Executor:  executor,
		Stake:     n.core.ExecutorStake(executor),
		Price:     n.core.ExecutorPrice(executor),
		MinStaked: n.core.IsMinStaked(executor),
		LiveBound: n.core.LiveBoundCount(executor),
	}
}

// NewStakeCommand creates the stake command group.
func NewStakeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stake",
		Short: "Manage executor stake and gas price",
		Long: `Manage executor stake and advertised gas price.

An executor at or above the network minimum may be bound to claims and
execute them. Unstaking below the minimum is refused while the executor
has live bound claims.

Examples:
  gelato stake add bob 5000
  gelato stake remove bob 1000
  gelato stake price bob 20
  gelato stake show bob`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "add <executor> <amount>",
		Short:         "Add to an executor's stake",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount("amount", args[1])
			if err != nil {
				return err
			}
			return runStake(cmd, rootOpts, "stake", args[0], amount)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "remove <executor> <amount>",
		Short:         "Withdraw from an executor's stake",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount("amount", args[1])
			if err != nil {
				return err
			}
			return runStake(cmd, rootOpts, "unstake", args[0], amount)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "price <executor> <price>",
		Short:         "Set an executor's advertised gas price",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			price, err := parseAmount("price", args[1])
			if err != nil {
				return err
			}
			return withNetwork(cmd, rootOpts, func(ctx context.Context, n *network) error {
				f := rootOpts.formatter(cmd)
				old, cur, err := n.core.SetExecutorPrice(ctx, args[0], price)
				if err != nil {
					return f.Reject("set price", err)
				}
				return f.Success(changeResult{Name: args[0] + " price", Old: old, New: cur})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "show <executor>",
		Short:         "Show an executor's stake",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadNetwork(cmd, rootOpts, func(_ context.Context, n *network) error {
				return rootOpts.formatter(cmd).Success(executorView(n, args[0]))
			})
		},
	})
	return cmd
}

func runStake(cmd *cobra.Command, opts *RootOptions, op, executor string, amount uint64) error {
	return withNetwork(cmd, opts, func(ctx context.Context, n *network) error {
		f := opts.formatter(cmd)
		move := n.core.Stake
		if op == "unstake" {
			move = n.core.Unstake
		}
		if _, err := move(ctx, executor, amount); err != nil {
			return f.Reject(op, err)
		}
		return f.Success(executorView(n, executor))
	})
}
