package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rabbitholeanalytics/gelato-network/internal/plugin"
	"github.com/rabbitholeanalytics/gelato-network/internal/registry"
)

// NewFundsCommand creates the funds command group.
func NewFundsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "funds",
		Short: "Manage provider deposit funds",
	}
	cmd.AddCommand(newFundsMoveCommand(rootOpts, "provide", "Add funds to a provider's balance"))
	cmd.AddCommand(newFundsMoveCommand(rootOpts, "unprovide", "Withdraw funds from a provider's balance"))
	cmd.AddCommand(&cobra.Command{
		Use:           "show <provider>",
		Short:         "Show a provider's balance",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadNetwork(cmd, rootOpts, func(_ context.Context, n *network) error {
				return rootOpts.formatter(cmd).Success(amountResult{
					Account: args[0],
					Balance: n.core.ProviderFunds(args[0]),
				})
			})
		},
	})
	return cmd
}

func newFundsMoveCommand(rootOpts *RootOptions, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <provider> <amount>",
		Short: short,
		Long: fmt.Sprintf(`%s.

Exit codes:
  0 - Funds moved
  1 - Rejected by the ledger (e.g. INSUFFICIENT_FUNDS)
  2 - Command error

Examples:
  gelato funds %s alice 1000`, short, verb),
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount("amount", args[1])
			if err != nil {
				return err
			}
			return runFundsMove(cmd, rootOpts, verb, args[0], amount)
		},
	}
}

func runFundsMove(cmd *cobra.Command, opts *RootOptions, verb, provider string, amount uint64) error {
	return withNetwork(cmd, opts, func(ctx context.Context, n *network) error {
		f := opts.formatter(cmd)
		move := n.core.ProvideFunds
		if verb == "unprovide" {
			move = n.core.UnprovideFunds
		}
		bal, err := move(ctx, provider, amount)
		if err != nil {
			return f.Reject(verb, err)
		}
		return f.Success(amountResult{Account: provider, Amount: amount, Balance: bal})
	})
}

// WhitelistOptions holds flags for the whitelist commands.
type WhitelistOptions struct {
	*RootOptions
	Caller string // defaults to the provider
}

// whitelistResult lists the refs a whitelist command changed or holds.
type whitelistResult struct {
	Provider string       `json:"provider"`
	Kind     string       `json:"kind"`
	Refs     []plugin.Ref `json:"refs"`
}

func (r whitelistResult) String() string {
	refs := make([]string, len(r.Refs))
	for i, ref := range r.Refs {
		refs[i] = string(ref)
	}
	if len(refs) == 0 {
		return fmt.Sprintf("%s %s: none", r.Provider, r.Kind)
	}
	return fmt.Sprintf("%s %s: %s", r.Provider, r.Kind, strings.Join(refs, ", "))
}

// NewWhitelistCommand creates the whitelist command group.
func NewWhitelistCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WhitelistOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "whitelist",
		Short: "Manage a provider's condition, action and module whitelists",
		Long: `Manage the references a provider allows in claims it funds.

Kinds are condition, action and module. Adding a reference that is already
present, or removing one that is absent, changes nothing.

Examples:
  gelato whitelist add alice condition ConditionTimestampPassed
  gelato whitelist remove alice action ActionNoop
  gelato whitelist list alice condition`,
	}
	cmd.PersistentFlags().StringVar(&opts.Caller, "caller", "", "account making the change (default: the provider)")

	for _, sub := range []struct{ verb, short string }{
		{"add", "Add whitelist entries"},
		{"remove", "Remove whitelist entries"},
	} {
		verb := sub.verb
		cmd.AddCommand(&cobra.Command{
			Use:           verb + " <provider> <kind> <ref>...",
			Short:         sub.short,
			Args:          cobra.MinimumNArgs(3),
			SilenceUsage:  true,
			SilenceErrors: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				kind, err := parseKind(args[1])
				if err != nil {
					return err
				}
				refs := make([]plugin.Ref, 0, len(args)-2)
				for _, a := range args[2:] {
					refs = append(refs, plugin.Ref(a))
				}
				return runWhitelist(cmd, opts, verb, args[0], kind, refs)
			},
		})
	}
	cmd.AddCommand(&cobra.Command{
		Use:           "list <provider> <kind>",
		Short:         "List whitelist entries",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[1])
			if err != nil {
				return err
			}
			return withReadNetwork(cmd, rootOpts, func(_ context.Context, n *network) error {
				refs := n.core.WhitelistOf(args[0], kind)
				if refs == nil {
					refs = []plugin.Ref{}
				}
				return rootOpts.formatter(cmd).Success(whitelistResult{Provider: args[0], Kind: string(kind), Refs: refs})
			})
		},
	})
	return cmd
}

func runWhitelist(cmd *cobra.Command, opts *WhitelistOptions, verb, provider string, kind registry.Kind, refs []plugin.Ref) error {
	caller := opts.Caller
	if caller == "" {
		caller = provider
	}
	return withNetwork(cmd, opts.RootOptions, func(ctx context.Context, n *network) error {
		f := opts.formatter(cmd)
		change := n.core.Whitelist
		if verb == "remove" {
			change = n.core.Dewhitelist
		}
		changed, err := change(ctx, caller, provider, kind, refs...)
		if err != nil {
			return f.Reject("whitelist "+verb, err)
		}
		if changed == nil {
			changed = []plugin.Ref{}
		}
		return f.Success(whitelistResult{Provider: provider, Kind: string(kind), Refs: changed})
	})
}

func parseKind(s string) (registry.Kind, error) {
	k := registry.Kind(s)
	if !k.Valid() {
		return "", NewExitError(ExitCommandError, fmt.Sprintf("invalid kind %q: must be condition, action or module", s))
	}
	return k, nil
}

func parseAmount(name, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, WrapExitError(ExitCommandError, fmt.Sprintf("invalid %s %q", name, s), err)
	}
	return v, nil
}
