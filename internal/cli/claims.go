package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/rabbitholeanalytics/gelato-network/internal/claims"
	"github.com/rabbitholeanalytics/gelato-network/internal/gate"
	"github.com/rabbitholeanalytics/gelato-network/internal/minting"
	"github.com/rabbitholeanalytics/gelato-network/internal/plugin"
)

// claimView is a claim with its current escrow balance.
type claimView struct {
	claims.Claim
	Escrow uint64 `json:"escrow"`
}

func (v claimView) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "claim %d %s provider=%s user=%s", v.ID, v.State, v.Provider, v.User)
	if v.Executor != "" {
		fmt.Fprintf(&b, " executor=%s", v.Executor)
	}
	fmt.Fprintf(&b, " condition=%s action=%s", v.Condition.Ref, v.Action.Ref)
	if v.Module != "" {
		fmt.Fprintf(&b, " module=%s", v.Module)
	}
	fmt.Fprintf(&b, " deposit=%d gas_price=%d escrow=%d", v.MintedDeposit, v.GasPrice, v.Escrow)
	if v.Expiry != nil {
		fmt.Fprintf(&b, " expiry=%s", v.Expiry.UTC().Format(time.RFC3339))
	}
	return b.String()
}

func viewClaim(n *network, c claims.Claim) claimView {
	return claimView{Claim: c, Escrow: n.core.Escrow(c.ID)}
}

// claimList renders one claim per line.
type claimList struct {
	Claims []claimView `json:"claims"`
}

func (l claimList) String() string {
	if len(l.Claims) == 0 {
		return "no claims"
	}
	lines := make([]string, len(l.Claims))
	for i, c := range l.Claims {
		lines[i] = c.String()
	}
	return strings.Join(lines, "\n")
}

// MintOptions holds flags for the mint command.
type MintOptions struct {
	*RootOptions
	Provider         string
	User             string
	Executor         string
	Condition        string
	ConditionPayload string
	Action           string
	ActionPayload    string
	Module           string
	ExpiresIn        time.Duration
}

// NewMintCommand creates the mint command.
func NewMintCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MintOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint an execution claim",
		Long: `Mint an execution claim funded by a provider.

The condition, action and optional module must be whitelisted by the
provider. The deposit is priced from the plugins' gas estimates, the gas
price in effect (or the bound executor's price if higher) and the network
gas multiplier, then moved from the provider's funds into the claim's escrow.

Exit codes:
  0 - Claim minted
  1 - Rejected by the ledger (e.g. NOT_WHITELISTED)
  2 - Command error

Examples:
  gelato mint --provider alice --user carol \
    --condition ConditionTimestampPassed --condition-payload '{"timestamp":1700000000}' \
    --action ActionNoop
  gelato mint --provider alice --user carol --executor bob \
    --condition ConditionBalance --condition-payload '{"token":"DAI","account":"carol","threshold":100,"greater_else_smaller":true}' \
    --action ActionERC20Transfer --action-payload '{"token":"DAI","from":"carol","to":"dave","amount":100}' \
    --expires-in 24h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMint(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Provider, "provider", "", "funding provider (required)")
	cmd.Flags().StringVar(&opts.User, "user", "", "user the claim acts for (required)")
	cmd.Flags().StringVar(&opts.Executor, "executor", "", "bind the claim to one executor")
	cmd.Flags().StringVar(&opts.Condition, "condition", "", "condition reference (required)")
	cmd.Flags().StringVar(&opts.ConditionPayload, "condition-payload", "", "condition payload (JSON)")
	cmd.Flags().StringVar(&opts.Action, "action", "", "action reference (required)")
	cmd.Flags().StringVar(&opts.ActionPayload, "action-payload", "", "action payload (JSON)")
	cmd.Flags().StringVar(&opts.Module, "module", "", "module reference")
	cmd.Flags().DurationVar(&opts.ExpiresIn, "expires-in", 0, "expire the claim after this duration")
	for _, name := range []string{"provider", "user", "condition", "action"} {
		_ = cmd.MarkFlagRequired(name)
	}

	return cmd
}

func runMint(cmd *cobra.Command, opts *MintOptions) error {
	condPayload, err := parsePayload("condition-payload", opts.ConditionPayload)
	if err != nil {
		return err
	}
	actionPayload, err := parsePayload("action-payload", opts.ActionPayload)
	if err != nil {
		return err
	}
	if opts.ExpiresIn < 0 {
		return NewExitError(ExitCommandError, "--expires-in must not be negative")
	}

	return withNetwork(cmd, opts.RootOptions, func(ctx context.Context, n *network) error {
		f := opts.formatter(cmd)
		req := claims.MintRequest{
			Provider:  opts.Provider,
			User:      opts.User,
			Executor:  opts.Executor,
			Condition: plugin.Call{Ref: plugin.Ref(opts.Condition), Payload: condPayload},
			Action:    plugin.Call{Ref: plugin.Ref(opts.Action), Payload: actionPayload},
			Module:    plugin.Ref(opts.Module),
		}
		if opts.ExpiresIn > 0 {
			at := time.Now().UTC().Add(opts.ExpiresIn)
			req.Expiry = &at
		}
		c, err := n.core.Mint(ctx, req)
		if err != nil {
			return f.Reject("mint", err)
		}
		f.VerboseLog("minted claim %d with hash %s", c.ID, c.Hash)
		return f.Success(viewClaim(n, c))
	})
}

// parsePayload checks that a payload flag holds a JSON document. An empty
// flag yields no payload.
func parsePayload(name, s string) (json.RawMessage, error) {
	if s == "" {
		return nil, nil
	}
	if !gjson.Valid(s) {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("--%s is not valid JSON", name))
	}
	return json.RawMessage(s), nil
}

func parseClaimID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid claim id %q", s))
	}
	return id, nil
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	var caller string

	cmd := &cobra.Command{
		Use:   "cancel <claim-id>",
		Short: "Cancel a minted claim and refund its deposit",
		Long: `Cancel a minted claim. The caller must be the claim's user or provider.
The escrowed deposit is refunded to the provider.

Examples:
  gelato cancel 7 --caller carol`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseClaimID(args[0])
			if err != nil {
				return err
			}
			return withNetwork(cmd, rootOpts, func(ctx context.Context, n *network) error {
				f := rootOpts.formatter(cmd)
				c, err := n.core.Cancel(ctx, id, caller)
				if err != nil {
					return f.Reject("cancel", err)
				}
				return f.Success(viewClaim(n, c))
			})
		},
	}
	cmd.Flags().StringVar(&caller, "caller", "", "account cancelling the claim (required)")
	_ = cmd.MarkFlagRequired("caller")
	return cmd
}

// NewExpireCommand creates the expire command.
func NewExpireCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "expire <claim-id>",
		Short: "Close a claim whose expiry has passed",
		Long: `Close a minted claim whose expiry has passed and refund its deposit
to the provider. Anyone may expire a claim.

Examples:
  gelato expire 7`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseClaimID(args[0])
			if err != nil {
				return err
			}
			return withNetwork(cmd, rootOpts, func(ctx context.Context, n *network) error {
				f := rootOpts.formatter(cmd)
				c, err := n.core.Expire(ctx, id)
				if err != nil {
					return f.Reject("expire", err)
				}
				return f.Success(viewClaim(n, c))
			})
		},
	}
}

// verdictResult is the output of can-execute.
type verdictResult struct {
	gate.Verdict
	OK        bool `json:"ok"`
	Retryable bool `json:"retryable"`
}

func (r verdictResult) String() string {
	if r.OK {
		return fmt.Sprintf("claim %d: executable by %s", r.ClaimID, r.Executor)
	}
	s := fmt.Sprintf("claim %d: %s", r.ClaimID, r.Reason)
	if r.Detail != "" {
		s += " (" + r.Detail + ")"
	}
	if r.Retryable {
		s += ", retryable"
	}
	return s
}

// NewCanExecuteCommand creates the can-execute command.
func NewCanExecuteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "can-execute <claim-id> <executor>",
		Short: "Check whether an executor may execute a claim now",
		Long: `Check whether an executor may execute a claim now, without changing
state. A negative verdict exits 1 and reports its reason code.

Examples:
  gelato can-execute 7 bob
  gelato can-execute 7 bob --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseClaimID(args[0])
			if err != nil {
				return err
			}
			f := rootOpts.formatter(cmd)
			return withReadNetwork(cmd, rootOpts, func(ctx context.Context, n *network) error {
				v := n.core.CanExecute(ctx, id, args[1])
				if err := f.Success(verdictResult{Verdict: v, OK: v.OK(), Retryable: v.Retryable()}); err != nil {
					return err
				}
				if !v.OK() {
					return WrapExitError(ExitFailure, "claim not executable", v.Err())
				}
				return nil
			})
		},
	}
}

// settlementResult is the output of execute.
type settlementResult struct {
	gate.Settlement
}

func (r settlementResult) String() string {
	return fmt.Sprintf("claim %d executed by %s: gas %d at %d, reward %d, fee %d, refund %d to %s",
		r.ClaimID, r.Executor, r.GasUsed, r.GasPrice, r.Reward, r.Fee, r.Refund, r.Provider)
}

// NewExecuteCommand creates the execute command.
func NewExecuteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "execute <claim-id> <executor>",
		Short: "Execute a claim and settle its deposit",
		Long: `Execute a claim on behalf of an executor. The condition is re-evaluated,
the action runs and the deposit is split between the executor's reward, the
sysadmin fee and the provider's refund.

Exit codes:
  0 - Claim executed
  1 - Rejected by the ledger (e.g. CONDITION_NOT_MET)
  2 - Command error

Examples:
  gelato execute 7 bob`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseClaimID(args[0])
			if err != nil {
				return err
			}
			return withNetwork(cmd, rootOpts, func(ctx context.Context, n *network) error {
				f := rootOpts.formatter(cmd)
				s, err := n.core.Execute(ctx, id, args[1])
				if err != nil {
					return f.Reject("execute", err)
				}
				return f.Success(settlementResult{Settlement: s})
			})
		},
	}
}

// quoteResult is the output of deposit-quote.
type quoteResult struct {
	minting.Quote
}

func (r quoteResult) String() string {
	return fmt.Sprintf("deposit %d: (%d + %d gas) x %d gas price x %d bps",
		r.Deposit, r.ConditionGas, r.ActionGas, r.GasPrice, r.GasMultiplierBps)
}

// NewDepositQuoteCommand creates the deposit-quote command.
func NewDepositQuoteCommand(rootOpts *RootOptions) *cobra.Command {
	var condition, action, executor string

	cmd := &cobra.Command{
		Use:   "deposit-quote",
		Short: "Price the deposit a claim would need",
		Long: `Price the deposit minting a claim would move into escrow, without
minting it.

Examples:
  gelato deposit-quote --condition ConditionTimestampPassed --action ActionNoop
  gelato deposit-quote --condition ConditionBalance --action ActionERC20Transfer --executor bob`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			return withReadNetwork(cmd, rootOpts, func(ctx context.Context, n *network) error {
				q, err := n.core.MintingDeposit(ctx, plugin.Ref(condition), plugin.Ref(action), executor)
				if err != nil {
					return f.Reject("deposit quote", err)
				}
				return f.Success(quoteResult{Quote: q})
			})
		},
	}
	cmd.Flags().StringVar(&condition, "condition", "", "condition reference (required)")
	cmd.Flags().StringVar(&action, "action", "", "action reference (required)")
	cmd.Flags().StringVar(&executor, "executor", "", "price with this executor's gas price")
	_ = cmd.MarkFlagRequired("condition")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

// NewClaimsCommand creates the claims command group.
func NewClaimsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claims",
		Short: "Inspect execution claims",
	}

	var (
		state  string
		filter claims.Filter
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List claims",
		Long: `List claims in id order, optionally filtered.

Examples:
  gelato claims list
  gelato claims list --state minted --executor bob`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := filter
			if state != "" {
				st, err := claims.ParseState(state)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid --state", err)
				}
				f.State = st
			}
			return withReadNetwork(cmd, rootOpts, func(_ context.Context, n *network) error {
				found := n.core.Claims(f)
				out := claimList{Claims: make([]claimView, 0, len(found))}
				for _, c := range found {
					out.Claims = append(out.Claims, viewClaim(n, c))
				}
				return rootOpts.formatter(cmd).Success(out)
			})
		},
	}
	list.Flags().StringVar(&state, "state", "", "minted, executed, cancelled or expired")
	list.Flags().StringVar(&filter.Provider, "provider", "", "only claims funded by this provider")
	list.Flags().StringVar(&filter.Executor, "executor", "", "only claims bound to this executor")
	list.Flags().StringVar(&filter.User, "user", "", "only claims for this user")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:           "show <claim-id>",
		Short:         "Show one claim",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseClaimID(args[0])
			if err != nil {
				return err
			}
			f := rootOpts.formatter(cmd)
			return withReadNetwork(cmd, rootOpts, func(_ context.Context, n *network) error {
				c, err := n.core.Claim(id)
				if err != nil {
					return f.Reject("show claim", err)
				}
				return f.Success(viewClaim(n, c))
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "current-id",
		Short: "Show the last claim id handed out",
		Long: `Show the last claim id handed out, 0 before the first mint.

Ids consumed by mints that failed after drawing one are counted.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadNetwork(cmd, rootOpts, func(_ context.Context, n *network) error {
				return rootOpts.formatter(cmd).Success(currentIDResult{ClaimID: n.core.CurrentClaimID()})
			})
		},
	})
	return cmd
}

// currentIDResult is the output of claims current-id.
type currentIDResult struct {
	ClaimID uint64 `json:"claim_id"`
}

func (r currentIDResult) String() string { return strconv.FormatUint(r.ClaimID, 10) }
