package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rabbitholeanalytics/gelato-network/internal/agent"
	"github.com/rabbitholeanalytics/gelato-network/internal/config"
	"github.com/rabbitholeanalytics/gelato-network/internal/engine"
	"github.com/rabbitholeanalytics/gelato-network/internal/httpapi"
	"github.com/rabbitholeanalytics/gelato-network/internal/metrics"
	"github.com/rabbitholeanalytics/gelato-network/internal/store"
)

// shutdownTimeout bounds how long in-flight requests may take on shutdown.
const shutdownTimeout = 10 * time.Second

// leaseTTL is how long the writer lease outlives a crashed server. The lease
// is renewed every third of it.
const leaseTTL = 30 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen   string // overrides the config's listen address
	NoAgents bool   // do not start configured executor agents
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read API and run executor agents",
		Long: `Open the ledger and serve it until interrupted.

Serves the JSON read API and Prometheus metrics over HTTP, refreshes the gas
price from its source when one is configured, and runs one polling agent per
entry in the config's agents list.

While serving it holds the database's writer lease: commands that write to
the same database fail until it exits. Read commands keep working.

Endpoints:
  GET /healthz
  GET /params
  GET /sysadmin
  GET /claims?state=&provider=&executor=&user=
  GET /claims/{id}
  GET /claims/{id}/can-execute?executor=
  GET /providers/{id}
  GET /executors/{id}
  GET /metrics

Examples:
  gelato serve --config network.cue
  gelato serve --config network.cue --listen :9090 --no-agents`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&opts.NoAgents, "no-agents", false, "do not run executor agents")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	logger := newLogger(opts.RootOptions, cmd)
	cfg, st, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	lease, err := st.AcquireLease(ctx, leaseHolder(), leaseTTL)
	if err != nil {
		st.Close()
		var le *store.LeaseError
		if errors.As(err, &le) {
			return WrapExitError(ExitCommandError, "database is already served by "+le.Holder, err)
		}
		return WrapExitError(ExitCommandError, "failed to acquire writer lease", err)
	}

	// The lease is held from here on, so the restored state cannot go stale.
	collector := metrics.NewCollector("gelato")
	n, err := buildNetwork(ctx, cfg, st, st.Load, logger, engine.WithObserver(collector))
	if err != nil {
		lease.Release(context.Background())
		st.Close()
		return err
	}
	n.store = st
	defer n.Close()
	slog.SetDefault(n.logger)

	leaseLost := make(chan struct{})
	go keepLease(ctx, lease, n.logger, leaseLost, cancel)
	defer func() {
		select {
		case <-leaseLost:
		default:
			if err := lease.Release(context.Background()); err != nil {
				n.logger.Warn("failed to release writer lease", "error", err)
			}
		}
	}()

	if n.cached != nil {
		if err := n.cached.Start(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to start gas price refresher", err)
		}
	}

	var group *agent.Group
	if !opts.NoAgents {
		group, err = buildAgents(n, collector)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to configure agents", err)
		}
	}

	addr := n.cfg.Listen
	if opts.Listen != "" {
		addr = opts.Listen
	}
	api := httpapi.New(n.core,
		httpapi.WithLogger(n.logger),
		httpapi.WithMetrics(collector.Handler()),
		httpapi.WithHealthCheck(n.store.Ping))
	srv := &http.Server{
		Addr:              addr,
		Handler:           api,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	if group != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			group.Run(ctx)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		n.logger.Info("serving", "addr", addr, "db", n.cfg.DB, "agents", len(n.cfg.Agents))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		cancel()
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		n.logger.Warn("http shutdown", "error", err)
	}
	wg.Wait()
	if group != nil {
		for _, a := range group.Agents() {
			st := a.Stats()
			n.logger.Info("agent stopped", "executor", a.Executor(), "polls", st.Polls, "executed", st.Executed)
		}
	}

	select {
	case <-leaseLost:
		n.logger.Error("writer lease lost; skipping checkpoint")
		return WrapExitError(ExitCommandError, "writer lease lost", store.ErrLeaseLost)
	default:
		if err := n.store.SaveSnapshot(shutdownCtx, n.core.Snapshot()); err != nil {
			n.logger.Error("failed to checkpoint ledger state", "error", err)
		}
	}

	if serveErr != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("failed to serve on %s", addr), serveErr)
	}
	return nil
}

// leaseHolder names this process in the writer lease.
func leaseHolder() string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// keepLease renews the writer lease until ctx is done. If the lease is lost
// it closes lost and cancels the server.
func keepLease(ctx context.Context, lease *store.Lease, logger *slog.Logger, lost chan<- struct{}, cancel context.CancelFunc) {
	ticker := time.NewTicker(lease.TTL() / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := lease.Renew(ctx)
			if errors.Is(err, store.ErrLeaseLost) {
				logger.Error("writer lease lost", "holder", lease.Holder())
				close(lost)
				cancel()
				return
			}
			if err != nil && ctx.Err() == nil {
				logger.Warn("failed to renew writer lease", "error", err)
			}
		}
	}
}

// buildAgents creates one agent per configured executor.
func buildAgents(n *network, rec agent.Recorder) (*agent.Group, error) {
	agents := make([]*agent.Agent, 0, len(n.cfg.Agents))
	for _, ac := range n.cfg.Agents {
		a, err := newAgent(n, ac, rec)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agent.NewGroup(agents...), nil
}

func newAgent(n *network, ac config.Agent, rec agent.Recorder) (*agent.Agent, error) {
	interval, err := time.ParseDuration(ac.Interval)
	if err != nil {
		return nil, fmt.Errorf("agent %s: interval: %w", ac.Executor, err)
	}
	return agent.New(ac.Executor, n.core,
		agent.WithInterval(interval),
		agent.WithBurst(ac.Burst),
		agent.WithLogger(n.logger),
		agent.WithRecorder(rec)), nil
}
