package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rabbitholeanalytics/gelato-network/internal/clock"
	"github.com/rabbitholeanalytics/gelato-network/internal/config"
	"github.com/rabbitholeanalytics/gelato-network/internal/engine"
	"github.com/rabbitholeanalytics/gelato-network/internal/gasprice"
	"github.com/rabbitholeanalytics/gelato-network/internal/store"
)

// defaultEnvFile is read when --env-file is not given. A missing file is
// not an error.
const defaultEnvFile = ".env"

// network is an opened ledger: config, store and a Core restored from it.
// One-shot commands also hold a session for the duration of the command.
type network struct {
	cfg     *config.Config
	store   *store.Store
	session *store.Session
	core    *engine.Core
	cached  *gasprice.Cached
	logger  *slog.Logger
}

// Close discards any unfinished session and releases the store.
func (n *network) Close() error {
	if n.cached != nil {
		n.cached.Stop()
	}
	if n.session != nil {
		n.session.Rollback()
	}
	return n.store.Close()
}

// newLogger builds the command logger on stderr.
func newLogger(opts *RootOptions, cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// loadConfig resolves the config file, the .env overrides and --db.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.Config != "" {
		cfg, err = config.Load(opts.Config)
	} else {
		cfg, err = config.Default()
	}
	if err != nil {
		return nil, err
	}

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = defaultEnvFile
	}
	env, err := config.ReadEnv(envFile)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(env)
	if opts.DB != "" {
		cfg.DB = opts.DB
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// sessionMode selects how a one-shot command holds the database.
type sessionMode int

const (
	readSession sessionMode = iota
	writeSession
)

// openStore loads the config and opens its database.
func openStore(opts *RootOptions) (*config.Config, *store.Store, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	st, err := store.Open(cfg.DB)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return cfg, st, nil
}

// openNetwork loads the config, opens the store, starts a session and
// restores the ledger inside it.
//
// A write session holds SQLite's write lock from the restore until Commit,
// so the Core never acts on state another process has since changed. It
// fails fast while serve holds the writer lease. The session is the Core's
// journal: events become durable when the session commits.
func openNetwork(ctx context.Context, opts *RootOptions, cmd *cobra.Command, mode sessionMode) (*network, error) {
	logger := newLogger(opts, cmd)
	cfg, st, err := openStore(opts)
	if err != nil {
		return nil, err
	}

	var se *store.Session
	if mode == writeSession {
		se, err = st.Begin(ctx)
	} else {
		se, err = st.BeginRead(ctx)
	}
	var le *store.LeaseError
	if errors.As(err, &le) {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "database is in use by a running server", err)
	}
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to lock database", err)
	}

	n, err := buildNetwork(ctx, cfg, se, se.Load, logger)
	if err != nil {
		se.Rollback()
		st.Close()
		return nil, err
	}
	n.store = st
	n.session = se
	return n, nil
}

// buildNetwork assembles a Core journaling into journal and restores it
// from load. extra options are applied after the defaults.
func buildNetwork(ctx context.Context, cfg *config.Config, journal engine.Journal, load func(context.Context) (engine.Snapshot, error), logger *slog.Logger, extra ...engine.Option) (*network, error) {
	world := cfg.NewWorld(clock.System{})
	cat, err := cfg.Catalog(world)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to build plugin catalog", err)
	}
	feed, cached, err := cfg.Feed(logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to build gas price feed", err)
	}

	engineOpts := append([]engine.Option{
		engine.WithJournal(journal),
		engine.WithLogger(logger),
	}, extra...)
	core, err := engine.New(engine.Config{
		Params:  cfg.Params(),
		Catalog: cat,
		Feed:    feed,
	}, engineOpts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to build ledger", err)
	}

	snap, err := load(ctx)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load ledger state", err)
	}
	if err := core.Restore(ctx, snap); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to restore ledger state", err)
	}
	logger.Debug("ledger opened", "db", cfg.DB, "claims", len(snap.Claims), "last_seq", snap.LastSeq)

	return &network{
		cfg:    cfg,
		core:   core,
		cached: cached,
		logger: logger,
	}, nil
}

// commandContext returns the command's context, or Background when it was
// run without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// withNetwork runs fn in a write session and commits it.
//
// Output written by fn is held back until the commit succeeds, so a command
// never reports an operation that was not persisted. If fn fails the
// session is rolled back and its output (the rejection) is written as is.
func withNetwork(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, n *network) error) error {
	ctx := commandContext(cmd)
	n, err := openNetwork(ctx, opts, cmd, writeSession)
	if err != nil {
		return err
	}
	defer n.closeLogged()

	out := cmd.OutOrStdout()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	err = fn(ctx, n)
	cmd.SetOut(out)

	if err != nil {
		n.session.Rollback()
		io.Copy(out, &buf)
		return err
	}
	if err := n.session.Commit(); err != nil {
		f := opts.formatter(cmd)
		f.Error(CodeCommandError, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to persist operation", err)
	}
	_, err = io.Copy(out, &buf)
	return err
}

// withReadNetwork runs fn against a consistent read-only view.
func withReadNetwork(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, n *network) error) error {
	ctx := commandContext(cmd)
	n, err := openNetwork(ctx, opts, cmd, readSession)
	if err != nil {
		return err
	}
	defer n.closeLogged()
	return fn(ctx, n)
}

func (n *network) closeLogged() {
	if err := n.Close(); err != nil {
		n.logger.Warn("failed to close database", "error", err)
	}
}

// amountResult is the output of balance-moving commands.
type amountResult struct {
	Account string `json:"account"`
	Amount  uint64 `json:"amount"`
	Balance uint64 `json:"balance"`
}

func (r amountResult) String() string {
	return fmt.Sprintf("%s: moved %d, balance %d", r.Account, r.Amount, r.Balance)
}

// changeResult is the output of setter commands.
type changeResult struct {
	Name string `json:"name"`
	Old  uint64 `json:"old"`
	New  uint64 `json:"new"`
}

func (r changeResult) String() string {
	return fmt.Sprintf("%s: %d -> %d", r.Name, r.Old, r.New)
}
