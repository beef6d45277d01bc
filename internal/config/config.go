// Package config loads network configuration from CUE with .env overrides.
//
// A config file is unified with the embedded #Config schema, which supplies
// defaults and rejects unknown fields. Environment variables (optionally read
// from a .env file) then override selected values:
//
//	GELATO_OWNER          network.owner
//	GELATO_DB             db
//	GELATO_GAS_PRICE_URL  network.gasPrice.url
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"github.com/joho/godotenv"

	"github.com/rabbitholeanalytics/gelato-network/internal/clock"
	"github.com/rabbitholeanalytics/gelato-network/internal/gasprice"
	"github.com/rabbitholeanalytics/gelato-network/internal/params"
	"github.com/rabbitholeanalytics/gelato-network/internal/plugin"
)

//go:embed schema.cue
var schemaCUE string

// Environment variable names.
const (
	EnvOwner       = "GELATO_OWNER"
	EnvDB          = "GELATO_DB"
	EnvGasPriceURL = "GELATO_GAS_PRICE_URL"
)

// Config is the decoded network configuration.
type Config struct {
	Network Network `json:"network"`
	Plugins Plugins `json:"plugins"`
	World   World   `json:"world"`
	Agents  []Agent `json:"agents"`
	DB      string  `json:"db"`
	Listen  string  `json:"listen"`
}

// Network holds protocol parameters and the gas price source.
type Network struct {
	Owner            string   `json:"owner"`
	MinExecutorStake uint64   `json:"minExecutorStake"`
	MinProviderFunds uint64   `json:"minProviderFunds"`
	GasMultiplier    float64  `json:"gasMultiplier"`
	SysAdminFeeBps   uint64   `json:"sysAdminFeeBps"`
	GasPrice         GasPrice `json:"gasPrice"`
}

// GasPrice selects the gas price feed. A non-empty URL wins over Static.
type GasPrice struct {
	Static  uint64 `json:"static"`
	URL     string `json:"url"`
	Path    string `json:"path"`
	Refresh string `json:"refresh"`
}

// Plugins lists the condition and action catalog.
type Plugins struct {
	Conditions []plugin.Spec `json:"conditions"`
	Actions    []plugin.Spec `json:"actions"`
}

// World seeds the in-memory external state plugins read.
type World struct {
	Holdings []plugin.Holding `json:"holdings"`
	Quotes   []plugin.Quote   `json:"quotes"`
}

// Agent configures one polling executor run by serve.
type Agent struct {
	Executor string `json:"executor"`
	Interval string `json:"interval"`
	Burst    int    `json:"burst"`
}

// LoadError reports a config problem with its CUE position if known.
type LoadError struct {
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

// Default returns the schema defaults with no user input.
func Default() (*Config, error) {
	return Parse("default.cue", nil)
}

// Load reads and decodes the CUE file at path. Missing files are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Message: fmt.Sprintf("read config: %v", err)}
	}
	return Parse(path, data)
}

// Parse unifies src with the schema and decodes the result. filename is used
// in error positions only.
func Parse(filename string, src []byte) (*Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	user := ctx.CompileBytes(src, cue.Filename(filename))
	if err := user.Err(); err != nil {
		return nil, convertCUEError("parse config", err)
	}

	v := def.Unify(user)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEError("validate config", err)
	}

	var cfg Config
	if err := v.Decode(&cfg); err != nil {
		return nil, convertCUEError("decode config", err)
	}
	return &cfg, nil
}

func convertCUEError(op string, err error) error {
	var cerr cueerrors.Error
	if errors.As(err, &cerr) {
		return &LoadError{Message: fmt.Sprintf("%s: %v", op, err), Pos: cerr.Position()}
	}
	return &LoadError{Message: fmt.Sprintf("%s: %v", op, err)}
}

// ReadEnv reads KEY=value pairs from the given .env files. Missing files are
// skipped. Values already set in the process environment take precedence,
// matching godotenv.Load.
func ReadEnv(files ...string) (map[string]string, error) {
	env := map[string]string{}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		vals, err := godotenv.Read(f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		for k, v := range vals {
			if _, set := env[k]; !set {
				env[k] = v
			}
		}
	}
	for _, k := range []string{EnvOwner, EnvDB, EnvGasPriceURL} {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
	return env, nil
}

// ApplyEnv overrides cfg fields from env. Empty values are ignored.
func (c *Config) ApplyEnv(env map[string]string) {
	if v := env[EnvOwner]; v != "" {
		c.Network.Owner = v
	}
	if v := env[EnvDB]; v != "" {
		c.DB = v
	}
	if v := env[EnvGasPriceURL]; v != "" {
		c.Network.GasPrice.URL = v
	}
}

// Validate checks the constraints that depend on overrides.
func (c *Config) Validate() error {
	if c.Network.Owner == "" {
		return &LoadError{Message: fmt.Sprintf("network.owner is required (set it in the config or %s)", EnvOwner)}
	}
	if c.Network.GasPrice.URL == "" && c.Network.GasPrice.Static == 0 {
		return &LoadError{Message: fmt.Sprintf("network.gasPrice needs static > 0 or a url (or %s)", EnvGasPriceURL)}
	}
	if _, err := c.RefreshInterval(); err != nil {
		return err
	}
	for _, a := range c.Agents {
		if _, err := time.ParseDuration(a.Interval); err != nil {
			return &LoadError{Message: fmt.Sprintf("agent %s: interval: %v", a.Executor, err)}
		}
	}
	return nil
}

// RefreshInterval parses network.gasPrice.refresh.
func (c *Config) RefreshInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Network.GasPrice.Refresh)
	if err != nil || d <= 0 {
		return 0, &LoadError{Message: fmt.Sprintf("network.gasPrice.refresh: invalid duration %q", c.Network.GasPrice.Refresh)}
	}
	return d, nil
}

// Params converts the network section to params.Values.
func (c *Config) Params() params.Values {
	return params.Values{
		Owner:            c.Network.Owner,
		MinExecutorStake: c.Network.MinExecutorStake,
		MinProviderFunds: c.Network.MinProviderFunds,
		GasMultiplierBps: params.MultiplierToBps(c.Network.GasMultiplier),
		SysAdminFeeBps:   c.Network.SysAdminFeeBps,
	}
}

// NewWorld builds the in-memory world seeded from the world section.
func (c *Config) NewWorld(clk clock.Clock) *plugin.MemoryWorld {
	w := plugin.NewMemoryWorld(clk)
	w.Load(c.World.Holdings, c.World.Quotes)
	return w
}

// Catalog builds the plugin catalog over world.
func (c *Config) Catalog(world plugin.World) (*plugin.Catalog, error) {
	return plugin.BuildCatalog(world, c.Plugins.Conditions, c.Plugins.Actions)
}

// Feed builds the gas price feed. For an HTTP source the returned Cached
// refresher is not started; callers that run long enough to need refreshes
// call Start. cached is nil for a static feed.
func (c *Config) Feed(logger *slog.Logger) (feed gasprice.Feed, cached *gasprice.Cached, err error) {
	gp := c.Network.GasPrice
	if gp.URL == "" {
		return gasprice.Static(gp.Static), nil, nil
	}
	interval, err := c.RefreshInterval()
	if err != nil {
		return nil, nil, err
	}
	cached = gasprice.NewCached(&gasprice.HTTPFeed{URL: gp.URL, Path: gp.Path}, interval, logger)
	return cached, cached, nil
}
