package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rabbitholeanalytics/gelato-network/internal/plugin"
)

// Scenario is a scripted run against a fresh claim ledger.
// Setup steps must succeed; flow steps may declare the outcome they expect.
// Assertions then inspect the event journal and the final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Network holds the protocol parameters the ledger starts with.
	Network Network `yaml:"network"`

	// Conditions and Actions replace the default plugin catalog when set.
	Conditions []plugin.Spec `yaml:"conditions,omitempty"`
	Actions    []plugin.Spec `yaml:"actions,omitempty"`

	// Holdings seeds the in-memory token balances plugins read.
	Holdings []plugin.Holding `yaml:"holdings,omitempty"`

	// Quotes seeds the in-memory exchange rates plugins read.
	Quotes []plugin.Quote `yaml:"quotes,omitempty"`

	// Setup establishes initial state. Any failing setup step aborts the run.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow is the sequence under test.
	Flow []Step `yaml:"flow"`

	// Assertions validate the journal and final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Network is the starting parameter set of a scenario.
type Network struct {
	Owner            string `yaml:"owner"`
	MinExecutorStake uint64 `yaml:"min_executor_stake"`
	MinProviderFunds uint64 `yaml:"min_provider_funds"`
	GasMultiplierBps uint64 `yaml:"gas_multiplier_bps"`
	SysAdminFeeBps   uint64 `yaml:"sysadmin_fee_bps"`
	// GasPrice is the initial network gas price estimate.
	GasPrice uint64 `yaml:"gas_price"`
}

// Step invokes one ledger operation.
type Step struct {
	// Op names the operation (see Ops).
	Op string `yaml:"op"`

	// Args contains the operation arguments.
	Args map[string]any `yaml:"args"`

	// Expect specifies the expected outcome. Nil means the step must
	// succeed and its result is not checked.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect describes a step outcome.
type Expect struct {
	// Code is the expected fault code, or "OK" for success. For can_execute
	// it is the verdict reason.
	Code string `yaml:"code"`

	// Result is a subset match over the step's result fields.
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion validates the journal or final state.
type Assertion struct {
	// Type is one of event_contains, event_order, event_count, final_state.
	Type string `yaml:"type"`

	// Kind is the event kind (event_contains, event_count).
	Kind string `yaml:"kind,omitempty"`

	// Data is a subset match over event data (event_contains).
	Data map[string]any `yaml:"data,omitempty"`

	// Count is the expected number of events of Kind (event_count).
	Count int `yaml:"count,omitempty"`

	// Kinds is the expected relative order (event_order).
	Kinds []string `yaml:"kinds,omitempty"`

	// Target selects the state record for final_state: balance, claim or params.
	Target string `yaml:"target,omitempty"`

	// Where identifies the record (final_state). Balances use pool and id;
	// claims use id.
	Where map[string]any `yaml:"where,omitempty"`

	// Expect is a subset match over the record (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertEventContains = "event_contains"
	AssertEventOrder    = "event_order"
	AssertEventCount    = "event_count"
	AssertFinalState    = "final_state"
)

// final_state targets.
const (
	TargetBalance = "balance"
	TargetClaim   = "claim"
	TargetParams  = "params"
)

// CodeOK is the expected code of a successful step.
const CodeOK = "OK"

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Network.Owner == "" {
		return fmt.Errorf("network.owner is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Setup {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if step.Expect != nil {
			return fmt.Errorf("setup[%d]: expect is not allowed in setup", i)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
		if step.Expect != nil && step.Expect.Code == "" {
			return fmt.Errorf("flow[%d].expect: code is required", i)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(step Step) error {
	if step.Op == "" {
		return fmt.Errorf("op is required")
	}
	if _, ok := ops[step.Op]; !ok {
		return fmt.Errorf("unknown op %q", step.Op)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertEventContains:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for event_contains", index)
		}
	case AssertEventOrder:
		if len(a.Kinds) == 0 {
			return fmt.Errorf("assertions[%d]: kinds list is required for event_order", index)
		}
	case AssertEventCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for event_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for event_count", index)
		}
	case AssertFinalState:
		switch a.Target {
		case TargetBalance, TargetClaim, TargetParams:
		case "":
			return fmt.Errorf("assertions[%d]: target is required for final_state", index)
		default:
			return fmt.Errorf("assertions[%d]: unknown final_state target %q", index, a.Target)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
