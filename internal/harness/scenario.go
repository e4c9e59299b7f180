package harness

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Scenario describes one deterministic simulation run.
type Scenario struct {
	// Name uniquely identifies this scenario. Used for golden file names.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Seed drives every random choice: edits, network faults, query targets.
	Seed uint64 `yaml:"seed"`

	// Sites is the number of replicas, numbered from 1.
	Sites int `yaml:"sites"`

	// Edits is the number of random local edits in the first phase.
	Edits int `yaml:"edits,omitempty"`

	// DeleteRatio is the share of random edits that are deletions.
	DeleteRatio float64 `yaml:"delete_ratio,omitempty"`

	// Network configures fault injection during edits and steps.
	Network NetworkConfig `yaml:"network,omitempty"`

	// Persist selects a snapshot store per replica: "sqlite", "bolt" or
	// empty for none. Required by restart steps.
	Persist string `yaml:"persist,omitempty"`

	// Steps run in order after the random edits.
	Steps []Step `yaml:"steps,omitempty"`

	// Rounds is the number of anti-entropy rounds run at the end, on a
	// reliable network.
	Rounds int `yaml:"rounds,omitempty"`

	// Assertions are checked against the final replicas and the trace.
	Assertions []Assertion `yaml:"assertions"`
}

// NetworkConfig holds the simulated network's fault rates.
type NetworkConfig struct {
	DropRate      float64 `yaml:"drop_rate,omitempty"`
	DuplicateRate float64 `yaml:"duplicate_rate,omitempty"`
	Reorder       bool    `yaml:"reorder,omitempty"`
}

// Step is one explicit scenario action.
type Step struct {
	Action string `yaml:"action"`
	Site   int    `yaml:"site,omitempty"`
}

// Step actions.
const (
	StepEdit      = "edit"
	StepDelete    = "delete"
	StepFlush     = "flush"
	StepQuery     = "query"
	StepPartition = "partition"
	StepHeal      = "heal"
	StepRestart   = "restart"
)

// Assertion validates the outcome of a run.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Site restricts operation_count, pending_empty and trace_count to one
	// replica. Zero means every replica (or any, for trace_count).
	Site int `yaml:"site,omitempty"`

	// Event is the trace event kind counted by trace_count.
	Event string `yaml:"event,omitempty"`

	// Count is the expected number (operation_count, trace_count).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertConverged      = "converged"
	AssertOperationCount = "operation_count"
	AssertPendingEmpty   = "pending_empty"
	AssertTraceCount     = "trace_count"
)

var (
	schemaOnce  sync.Once
	schemaValue cue.Value
	schemaErr   error
)

// scenarioSchema compiles the embedded schema once.
func scenarioSchema() (cue.Value, error) {
	schemaOnce.Do(func() {
		ctx := cuecontext.New()
		v := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("compile scenario schema: %w", err)
			return
		}
		schemaValue = v.LookupPath(cue.ParsePath("#Scenario"))
	})
	return schemaValue, schemaErr
}

// LoadScenario reads and parses a scenario YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario validates data against the schema, decodes it with strict
// field checking and runs the cross-field checks the schema cannot express.
func ParseScenario(data []byte) (*Scenario, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateSchema(raw); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

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

func validateSchema(raw any) error {
	schema, err := scenarioSchema()
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("empty document")
	}
	v := schema.Context().Encode(raw)
	if err := v.Err(); err != nil {
		return err
	}
	return schema.Unify(v).Validate(cue.Concrete(true))
}

// validateScenario checks what the schema cannot: references to sites and
// steps that need persistence.
func validateScenario(s *Scenario) error {
	if s.Sites < 1 {
		return fmt.Errorf("sites must be at least 1")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		switch step.Action {
		case StepFlush:
			continue
		case StepEdit, StepDelete, StepQuery, StepPartition, StepHeal, StepRestart:
		default:
			return fmt.Errorf("steps[%d]: unknown action %q", i, step.Action)
		}
		if step.Site < 1 || step.Site > s.Sites {
			return fmt.Errorf("steps[%d]: site %d out of range 1..%d", i, step.Site, s.Sites)
		}
		if step.Action == StepRestart && s.Persist == "" {
			return fmt.Errorf("steps[%d]: restart requires persist", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a, s.Sites); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion, sites int) error {
	if a.Site > sites {
		return fmt.Errorf("assertions[%d]: site %d out of range 1..%d", index, a.Site, sites)
	}
	switch a.Type {
	case AssertConverged, AssertPendingEmpty, AssertOperationCount:
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
