package harness

import (
	"bytes"
	"fmt"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/evmts/smithers/internal/ir"
)

// DefaultExecutionID is used when a scenario names no execution id.
const DefaultExecutionID = "scenario"

// Scenario defines a conformance scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Plan names the render function to run, looked up in Options.Plans.
	Plan string `yaml:"plan"`

	ExecutionID string `yaml:"execution_id,omitempty"`

	// Output is what attempts without a scripted outcome return. Defaults
	// to "ok".
	Output any `yaml:"output,omitempty"`

	// Outcomes scripts attempts by node id or target. Each attempt consumes
	// the next outcome; the last one repeats.
	Outcomes map[string][]Outcome `yaml:"outcomes,omitempty"`

	// Flow is the sequence of runs and operator actions.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Outcome scripts one attempt.
type Outcome struct {
	Result    any    `yaml:"result,omitempty"`
	Error     string `yaml:"error,omitempty"`
	Retryable bool   `yaml:"retryable,omitempty"`
}

// FlowStep is one step of the flow. Exactly one of Run, Set, Delete and
// Status is given.
type FlowStep struct {
	// Run starts or resumes the execution and ticks until it is idle.
	Run bool `yaml:"run,omitempty"`

	// Set writes state keys as an operator, in one commit.
	Set map[string]any `yaml:"set,omitempty"`

	// Delete removes state keys as an operator, in one commit.
	Delete []string `yaml:"delete,omitempty"`

	// Status changes the execution status as an operator.
	Status ir.ExecutionStatus `yaml:"status,omitempty"`

	// Expect checks the execution after a run step.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause is checked after a run step.
type ExpectClause struct {
	Status ir.ExecutionStatus `yaml:"status"`

	// Reason, when set, must equal the execution's reason.
	Reason string `yaml:"reason,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Key is the state key (transition_contains, transition_count,
	// final_state).
	Key string `yaml:"key,omitempty"`

	// Keys is the expected order (transition_order).
	Keys []string `yaml:"keys,omitempty"`

	// Value, Phase and Trigger narrow transition_contains. Unset fields
	// match anything.
	Value   any    `yaml:"value,omitempty"`
	Phase   string `yaml:"phase,omitempty"`
	Trigger string `yaml:"trigger,omitempty"`

	// Count is the exact number of transitions (transition_count).
	Count int `yaml:"count,omitempty"`

	// Expect is the final value of Key (final_state).
	Expect any `yaml:"expect,omitempty"`

	// Absent asserts that Key is not set (final_state).
	Absent bool `yaml:"absent,omitempty"`
}

// Assertion type constants.
const (
	AssertTransitionContains = "transition_contains"
	AssertTransitionOrder    = "transition_order"
	AssertTransitionCount    = "transition_count"
	AssertFinalState         = "final_state"
	AssertReplayMatches      = "replay_matches"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(fs afero.Fs, path string) (*Scenario, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
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
	if s.Plan == "" {
		return fmt.Errorf("plan is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if !s.Flow[0].Run {
		return fmt.Errorf("flow[0]: the first step must be a run")
	}

	if _, err := outputValue(s.Output); err != nil {
		return fmt.Errorf("output: %w", err)
	}
	for match, outcomes := range s.Outcomes {
		for i, o := range outcomes {
			if o.Error != "" && o.Result != nil {
				return fmt.Errorf("outcomes[%s][%d]: result and error are exclusive", match, i)
			}
			if _, err := ir.ValueOf(o.Result); err != nil {
				return fmt.Errorf("outcomes[%s][%d]: %w", match, i, err)
			}
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(step FlowStep) error {
	actions := 0
	if step.Run {
		actions++
	}
	if step.Set != nil {
		actions++
	}
	if step.Delete != nil {
		actions++
	}
	if step.Status != "" {
		actions++
	}
	if actions != 1 {
		return fmt.Errorf("exactly one of run, set, delete and status is required")
	}

	for key, v := range step.Set {
		if key == "" {
			return fmt.Errorf("set: empty key")
		}
		if _, err := ir.ValueOf(v); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	switch step.Status {
	case "", ir.ExecutionRunning, ir.ExecutionPaused, ir.ExecutionStopped:
	default:
		return fmt.Errorf("status must be running, paused or stopped, got %q", step.Status)
	}
	if step.Expect != nil {
		if !step.Run {
			return fmt.Errorf("expect is only allowed on run steps")
		}
		if step.Expect.Status == "" {
			return fmt.Errorf("expect: status is required")
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTransitionContains:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for transition_contains", index)
		}
		if _, err := ir.ValueOf(a.Value); err != nil {
			return fmt.Errorf("assertions[%d]: value: %w", index, err)
		}
	case AssertTransitionOrder:
		if len(a.Keys) == 0 {
			return fmt.Errorf("assertions[%d]: keys list is required for transition_order", index)
		}
	case AssertTransitionCount:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for transition_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for transition_count", index)
		}
	case AssertFinalState:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for final_state", index)
		}
		if a.Absent == (a.Expect != nil) {
			return fmt.Errorf("assertions[%d]: final_state needs exactly one of expect and absent", index)
		}
		if _, err := ir.ValueOf(a.Expect); err != nil {
			return fmt.Errorf("assertions[%d]: expect: %w", index, err)
		}
	case AssertReplayMatches:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func outputValue(v any) (ir.IRValue, error) {
	if v == nil {
		return ir.IRString("ok"), nil
	}
	return ir.ValueOf(v)
}
