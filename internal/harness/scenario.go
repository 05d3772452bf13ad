package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/offsync/internal/model"
)

// Scenario is one end-to-end sync test.
type Scenario struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Config      Config      `yaml:"config,omitempty"`
	Remote      RemoteSetup `yaml:"remote,omitempty"`
	Steps       []Step      `yaml:"steps"`
	Assertions  []Assertion `yaml:"assertions"`
}

// Config overrides worker settings. Zero values keep the defaults.
type Config struct {
	MaxRetries int    `yaml:"max_retries,omitempty"`
	BaseDelay  string `yaml:"base_delay,omitempty"`
	BatchSize  int    `yaml:"batch_size,omitempty"`
}

// RemoteSetup configures the reference server.
type RemoteSetup struct {
	Policy   string `yaml:"policy,omitempty"`
	PageSize int    `yaml:"page_size,omitempty"`
}

// Step is one action. Exactly one field is set.
type Step struct {
	Enqueue   *EnqueueStep   `yaml:"enqueue,omitempty"`
	Script    *ScriptStep    `yaml:"script,omitempty"`
	RemotePut *RemotePutStep `yaml:"remote_put,omitempty"`
	Drain     *DrainStep     `yaml:"drain,omitempty"`
	Pull      *PullStep      `yaml:"pull,omitempty"`
	Sync      *PullStep      `yaml:"sync,omitempty"`
	Advance   string         `yaml:"advance,omitempty"`
	Resolve   *ResolveStep   `yaml:"resolve,omitempty"`
}

// EnqueueStep queues a local mutation.
type EnqueueStep struct {
	ID      string         `yaml:"id,omitempty"`
	Op      string         `yaml:"op"`
	Type    string         `yaml:"type"`
	Target  string         `yaml:"target"`
	Base    int64          `yaml:"base,omitempty"`
	Payload map[string]any `yaml:"payload"`
}

// ScriptStep queues remote responses, consumed before the reference
// server is consulted.
type ScriptStep struct {
	Mutate  []MutateScript  `yaml:"mutate,omitempty"`
	Changes []ChangesScript `yaml:"changes,omitempty"`
}

// MutateScript is one scripted mutate response, repeated Times times.
// Exactly one of Success, Conflict, Error, Status or Network is set.
type MutateScript struct {
	Times    int             `yaml:"times,omitempty"`
	Success  bool            `yaml:"success,omitempty"`
	Version  int64           `yaml:"version,omitempty"`
	Conflict *ConflictScript `yaml:"conflict,omitempty"`
	Error    string          `yaml:"error,omitempty"`
	Status   int             `yaml:"status,omitempty"`
	Network  string          `yaml:"network,omitempty"`
}

// ConflictScript is the body of a scripted conflict.
type ConflictScript struct {
	Base   any    `yaml:"base"`
	Remote any    `yaml:"remote"`
	Policy string `yaml:"policy,omitempty"`
}

// ChangesScript is one scripted changes response.
type ChangesScript struct {
	Times   int            `yaml:"times,omitempty"`
	Changes []ChangeScript `yaml:"changes,omitempty"`
	Cursor  string         `yaml:"cursor,omitempty"`
	Status  int            `yaml:"status,omitempty"`
	Network string         `yaml:"network,omitempty"`
}

// ChangeScript is one remote change in a scripted page.
type ChangeScript struct {
	Seq     int64          `yaml:"seq"`
	Op      string         `yaml:"op"`
	Type    string         `yaml:"type"`
	Target  string         `yaml:"target"`
	Project string         `yaml:"project,omitempty"`
	Version int64          `yaml:"version"`
	Payload map[string]any `yaml:"payload,omitempty"`
}

// RemotePutStep edits the reference server directly.
type RemotePutStep struct {
	Op      string         `yaml:"op"`
	Type    string         `yaml:"type"`
	Target  string         `yaml:"target"`
	Project string         `yaml:"project,omitempty"`
	Payload map[string]any `yaml:"payload"`
}

// DrainStep runs one DrainQueue.
type DrainStep struct{}

// PullStep runs PullChanges (or RunSync) for a scope. Empty is global.
type PullStep struct {
	Scope string `yaml:"scope,omitempty"`
}

// ResolveStep re-queues a conflicted item with a re-based payload.
type ResolveStep struct {
	Conflict string         `yaml:"conflict"`
	Base     int64          `yaml:"base"`
	Payload  map[string]any `yaml:"payload"`
}

// Assertion checks final state.
type Assertion struct {
	Type    string `yaml:"type"`
	Item    string `yaml:"item,omitempty"`
	Status  string `yaml:"status,omitempty"`
	Retries *int   `yaml:"retries,omitempty"`
	Policy  string `yaml:"policy,omitempty"`
	Scope   string `yaml:"scope,omitempty"`
	Value   string `yaml:"value,omitempty"`
	Level   string `yaml:"level,omitempty"`
	Count   *int   `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertItem          = "item"
	AssertConflict      = "conflict"
	AssertConflictCount = "conflict_count"
	AssertCursor        = "cursor"
	AssertLogCount      = "log_count"
	AssertRemoteApplied = "remote_applied"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
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

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Config.BaseDelay != "" {
		if _, err := time.ParseDuration(s.Config.BaseDelay); err != nil {
			return fmt.Errorf("config.base_delay: %w", err)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	set := 0
	for _, present := range []bool{
		step.Enqueue != nil, step.Script != nil, step.RemotePut != nil,
		step.Drain != nil, step.Pull != nil, step.Sync != nil,
		step.Advance != "", step.Resolve != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one action is required, got %d", set)
	}

	switch {
	case step.Enqueue != nil:
		e := step.Enqueue
		if _, err := model.ParseOp(e.Op); err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
		if e.Type == "" || e.Target == "" {
			return fmt.Errorf("enqueue: type and target are required")
		}
	case step.Script != nil:
		for i, m := range step.Script.Mutate {
			if n := countSet(m.Success, m.Conflict != nil, m.Error != "", m.Status != 0, m.Network != ""); n != 1 {
				return fmt.Errorf("script.mutate[%d]: exactly one outcome is required, got %d", i, n)
			}
		}
		for i, c := range step.Script.Changes {
			if n := countSet(c.Cursor != "", c.Status != 0, c.Network != ""); n != 1 {
				return fmt.Errorf("script.changes[%d]: exactly one of cursor, status, network is required", i)
			}
		}
	case step.RemotePut != nil:
		if _, err := model.ParseOp(step.RemotePut.Op); err != nil {
			return fmt.Errorf("remote_put: %w", err)
		}
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return fmt.Errorf("advance: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("advance: duration must be positive")
		}
	case step.Resolve != nil:
		if step.Resolve.Conflict == "" {
			return fmt.Errorf("resolve: conflict is required")
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertItem:
		if a.Item == "" {
			return fmt.Errorf("item is required for %s", a.Type)
		}
		if a.Status == "" && a.Retries == nil {
			return fmt.Errorf("status or retries is required for %s", a.Type)
		}
	case AssertConflict:
		if a.Item == "" {
			return fmt.Errorf("item is required for %s", a.Type)
		}
	case AssertConflictCount:
		if a.Count == nil {
			return fmt.Errorf("count is required for %s", a.Type)
		}
	case AssertCursor:
		if a.Value == "" {
			return fmt.Errorf("value is required for %s", a.Type)
		}
	case AssertLogCount, AssertRemoteApplied:
		if a.Item == "" || a.Count == nil {
			return fmt.Errorf("item and count are required for %s", a.Type)
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func countSet(flags ...bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}
