package harness

import "encoding/json"

// TraceEvent records one executed step and what it produced.
type TraceEvent struct {
	Step   int            `json:"step"`
	Action string         `json:"action"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass   bool         `json:"pass"`
	Errors []string     `json:"errors,omitempty"`
	Trace  []TraceEvent `json:"trace"`

	// Final is the state after the last step.
	Final State `json:"final"`
}

// State is the observable local state plus the audit trail.
type State struct {
	Items     []ItemState     `json:"items"`
	Conflicts []ConflictState `json:"conflicts"`
	Cursors   []CursorState   `json:"cursors"`
	Logs      []LogState      `json:"logs"`
}

type ItemState struct {
	ID            string `json:"id"`
	Seq           int64  `json:"seq"`
	Op            string `json:"op"`
	Target        string `json:"target"`
	BaseVersion   int64  `json:"base_version"`
	Status        string `json:"status"`
	Retries       int    `json:"retries"`
	NextAttemptAt string `json:"next_attempt_at,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

type ConflictState struct {
	ID      string          `json:"id"`
	QueueID string          `json:"queue_id"`
	Policy  string          `json:"policy,omitempty"`
	Base    json.RawMessage `json:"base"`
	Remote  json.RawMessage `json:"remote"`
	Local   json.RawMessage `json:"local"`
}

type CursorState struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type LogState struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Item    string `json:"item,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failed assertion.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addTrace(step int, action string, detail map[string]any) {
	r.Trace = append(r.Trace, TraceEvent{Step: step, Action: action, Detail: detail})
}
