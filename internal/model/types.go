package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Op is the kind of local mutation recorded in the queue.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether o is one of the known ops.
func (o Op) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ParseOp converts a string to an Op, rejecting unknown values.
func ParseOp(s string) (Op, error) {
	op := Op(s)
	if !op.Valid() {
		return "", fmt.Errorf("unknown op %q: must be create, update or delete", s)
	}
	return op, nil
}

// Status is the lifecycle state of a QueueItem.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRetrying Status = "retrying"
	StatusDone     Status = "done"
	StatusPoison   Status = "poison"
)

// Statuses lists every Status in lifecycle order.
var Statuses = []Status{StatusPending, StatusRetrying, StatusDone, StatusPoison}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusPoison
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRetrying, StatusDone, StatusPoison:
		return true
	}
	return false
}

// CanTransition reports whether the queue state machine allows from -> to.
//
//	pending  -> done | poison | retrying
//	retrying -> done | poison | retrying
//	done, poison -> (nothing)
func CanTransition(from, to Status) bool {
	if from.Terminal() || !to.Valid() {
		return false
	}
	switch to {
	case StatusDone, StatusPoison, StatusRetrying:
		return true
	}
	return false
}

// QueueItem is one local mutation waiting to be replayed against the remote.
type QueueItem struct {
	ID            string     `json:"id"` // idempotency key
	Seq           int64      `json:"seq"`
	Op            Op         `json:"op"`
	TargetType    string     `json:"target_type"`
	TargetID      string     `json:"target_id"`
	Payload       Payload    `json:"payload"`
	BaseVersion   int64      `json:"base_version"`
	Status        Status     `json:"status"`
	Retries       int        `json:"retries"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Due reports whether the item should be attempted at now.
func (q QueueItem) Due(now time.Time) bool {
	if q.Status.Terminal() {
		return false
	}
	return q.NextAttemptAt == nil || !q.NextAttemptAt.After(now)
}

// ConflictRecord is durable evidence that the remote rejected a mutation
// because the target changed concurrently. It is never modified after
// creation.
type ConflictRecord struct {
	ID         string          `json:"id"`
	QueueID    string          `json:"queue_id"`
	ProjectID  string          `json:"project_id"`
	NodeID     string          `json:"node_id"`
	BaseJSON   json.RawMessage `json:"base_json"`
	RemoteJSON json.RawMessage `json:"remote_json"`
	LocalJSON  json.RawMessage `json:"local_json"`
	Policy     string          `json:"policy"`
	CreatedAt  time.Time       `json:"created_at"`
}

// DefaultCursor is the value of a cursor that has never been advanced.
const DefaultCursor = "0"

// Cursor is the consumed position in the remote change stream for one scope.
type Cursor struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CursorKey returns the cursor key for a sync scope. An empty scope selects
// the global stream.
func CursorKey(scopeID string) string {
	if scopeID == "" {
		return "delta:global"
	}
	return "delta:project:" + scopeID
}

// Level is the severity of an audit log entry.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	switch l := Level(s); l {
	case LevelInfo, LevelWarn, LevelError:
		return l, nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

// LogEntry is one row of the append-only audit trail.
type LogEntry struct {
	ID        int64          `json:"id"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Meta      map[string]any `json:"meta"`
	CreatedAt time.Time      `json:"created_at"`
}

// ItemID returns the queue item the entry refers to, if any.
func (e LogEntry) ItemID() string {
	if v, ok := e.Meta["item_id"].(string); ok {
		return v
	}
	return ""
}
