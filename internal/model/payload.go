package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// PayloadSchemaVersion is the envelope version written for known payload kinds.
const PayloadSchemaVersion = 1

// Known payload kinds.
const (
	KindNodeUpsert    = "node.upsert"
	KindProjectUpsert = "project.upsert"
	KindTombstone     = "tombstone"
)

// Known target types.
const (
	TargetNode    = "node"
	TargetProject = "project"
)

// Body is the typed content of a Payload. The concrete types are NodeUpsert,
// ProjectUpsert, Tombstone and Opaque.
type Body interface {
	Kind() string
	isBody()
}

// NodeUpsert creates or updates a node inside a project.
type NodeUpsert struct {
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	ParentID  string `json:"parent_id,omitempty"`
}

func (NodeUpsert) Kind() string { return KindNodeUpsert }
func (NodeUpsert) isBody()      {}

// ProjectUpsert creates or updates a project.
type ProjectUpsert struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (ProjectUpsert) Kind() string { return KindProjectUpsert }
func (ProjectUpsert) isBody()      {}

// Tombstone is the body of every delete.
type Tombstone struct {
	Reason string `json:"reason,omitempty"`
}

func (Tombstone) Kind() string { return KindTombstone }
func (Tombstone) isBody()      {}

// Opaque carries a payload whose (kind, version) this build does not know.
// It is preserved verbatim so newer clients' edits survive a round trip.
// A zero KindName means the payload was not an envelope at all.
type Opaque struct {
	KindName string
	Data     json.RawMessage
}

func (o Opaque) Kind() string { return o.KindName }
func (Opaque) isBody()        {}

// Payload is the tagged union stored on a QueueItem.
//
// Wire form:
//
//	{"data":{...},"kind":"node.upsert","v":1}
type Payload struct {
	Version int
	Body    Body
}

// NewPayload wraps a known body at the current schema version.
func NewPayload(body Body) Payload {
	return Payload{Version: PayloadSchemaVersion, Body: body}
}

// ErrEmptyPayload is returned when a payload has no body.
var ErrEmptyPayload = errors.New("payload has no body")

type envelope struct {
	Version int             `json:"v"`
	Kind    string          `json:"kind"`
	Data    json.RawMessage `json:"data"`
}

// ParsePayload decodes stored or user-supplied JSON into a Payload. Unknown
// kinds, unknown versions and non-envelope JSON all decode to Opaque.
func ParsePayload(data []byte) (Payload, error) {
	canon, err := Canonicalize(data)
	if err != nil {
		return Payload{}, fmt.Errorf("parse payload: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(canon, &env); err != nil || env.Kind == "" || env.Data == nil {
		return Payload{Body: Opaque{Data: canon}}, nil
	}

	if env.Version == PayloadSchemaVersion {
		if body, ok := decodeKnown(env.Kind, env.Data); ok {
			return Payload{Version: env.Version, Body: body}, nil
		}
	}
	return Payload{Version: env.Version, Body: Opaque{KindName: env.Kind, Data: env.Data}}, nil
}

// decodeKnown decodes data strictly. Unknown fields in a known kind fall back
// to Opaque so no data is silently dropped.
func decodeKnown(kind string, data json.RawMessage) (Body, bool) {
	strict := func(v any) bool {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(v) == nil
	}
	switch kind {
	case KindNodeUpsert:
		var b NodeUpsert
		if strict(&b) {
			return b, true
		}
	case KindProjectUpsert:
		var b ProjectUpsert
		if strict(&b) {
			return b, true
		}
	case KindTombstone:
		var b Tombstone
		if strict(&b) {
			return b, true
		}
	}
	return nil, false
}

// Bytes returns the canonical JSON encoding of the payload.
func (p Payload) Bytes() ([]byte, error) {
	if p.Body == nil {
		return nil, ErrEmptyPayload
	}

	if o, ok := p.Body.(Opaque); ok && o.KindName == "" && p.Version == 0 {
		return Canonicalize(o.Data)
	}

	var data json.RawMessage
	if o, ok := p.Body.(Opaque); ok {
		data = o.Data
	} else {
		raw, err := json.Marshal(p.Body)
		if err != nil {
			return nil, fmt.Errorf("encode payload body: %w", err)
		}
		data = raw
	}
	return MarshalCanonical(envelope{Version: p.Version, Kind: p.Body.Kind(), Data: data})
}

// MarshalJSON implements json.Marshaler.
func (p Payload) MarshalJSON() ([]byte, error) {
	return p.Bytes()
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Payload) UnmarshalJSON(data []byte) error {
	parsed, err := ParsePayload(data)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Known reports whether the body decoded into one of the typed kinds.
func (p Payload) Known() bool {
	switch p.Body.(type) {
	case NodeUpsert, ProjectUpsert, Tombstone:
		return true
	}
	return false
}

// ProjectID returns the project the payload belongs to, when the schema
// carries one.
func (p Payload) ProjectID() string {
	if n, ok := p.Body.(NodeUpsert); ok {
		return n.ProjectID
	}
	return ""
}

// ValidateFor checks that a known body matches the op and target type it is
// queued with. Opaque bodies are accepted for any pairing.
func (p Payload) ValidateFor(op Op, targetType string) error {
	if p.Body == nil {
		return ErrEmptyPayload
	}
	switch b := p.Body.(type) {
	case NodeUpsert:
		if op == OpDelete || targetType != TargetNode {
			return fmt.Errorf("payload kind %s does not fit %s %s", b.Kind(), op, targetType)
		}
	case ProjectUpsert:
		if op == OpDelete || targetType != TargetProject {
			return fmt.Errorf("payload kind %s does not fit %s %s", b.Kind(), op, targetType)
		}
	case Tombstone:
		if op != OpDelete {
			return fmt.Errorf("payload kind %s does not fit %s %s", b.Kind(), op, targetType)
		}
	}
	return nil
}

// EntityScope derives the project and node a mutation touches.
//
//	node    -> node = targetID, project from the payload
//	project -> project = targetID, node empty
//
// Other target types take both from the payload when present.
func EntityScope(targetType, targetID string, p Payload) (projectID, nodeID string) {
	switch targetType {
	case TargetNode:
		return p.lookup("project_id"), targetID
	case TargetProject:
		return targetID, ""
	}
	return p.lookup("project_id"), p.lookup("node_id")
}

// lookup returns a top-level string field of the body's data, if any.
func (p Payload) lookup(field string) string {
	if field == "project_id" {
		if id := p.ProjectID(); id != "" {
			return id
		}
	}
	o, ok := p.Body.(Opaque)
	if !ok {
		return ""
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(o.Data, &fields); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(fields[field], &s); err != nil {
		return ""
	}
	return s
}
