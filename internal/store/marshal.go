package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/offsync/internal/model"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// toMillis converts a time to the stored Unix millisecond form.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// fromMillis converts a stored Unix millisecond value to UTC time.
func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// nullMillis converts an optional time to a nullable column value.
func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

// marshalMeta converts log metadata to JSON TEXT.
// Canonical form keeps audit rows byte-stable for identical metadata.
func marshalMeta(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	data, err := model.MarshalCanonical(meta)
	if err != nil {
		return "", fmt.Errorf("marshal meta: %w", err)
	}
	return string(data), nil
}

// unmarshalMeta parses stored JSON TEXT into a metadata map.
func unmarshalMeta(data string) (map[string]any, error) {
	if data == "" || data == "{}" {
		return map[string]any{}, nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// rawOrEmpty returns "{}" for an empty raw message so NOT NULL JSON columns
// always hold valid JSON.
func rawOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

const queueColumns = `id, seq, op, target_type, target_id, payload, base_version,
	status, retries, next_attempt_at, last_error, created_at, updated_at`

// scanItem scans a queue row selected with queueColumns.
func scanItem(row rowScanner) (model.QueueItem, error) {
	var (
		item        model.QueueItem
		op, status  string
		payload     string
		nextAttempt sql.NullInt64
		created     int64
		updated     int64
	)

	if err := row.Scan(
		&item.ID, &item.Seq, &op, &item.TargetType, &item.TargetID, &payload,
		&item.BaseVersion, &status, &item.Retries, &nextAttempt, &item.LastError,
		&created, &updated,
	); err != nil {
		return model.QueueItem{}, err
	}

	p, err := model.ParsePayload([]byte(payload))
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("item %s: %w", item.ID, err)
	}

	item.Op = model.Op(op)
	item.Status = model.Status(status)
	item.Payload = p
	item.CreatedAt = fromMillis(created)
	item.UpdatedAt = fromMillis(updated)
	if nextAttempt.Valid {
		t := fromMillis(nextAttempt.Int64)
		item.NextAttemptAt = &t
	}
	return item, nil
}

const conflictColumns = `id, queue_id, project_id, node_id, base_json, remote_json,
	local_json, policy, created_at`

// scanConflict scans a conflict row selected with conflictColumns.
func scanConflict(row rowScanner) (model.ConflictRecord, error) {
	var (
		c                   model.ConflictRecord
		base, remote, local string
		created             int64
	)
	if err := row.Scan(
		&c.ID, &c.QueueID, &c.ProjectID, &c.NodeID, &base, &remote, &local,
		&c.Policy, &created,
	); err != nil {
		return model.ConflictRecord{}, err
	}
	c.BaseJSON = json.RawMessage(base)
	c.RemoteJSON = json.RawMessage(remote)
	c.LocalJSON = json.RawMessage(local)
	c.CreatedAt = fromMillis(created)
	return c, nil
}
