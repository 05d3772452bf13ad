package harness

import (
	"context"
	"fmt"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/store"
)

// AssertionError describes a failed assertion.
type AssertionError struct {
	Type     string
	Subject  string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("assertion %s failed: expected %s, got %s", e.Type, e.Expected, e.Actual)
	}
	return fmt.Sprintf("assertion %s(%s) failed: expected %s, got %s", e.Type, e.Subject, e.Expected, e.Actual)
}

func (h *Harness) evaluate(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertItem:
		return h.assertItem(ctx, a)
	case AssertConflict:
		return h.assertConflict(ctx, a)
	case AssertConflictCount:
		conflicts, err := h.store.ListConflicts(ctx)
		if err != nil {
			return err
		}
		return compareCount(a, "", len(conflicts))
	case AssertCursor:
		cur, err := h.store.GetCursor(ctx, model.CursorKey(a.Scope))
		if err != nil {
			return err
		}
		if cur.Value != a.Value {
			return &AssertionError{Type: a.Type, Subject: cur.Key, Expected: fmt.Sprintf("%q", a.Value), Actual: fmt.Sprintf("%q", cur.Value)}
		}
		return nil
	case AssertLogCount:
		entries, err := h.store.ListLogs(ctx, store.LogFilter{ItemID: a.Item, Level: model.Level(a.Level)})
		if err != nil {
			return err
		}
		return compareCount(a, a.Item, len(entries))
	case AssertRemoteApplied:
		return compareCount(a, a.Item, h.mem.Applied(a.Item))
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func (h *Harness) assertItem(ctx context.Context, a Assertion) error {
	item, err := h.store.GetItem(ctx, a.Item)
	if err != nil {
		return &AssertionError{Type: a.Type, Subject: a.Item, Expected: "item to exist", Actual: err.Error()}
	}
	if a.Status != "" && string(item.Status) != a.Status {
		return &AssertionError{Type: a.Type, Subject: a.Item, Expected: "status " + a.Status, Actual: "status " + string(item.Status)}
	}
	if a.Retries != nil && item.Retries != *a.Retries {
		return &AssertionError{Type: a.Type, Subject: a.Item,
			Expected: fmt.Sprintf("retries %d", *a.Retries), Actual: fmt.Sprintf("retries %d", item.Retries)}
	}
	return nil
}

// assertConflict checks the item's conflict exists and kept the item's
// exact payload as local_json.
func (h *Harness) assertConflict(ctx context.Context, a Assertion) error {
	c, err := h.store.ConflictForItem(ctx, a.Item)
	if err != nil {
		return &AssertionError{Type: a.Type, Subject: a.Item, Expected: "conflict record", Actual: err.Error()}
	}
	if a.Policy != "" && c.Policy != a.Policy {
		return &AssertionError{Type: a.Type, Subject: a.Item, Expected: "policy " + a.Policy, Actual: "policy " + c.Policy}
	}

	item, err := h.store.GetItem(ctx, a.Item)
	if err != nil {
		return err
	}
	payload, err := item.Payload.Bytes()
	if err != nil {
		return err
	}
	if !payloadEqual(c.LocalJSON, payload) {
		return &AssertionError{Type: a.Type, Subject: a.Item,
			Expected: "local_json " + string(payload), Actual: "local_json " + string(c.LocalJSON)}
	}
	return nil
}

func compareCount(a Assertion, subject string, got int) error {
	if got != *a.Count {
		return &AssertionError{Type: a.Type, Subject: subject,
			Expected: fmt.Sprintf("count %d", *a.Count), Actual: fmt.Sprintf("count %d", got)}
	}
	return nil
}
