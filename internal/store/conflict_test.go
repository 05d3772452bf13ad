package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/model"
)

func testConflict(id, queueID string) model.ConflictRecord {
	return model.ConflictRecord{
		ID:         id,
		QueueID:    queueID,
		ProjectID:  "p1",
		NodeID:     "n1",
		BaseJSON:   json.RawMessage(`{"title":"base"}`),
		RemoteJSON: json.RawMessage(`{"title":"remote"}`),
		LocalJSON:  json.RawMessage(`{"title":"local"}`),
		Policy:     "manual",
		CreatedAt:  testEpoch,
	}
}

func TestRecordConflict_PoisonsItemAtomically(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, createTestItem("q1", "n1"))

	c := testConflict("c1", "q1")
	require.NoError(t, s.RecordConflict(ctx, c, Transition{
		ID: "q1", To: model.StatusPoison, LastError: "conflict", At: testEpoch,
	}))

	item, err := s.GetItem(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPoison, item.Status)

	got, err := s.GetConflict(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, c, got)

	byItem, err := s.ConflictForItem(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, "c1", byItem.ID)
}

func TestRecordConflict_RejectedTransitionLeavesNoConflict(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, createTestItem("q1", "n1"))
	require.NoError(t, s.ApplyTransition(ctx, Transition{ID: "q1", To: model.StatusDone, At: testEpoch}))

	err := s.RecordConflict(ctx, testConflict("c1", "q1"), Transition{
		ID: "q1", To: model.StatusPoison, At: testEpoch,
	})
	assert.ErrorIs(t, err, ErrTransitionRejected)

	_, err = s.GetConflict(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)

	item, err := s.GetItem(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, item.Status)
}

func TestRecordConflict_OnePerItem(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, createTestItem("q1", "n1"))

	require.NoError(t, s.RecordConflict(ctx, testConflict("c1", "q1"), Transition{
		ID: "q1", To: model.StatusPoison, At: testEpoch,
	}))
	// Item is terminal now, so the guard rejects before the UNIQUE index is hit.
	err := s.RecordConflict(ctx, testConflict("c2", "q1"), Transition{
		ID: "q1", To: model.StatusPoison, At: testEpoch,
	})
	assert.Error(t, err)

	conflicts, err := s.ListConflicts(ctx)
	require.NoError(t, err)
	assert.Len(t, conflicts, 1)
}

func TestRecordConflict_MismatchedTransition(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, createTestItem("q1", "n1"))

	err := s.RecordConflict(ctx, testConflict("c1", "q1"), Transition{ID: "q2", To: model.StatusPoison})
	assert.Error(t, err)

	err = s.RecordConflict(ctx, testConflict("c1", "q1"), Transition{ID: "q1", To: model.StatusDone})
	assert.Error(t, err)
}

func TestRecordConflict_EmptyJSONStoredAsObject(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, createTestItem("q1", "n1"))

	require.NoError(t, s.RecordConflict(ctx, model.ConflictRecord{ID: "c1", QueueID: "q1", CreatedAt: testEpoch},
		Transition{ID: "q1", To: model.StatusPoison, At: testEpoch}))

	got, err := s.GetConflict(ctx, "c1")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(got.BaseJSON))
	assert.JSONEq(t, `{}`, string(got.RemoteJSON))
}

func TestGetConflict_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.GetConflict(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.ConflictForItem(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
