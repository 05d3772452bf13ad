package store

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/model"
)

func TestInsertItem_AssignsSeqAndDefaults(t *testing.T) {
	s := createTestStore(t)

	first := createTestItem("q1", "n1")
	first.Status = model.StatusDone // ignored
	first.Retries = 3               // ignored

	a := mustInsert(t, s, first)
	b := mustInsert(t, s, createTestItem("q2", "n2"))

	assert.Equal(t, int64(1), a.Seq)
	assert.Equal(t, int64(2), b.Seq)
	assert.Equal(t, model.StatusPending, a.Status)
	assert.Equal(t, 0, a.Retries)
	assert.Nil(t, a.NextAttemptAt)
	assert.Equal(t, testEpoch, a.CreatedAt)
	assert.Equal(t, "n1", a.TargetID)
	assert.Equal(t, int64(1), a.BaseVersion)
}

func TestInsertItem_DuplicateIDReturnsExisting(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, inserted, err := s.InsertItem(ctx, createTestItem("q1", "n1"), testEpoch)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := createTestItem("q1", "other")
	stored, inserted, err := s.InsertItem(ctx, dup, testEpoch.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "n1", stored.TargetID, "original row must be kept")
	assert.Equal(t, int64(1), stored.Seq)

	items, err := s.ListItems(ctx, ItemFilter{})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestInsertItem_PayloadRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	item := createTestItem("q1", "n1")
	item.Payload = model.NewPayload(model.NodeUpsert{ProjectID: "p1", Title: "T", Content: "c"})
	mustInsert(t, s, item)

	got, err := s.GetItem(ctx, "q1")
	require.NoError(t, err)
	want, err := item.Payload.Bytes()
	require.NoError(t, err)
	gotBytes, err := got.Payload.Bytes()
	require.NoError(t, err)
	assert.Equal(t, string(want), string(gotBytes))
}

func TestGetItem_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.GetItem(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSelectDue_FIFOAndLimit(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		mustInsert(t, s, createTestItem(id, "node-"+id))
	}

	due, err := s.SelectDue(ctx, testEpoch, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(due))

	due, err = s.SelectDue(ctx, testEpoch, 0)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestSelectDue_SkipsTerminalAndFutureRetries(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, createTestItem("done", "n1"))
	mustInsert(t, s, createTestItem("later", "n2"))
	mustInsert(t, s, createTestItem("ready", "n3"))

	require.NoError(t, s.ApplyTransition(ctx, Transition{
		ID: "done", To: model.StatusDone, At: testEpoch,
	}))
	require.NoError(t, s.ApplyTransition(ctx, Transition{
		ID: "later", To: model.StatusRetrying, Retries: 1,
		NextAttemptAt: timePtr(testEpoch.Add(4 * time.Second)), At: testEpoch,
	}))

	due, err := s.SelectDue(ctx, testEpoch, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"ready"}, ids(due))

	due, err = s.SelectDue(ctx, testEpoch.Add(4*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"later", "ready"}, ids(due), "retry becomes due exactly at next_attempt_at")
}

func TestSelectDue_HoldsBackLaterEditsOfSameEntity(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, createTestItem("first", "n1"))
	mustInsert(t, s, createTestItem("second", "n1"))
	mustInsert(t, s, createTestItem("other", "n2"))

	require.NoError(t, s.ApplyTransition(ctx, Transition{
		ID: "first", To: model.StatusRetrying, Retries: 1,
		NextAttemptAt: timePtr(testEpoch.Add(time.Minute)), At: testEpoch,
	}))

	due, err := s.SelectDue(ctx, testEpoch, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, ids(due))

	due, err = s.SelectDue(ctx, testEpoch.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "other"}, ids(due))
}

func TestSelectDue_PoisonedPredecessorDoesNotBlock(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, createTestItem("first", "n1"))
	mustInsert(t, s, createTestItem("second", "n1"))
	require.NoError(t, s.ApplyTransition(ctx, Transition{
		ID: "first", To: model.StatusPoison, At: testEpoch,
	}))

	due, err := s.SelectDue(ctx, testEpoch, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, ids(due))
}

func TestApplyTransition_Guarded(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, createTestItem("q1", "n1"))

	// Stale retry count.
	err := s.ApplyTransition(ctx, Transition{
		ID: "q1", FromRetries: 2, To: model.StatusRetrying, Retries: 3,
		NextAttemptAt: timePtr(testEpoch), At: testEpoch,
	})
	assert.ErrorIs(t, err, ErrTransitionRejected)

	require.NoError(t, s.ApplyTransition(ctx, Transition{
		ID: "q1", To: model.StatusRetrying, Retries: 1, LastError: "boom",
		NextAttemptAt: timePtr(testEpoch.Add(4 * time.Second)), At: testEpoch.Add(time.Second),
	}))

	got, err := s.GetItem(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRetrying, got.Status)
	assert.Equal(t, 1, got.Retries)
	assert.Equal(t, "boom", got.LastError)
	require.NotNil(t, got.NextAttemptAt)
	assert.Equal(t, testEpoch.Add(4*time.Second), *got.NextAttemptAt)
	assert.Equal(t, testEpoch.Add(time.Second), got.UpdatedAt)

	require.NoError(t, s.ApplyTransition(ctx, Transition{
		ID: "q1", FromRetries: 1, To: model.StatusDone, Retries: 1, At: testEpoch,
	}))

	// Terminal states never re-enter.
	err = s.ApplyTransition(ctx, Transition{
		ID: "q1", FromRetries: 1, To: model.StatusRetrying, Retries: 2,
		NextAttemptAt: timePtr(testEpoch), At: testEpoch,
	})
	assert.ErrorIs(t, err, ErrTransitionRejected)

	got, err = s.GetItem(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, got.Status)
	assert.Nil(t, got.NextAttemptAt, "terminal rows carry no next attempt")
}

func TestApplyTransition_Validation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, createTestItem("q1", "n1"))

	tests := []struct {
		name string
		tr   Transition
	}{
		{"back to pending", Transition{ID: "q1", To: model.StatusPending}},
		{"unknown status", Transition{ID: "q1", To: model.Status("archived")}},
		{"retrying without time", Transition{ID: "q1", To: model.StatusRetrying, Retries: 1}},
		{"retries decrease", Transition{ID: "q1", FromRetries: 2, To: model.StatusDone, Retries: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ApplyTransition(ctx, tt.tr)
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrTransitionRejected)
		})
	}
}

func TestSourceStatuses_FollowStateMachine(t *testing.T) {
	nonTerminal := []any{string(model.StatusPending), string(model.StatusRetrying)}
	assert.Equal(t, nonTerminal, sourceStatuses(model.StatusDone))
	assert.Equal(t, nonTerminal, sourceStatuses(model.StatusPoison))
	assert.Equal(t, nonTerminal, sourceStatuses(model.StatusRetrying))
	assert.Empty(t, sourceStatuses(model.StatusPending))

	for _, to := range model.Statuses {
		for _, from := range model.Statuses {
			assert.Equal(t, model.CanTransition(from, to), slices.Contains(sourceStatuses(to), any(string(from))),
				"%s -> %s", from, to)
		}
	}
}

func TestApplyTransition_MissingItem(t *testing.T) {
	s := createTestStore(t)

	err := s.ApplyTransition(context.Background(), Transition{ID: "nope", To: model.StatusDone})
	assert.ErrorIs(t, err, ErrTransitionRejected)
}

func TestListItems_Filters(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, createTestItem("a", "n1"))
	mustInsert(t, s, createTestItem("b", "n2"))
	mustInsert(t, s, createTestItem("c", "n1"))
	require.NoError(t, s.ApplyTransition(ctx, Transition{ID: "b", To: model.StatusDone, At: testEpoch}))

	pending, err := s.ListItems(ctx, ItemFilter{Status: model.StatusPending})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(pending))

	byTarget, err := s.ListItems(ctx, ItemFilter{TargetType: model.TargetNode, TargetID: "n1", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(byTarget))
}

func TestCountByStatus(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[model.Status]int{
		model.StatusPending: 0, model.StatusRetrying: 0, model.StatusDone: 0, model.StatusPoison: 0,
	}, counts)

	mustInsert(t, s, createTestItem("a", "n1"))
	mustInsert(t, s, createTestItem("b", "n2"))
	require.NoError(t, s.ApplyTransition(ctx, Transition{ID: "b", To: model.StatusPoison, At: testEpoch}))

	counts, err = s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.StatusPending])
	assert.Equal(t, 1, counts[model.StatusPoison])
}

func TestPurgeTerminal(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, createTestItem("old-done", "n1"))
	mustInsert(t, s, createTestItem("old-poison", "n2"))
	mustInsert(t, s, createTestItem("new-done", "n3"))
	mustInsert(t, s, createTestItem("pending", "n4"))

	require.NoError(t, s.ApplyTransition(ctx, Transition{ID: "old-done", To: model.StatusDone, At: testEpoch}))
	require.NoError(t, s.RecordConflict(ctx, model.ConflictRecord{
		ID: "c1", QueueID: "old-poison", CreatedAt: testEpoch,
	}, Transition{ID: "old-poison", To: model.StatusPoison, At: testEpoch}))
	require.NoError(t, s.ApplyTransition(ctx, Transition{
		ID: "new-done", To: model.StatusDone, At: testEpoch.Add(48 * time.Hour),
	}))

	res, err := s.PurgeTerminal(ctx, testEpoch.Add(24*time.Hour), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"old-done", "old-poison"}, ids(res.Items))
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "c1", res.Conflicts[0].ID)

	remaining, err := s.ListItems(ctx, ItemFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"new-done", "pending"}, ids(remaining))

	conflicts, err := s.ListConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestPurgeTerminal_ArchiveFailureKeepsRows(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, createTestItem("a", "n1"))
	require.NoError(t, s.ApplyTransition(ctx, Transition{ID: "a", To: model.StatusDone, At: testEpoch}))

	var archived []string
	_, err := s.PurgeTerminal(ctx, testEpoch.Add(time.Hour), func(_ context.Context, res PurgeResult) error {
		archived = ids(res.Items)
		return errors.New("bucket unreachable")
	})
	require.Error(t, err)
	assert.Equal(t, []string{"a"}, archived)

	_, err = s.GetItem(ctx, "a")
	assert.NoError(t, err, "item must survive a failed archive")
}

func TestPurgeTerminal_ArchiveSkippedWhenNothingToPurge(t *testing.T) {
	s := createTestStore(t)
	called := false
	res, err := s.PurgeTerminal(context.Background(), testEpoch, func(context.Context, PurgeResult) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, called)
	assert.Empty(t, res.Items)
}

func TestInsertItem_SeqContinuesAfterPurge(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, createTestItem("a", "n1"))
	b := mustInsert(t, s, createTestItem("b", "n1"))
	require.NoError(t, s.ApplyTransition(ctx, Transition{ID: "a", To: model.StatusDone, At: testEpoch}))

	_, err := s.PurgeTerminal(ctx, testEpoch.Add(time.Hour), nil)
	require.NoError(t, err)

	c := mustInsert(t, s, createTestItem("c", "n1"))
	assert.Greater(t, c.Seq, b.Seq)
}
