package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/testutil"
)

func TestEnqueue_WritesPendingItem(t *testing.T) {
	f := newFixture(t, Config{})

	item, err := f.outbox.Enqueue(context.Background(), Mutation{
		Op:          model.OpUpdate,
		TargetType:  model.TargetNode,
		TargetID:    "n1",
		Payload:     nodePayload("hello"),
		BaseVersion: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, "q-0001", item.ID)
	assert.Equal(t, int64(1), item.Seq)
	assert.Equal(t, model.StatusPending, item.Status)
	assert.Equal(t, 0, item.Retries)
	assert.Nil(t, item.NextAttemptAt)
	assert.Equal(t, int64(3), item.BaseVersion)
	assert.Equal(t, testutil.Epoch, item.CreatedAt)
}

func TestEnqueue_CallerKeyIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	m := Mutation{
		ID:         "external-1",
		Op:         model.OpCreate,
		TargetType: model.TargetNode,
		TargetID:   "n1",
		Payload:    nodePayload("a"),
	}

	first, err := f.outbox.Enqueue(ctx, m)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	second, err := f.outbox.Enqueue(ctx, m)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	items, err := f.store.ListItems(ctx, store.ItemFilter{})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestEnqueue_Validation(t *testing.T) {
	f := newFixture(t, Config{})

	tests := []struct {
		name string
		m    Mutation
	}{
		{"unknown op", Mutation{Op: "upsert", TargetType: "node", TargetID: "n1", Payload: nodePayload("x")}},
		{"missing target id", Mutation{Op: model.OpUpdate, TargetType: "node", Payload: nodePayload("x")}},
		{"missing target type", Mutation{Op: model.OpUpdate, TargetID: "n1", Payload: nodePayload("x")}},
		{"tombstone on update", Mutation{Op: model.OpUpdate, TargetType: "node", TargetID: "n1", Payload: model.NewPayload(model.Tombstone{})}},
		{"node body on project", Mutation{Op: model.OpUpdate, TargetType: "project", TargetID: "p1", Payload: nodePayload("x")}},
		{"no payload", Mutation{Op: model.OpUpdate, TargetType: "node", TargetID: "n1"}},
		{"negative base", Mutation{Op: model.OpUpdate, TargetType: "node", TargetID: "n1", Payload: nodePayload("x"), BaseVersion: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.outbox.Enqueue(context.Background(), tt.m)
			assert.ErrorIs(t, err, ErrInvalidMutation)
		})
	}

	items, err := f.store.ListItems(context.Background(), store.ItemFilter{})
	require.NoError(t, err)
	assert.Empty(t, items, "invalid mutations write nothing")
}

func TestEnqueue_OpaquePayloadAccepted(t *testing.T) {
	f := newFixture(t, Config{})
	p, err := model.ParsePayload([]byte(`{"v":3,"kind":"node.upsert","data":{"title":"from the future","blocks":[]}}`))
	require.NoError(t, err)

	item, err := f.outbox.Enqueue(context.Background(), Mutation{
		Op: model.OpUpdate, TargetType: "node", TargetID: "n1", Payload: p,
	})
	require.NoError(t, err)

	stored := f.item(t, item.ID)
	want, err := p.Bytes()
	require.NoError(t, err)
	got, err := stored.Payload.Bytes()
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))
}

func TestResolve_EnqueuesRebasedItem(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.mem.Put(model.OpCreate, model.TargetNode, "n1", "p1", []byte(`{"title":"theirs"}`))
	orig := f.enqueue(t, model.OpCreate, "n1", 0)
	require.Equal(t, 1, f.drain(t).Conflicts)

	c, err := f.store.ConflictForItem(ctx, orig.ID)
	require.NoError(t, err)

	resolved, err := f.outbox.Resolve(ctx, c.ID, nodePayload("merged"), 1)
	require.NoError(t, err)
	assert.NotEqual(t, orig.ID, resolved.ID)
	assert.Equal(t, model.OpUpdate, resolved.Op, "conflicted create resolves as update")
	assert.Equal(t, "n1", resolved.TargetID)
	assert.Equal(t, int64(1), resolved.BaseVersion)
	assert.Equal(t, model.StatusPending, resolved.Status)

	// Originals untouched.
	assert.Equal(t, model.StatusPoison, f.item(t, orig.ID).Status)
	again, err := f.store.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c, again)

	require.Equal(t, 1, f.drain(t).Done)
	assert.Equal(t, int64(2), f.mem.Version(model.TargetNode, "n1"))

	logs := f.logs(t, store.LogFilter{ItemID: resolved.ID})
	require.NotEmpty(t, logs)
	assert.Equal(t, "conflict resolution enqueued", logs[0].Message)
}

func TestResolve_UnknownConflict(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.outbox.Resolve(context.Background(), "nope", nodePayload("x"), 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
