package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/model"
)

func TestGetCursor_DefaultsToZero(t *testing.T) {
	s := createTestStore(t)

	c, err := s.GetCursor(context.Background(), "delta:global")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultCursor, c.Value)
	assert.True(t, c.UpdatedAt.IsZero())
}

func TestAdvanceCursor_CompareAndSet(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := model.CursorKey("p1")

	require.NoError(t, s.AdvanceCursor(ctx, key, "0", "c1", testEpoch))

	c, err := s.GetCursor(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "c1", c.Value)
	assert.Equal(t, testEpoch, c.UpdatedAt)

	// Stale expectation.
	err = s.AdvanceCursor(ctx, key, "0", "c2", testEpoch)
	assert.ErrorIs(t, err, ErrCursorMoved)

	require.NoError(t, s.AdvanceCursor(ctx, key, "c1", "c2", testEpoch.Add(time.Second)))
	c, err = s.GetCursor(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "c2", c.Value)
}

func TestAdvanceCursor_RejectsEmpty(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	assert.Error(t, s.AdvanceCursor(ctx, "delta:global", "0", "", testEpoch))

	c, err := s.GetCursor(ctx, "delta:global")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultCursor, c.Value)
}

func TestListCursors(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AdvanceCursor(ctx, "delta:project:b", "0", "5", testEpoch))
	require.NoError(t, s.AdvanceCursor(ctx, "delta:global", "0", "9", testEpoch))

	cursors, err := s.ListCursors(ctx)
	require.NoError(t, err)
	require.Len(t, cursors, 2)
	assert.Equal(t, "delta:global", cursors[0].Key)
	assert.Equal(t, "delta:project:b", cursors[1].Key)
}
