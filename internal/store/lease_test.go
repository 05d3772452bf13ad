package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLease(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ttl := 2 * time.Minute

	ok, err := s.AcquireLease(ctx, "drain", "a", ttl, testEpoch)
	require.NoError(t, err)
	assert.True(t, ok)

	// Held by a.
	ok, err = s.AcquireLease(ctx, "drain", "b", ttl, testEpoch.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	// Renewal by the holder.
	ok, err = s.AcquireLease(ctx, "drain", "a", ttl, testEpoch.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	// Expired: b takes over.
	ok, err = s.AcquireLease(ctx, "drain", "b", ttl, testEpoch.Add(time.Minute+ttl))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseLease(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLease(ctx, "drain", "a", time.Minute, testEpoch)
	require.NoError(t, err)
	require.True(t, ok)

	// Release by a non-holder is ignored.
	require.NoError(t, s.ReleaseLease(ctx, "drain", "b"))
	ok, err = s.AcquireLease(ctx, "drain", "b", time.Minute, testEpoch)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseLease(ctx, "drain", "a"))
	ok, err = s.AcquireLease(ctx, "drain", "b", time.Minute, testEpoch)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireLease_RejectsNonPositiveTTL(t *testing.T) {
	s := createTestStore(t)

	_, err := s.AcquireLease(context.Background(), "drain", "a", 0, testEpoch)
	assert.Error(t, err)
}
