package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/remote"
)

// recordingRemote logs the order of calls.
type recordingRemote struct {
	remote.Client
	mu    sync.Mutex
	calls []string
}

func (r *recordingRemote) Mutate(ctx context.Context, req remote.MutateRequest) (remote.MutateResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, "mutate")
	r.mu.Unlock()
	return r.Client.Mutate(ctx, req)
}

func (r *recordingRemote) Changes(ctx context.Context, req remote.ChangesRequest) (remote.ChangesResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, "changes")
	r.mu.Unlock()
	return r.Client.Changes(ctx, req)
}

func TestRunSync_DrainThenPull(t *testing.T) {
	f := newFixture(t, Config{})
	rec := &recordingRemote{Client: f.mem}
	f.remote.Fallback = rec

	f.enqueue(t, model.OpCreate, "n1", 0)
	f.enqueue(t, model.OpCreate, "n2", 0)

	report := f.worker.RunSync(context.Background(), "")
	require.NoError(t, report.DrainErr)
	assert.Equal(t, 2, report.Drain.Done)
	assert.True(t, report.Pull.OK())
	assert.Equal(t, 2, report.Pull.Count, "pull sees the edits just pushed")
	assert.Equal(t, []string{"mutate", "mutate", "changes"}, rec.calls)
}

func TestRunSync_FailingDrainStillPulls(t *testing.T) {
	f := newFixture(t, Config{})
	f.enqueue(t, model.OpCreate, "n1", 0)
	f.remote.FailMutate(1, errNetwork)
	f.mem.Put(model.OpCreate, model.TargetNode, "remote-only", "p1", []byte(`{}`))

	report := f.worker.RunSync(context.Background(), "")
	assert.Equal(t, 1, report.Drain.Retrying)
	assert.True(t, report.Pull.OK())
	assert.Equal(t, "1", f.cursor(t, ""))
}

func TestRunSync_StoreFailureDoesNotEscape(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.store.Close())

	var report CycleReport
	assert.NotPanics(t, func() {
		report = f.worker.RunSync(context.Background(), "p1")
	})
	assert.Error(t, report.DrainErr)
	assert.False(t, report.Pull.OK())
	assert.Empty(t, f.remote.ChangesCalls(), "cursor read failed before any remote call")
}
