package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/testutil"
)

type fixture struct {
	store  *store.Store
	clock  *testutil.FakeClock
	mem    *remote.Memory
	remote *testutil.ScriptedRemote
	worker *Worker
	outbox *Outbox
}

// newFixture wires a worker and outbox to a temp store, a fake clock and a
// scripted remote that falls back to an in-memory server.
func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()

	s := setupTestStore(t)
	clock := testutil.NewFakeClock(testutil.Epoch)
	mem := remote.NewMemory(remote.WithPolicy("manual"))
	scripted := testutil.NewScriptedRemote(mem)
	logger := zaptest.NewLogger(t)

	workerOpts := append([]Option{
		WithClock(clock),
		WithKeyGenerator(testutil.NewSequenceGenerator("c")),
		WithLogger(logger),
		WithOwner("test-worker"),
	}, opts...)

	return &fixture{
		store:  s,
		clock:  clock,
		mem:    mem,
		remote: scripted,
		worker: NewWorker(s, scripted, cfg, workerOpts...),
		outbox: NewOutbox(s,
			WithClock(clock),
			WithKeyGenerator(testutil.NewSequenceGenerator("q")),
			WithLogger(logger),
		),
	}
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func nodePayload(title string) model.Payload {
	return model.NewPayload(model.NodeUpsert{ProjectID: "p1", Title: title})
}

// enqueue adds a node mutation and fails the test on error.
func (f *fixture) enqueue(t *testing.T, op model.Op, nodeID string, base int64) model.QueueItem {
	t.Helper()
	payload := nodePayload(nodeID)
	if op == model.OpDelete {
		payload = model.NewPayload(model.Tombstone{})
	}
	item, err := f.outbox.Enqueue(context.Background(), Mutation{
		Op:          op,
		TargetType:  model.TargetNode,
		TargetID:    nodeID,
		Payload:     payload,
		BaseVersion: base,
	})
	require.NoError(t, err)
	return item
}

func (f *fixture) item(t *testing.T, id string) model.QueueItem {
	t.Helper()
	item, err := f.store.GetItem(context.Background(), id)
	require.NoError(t, err)
	return item
}

func (f *fixture) logs(t *testing.T, filter store.LogFilter) []model.LogEntry {
	t.Helper()
	entries, err := f.store.ListLogs(context.Background(), filter)
	require.NoError(t, err)
	return entries
}

func (f *fixture) drain(t *testing.T) DrainReport {
	t.Helper()
	report, err := f.worker.DrainQueue(context.Background())
	require.NoError(t, err)
	return report
}

func keysOf(reqs []remote.MutateRequest) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.IdempotencyKey
	}
	return out
}
