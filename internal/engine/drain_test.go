package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/testutil"
)

var errNetwork = errors.New("connection reset by peer")

func TestDrainQueue_SuccessMarksDone(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.enqueue(t, model.OpCreate, "n1", 0)

	report := f.drain(t)
	assert.Equal(t, DrainReport{Selected: 1, Done: 1}, report)

	got := f.item(t, item.ID)
	assert.Equal(t, model.StatusDone, got.Status)
	assert.Equal(t, 0, got.Retries)
	assert.Equal(t, int64(1), f.mem.Version(model.TargetNode, "n1"))

	logs := f.logs(t, store.LogFilter{ItemID: item.ID})
	require.Len(t, logs, 1)
	assert.Equal(t, model.LevelInfo, logs[0].Level)
	assert.Equal(t, "mutation synced", logs[0].Message)
}

func TestDrainQueue_SendsItemAsRequest(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.enqueue(t, model.OpCreate, "n1", 0)

	f.drain(t)

	calls := f.remote.MutateCalls()
	require.Len(t, calls, 1)
	payload, err := item.Payload.Bytes()
	require.NoError(t, err)
	assert.Equal(t, remote.MutateRequest{
		Op:             "create",
		TargetType:     "node",
		TargetID:       "n1",
		Payload:        payload,
		BaseVersion:    0,
		IdempotencyKey: item.ID,
	}, calls[0])
}

// lostResponseRemote applies the first call on the server but reports a
// transport failure, as when the connection drops after the server commits.
type lostResponseRemote struct {
	*remote.Memory
	mu   sync.Mutex
	lost int
}

func (r *lostResponseRemote) Mutate(ctx context.Context, req remote.MutateRequest) (remote.MutateResult, error) {
	res, err := r.Memory.Mutate(ctx, req)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lost > 0 {
		r.lost--
		return remote.MutateResult{}, errNetwork
	}
	return res, err
}

func TestDrainQueue_IdempotentRedelivery(t *testing.T) {
	f := newFixture(t, Config{})
	lossy := &lostResponseRemote{Memory: f.mem, lost: 1}
	f.remote.Fallback = lossy

	item := f.enqueue(t, model.OpCreate, "n1", 0)

	report := f.drain(t)
	assert.Equal(t, 1, report.Retrying)
	assert.Equal(t, model.StatusRetrying, f.item(t, item.ID).Status)

	f.clock.Advance(f.worker.Config().Backoff(1))
	report = f.drain(t)
	assert.Equal(t, 1, report.Done)

	assert.Equal(t, model.StatusDone, f.item(t, item.ID).Status)
	assert.Equal(t, 1, f.mem.Applied(item.ID), "server state changed exactly once")
	assert.Equal(t, int64(1), f.mem.Version(model.TargetNode, "n1"))
}

func TestDrainQueue_BackoffAndPoisonAtCeiling(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.enqueue(t, model.OpCreate, "n1", 0)
	f.remote.FailMutate(DefaultMaxRetries, errNetwork)

	for k := 1; k < DefaultMaxRetries; k++ {
		now := f.clock.Now()
		report := f.drain(t)
		require.Equal(t, 1, report.Retrying, "attempt %d", k)

		got := f.item(t, item.ID)
		assert.Equal(t, model.StatusRetrying, got.Status)
		assert.Equal(t, k, got.Retries, "retries increase by exactly one")
		require.NotNil(t, got.NextAttemptAt)

		want := now.Add(DefaultBaseDelay * time.Duration(1<<k))
		assert.Equal(t, want, *got.NextAttemptAt)
		assert.False(t, got.NextAttemptAt.Before(now.Add(DefaultBaseDelay*time.Duration(1<<(k-1)))))
		assert.Contains(t, got.LastError, errNetwork.Error())

		// Not due yet.
		f.clock.Advance(time.Millisecond)
		assert.Equal(t, 0, f.drain(t).Selected)

		f.clock.Set(*got.NextAttemptAt)
	}

	report := f.drain(t)
	assert.Equal(t, 1, report.Poisoned)

	got := f.item(t, item.ID)
	assert.Equal(t, model.StatusPoison, got.Status)
	assert.Equal(t, DefaultMaxRetries, got.Retries)
	assert.Nil(t, got.NextAttemptAt)

	errs := f.logs(t, store.LogFilter{Level: model.LevelError, ItemID: item.ID})
	require.Len(t, errs, 1)
	assert.Equal(t, "mutation poisoned after max retries", errs[0].Message)
	assert.NotNil(t, errs[0].Meta["payload"])
	assert.NotEmpty(t, errs[0].Meta["error"])
	assert.NotEmpty(t, errs[0].Meta["failed_at"])

	// Poisoned items are never selected again.
	f.clock.Advance(24 * time.Hour)
	assert.Equal(t, 0, f.drain(t).Selected)
	assert.Len(t, f.remote.MutateCalls(), DefaultMaxRetries)
}

func TestDrainQueue_ConfigurableCeiling(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 2, BaseDelay: time.Second})
	item := f.enqueue(t, model.OpCreate, "n1", 0)
	f.remote.FailMutate(2, errNetwork)

	f.drain(t)
	got := f.item(t, item.ID)
	require.NotNil(t, got.NextAttemptAt)
	assert.Equal(t, f.clock.Now().Add(2*time.Second), *got.NextAttemptAt)

	f.clock.Set(*got.NextAttemptAt)
	assert.Equal(t, 1, f.drain(t).Poisoned)
}

func TestDrainQueue_ConflictRecordsAndPoisons(t *testing.T) {
	f := newFixture(t, Config{})

	// The server already moved n1 to version 2.
	f.mem.Put(model.OpCreate, model.TargetNode, "n1", "p1", []byte(`{"title":"v1"}`))
	f.mem.Put(model.OpUpdate, model.TargetNode, "n1", "p1", []byte(`{"title":"v2"}`))

	item := f.enqueue(t, model.OpUpdate, "n1", 1)
	local, err := item.Payload.Bytes()
	require.NoError(t, err)

	report := f.drain(t)
	assert.Equal(t, 1, report.Conflicts)

	got := f.item(t, item.ID)
	assert.Equal(t, model.StatusPoison, got.Status)
	assert.Equal(t, 0, got.Retries, "conflicts do not count as retries")

	c, err := f.store.ConflictForItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, "c-0001", c.ID)
	assert.Equal(t, "p1", c.ProjectID)
	assert.Equal(t, "n1", c.NodeID)
	assert.JSONEq(t, `{"title":"v1"}`, string(c.BaseJSON))
	assert.JSONEq(t, `{"title":"v2"}`, string(c.RemoteJSON))
	assert.Equal(t, string(local), string(c.LocalJSON))
	assert.Equal(t, "manual", c.Policy)
	assert.Equal(t, testutil.Epoch, c.CreatedAt)

	warns := f.logs(t, store.LogFilter{Level: model.LevelWarn, ItemID: item.ID})
	require.Len(t, warns, 1)
	assert.Equal(t, "mutation conflicted", warns[0].Message)
	assert.Equal(t, "c-0001", warns[0].Meta["conflict_id"])

	// Never retried.
	f.clock.Advance(time.Hour)
	assert.Equal(t, 0, f.drain(t).Selected)
	assert.Len(t, f.remote.MutateCalls(), 1)
}

func TestDrainQueue_MalformedCountsAsRetry(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.enqueue(t, model.OpCreate, "n1", 0)
	f.remote.QueueMutate(testutil.MutateStep{Result: remote.MutateResult{}})

	report := f.drain(t)
	assert.Equal(t, 1, report.Retrying)

	got := f.item(t, item.ID)
	assert.Equal(t, 1, got.Retries)
	assert.Equal(t, model.StatusRetrying, got.Status)

	warns := f.logs(t, store.LogFilter{Level: model.LevelWarn, ItemID: item.ID})
	require.Len(t, warns, 1)
	assert.Equal(t, string(ClassMalformed), warns[0].Meta["class"])
}

func TestDrainQueue_MalformedErrorFromClient(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.enqueue(t, model.OpCreate, "n1", 0)
	f.remote.FailMutate(1, remote.ErrMalformed)

	f.drain(t)

	warns := f.logs(t, store.LogFilter{Level: model.LevelWarn, ItemID: item.ID})
	require.Len(t, warns, 1)
	assert.Equal(t, string(ClassMalformed), warns[0].Meta["class"])
}

func TestDrainQueue_ErrorResultIsTransient(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.enqueue(t, model.OpCreate, "n1", 0)
	f.remote.QueueMutate(testutil.MutateStep{Result: remote.MutateResult{Error: "title too long"}})

	f.drain(t)

	got := f.item(t, item.ID)
	assert.Equal(t, model.StatusRetrying, got.Status)
	assert.Equal(t, "title too long", got.LastError)
}

func TestDrainQueue_RemoteTimeoutIsTransient(t *testing.T) {
	f := newFixture(t, Config{RemoteTimeout: 20 * time.Millisecond})
	item := f.enqueue(t, model.OpCreate, "n1", 0)
	f.remote.QueueMutate(testutil.MutateStep{Block: true})

	report := f.drain(t)
	assert.Equal(t, 1, report.Retrying)
	assert.False(t, report.Interrupted)

	got := f.item(t, item.ID)
	assert.Equal(t, 1, got.Retries)
	assert.Contains(t, got.LastError, context.DeadlineExceeded.Error())
}

func TestDrainQueue_CancelLeavesItemUntouched(t *testing.T) {
	f := newFixture(t, Config{})
	first := f.enqueue(t, model.OpCreate, "n1", 0)
	second := f.enqueue(t, model.OpCreate, "n2", 0)
	f.remote.QueueMutate(testutil.MutateStep{Block: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan DrainReport)
	go func() {
		report, _ := f.worker.DrainQueue(ctx)
		done <- report
	}()

	require.Eventually(t, func() bool { return len(f.remote.MutateCalls()) == 1 }, time.Second, time.Millisecond)
	cancel()
	report := <-done

	assert.True(t, report.Interrupted)
	for _, id := range []string{first.ID, second.ID} {
		got := f.item(t, id)
		assert.Equal(t, model.StatusPending, got.Status)
		assert.Equal(t, 0, got.Retries)
	}
	assert.Len(t, f.remote.MutateCalls(), 1, "batch stops before the next item")
}

func TestDrainQueue_SameEntityStaysInOrder(t *testing.T) {
	f := newFixture(t, Config{})
	a := f.enqueue(t, model.OpCreate, "n1", 0)
	b := f.enqueue(t, model.OpUpdate, "n1", 1)
	c := f.enqueue(t, model.OpCreate, "n2", 0)

	f.remote.FailMutate(1, errNetwork)

	report := f.drain(t)
	assert.Equal(t, 1, report.Retrying)
	assert.Equal(t, 1, report.Deferred)
	assert.Equal(t, 1, report.Done)
	assert.Equal(t, []string{a.ID, c.ID}, keysOf(f.remote.MutateCalls()))
	assert.Equal(t, model.StatusPending, f.item(t, b.ID).Status, "later edit waits for the earlier one")

	// While a backs off, b is not selected either.
	assert.Equal(t, 0, f.drain(t).Selected)

	f.clock.Advance(f.worker.Config().Backoff(1))
	report = f.drain(t)
	assert.Equal(t, 2, report.Done)
	assert.Equal(t, []string{a.ID, c.ID, a.ID, b.ID}, keysOf(f.remote.MutateCalls()))
	assert.Equal(t, int64(2), f.mem.Version(model.TargetNode, "n1"))
}

func TestDrainQueue_BatchCapNoReloop(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 3})
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		f.enqueue(t, model.OpCreate, id, 0)
	}

	report := f.drain(t)
	assert.Equal(t, 3, report.Selected)
	assert.Equal(t, 3, report.Done)
	assert.Len(t, f.remote.MutateCalls(), 3)

	report = f.drain(t)
	assert.Equal(t, 2, report.Done)
}

func TestDrainQueue_EnqueueDuringDrainWaitsForNextCycle(t *testing.T) {
	f := newFixture(t, Config{})
	f.enqueue(t, model.OpCreate, "n1", 0)

	var late model.QueueItem
	f.remote.Fallback = mutateHook{Client: f.mem, before: func() {
		if late.ID == "" {
			late = f.enqueue(t, model.OpCreate, "n2", 0)
		}
	}}

	report := f.drain(t)
	assert.Equal(t, 1, report.Selected)
	assert.Equal(t, model.StatusPending, f.item(t, late.ID).Status)

	assert.Equal(t, 1, f.drain(t).Done)
}

type mutateHook struct {
	remote.Client
	before func()
}

func (h mutateHook) Mutate(ctx context.Context, req remote.MutateRequest) (remote.MutateResult, error) {
	h.before()
	return h.Client.Mutate(ctx, req)
}

func TestDrainQueue_SkipsWhenLeaseHeld(t *testing.T) {
	f := newFixture(t, Config{})
	f.enqueue(t, model.OpCreate, "n1", 0)

	ok, err := f.store.AcquireLease(context.Background(), drainLease, "other-process", time.Minute, f.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	report := f.drain(t)
	assert.True(t, report.Skipped)
	assert.Empty(t, f.remote.MutateCalls())

	// The other owner's lease expires.
	f.clock.Advance(time.Minute)
	assert.Equal(t, 1, f.drain(t).Done)
}

func TestDrainQueue_ReleasesLease(t *testing.T) {
	f := newFixture(t, Config{})
	f.drain(t)

	ok, err := f.store.AcquireLease(context.Background(), drainLease, "other-process", time.Minute, f.clock.Now())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDrainQueue_ConcurrentCallsApplyOnce(t *testing.T) {
	f := newFixture(t, Config{})
	var keys []string
	for _, id := range []string{"a", "b", "c", "d"} {
		keys = append(keys, f.enqueue(t, model.OpCreate, id, 0).ID)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.worker.DrainQueue(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, f.remote.MutateCalls(), len(keys), "each item sent once")
	for _, k := range keys {
		assert.Equal(t, 1, f.mem.Applied(k))
		assert.Equal(t, model.StatusDone, f.item(t, k).Status)
	}
}

func TestDrainQueue_StoreFailureReturnsError(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.store.Close())

	_, err := f.worker.DrainQueue(context.Background())
	require.Error(t, err)
	assert.Equal(t, ClassStore, Classify(err))
}

func TestDrainQueue_RenewsLeaseBetweenItems(t *testing.T) {
	f := newFixture(t, Config{})
	first := f.enqueue(t, model.OpCreate, "n1", 0)
	second := f.enqueue(t, model.OpCreate, "n2", 0)

	other := testutil.NewScriptedRemote(f.mem)
	rival := NewWorker(f.store, other, Config{}, WithClock(f.clock), WithOwner("other-process"))

	// Each call takes 90s, so the batch outlives one lease TTL. The rival
	// drains while the second call is in flight.
	var rivalReport DrainReport
	calls := 0
	f.remote.Fallback = mutateHook{Client: f.mem, before: func() {
		calls++
		f.clock.Advance(90 * time.Second)
		if calls == 2 {
			var err error
			rivalReport, err = rival.DrainQueue(context.Background())
			require.NoError(t, err)
		}
	}}

	report := f.drain(t)
	assert.Equal(t, DrainReport{Selected: 2, Done: 2}, report)
	assert.True(t, rivalReport.Skipped)
	assert.Empty(t, other.MutateCalls())
	assert.Equal(t, []string{first.ID, second.ID}, keysOf(f.remote.MutateCalls()))
	assert.Equal(t, 1, f.mem.Applied(first.ID))
	assert.Equal(t, 1, f.mem.Applied(second.ID))
}

func TestDrainQueue_StopsWhenLeaseLost(t *testing.T) {
	f := newFixture(t, Config{})
	first := f.enqueue(t, model.OpCreate, "n1", 0)
	second := f.enqueue(t, model.OpCreate, "n2", 0)

	// The first call outlives the lease and another process takes it over.
	f.remote.Fallback = mutateHook{Client: f.mem, before: func() {
		if len(f.remote.MutateCalls()) > 1 {
			return
		}
		f.clock.Advance(DefaultLeaseTTL + time.Second)
		ok, err := f.store.AcquireLease(context.Background(), drainLease, "other-process", time.Minute, f.clock.Now())
		require.NoError(t, err)
		require.True(t, ok)
	}}

	report := f.drain(t)
	assert.Equal(t, DrainReport{Selected: 2, Done: 1, LeaseLost: true}, report)
	assert.Equal(t, []string{first.ID}, keysOf(f.remote.MutateCalls()))
	assert.Equal(t, model.StatusDone, f.item(t, first.ID).Status)
	assert.Equal(t, model.StatusPending, f.item(t, second.ID).Status)

	warns := f.logs(t, store.LogFilter{Level: model.LevelWarn})
	require.Len(t, warns, 1)
	assert.Equal(t, "drain lease lost", warns[0].Message)

	// The new holder's lease is left alone.
	ok, err := f.store.AcquireLease(context.Background(), drainLease, "third-process", time.Minute, f.clock.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDrainQueue_LongRetryChainKeepsBackingOff(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 100, BaseDelay: 10 * time.Second})
	item := f.enqueue(t, model.OpCreate, "n1", 0)
	f.remote.FailMutate(40, errNetwork)

	for k := 1; k <= 33; k++ {
		now := f.clock.Now()
		require.Equal(t, 1, f.drain(t).Retrying, "attempt %d", k)

		got := f.item(t, item.ID)
		require.NotNil(t, got.NextAttemptAt)
		require.True(t, got.NextAttemptAt.After(now), "attempt %d scheduled in the past", k)

		// Not due again within the same instant.
		assert.Equal(t, 0, f.drain(t).Selected)
		f.clock.Set(*got.NextAttemptAt)
	}
}

func TestFail_PoisonLogKeepsPayloadEncodeError(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 1})
	item := f.enqueue(t, model.OpCreate, "n1", 0)

	broken := item
	broken.Payload = model.Payload{}
	assert.Equal(t, outcomePoisoned, f.worker.fail(context.Background(), broken, ClassTransient, errNetwork))

	errs := f.logs(t, store.LogFilter{Level: model.LevelError, ItemID: item.ID})
	require.Len(t, errs, 1)
	assert.Equal(t, "mutation poisoned after max retries", errs[0].Message)
	assert.Equal(t, model.ErrEmptyPayload.Error(), errs[0].Meta["payload_error"])
	assert.NotContains(t, errs[0].Meta, "payload")
	assert.Equal(t, model.StatusPoison, f.item(t, item.ID).Status)
}
