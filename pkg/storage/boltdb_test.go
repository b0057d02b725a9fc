package storage

import (
	"testing"
	"time"

	"github.com/atelier-run/atelier/pkg/errdefs"
	"github.com/atelier-run/atelier/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestRun(id string) *types.Run {
	return &types.Run{
		ID:        id,
		OrgID:     "org-1",
		Prompt:    "summarize the quarterly report",
		State:     types.RunStateCreated,
		Cost:      decimal.Zero,
		CreatedAt: time.Now(),
	}
}

func TestGuardedUpdateVersionConflict(t *testing.T) {
	store := newTestStore(t)

	run := newTestRun("run-1")
	require.NoError(t, store.CreateRun(run))

	run.State = types.RunStateValidating
	require.NoError(t, store.UpdateRunGuarded(run, 0, 0))
	assert.Equal(t, uint64(1), run.StateVersion)

	// A writer still holding version 0 must bounce
	stale := newTestRun("run-1")
	stale.State = types.RunStateCancelled
	err := store.UpdateRunGuarded(stale, 0, 0)
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindStoreConflict))

	stored, err := store.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunStateValidating, stored.State)
}

func TestFencingTokenSupersedes(t *testing.T) {
	store := newTestStore(t)

	run := newTestRun("run-1")
	require.NoError(t, store.CreateRun(run))

	first, err := store.AcquireLease("run-1", "worker-a", -time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.FencingToken)

	// worker-a's lease lapsed; worker-b takes over with a higher token
	second, err := store.AcquireLease("run-1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.FencingToken)

	// worker-a wakes up and tries to write with its old token
	run.State = types.RunStateExecuting
	err = store.UpdateRunGuarded(run, 0, first.FencingToken)
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindStoreConflict))

	// the current holder's write lands
	require.NoError(t, store.UpdateRunGuarded(run, 0, second.FencingToken))
}

func TestAcquireLeaseWhileHeld(t *testing.T) {
	store := newTestStore(t)

	_, err := store.AcquireLease("run-1", "worker-a", time.Minute)
	require.NoError(t, err)

	_, err = store.AcquireLease("run-1", "worker-b", time.Minute)
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindStoreConflict))

	// the holder can re-acquire its own lease
	lease, err := store.AcquireLease("run-1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), lease.FencingToken)
}

func TestStepResultDedup(t *testing.T) {
	store := newTestStore(t)

	res := &types.StepResult{
		Key:        "run-1:0:2",
		RunID:      "run-1",
		PhaseIndex: 0,
		StepIndex:  2,
		Output:     "first write",
		Cost:       decimal.NewFromFloat(0.04),
		WrittenAt:  time.Now(),
	}
	stored, applied, err := store.PutStepResult(res)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "first write", stored.Output)

	// A replayed step must get the original result back untouched
	replay := &types.StepResult{
		Key:    "run-1:0:2",
		RunID:  "run-1",
		Output: "replayed write",
	}
	stored, applied, err = store.PutStepResult(replay)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, "first write", stored.Output)
}

func TestOneUncompletedJobPerRun(t *testing.T) {
	store := newTestStore(t)

	job := &types.Job{ID: "job-1", RunID: "run-1", State: types.JobStatePending, EnqueuedAt: time.Now()}
	require.NoError(t, store.CreateJob(job))

	dup := &types.Job{ID: "job-2", RunID: "run-1", State: types.JobStatePending, EnqueuedAt: time.Now()}
	err := store.CreateJob(dup)
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))

	// once the first job completes a new one is allowed
	job.State = types.JobStateCompleted
	require.NoError(t, store.UpdateJob(job))
	require.NoError(t, store.CreateJob(dup))
}

func TestLeaseNextJobOrdering(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	jobs := []*types.Job{
		{ID: "job-low", RunID: "run-a", Priority: 0, State: types.JobStatePending, EnqueuedAt: now},
		{ID: "job-high", RunID: "run-b", Priority: 5, State: types.JobStatePending, EnqueuedAt: now.Add(time.Second)},
		{ID: "job-gated", RunID: "run-c", Priority: 9, State: types.JobStatePending, EnqueuedAt: now, NotBefore: now.Add(time.Hour)},
	}
	for _, j := range jobs {
		require.NoError(t, store.CreateJob(j))
	}

	// highest eligible priority wins; the backed-off job is skipped
	job, lease, err := store.LeaseNextJob("worker-a", time.Minute, now.Add(2*time.Second))
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-high", job.ID)
	assert.Equal(t, types.JobStateLeased, job.State)
	assert.Equal(t, uint64(1), lease.FencingToken)
	assert.Equal(t, "run-b", lease.RunID)

	job, _, err = store.LeaseNextJob("worker-b", time.Minute, now.Add(2*time.Second))
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-low", job.ID)

	// nothing eligible left until the gate passes
	job, _, err = store.LeaseNextJob("worker-c", time.Minute, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Nil(t, job)

	job, _, err = store.LeaseNextJob("worker-c", time.Minute, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-gated", job.ID)
}

func TestLedgerChargeAtomicity(t *testing.T) {
	store := newTestStore(t)

	credit := &types.LedgerEntry{
		ID: "e-credit", OrgID: "org-1", Amount: decimal.NewFromInt(10),
		Direction: types.DirectionCredit, Type: types.TxPurchase,
		IdempotencyKey: "purchase-1", CreatedAt: time.Now(),
	}
	applied, err := store.AddCredits(credit)
	require.NoError(t, err)
	assert.True(t, applied)

	debit := &types.LedgerEntry{
		ID: "e-debit", OrgID: "org-1", Amount: decimal.NewFromFloat(1.5),
		Direction: types.DirectionDebit, Type: types.TxTokenUsage,
		IdempotencyKey: "run-1:0:0:llm", RunID: "run-1", CreatedAt: time.Now(),
	}
	record := &types.TokenRecord{RunID: "run-1", InputTokens: 900, OutputTokens: 120, Model: "claude-sonnet", Estimated: true}
	applied, err = store.RecordTokenCall(debit, record)
	require.NoError(t, err)
	assert.True(t, applied)

	bal, err := store.GetBalance("org-1")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(decimal.NewFromFloat(8.5)), "got %s", bal.Available)

	// same idempotency key: whole call is a no-op
	retry := *debit
	retry.ID = "e-debit-retry"
	applied, err = store.RecordTokenCall(&retry, record)
	require.NoError(t, err)
	assert.False(t, applied)

	bal, err = store.GetBalance("org-1")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(decimal.NewFromFloat(8.5)))

	entries, err := store.ListLedgerEntries("org-1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestDocumentHistoryWindow(t *testing.T) {
	store := newTestStore(t)

	doc := &types.Document{ID: "doc-1"}
	content := ""
	for i := 0; i < 4; i++ {
		content += "x"
		doc.Content = content
		doc.Version++
		batch := &types.OperationBatch{
			ID:         string(rune('a' + i)),
			DocumentID: "doc-1",
			Operations: []*types.Operation{{Type: types.OpInsert, Position: i, Text: "x"}},
		}
		require.NoError(t, store.AppendDocumentBatch(doc, batch, 2))
	}

	// versions 1 and 2 fell out of the window
	batches, err := store.DocumentHistory("doc-1", 0)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, "c", batches[0].ID)
	assert.Equal(t, "d", batches[1].ID)

	batches, err = store.DocumentHistory("doc-1", 3)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "d", batches[0].ID)

	// caught-up client gets nothing
	batches, err = store.DocumentHistory("doc-1", 4)
	require.NoError(t, err)
	assert.Empty(t, batches)

	stored, err := store.GetDocument("doc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), stored.Version)
	assert.Equal(t, "xxxx", stored.Content)
}
