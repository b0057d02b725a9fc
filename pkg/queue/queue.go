package queue

import (
	"fmt"
	"math"
	"time"

	"github.com/atelier-run/atelier/pkg/log"
	"github.com/atelier-run/atelier/pkg/metrics"
	"github.com/atelier-run/atelier/pkg/storage"
	"github.com/atelier-run/atelier/pkg/types"
	"github.com/google/uuid"
)

const (
	retryBaseDelay = time.Second
	retryMaxDelay  = 5 * time.Minute
)

// Queue is the FIFO pending-jobs queue backed by the store. Leasing a
// job and acquiring the run's fencing token happen in one store
// transaction, so at most one worker drives a run at a time.
type Queue struct {
	store  storage.Store
	stopCh chan struct{}
}

// New creates a queue over the given store
func New(store storage.Store) *Queue {
	return &Queue{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Enqueue adds a pending job for the run. The store rejects a second
// uncompleted job for the same run.
func (q *Queue) Enqueue(runID string, priority int) (*types.Job, error) {
	job := &types.Job{
		ID:         uuid.New().String(),
		RunID:      runID,
		Priority:   priority,
		State:      types.JobStatePending,
		EnqueuedAt: time.Now(),
	}
	if err := q.store.CreateJob(job); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job, nil
}

// Lease hands the next eligible job to a worker, with the run's fencing
// token. Returns (nil, nil, nil) when the queue is empty.
func (q *Queue) Lease(workerID string, ttl time.Duration) (*types.Job, *types.Lease, error) {
	return q.store.LeaseNextJob(workerID, ttl, time.Now())
}

// Heartbeat renews the lease for a running job. Failure means the lease
// was superseded and the worker must abandon the run.
func (q *Queue) Heartbeat(job *types.Job, ttl time.Duration) (*types.Lease, error) {
	lease, err := q.store.RenewLease(job.RunID, job.WorkerID, job.FencingToken, ttl)
	if err != nil {
		return nil, err
	}
	job.LeaseExpires = lease.ExpiresAt
	return lease, nil
}

// Complete marks the job done and releases the lease
func (q *Queue) Complete(job *types.Job) error {
	job.State = types.JobStateCompleted
	if err := q.store.UpdateJob(job); err != nil {
		return err
	}
	return q.store.ReleaseLease(job.RunID, job.FencingToken)
}

// Retry re-enqueues a job after a retryable failure with exponential
// backoff, releasing the current lease
func (q *Queue) Retry(job *types.Job) error {
	job.Retries++
	backoff := time.Duration(float64(retryBaseDelay) * math.Pow(2, float64(job.Retries-1)))
	if backoff > retryMaxDelay {
		backoff = retryMaxDelay
	}
	token := job.FencingToken
	job.State = types.JobStatePending
	job.WorkerID = ""
	job.FencingToken = 0
	job.NotBefore = time.Now().Add(backoff)
	if err := q.store.UpdateJob(job); err != nil {
		return err
	}
	return q.store.ReleaseLease(job.RunID, token)
}

// Fail marks the job permanently failed and releases the lease
func (q *Queue) Fail(job *types.Job) error {
	job.State = types.JobStateFailed
	if err := q.store.UpdateJob(job); err != nil {
		return err
	}
	return q.store.ReleaseLease(job.RunID, job.FencingToken)
}

// StartSweeper begins the loop returning lapsed leases to pending
func (q *Queue) StartSweeper(interval time.Duration) {
	go q.sweep(interval)
}

// Stop stops the sweeper
func (q *Queue) Stop() {
	close(q.stopCh)
}

func (q *Queue) sweep(interval time.Duration) {
	logger := log.WithComponent("queue")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := q.sweepOnce(); err != nil {
				logger.Error().Err(err).Msg("sweep failed")
			}
		case <-q.stopCh:
			return
		}
	}
}

// sweepOnce requeues jobs whose worker stopped heartbeating. The
// stale worker's token stays recorded, so its late writes still bounce
// off the fencing check.
func (q *Queue) sweepOnce() error {
	logger := log.WithComponent("queue")

	leased, err := q.store.ListJobsByState(types.JobStateLeased)
	if err != nil {
		return fmt.Errorf("failed to list leased jobs: %w", err)
	}

	now := time.Now()
	for _, job := range leased {
		if now.Before(job.LeaseExpires) {
			continue
		}
		logger.Warn().
			Str("job_id", job.ID).
			Str("run_id", job.RunID).
			Str("worker_id", job.WorkerID).
			Msg("lease expired, requeueing job")

		job.State = types.JobStatePending
		job.WorkerID = ""
		job.FencingToken = 0
		job.NotBefore = now
		if err := q.store.UpdateJob(job); err != nil {
			logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to requeue job")
		}
	}

	pending, err := q.store.ListJobsByState(types.JobStatePending)
	if err == nil {
		metrics.JobsPending.Set(float64(len(pending)))
	}
	return nil
}
