package orchestrator

import (
	"fmt"
	"time"

	"github.com/atelier-run/atelier/pkg/errdefs"
	"github.com/atelier-run/atelier/pkg/events"
	"github.com/atelier-run/atelier/pkg/log"
	"github.com/atelier-run/atelier/pkg/metrics"
	"github.com/atelier-run/atelier/pkg/queue"
	"github.com/atelier-run/atelier/pkg/storage"
	"github.com/atelier-run/atelier/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Orchestrator is the API-edge surface of the run lifecycle: creating,
// inspecting, cancelling and retrying runs. Workers drive the state
// machine itself.
type Orchestrator struct {
	store  storage.Store
	queue  *queue.Queue
	broker *events.Broker
	logger zerolog.Logger
}

// New creates an orchestrator
func New(store storage.Store, q *queue.Queue, broker *events.Broker) *Orchestrator {
	return &Orchestrator{
		store:  store,
		queue:  q,
		broker: broker,
		logger: log.WithComponent("orchestrator"),
	}
}

// Create inserts a run in CREATED and enqueues its job
func (o *Orchestrator) Create(orgID, prompt string, deadline time.Time) (*types.Run, error) {
	if prompt == "" {
		return nil, errdefs.New(errdefs.KindValidation, "prompt must not be empty")
	}

	now := time.Now()
	run := &types.Run{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		Prompt:    prompt,
		State:     types.RunStateCreated,
		Cost:      decimal.Zero,
		Deadline:  deadline,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateRun(run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	if _, err := o.queue.Enqueue(run.ID, 0); err != nil {
		return nil, fmt.Errorf("failed to enqueue run: %w", err)
	}

	metrics.RunsTotal.WithLabelValues(string(types.RunStateCreated)).Inc()
	if o.broker != nil {
		o.broker.Publish(&events.Event{Type: events.EventRunCreated, Message: run.ID})
	}
	o.logger.Info().
		Str("run_id", run.ID).
		Str("org_id", orgID).
		Msg("run created")
	return run, nil
}

// Get returns a run by id
func (o *Orchestrator) Get(runID string) (*types.Run, error) {
	return o.store.GetRun(runID)
}

// List returns all runs
func (o *Orchestrator) List() ([]*types.Run, error) {
	return o.store.ListRuns()
}

// Cancel writes CANCELLED at the earliest legal state. Workers observe
// the terminal state at their next checkpoint or lease renewal and
// abandon the run. The write bypasses the lease check: cancellation is
// an edge operation, not a worker write.
func (o *Orchestrator) Cancel(runID string) (*types.Run, error) {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run.State.Terminal() {
		return nil, errdefs.Newf(errdefs.KindInvalidTransition,
			"run %s already terminal in %s", runID, run.State)
	}
	if err := ValidateTransition(run.State, types.RunStateCancelled); err != nil {
		return nil, err
	}

	prev := run.State
	run.State = types.RunStateCancelled
	run.UpdatedAt = time.Now()
	run.FinishedAt = run.UpdatedAt
	if err := o.store.UpdateRunGuarded(run, run.StateVersion, 0); err != nil {
		return nil, err
	}

	metrics.RunTransitionsTotal.WithLabelValues(string(types.RunStateCancelled)).Inc()
	if o.broker != nil {
		o.broker.Publish(&events.Event{Type: events.EventRunCancelled, Message: runID})
	}
	o.logger.Info().
		Str("run_id", runID).
		Str("from", string(prev)).
		Msg("run cancelled")
	return run, nil
}

// Resume enqueues a job for a non-terminal run that has none, letting
// a worker pick it up from the last checkpoint. A run that already has
// an uncompleted job is returned unchanged.
func (o *Orchestrator) Resume(runID string) (*types.Run, error) {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run.State.Terminal() {
		return nil, errdefs.Newf(errdefs.KindInvalidTransition,
			"run %s already terminal in %s", runID, run.State)
	}

	if _, err := o.queue.Enqueue(runID, 0); err != nil {
		if errdefs.IsKind(err, errdefs.KindValidation) {
			// A job is already pending or leased
			return run, nil
		}
		return nil, fmt.Errorf("failed to enqueue run: %w", err)
	}

	o.logger.Info().
		Str("run_id", runID).
		Msg("run resumed")
	return run, nil
}

// Retry resets a failed run to CREATED and enqueues a fresh job.
// Checkpoints and step results survive, so already-committed side
// effects are not repeated.
func (o *Orchestrator) Retry(runID string) (*types.Run, error) {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run.State != types.RunStateFailed {
		return nil, errdefs.Newf(errdefs.KindInvalidTransition,
			"only failed runs can be retried, run %s is %s", runID, run.State)
	}

	run.State = types.RunStateCreated
	run.LastError = nil
	run.FinishedAt = time.Time{}
	run.UpdatedAt = time.Now()
	if err := o.store.UpdateRunGuarded(run, run.StateVersion, 0); err != nil {
		return nil, err
	}
	if _, err := o.queue.Enqueue(run.ID, 0); err != nil {
		return nil, fmt.Errorf("failed to enqueue retried run: %w", err)
	}

	o.logger.Info().
		Str("run_id", runID).
		Msg("run retried")
	return run, nil
}
