package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atelier-run/atelier/pkg/billing"
	"github.com/atelier-run/atelier/pkg/config"
	"github.com/atelier-run/atelier/pkg/errdefs"
	"github.com/atelier-run/atelier/pkg/events"
	"github.com/atelier-run/atelier/pkg/llm"
	"github.com/atelier-run/atelier/pkg/log"
	"github.com/atelier-run/atelier/pkg/metrics"
	"github.com/atelier-run/atelier/pkg/planner"
	"github.com/atelier-run/atelier/pkg/queue"
	"github.com/atelier-run/atelier/pkg/storage"
	"github.com/atelier-run/atelier/pkg/types"
	"github.com/rs/zerolog"
)

// PlanSource produces an accepted plan for a goal
type PlanSource interface {
	Plan(ctx context.Context, goal string) (*types.Plan, *planner.Session, error)
}

// Completer is the slice of the LLM gateway the worker needs
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Worker leases jobs and drives their runs through the state machine.
// All run writes carry the lease's fencing token; a superseded worker's
// writes bounce off the store and the worker exits.
type Worker struct {
	id      string
	store   storage.Store
	queue   *queue.Queue
	planner PlanSource
	billing *billing.Service
	llm     Completer
	tools   map[string]ToolFunc
	broker  *events.Broker
	cfg     config.WorkerConfig
	model   string

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewWorker creates a worker
func NewWorker(id string, store storage.Store, q *queue.Queue, plan PlanSource, bill *billing.Service, completer Completer, tools map[string]ToolFunc, broker *events.Broker, cfg config.WorkerConfig, model string) *Worker {
	return &Worker{
		id:      id,
		store:   store,
		queue:   q,
		planner: plan,
		billing: bill,
		llm:     completer,
		tools:   tools,
		broker:  broker,
		cfg:     cfg,
		model:   model,
		stopCh:  make(chan struct{}),
		logger:  log.WithComponent("worker").With().Str("worker_id", id).Logger(),
	}
}

// Start begins the polling loop
func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.PollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.pollOnce()
			case <-w.stopCh:
				return
			}
		}
	}()
}

// Stop stops polling and waits for the in-flight run to settle
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Worker) pollOnce() {
	job, lease, err := w.queue.Lease(w.id, w.cfg.LeaseTTL)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to lease job")
		return
	}
	if job == nil {
		return
	}
	w.execute(job, lease)
}

// execute drives one leased job to a settled outcome
func (w *Worker) execute(job *types.Job, lease *types.Lease) {
	logger := w.logger.With().Str("run_id", job.RunID).Logger()

	run, err := w.store.GetRun(job.RunID)
	if err != nil {
		logger.Error().Err(err).Msg("leased job references missing run")
		_ = w.queue.Fail(job)
		return
	}
	if run.State.Terminal() {
		_ = w.queue.Complete(job)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.RunTimeout)
	if !run.Deadline.IsZero() && run.Deadline.Before(time.Now().Add(w.cfg.RunTimeout)) {
		cancel()
		ctx, cancel = context.WithDeadline(context.Background(), run.Deadline)
	}
	defer cancel()

	hbStop := make(chan struct{})
	go w.heartbeat(job, cancel, hbStop)
	defer close(hbStop)

	err = w.drive(ctx, run, lease)
	switch {
	case err == nil:
		_ = w.queue.Complete(job)

	case errdefs.IsKind(err, errdefs.KindStoreConflict):
		// Another worker holds a newer token; leave the job to them
		logger.Warn().Msg("lease superseded, abandoning run")

	case errdefs.IsKind(err, errdefs.KindCancelled):
		_ = w.queue.Complete(job)

	case errdefs.IsRetryable(err) && job.Retries < w.cfg.MaxRetries:
		logger.Warn().Err(err).Int("retries", job.Retries).Msg("retryable failure, re-enqueueing")
		if rerr := w.queue.Retry(job); rerr != nil {
			logger.Error().Err(rerr).Msg("failed to re-enqueue job")
		}

	default:
		w.failRun(run.ID, lease, err)
		_ = w.queue.Fail(job)
	}
}

// heartbeat renews the lease at a third of its TTL. A failed renewal
// means the lease is gone; the run context is cancelled so the worker
// abandons at the next suspension point.
func (w *Worker) heartbeat(job *types.Job, cancel context.CancelFunc, stop <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := w.queue.Heartbeat(job, w.cfg.LeaseTTL); err != nil {
				w.logger.Warn().Err(err).Str("run_id", job.RunID).Msg("lease renewal failed")
				cancel()
				return
			}
			// Cancellation is also observed here
			run, err := w.store.GetRun(job.RunID)
			if err == nil && run.State == types.RunStateCancelled {
				cancel()
				return
			}
		case <-stop:
			return
		}
	}
}

// drive advances the run until terminal, one state at a time. The run
// is reloaded at each iteration so cancellations written by the edge
// are observed.
func (w *Worker) drive(ctx context.Context, run *types.Run, lease *types.Lease) error {
	// actual usages reported by the provider this drive, reconciled
	// against estimated charges at finalization
	var actuals []billing.Usage
	for {
		if err := ctx.Err(); err != nil {
			return w.contextError(ctx)
		}

		fresh, err := w.store.GetRun(run.ID)
		if err != nil {
			return err
		}
		run = fresh

		switch run.State {
		case types.RunStateCreated:
			if err := w.transition(run, types.RunStateValidating, lease); err != nil {
				return err
			}

		case types.RunStateValidating:
			if err := w.validate(run); err != nil {
				return err
			}
			if err := w.transition(run, types.RunStateDecomposing, lease); err != nil {
				return err
			}

		case types.RunStateDecomposing:
			plan, session, err := w.planner.Plan(ctx, run.Prompt)
			if err != nil {
				if w.broker != nil && errdefs.IsKind(err, errdefs.KindPlanRejected) {
					w.broker.Publish(&events.Event{Type: events.EventPlanRejected, Message: run.ID})
				}
				return err
			}
			if w.broker != nil {
				w.broker.Publish(&events.Event{
					Type:     events.EventPlanAccepted,
					Message:  run.ID,
					Metadata: map[string]string{"summary": session.Summary()},
				})
			}
			run.Plan = plan
			if err := w.transition(run, types.RunStateScheduling, lease); err != nil {
				return err
			}

		case types.RunStateScheduling:
			ordered, err := orderPhases(run.Plan)
			if err != nil {
				return err
			}
			run.Plan.Phases = ordered
			run.PhaseIndex = 0
			if cp, _ := w.store.GetCheckpoint(run.ID); cp != nil {
				run.PhaseIndex = cp.PhaseIndex
			}
			if err := w.transition(run, types.RunStateExecuting, lease); err != nil {
				return err
			}

		case types.RunStateExecuting:
			if err := w.executePhases(ctx, run, lease, &actuals); err != nil {
				return err
			}
			if err := w.transition(run, types.RunStateAggregating, lease); err != nil {
				return err
			}

		case types.RunStateAggregating:
			result, err := w.aggregate(run)
			if err != nil {
				return err
			}
			run.Result = result
			if err := w.transition(run, types.RunStateFinalizing, lease); err != nil {
				return err
			}

		case types.RunStateFinalizing:
			if err := w.billing.Reconcile(ctx, run.OrgID, run.ID, actuals); err != nil {
				w.logger.Warn().Err(err).Str("run_id", run.ID).Msg("reconciliation failed")
			}
			run.FinishedAt = time.Now()
			if err := w.transition(run, types.RunStateCompleted, lease); err != nil {
				return err
			}
			metrics.RunDuration.Observe(run.FinishedAt.Sub(run.CreatedAt).Seconds())
			if w.broker != nil {
				w.broker.Publish(&events.Event{Type: events.EventRunCompleted, Message: run.ID})
			}
			w.logger.Info().Str("run_id", run.ID).Str("cost", run.Cost.String()).Msg("run completed")
			return nil

		case types.RunStateCancelled:
			return errdefs.Newf(errdefs.KindCancelled, "run %s cancelled", run.ID)

		case types.RunStateCompleted, types.RunStateFailed:
			return nil

		default:
			return errdefs.Newf(errdefs.KindUnknown, "run %s in unknown state %s", run.ID, run.State)
		}
	}
}

func (w *Worker) contextError(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errdefs.New(errdefs.KindDeadlineExceeded, "run deadline exceeded")
	}
	return errdefs.New(errdefs.KindCancelled, "run cancelled")
}

func (w *Worker) validate(run *types.Run) error {
	if strings.TrimSpace(run.Prompt) == "" {
		return errdefs.New(errdefs.KindValidation, "prompt must not be empty")
	}
	bal, err := w.billing.Balance(run.OrgID)
	if err != nil {
		return err
	}
	if bal.Available.IsNegative() {
		return errdefs.Newf(errdefs.KindInsufficientCredits,
			"org %s balance is negative", run.OrgID)
	}
	return nil
}

// transition performs one guarded state change carrying the lease token
func (w *Worker) transition(run *types.Run, to types.RunState, lease *types.Lease) error {
	if err := ValidateTransition(run.State, to); err != nil {
		return err
	}
	run.State = to
	if to.Terminal() && run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}
	if err := w.store.UpdateRunGuarded(run, run.StateVersion, lease.FencingToken); err != nil {
		return err
	}
	metrics.RunTransitionsTotal.WithLabelValues(string(to)).Inc()
	w.logger.Debug().Str("run_id", run.ID).Str("state", string(to)).Msg("transition")
	return nil
}

// executePhases runs every remaining phase with per-phase checkpoints.
// Steps are idempotency-keyed, so replaying a phase after a crash only
// re-executes what never committed.
func (w *Worker) executePhases(ctx context.Context, run *types.Run, lease *types.Lease, actuals *[]billing.Usage) error {
	acc := make(map[string]string)
	var keys []string
	start := 0
	if cp, err := w.store.GetCheckpoint(run.ID); err == nil && cp != nil {
		if cp.Accumulator != nil {
			acc = cp.Accumulator
		}
		keys = cp.IdempotencyKeys
		start = cp.PhaseIndex
		if cp.PhaseComplete {
			start = cp.PhaseIndex + 1
		}
	}

	for i := start; i < len(run.Plan.Phases); i++ {
		if err := ctx.Err(); err != nil {
			return w.contextError(ctx)
		}
		// Observe cancellation before committing to the phase
		cur, err := w.store.GetRun(run.ID)
		if err != nil {
			return err
		}
		if cur.State == types.RunStateCancelled {
			return errdefs.Newf(errdefs.KindCancelled, "run %s cancelled", run.ID)
		}

		phase := run.Plan.Phases[i]
		if err := w.putCheckpoint(run.ID, i, false, acc, keys); err != nil {
			return err
		}

		// Step 0 is the phase's LLM call
		output, err := w.llmStep(ctx, run, phase, i, actuals)
		if err != nil {
			return w.stepError(err, i, 0)
		}
		acc["phase:"+phase.ID] = output
		keys = appendKey(keys, stepKey(run.ID, phase.ID, 0))

		// Remaining steps are the phase's tool invocations
		for j, tool := range phase.Tools {
			stepIdx := j + 1
			out, err := w.toolStep(ctx, run, phase, i, stepIdx, tool, acc["phase:"+phase.ID])
			if err != nil {
				return w.stepError(err, i, stepIdx)
			}
			if out != "" {
				acc["phase:"+phase.ID] = out
			}
			keys = appendKey(keys, stepKey(run.ID, phase.ID, stepIdx))
		}

		if err := w.putCheckpoint(run.ID, i, true, acc, keys); err != nil {
			return err
		}
		run.PhaseIndex = i
		if err := w.store.UpdateRunGuarded(run, run.StateVersion, lease.FencingToken); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) stepError(err error, phase, step int) error {
	return fmt.Errorf("phase %d step %d: %w", phase, step, err)
}

func (w *Worker) putCheckpoint(runID string, phaseIdx int, complete bool, acc map[string]string, keys []string) error {
	return w.store.PutCheckpoint(&types.Checkpoint{
		RunID:           runID,
		PhaseIndex:      phaseIdx,
		PhaseComplete:   complete,
		Accumulator:     acc,
		IdempotencyKeys: keys,
		WrittenAt:       time.Now(),
	})
}

// llmStep performs the phase's metered LLM call, deduplicated by the
// step's idempotency key
func (w *Worker) llmStep(ctx context.Context, run *types.Run, phase *types.Phase, phaseIdx int, actuals *[]billing.Usage) (string, error) {
	key := stepKey(run.ID, phase.ID, 0)
	if existing, err := w.store.GetStepResult(key); err == nil && existing != nil {
		return existing.Output, nil
	}

	messages := []llm.Message{{
		Role: "user",
		Content: "Goal: " + run.Prompt +
			"\nPhase: " + phase.Name +
			"\n" + phase.Description,
	}}
	stepID := fmt.Sprintf("%s:%d", phase.ID, 0)

	est, err := w.billing.PreCall(ctx, billing.PreCallRequest{
		OrgID:           run.OrgID,
		RunID:           run.ID,
		Model:           w.model,
		Messages:        messages,
		MaxOutputTokens: 2048,
	})
	if err != nil {
		return "", err
	}

	resp, err := w.llm.Complete(ctx, llm.Request{
		Model:     w.model,
		Messages:  messages,
		MaxTokens: 2048,
	})
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindTransientProvider) {
			// the provider may have consumed the input before failing;
			// charge the estimate now, reconciliation settles it against
			// actuals once the step is replayed
			if _, cerr := w.billing.PostCall(ctx, run.OrgID, run.ID, billing.Usage{
				StepID:      stepID,
				Model:       w.model,
				InputTokens: est.InputTokens,
				Estimated:   true,
			}); cerr != nil {
				w.logger.Warn().Err(cerr).Str("run_id", run.ID).Msg("estimated charge failed")
			}
		}
		return "", err
	}

	usage := billing.Usage{
		StepID:       stepID,
		Model:        w.model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}
	cost, err := w.billing.PostCall(ctx, run.OrgID, run.ID, usage)
	if err != nil {
		return "", err
	}
	run.Cost = run.Cost.Add(cost)
	*actuals = append(*actuals, usage)

	_, _, err = w.store.PutStepResult(&types.StepResult{
		Key:        key,
		RunID:      run.ID,
		PhaseIndex: phaseIdx,
		StepIndex:  0,
		Output:     resp.Content,
		Cost:       cost,
		WrittenAt:  time.Now(),
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// toolStep executes one tool invocation, deduplicated by its step key
func (w *Worker) toolStep(ctx context.Context, run *types.Run, phase *types.Phase, phaseIdx, stepIdx int, tool, input string) (string, error) {
	key := stepKey(run.ID, phase.ID, stepIdx)
	if existing, err := w.store.GetStepResult(key); err == nil && existing != nil {
		return existing.Output, nil
	}

	fn, ok := w.tools[tool]
	if !ok {
		return "", errdefs.Newf(errdefs.KindToolError, "unknown tool %s", tool)
	}
	out, err := fn(ctx, run.ID, types.TierStandard, input)
	if err != nil {
		return "", err
	}

	_, _, err = w.store.PutStepResult(&types.StepResult{
		Key:        key,
		RunID:      run.ID,
		PhaseIndex: phaseIdx,
		StepIndex:  stepIdx,
		Output:     out,
		WrittenAt:  time.Now(),
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// aggregate assembles the terminal result from the final checkpoint's
// accumulator, in phase order
func (w *Worker) aggregate(run *types.Run) (string, error) {
	cp, err := w.store.GetCheckpoint(run.ID)
	if err != nil || cp == nil {
		return "", errdefs.Newf(errdefs.KindStoreFailure, "run %s has no checkpoint to aggregate", run.ID)
	}
	var parts []string
	for _, phase := range run.Plan.Phases {
		if out, ok := cp.Accumulator["phase:"+phase.ID]; ok && out != "" {
			parts = append(parts, out)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// failRun writes the terminal FAILED state with the structured error
func (w *Worker) failRun(runID string, lease *types.Lease, cause error) {
	run, err := w.store.GetRun(runID)
	if err != nil {
		w.logger.Error().Err(err).Str("run_id", runID).Msg("cannot load run to fail it")
		return
	}
	if run.State.Terminal() {
		return
	}
	run.LastError = &types.RunError{
		Kind:       string(errdefs.KindOf(cause)),
		Message:    cause.Error(),
		Phase:      run.PhaseIndex,
		OccurredAt: time.Now(),
	}
	if err := w.transition(run, types.RunStateFailed, lease); err != nil {
		w.logger.Error().Err(err).Str("run_id", runID).Msg("failed to record run failure")
		return
	}
	if w.broker != nil {
		w.broker.Publish(&events.Event{
			Type:     events.EventRunFailed,
			Message:  runID,
			Metadata: map[string]string{"kind": run.LastError.Kind},
		})
	}
	w.logger.Warn().
		Str("run_id", runID).
		Str("kind", run.LastError.Kind).
		Msg("run failed")
}

func stepKey(runID, phaseID string, step int) string {
	return fmt.Sprintf("%s:%s:%d", runID, phaseID, step)
}

func appendKey(keys []string, key string) []string {
	for _, k := range keys {
		if k == key {
			return keys
		}
	}
	return append(keys, key)
}

// orderPhases returns the plan's phases in dependency order, stable for
// independent phases. A dependency cycle is a plan validation error.
func orderPhases(plan *types.Plan) ([]*types.Phase, error) {
	byID := make(map[string]*types.Phase, len(plan.Phases))
	position := make(map[string]int, len(plan.Phases))
	for i, p := range plan.Phases {
		byID[p.ID] = p
		position[p.ID] = i
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(plan.Phases))
	var ordered []*types.Phase

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return errdefs.Newf(errdefs.KindValidation, "dependency cycle through phase %s", id)
		}
		state[id] = visiting
		p := byID[id]
		deps := append([]string(nil), p.DependsOn...)
		sort.Slice(deps, func(a, b int) bool { return position[deps[a]] < position[deps[b]] })
		for _, dep := range deps {
			if _, ok := byID[dep]; !ok {
				continue // scorer already penalized the dangling reference
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		ordered = append(ordered, p)
		return nil
	}

	for _, p := range plan.Phases {
		if err := visit(p.ID); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
