package billing

import (
	"context"
	"sync"
	"time"

	"github.com/atelier-run/atelier/pkg/config"
	"github.com/atelier-run/atelier/pkg/errdefs"
	"github.com/atelier-run/atelier/pkg/events"
	"github.com/atelier-run/atelier/pkg/ledger"
	"github.com/atelier-run/atelier/pkg/llm"
	"github.com/atelier-run/atelier/pkg/log"
	"github.com/atelier-run/atelier/pkg/metrics"
	"github.com/atelier-run/atelier/pkg/ratelimit"
	"github.com/atelier-run/atelier/pkg/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Mode is the operating mode of the billing service
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeDegraded Mode = "degraded"
	// ModeReadOnly lets operations proceed without recording charges
	// after the ledger backend fails repeatedly; skipped charges are
	// marked in the log.
	ModeReadOnly Mode = "read_only"
	// ModeDisabled is an operator-imposed total bypass
	ModeDisabled Mode = "disabled"
)

func modeGauge(m Mode) float64 {
	switch m {
	case ModeNormal:
		return 0
	case ModeDegraded:
		return 1
	case ModeReadOnly:
		return 2
	default:
		return 3
	}
}

// PreCallRequest describes a pending LLM call to be budget-checked
type PreCallRequest struct {
	OrgID           string
	RunID           string
	Model           string
	Messages        []llm.Message
	MaxOutputTokens int
	// RunBudget caps this run's total spend when non-nil
	RunBudget *decimal.Decimal
	RunSpent  decimal.Decimal
}

// Estimate is the outcome of a successful pre-call check
type Estimate struct {
	InputTokens    int
	BaseCost       decimal.Decimal
	BudgetedAmount decimal.Decimal // base cost plus the safety buffer
}

// Usage reports the actual token counts of a completed call
type Usage struct {
	StepID       string
	Model        string
	Provider     string
	InputTokens  int
	OutputTokens int
	Estimated    bool
}

// Service meters every LLM call: pre-call budget gate, post-call
// idempotent charge, and automatic degradation to read_only when the
// ledger backend misbehaves.
type Service struct {
	cfg     config.BillingConfig
	ledger  *ledger.Service
	pricing *PriceTable
	est     *Estimator
	broker  *events.Broker
	logger  zerolog.Logger

	reqLimiter *ratelimit.SlidingWindow

	mu                  sync.Mutex
	mode                Mode
	consecutiveFailures int
	lastFailure         time.Time
	tokenWindow         map[string][]tokenEvent
}

type tokenEvent struct {
	at     time.Time
	tokens int
}

// New creates a billing service
func New(cfg config.BillingConfig, led *ledger.Service, pricing *PriceTable, broker *events.Broker) (*Service, error) {
	est, err := NewEstimator(4096)
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:         cfg,
		ledger:      led,
		pricing:     pricing,
		est:         est,
		broker:      broker,
		logger:      log.WithComponent("billing"),
		reqLimiter:  ratelimit.NewSlidingWindow(cfg.RequestsPerMin, time.Minute),
		mode:        ModeNormal,
		tokenWindow: make(map[string][]tokenEvent),
	}
	metrics.BillingMode.Set(modeGauge(ModeNormal))
	return s, nil
}

// Mode returns the current operating mode
func (s *Service) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode forces a mode; used by operators for disabled
func (s *Service) SetMode(m Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setModeLocked(m)
}

func (s *Service) setModeLocked(m Mode) {
	if s.mode == m {
		return
	}
	prev := s.mode
	s.mode = m
	metrics.BillingMode.Set(modeGauge(m))
	s.logger.Warn().
		Str("from", string(prev)).
		Str("to", string(m)).
		Msg("billing mode changed")
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:    events.EventBillingMode,
			Message: string(m),
			Metadata: map[string]string{
				"from": string(prev),
				"to":   string(m),
			},
		})
	}
}

// countTokens records token usage in the org's sliding minute and
// returns the current total
func (s *Service) countTokens(orgID string, tokens int) int {
	now := time.Now()
	cutoff := now.Add(-time.Minute)
	kept := s.tokenWindow[orgID][:0]
	total := 0
	for _, e := range s.tokenWindow[orgID] {
		if e.at.After(cutoff) {
			kept = append(kept, e)
			total += e.tokens
		}
	}
	if tokens > 0 {
		kept = append(kept, tokenEvent{at: now, tokens: tokens})
		total += tokens
	}
	s.tokenWindow[orgID] = kept
	return total
}

// PreCall estimates the cost of a pending call and rejects it when the
// org cannot afford it. Zero-cost calls against a zero balance succeed.
func (s *Service) PreCall(ctx context.Context, req PreCallRequest) (*Estimate, error) {
	if s.Mode() == ModeDisabled {
		return &Estimate{}, nil
	}

	if d := s.reqLimiter.Check(req.OrgID); !d.Allowed {
		return nil, errdefs.Newf(errdefs.KindRateLimited,
			"org %s exceeded %d requests per minute", req.OrgID, d.Limit).
			WithRetryAfter(d.RetryAfter)
	}

	inputTokens := s.est.InputTokens(req.Model, req.Messages)

	s.mu.Lock()
	total := s.countTokens(req.OrgID, inputTokens+req.MaxOutputTokens)
	s.mu.Unlock()
	if s.cfg.TokensPerMin > 0 && total > s.cfg.TokensPerMin {
		return nil, errdefs.Newf(errdefs.KindRateLimited,
			"org %s exceeded %d tokens per minute", req.OrgID, s.cfg.TokensPerMin).
			WithRetryAfter(time.Minute)
	}

	baseCost, err := s.pricing.Cost(req.Model, inputTokens, req.MaxOutputTokens)
	if err != nil {
		return nil, err
	}

	buffer := decimal.NewFromFloat(1 + s.cfg.SafetyBuffer)
	budgeted := baseCost.Mul(buffer)

	if s.cfg.PerCallCap != "" {
		callCap, err := decimal.NewFromString(s.cfg.PerCallCap)
		if err == nil && budgeted.GreaterThan(callCap) {
			return nil, errdefs.Newf(errdefs.KindPerCallLimit,
				"call cost %s exceeds per-call cap %s", budgeted, callCap)
		}
	}

	if req.RunBudget != nil && req.RunSpent.Add(budgeted).GreaterThan(*req.RunBudget) {
		return nil, errdefs.Newf(errdefs.KindRunBudget,
			"run %s budget %s exhausted", req.RunID, req.RunBudget)
	}

	bal, err := s.ledger.Balance(req.OrgID)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindStoreFailure, "balance lookup failed", err)
	}
	if bal.Available.LessThan(budgeted) {
		return nil, errdefs.Newf(errdefs.KindInsufficientCredits,
			"org %s has %s available, call needs %s", req.OrgID, bal.Available, budgeted)
	}

	return &Estimate{
		InputTokens:    inputTokens,
		BaseCost:       baseCost,
		BudgetedAmount: budgeted,
	}, nil
}

// PostCall charges the org for actual usage. The three writes (token
// record, ledger debit, balance decrement) commit atomically in the
// store; the idempotency key run:step:usage makes retries safe.
func (s *Service) PostCall(ctx context.Context, orgID, runID string, usage Usage) (decimal.Decimal, error) {
	mode := s.Mode()
	if mode == ModeDisabled {
		return decimal.Zero, nil
	}

	cost, err := s.pricing.Cost(usage.Model, usage.InputTokens, usage.OutputTokens)
	if err != nil {
		return decimal.Zero, err
	}

	if mode == ModeReadOnly && !s.shouldAttemptRecovery() {
		s.logger.Warn().
			Str("org_id", orgID).
			Str("run_id", runID).
			Str("step_id", usage.StepID).
			Str("cost", cost.String()).
			Msg("read_only mode, charge skipped")
		metrics.ChargesTotal.WithLabelValues("skipped").Inc()
		return cost, nil
	}

	key := runID + ":" + usage.StepID + ":usage"
	record := &types.TokenRecord{
		RunID:        runID,
		StepID:       usage.StepID,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Model:        usage.Model,
		Provider:     usage.Provider,
		Estimated:    usage.Estimated,
		CreatedAt:    time.Now(),
	}

	op := func() error {
		_, err := s.ledger.Charge(orgID, cost, key, record)
		if err != nil && !errdefs.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	retry := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.MaxRetries)), ctx)

	if err := backoff.Retry(op, retry); err != nil {
		s.recordFailure()
		metrics.ChargesTotal.WithLabelValues("failed").Inc()
		return decimal.Zero, errdefs.Wrap(errdefs.KindStoreFailure, "charge failed", err)
	}

	s.recordSuccess()
	metrics.ChargesTotal.WithLabelValues("ok").Inc()
	metrics.TokensCharged.WithLabelValues("input").Add(float64(usage.InputTokens))
	metrics.TokensCharged.WithLabelValues("output").Add(float64(usage.OutputTokens))
	return cost, nil
}

func (s *Service) shouldAttemptRecovery() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastFailure) >= s.cfg.RecoveryInterval
}

func (s *Service) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures++
	s.lastFailure = time.Now()
	if s.consecutiveFailures >= s.cfg.FailureThreshold && s.mode == ModeNormal {
		s.setModeLocked(ModeReadOnly)
	}
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures = 0
	if s.mode == ModeReadOnly {
		s.setModeLocked(ModeNormal)
	}
}

// Balance returns the org's credit balance
func (s *Service) Balance(orgID string) (*types.CreditBalance, error) {
	return s.ledger.Balance(orgID)
}

// Reconcile replaces a run's estimated token records with actuals and
// posts one adjustment for the cost difference, idempotent on
// (run, "reconcile").
func (s *Service) Reconcile(ctx context.Context, orgID, runID string, actuals []Usage) error {
	records, err := s.ledger.TokenRecordsByRun(runID)
	if err != nil {
		return err
	}

	byStep := make(map[string]Usage, len(actuals))
	for _, u := range actuals {
		byStep[u.StepID] = u
	}

	diff := decimal.Zero
	var corrected []*types.TokenRecord
	for _, rec := range records {
		if !rec.Estimated {
			continue
		}
		actual, ok := byStep[rec.StepID]
		if !ok {
			continue
		}
		oldCost, err := s.pricing.Cost(rec.Model, rec.InputTokens, rec.OutputTokens)
		if err != nil {
			return err
		}
		newCost, err := s.pricing.Cost(actual.Model, actual.InputTokens, actual.OutputTokens)
		if err != nil {
			return err
		}
		diff = diff.Add(newCost.Sub(oldCost))

		fixed := *rec
		fixed.InputTokens = actual.InputTokens
		fixed.OutputTokens = actual.OutputTokens
		fixed.Estimated = false
		corrected = append(corrected, &fixed)
	}

	if len(corrected) == 0 {
		return nil
	}

	_, err = s.ledger.Adjust(orgID, runID, diff, corrected)
	return err
}
