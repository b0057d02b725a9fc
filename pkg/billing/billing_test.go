package billing

import (
	"context"
	"testing"
	"time"

	"github.com/atelier-run/atelier/pkg/config"
	"github.com/atelier-run/atelier/pkg/errdefs"
	"github.com/atelier-run/atelier/pkg/ledger"
	"github.com/atelier-run/atelier/pkg/llm"
	"github.com/atelier-run/atelier/pkg/storage"
	"github.com/atelier-run/atelier/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPrices() *PriceTable {
	return NewPriceTable(map[string]ModelPrice{
		"claude-sonnet": {
			Provider:         "anthropic",
			InputPerMillion:  decimal.RequireFromString("3.00"),
			OutputPerMillion: decimal.RequireFromString("15.00"),
		},
		"free-model": {
			Provider:         "local",
			InputPerMillion:  decimal.Zero,
			OutputPerMillion: decimal.Zero,
		},
	})
}

func newTestService(t *testing.T, cfg config.BillingConfig) (*Service, *ledger.Service) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	led := ledger.New(store)
	svc, err := New(cfg, led, testPrices(), nil)
	require.NoError(t, err)
	return svc, led
}

func fund(t *testing.T, led *ledger.Service, orgID, amount string) {
	t.Helper()
	applied, err := led.AddCredits(orgID, decimal.RequireFromString(amount), types.TxPurchase, orgID+":seed")
	require.NoError(t, err)
	require.True(t, applied)
}

func TestPreCall(t *testing.T) {
	ctx := context.Background()
	msgs := []llm.Message{{Role: "user", Content: "summarize the quarterly report"}}

	t.Run("zero cost call succeeds on zero balance", func(t *testing.T) {
		svc, _ := newTestService(t, config.DefaultConfig().Billing)

		est, err := svc.PreCall(ctx, PreCallRequest{
			OrgID:           "org-a",
			RunID:           "run-1",
			Model:           "free-model",
			Messages:        msgs,
			MaxOutputTokens: 1024,
		})
		require.NoError(t, err)
		assert.True(t, est.BudgetedAmount.IsZero())
		assert.Greater(t, est.InputTokens, 0)
	})

	t.Run("insufficient credits rejected", func(t *testing.T) {
		svc, _ := newTestService(t, config.DefaultConfig().Billing)

		_, err := svc.PreCall(ctx, PreCallRequest{
			OrgID:           "org-a",
			RunID:           "run-1",
			Model:           "claude-sonnet",
			Messages:        msgs,
			MaxOutputTokens: 1024,
		})
		require.Error(t, err)
		assert.True(t, errdefs.IsKind(err, errdefs.KindInsufficientCredits))
	})

	t.Run("funded org passes with buffered estimate", func(t *testing.T) {
		svc, led := newTestService(t, config.DefaultConfig().Billing)
		fund(t, led, "org-a", "10.00")

		est, err := svc.PreCall(ctx, PreCallRequest{
			OrgID:           "org-a",
			RunID:           "run-1",
			Model:           "claude-sonnet",
			Messages:        msgs,
			MaxOutputTokens: 1024,
		})
		require.NoError(t, err)
		assert.True(t, est.BudgetedAmount.GreaterThan(est.BaseCost))
	})

	t.Run("per call cap", func(t *testing.T) {
		cfg := config.DefaultConfig().Billing
		cfg.PerCallCap = "0.0000001"
		svc, led := newTestService(t, cfg)
		fund(t, led, "org-a", "10.00")

		_, err := svc.PreCall(ctx, PreCallRequest{
			OrgID:           "org-a",
			RunID:           "run-1",
			Model:           "claude-sonnet",
			Messages:        msgs,
			MaxOutputTokens: 1024,
		})
		require.Error(t, err)
		assert.True(t, errdefs.IsKind(err, errdefs.KindPerCallLimit))
	})

	t.Run("run budget exhausted", func(t *testing.T) {
		svc, led := newTestService(t, config.DefaultConfig().Billing)
		fund(t, led, "org-a", "10.00")

		budget := decimal.RequireFromString("0.01")
		_, err := svc.PreCall(ctx, PreCallRequest{
			OrgID:           "org-a",
			RunID:           "run-1",
			Model:           "claude-sonnet",
			Messages:        msgs,
			MaxOutputTokens: 1024,
			RunBudget:       &budget,
			RunSpent:        decimal.RequireFromString("0.0099"),
		})
		require.Error(t, err)
		assert.True(t, errdefs.IsKind(err, errdefs.KindRunBudget))
	})

	t.Run("request rate limit", func(t *testing.T) {
		cfg := config.DefaultConfig().Billing
		cfg.RequestsPerMin = 1
		svc, led := newTestService(t, cfg)
		fund(t, led, "org-a", "10.00")

		req := PreCallRequest{
			OrgID:           "org-a",
			RunID:           "run-1",
			Model:           "claude-sonnet",
			Messages:        msgs,
			MaxOutputTokens: 64,
		}
		_, err := svc.PreCall(ctx, req)
		require.NoError(t, err)

		_, err = svc.PreCall(ctx, req)
		require.Error(t, err)
		assert.True(t, errdefs.IsKind(err, errdefs.KindRateLimited))
		assert.Greater(t, errdefs.RetryAfter(err), time.Duration(0))
	})

	t.Run("token rate limit", func(t *testing.T) {
		cfg := config.DefaultConfig().Billing
		cfg.TokensPerMin = 100
		svc, led := newTestService(t, cfg)
		fund(t, led, "org-a", "10.00")

		_, err := svc.PreCall(ctx, PreCallRequest{
			OrgID:           "org-a",
			RunID:           "run-1",
			Model:           "claude-sonnet",
			Messages:        msgs,
			MaxOutputTokens: 5000,
		})
		require.Error(t, err)
		assert.True(t, errdefs.IsKind(err, errdefs.KindRateLimited))
	})
}

func TestPostCall(t *testing.T) {
	ctx := context.Background()

	t.Run("charge decrements balance once", func(t *testing.T) {
		svc, led := newTestService(t, config.DefaultConfig().Billing)
		fund(t, led, "org-a", "10.00")

		usage := Usage{
			StepID:       "phase-1:step-1",
			Model:        "claude-sonnet",
			Provider:     "anthropic",
			InputTokens:  1000,
			OutputTokens: 500,
		}

		cost, err := svc.PostCall(ctx, "org-a", "run-1", usage)
		require.NoError(t, err)
		assert.True(t, cost.Equal(decimal.RequireFromString("0.0105")))

		// retry with the same step is a no-op
		_, err = svc.PostCall(ctx, "org-a", "run-1", usage)
		require.NoError(t, err)

		bal, err := led.Balance("org-a")
		require.NoError(t, err)
		assert.True(t, bal.Available.Equal(decimal.RequireFromString("9.9895")),
			"got %s", bal.Available)

		entries, err := led.EntriesByRun("run-1")
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("read_only skips the charge", func(t *testing.T) {
		svc, led := newTestService(t, config.DefaultConfig().Billing)
		fund(t, led, "org-a", "10.00")

		svc.mu.Lock()
		svc.mode = ModeReadOnly
		svc.lastFailure = time.Now()
		svc.mu.Unlock()

		cost, err := svc.PostCall(ctx, "org-a", "run-1", Usage{
			StepID:       "phase-1:step-1",
			Model:        "claude-sonnet",
			InputTokens:  1000,
			OutputTokens: 500,
		})
		require.NoError(t, err)
		assert.False(t, cost.IsZero())

		bal, err := led.Balance("org-a")
		require.NoError(t, err)
		assert.True(t, bal.Available.Equal(decimal.RequireFromString("10.00")))
	})
}

func TestModeDegradation(t *testing.T) {
	cfg := config.DefaultConfig().Billing
	cfg.FailureThreshold = 3
	svc, _ := newTestService(t, cfg)

	require.Equal(t, ModeNormal, svc.Mode())

	svc.recordFailure()
	svc.recordFailure()
	require.Equal(t, ModeNormal, svc.Mode())

	svc.recordFailure()
	require.Equal(t, ModeReadOnly, svc.Mode())

	svc.recordSuccess()
	require.Equal(t, ModeNormal, svc.Mode())
	svc.mu.Lock()
	assert.Equal(t, 0, svc.consecutiveFailures)
	svc.mu.Unlock()
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	svc, led := newTestService(t, config.DefaultConfig().Billing)
	fund(t, led, "org-a", "10.00")

	_, err := svc.PostCall(ctx, "org-a", "run-1", Usage{
		StepID:       "phase-1:step-1",
		Model:        "claude-sonnet",
		Provider:     "anthropic",
		InputTokens:  1000,
		OutputTokens: 500,
		Estimated:    true,
	})
	require.NoError(t, err)

	actuals := []Usage{{
		StepID:       "phase-1:step-1",
		Model:        "claude-sonnet",
		InputTokens:  2000,
		OutputTokens: 500,
	}}
	require.NoError(t, svc.Reconcile(ctx, "org-a", "run-1", actuals))

	// estimate was 0.0105, actual is 0.0135; balance carries the diff
	bal, err := led.Balance("org-a")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(decimal.RequireFromString("9.9865")),
		"got %s", bal.Available)

	records, err := led.TokenRecordsByRun("run-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].Estimated)
	assert.Equal(t, 2000, records[0].InputTokens)

	// reconciling again posts nothing
	require.NoError(t, svc.Reconcile(ctx, "org-a", "run-1", actuals))
	bal, err = led.Balance("org-a")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(decimal.RequireFromString("9.9865")))
}
