package ledger

import (
	"testing"

	"github.com/atelier-run/atelier/pkg/errdefs"
	"github.com/atelier-run/atelier/pkg/storage"
	"github.com/atelier-run/atelier/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Service {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store)
}

func fund(t *testing.T, led *Service, orgID string, amount int64) {
	t.Helper()
	applied, err := led.AddCredits(orgID, decimal.NewFromInt(amount), types.TxPurchase, "seed")
	require.NoError(t, err)
	require.True(t, applied)
}

func TestChargeIsIdempotent(t *testing.T) {
	led := newTestLedger(t)
	fund(t, led, "org-1", 10)

	record := &types.TokenRecord{
		RunID: "run-1", StepID: "step-1",
		InputTokens: 1200, OutputTokens: 300,
		Model: "claude-sonnet", Estimated: true,
	}
	applied, err := led.Charge("org-1", decimal.NewFromFloat(2.25), "run-1:0:1:llm", record)
	require.NoError(t, err)
	assert.True(t, applied)

	// a crashed worker replays the same charge after recovery
	applied, err = led.Charge("org-1", decimal.NewFromFloat(2.25), "run-1:0:1:llm", record)
	require.NoError(t, err)
	assert.False(t, applied)

	bal, err := led.Balance("org-1")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(decimal.NewFromFloat(7.75)), "got %s", bal.Available)

	entries, err := led.EntriesByRun("run-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.TxTokenUsage, entries[0].Type)
	assert.Equal(t, types.DirectionDebit, entries[0].Direction)
}

func TestAdjustFlipsEstimates(t *testing.T) {
	led := newTestLedger(t)
	fund(t, led, "org-1", 10)

	record := &types.TokenRecord{RunID: "run-1", InputTokens: 1000, OutputTokens: 200, Model: "claude-sonnet", Estimated: true}
	applied, err := led.Charge("org-1", decimal.NewFromInt(3), "run-1:0:0:llm", record)
	require.NoError(t, err)
	require.True(t, applied)

	// provider actuals came in lower than the estimate
	records, err := led.TokenRecordsByRun("run-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	records[0].Estimated = false
	records[0].OutputTokens = 150

	applied, err = led.Adjust("org-1", "run-1", decimal.NewFromFloat(-0.5), records)
	require.NoError(t, err)
	assert.True(t, applied)

	bal, err := led.Balance("org-1")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(decimal.NewFromFloat(7.5)), "got %s", bal.Available)

	flipped, err := led.TokenRecordsByRun("run-1")
	require.NoError(t, err)
	require.Len(t, flipped, 1)
	assert.False(t, flipped[0].Estimated)
	assert.Equal(t, 150, flipped[0].OutputTokens)

	// reconciliation runs at most once per run
	applied, err = led.Adjust("org-1", "run-1", decimal.NewFromFloat(-0.5), records)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestReserveAndRelease(t *testing.T) {
	led := newTestLedger(t)
	fund(t, led, "org-1", 10)

	require.NoError(t, led.Reserve("org-1", decimal.NewFromInt(4)))
	bal, err := led.Balance("org-1")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(decimal.NewFromInt(6)))
	assert.True(t, bal.Reserved.Equal(decimal.NewFromInt(4)))

	err = led.Reserve("org-1", decimal.NewFromInt(7))
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInsufficientCredits))

	require.NoError(t, led.Release("org-1", decimal.NewFromInt(4)))
	bal, err = led.Balance("org-1")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(decimal.NewFromInt(10)))
	assert.True(t, bal.Reserved.IsZero())
}

func TestAuditMatchesBalance(t *testing.T) {
	led := newTestLedger(t)
	fund(t, led, "org-1", 20)

	record := &types.TokenRecord{RunID: "run-1", Model: "claude-haiku", Estimated: true}
	_, err := led.Charge("org-1", decimal.NewFromFloat(1.25), "run-1:0:0:llm", record)
	require.NoError(t, err)
	_, err = led.AddCredits("org-1", decimal.NewFromInt(5), types.TxPromo, "promo-1")
	require.NoError(t, err)
	// outstanding reservations count toward the stored total
	require.NoError(t, led.Reserve("org-1", decimal.NewFromInt(3)))

	ok, net, stored, err := led.Audit("org-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, net.Equal(decimal.NewFromFloat(23.75)), "got %s", net)
	assert.True(t, stored.Equal(net))
}
