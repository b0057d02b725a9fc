package ledger

import (
	"fmt"
	"time"

	"github.com/atelier-run/atelier/pkg/storage"
	"github.com/atelier-run/atelier/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service is the append-only token-billing ledger. All balance
// mutations go through the store's atomic primitives; the ledger and
// the balance can never diverge.
type Service struct {
	store storage.Store
}

// New creates a ledger service over the given store
func New(store storage.Store) *Service {
	return &Service{store: store}
}

// Charge appends a token_usage debit plus its token record and
// decrements the org's balance, idempotent on key. Returns whether the
// charge was newly applied.
func (s *Service) Charge(orgID string, amount decimal.Decimal, key string, record *types.TokenRecord) (bool, error) {
	entry := &types.LedgerEntry{
		ID:             uuid.New().String(),
		OrgID:          orgID,
		Amount:         amount,
		Direction:      types.DirectionDebit,
		Type:           types.TxTokenUsage,
		IdempotencyKey: key,
		RunID:          record.RunID,
		StepID:         record.StepID,
		CreatedAt:      time.Now(),
	}
	applied, err := s.store.RecordTokenCall(entry, record)
	if err != nil {
		return false, fmt.Errorf("failed to record token call: %w", err)
	}
	return applied, nil
}

// AddCredits appends a credit entry and increments the balance,
// idempotent on key
func (s *Service) AddCredits(orgID string, amount decimal.Decimal, txType types.TransactionType, key string) (bool, error) {
	entry := &types.LedgerEntry{
		ID:             uuid.New().String(),
		OrgID:          orgID,
		Amount:         amount,
		Direction:      types.DirectionCredit,
		Type:           txType,
		IdempotencyKey: key,
		CreatedAt:      time.Now(),
	}
	applied, err := s.store.AddCredits(entry)
	if err != nil {
		return false, fmt.Errorf("failed to add credits: %w", err)
	}
	return applied, nil
}

// Adjust posts a reconciliation adjustment for a run together with the
// corrected token records, idempotent on (runID, "reconcile"). A
// positive diff debits, a negative diff credits.
func (s *Service) Adjust(orgID, runID string, diff decimal.Decimal, records []*types.TokenRecord) (bool, error) {
	direction := types.DirectionDebit
	amount := diff
	if diff.IsNegative() {
		direction = types.DirectionCredit
		amount = diff.Neg()
	}
	entry := &types.LedgerEntry{
		ID:             uuid.New().String(),
		OrgID:          orgID,
		Amount:         amount,
		Direction:      direction,
		Type:           types.TxAdjustment,
		IdempotencyKey: runID + ":reconcile",
		RunID:          runID,
		CreatedAt:      time.Now(),
	}
	applied, err := s.store.ApplyReconciliation(entry, records)
	if err != nil {
		return false, fmt.Errorf("failed to apply reconciliation: %w", err)
	}
	return applied, nil
}

// Balance returns the org's current credit balance
func (s *Service) Balance(orgID string) (*types.CreditBalance, error) {
	return s.store.GetBalance(orgID)
}

// Reserve holds amount against in-flight work; Release gives it back.
// Reservations are advisory and never block post-call charges.
func (s *Service) Reserve(orgID string, amount decimal.Decimal) error {
	return s.store.ReserveCredits(orgID, amount)
}

func (s *Service) Release(orgID string, amount decimal.Decimal) error {
	return s.store.ReserveCredits(orgID, amount.Neg())
}

// Entries returns all ledger entries for an org
func (s *Service) Entries(orgID string) ([]*types.LedgerEntry, error) {
	return s.store.ListLedgerEntries(orgID)
}

// EntriesByRun returns all ledger entries attributed to a run
func (s *Service) EntriesByRun(runID string) ([]*types.LedgerEntry, error) {
	return s.store.ListLedgerEntriesByRun(runID)
}

// TokenRecordsByRun returns the token records behind a run's charges
func (s *Service) TokenRecordsByRun(runID string) ([]*types.TokenRecord, error) {
	return s.store.ListTokenRecordsByRun(runID)
}

// Audit recomputes credits minus debits from the ledger and compares it
// against the stored balance. Used by the health endpoint and tests.
func (s *Service) Audit(orgID string) (ok bool, ledgerNet, stored decimal.Decimal, err error) {
	entries, err := s.Entries(orgID)
	if err != nil {
		return false, decimal.Zero, decimal.Zero, err
	}
	net := decimal.Zero
	for _, e := range entries {
		if e.Direction == types.DirectionCredit {
			net = net.Add(e.Amount)
		} else {
			net = net.Sub(e.Amount)
		}
	}
	bal, err := s.Balance(orgID)
	if err != nil {
		return false, net, decimal.Zero, err
	}
	total := bal.Available.Add(bal.Reserved)
	return total.Equal(net), net, total, nil
}
