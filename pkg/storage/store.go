package storage

import (
	"time"

	"github.com/atelier-run/atelier/pkg/types"
	"github.com/shopspring/decimal"
)

// Store defines the interface for Atelier's persistent state.
// Implemented by BoltDB-backed storage.
type Store interface {
	// Runs
	CreateRun(run *types.Run) error
	GetRun(id string) (*types.Run, error)
	ListRuns() ([]*types.Run, error)
	// UpdateRunGuarded writes the run iff the stored StateVersion equals
	// expectedVersion and, when fence is non-zero, the stored fencing
	// token equals fence. On success the stored StateVersion is bumped.
	UpdateRunGuarded(run *types.Run, expectedVersion uint64, fence uint64) error

	// Leases
	AcquireLease(runID, workerID string, ttl time.Duration) (*types.Lease, error)
	RenewLease(runID, workerID string, token uint64, ttl time.Duration) (*types.Lease, error)
	ReleaseLease(runID string, token uint64) error
	GetLease(runID string) (*types.Lease, error)

	// Jobs
	CreateJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	GetJobByRun(runID string) (*types.Job, error)
	ListJobsByState(state types.JobState) ([]*types.Job, error)
	UpdateJob(job *types.Job) error
	// LeaseNextJob atomically marks the oldest eligible pending job as
	// leased and issues a fencing token for its run.
	LeaseNextJob(workerID string, ttl time.Duration, now time.Time) (*types.Job, *types.Lease, error)

	// Checkpoints
	PutCheckpoint(cp *types.Checkpoint) error
	GetCheckpoint(runID string) (*types.Checkpoint, error)

	// Step results (idempotency-keyed side effects)
	PutStepResult(res *types.StepResult) (existing *types.StepResult, applied bool, err error)
	GetStepResult(key string) (*types.StepResult, error)

	// Ledger. RecordTokenCall and AddCredits are the only operations that
	// mutate credit balances; each commits the ledger entry, the token
	// record, and the balance delta in one transaction.
	RecordTokenCall(entry *types.LedgerEntry, record *types.TokenRecord) (applied bool, err error)
	AddCredits(entry *types.LedgerEntry) (applied bool, err error)
	ApplyReconciliation(entry *types.LedgerEntry, records []*types.TokenRecord) (applied bool, err error)
	GetBalance(orgID string) (*types.CreditBalance, error)
	// ReserveCredits moves amount from available to reserved; negative
	// amounts release a prior reservation. Reservations are advisory.
	ReserveCredits(orgID string, amount decimal.Decimal) error
	ListLedgerEntries(orgID string) ([]*types.LedgerEntry, error)
	ListLedgerEntriesByRun(runID string) ([]*types.LedgerEntry, error)
	GetLedgerEntryByKey(orgID, idempotencyKey string) (*types.LedgerEntry, error)
	ListTokenRecordsByRun(runID string) ([]*types.TokenRecord, error)

	// Documents
	PutDocument(doc *types.Document) error
	GetDocument(id string) (*types.Document, error)
	// AppendDocumentBatch bumps the document version, stores the new
	// content, and appends the batch to bounded history in one
	// transaction. window is the number of batches retained.
	AppendDocumentBatch(doc *types.Document, batch *types.OperationBatch, window int) error
	// DocumentHistory returns applied batches with assigned versions in
	// (fromVersion, current], oldest first.
	DocumentHistory(docID string, fromVersion uint64) ([]*types.OperationBatch, error)

	// Utility
	Ping() error
	Close() error
}
