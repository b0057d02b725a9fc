package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Run represents one user task from prompt to terminal state
type Run struct {
	ID           string
	OrgID        string
	Prompt       string
	State        RunState
	StateVersion uint64 // bumped on every transition, used for optimistic concurrency
	Plan         *Plan
	PhaseIndex   int // index of the phase currently executing
	Cost         decimal.Decimal
	Deadline     time.Time
	Result       string
	LastError    *RunError
	CreatedAt    time.Time
	UpdatedAt    time.Time
	FinishedAt   time.Time
}

// RunState represents the current state of a run
type RunState string

const (
	RunStateCreated     RunState = "created"
	RunStateValidating  RunState = "validating"
	RunStateDecomposing RunState = "decomposing"
	RunStateScheduling  RunState = "scheduling"
	RunStateExecuting   RunState = "executing"
	RunStateAggregating RunState = "aggregating"
	RunStateFinalizing  RunState = "finalizing"
	RunStateCompleted   RunState = "completed"
	RunStateFailed      RunState = "failed"
	RunStateCancelled   RunState = "cancelled"
)

// Terminal reports whether the state admits no further transitions
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateFailed || s == RunStateCancelled
}

// RunError is the structured record of the most recent failure of a run
type RunError struct {
	Kind       string
	Message    string
	Phase      int
	Step       int
	OccurredAt time.Time
}

// Job is a queue entry referencing a run. At most one uncompleted job
// exists per run at any time.
type Job struct {
	ID         string
	RunID      string
	Priority   int
	Retries    int
	State      JobState
	EnqueuedAt time.Time
	// Lease fields, valid while State == JobStateLeased
	WorkerID     string
	FencingToken uint64
	LeaseExpires time.Time
	NotBefore    time.Time // backoff gate for re-enqueued jobs
}

// JobState represents the lifecycle state of a job
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateLeased    JobState = "leased"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// Lease authorizes one worker to mutate a run. The fencing token is
// strictly monotonic per run; the store rejects writes carrying a
// superseded token.
type Lease struct {
	RunID        string
	WorkerID     string
	FencingToken uint64
	ExpiresAt    time.Time
}

// Plan is a goal plus an ordered sequence of phases. Plans are versioned
// by replacement, never mutated in place.
type Plan struct {
	ID        string
	Goal      string
	Phases    []*Phase
	CreatedAt time.Time
}

// Phase is one planner-produced segment of a run
type Phase struct {
	ID            string
	Name          string
	Description   string
	Tools         []string
	DependsOn     []string // phase ids that must complete first
	Outputs       []string
	EstimatedTime time.Duration
	RiskLevel     float64 // [0,1]
}

// Checkpoint records per-phase progress for crash recovery
type Checkpoint struct {
	RunID           string
	PhaseIndex      int
	PhaseComplete   bool
	Accumulator     map[string]string // phase-local state carried across steps
	IdempotencyKeys []string          // side-effects already committed
	WrittenAt       time.Time
}

// Direction of a ledger entry
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// TransactionType classifies a ledger entry
type TransactionType string

const (
	TxTokenUsage TransactionType = "token_usage"
	TxPurchase   TransactionType = "purchase"
	TxRefund     TransactionType = "refund"
	TxPromo      TransactionType = "promo"
	TxTrial      TransactionType = "trial"
	TxAdjustment TransactionType = "adjustment"
)

// LedgerEntry is an immutable financial record. Entries are appended,
// never updated or deleted. IdempotencyKey is unique per org.
type LedgerEntry struct {
	ID             string
	OrgID          string
	Amount         decimal.Decimal
	Direction      Direction
	Type           TransactionType
	IdempotencyKey string
	RunID          string
	StepID         string
	CreatedAt      time.Time
}

// TokenRecord is the side-table row for a token_usage ledger entry
type TokenRecord struct {
	EntryID      string
	RunID        string
	StepID       string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
	Estimated    bool // true until reconciled against actuals
	CreatedAt    time.Time
}

// CreditBalance tracks an org's spendable credit. Only ever written by
// the same atomic store operation that appends a ledger entry, so balance
// and ledger cannot diverge.
type CreditBalance struct {
	OrgID     string
	Available decimal.Decimal
	Reserved  decimal.Decimal
	UpdatedAt time.Time
}

// StepResult is the persisted output of one idempotency-keyed step
type StepResult struct {
	Key        string
	RunID      string
	PhaseIndex int
	StepIndex  int
	Output     string
	Cost       decimal.Decimal
	WrittenAt  time.Time
}

// Document is the server-side state of one collaborative text document
type Document struct {
	ID        string
	Content   string
	Version   uint64 // strictly increasing, equals count of batches applied
	UpdatedAt time.Time
}

// OpType is the discriminator of a primitive operation
type OpType string

const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
	OpRetain OpType = "retain"
)

// Operation is one primitive edit
type Operation struct {
	Type     OpType `json:"type"`
	Position int    `json:"position,omitempty"`
	Text     string `json:"text,omitempty"`
	Count    int    `json:"count,omitempty"`
}

// OperationBatch is the unit of atomicity for edits: either every
// operation applies (after transformation) or none do.
type OperationBatch struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	DocumentID  string       `json:"document_id"`
	BaseVersion uint64       `json:"version"`
	Operations  []*Operation `json:"operations"`
	Timestamp   time.Time    `json:"timestamp"`
	Source      string       `json:"source"`
}

// Cursor is presence information, never persisted
type Cursor struct {
	UserID         string `json:"user_id"`
	Position       int    `json:"position"`
	SelectionStart int    `json:"selection_start,omitempty"`
	SelectionEnd   int    `json:"selection_end,omitempty"`
}

// SandboxTier selects a resource preset for an execution environment
type SandboxTier string

const (
	TierFree       SandboxTier = "free"
	TierStandard   SandboxTier = "standard"
	TierPro        SandboxTier = "pro"
	TierEnterprise SandboxTier = "enterprise"
)

// SandboxConfig describes the resource limits of one environment
type SandboxConfig struct {
	Tier             SandboxTier
	CPUMillicores    int
	MemoryBytes      int64
	DiskBytes        int64
	NetworkBandwidth int64 // bytes/sec
	MaxProcesses     int
	MaxFileHandles   int
	IOBandwidth      int64
	IOPS             int
}
