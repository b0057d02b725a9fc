/*
Package types defines the core data structures used throughout Atelier.

This package contains the domain model shared by every other package:
runs and their state machine, jobs and leases, plans and phases,
checkpoints, the token-billing ledger (entries, token records, credit
balances), collaborative documents and operation batches, and sandbox
configuration.

# Core Types

Run lifecycle:
  - Run: one user task from prompt to terminal state
  - RunState: created, validating, decomposing, scheduling, executing,
    aggregating, finalizing, completed, failed, cancelled
  - Job: queue entry driving a run; at most one uncompleted job per run
  - Lease: fencing token authorizing a worker to mutate a run

Planning:
  - Plan: goal plus ordered phases, versioned by replacement
  - Phase: name, tools, dependencies, outputs, duration estimate, risk

Billing:
  - LedgerEntry: immutable, append-only, idempotency-keyed
  - TokenRecord: token counts behind a token_usage entry
  - CreditBalance: only written by the same atomic store operation that
    appends a ledger entry

Collaboration:
  - Document: content plus strictly increasing version
  - OperationBatch: atomically applied group of insert/delete/retain ops
  - Cursor: presence, never persisted

# State Machine

Runs follow a fixed state machine:

	CREATED → VALIDATING → DECOMPOSING → SCHEDULING → EXECUTING →
	AGGREGATING → FINALIZING → COMPLETED

Every non-terminal state may transition to FAILED; every state before
FINALIZING may transition to CANCELLED. Transitions outside this table
are rejected and every accepted transition bumps StateVersion.

Monetary amounts use shopspring/decimal; floats never carry money.
*/
package types
