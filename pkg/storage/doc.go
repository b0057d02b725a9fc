/*
Package storage persists Atelier's state in BoltDB, one bucket per
entity, values encoded as JSON.

Three disciplines matter here:

  - Guarded run writes: UpdateRunGuarded accepts a write only when the
    supplied state version and fencing token match the stored ones, so a
    worker whose lease lapsed can never corrupt a run another worker has
    taken over.
  - Atomic money: RecordTokenCall, AddCredits, and ApplyReconciliation
    each commit the ledger entry, any token records, and the balance
    delta inside a single bbolt transaction. The ledger is append-only;
    idempotency keys are unique per org and duplicate submissions are
    no-ops.
  - Bounded history: AppendDocumentBatch writes document state and
    operation history together and trims history to the retention
    window, keeping reconnecting clients catch-up-able.
*/
package storage
