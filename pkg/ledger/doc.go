// Package ledger exposes the append-only financial ledger: idempotent
// token charges, credit grants, reconciliation adjustments, advisory
// reservations, and a balance audit that recomputes the ledger net.
package ledger
