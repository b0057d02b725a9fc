package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/atelier-run/atelier/pkg/errdefs"
	"github.com/atelier-run/atelier/pkg/types"
	"github.com/shopspring/decimal"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketRuns           = []byte("runs")
	bucketLeases         = []byte("leases")
	bucketJobs           = []byte("jobs")
	bucketCheckpoints    = []byte("checkpoints")
	bucketStepResults    = []byte("step_results")
	bucketLedgerEntries  = []byte("ledger_entries")
	bucketLedgerIdem     = []byte("ledger_idempotency")
	bucketTokenRecords   = []byte("token_records")
	bucketCreditBalances = []byte("credit_balances")
	bucketDocuments      = []byte("documents")
	bucketDocHistory     = []byte("doc_history")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "atelier.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketRuns,
			bucketLeases,
			bucketJobs,
			bucketCheckpoints,
			bucketStepResults,
			bucketLedgerEntries,
			bucketLedgerIdem,
			bucketTokenRecords,
			bucketCreditBalances,
			bucketDocuments,
			bucketDocHistory,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is usable
func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRuns) == nil {
			return errdefs.New(errdefs.KindStoreFailure, "runs bucket missing")
		}
		return nil
	})
}

// --- Run operations ---

func (s *BoltStore) CreateRun(run *types.Run) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		if b.Get([]byte(run.ID)) != nil {
			return errdefs.Newf(errdefs.KindValidation, "run already exists: %s", run.ID)
		}
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return b.Put([]byte(run.ID), data)
	})
}

func (s *BoltStore) GetRun(id string) (*types.Run, error) {
	var run types.Run
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.Newf(errdefs.KindNotFound, "run not found: %s", id)
		}
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *BoltStore) ListRuns() ([]*types.Run, error) {
	var runs []*types.Run
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		return b.ForEach(func(k, v []byte) error {
			var run types.Run
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			runs = append(runs, &run)
			return nil
		})
	})
	return runs, err
}

// UpdateRunGuarded writes the run conditional on (state_version, fencing
// token). A zero fence skips the lease check; the API edge uses that for
// cancellation writes, everything else carries its lease token.
func (s *BoltStore) UpdateRunGuarded(run *types.Run, expectedVersion uint64, fence uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		data := b.Get([]byte(run.ID))
		if data == nil {
			return errdefs.Newf(errdefs.KindNotFound, "run not found: %s", run.ID)
		}
		var stored types.Run
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		if stored.StateVersion != expectedVersion {
			return errdefs.Newf(errdefs.KindStoreConflict,
				"run %s version %d, expected %d", run.ID, stored.StateVersion, expectedVersion)
		}
		if fence != 0 {
			lease, err := getLease(tx, run.ID)
			if err != nil {
				return err
			}
			if lease == nil || lease.FencingToken != fence {
				return errdefs.Newf(errdefs.KindStoreConflict,
					"run %s fencing token superseded", run.ID)
			}
		}

		run.StateVersion = expectedVersion + 1
		run.UpdatedAt = time.Now()
		out, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return b.Put([]byte(run.ID), out)
	})
}

// --- Lease operations ---

func getLease(tx *bolt.Tx, runID string) (*types.Lease, error) {
	data := tx.Bucket(bucketLeases).Get([]byte(runID))
	if data == nil {
		return nil, nil
	}
	var lease types.Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		return nil, err
	}
	return &lease, nil
}

func putLease(tx *bolt.Tx, lease *types.Lease) error {
	data, err := json.Marshal(lease)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketLeases).Put([]byte(lease.RunID), data)
}

// AcquireLease issues a fencing token strictly greater than any token
// previously issued for this run. Fails while another worker holds an
// unexpired lease.
func (s *BoltStore) AcquireLease(runID, workerID string, ttl time.Duration) (*types.Lease, error) {
	var issued *types.Lease
	err := s.db.Update(func(tx *bolt.Tx) error {
		lease, err := acquireLease(tx, runID, workerID, ttl)
		if err != nil {
			return err
		}
		issued = lease
		return nil
	})
	if err != nil {
		return nil, err
	}
	return issued, nil
}

func acquireLease(tx *bolt.Tx, runID, workerID string, ttl time.Duration) (*types.Lease, error) {
	prev, err := getLease(tx, runID)
	if err != nil {
		return nil, err
	}
	var next uint64 = 1
	if prev != nil {
		if prev.WorkerID != workerID && time.Now().Before(prev.ExpiresAt) {
			return nil, errdefs.Newf(errdefs.KindStoreConflict,
				"run %s leased by %s until %s", runID, prev.WorkerID, prev.ExpiresAt.Format(time.RFC3339))
		}
		next = prev.FencingToken + 1
	}
	lease := &types.Lease{
		RunID:        runID,
		WorkerID:     workerID,
		FencingToken: next,
		ExpiresAt:    time.Now().Add(ttl),
	}
	if err := putLease(tx, lease); err != nil {
		return nil, err
	}
	return lease, nil
}

// RenewLease extends the lease iff the caller still holds the newest token
func (s *BoltStore) RenewLease(runID, workerID string, token uint64, ttl time.Duration) (*types.Lease, error) {
	var renewed *types.Lease
	err := s.db.Update(func(tx *bolt.Tx) error {
		lease, err := getLease(tx, runID)
		if err != nil {
			return err
		}
		if lease == nil || lease.FencingToken != token || lease.WorkerID != workerID {
			return errdefs.Newf(errdefs.KindStoreConflict, "run %s lease superseded", runID)
		}
		lease.ExpiresAt = time.Now().Add(ttl)
		if err := putLease(tx, lease); err != nil {
			return err
		}
		renewed = lease
		return nil
	})
	if err != nil {
		return nil, err
	}
	return renewed, nil
}

// ReleaseLease expires the lease immediately if token is still current
func (s *BoltStore) ReleaseLease(runID string, token uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		lease, err := getLease(tx, runID)
		if err != nil {
			return err
		}
		if lease == nil || lease.FencingToken != token {
			return nil // already superseded, nothing to release
		}
		lease.ExpiresAt = time.Now()
		return putLease(tx, lease)
	})
}

func (s *BoltStore) GetLease(runID string) (*types.Lease, error) {
	var lease *types.Lease
	err := s.db.View(func(tx *bolt.Tx) error {
		l, err := getLease(tx, runID)
		if err != nil {
			return err
		}
		lease = l
		return nil
	})
	return lease, err
}

// --- Job operations ---

func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		// At most one uncompleted job per run
		var conflict bool
		err := b.ForEach(func(k, v []byte) error {
			var existing types.Job
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.RunID == job.RunID &&
				(existing.State == types.JobStatePending || existing.State == types.JobStateLeased) {
				conflict = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if conflict {
			return errdefs.Newf(errdefs.KindValidation, "run %s already has an uncompleted job", job.RunID)
		}
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), data)
	})
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return errdefs.Newf(errdefs.KindNotFound, "job not found: %s", id)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) GetJobByRun(runID string) (*types.Job, error) {
	var found *types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.RunID == runID {
				if found == nil || job.EnqueuedAt.After(found.EnqueuedAt) {
					j := job
					found = &j
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errdefs.Newf(errdefs.KindNotFound, "no job for run: %s", runID)
	}
	return found, nil
}

func (s *BoltStore) ListJobsByState(state types.JobState) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.State == state {
				j := job
				jobs = append(jobs, &j)
			}
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) UpdateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), data)
	})
}

// LeaseNextJob picks the eligible pending job with the highest priority
// (ties broken FIFO), marks it leased, and acquires the run lease — one
// transaction so two workers can never lease the same job.
func (s *BoltStore) LeaseNextJob(workerID string, ttl time.Duration, now time.Time) (*types.Job, *types.Lease, error) {
	var leasedJob *types.Job
	var lease *types.Lease
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		var best *types.Job
		err := b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.State != types.JobStatePending || now.Before(job.NotBefore) {
				return nil
			}
			if best == nil ||
				job.Priority > best.Priority ||
				(job.Priority == best.Priority && job.EnqueuedAt.Before(best.EnqueuedAt)) {
				j := job
				best = &j
			}
			return nil
		})
		if err != nil {
			return err
		}
		if best == nil {
			return nil
		}

		l, err := acquireLease(tx, best.RunID, workerID, ttl)
		if err != nil {
			return err
		}

		best.State = types.JobStateLeased
		best.WorkerID = workerID
		best.FencingToken = l.FencingToken
		best.LeaseExpires = l.ExpiresAt
		data, err := json.Marshal(best)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(best.ID), data); err != nil {
			return err
		}
		leasedJob = best
		lease = l
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return leasedJob, lease, nil
}

// --- Checkpoint operations ---

func (s *BoltStore) PutCheckpoint(cp *types.Checkpoint) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(cp)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCheckpoints).Put([]byte(cp.RunID), data)
	})
}

func (s *BoltStore) GetCheckpoint(runID string) (*types.Checkpoint, error) {
	var cp types.Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCheckpoints).Get([]byte(runID))
		if data == nil {
			return errdefs.Newf(errdefs.KindNotFound, "checkpoint not found: %s", runID)
		}
		return json.Unmarshal(data, &cp)
	})
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// --- Step results ---

// PutStepResult stores the result under its idempotency key. If the key
// already exists the stored result is returned and applied is false;
// replayed steps short-circuit on this.
func (s *BoltStore) PutStepResult(res *types.StepResult) (*types.StepResult, bool, error) {
	var existing *types.StepResult
	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStepResults)
		if data := b.Get([]byte(res.Key)); data != nil {
			var prev types.StepResult
			if err := json.Unmarshal(data, &prev); err != nil {
				return err
			}
			existing = &prev
			return nil
		}
		data, err := json.Marshal(res)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(res.Key), data); err != nil {
			return err
		}
		existing = res
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return existing, applied, nil
}

func (s *BoltStore) GetStepResult(key string) (*types.StepResult, error) {
	var res types.StepResult
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketStepResults).Get([]byte(key))
		if data == nil {
			return errdefs.Newf(errdefs.KindNotFound, "step result not found: %s", key)
		}
		return json.Unmarshal(data, &res)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// --- Ledger operations ---

func idemKey(orgID, key string) []byte {
	return []byte(orgID + "|" + key)
}

func getBalance(tx *bolt.Tx, orgID string) (*types.CreditBalance, error) {
	data := tx.Bucket(bucketCreditBalances).Get([]byte(orgID))
	if data == nil {
		return &types.CreditBalance{
			OrgID:     orgID,
			Available: decimal.Zero,
			Reserved:  decimal.Zero,
		}, nil
	}
	var bal types.CreditBalance
	if err := json.Unmarshal(data, &bal); err != nil {
		return nil, err
	}
	return &bal, nil
}

func putBalance(tx *bolt.Tx, bal *types.CreditBalance) error {
	bal.UpdatedAt = time.Now()
	data, err := json.Marshal(bal)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketCreditBalances).Put([]byte(bal.OrgID), data)
}

func appendEntry(tx *bolt.Tx, entry *types.LedgerEntry) error {
	if entry.IdempotencyKey == "" {
		return errdefs.New(errdefs.KindValidation, "ledger entry missing idempotency key")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketLedgerEntries).Put([]byte(entry.ID), data); err != nil {
		return err
	}
	return tx.Bucket(bucketLedgerIdem).Put(idemKey(entry.OrgID, entry.IdempotencyKey), []byte(entry.ID))
}

func entryExists(tx *bolt.Tx, orgID, key string) bool {
	return tx.Bucket(bucketLedgerIdem).Get(idemKey(orgID, key)) != nil
}

// RecordTokenCall commits the token record, the ledger debit, and the
// balance decrement together or not at all. A duplicate idempotency key
// makes the whole call a no-op.
func (s *BoltStore) RecordTokenCall(entry *types.LedgerEntry, record *types.TokenRecord) (bool, error) {
	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		if entryExists(tx, entry.OrgID, entry.IdempotencyKey) {
			return nil
		}
		if err := appendEntry(tx, entry); err != nil {
			return err
		}

		record.EntryID = entry.ID
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketTokenRecords).Put([]byte(entry.ID), data); err != nil {
			return err
		}

		bal, err := getBalance(tx, entry.OrgID)
		if err != nil {
			return err
		}
		bal.Available = bal.Available.Sub(entry.Amount)
		if err := putBalance(tx, bal); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// AddCredits appends a credit entry and increments the balance, idempotent
// on the entry's key
func (s *BoltStore) AddCredits(entry *types.LedgerEntry) (bool, error) {
	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		if entryExists(tx, entry.OrgID, entry.IdempotencyKey) {
			return nil
		}
		if err := appendEntry(tx, entry); err != nil {
			return err
		}
		bal, err := getBalance(tx, entry.OrgID)
		if err != nil {
			return err
		}
		bal.Available = bal.Available.Add(entry.Amount)
		if err := putBalance(tx, bal); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// ApplyReconciliation posts the adjustment entry, flips the matched token
// records from estimated to actual, and moves the balance by the signed
// difference — one transaction, idempotent on the entry's key.
func (s *BoltStore) ApplyReconciliation(entry *types.LedgerEntry, records []*types.TokenRecord) (bool, error) {
	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		if entryExists(tx, entry.OrgID, entry.IdempotencyKey) {
			return nil
		}
		if err := appendEntry(tx, entry); err != nil {
			return err
		}
		rb := tx.Bucket(bucketTokenRecords)
		for _, rec := range records {
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := rb.Put([]byte(rec.EntryID), data); err != nil {
				return err
			}
		}
		bal, err := getBalance(tx, entry.OrgID)
		if err != nil {
			return err
		}
		if entry.Direction == types.DirectionDebit {
			bal.Available = bal.Available.Sub(entry.Amount)
		} else {
			bal.Available = bal.Available.Add(entry.Amount)
		}
		if err := putBalance(tx, bal); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (s *BoltStore) GetBalance(orgID string) (*types.CreditBalance, error) {
	var bal *types.CreditBalance
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := getBalance(tx, orgID)
		if err != nil {
			return err
		}
		bal = b
		return nil
	})
	return bal, err
}

// ReserveCredits moves amount from available to reserved; a negative
// amount releases. Reservations never go below zero.
func (s *BoltStore) ReserveCredits(orgID string, amount decimal.Decimal) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bal, err := getBalance(tx, orgID)
		if err != nil {
			return err
		}
		if amount.IsPositive() && bal.Available.LessThan(amount) {
			return errdefs.Newf(errdefs.KindInsufficientCredits,
				"org %s has %s available, %s requested", orgID, bal.Available, amount)
		}
		bal.Available = bal.Available.Sub(amount)
		bal.Reserved = bal.Reserved.Add(amount)
		if bal.Reserved.IsNegative() {
			bal.Available = bal.Available.Add(bal.Reserved)
			bal.Reserved = decimal.Zero
		}
		return putBalance(tx, bal)
	})
}

func (s *BoltStore) ListLedgerEntries(orgID string) ([]*types.LedgerEntry, error) {
	var entries []*types.LedgerEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLedgerEntries).ForEach(func(k, v []byte) error {
			var entry types.LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.OrgID == orgID {
				e := entry
				entries = append(entries, &e)
			}
			return nil
		})
	})
	return entries, err
}

func (s *BoltStore) ListLedgerEntriesByRun(runID string) ([]*types.LedgerEntry, error) {
	var entries []*types.LedgerEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLedgerEntries).ForEach(func(k, v []byte) error {
			var entry types.LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.RunID == runID {
				e := entry
				entries = append(entries, &e)
			}
			return nil
		})
	})
	return entries, err
}

func (s *BoltStore) GetLedgerEntryByKey(orgID, idempotencyKey string) (*types.LedgerEntry, error) {
	var entry types.LedgerEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketLedgerIdem).Get(idemKey(orgID, idempotencyKey))
		if id == nil {
			return errdefs.Newf(errdefs.KindNotFound, "ledger entry not found: %s", idempotencyKey)
		}
		data := tx.Bucket(bucketLedgerEntries).Get(id)
		if data == nil {
			return errdefs.Newf(errdefs.KindStoreFailure, "dangling idempotency key: %s", idempotencyKey)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) ListTokenRecordsByRun(runID string) ([]*types.TokenRecord, error) {
	var records []*types.TokenRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTokenRecords).ForEach(func(k, v []byte) error {
			var rec types.TokenRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.RunID == runID {
				r := rec
				records = append(records, &r)
			}
			return nil
		})
	})
	return records, err
}

// --- Document operations ---

func historyKey(docID string, version uint64) []byte {
	key := make([]byte, len(docID)+1+8)
	copy(key, docID)
	key[len(docID)] = '|'
	binary.BigEndian.PutUint64(key[len(docID)+1:], version)
	return key
}

func (s *BoltStore) PutDocument(doc *types.Document) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		doc.UpdatedAt = time.Now()
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDocuments).Put([]byte(doc.ID), data)
	})
}

func (s *BoltStore) GetDocument(id string) (*types.Document, error) {
	var doc types.Document
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDocuments).Get([]byte(id))
		if data == nil {
			return errdefs.Newf(errdefs.KindNotFound, "document not found: %s", id)
		}
		return json.Unmarshal(data, &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// AppendDocumentBatch persists the post-apply document state and appends
// the batch to history under the version it produced, trimming history to
// the retention window.
func (s *BoltStore) AppendDocumentBatch(doc *types.Document, batch *types.OperationBatch, window int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		doc.UpdatedAt = time.Now()
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketDocuments).Put([]byte(doc.ID), data); err != nil {
			return err
		}

		hb := tx.Bucket(bucketDocHistory)
		bdata, err := json.Marshal(batch)
		if err != nil {
			return err
		}
		if err := hb.Put(historyKey(doc.ID, doc.Version), bdata); err != nil {
			return err
		}

		// Trim entries that fell out of the window
		if doc.Version > uint64(window) {
			cutoff := doc.Version - uint64(window)
			c := hb.Cursor()
			prefix := []byte(doc.ID + "|")
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				v := binary.BigEndian.Uint64(k[len(prefix):])
				if v > cutoff {
					break
				}
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// DocumentHistory returns batches applied after fromVersion, oldest first
func (s *BoltStore) DocumentHistory(docID string, fromVersion uint64) ([]*types.OperationBatch, error) {
	var batches []*types.OperationBatch
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDocHistory).Cursor()
		prefix := []byte(docID + "|")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			version := binary.BigEndian.Uint64(k[len(prefix):])
			if version <= fromVersion {
				continue
			}
			var batch types.OperationBatch
			if err := json.Unmarshal(v, &batch); err != nil {
				return err
			}
			batches = append(batches, &batch)
		}
		return nil
	})
	return batches, err
}
