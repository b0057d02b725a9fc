// Package queue implements the pending-jobs queue: FIFO within a
// priority, lease-with-fencing-token dequeue, heartbeat renewal,
// backoff re-enqueue on retryable failures, and a sweeper that returns
// lapsed leases to pending.
package queue
