/*
Package orchestrator drives runs from creation to a terminal state.

A run advances through a guarded state machine; every worker write
carries the run's current state version and the worker's fencing token,
so a worker whose lease lapsed cannot corrupt state after another
worker takes over. Phase execution writes checkpoints before and after
each phase and keys every side effect deterministically, making crash
recovery a replay in which already-committed steps short-circuit at
the store.
*/
package orchestrator
