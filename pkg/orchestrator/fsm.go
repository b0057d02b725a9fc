package orchestrator

import (
	"github.com/atelier-run/atelier/pkg/errdefs"
	"github.com/atelier-run/atelier/pkg/types"
)

// transitions is the complete edge set of the run state machine.
// Attempting any other edge fails with InvalidTransition.
var transitions = map[types.RunState][]types.RunState{
	types.RunStateCreated:     {types.RunStateValidating, types.RunStateCancelled},
	types.RunStateValidating:  {types.RunStateDecomposing, types.RunStateFailed, types.RunStateCancelled},
	types.RunStateDecomposing: {types.RunStateScheduling, types.RunStateFailed, types.RunStateCancelled},
	types.RunStateScheduling:  {types.RunStateExecuting, types.RunStateFailed, types.RunStateCancelled},
	types.RunStateExecuting:   {types.RunStateAggregating, types.RunStateFailed, types.RunStateCancelled},
	types.RunStateAggregating: {types.RunStateFinalizing, types.RunStateFailed, types.RunStateCancelled},
	types.RunStateFinalizing:  {types.RunStateCompleted, types.RunStateFailed},
	types.RunStateCompleted:   {},
	types.RunStateFailed:      {},
	types.RunStateCancelled:   {},
}

// CanTransition reports whether from → to is a legal edge
func CanTransition(from, to types.RunState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an InvalidTransition error for illegal edges
func ValidateTransition(from, to types.RunState) error {
	if !CanTransition(from, to) {
		return errdefs.Newf(errdefs.KindInvalidTransition,
			"cannot transition run from %s to %s", from, to)
	}
	return nil
}
