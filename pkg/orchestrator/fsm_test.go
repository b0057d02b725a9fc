package orchestrator

import (
	"testing"

	"github.com/atelier-run/atelier/pkg/errdefs"
	"github.com/atelier-run/atelier/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name  string
		from  types.RunState
		to    types.RunState
		legal bool
	}{
		{"created to validating", types.RunStateCreated, types.RunStateValidating, true},
		{"created to cancelled", types.RunStateCreated, types.RunStateCancelled, true},
		{"created to executing", types.RunStateCreated, types.RunStateExecuting, false},
		{"validating to decomposing", types.RunStateValidating, types.RunStateDecomposing, true},
		{"decomposing to scheduling", types.RunStateDecomposing, types.RunStateScheduling, true},
		{"scheduling to executing", types.RunStateScheduling, types.RunStateExecuting, true},
		{"executing to aggregating", types.RunStateExecuting, types.RunStateAggregating, true},
		{"executing skips to completed", types.RunStateExecuting, types.RunStateCompleted, false},
		{"aggregating to finalizing", types.RunStateAggregating, types.RunStateFinalizing, true},
		{"finalizing to completed", types.RunStateFinalizing, types.RunStateCompleted, true},
		{"finalizing to cancelled", types.RunStateFinalizing, types.RunStateCancelled, false},
		{"completed is terminal", types.RunStateCompleted, types.RunStateValidating, false},
		{"failed is terminal", types.RunStateFailed, types.RunStateExecuting, false},
		{"cancelled is terminal", types.RunStateCancelled, types.RunStateCreated, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.legal, CanTransition(tt.from, tt.to))
		})
	}
}

func TestValidateTransition(t *testing.T) {
	err := ValidateTransition(types.RunStateCompleted, types.RunStateExecuting)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidTransition))

	assert.NoError(t, ValidateTransition(types.RunStateCreated, types.RunStateValidating))
}
