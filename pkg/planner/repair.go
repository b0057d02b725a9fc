package planner

import "fmt"

// SuggestionType classifies a repair suggestion
type SuggestionType string

const (
	SuggestModifyPhase SuggestionType = "modify_phase"
	SuggestAddPhase    SuggestionType = "add_phase"
	SuggestRemovePhase SuggestionType = "remove_phase"
	SuggestSplitPhase  SuggestionType = "split_phase"
)

// Suggestion is advisory guidance handed back to the model during a
// repair attempt
type Suggestion struct {
	Type   SuggestionType
	Reason string
}

// suggest picks the repair direction from the lowest sub-score
func suggest(sc Score) Suggestion {
	lowest := sc.Feasibility
	kind := SuggestModifyPhase
	reason := "substitute unknown tools and fix dangling dependencies"

	if sc.Completeness < lowest {
		lowest = sc.Completeness
		kind = SuggestAddPhase
		reason = "add phases covering the parts of the goal the plan misses"
	}
	if sc.Efficiency < lowest {
		lowest = sc.Efficiency
		kind = SuggestRemovePhase
		reason = "remove phases duplicating another phase's name or outputs"
	}
	if sc.RiskAdjusted < lowest {
		kind = SuggestSplitPhase
		reason = "split high-risk phases into smaller, safer steps"
	}

	return Suggestion{Type: kind, Reason: reason}
}

func (s Suggestion) String() string {
	return fmt.Sprintf("%s: %s", s.Type, s.Reason)
}
