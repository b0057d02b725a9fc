package planner

import (
	"strings"

	"github.com/atelier-run/atelier/pkg/types"
)

// Verdict is the scorer's decision for one plan
type Verdict string

const (
	VerdictAccept     Verdict = "accept"
	VerdictRepair     Verdict = "repair"
	VerdictRegenerate Verdict = "regenerate"
)

// Composite weights and decision thresholds
const (
	weightFeasibility  = 0.35
	weightCompleteness = 0.35
	weightEfficiency   = 0.15
	weightRisk         = 0.15

	acceptThreshold = 0.70
	repairThreshold = 0.40
)

// Score holds the four sub-scores and their weighted composite, all in [0,1]
type Score struct {
	Feasibility  float64
	Completeness float64
	Efficiency   float64
	RiskAdjusted float64
	Composite    float64
}

// Scorer evaluates plans against the registered tool set
type Scorer struct {
	tools map[string]bool
}

// NewScorer creates a scorer that considers the given tool names callable
func NewScorer(tools []string) *Scorer {
	set := make(map[string]bool, len(tools))
	for _, t := range tools {
		set[t] = true
	}
	return &Scorer{tools: set}
}

// Evaluate scores the plan against the goal and returns the verdict.
// A plan with zero feasibility is always regenerated; an empty plan
// scores a zero composite.
func (s *Scorer) Evaluate(goal string, plan *types.Plan) (Score, Verdict) {
	if plan == nil || len(plan.Phases) == 0 {
		return Score{}, VerdictRegenerate
	}

	sc := Score{
		Feasibility:  s.feasibility(plan),
		Completeness: completeness(goal, plan),
		Efficiency:   efficiency(plan),
		RiskAdjusted: riskAdjusted(plan),
	}
	sc.Composite = weightFeasibility*sc.Feasibility +
		weightCompleteness*sc.Completeness +
		weightEfficiency*sc.Efficiency +
		weightRisk*sc.RiskAdjusted

	if sc.Feasibility == 0 {
		return sc, VerdictRegenerate
	}
	switch {
	case sc.Composite >= acceptThreshold:
		return sc, VerdictAccept
	case sc.Composite >= repairThreshold:
		return sc, VerdictRepair
	default:
		return sc, VerdictRegenerate
	}
}

// feasibility averages the fraction of required tools that exist and the
// fraction of dependencies that reference real phases
func (s *Scorer) feasibility(plan *types.Plan) float64 {
	phaseIDs := make(map[string]bool, len(plan.Phases))
	for _, p := range plan.Phases {
		phaseIDs[p.ID] = true
	}

	totalTools, knownTools := 0, 0
	totalDeps, validDeps := 0, 0
	for _, p := range plan.Phases {
		for _, tool := range p.Tools {
			totalTools++
			if s.tools[tool] {
				knownTools++
			}
		}
		for _, dep := range p.DependsOn {
			totalDeps++
			if phaseIDs[dep] && dep != p.ID {
				validDeps++
			}
		}
	}

	toolScore := 1.0
	if totalTools > 0 {
		toolScore = float64(knownTools) / float64(totalTools)
	}
	depScore := 1.0
	if totalDeps > 0 {
		depScore = float64(validDeps) / float64(totalDeps)
	}
	return (toolScore + depScore) / 2
}

// completeness is the fraction of the goal's meaningful keywords covered
// by the union of phase names and descriptions
func completeness(goal string, plan *types.Plan) float64 {
	keywords := meaningfulTokens(goal)
	if len(keywords) == 0 {
		return 1.0
	}

	covered := make(map[string]bool)
	for _, p := range plan.Phases {
		for tok := range meaningfulTokens(p.Name + " " + p.Description) {
			covered[tok] = true
		}
	}

	hits := 0
	for kw := range keywords {
		if covered[kw] {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}

// efficiency is 1 minus the fraction of redundant phases: duplicate
// names or identical output sets
func efficiency(plan *types.Plan) float64 {
	seenNames := make(map[string]bool)
	seenOutputs := make(map[string]bool)
	redundant := 0
	for _, p := range plan.Phases {
		name := strings.ToLower(strings.TrimSpace(p.Name))
		outputs := outputKey(p.Outputs)

		dup := seenNames[name]
		if outputs != "" && seenOutputs[outputs] {
			dup = true
		}
		if dup {
			redundant++
		}
		seenNames[name] = true
		if outputs != "" {
			seenOutputs[outputs] = true
		}
	}
	return 1 - float64(redundant)/float64(len(plan.Phases))
}

func riskAdjusted(plan *types.Plan) float64 {
	sum := 0.0
	for _, p := range plan.Phases {
		sum += p.RiskLevel
	}
	return 1 - sum/float64(len(plan.Phases))
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true,
	"of": true, "to": true, "in": true, "on": true, "for": true,
	"with": true, "is": true, "are": true, "be": true, "it": true,
	"that": true, "this": true, "by": true, "as": true, "at": true,
	"from": true, "into": true, "then": true, "using": true,
}

// meaningfulTokens lowercases, strips punctuation and drops stopwords
// and tokens shorter than three characters
func meaningfulTokens(text string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(tok) < 3 || stopwords[tok] {
			continue
		}
		out[tok] = true
	}
	return out
}

// outputKey canonicalizes an output set for duplicate detection
func outputKey(outputs []string) string {
	if len(outputs) == 0 {
		return ""
	}
	sorted := make([]string, 0, len(outputs))
	for _, o := range outputs {
		sorted = append(sorted, strings.ToLower(strings.TrimSpace(o)))
	}
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return strings.Join(sorted, "|")
}
