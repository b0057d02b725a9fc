package planner

import (
	"context"
	"testing"
	"time"

	"github.com/atelier-run/atelier/pkg/errdefs"
	"github.com/atelier-run/atelier/pkg/llm"
	"github.com/atelier-run/atelier/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func phase(id, name string, opts func(*types.Phase)) *types.Phase {
	p := &types.Phase{
		ID:            id,
		Name:          name,
		Description:   name,
		Tools:         []string{"web_search"},
		EstimatedTime: 5 * time.Minute,
		RiskLevel:     0.2,
	}
	if opts != nil {
		opts(p)
	}
	return p
}

func TestScorerEvaluate(t *testing.T) {
	scorer := NewScorer([]string{"web_search", "code_exec"})

	t.Run("empty plan regenerates with zero composite", func(t *testing.T) {
		sc, verdict := scorer.Evaluate("anything", &types.Plan{})
		assert.Equal(t, VerdictRegenerate, verdict)
		assert.Zero(t, sc.Composite)
	})

	t.Run("nil plan regenerates", func(t *testing.T) {
		_, verdict := scorer.Evaluate("anything", nil)
		assert.Equal(t, VerdictRegenerate, verdict)
	})

	t.Run("good plan accepted", func(t *testing.T) {
		plan := &types.Plan{Phases: []*types.Phase{
			phase("p1", "fetch weather", func(p *types.Phase) {
				p.Description = "download the weather data"
			}),
		}}
		sc, verdict := scorer.Evaluate("fetch weather data", plan)
		assert.Equal(t, VerdictAccept, verdict)
		assert.InDelta(t, 1.0, sc.Feasibility, 0.001)
		assert.InDelta(t, 1.0, sc.Completeness, 0.001)
		assert.GreaterOrEqual(t, sc.Composite, acceptThreshold)
	})

	t.Run("zero feasibility always regenerates", func(t *testing.T) {
		plan := &types.Plan{Phases: []*types.Phase{
			phase("p1", "fetch weather data and report everything relevant", func(p *types.Phase) {
				p.Tools = []string{"no_such_tool"}
				p.DependsOn = []string{"missing"}
			}),
		}}
		sc, verdict := scorer.Evaluate("fetch weather data and report everything relevant", plan)
		assert.Zero(t, sc.Feasibility)
		assert.Equal(t, VerdictRegenerate, verdict)
	})

	t.Run("redundant phases lower efficiency", func(t *testing.T) {
		plan := &types.Plan{Phases: []*types.Phase{
			phase("p1", "collect", func(p *types.Phase) { p.Outputs = []string{"report"} }),
			phase("p2", "collect", nil),
			phase("p3", "summarize", func(p *types.Phase) { p.Outputs = []string{"report"} }),
		}}
		sc, _ := scorer.Evaluate("collect and summarize", plan)
		assert.InDelta(t, 1.0/3.0, sc.Efficiency, 0.001)
	})

	t.Run("risk adjusted is one minus mean risk", func(t *testing.T) {
		plan := &types.Plan{Phases: []*types.Phase{
			phase("p1", "collect", func(p *types.Phase) { p.RiskLevel = 0.4 }),
			phase("p2", "report", func(p *types.Phase) { p.RiskLevel = 0.8 }),
		}}
		sc, _ := scorer.Evaluate("collect report", plan)
		assert.InDelta(t, 0.4, sc.RiskAdjusted, 0.001)
	})
}

func TestSessionBudgets(t *testing.T) {
	t.Run("too many phases", func(t *testing.T) {
		s := NewSession("p")
		plan := &types.Plan{}
		for i := 0; i < maxPhases+1; i++ {
			plan.Phases = append(plan.Phases, phase("p", "x", nil))
		}
		reason, aborted := s.checkBudgets(plan)
		require.True(t, aborted)
		assert.Equal(t, AbortTooManyPhases, reason)
	})

	t.Run("phase duration cap", func(t *testing.T) {
		s := NewSession("p")
		plan := &types.Plan{Phases: []*types.Phase{
			phase("p1", "slow", func(p *types.Phase) { p.EstimatedTime = 11 * time.Minute }),
		}}
		reason, aborted := s.checkBudgets(plan)
		require.True(t, aborted)
		assert.Equal(t, AbortPhaseTooLong, reason)
	})

	t.Run("total duration cap", func(t *testing.T) {
		s := NewSession("p")
		plan := &types.Plan{}
		for i := 0; i < 7; i++ {
			plan.Phases = append(plan.Phases, phase("p", "x", func(p *types.Phase) {
				p.EstimatedTime = 10 * time.Minute
			}))
		}
		reason, aborted := s.checkBudgets(plan)
		require.True(t, aborted)
		assert.Equal(t, AbortPlanTooLong, reason)
	})

	t.Run("planning wall clock", func(t *testing.T) {
		s := NewSession("p")
		s.now = func() time.Time { return s.StartedAt.Add(31 * time.Second) }
		reason, aborted := s.checkBudgets(nil)
		require.True(t, aborted)
		assert.Equal(t, AbortPlanningTimeout, reason)
	})

	t.Run("slow single repair", func(t *testing.T) {
		s := NewSession("p")
		reason, aborted := s.recordRepair(RepairAttempt{Duration: 16 * time.Second})
		require.True(t, aborted)
		assert.Equal(t, AbortRepairTooSlow, reason)
	})
}

// scriptedCompleter returns canned responses in order, repeating the last
type scriptedCompleter struct {
	responses []string
	calls     int
}

func (c *scriptedCompleter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	i := c.calls
	if i >= len(c.responses) {
		i = len(c.responses) - 1
	}
	c.calls++
	return &llm.Response{Content: c.responses[i]}, nil
}

const goodPlanJSON = `{"phases":[
  {"id":"p1","name":"fetch weather","description":"download the weather data",
   "tools":["web_search"],"depends_on":[],"outputs":["raw"],"estimated_minutes":5,"risk_level":0.2}
]}`

const infeasiblePlanJSON = `{"phases":[
  {"id":"p1","name":"fetch weather data","description":"fetch the weather data",
   "tools":["teleport"],"depends_on":["ghost"],"outputs":["raw"],"estimated_minutes":5,"risk_level":0.2}
]}`

func TestPlannerLoop(t *testing.T) {
	t.Run("accepts a good first plan", func(t *testing.T) {
		c := &scriptedCompleter{responses: []string{goodPlanJSON}}
		p := New(c, "claude-sonnet", []string{"web_search"})

		plan, session, err := p.Plan(context.Background(), "fetch weather data")
		require.NoError(t, err)
		require.Len(t, plan.Phases, 1)
		assert.Equal(t, VerdictAccept, session.FinalVerdict)
		assert.Equal(t, 1, c.calls)
	})

	t.Run("regeneration budget exhausts", func(t *testing.T) {
		c := &scriptedCompleter{responses: []string{infeasiblePlanJSON}}
		p := New(c, "claude-sonnet", []string{"web_search"})

		_, session, err := p.Plan(context.Background(), "fetch weather data")
		require.Error(t, err)
		assert.True(t, errdefs.IsKind(err, errdefs.KindPlanRejected))
		assert.Equal(t, maxRegenerations, session.Regenerations)
		assert.Equal(t, 3, c.calls, "initial generation plus two regenerations")
	})

	t.Run("regeneration recovers", func(t *testing.T) {
		c := &scriptedCompleter{responses: []string{infeasiblePlanJSON, goodPlanJSON}}
		p := New(c, "claude-sonnet", []string{"web_search"})

		plan, session, err := p.Plan(context.Background(), "fetch weather data")
		require.NoError(t, err)
		require.NotNil(t, plan)
		assert.Equal(t, 1, session.Regenerations)
	})

	t.Run("garbage output is a validation error", func(t *testing.T) {
		c := &scriptedCompleter{responses: []string{"sorry, I cannot plan that"}}
		p := New(c, "claude-sonnet", []string{"web_search"})

		_, _, err := p.Plan(context.Background(), "fetch weather data")
		require.Error(t, err)
		assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))
	})
}
