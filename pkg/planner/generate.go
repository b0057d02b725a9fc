package planner

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/atelier-run/atelier/pkg/errdefs"
	"github.com/atelier-run/atelier/pkg/llm"
	"github.com/atelier-run/atelier/pkg/log"
	"github.com/atelier-run/atelier/pkg/types"
	"github.com/google/uuid"
)

const planSystemPrompt = `You decompose a user goal into an executable plan.
Respond with a single JSON object and nothing else:
{"phases":[{"id":"p1","name":"...","description":"...","tools":["..."],
"depends_on":[],"outputs":["..."],"estimated_minutes":5,"risk_level":0.2}]}
Use only the tools you are given. Keep phases small and ordered.`

// Completer is the slice of the LLM gateway the planner needs
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Planner drives plan generation through the scoring loop until a plan
// is accepted or a session budget aborts
type Planner struct {
	llm    Completer
	scorer *Scorer
	model  string
	tools  []string
}

// New creates a planner using the given model and callable tool set
func New(completer Completer, model string, tools []string) *Planner {
	return &Planner{
		llm:    completer,
		scorer: NewScorer(tools),
		model:  model,
		tools:  tools,
	}
}

// Plan generates, scores and, as needed, repairs or regenerates a plan
// for the goal. On abort the error kind is PlanRejected and the session
// carries the audit trail.
func (p *Planner) Plan(ctx context.Context, goal string) (*types.Plan, *Session, error) {
	session := NewSession(uuid.New().String())
	logger := log.WithComponent("planner")

	plan, err := p.generate(ctx, goal, "")
	if err != nil {
		return nil, session, err
	}

	for {
		if reason, aborted := session.checkBudgets(plan); aborted {
			session.FinalVerdict = VerdictRegenerate
			return nil, session, errdefs.Newf(errdefs.KindPlanRejected,
				"planning aborted: %s", reason)
		}

		score, verdict := p.scorer.Evaluate(goal, plan)
		session.FinalScore = score
		session.FinalVerdict = verdict

		switch verdict {
		case VerdictAccept:
			logger.Info().
				Str("plan_id", session.PlanID).
				Float64("composite", score.Composite).
				Int("phases", len(plan.Phases)).
				Msg("plan accepted")
			return plan, session, nil

		case VerdictRepair:
			if len(session.Repairs) >= maxRepairAttempts {
				return nil, session, errdefs.Newf(errdefs.KindPlanRejected,
					"planning aborted: %s", AbortRepairAttempts)
			}
			sug := suggest(score)
			start := time.Now()
			repaired, err := p.repair(ctx, goal, plan, sug)
			attempt := RepairAttempt{
				Suggestion: sug,
				Before:     score,
				Duration:   time.Since(start),
			}
			if err != nil {
				// A failed repair still consumes its attempt
				if reason, aborted := session.recordRepair(attempt); aborted {
					return nil, session, errdefs.Newf(errdefs.KindPlanRejected,
						"planning aborted: %s", reason)
				}
				logger.Warn().Err(err).Msg("repair attempt failed")
				continue
			}
			attempt.After, _ = p.scorer.Evaluate(goal, repaired)
			if reason, aborted := session.recordRepair(attempt); aborted {
				return nil, session, errdefs.Newf(errdefs.KindPlanRejected,
					"planning aborted: %s", reason)
			}
			plan = repaired

		case VerdictRegenerate:
			if session.Regenerations >= maxRegenerations {
				return nil, session, errdefs.Newf(errdefs.KindPlanRejected,
					"planning aborted: %s", AbortRegenerations)
			}
			session.Regenerations++
			regenerated, err := p.generate(ctx, goal,
				"The previous plan was rejected. Produce a different decomposition.")
			if err != nil {
				return nil, session, err
			}
			plan = regenerated
		}
	}
}

func (p *Planner) generate(ctx context.Context, goal, hint string) (*types.Plan, error) {
	content := "Goal: " + goal + "\nAvailable tools: " + strings.Join(p.tools, ", ")
	if hint != "" {
		content += "\n" + hint
	}
	resp, err := p.llm.Complete(ctx, llm.Request{
		Model:     p.model,
		System:    planSystemPrompt,
		Messages:  []llm.Message{{Role: "user", Content: content}},
		MaxTokens: 4096,
	})
	if err != nil {
		return nil, err
	}
	return parsePlan(goal, resp.Content)
}

func (p *Planner) repair(ctx context.Context, goal string, plan *types.Plan, sug Suggestion) (*types.Plan, error) {
	encoded, err := json.Marshal(planToWire(plan))
	if err != nil {
		return nil, err
	}
	resp, err := p.llm.Complete(ctx, llm.Request{
		Model:  p.model,
		System: planSystemPrompt,
		Messages: []llm.Message{{
			Role: "user",
			Content: "Goal: " + goal +
				"\nAvailable tools: " + strings.Join(p.tools, ", ") +
				"\nCurrent plan: " + string(encoded) +
				"\nRepair it. " + sug.String(),
		}},
		MaxTokens: 4096,
	})
	if err != nil {
		return nil, err
	}
	return parsePlan(goal, resp.Content)
}

// wire format of a model-produced plan
type wirePlan struct {
	Phases []wirePhase `json:"phases"`
}

type wirePhase struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	Tools            []string `json:"tools"`
	DependsOn        []string `json:"depends_on"`
	Outputs          []string `json:"outputs"`
	EstimatedMinutes float64  `json:"estimated_minutes"`
	RiskLevel        float64  `json:"risk_level"`
}

func planToWire(plan *types.Plan) wirePlan {
	out := wirePlan{Phases: make([]wirePhase, 0, len(plan.Phases))}
	for _, p := range plan.Phases {
		out.Phases = append(out.Phases, wirePhase{
			ID:               p.ID,
			Name:             p.Name,
			Description:      p.Description,
			Tools:            p.Tools,
			DependsOn:        p.DependsOn,
			Outputs:          p.Outputs,
			EstimatedMinutes: p.EstimatedTime.Minutes(),
			RiskLevel:        p.RiskLevel,
		})
	}
	return out
}

// parsePlan extracts the JSON object from model output and validates it
// structurally. Malformed output is a validation error, which the
// caller treats as a failed generation.
func parsePlan(goal, content string) (*types.Plan, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, errdefs.New(errdefs.KindValidation, "model output contains no JSON object")
	}

	var wire wirePlan
	dec := json.NewDecoder(strings.NewReader(content[start : end+1]))
	if err := dec.Decode(&wire); err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidation, "failed to parse plan", err)
	}
	if len(wire.Phases) == 0 {
		return nil, errdefs.New(errdefs.KindValidation, "plan has no phases")
	}

	plan := &types.Plan{
		ID:        uuid.New().String(),
		Goal:      goal,
		Phases:    make([]*types.Phase, 0, len(wire.Phases)),
		CreatedAt: time.Now(),
	}
	for i, wp := range wire.Phases {
		if wp.ID == "" || wp.Name == "" {
			return nil, errdefs.Newf(errdefs.KindValidation, "phase %d missing id or name", i)
		}
		if wp.RiskLevel < 0 || wp.RiskLevel > 1 {
			return nil, errdefs.Newf(errdefs.KindValidation, "phase %s risk_level out of range", wp.ID)
		}
		plan.Phases = append(plan.Phases, &types.Phase{
			ID:            wp.ID,
			Name:          wp.Name,
			Description:   wp.Description,
			Tools:         wp.Tools,
			DependsOn:     wp.DependsOn,
			Outputs:       wp.Outputs,
			EstimatedTime: time.Duration(wp.EstimatedMinutes * float64(time.Minute)),
			RiskLevel:     wp.RiskLevel,
		})
	}
	return plan, nil
}
