package planner

import (
	"fmt"
	"time"

	"github.com/atelier-run/atelier/pkg/types"
)

// Session budgets. Exceeding any of them aborts the planning loop.
const (
	maxPlanningElapsed = 30 * time.Second
	maxTotalRepairTime = 60 * time.Second
	maxSingleRepair    = 15 * time.Second
	maxRepairAttempts  = 3
	maxRegenerations   = 2
	maxPhases          = 15
	maxPhaseDuration   = 10 * time.Minute
	maxTotalDuration   = 60 * time.Minute
)

// AbortReason identifies which budget was exhausted
type AbortReason string

const (
	AbortPlanningTimeout AbortReason = "planning_timeout"
	AbortRepairTimeout   AbortReason = "repair_timeout"
	AbortRepairTooSlow   AbortReason = "single_repair_too_slow"
	AbortRepairAttempts  AbortReason = "repair_attempts_exhausted"
	AbortRegenerations   AbortReason = "regenerations_exhausted"
	AbortTooManyPhases   AbortReason = "too_many_phases"
	AbortPhaseTooLong    AbortReason = "phase_duration_exceeded"
	AbortPlanTooLong     AbortReason = "total_duration_exceeded"
)

// RepairAttempt records one repair round for the session audit trail
type RepairAttempt struct {
	Suggestion Suggestion
	Before     Score
	After      Score
	Duration   time.Duration
}

// Session tracks one plan's scoring loop against the abort budgets
type Session struct {
	PlanID          string
	StartedAt       time.Time
	Repairs         []RepairAttempt
	Regenerations   int
	TotalRepairTime time.Duration
	FinalScore      Score
	FinalVerdict    Verdict

	now func() time.Time
}

// NewSession starts a scoring session for the given plan
func NewSession(planID string) *Session {
	s := &Session{PlanID: planID, now: time.Now}
	s.StartedAt = s.now()
	return s
}

func (s *Session) elapsed() time.Duration {
	return s.now().Sub(s.StartedAt)
}

// checkBudgets returns a non-empty abort reason when any session or
// plan-shape budget is exhausted
func (s *Session) checkBudgets(plan *types.Plan) (AbortReason, bool) {
	if s.elapsed() > maxPlanningElapsed {
		return AbortPlanningTimeout, true
	}
	if s.TotalRepairTime > maxTotalRepairTime {
		return AbortRepairTimeout, true
	}
	if len(s.Repairs) > maxRepairAttempts {
		return AbortRepairAttempts, true
	}
	if s.Regenerations > maxRegenerations {
		return AbortRegenerations, true
	}
	if plan != nil {
		if len(plan.Phases) > maxPhases {
			return AbortTooManyPhases, true
		}
		total := time.Duration(0)
		for _, p := range plan.Phases {
			if p.EstimatedTime > maxPhaseDuration {
				return AbortPhaseTooLong, true
			}
			total += p.EstimatedTime
		}
		if total > maxTotalDuration {
			return AbortPlanTooLong, true
		}
	}
	return "", false
}

// recordRepair appends one repair attempt; a single attempt past its
// time budget aborts the session
func (s *Session) recordRepair(attempt RepairAttempt) (AbortReason, bool) {
	s.Repairs = append(s.Repairs, attempt)
	s.TotalRepairTime += attempt.Duration
	if attempt.Duration > maxSingleRepair {
		return AbortRepairTooSlow, true
	}
	return "", false
}

// Summary renders the session for logs and the terminal run record
func (s *Session) Summary() string {
	return fmt.Sprintf("plan %s: verdict=%s composite=%.2f repairs=%d regenerations=%d elapsed=%s",
		s.PlanID, s.FinalVerdict, s.FinalScore.Composite, len(s.Repairs), s.Regenerations, s.elapsed().Round(time.Millisecond))
}
