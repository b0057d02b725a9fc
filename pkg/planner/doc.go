/*
Package planner turns a goal into an accepted execution plan.

A generated plan is scored on feasibility, completeness, efficiency and
risk; the weighted composite decides between accepting the plan,
repairing it with a typed suggestion, or regenerating from scratch.
The whole loop runs inside a budgeted session and aborts with a
structured reason when time, attempt, or plan-shape budgets run out.
*/
package planner
