// Copyright 2025 PolicyPulse
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package compliance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"policypulse/platform/compliance/llm"
)

// MaxIterations bounds the reason/act/reflect loop of one agent run. A run
// that reaches the cap is force-escalated, never silently dropped.
const MaxIterations = 5

// ErrViolationLocked means another agent run currently holds the violation.
var ErrViolationLocked = errors.New("violation is locked by another remediation run")

// RunStatus is the terminal outcome of one agent run.
type RunStatus string

const (
	RunSuccess   RunStatus = "success"
	RunEscalated RunStatus = "escalated"
	RunError     RunStatus = "error"
)

// AgentRun is the full trace of one remediation: every step, every action
// taken, and the compliance score on both sides of the run.
type AgentRun struct {
	ViolationID  string     `json:"violation_id"`
	Agent        string     `json:"agent"`
	Status       RunStatus  `json:"status"`
	Steps        []llm.Step `json:"steps"`
	ActionsTaken []string   `json:"actions_taken"`
	FinalAnswer  string     `json:"final_answer"`
	ScoreBefore  float64    `json:"score_before"`
	ScoreAfter   float64    `json:"score_after"`
	Iterations   int        `json:"iterations"`
}

// ScoreDelta is the score movement this run produced, rounded to one
// decimal.
func (r *AgentRun) ScoreDelta() float64 {
	return round1(r.ScoreAfter - r.ScoreBefore)
}

func round1(f float64) float64 {
	if f < 0 {
		return -float64(int(-f*10+0.5)) / 10
	}
	return float64(int(f*10+0.5)) / 10
}

// BatchRunSummary is the per-violation entry of a batch remediation.
type BatchRunSummary struct {
	ViolationID string    `json:"violation_id"`
	Status      RunStatus `json:"status"`
	Summary     string    `json:"summary"`
	Actions     []string  `json:"actions"`
	ScoreDelta  float64   `json:"score_delta"`
}

// BatchResult summarizes a batch remediation run.
type BatchResult struct {
	TotalProcessed       int               `json:"total_processed"`
	Resolved             int               `json:"resolved"`
	Escalated            int               `json:"escalated"`
	Errors               int               `json:"errors"`
	Skipped              int               `json:"skipped"`
	FinalComplianceScore float64           `json:"final_compliance_score"`
	Results              []BatchRunSummary `json:"results"`
}

// RemediationAgent runs the perceive -> (reason -> act -> reflect) loop on a
// single violation. The reasoner picks each action; the toolkit executes it;
// the loop never exceeds MaxIterations.
type RemediationAgent struct {
	store    Store
	toolkit  *ActionToolkit
	reasoner llm.Reasoner
	locker   *ViolationLocker
	name     string
	priming  string
}

func NewRemediationAgent(store Store, toolkit *ActionToolkit, reasoner llm.Reasoner, locker *ViolationLocker) *RemediationAgent {
	return &RemediationAgent{
		store:    store,
		toolkit:  toolkit,
		reasoner: reasoner,
		locker:   locker,
		name:     "remediation",
	}
}

// WithPersona returns a copy of the agent acting under a specialist name
// with a priming preamble prepended to every reasoning prompt.
func (a *RemediationAgent) WithPersona(name, priming string) *RemediationAgent {
	clone := *a
	clone.name = name
	clone.priming = priming
	return &clone
}

// Name reports which agent identity appears in the activity log.
func (a *RemediationAgent) Name() string { return a.name }

// Remediate runs the agent on one violation. It acquires the per-violation
// lock first; a held lock returns ErrViolationLocked without touching
// anything.
func (a *RemediationAgent) Remediate(ctx context.Context, violationID string) (*AgentRun, error) {
	if a.locker != nil {
		ok, err := a.locker.TryLock(ctx, violationID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrViolationLocked, violationID)
		}
		defer a.locker.Unlock(ctx, violationID)
	}

	run := &AgentRun{ViolationID: violationID, Agent: a.name, Status: RunStatus("running")}

	violation, rule, record, err := a.perceive(ctx, run, violationID)
	if err != nil {
		return nil, err
	}

	if violation.Status != StatusOpen {
		run.Status = RunSuccess
		run.ScoreAfter = run.ScoreBefore
		run.FinalAnswer = fmt.Sprintf("Violation %s is already %s - no action needed.", violationID, violation.Status)
		return run, nil
	}

	rc := llm.ReasoningContext{
		Violation: violation,
		Rule:      rule,
		Record:    record,
		Facts:     factsFor(violation, rule, record),
		Priming:   a.priming,
	}

	for run.Iterations = 0; run.Iterations < MaxIterations; run.Iterations++ {
		if err := ctx.Err(); err != nil {
			a.forceEscalate(run, fmt.Sprintf("Agent run cancelled: %v.", err))
			break
		}

		rc.Steps = run.Steps
		decision, err := a.reasoner.Reason(ctx, rc)
		if err != nil {
			// A reasoner that fails or returns garbage never gets a
			// second guess on this violation.
			a.forceEscalate(run, fmt.Sprintf("Agent reasoning failed (%v) - requires human review.", err))
			run.Iterations++
			break
		}

		step := llm.Step{Node: "reason", Thought: decision.Thought, Action: decision.Action, Args: decision.Args}
		a.act(ctx, run, &step, decision)
		run.Steps = append(run.Steps, step)

		if run.Status != RunStatus("running") {
			run.Iterations++
			break
		}
		if decision.IsFinal {
			run.Status = RunSuccess
			run.Iterations++
			break
		}
	}

	if run.Status == RunStatus("running") {
		a.forceEscalate(run, fmt.Sprintf("Agent hit max steps (%d) - requires human review.", MaxIterations))
	}

	a.reflect(ctx, run)
	return run, nil
}

// RemediateBatch runs the agent over all open violations matching severity
// ("" or "all" matches every severity), up to 50 per call. Each violation is
// isolated: one failing run is recorded and the batch moves on. Cancelling
// the context stops the batch between violations.
func (a *RemediationAgent) RemediateBatch(ctx context.Context, severity string) (*BatchResult, error) {
	filter := ViolationFilter{Status: StatusOpen, Limit: 50}
	if severity != "" && severity != "all" {
		filter.Severity = Severity(severity)
	}
	violations, err := a.store.ListViolations(ctx, filter)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{Results: []BatchRunSummary{}}
	for _, v := range violations {
		if err := ctx.Err(); err != nil {
			break
		}

		run, err := a.Remediate(ctx, v.ViolationID)
		if err != nil {
			if errors.Is(err, ErrViolationLocked) {
				result.Skipped++
				continue
			}
			result.TotalProcessed++
			result.Errors++
			result.Results = append(result.Results, BatchRunSummary{
				ViolationID: v.ViolationID,
				Status:      RunError,
				Summary:     fmt.Sprintf("Agent encountered an error processing %s: %v.", v.ViolationID, err),
				Actions:     []string{},
			})
			continue
		}

		result.TotalProcessed++
		result.Results = append(result.Results, BatchRunSummary{
			ViolationID: v.ViolationID,
			Status:      run.Status,
			Summary:     run.FinalAnswer,
			Actions:     run.ActionsTaken,
			ScoreDelta:  run.ScoreDelta(),
		})
		switch run.Status {
		case RunSuccess:
			result.Resolved++
		case RunEscalated:
			result.Escalated++
		default:
			result.Errors++
		}
	}

	if counts, err := a.store.ScoreCounts(ctx); err == nil {
		result.FinalComplianceScore = counts.ComplianceScore()
	}
	return result, nil
}

// perceive loads the violation with its rule and record, captures the score
// before any action, and seeds the trace.
func (a *RemediationAgent) perceive(ctx context.Context, run *AgentRun, violationID string) (*Violation, *Rule, *Record, error) {
	violation, err := a.store.GetViolation(ctx, violationID)
	if err != nil {
		return nil, nil, nil, err
	}

	rule, err := a.store.GetRule(ctx, violation.RuleID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, nil, nil, err
	}
	record, err := a.store.GetRecord(ctx, violation.RecordID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, nil, nil, err
	}

	if counts, err := a.store.ScoreCounts(ctx); err == nil {
		run.ScoreBefore = counts.ComplianceScore()
	}

	run.Steps = append(run.Steps, llm.Step{
		Node: "perceive",
		Observation: fmt.Sprintf("Loaded violation %s. Score before: %.1f%%. Record: %s. Rule: %s. Severity: %s. Status: %s.",
			violationID, run.ScoreBefore, violation.RecordID, violation.RuleID, violation.Severity, violation.Status),
	})
	return violation, rule, record, nil
}

// act executes the decided action through the toolkit and records the
// observation on the step.
func (a *RemediationAgent) act(ctx context.Context, run *AgentRun, step *llm.Step, decision *llm.Decision) {
	var obs string
	var err error

	switch decision.Action {
	case "done":
		run.Status = RunSuccess
		obs = "Run complete."

	case "update_field":
		recordID := argString(decision.Args, "record_id")
		field := argString(decision.Args, "field")
		reason := argString(decision.Args, "reason")
		obs, err = a.toolkit.UpdateField(ctx, a.name, recordID, field, decision.Args["value"], reason)
		if err == nil {
			run.ActionsTaken = append(run.ActionsTaken,
				fmt.Sprintf("Fixed field '%s' = %v on %s", field, decision.Args["value"], recordID))
		}

	case "resolve":
		reason := argString(decision.Args, "reason")
		obs, err = a.toolkit.Resolve(ctx, a.name, run.ViolationID, reason)
		if err == nil {
			run.ActionsTaken = append(run.ActionsTaken, "Resolved violation: "+truncate(reason, 80))
			run.Status = RunSuccess
		}

	case "escalate":
		reason := argString(decision.Args, "reason")
		obs, err = a.toolkit.Escalate(ctx, a.name, run.ViolationID, reason)
		if err == nil {
			run.ActionsTaken = append(run.ActionsTaken, "Escalated: "+truncate(reason, 80))
			run.Status = RunEscalated
		}

	case "get_score":
		var counts ScoreCounts
		counts, err = a.toolkit.Score(ctx)
		if err == nil {
			obs = fmt.Sprintf("Compliance score: %.1f%%. Open violations: %d (critical: %d, high: %d, medium: %d, low: %d).",
				counts.ComplianceScore(), counts.Open, counts.Critical, counts.High, counts.Medium, counts.Low)
		}

	default:
		run.Status = RunError
		obs = "Unknown tool: " + decision.Action
	}

	if err != nil {
		switch {
		case errors.Is(err, ErrDataValidation):
			// Bad value, not a broken tool. Surface the rejection as the
			// observation and keep the run alive so the reasoner can pick a
			// different action; the iteration cap bounds the retries.
			obs = "Action rejected: " + err.Error()
		case errors.Is(err, ErrPreconditionFailed):
			obs = "Action skipped: " + err.Error()
		default:
			run.Status = RunError
			obs = "Tool error: " + err.Error()
		}
	}
	step.Observation = obs
}

// forceEscalate closes out a run that cannot continue autonomously.
func (a *RemediationAgent) forceEscalate(run *AgentRun, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	obs, err := a.toolkit.Escalate(ctx, a.name, run.ViolationID, reason)
	if err != nil {
		obs = "Tool error: " + err.Error()
	}
	run.Status = RunEscalated
	run.ActionsTaken = append(run.ActionsTaken, "Escalated: "+truncate(reason, 80))
	run.Steps = append(run.Steps, llm.Step{Node: "reflect", Thought: reason, Action: "escalate", Observation: obs})
	run.FinalAnswer = fmt.Sprintf("Agent escalated violation %s for human review. Reason: %s", run.ViolationID, reason)
}

// reflect computes the closing score and the final answer.
func (a *RemediationAgent) reflect(ctx context.Context, run *AgentRun) {
	if counts, err := a.store.ScoreCounts(ctx); err == nil {
		run.ScoreAfter = counts.ComplianceScore()
	}

	if run.FinalAnswer != "" {
		return
	}
	switch run.Status {
	case RunSuccess:
		delta := run.ScoreDelta()
		sign := ""
		if delta >= 0 {
			sign = "+"
		}
		run.FinalAnswer = fmt.Sprintf("Agent successfully remediated violation %s. Actions: %s. Compliance score: %.1f%% -> %.1f%% (%s%.1f%%).",
			run.ViolationID, strings.Join(run.ActionsTaken, "; "), run.ScoreBefore, run.ScoreAfter, sign, delta)
	case RunEscalated:
		reason := "requires human action"
		if len(run.ActionsTaken) > 0 {
			reason = run.ActionsTaken[len(run.ActionsTaken)-1]
		}
		run.FinalAnswer = fmt.Sprintf("Agent escalated violation %s for human review. Reason: %s.", run.ViolationID, reason)
	default:
		run.FinalAnswer = fmt.Sprintf("Agent encountered an error processing %s.", run.ViolationID)
	}
}

// factsFor distills the violation into the structured facts every reasoner
// receives.
func factsFor(v *Violation, rule *Rule, record *Record) llm.Facts {
	facts := llm.Facts{
		ViolationID: v.ViolationID,
		RecordID:    v.RecordID,
		Severity:    string(v.Severity),
	}
	if rule != nil {
		facts.Field = rule.Condition.Field
		facts.Operator = string(rule.Condition.Operator)
		facts.Expected = rule.Condition.Value
		facts.AutoFixable = rule.Condition.Operator.AutoFixable()
		facts.FixValue = rule.Condition.FixValue()
		facts.ConditionText = rule.ConditionText
		facts.RequiredAction = rule.RequiredAction
	}
	if record != nil && rule != nil {
		facts.CurrentValue = record.Data[rule.Condition.Field]
	}
	return facts
}

func argString(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	if s, ok := args[key].(string); ok {
		return s
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
