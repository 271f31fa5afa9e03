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

// Orchestrator routes violations to specialist agents. Each specialist is
// the same remediation loop running under a domain persona, so routing
// decides who acts, never what actions exist.
type Orchestrator struct {
	store     Store
	base      *RemediationAgent
	playbooks PlaybookSet
	log       *ActivityLog
}

// RoutingLog records why the orchestrator picked a specialist.
type RoutingLog struct {
	Orchestrator string    `json:"orchestrator"`
	Decision     string    `json:"decision"`
	Reasoning    string    `json:"reasoning"`
	Timestamp    time.Time `json:"timestamp"`
}

// OrchestrationResult is the outcome of routing one violation through a
// specialist.
type OrchestrationResult struct {
	ViolationID  string     `json:"violation_id"`
	Status       string     `json:"status"`
	Message      string     `json:"message,omitempty"`
	RoutedTo     string     `json:"routed_to,omitempty"`
	AgentName    string     `json:"agent_name,omitempty"`
	Confidence   float64    `json:"confidence"`
	ActionsTaken []string   `json:"actions_taken"`
	Steps        []llm.Step `json:"steps"`
	RoutingLog   *RoutingLog `json:"routing_log,omitempty"`
	ScoreBefore  float64    `json:"score_before"`
	ScoreAfter   float64    `json:"score_after"`
	ScoreDelta   float64    `json:"score_delta"`
}

// SpecialistStats aggregates outcomes per specialist in a batch.
type SpecialistStats struct {
	Resolved  int `json:"resolved"`
	Escalated int `json:"escalated"`
	Errors    int `json:"errors"`
}

// OrchestrationBatchResult summarizes one orchestrated batch.
type OrchestrationBatchResult struct {
	TotalProcessed       int                         `json:"total_processed"`
	AgentStats           map[string]*SpecialistStats `json:"agent_stats"`
	FinalComplianceScore float64                     `json:"final_compliance_score"`
	Results              []*OrchestrationResult      `json:"results"`
}

func NewOrchestrator(store Store, base *RemediationAgent, playbooks PlaybookSet, log *ActivityLog) *Orchestrator {
	if playbooks == nil {
		playbooks = DefaultPlaybooks()
	}
	return &Orchestrator{store: store, base: base, playbooks: playbooks, log: log}
}

// Orchestrate routes one violation to its specialist and runs it.
func (o *Orchestrator) Orchestrate(ctx context.Context, violationID string) (*OrchestrationResult, error) {
	violation, err := o.store.GetViolation(ctx, violationID)
	if err != nil {
		return nil, err
	}
	if violation.Status != StatusOpen {
		return &OrchestrationResult{
			ViolationID:  violationID,
			Status:       "skipped",
			Message:      fmt.Sprintf("Violation already %s - no action needed.", violation.Status),
			ActionsTaken: []string{},
			Steps:        []llm.Step{},
		}, nil
	}

	rule, err := o.store.GetRule(ctx, violation.RuleID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	kind := o.playbooks.Classify(rule, violation)
	playbook := o.playbooks[kind]

	field := "?"
	if rule != nil {
		field = rule.Condition.Field
	}
	routing := &RoutingLog{
		Orchestrator: "PolicyPulse Orchestrator v2",
		Decision:     fmt.Sprintf("Routed violation %s to %s", violationID, playbook.Name),
		Reasoning:    fmt.Sprintf("Rule field '%s' matches %s domain. Severity: %s.", field, kind, violation.Severity),
		Timestamp:    time.Now().UTC(),
	}

	specialist := o.base.WithPersona(playbook.Name, playbook.Priming)
	run, err := specialist.Remediate(ctx, violationID)
	if err != nil {
		return nil, err
	}

	result := &OrchestrationResult{
		ViolationID:  violationID,
		Status:       outcomeOf(run.Status),
		RoutedTo:     kind,
		AgentName:    playbook.Name,
		Confidence:   specialistConfidence(run, rule),
		ActionsTaken: run.ActionsTaken,
		Steps:        run.Steps,
		RoutingLog:   routing,
		ScoreBefore:  run.ScoreBefore,
		ScoreAfter:   run.ScoreAfter,
		ScoreDelta:   run.ScoreDelta(),
	}

	// Advisory summary entry; the individual actions were already logged
	// synchronously by the toolkit.
	o.log.Record(NewEntry("specialist_"+kind, violationID, playbook.Name,
		fmt.Sprintf("%s: %s", playbook.Name, strings.Join(run.ActionsTaken, "; ")), result.ScoreDelta))

	return result, nil
}

// OrchestrateBatch routes every matching open violation (up to 100) through
// its specialist and aggregates outcomes per agent.
func (o *Orchestrator) OrchestrateBatch(ctx context.Context, severity string) (*OrchestrationBatchResult, error) {
	filter := ViolationFilter{Status: StatusOpen, Limit: 100}
	if severity != "" && severity != "all" {
		filter.Severity = Severity(severity)
	}
	violations, err := o.store.ListViolations(ctx, filter)
	if err != nil {
		return nil, err
	}

	result := &OrchestrationBatchResult{
		AgentStats: make(map[string]*SpecialistStats, len(o.playbooks)),
		Results:    []*OrchestrationResult{},
	}
	for kind := range o.playbooks {
		result.AgentStats[kind] = &SpecialistStats{}
	}

	for _, v := range violations {
		if err := ctx.Err(); err != nil {
			break
		}
		res, err := o.Orchestrate(ctx, v.ViolationID)
		if err != nil {
			if errors.Is(err, ErrViolationLocked) {
				continue
			}
			res = &OrchestrationResult{
				ViolationID:  v.ViolationID,
				Status:       "error",
				Message:      err.Error(),
				RoutedTo:     DefaultSpecialist,
				ActionsTaken: []string{},
				Steps:        []llm.Step{},
			}
		}
		result.TotalProcessed++
		result.Results = append(result.Results, res)

		stats, ok := result.AgentStats[res.RoutedTo]
		if !ok {
			stats = &SpecialistStats{}
			result.AgentStats[res.RoutedTo] = stats
		}
		switch res.Status {
		case "resolved":
			stats.Resolved++
		case "escalated":
			stats.Escalated++
		default:
			stats.Errors++
		}
	}

	if counts, err := o.store.ScoreCounts(ctx); err == nil {
		result.FinalComplianceScore = counts.ComplianceScore()
	}
	return result, nil
}

// AgentStatus describes one specialist for the system status surface.
type AgentStatus struct {
	Type         string   `json:"type"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Status       string   `json:"status"`
	ActionsTaken int      `json:"actions_taken"`
	Capabilities []string `json:"capabilities"`
}

// SystemStatus is the health snapshot of the whole agent system.
type SystemStatus struct {
	System          string           `json:"system"`
	Status          string           `json:"status"`
	Timestamp       time.Time        `json:"timestamp"`
	ComplianceScore float64          `json:"compliance_score"`
	Violations      map[string]int64 `json:"violations"`
	AgentLog        map[string]int   `json:"agent_log"`
	Agents          []AgentStatus    `json:"agents"`
	RecentActivity  []AgentLogEntry  `json:"recent_activity"`
}

// Status reports specialist activity counts, violation breakdowns and the
// current score.
func (o *Orchestrator) Status(ctx context.Context) (*SystemStatus, error) {
	counts, err := o.store.ScoreCounts(ctx)
	if err != nil {
		return nil, err
	}
	logCounts, err := o.log.Counts(ctx)
	if err != nil {
		return nil, err
	}
	recent, err := o.log.Recent(ctx, 5)
	if err != nil {
		return nil, err
	}

	escalated, _ := o.store.CountViolations(ctx, ViolationFilter{Status: StatusEscalated})
	resolved, _ := o.store.CountViolations(ctx, ViolationFilter{Status: StatusResolved})

	total := 0
	for _, n := range logCounts {
		total += n
	}

	agents := make([]AgentStatus, 0, len(o.playbooks))
	for _, kind := range specialistOrder(o.playbooks) {
		pb := o.playbooks[kind]
		agents = append(agents, AgentStatus{
			Type:         kind,
			Name:         pb.Name,
			Description:  pb.Description,
			Status:       "active",
			ActionsTaken: logCounts["specialist_"+kind],
			Capabilities: pb.Capabilities,
		})
	}

	return &SystemStatus{
		System:          "PolicyPulse Multi-Agent System v2",
		Status:          "operational",
		Timestamp:       time.Now().UTC(),
		ComplianceScore: counts.ComplianceScore(),
		Violations: map[string]int64{
			"open":      counts.Open,
			"escalated": escalated,
			"resolved":  resolved,
		},
		AgentLog: map[string]int{
			"total_entries": total,
			"resolves":      logCounts["resolve"],
			"escalations":   logCounts["escalate"],
			"field_updates": logCounts["update_field"],
		},
		Agents:         agents,
		RecentActivity: recent,
	}, nil
}

func outcomeOf(status RunStatus) string {
	switch status {
	case RunSuccess:
		return "resolved"
	case RunEscalated:
		return "escalated"
	default:
		return "error"
	}
}

// specialistConfidence grades how certain the specialist path was: direct
// auto-fixes are near-certain, escalations of non-fixable conditions are
// confident judgments, advisory resolutions less so.
func specialistConfidence(run *AgentRun, rule *Rule) float64 {
	autoFixable := rule != nil && rule.Condition.Operator.AutoFixable()
	switch run.Status {
	case RunSuccess:
		if autoFixable {
			return 0.95
		}
		return 0.72
	case RunEscalated:
		return 0.88
	default:
		return 0.0
	}
}
