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
	"sort"
	"time"
)

// FrequencyWindowDays is how far back the frequency analysis looks.
const FrequencyWindowDays = 30

// fieldTemplate describes a field that is known to need a compliance rule.
type fieldTemplate struct {
	SuggestedRule string
	Operator      ConditionOperator
	Severity      Severity
	Category      string
}

// commonComplianceFields catalogs fields that should be covered by an active
// rule in any well-run compliance program. Coverage-gap and new-rule analysis
// both draw from this catalog.
var commonComplianceFields = map[string]fieldTemplate{
	"mfa_enabled": {
		SuggestedRule: "All accounts must have MFA enabled",
		Operator:      OpIsTrue,
		Severity:      SeverityCritical,
		Category:      "Security",
	},
	"encryption_enabled": {
		SuggestedRule: "Data at rest must be encrypted",
		Operator:      OpIsTrue,
		Severity:      SeverityCritical,
		Category:      "Security",
	},
	"ssl_certificate_valid": {
		SuggestedRule: "All servers must have valid SSL/TLS certificates",
		Operator:      OpIsTrue,
		Severity:      SeverityHigh,
		Category:      "Security",
	},
	"backup_enabled": {
		SuggestedRule: "Automated backups must be enabled",
		Operator:      OpIsTrue,
		Severity:      SeverityHigh,
		Category:      "Operations",
	},
	"contract_signed": {
		SuggestedRule: "All vendors must have a signed contract on file",
		Operator:      OpIsTrue,
		Severity:      SeverityHigh,
		Category:      "Vendor",
	},
	"last_training_date": {
		SuggestedRule: "Security training must be completed within the last 365 days",
		Operator:      OpDateWithinDays,
		Severity:      SeverityMedium,
		Category:      "Operations",
	},
	"firewall_enabled": {
		SuggestedRule: "All network devices must have firewall enabled",
		Operator:      OpIsTrue,
		Severity:      SeverityCritical,
		Category:      "Security",
	},
	"gdpr_compliant": {
		SuggestedRule: "All data processing must be GDPR compliant",
		Operator:      OpIsTrue,
		Severity:      SeverityCritical,
		Category:      "Privacy",
	},
	"data_classification": {
		SuggestedRule: "All records must have a data classification level assigned",
		Operator:      OpExists,
		Severity:      SeverityMedium,
		Category:      "Privacy",
	},
	"patch_level": {
		SuggestedRule: "Systems must be patched to the current level",
		Operator:      OpEquals,
		Severity:      SeverityHigh,
		Category:      "Security",
	},
	"retention_days": {
		SuggestedRule: "Data must not be retained beyond the maximum allowed period",
		Operator:      OpLessOrEqual,
		Severity:      SeverityMedium,
		Category:      "Privacy",
	},
	"incident_response_plan": {
		SuggestedRule: "Incident response plan must be documented and tested",
		Operator:      OpIsTrue,
		Severity:      SeverityHigh,
		Category:      "Operations",
	},
}

// PolicyRecommendation is one actionable finding from the advisor. Only the
// fields relevant to the recommendation type are populated.
type PolicyRecommendation struct {
	Type     string `json:"type"`
	Priority string `json:"priority"`

	RuleID   string `json:"rule_id,omitempty"`
	RuleName string `json:"rule_name,omitempty"`
	RecordID string `json:"record_id,omitempty"`
	Field    string `json:"field,omitempty"`

	CurrentSeverity   Severity          `json:"current_severity,omitempty"`
	SuggestedSeverity Severity          `json:"suggested_severity,omitempty"`
	ViolationCount    int               `json:"violation_count,omitempty"`
	RepeatCount       int               `json:"repeat_count,omitempty"`
	CurrentlyOpen     bool              `json:"currently_open,omitempty"`
	ObservedInRecords int               `json:"observed_in_records,omitempty"`
	SuggestedName     string            `json:"suggested_name,omitempty"`
	Operator          ConditionOperator `json:"operator,omitempty"`
	Severity          Severity          `json:"severity,omitempty"`
	Category          string            `json:"category,omitempty"`

	Analysis string `json:"analysis"`
	Action   string `json:"action"`
}

// AdvisorySummary groups recommendation counts for the report header.
type AdvisorySummary struct {
	ByType     map[string]int `json:"by_type"`
	ByPriority map[string]int `json:"by_priority"`
}

// AdvisoryReport is the full output of one advisor run.
type AdvisoryReport struct {
	Status               string                 `json:"status"`
	Timestamp            time.Time              `json:"timestamp"`
	PolicyHealth         string                 `json:"policy_health"`
	PolicyHealthMessage  string                 `json:"policy_health_message"`
	TotalRecommendations int                    `json:"total_recommendations"`
	Summary              AdvisorySummary        `json:"summary"`
	Recommendations      []PolicyRecommendation `json:"recommendations"`
}

// PolicyAdvisor analyzes violation history and rule coverage, and produces
// policy recommendations. It never mutates rules, records or violations; the
// only side effect is one advisory entry in the activity log per run.
type PolicyAdvisor struct {
	store Store
	log   *ActivityLog
	now   func() time.Time
}

func NewPolicyAdvisor(store Store, log *ActivityLog) *PolicyAdvisor {
	return &PolicyAdvisor{store: store, log: log, now: time.Now}
}

// NewPolicyAdvisorAt fixes the clock, for tests.
func NewPolicyAdvisorAt(store Store, log *ActivityLog, now func() time.Time) *PolicyAdvisor {
	return &PolicyAdvisor{store: store, log: log, now: now}
}

// Advise runs all analysis strategies and assembles the report.
func (a *PolicyAdvisor) Advise(ctx context.Context) (*AdvisoryReport, error) {
	now := a.now().UTC()

	frequency, err := a.analyzeFrequency(ctx, now)
	if err != nil {
		return nil, err
	}
	repeats, err := a.analyzeRepeatOffenders(ctx)
	if err != nil {
		return nil, err
	}
	gaps, err := a.analyzeCoverageGaps(ctx)
	if err != nil {
		return nil, err
	}
	newRules, err := a.suggestNewRules(ctx)
	if err != nil {
		return nil, err
	}

	all := make([]PolicyRecommendation, 0, len(frequency)+len(repeats)+len(gaps)+len(newRules))
	all = append(all, frequency...)
	all = append(all, repeats...)
	all = append(all, gaps...)
	all = append(all, newRules...)
	sortRecommendations(all)

	summary := AdvisorySummary{
		ByType:     map[string]int{},
		ByPriority: map[string]int{"high": 0, "medium": 0, "low": 0},
	}
	for _, rec := range all {
		summary.ByType[rec.Type]++
		summary.ByPriority[rec.Priority]++
	}

	health, healthMsg := policyHealth(summary.ByPriority["high"])

	if a.log != nil {
		a.log.Record(NewEntry("policy_advisor", "system", "PolicyPulse Policy Advisor",
			fmt.Sprintf("Policy Advisor generated %d recommendations (%d high priority).",
				len(all), summary.ByPriority["high"]), 0))
	}

	return &AdvisoryReport{
		Status:               "success",
		Timestamp:            now,
		PolicyHealth:         health,
		PolicyHealthMessage:  healthMsg,
		TotalRecommendations: len(all),
		Summary:              summary,
		Recommendations:      all,
	}, nil
}

// analyzeFrequency finds the rules that triggered the most violations in the
// recent window and recommends a severity upgrade or targeted enforcement.
func (a *PolicyAdvisor) analyzeFrequency(ctx context.Context, now time.Time) ([]PolicyRecommendation, error) {
	since := now.AddDate(0, 0, -FrequencyWindowDays)
	violations, err := a.store.ListViolations(ctx, ViolationFilter{Since: since})
	if err != nil {
		return nil, err
	}

	counts := map[string]int{}
	criticals := map[string]int{}
	for _, v := range violations {
		if v.RuleID == "" {
			continue
		}
		counts[v.RuleID]++
		if v.Severity == SeverityCritical {
			criticals[v.RuleID]++
		}
	}

	var recs []PolicyRecommendation
	for _, ruleID := range topRuleIDs(counts, 10) {
		count := counts[ruleID]
		rule, err := a.store.GetRule(ctx, ruleID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		criticalPct := float64(criticals[ruleID]) / float64(count)

		switch {
		case count >= 5 && rule.Severity != SeverityCritical:
			suggested := SeverityHigh
			if criticalPct > 0.5 {
				suggested = SeverityCritical
			}
			recs = append(recs, PolicyRecommendation{
				Type:              "severity_upgrade",
				Priority:          "high",
				RuleID:            ruleID,
				RuleName:          rule.Name,
				CurrentSeverity:   rule.Severity,
				SuggestedSeverity: suggested,
				ViolationCount:    count,
				Analysis: fmt.Sprintf(
					"Rule '%s' triggered %d violations in %d days. %.0f%% were tagged critical. "+
						"Consider raising the severity level to ensure faster remediation.",
					rule.Name, count, FrequencyWindowDays, criticalPct*100),
				Action: fmt.Sprintf("Upgrade rule severity from '%s' to '%s'.", rule.Severity, suggested),
			})
		case count >= 3:
			recs = append(recs, PolicyRecommendation{
				Type:           "frequent_violation",
				Priority:       "medium",
				RuleID:         ruleID,
				RuleName:       rule.Name,
				ViolationCount: count,
				Analysis: fmt.Sprintf(
					"Rule '%s' triggered %d violations in %d days. This rule is triggering frequently. "+
						"Consider targeted training or automated enforcement.",
					rule.Name, count, FrequencyWindowDays),
				Action: "Add automated enforcement or schedule a compliance training session for affected departments.",
			})
		}
	}
	return recs, nil
}

// analyzeRepeatOffenders finds records that violated the same rule again
// after a resolution, which means the fix did not stick.
func (a *PolicyAdvisor) analyzeRepeatOffenders(ctx context.Context) ([]PolicyRecommendation, error) {
	resolved, err := a.store.ListViolations(ctx, ViolationFilter{Status: StatusResolved})
	if err != nil {
		return nil, err
	}
	open, err := a.store.ListViolations(ctx, ViolationFilter{Status: StatusOpen})
	if err != nil {
		return nil, err
	}

	combos := map[ViolationKey]int{}
	for _, v := range resolved {
		if v.RecordID == "" || v.RuleID == "" {
			continue
		}
		combos[ViolationKey{RuleID: v.RuleID, RecordID: v.RecordID}]++
	}
	openCombos := map[ViolationKey]struct{}{}
	for _, v := range open {
		openCombos[ViolationKey{RuleID: v.RuleID, RecordID: v.RecordID}] = struct{}{}
	}

	var recs []PolicyRecommendation
	for _, key := range topViolationKeys(combos, 10) {
		count := combos[key]
		if count < 2 {
			continue
		}
		_, openAgain := openCombos[key]

		ruleName := key.RuleID
		rule, err := a.store.GetRule(ctx, key.RuleID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if rule != nil {
			ruleName = rule.Name
		}

		priority := "medium"
		status := "Was previously resolved."
		if openAgain {
			priority = "high"
			status = "This violation is currently open again."
		}
		recs = append(recs, PolicyRecommendation{
			Type:          "repeat_offender",
			Priority:      priority,
			RecordID:      key.RecordID,
			RuleID:        key.RuleID,
			RuleName:      ruleName,
			RepeatCount:   count,
			CurrentlyOpen: openAgain,
			Analysis: fmt.Sprintf(
				"Record '%s' has violated rule '%s' %d times. %s This pattern suggests the fix is not permanent.",
				key.RecordID, ruleName, count, status),
			Action: "Investigate root cause. The auto-fix may be reverted by another process. " +
				"Consider enforcing this at the infrastructure level to prevent regression.",
		})
	}
	return recs, nil
}

// analyzeCoverageGaps flags known compliance fields that show up in record
// data but have no active rule checking them.
func (a *PolicyAdvisor) analyzeCoverageGaps(ctx context.Context) ([]PolicyRecommendation, error) {
	records, err := a.store.ListRecords(ctx, RecordFilter{})
	if err != nil {
		return nil, err
	}
	observed := map[string]int{}
	for _, rec := range records {
		for field := range rec.Data {
			observed[field]++
		}
	}

	rules, err := a.store.ListActiveRules(ctx)
	if err != nil {
		return nil, err
	}
	covered := map[string]struct{}{}
	for _, rule := range rules {
		if rule.Condition.Field != "" {
			covered[rule.Condition.Field] = struct{}{}
		}
	}

	var recs []PolicyRecommendation
	for _, field := range sortedFieldsByCount(observed) {
		if _, ok := covered[field]; ok {
			continue
		}
		template, known := commonComplianceFields[field]
		if !known || observed[field] < 2 {
			continue
		}
		recs = append(recs, PolicyRecommendation{
			Type:              "coverage_gap",
			Priority:          templatePriority(template),
			Field:             field,
			ObservedInRecords: observed[field],
			SuggestedName:     template.SuggestedRule,
			Operator:          template.Operator,
			Severity:          template.Severity,
			Category:          template.Category,
			Analysis: fmt.Sprintf(
				"Field '%s' is present in %d records but has no active compliance rule. "+
					"This is a known compliance-critical field (%s).",
				field, observed[field], template.Category),
			Action: fmt.Sprintf("Create a new '%s' rule: \"%s\". Use operator '%s' on field '%s'.",
				template.Severity, template.SuggestedRule, template.Operator, field),
		})
	}
	return recs, nil
}

// suggestNewRules proposes rules for catalog fields no rule checks at all,
// regardless of whether the field appears in current record data.
func (a *PolicyAdvisor) suggestNewRules(ctx context.Context) ([]PolicyRecommendation, error) {
	rules, err := a.store.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	existing := map[string]struct{}{}
	for _, rule := range rules {
		if rule.Condition.Field != "" {
			existing[rule.Condition.Field] = struct{}{}
		}
	}

	fields := make([]string, 0, len(commonComplianceFields))
	for field := range commonComplianceFields {
		if _, ok := existing[field]; !ok {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)

	var recs []PolicyRecommendation
	for _, field := range fields {
		template := commonComplianceFields[field]
		recs = append(recs, PolicyRecommendation{
			Type:          "new_rule_suggestion",
			Priority:      templatePriority(template),
			SuggestedName: template.SuggestedRule,
			Field:         field,
			Operator:      template.Operator,
			Severity:      template.Severity,
			Category:      template.Category,
			Analysis: fmt.Sprintf("No rule currently checks '%s'. This is a standard %s compliance requirement.",
				field, template.Category),
			Action: fmt.Sprintf("Add rule: '%s' checking %s with operator '%s'.",
				template.SuggestedRule, field, template.Operator),
		})
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return priorityRank(recs[i].Priority) < priorityRank(recs[j].Priority)
	})
	if len(recs) > 8 {
		recs = recs[:8]
	}
	return recs, nil
}

func templatePriority(t fieldTemplate) string {
	if t.Severity == SeverityCritical || t.Severity == SeverityHigh {
		return "high"
	}
	return "medium"
}

func policyHealth(highCount int) (string, string) {
	switch {
	case highCount >= 5:
		return "critical", "Policy framework has critical gaps requiring immediate attention."
	case highCount >= 3:
		return "warning", "Several high-priority policy improvements identified."
	case highCount >= 1:
		return "fair", "Minor policy improvements recommended."
	default:
		return "good", "Policy framework is well-structured. Minor optimizations available."
	}
}

func priorityRank(priority string) int {
	switch priority {
	case "high":
		return 0
	case "medium":
		return 1
	default:
		return 2
	}
}

func typeRank(recType string) int {
	switch recType {
	case "severity_upgrade":
		return 0
	case "repeat_offender":
		return 1
	case "coverage_gap":
		return 2
	case "new_rule_suggestion":
		return 3
	case "frequent_violation":
		return 4
	default:
		return 5
	}
}

// sortRecommendations orders the combined report: priority first, then by
// how structural the finding is.
func sortRecommendations(recs []PolicyRecommendation) {
	sort.SliceStable(recs, func(i, j int) bool {
		if pi, pj := priorityRank(recs[i].Priority), priorityRank(recs[j].Priority); pi != pj {
			return pi < pj
		}
		return typeRank(recs[i].Type) < typeRank(recs[j].Type)
	})
}

// topRuleIDs returns up to limit rule IDs ordered by count descending, with
// the ID itself breaking ties so repeated runs produce identical reports.
func topRuleIDs(counts map[string]int, limit int) []string {
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if counts[ids[i]] != counts[ids[j]] {
			return counts[ids[i]] > counts[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

func topViolationKeys(counts map[ViolationKey]int, limit int) []ViolationKey {
	keys := make([]ViolationKey, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		if keys[i].RecordID != keys[j].RecordID {
			return keys[i].RecordID < keys[j].RecordID
		}
		return keys[i].RuleID < keys[j].RuleID
	})
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}

func sortedFieldsByCount(counts map[string]int) []string {
	fields := make([]string, 0, len(counts))
	for field := range counts {
		fields = append(fields, field)
	}
	sort.Slice(fields, func(i, j int) bool {
		if counts[fields[i]] != counts[fields[j]] {
			return counts[fields[i]] > counts[fields[j]]
		}
		return fields[i] < fields[j]
	})
	return fields
}
