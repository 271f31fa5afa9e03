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
	"fmt"
	"sort"
	"time"
)

// Expiry thresholds for date-based risk grading.
const (
	ExpiryWarningDays = 30
	ExpiryDangerDays  = 7
)

// RiskPrediction is one record/rule pair predicted to violate soon.
type RiskPrediction struct {
	RecordID          string `json:"record_id"`
	RecordType        string `json:"record_type"`
	Department        string `json:"department"`
	RuleID            string `json:"rule_id"`
	RuleName          string `json:"rule_name"`
	Field             string `json:"field"`
	CurrentValue      string `json:"current_value"`
	RiskScore         int    `json:"risk_score"`
	RiskType          string `json:"risk_type"`
	PredictedSeverity string `json:"predicted_severity"`
	Reason            string `json:"reason"`
	Recommendation    string `json:"recommendation"`
}

// RiskReport is the full prediction output.
type RiskReport struct {
	Status           string           `json:"status"`
	Message          string           `json:"message,omitempty"`
	Timestamp        time.Time        `json:"timestamp"`
	RecordsScanned   int              `json:"records_scanned"`
	RulesEvaluated   int              `json:"rules_evaluated"`
	TotalPredictions int              `json:"total_predictions"`
	OverallRiskLevel string           `json:"overall_risk_level"`
	Summary          *RiskSummary     `json:"summary"`
	Predictions      []RiskPrediction `json:"predictions"`
}

// RiskSummary breaks predictions down by severity, type and department.
type RiskSummary struct {
	BySeverity         map[string]int   `json:"by_severity"`
	ByType             map[string]int   `json:"by_type"`
	TopRiskDepartments []DepartmentRisk `json:"top_risk_departments"`
}

type DepartmentRisk struct {
	Department  string `json:"department"`
	Predictions int    `json:"predictions"`
}

// RiskQuery narrows a prediction run.
type RiskQuery struct {
	RecordType   string
	Department   string
	MinRiskScore int
}

// RiskPredictor evaluates records against rules that have not fired yet and
// grades how close each one is to violating. It is fully deterministic: the
// same store state and clock always yield the same report.
type RiskPredictor struct {
	store Store
	now   func() time.Time
}

func NewRiskPredictor(store Store) *RiskPredictor {
	return &RiskPredictor{store: store, now: time.Now}
}

// NewRiskPredictorAt fixes the clock, for tests.
func NewRiskPredictorAt(store Store, now func() time.Time) *RiskPredictor {
	return &RiskPredictor{store: store, now: now}
}

// Predict runs all strategies over the matching records.
func (p *RiskPredictor) Predict(ctx context.Context, q RiskQuery) (*RiskReport, error) {
	if q.MinRiskScore <= 0 {
		q.MinRiskScore = 2
	}

	rules, err := p.store.ListActiveRules(ctx)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return &RiskReport{
			Status:      "no_rules",
			Message:     "No active rules found. Upload a compliance policy first.",
			Timestamp:   p.now().UTC(),
			Summary:     emptySummary(),
			Predictions: []RiskPrediction{},
		}, nil
	}

	records, err := p.store.ListRecords(ctx, RecordFilter{Type: q.RecordType, Department: q.Department})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return &RiskReport{
			Status:      "no_records",
			Message:     "No company records found. Import records first.",
			Timestamp:   p.now().UTC(),
			Summary:     emptySummary(),
			Predictions: []RiskPrediction{},
		}, nil
	}

	openViolations, err := p.store.ListViolations(ctx, ViolationFilter{Status: StatusOpen})
	if err != nil {
		return nil, err
	}
	openPairs := make(map[ViolationKey]struct{}, len(openViolations))
	for _, v := range openViolations {
		openPairs[ViolationKey{RuleID: v.RuleID, RecordID: v.RecordID}] = struct{}{}
	}

	var predictions []RiskPrediction
	for _, record := range records {
		for _, rule := range rules {
			if !rule.AppliesTo(record.Type) {
				continue
			}
			if _, open := openPairs[ViolationKey{RuleID: rule.RuleID, RecordID: record.RecordID}]; open {
				continue
			}
			if pred, ok := p.predictOne(rule, record); ok {
				predictions = append(predictions, pred)
			}
		}
	}

	predictions = append(predictions, p.patternRisks(predictions, openViolations, records)...)

	filtered := predictions[:0]
	for _, pred := range predictions {
		if pred.RiskScore >= q.MinRiskScore {
			filtered = append(filtered, pred)
		}
	}
	predictions = filtered

	sort.SliceStable(predictions, func(i, j int) bool {
		if predictions[i].RiskScore != predictions[j].RiskScore {
			return predictions[i].RiskScore > predictions[j].RiskScore
		}
		if predictions[i].RecordID != predictions[j].RecordID {
			return predictions[i].RecordID < predictions[j].RecordID
		}
		return predictions[i].RuleID < predictions[j].RuleID
	})

	report := &RiskReport{
		Status:           "success",
		Timestamp:        p.now().UTC(),
		RecordsScanned:   len(records),
		RulesEvaluated:   len(rules),
		TotalPredictions: len(predictions),
		Summary:          summarize(predictions),
		Predictions:      predictions,
	}
	report.OverallRiskLevel = overallRisk(report.Summary.BySeverity)
	if len(report.Predictions) > 100 {
		report.Predictions = report.Predictions[:100]
	}
	return report, nil
}

// predictOne applies the per-record strategies: missing field, wrong
// boolean, imminent date expiry, numeric threshold drift, value mismatch.
func (p *RiskPredictor) predictOne(rule Rule, record Record) (RiskPrediction, bool) {
	cond := rule.Condition
	if cond.Field == "" || cond.Operator == "" {
		return RiskPrediction{}, false
	}
	actual, present := record.Data[cond.Field]

	var score int
	var reason, riskType string

	switch {
	case !present || actual == nil || actual == "" || empty(actual):
		score = 4
		riskType = "field_missing"
		reason = fmt.Sprintf("Required field '%s' is missing from this record. Rule '%s' will flag this as a violation on the next scan.",
			cond.Field, rule.Name)

	case cond.Operator == OpIsTrue && !truthy(actual):
		score = 5
		riskType = "boolean_violation"
		reason = fmt.Sprintf("Field '%s' is currently false. Rule requires it to be true - this will become a violation.", cond.Field)

	case cond.Operator == OpIsFalse && truthy(actual):
		score = 4
		riskType = "boolean_violation"
		reason = fmt.Sprintf("Field '%s' is currently true but rule requires it to be false.", cond.Field)

	case cond.Operator == OpDateWithinDays:
		score, riskType, reason = p.gradeExpiry(cond, actual)

	case cond.Operator == OpLessThan || cond.Operator == OpGreaterThan ||
		cond.Operator == OpLessOrEqual || cond.Operator == OpGreaterOrEqual:
		score, riskType, reason = gradeThreshold(cond, actual)

	case cond.Operator == OpEquals:
		if stringify(actual) != stringify(cond.Value) {
			score = 2
			riskType = "value_mismatch"
			reason = fmt.Sprintf("Field '%s' = '%v' but rule expects '%v'.", cond.Field, actual, cond.Value)
		}
	}

	if score < 2 {
		return RiskPrediction{}, false
	}

	recommendation := rule.RequiredAction
	if recommendation == "" {
		recommendation = fmt.Sprintf("Ensure '%s' satisfies '%s' requirement.", cond.Field, cond.Operator)
	}
	current := "null"
	if actual != nil {
		current = stringify(actual)
	}
	return RiskPrediction{
		RecordID:          record.RecordID,
		RecordType:        record.Type,
		Department:        record.Department,
		RuleID:            rule.RuleID,
		RuleName:          rule.Name,
		Field:             cond.Field,
		CurrentValue:      current,
		RiskScore:         score,
		RiskType:          riskType,
		PredictedSeverity: severityFromScore(score),
		Reason:            reason,
		Recommendation:    recommendation,
	}, true
}

// gradeExpiry grades a date_within_days field by its remaining headroom:
// the deadline is the recorded date plus the rule's window.
func (p *RiskPredictor) gradeExpiry(cond Condition, actual any) (int, string, string) {
	when, ok := toTime(actual)
	if !ok {
		return 0, "", ""
	}
	days, ok := toFloat(cond.Value)
	if !ok || days <= 0 {
		return 0, "", ""
	}

	deadline := when.AddDate(0, 0, int(days))
	daysLeft := int(deadline.Sub(p.now()).Hours() / 24)

	switch {
	case daysLeft < 0:
		return 5, "expired", fmt.Sprintf("Field '%s' expired %d days ago. Violation is imminent if not already detected.",
			cond.Field, -daysLeft)
	case daysLeft <= ExpiryDangerDays:
		return 4, "expiry_imminent", fmt.Sprintf("Field '%s' expires in %d days - within danger threshold (%dd). Immediate action required.",
			cond.Field, daysLeft, ExpiryDangerDays)
	case daysLeft <= ExpiryWarningDays:
		return 2, "expiry_warning", fmt.Sprintf("Field '%s' expires in %d days. Warning threshold is %d days.",
			cond.Field, daysLeft, ExpiryWarningDays)
	default:
		return 0, "", ""
	}
}

func gradeThreshold(cond Condition, actual any) (int, string, string) {
	value, okV := toFloat(actual)
	threshold, okT := toFloat(cond.Value)
	if !okV || !okT {
		return 0, "", ""
	}

	var breached bool
	var requires string
	switch cond.Operator {
	case OpLessThan:
		breached = value >= threshold
		requires = "<"
	case OpGreaterThan:
		breached = value <= threshold
		requires = ">"
	case OpLessOrEqual:
		breached = value > threshold
		requires = "<="
	case OpGreaterOrEqual:
		breached = value < threshold
		requires = ">="
	}
	if !breached {
		return 0, "", ""
	}
	return 3, "threshold_breach", fmt.Sprintf("Field '%s' = %v but rule requires %s %v.",
		cond.Field, actual, requires, cond.Value)
}

// patternRisks flags records whose department already has open violations
// of a rule: out-of-band evidence the same gap may exist here.
func (p *RiskPredictor) patternRisks(predictions []RiskPrediction, openViolations []Violation, records []Record) []RiskPrediction {
	deptRules := map[string]map[string]bool{}
	for _, v := range openViolations {
		if v.RuleID == "" || v.Department == "" {
			continue
		}
		if deptRules[v.RuleID] == nil {
			deptRules[v.RuleID] = map[string]bool{}
		}
		deptRules[v.RuleID][v.Department] = true
	}

	seen := map[ViolationKey]bool{}
	for _, pred := range predictions {
		seen[ViolationKey{RuleID: pred.RuleID, RecordID: pred.RecordID}] = true
	}

	ruleIDs := make([]string, 0, len(deptRules))
	for rid := range deptRules {
		ruleIDs = append(ruleIDs, rid)
	}
	sort.Strings(ruleIDs)

	var extra []RiskPrediction
	for _, record := range records {
		for _, ruleID := range ruleIDs {
			if record.Department == "" || !deptRules[ruleID][record.Department] {
				continue
			}
			key := ViolationKey{RuleID: ruleID, RecordID: record.RecordID}
			if seen[key] {
				continue
			}
			seen[key] = true
			extra = append(extra, RiskPrediction{
				RecordID:          record.RecordID,
				RecordType:        record.Type,
				Department:        record.Department,
				RuleID:            ruleID,
				CurrentValue:      "unknown",
				RiskScore:         1,
				RiskType:          "pattern_spread",
				PredictedSeverity: severityFromScore(1),
				Reason: fmt.Sprintf("Department '%s' has other records violating this rule. This record may be at similar risk.",
					record.Department),
				Recommendation: "Review this record proactively for the same compliance issue.",
			})
		}
	}
	return extra
}

func severityFromScore(score int) string {
	switch {
	case score >= 5:
		return "critical"
	case score >= 4:
		return "high"
	case score >= 3:
		return "medium"
	case score >= 2:
		return "low"
	default:
		return "info"
	}
}

func overallRisk(bySeverity map[string]int) string {
	switch {
	case bySeverity["critical"] > 0:
		return "critical"
	case bySeverity["high"] > 3:
		return "high"
	case bySeverity["high"] > 0:
		return "medium"
	default:
		return "low"
	}
}

func emptySummary() *RiskSummary {
	return &RiskSummary{
		BySeverity:         map[string]int{"critical": 0, "high": 0, "medium": 0, "low": 0, "info": 0},
		ByType:             map[string]int{},
		TopRiskDepartments: []DepartmentRisk{},
	}
}

func summarize(predictions []RiskPrediction) *RiskSummary {
	s := emptySummary()
	deptCounts := map[string]int{}
	for _, p := range predictions {
		s.BySeverity[p.PredictedSeverity]++
		s.ByType[p.RiskType]++
		dept := p.Department
		if dept == "" {
			dept = "Unknown"
		}
		deptCounts[dept]++
	}

	depts := make([]DepartmentRisk, 0, len(deptCounts))
	for d, c := range deptCounts {
		depts = append(depts, DepartmentRisk{Department: d, Predictions: c})
	}
	sort.Slice(depts, func(i, j int) bool {
		if depts[i].Predictions != depts[j].Predictions {
			return depts[i].Predictions > depts[j].Predictions
		}
		return depts[i].Department < depts[j].Department
	})
	if len(depts) > 5 {
		depts = depts[:5]
	}
	s.TopRiskDepartments = depts
	return s
}
