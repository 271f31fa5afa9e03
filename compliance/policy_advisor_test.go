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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var advisorNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func advisorFixture(t *testing.T) (*PolicyAdvisor, *MemoryStore, *ActivityLog) {
	t.Helper()
	store := NewMemoryStore()
	log := NewActivityLog("")
	advisor := NewPolicyAdvisorAt(store, log, func() time.Time { return advisorNow })
	return advisor, store, log
}

func seedViolationBurst(t *testing.T, store *MemoryStore, ruleID string, n int, severity Severity, status ViolationStatus) {
	t.Helper()
	violations := make([]Violation, 0, n)
	for i := 0; i < n; i++ {
		violations = append(violations, Violation{
			ViolationID: fmt.Sprintf("VIO-%s-%d", ruleID, i),
			RuleID:      ruleID,
			RecordID:    fmt.Sprintf("REC-%s-%d", ruleID, i),
			Severity:    severity,
			Status:      status,
			DetectedAt:  advisorNow.AddDate(0, 0, -5),
		})
	}
	require.NoError(t, store.InsertViolations(context.Background(), violations))
}

func findRecommendation(recs []PolicyRecommendation, recType string) *PolicyRecommendation {
	for i := range recs {
		if recs[i].Type == recType {
			return &recs[i]
		}
	}
	return nil
}

func TestAdvisorSeverityUpgrade(t *testing.T) {
	advisor, store, _ := advisorFixture(t)
	store.SeedRule(Rule{
		RuleID:    "RULE-MFA",
		Name:      "MFA required",
		Condition: Condition{Field: "mfa_enabled", Operator: OpIsTrue},
		Severity:  SeverityHigh,
		Active:    true,
	})
	seedViolationBurst(t, store, "RULE-MFA", 6, SeverityCritical, StatusOpen)

	report, err := advisor.Advise(context.Background())
	require.NoError(t, err)

	rec := findRecommendation(report.Recommendations, "severity_upgrade")
	require.NotNil(t, rec)
	assert.Equal(t, "high", rec.Priority)
	assert.Equal(t, "RULE-MFA", rec.RuleID)
	assert.Equal(t, "MFA required", rec.RuleName)
	assert.Equal(t, SeverityHigh, rec.CurrentSeverity)
	// All six violations were tagged critical, so the upgrade target is
	// critical rather than high.
	assert.Equal(t, SeverityCritical, rec.SuggestedSeverity)
	assert.Equal(t, 6, rec.ViolationCount)
	assert.Contains(t, rec.Analysis, "triggered 6 violations in 30 days")
	assert.Contains(t, rec.Action, "from 'high' to 'critical'")
}

func TestAdvisorFrequentViolation(t *testing.T) {
	advisor, store, _ := advisorFixture(t)
	store.SeedRule(Rule{
		RuleID:    "RULE-TRAINING",
		Name:      "Training current",
		Condition: Condition{Field: "last_training_date", Operator: OpDateWithinDays, Value: 365},
		Severity:  SeverityMedium,
		Active:    true,
	})
	seedViolationBurst(t, store, "RULE-TRAINING", 3, SeverityMedium, StatusOpen)

	report, err := advisor.Advise(context.Background())
	require.NoError(t, err)

	rec := findRecommendation(report.Recommendations, "frequent_violation")
	require.NotNil(t, rec)
	assert.Equal(t, "medium", rec.Priority)
	assert.Equal(t, 3, rec.ViolationCount)
	assert.Nil(t, findRecommendation(report.Recommendations, "severity_upgrade"))
}

func TestAdvisorFrequencyIgnoresOldViolations(t *testing.T) {
	advisor, store, _ := advisorFixture(t)
	store.SeedRule(Rule{
		RuleID:    "RULE-OLD",
		Name:      "Old rule",
		Condition: Condition{Field: "backup_enabled", Operator: OpIsTrue},
		Severity:  SeverityHigh,
		Active:    true,
	})
	violations := make([]Violation, 0, 6)
	for i := 0; i < 6; i++ {
		violations = append(violations, Violation{
			ViolationID: fmt.Sprintf("VIO-OLD-%d", i),
			RuleID:      "RULE-OLD",
			RecordID:    fmt.Sprintf("REC-%d", i),
			Severity:    SeverityHigh,
			Status:      StatusResolved,
			DetectedAt:  advisorNow.AddDate(0, 0, -90),
		})
	}
	require.NoError(t, store.InsertViolations(context.Background(), violations))

	report, err := advisor.Advise(context.Background())
	require.NoError(t, err)

	assert.Nil(t, findRecommendation(report.Recommendations, "severity_upgrade"))
	assert.Nil(t, findRecommendation(report.Recommendations, "frequent_violation"))
}

func TestAdvisorRepeatOffender(t *testing.T) {
	advisor, store, _ := advisorFixture(t)
	store.SeedRule(Rule{
		RuleID:    "RULE-MFA",
		Name:      "MFA required",
		Condition: Condition{Field: "mfa_enabled", Operator: OpIsTrue},
		Severity:  SeverityHigh,
		Active:    true,
	})
	// Same record resolved twice and open again now.
	require.NoError(t, store.InsertViolations(context.Background(), []Violation{
		{ViolationID: "VIO-1", RuleID: "RULE-MFA", RecordID: "REC-1", Status: StatusResolved, DetectedAt: advisorNow.AddDate(0, 0, -20)},
		{ViolationID: "VIO-2", RuleID: "RULE-MFA", RecordID: "REC-1", Status: StatusResolved, DetectedAt: advisorNow.AddDate(0, 0, -10)},
		{ViolationID: "VIO-3", RuleID: "RULE-MFA", RecordID: "REC-1", Status: StatusOpen, DetectedAt: advisorNow.AddDate(0, 0, -1)},
	}))

	report, err := advisor.Advise(context.Background())
	require.NoError(t, err)

	rec := findRecommendation(report.Recommendations, "repeat_offender")
	require.NotNil(t, rec)
	assert.Equal(t, "high", rec.Priority)
	assert.Equal(t, "REC-1", rec.RecordID)
	assert.Equal(t, 2, rec.RepeatCount)
	assert.True(t, rec.CurrentlyOpen)
	assert.Contains(t, rec.Analysis, "currently open again")
}

func TestAdvisorRepeatOffenderResolvedOnly(t *testing.T) {
	advisor, store, _ := advisorFixture(t)
	require.NoError(t, store.InsertViolations(context.Background(), []Violation{
		{ViolationID: "VIO-1", RuleID: "RULE-X", RecordID: "REC-1", Status: StatusResolved, DetectedAt: advisorNow.AddDate(0, 0, -40)},
		{ViolationID: "VIO-2", RuleID: "RULE-X", RecordID: "REC-1", Status: StatusResolved, DetectedAt: advisorNow.AddDate(0, 0, -35)},
	}))

	report, err := advisor.Advise(context.Background())
	require.NoError(t, err)

	rec := findRecommendation(report.Recommendations, "repeat_offender")
	require.NotNil(t, rec)
	assert.Equal(t, "medium", rec.Priority)
	assert.False(t, rec.CurrentlyOpen)
	// The rule document is gone, so the recommendation falls back to the id.
	assert.Equal(t, "RULE-X", rec.RuleName)
	assert.Contains(t, rec.Analysis, "previously resolved")
}

func TestAdvisorCoverageGap(t *testing.T) {
	advisor, store, _ := advisorFixture(t)
	store.SeedRecord(Record{RecordID: "REC-1", Type: "user", Data: map[string]any{"mfa_enabled": true}})
	store.SeedRecord(Record{RecordID: "REC-2", Type: "user", Data: map[string]any{"mfa_enabled": false}})
	store.SeedRecord(Record{RecordID: "REC-3", Type: "system", Data: map[string]any{"patch_level": "2025.1"}})

	report, err := advisor.Advise(context.Background())
	require.NoError(t, err)

	rec := findRecommendation(report.Recommendations, "coverage_gap")
	require.NotNil(t, rec)
	// mfa_enabled appears twice and meets the threshold; patch_level only
	// once and does not.
	assert.Equal(t, "mfa_enabled", rec.Field)
	assert.Equal(t, 2, rec.ObservedInRecords)
	assert.Equal(t, "high", rec.Priority)
	assert.Equal(t, OpIsTrue, rec.Operator)
	assert.Equal(t, SeverityCritical, rec.Severity)
	assert.Equal(t, "Security", rec.Category)

	for _, r := range report.Recommendations {
		if r.Type == "coverage_gap" {
			assert.NotEqual(t, "patch_level", r.Field)
		}
	}
}

func TestAdvisorCoverageGapSkipsCoveredFields(t *testing.T) {
	advisor, store, _ := advisorFixture(t)
	store.SeedRule(Rule{
		RuleID:    "RULE-MFA",
		Name:      "MFA required",
		Condition: Condition{Field: "mfa_enabled", Operator: OpIsTrue},
		Severity:  SeverityCritical,
		Active:    true,
	})
	store.SeedRecord(Record{RecordID: "REC-1", Type: "user", Data: map[string]any{"mfa_enabled": true}})
	store.SeedRecord(Record{RecordID: "REC-2", Type: "user", Data: map[string]any{"mfa_enabled": false}})

	report, err := advisor.Advise(context.Background())
	require.NoError(t, err)

	assert.Nil(t, findRecommendation(report.Recommendations, "coverage_gap"))
}

func TestAdvisorNewRuleSuggestions(t *testing.T) {
	advisor, store, _ := advisorFixture(t)
	store.SeedRule(Rule{
		RuleID:    "RULE-MFA",
		Name:      "MFA required",
		Condition: Condition{Field: "mfa_enabled", Operator: OpIsTrue},
		Severity:  SeverityCritical,
		Active:    true,
	})

	report, err := advisor.Advise(context.Background())
	require.NoError(t, err)

	var suggestions []PolicyRecommendation
	for _, rec := range report.Recommendations {
		if rec.Type == "new_rule_suggestion" {
			suggestions = append(suggestions, rec)
		}
	}
	// Suggestions are capped at 8, high priority first. mfa_enabled already
	// has a rule and must not be suggested again.
	assert.Len(t, suggestions, 8)
	for _, s := range suggestions {
		assert.NotEqual(t, "mfa_enabled", s.Field)
		assert.Equal(t, "high", s.Priority)
		assert.NotEmpty(t, s.SuggestedName)
		assert.NotEmpty(t, s.Operator)
	}
}

func TestAdvisorReportOrderingAndSummary(t *testing.T) {
	advisor, store, _ := advisorFixture(t)
	store.SeedRule(Rule{
		RuleID:    "RULE-MFA",
		Name:      "MFA required",
		Condition: Condition{Field: "mfa_enabled", Operator: OpIsTrue},
		Severity:  SeverityHigh,
		Active:    true,
	})
	seedViolationBurst(t, store, "RULE-MFA", 6, SeverityCritical, StatusOpen)

	report, err := advisor.Advise(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, report.Recommendations)
	// High-priority items lead, and within a priority severity upgrades come
	// before new-rule suggestions.
	assert.Equal(t, "severity_upgrade", report.Recommendations[0].Type)
	lastRank := 0
	for _, rec := range report.Recommendations {
		rank := priorityRank(rec.Priority)
		assert.GreaterOrEqual(t, rank, lastRank)
		lastRank = rank
	}

	assert.Equal(t, len(report.Recommendations), report.TotalRecommendations)
	total := 0
	for _, n := range report.Summary.ByType {
		total += n
	}
	assert.Equal(t, report.TotalRecommendations, total)
	assert.Equal(t, "success", report.Status)
	assert.Equal(t, advisorNow, report.Timestamp)
}

func TestAdvisorPolicyHealth(t *testing.T) {
	// An empty store yields a pile of high-priority new-rule suggestions.
	advisor, _, _ := advisorFixture(t)
	report, err := advisor.Advise(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "critical", report.PolicyHealth)

	// Fully covered catalog with no violations is healthy.
	advisor2, store2, _ := advisorFixture(t)
	i := 0
	for field, template := range commonComplianceFields {
		store2.SeedRule(Rule{
			RuleID:    fmt.Sprintf("RULE-%d", i),
			Name:      template.SuggestedRule,
			Condition: Condition{Field: field, Operator: template.Operator},
			Severity:  template.Severity,
			Active:    true,
		})
		i++
	}
	report2, err := advisor2.Advise(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "good", report2.PolicyHealth)
	assert.Empty(t, report2.Recommendations)
}

func TestAdvisorLogsRun(t *testing.T) {
	advisor, _, log := advisorFixture(t)
	_, err := advisor.Advise(context.Background())
	require.NoError(t, err)

	counts, err := log.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts["policy_advisor"])
}

func TestAdvisorDeterminism(t *testing.T) {
	advisor, store, _ := advisorFixture(t)
	store.SeedRecord(Record{RecordID: "REC-1", Type: "user", Department: "IT", Data: map[string]any{"mfa_enabled": true, "backup_enabled": true}})
	store.SeedRecord(Record{RecordID: "REC-2", Type: "user", Department: "IT", Data: map[string]any{"mfa_enabled": false, "backup_enabled": false}})
	seedViolationBurst(t, store, "RULE-GONE", 4, SeverityLow, StatusResolved)

	first, err := advisor.Advise(context.Background())
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		next, err := advisor.Advise(context.Background())
		require.NoError(t, err)
		assert.Equal(t, first.Recommendations, next.Recommendations)
	}
}
