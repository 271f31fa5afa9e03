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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policypulse/platform/compliance/llm"
)

// scriptedReasoner returns a fixed decision (or error) on every call.
type scriptedReasoner struct {
	decision llm.Decision
	err      error
	calls    int
}

func (r *scriptedReasoner) Reason(_ context.Context, _ llm.ReasoningContext) (*llm.Decision, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	d := r.decision
	return &d, nil
}

// sequencedReasoner replays decisions in order, repeating the last one once
// the script runs out.
type sequencedReasoner struct {
	decisions []llm.Decision
	calls     int
}

func (r *sequencedReasoner) Reason(_ context.Context, _ llm.ReasoningContext) (*llm.Decision, error) {
	i := r.calls
	r.calls++
	if i >= len(r.decisions) {
		i = len(r.decisions) - 1
	}
	d := r.decisions[i]
	return &d, nil
}

func agentFixture(t *testing.T, reasoner llm.Reasoner) (*RemediationAgent, *MemoryStore, *ActivityLog) {
	t.Helper()
	store := NewMemoryStore()
	store.SeedRule(Rule{
		RuleID:   "RULE-MFA",
		Name:     "MFA required",
		Category: "security",
		Condition: Condition{
			Field:    "mfa_enabled",
			Operator: OpIsTrue,
		},
		ConditionText:         "All systems must have MFA enabled",
		Severity:              SeverityHigh,
		RequiredAction:        "Enable MFA",
		Active:                true,
		ApplicableRecordTypes: []string{"all"},
	})
	store.SeedRecord(Record{
		RecordID: "REC-1",
		Type:     "system",
		Name:     "Billing API",
		Data:     map[string]any{"mfa_enabled": false},
	})
	require.NoError(t, store.InsertViolations(context.Background(), []Violation{{
		ViolationID: "VIO-1",
		RuleID:      "RULE-MFA",
		RecordID:    "REC-1",
		Severity:    SeverityHigh,
		Status:      StatusOpen,
	}}))

	log := NewActivityLog("")
	toolkit := NewActionToolkit(store, log)
	locker := NewViolationLocker("", time.Minute)
	return NewRemediationAgent(store, toolkit, reasoner, locker), store, log
}

func TestAgentRemediatesFixableViolation(t *testing.T) {
	agent, store, log := agentFixture(t, llm.NewRuleReasoner())
	ctx := context.Background()

	run, err := agent.Remediate(ctx, "VIO-1")
	require.NoError(t, err)
	assert.Equal(t, RunSuccess, run.Status)
	assert.LessOrEqual(t, run.Iterations, MaxIterations)

	// Field fixed and violation resolved.
	rec, err := store.GetRecord(ctx, "REC-1")
	require.NoError(t, err)
	assert.Equal(t, true, rec.Data["mfa_enabled"])

	v, err := store.GetViolation(ctx, "VIO-1")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, v.Status)

	// Resolving the only open violation moves the score up.
	assert.Greater(t, run.ScoreAfter, run.ScoreBefore)
	assert.Contains(t, run.FinalAnswer, "successfully remediated")

	// Both actions are in the activity log.
	counts, err := log.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["update_field"])
	assert.Equal(t, 1, counts["resolve"])
}

func TestAgentTerminatesAtIterationCap(t *testing.T) {
	// A reasoner that only ever reads the score never converges.
	reasoner := &scriptedReasoner{decision: llm.Decision{
		Thought: "checking the score again",
		Action:  "get_score",
		Args:    map[string]any{},
	}}
	agent, store, _ := agentFixture(t, reasoner)

	run, err := agent.Remediate(context.Background(), "VIO-1")
	require.NoError(t, err)
	assert.Equal(t, MaxIterations, reasoner.calls)
	assert.Equal(t, RunEscalated, run.Status)
	assert.Contains(t, run.FinalAnswer, "human review")

	v, err := store.GetViolation(context.Background(), "VIO-1")
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, v.Status)
	assert.True(t, v.NeedsHumanReview)
}

func TestAgentRecoversFromRejectedFieldWrite(t *testing.T) {
	// First decision writes a string into a bool field, which the toolkit
	// rejects. The rejection must come back as an observation so the agent
	// can choose another action instead of the run dying.
	reasoner := &sequencedReasoner{decisions: []llm.Decision{
		{Thought: "Enable MFA directly", Action: "update_field", Args: map[string]any{
			"record_id": "REC-1", "field": "mfa_enabled", "value": "yes", "reason": "enable MFA",
		}},
		{Thought: "Cannot write a safe value", Action: "escalate", Args: map[string]any{
			"reason": "mfa_enabled needs a manual fix",
		}},
	}}
	agent, store, _ := agentFixture(t, reasoner)

	run, err := agent.Remediate(context.Background(), "VIO-1")
	require.NoError(t, err)

	assert.Equal(t, RunEscalated, run.Status)
	assert.GreaterOrEqual(t, reasoner.calls, 2, "agent must get another turn after the rejection")
	require.Len(t, run.ActionsTaken, 1, "rejected update must not count as an action taken")
	assert.Contains(t, run.ActionsTaken[0], "Escalated:")

	var rejected bool
	for _, s := range run.Steps {
		if strings.Contains(s.Observation, "Action rejected") {
			rejected = true
		}
	}
	assert.True(t, rejected, "rejection must surface in a step observation")

	rec, err := store.GetRecord(context.Background(), "REC-1")
	require.NoError(t, err)
	assert.Equal(t, false, rec.Data["mfa_enabled"], "rejected write must not land")

	v, err := store.GetViolation(context.Background(), "VIO-1")
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, v.Status)
}

func TestAgentEscalatesOnReasonerFailure(t *testing.T) {
	reasoner := &scriptedReasoner{err: errors.New("model timeout")}
	agent, store, _ := agentFixture(t, reasoner)

	run, err := agent.Remediate(context.Background(), "VIO-1")
	require.NoError(t, err)
	assert.Equal(t, 1, reasoner.calls, "a failing reasoner gets no second guess")
	assert.Equal(t, RunEscalated, run.Status)

	v, err := store.GetViolation(context.Background(), "VIO-1")
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, v.Status)
}

func TestAgentSkipsNonOpenViolation(t *testing.T) {
	agent, store, log := agentFixture(t, llm.NewRuleReasoner())
	ctx := context.Background()

	_, err := store.ResolveViolation(ctx, "VIO-1", "human", "handled manually", nowUTC())
	require.NoError(t, err)

	run, err := agent.Remediate(ctx, "VIO-1")
	require.NoError(t, err)
	assert.Equal(t, RunSuccess, run.Status)
	assert.Contains(t, run.FinalAnswer, "already resolved")

	// Only the human's change exists; the agent took no action.
	entries, err := log.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAgentUnknownViolation(t *testing.T) {
	agent, _, _ := agentFixture(t, llm.NewRuleReasoner())

	_, err := agent.Remediate(context.Background(), "VIO-404")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAgentRespectsViolationLock(t *testing.T) {
	agent, _, _ := agentFixture(t, llm.NewRuleReasoner())
	ctx := context.Background()

	ok, err := agent.locker.TryLock(ctx, "VIO-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = agent.Remediate(ctx, "VIO-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrViolationLocked)

	agent.locker.Unlock(ctx, "VIO-1")
	run, err := agent.Remediate(ctx, "VIO-1")
	require.NoError(t, err)
	assert.Equal(t, RunSuccess, run.Status)
}

func TestBatchRemediationIsolation(t *testing.T) {
	agent, store, _ := agentFixture(t, llm.NewRuleReasoner())
	ctx := context.Background()

	// Second violation points at a record that does not exist, so its run
	// fails while the first one succeeds.
	require.NoError(t, store.InsertViolations(ctx, []Violation{{
		ViolationID: "VIO-2",
		RuleID:      "RULE-MFA",
		RecordID:    "REC-MISSING",
		Severity:    SeverityHigh,
		Status:      StatusOpen,
	}}))

	result, err := agent.RemediateBatch(ctx, "high")
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalProcessed)
	assert.Equal(t, 1, result.Resolved)
	assert.Equal(t, 1, result.Errors+result.Escalated)

	v, err := store.GetViolation(ctx, "VIO-1")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, v.Status)
}

func TestBatchSeverityFilter(t *testing.T) {
	agent, store, _ := agentFixture(t, llm.NewRuleReasoner())
	ctx := context.Background()

	require.NoError(t, store.InsertViolations(ctx, []Violation{{
		ViolationID: "VIO-LOW",
		RuleID:      "RULE-MFA",
		RecordID:    "REC-1",
		Severity:    SeverityLow,
		Status:      StatusOpen,
	}}))

	result, err := agent.RemediateBatch(ctx, "low")
	require.NoError(t, err)
	assert.Equal(t, 1, result.TotalProcessed)
	assert.Equal(t, "VIO-LOW", result.Results[0].ViolationID)

	// The high violation is untouched.
	v, err := store.GetViolation(ctx, "VIO-1")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, v.Status)
}

func TestBatchStopsOnCancellation(t *testing.T) {
	agent, store, _ := agentFixture(t, llm.NewRuleReasoner())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := agent.RemediateBatch(ctx, "all")
	require.NoError(t, err)
	assert.Equal(t, 0, result.TotalProcessed)

	v, err := store.GetViolation(context.Background(), "VIO-1")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, v.Status)
}
