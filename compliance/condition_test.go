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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func condRule(field string, op ConditionOperator, value any) Rule {
	return Rule{
		RuleID:    "RULE-COND",
		Name:      "condition rule",
		Category:  "security",
		Condition: Condition{Field: field, Operator: op, Value: value},
		Severity:  SeverityMedium,
		Active:    true,
	}
}

func condRecord(data map[string]any) Record {
	return Record{RecordID: "REC-COND", Type: "system", Name: "Billing API", Data: data}
}

// evaluatorAtJune15 pins the clock so date_within_days grading is exact.
func evaluatorAtJune15() *Evaluator {
	return NewEvaluatorAt(func() time.Time {
		return time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	})
}

func TestEvaluateDeterministicOperators(t *testing.T) {
	eval := NewEvaluator()

	tests := []struct {
		name      string
		op        ConditionOperator
		condValue any
		data      map[string]any
		wantMatch bool
	}{
		{"equals violated on mismatch", OpEquals, "current", map[string]any{"patch_level": "outdated"}, true},
		{"equals violated on missing field", OpEquals, "current", map[string]any{}, true},
		{"equals satisfied", OpEquals, "current", map[string]any{"patch_level": "current"}, false},
		{"equals coerces numeric types", OpEquals, 3, map[string]any{"patch_level": float64(3)}, false},

		{"not_equals violated on match", OpNotEquals, "public", map[string]any{"patch_level": "public"}, true},
		{"not_equals satisfied on mismatch", OpNotEquals, "public", map[string]any{"patch_level": "internal"}, false},
		{"not_equals satisfied on missing field", OpNotEquals, "public", map[string]any{}, false},

		{"is_true violated on false", OpIsTrue, nil, map[string]any{"patch_level": false}, true},
		{"is_true violated on missing field", OpIsTrue, nil, map[string]any{}, true},
		{"is_true satisfied on true string", OpIsTrue, nil, map[string]any{"patch_level": "true"}, false},
		{"is_true satisfied on nonzero number", OpIsTrue, nil, map[string]any{"patch_level": 1}, false},

		{"is_false violated on true", OpIsFalse, nil, map[string]any{"patch_level": true}, true},
		{"is_false satisfied on false", OpIsFalse, nil, map[string]any{"patch_level": false}, false},

		{"exists violated on missing field", OpExists, nil, map[string]any{}, true},
		{"exists violated on empty string", OpExists, nil, map[string]any{"patch_level": ""}, true},
		{"exists satisfied", OpExists, nil, map[string]any{"patch_level": "confidential"}, false},

		{"contains violated on absence", OpContains, "aes", map[string]any{"patch_level": "plaintext"}, true},
		{"contains satisfied case-insensitive", OpContains, "AES", map[string]any{"patch_level": "aes-256-gcm"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := eval.Evaluate(condRule("patch_level", tt.op, tt.condValue), condRecord(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.wantMatch, res.Matched)
			if tt.wantMatch {
				// Deterministic operators always report full confidence.
				assert.Equal(t, 1.0, res.Confidence)
				assert.NotEmpty(t, res.Explanation)
			} else {
				assert.Zero(t, res.Confidence)
			}
		})
	}
}

func TestEvaluateThresholdConfidence(t *testing.T) {
	eval := NewEvaluator()

	tests := []struct {
		name           string
		op             ConditionOperator
		threshold      any
		value          any
		wantMatch      bool
		wantConfidence float64
	}{
		{"greater_than at boundary scores floor", OpGreaterThan, 10, 10, true, 0.5},
		{"greater_than halfway under", OpGreaterThan, 10, 5, true, 0.75},
		{"greater_than satisfied", OpGreaterThan, 10, 11, false, 0},

		{"less_than halfway over", OpLessThan, 90, 135, true, 0.75},
		{"less_than at boundary scores floor", OpLessThan, 90, 90, true, 0.5},
		{"less_than satisfied", OpLessThan, 90, 30, false, 0},

		{"greater_or_equal just under", OpGreaterOrEqual, 10, 9, true, 0.55},
		{"greater_or_equal satisfied at boundary", OpGreaterOrEqual, 10, 10, false, 0},

		{"less_or_equal far over clips to ceiling", OpLessOrEqual, 90, 300, true, 1.0},
		{"less_or_equal satisfied at boundary", OpLessOrEqual, 90, 90, false, 0},
		{"zero threshold scores full confidence", OpLessOrEqual, 0, 3, true, 1.0},

		{"string numerics are coerced", OpLessOrEqual, "90", "135", true, 0.75},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := eval.Evaluate(condRule("retention_days", tt.op, tt.threshold), condRecord(map[string]any{"retention_days": tt.value}))
			require.NoError(t, err)
			assert.Equal(t, tt.wantMatch, res.Matched)
			assert.InDelta(t, tt.wantConfidence, res.Confidence, 1e-9)
			assert.GreaterOrEqual(t, res.Confidence, 0.0)
			assert.LessOrEqual(t, res.Confidence, 1.0)
		})
	}
}

func TestEvaluateThresholdNonNumericFailsClosed(t *testing.T) {
	eval := NewEvaluator()

	res, err := eval.Evaluate(condRule("retention_days", OpLessOrEqual, 90), condRecord(map[string]any{"retention_days": "forever"}))
	require.NoError(t, err)
	assert.False(t, res.Matched)

	res, err = eval.Evaluate(condRule("retention_days", OpLessOrEqual, "short"), condRecord(map[string]any{"retention_days": 10}))
	require.NoError(t, err)
	assert.False(t, res.Matched)
}

func TestEvaluateDateWithinDays(t *testing.T) {
	eval := evaluatorAtJune15()
	rule := condRule("last_training_date", OpDateWithinDays, 30)

	t.Run("within window", func(t *testing.T) {
		res, err := eval.Evaluate(rule, condRecord(map[string]any{"last_training_date": "2025-06-01"}))
		require.NoError(t, err)
		assert.False(t, res.Matched)
	})

	t.Run("half a window past grades 0.75", func(t *testing.T) {
		// Cutoff is 2025-05-16; 2025-05-01 overshoots by 15 of 30 days.
		res, err := eval.Evaluate(rule, condRecord(map[string]any{"last_training_date": "2025-05-01"}))
		require.NoError(t, err)
		assert.True(t, res.Matched)
		assert.InDelta(t, 0.75, res.Confidence, 1e-9)
	})

	t.Run("far past clips to full confidence", func(t *testing.T) {
		res, err := eval.Evaluate(rule, condRecord(map[string]any{"last_training_date": "2024-01-01"}))
		require.NoError(t, err)
		assert.True(t, res.Matched)
		assert.Equal(t, 1.0, res.Confidence)
	})

	t.Run("unparseable date fails closed", func(t *testing.T) {
		res, err := eval.Evaluate(rule, condRecord(map[string]any{"last_training_date": "last spring"}))
		require.NoError(t, err)
		assert.False(t, res.Matched)
	})

	t.Run("non-positive window fails closed", func(t *testing.T) {
		zero := condRule("last_training_date", OpDateWithinDays, 0)
		res, err := eval.Evaluate(zero, condRecord(map[string]any{"last_training_date": "2024-01-01"}))
		require.NoError(t, err)
		assert.False(t, res.Matched)
	})
}

func TestEvaluateUnknownOperatorFailsClosed(t *testing.T) {
	eval := NewEvaluator()

	res, err := eval.Evaluate(condRule("patch_level", ConditionOperator("regex_match"), ".*"), condRecord(map[string]any{"patch_level": "current"}))
	require.ErrorIs(t, err, ErrUnknownCondition)
	assert.False(t, res.Matched)
	assert.Zero(t, res.Confidence)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	rule := condRule("last_training_date", OpDateWithinDays, 30)
	record := condRecord(map[string]any{"last_training_date": "2025-04-20"})

	first, err := evaluatorAtJune15().Evaluate(rule, record)
	require.NoError(t, err)
	require.True(t, first.Matched)

	for i := 0; i < 10; i++ {
		res, err := evaluatorAtJune15().Evaluate(rule, record)
		require.NoError(t, err)
		assert.Equal(t, first, res)
	}
}
