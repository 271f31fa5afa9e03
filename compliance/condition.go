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
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ConditionOperator is the closed set of supported predicate operators.
// Anything outside this set fails closed at evaluation time.
type ConditionOperator string

const (
	OpEquals         ConditionOperator = "equals"
	OpNotEquals      ConditionOperator = "not_equals"
	OpIsTrue         ConditionOperator = "is_true"
	OpIsFalse        ConditionOperator = "is_false"
	OpExists         ConditionOperator = "exists"
	OpGreaterThan    ConditionOperator = "greater_than"
	OpLessThan       ConditionOperator = "less_than"
	OpGreaterOrEqual ConditionOperator = "greater_or_equal"
	OpLessOrEqual    ConditionOperator = "less_or_equal"
	OpContains       ConditionOperator = "contains"
	OpDateWithinDays ConditionOperator = "date_within_days"
)

// Condition is the structured predicate a rule applies to a record field.
// It states the compliant condition; a violation is the condition NOT holding.
type Condition struct {
	Field    string            `json:"field" bson:"field"`
	Operator ConditionOperator `json:"operator" bson:"operator"`
	Value    any               `json:"value,omitempty" bson:"value,omitempty"`
}

// MatchResult is the outcome of evaluating one rule against one record.
// Matched means the record violates the rule's condition.
type MatchResult struct {
	Matched     bool    `json:"matched"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation"`
}

// AutoFixable reports whether a violation of this operator can be remediated
// by writing a known-correct value back to the field.
func (op ConditionOperator) AutoFixable() bool {
	switch op {
	case OpIsTrue, OpIsFalse, OpEquals, OpNotEquals:
		return true
	default:
		return false
	}
}

// FixValue returns the value that brings a field into compliance for an
// auto-fixable operator.
func (c Condition) FixValue() any {
	switch c.Operator {
	case OpIsTrue:
		return true
	case OpIsFalse:
		return false
	default:
		return c.Value
	}
}

// Evaluator applies rule conditions to records. The clock is injected so
// date-based operators stay deterministic under test.
type Evaluator struct {
	now func() time.Time
}

// NewEvaluator creates an Evaluator using the real clock.
func NewEvaluator() *Evaluator {
	return &Evaluator{now: time.Now}
}

// NewEvaluatorAt creates an Evaluator with a fixed clock.
func NewEvaluatorAt(now func() time.Time) *Evaluator {
	return &Evaluator{now: now}
}

// Evaluate checks whether record violates rule. An unsupported operator
// returns ErrUnknownCondition and a no-match result: the evaluator fails
// closed rather than guessing.
func (e *Evaluator) Evaluate(rule Rule, record Record) (MatchResult, error) {
	cond := rule.Condition
	actual, present := record.Data[cond.Field]

	switch cond.Operator {
	case OpEquals:
		if present && stringify(actual) == stringify(cond.Value) {
			return MatchResult{}, nil
		}
		return e.match(rule, record, actual, 1.0), nil

	case OpNotEquals:
		if !present || stringify(actual) != stringify(cond.Value) {
			return MatchResult{}, nil
		}
		return e.match(rule, record, actual, 1.0), nil

	case OpIsTrue:
		if truthy(actual) {
			return MatchResult{}, nil
		}
		return e.match(rule, record, actual, 1.0), nil

	case OpIsFalse:
		if !truthy(actual) {
			return MatchResult{}, nil
		}
		return e.match(rule, record, actual, 1.0), nil

	case OpExists:
		if present && !empty(actual) {
			return MatchResult{}, nil
		}
		return e.match(rule, record, actual, 1.0), nil

	case OpContains:
		want := strings.ToLower(stringify(cond.Value))
		if strings.Contains(strings.ToLower(stringify(actual)), want) {
			return MatchResult{}, nil
		}
		return e.match(rule, record, actual, 1.0), nil

	case OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual:
		return e.evaluateThreshold(rule, record, actual)

	case OpDateWithinDays:
		return e.evaluateAge(rule, record, actual)

	default:
		return MatchResult{}, fmt.Errorf("rule %s field %q: %w: %q",
			rule.RuleID, cond.Field, ErrUnknownCondition, cond.Operator)
	}
}

// evaluateThreshold handles the four numeric comparison operators. Confidence
// is graded by how far the value sits on the wrong side of the threshold,
// clipped to [0.5, 1.0]. Non-numeric values fail closed as no-match.
func (e *Evaluator) evaluateThreshold(rule Rule, record Record, actual any) (MatchResult, error) {
	cond := rule.Condition
	value, okV := toFloat(actual)
	threshold, okT := toFloat(cond.Value)
	if !okV || !okT {
		return MatchResult{}, nil
	}

	var violated bool
	var exceedance float64
	switch cond.Operator {
	case OpGreaterThan:
		violated = value <= threshold
		exceedance = threshold - value
	case OpLessThan:
		violated = value >= threshold
		exceedance = value - threshold
	case OpGreaterOrEqual:
		violated = value < threshold
		exceedance = threshold - value
	case OpLessOrEqual:
		violated = value > threshold
		exceedance = value - threshold
	}
	if !violated {
		return MatchResult{}, nil
	}
	return e.match(rule, record, actual, thresholdConfidence(exceedance, threshold)), nil
}

// evaluateAge handles date_within_days: the field's date must fall within the
// last N days. Older dates violate, graded by how far past the window.
func (e *Evaluator) evaluateAge(rule Rule, record Record, actual any) (MatchResult, error) {
	cond := rule.Condition
	when, ok := toTime(actual)
	if !ok {
		return MatchResult{}, nil
	}
	days, ok := toFloat(cond.Value)
	if !ok || days <= 0 {
		return MatchResult{}, nil
	}

	cutoff := e.now().AddDate(0, 0, -int(days))
	if !when.Before(cutoff) {
		return MatchResult{}, nil
	}
	overshoot := cutoff.Sub(when).Hours() / 24
	return e.match(rule, record, actual, thresholdConfidence(overshoot, days)), nil
}

func (e *Evaluator) match(rule Rule, record Record, actual any, confidence float64) MatchResult {
	return MatchResult{
		Matched:     true,
		Confidence:  confidence,
		Explanation: explainViolation(rule, record, actual),
	}
}

// thresholdConfidence maps a positive exceedance relative to its threshold
// onto [0.5, 1.0]: barely out of bounds scores 0.5, twice the threshold (or
// more) scores 1.0.
func thresholdConfidence(exceedance, threshold float64) float64 {
	base := math.Abs(threshold)
	if base == 0 {
		return 1.0
	}
	rel := exceedance / base
	if rel < 0 {
		rel = 0
	}
	if rel > 1 {
		rel = 1
	}
	return 0.5 + rel/2
}

// Coercion helpers. Record data arrives from JSON/BSON imports, so numbers
// may be float64, int32, int64, or strings.

func stringify(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(t)
		return err == nil && b
	case nil:
		return false
	default:
		f, ok := toFloat(v)
		return ok && f != 0
	}
}

func empty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}
