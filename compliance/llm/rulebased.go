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

package llm

import (
	"context"
	"fmt"
)

// RuleReasoner is a deterministic reasoner that decides the next remediation
// step from the violation facts alone, without calling a language model.
// It produces the same fix-then-resolve or escalate trajectories a model
// would be prompted toward, so agents keep working when no provider is
// configured or every provider is down.
type RuleReasoner struct{}

func NewRuleReasoner() *RuleReasoner { return &RuleReasoner{} }

func (r *RuleReasoner) Reason(_ context.Context, rc ReasoningContext) (*Decision, error) {
	f := rc.Facts

	acted := map[string]bool{}
	for _, s := range rc.Steps {
		if s.Action != "" {
			acted[s.Action] = true
		}
	}

	// Already resolved or escalated: wrap up.
	if acted["resolve"] || acted["escalate"] {
		return &Decision{
			Thought: "I have already acted on this violation. Completing the agent run.",
			Action:  "done",
			Args:    map[string]any{},
			IsFinal: true,
		}, nil
	}

	// Auto-fixable operator and the field has not been corrected yet.
	if f.Field != "" && f.AutoFixable && !acted["update_field"] {
		return &Decision{
			Thought: fmt.Sprintf(
				"Rule requires '%s' to satisfy '%s'. Current value: %v. I will update the field to %v to bring the record into compliance.",
				f.Field, f.Operator, currentOrMissing(f.CurrentValue), f.FixValue),
			Action: "update_field",
			Args: map[string]any{
				"record_id": f.RecordID,
				"field":     f.Field,
				"value":     f.FixValue,
				"reason":    fmt.Sprintf("Auto-remediated by PolicyPulse Agent: %s", f.ConditionText),
			},
		}, nil
	}

	// Field corrected on a previous step: resolve the violation.
	if acted["update_field"] {
		return &Decision{
			Thought: "The data field has been corrected. Now resolving the violation.",
			Action:  "resolve",
			Args: map[string]any{
				"violation_id": f.ViolationID,
				"reason": fmt.Sprintf(
					"PolicyPulse Agent automatically updated field '%s' to comply with: %s.",
					f.Field, f.ConditionText),
			},
		}, nil
	}

	// No automatic fix available. Critical and high go to a human.
	if f.Severity == "critical" || f.Severity == "high" {
		return &Decision{
			Thought: fmt.Sprintf(
				"This %s violation requires human action (operator: %s). Cannot auto-fix - escalating for immediate human review.",
				f.Severity, f.Operator),
			Action: "escalate",
			Args: map[string]any{
				"violation_id": f.ViolationID,
				"reason": fmt.Sprintf(
					"Auto-remediation not possible: rule requires '%s' on '%s'. Human must take action: %s.",
					f.Operator, f.Field, requiredActionOr(f.RequiredAction)),
			},
		}, nil
	}

	// Low or medium with no fixable field: acknowledge and resolve.
	return &Decision{
		Thought: "No automatic fix available but severity is low/medium. Resolving with note.",
		Action:  "resolve",
		Args: map[string]any{
			"violation_id": f.ViolationID,
			"reason":       fmt.Sprintf("Acknowledged by PolicyPulse Agent. Manual review recommended: %s", f.RequiredAction),
		},
	}, nil
}

func currentOrMissing(v any) any {
	if v == nil {
		return "missing"
	}
	return v
}

func requiredActionOr(action string) string {
	if action == "" {
		return "review and fix manually"
	}
	return action
}
