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

// Package llm is the generative-AI boundary of the compliance core. A
// Reasoner turns the current remediation context into one structured
// decision; providers are swappable and validated strictly, so a model can
// never invoke anything outside the fixed action vocabulary.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Reasoning failures. Timeouts and provider errors wrap ErrReasoning;
// responses that parse but violate the decision contract wrap
// ErrMalformedDecision. Both force an escalate in the calling loop.
var (
	ErrReasoning         = errors.New("reasoning call failed")
	ErrMalformedDecision = errors.New("malformed reasoning decision")
)

// Step is one completed thought/action/observation triple of the trace fed
// back into subsequent reasoning calls.
type Step struct {
	Node        string         `json:"node"`
	Thought     string         `json:"thought,omitempty"`
	Action      string         `json:"action,omitempty"`
	Args        map[string]any `json:"args,omitempty"`
	Observation string         `json:"observation,omitempty"`
}

// Facts carries the structured essentials of the violation so deterministic
// reasoners can act without parsing prose.
type Facts struct {
	ViolationID    string `json:"violation_id"`
	RecordID       string `json:"record_id"`
	Severity       string `json:"severity"`
	Field          string `json:"field"`
	Operator       string `json:"operator"`
	Expected       any    `json:"expected,omitempty"`
	CurrentValue   any    `json:"current_value,omitempty"`
	AutoFixable    bool   `json:"auto_fixable"`
	FixValue       any    `json:"fix_value,omitempty"`
	ConditionText  string `json:"condition_text"`
	RequiredAction string `json:"required_action"`
}

// ReasoningContext is everything a Reasoner sees: the raw entities for
// prompt construction, the structured facts, the prior trace, and an
// optional specialist priming preamble.
type ReasoningContext struct {
	Violation any    `json:"violation"`
	Rule      any    `json:"rule"`
	Record    any    `json:"record"`
	Facts     Facts  `json:"facts"`
	Steps     []Step `json:"steps"`
	Priming   string `json:"priming,omitempty"`
}

// Decision is the strict output contract of one reasoning call.
type Decision struct {
	Thought string         `json:"thought"`
	Action  string         `json:"action"`
	Args    map[string]any `json:"args"`
	IsFinal bool           `json:"is_final"`
}

// Reasoner produces the next decision for a remediation loop.
// Implementations must honor context cancellation.
type Reasoner interface {
	Reason(ctx context.Context, rc ReasoningContext) (*Decision, error)
}

// Provider is a completion backend a model-backed Reasoner can run on.
// Implementations must be safe for concurrent use.
type Provider interface {
	Name() string
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
	IsHealthy() bool
}

// Options tunes a single completion call.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// ValidateDecision checks a parsed decision against the allowed action
// vocabulary. An out-of-vocabulary action is a malformed decision, never a
// dynamic dispatch.
func ValidateDecision(d *Decision, allowed []string) error {
	if d == nil {
		return fmt.Errorf("%w: empty decision", ErrMalformedDecision)
	}
	if d.Action == "" {
		return fmt.Errorf("%w: missing action", ErrMalformedDecision)
	}
	for _, a := range allowed {
		if d.Action == a {
			return nil
		}
	}
	return fmt.Errorf("%w: action %q not in vocabulary %v", ErrMalformedDecision, d.Action, allowed)
}
