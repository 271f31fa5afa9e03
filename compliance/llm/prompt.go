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
	"encoding/json"
	"fmt"
	"strings"
)

const toolDescriptions = `Available actions (choose exactly one per step):
- update_field(field: str, value: any, reason: str) -> fix the data field that caused the violation
- resolve(reason: str) -> mark the violation resolved
- escalate(reason: str) -> flag the violation for mandatory human review
- get_score() -> read the current compliance score (read-only)
- done() -> finish the run after a terminal action has been taken`

// buildPrompt renders the remediation context into a single ReAct prompt.
// The response contract is strict JSON; anything else is rejected upstream.
func buildPrompt(rc ReasoningContext) string {
	var b strings.Builder

	if rc.Priming != "" {
		b.WriteString(rc.Priming)
		b.WriteString("\n\n")
	} else {
		b.WriteString("You are an autonomous compliance remediation agent. Your job is to remediate a compliance violation.\n\n")
	}

	writeSection(&b, "VIOLATION", rc.Violation)
	writeSection(&b, "COMPLIANCE RULE", rc.Rule)
	writeSection(&b, "RECORD DATA", rc.Record)

	b.WriteString("PREVIOUS STEPS:\n")
	b.WriteString(renderSteps(rc.Steps))
	b.WriteString("\n\n")

	b.WriteString(toolDescriptions)
	b.WriteString("\n\nINSTRUCTIONS:\n")
	b.WriteString("1. Analyze the violation carefully.\n")
	b.WriteString("2. Decide the BEST action: fix the data field (update_field), resolve directly, or escalate if a human must act.\n")
	b.WriteString("3. If the rule condition is a simple field check, you can fix it directly and then resolve with a clear reason.\n")
	b.WriteString("4. Only escalate when the fix requires action outside this system (hardware, contract signing, training).\n\n")
	b.WriteString("Respond with ONLY this JSON object, no markdown and no text outside it:\n")
	b.WriteString(`{"thought": "...", "action": "action_name", "args": {...}, "is_final": false}`)
	b.WriteString("\n")

	return b.String()
}

func writeSection(b *strings.Builder, title string, v any) {
	b.WriteString(title)
	b.WriteString(":\n")
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		b.WriteString("{}")
	} else {
		b.Write(encoded)
	}
	b.WriteString("\n\n")
}

func renderSteps(steps []Step) string {
	var acted []string
	for _, s := range steps {
		if s.Action == "" {
			continue
		}
		acted = append(acted, fmt.Sprintf("Step %d: %s\n-> Action: %s\n-> Observation: %s",
			len(acted)+1, s.Thought, s.Action, s.Observation))
	}
	if len(acted) == 0 {
		return "No steps taken yet."
	}
	return strings.Join(acted, "\n")
}

// parseDecision extracts the strict-JSON decision from a raw completion,
// tolerating markdown fences some models wrap around JSON.
func parseDecision(raw string) (*Decision, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "```") {
		if idx := strings.Index(trimmed, "\n"); idx >= 0 {
			trimmed = trimmed[idx+1:]
		}
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	var decision Decision
	if err := json.Unmarshal([]byte(trimmed), &decision); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
	}
	return &decision, nil
}
