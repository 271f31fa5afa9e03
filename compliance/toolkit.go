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
	"time"
)

func nowUTC() time.Time { return time.Now().UTC() }

// ActionToolkit is the fixed set of operations an agent may perform. Every
// mutating action appends to the activity log before it returns, so no
// mutation is ever observable without its log entry.
type ActionToolkit struct {
	store Store
	log   *ActivityLog
}

func NewActionToolkit(store Store, log *ActivityLog) *ActionToolkit {
	return &ActionToolkit{store: store, log: log}
}

// Resolve marks an open violation resolved. Violations that are missing or
// already in a terminal state report failure in the observation rather than
// erroring, so an agent loop can react to the outcome.
func (t *ActionToolkit) Resolve(ctx context.Context, agent, violationID, reason string) (string, error) {
	ok, err := t.store.ResolveViolation(ctx, violationID, "PolicyPulse Agent", reason, nowUTC())
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", violationID, err)
	}
	if !ok {
		obs := fmt.Sprintf("Violation %s not found or already resolved.", violationID)
		// No-op actions still leave an audit trail.
		if err := t.log.Append(ctx, NewEntry("resolve", violationID, agent, "Skipped: "+obs, 0)); err != nil {
			return "", err
		}
		return obs, nil
	}
	if err := t.log.Append(ctx, NewEntry("resolve", violationID, agent, reason, 0)); err != nil {
		return "", err
	}
	return fmt.Sprintf("Violation %s resolved by agent.", violationID), nil
}

// UpdateField fixes the record data field that caused a violation. The new
// value must be type-compatible with the current one; a bool field cannot
// silently become a string.
func (t *ActionToolkit) UpdateField(ctx context.Context, agent, recordID, field string, value any, reason string) (string, error) {
	record, err := t.store.GetRecord(ctx, recordID)
	if err != nil {
		return "", fmt.Errorf("update field on %s: %w", recordID, err)
	}

	if current, exists := record.Data[field]; exists {
		if err := checkFieldCompat(field, current, value); err != nil {
			return "", err
		}
	}

	if err := t.store.UpdateRecordField(ctx, recordID, field, value, "PolicyPulse Agent"); err != nil {
		return "", fmt.Errorf("update field on %s: %w", recordID, err)
	}
	entry := NewEntry("update_field", recordID, agent, fmt.Sprintf("Set %s=%v. %s", field, value, reason), 0)
	if err := t.log.Append(ctx, entry); err != nil {
		return "", err
	}
	return fmt.Sprintf("Field '%s' updated to %v on record %s.", field, value, recordID), nil
}

// Escalate flags a violation for mandatory human review.
func (t *ActionToolkit) Escalate(ctx context.Context, agent, violationID, reason string) (string, error) {
	ok, err := t.store.EscalateViolation(ctx, violationID, "PolicyPulse Agent", reason, nowUTC())
	if err != nil {
		return "", fmt.Errorf("escalate %s: %w", violationID, err)
	}
	if !ok {
		obs := fmt.Sprintf("Violation %s not found or already closed.", violationID)
		if err := t.log.Append(ctx, NewEntry("escalate", violationID, agent, "Skipped: "+obs, 0)); err != nil {
			return "", err
		}
		return obs, nil
	}
	if err := t.log.Append(ctx, NewEntry("escalate", violationID, agent, reason, 0)); err != nil {
		return "", err
	}
	return fmt.Sprintf("Violation %s escalated for human review.", violationID), nil
}

// Score computes the live compliance score with open-violation counts.
// Read-only, so it is not logged.
func (t *ActionToolkit) Score(ctx context.Context) (ScoreCounts, error) {
	return t.store.ScoreCounts(ctx)
}

// checkFieldCompat rejects updates that change the runtime kind of a field.
// Nil current values and nil replacements are always accepted.
func checkFieldCompat(field string, current, next any) error {
	if current == nil || next == nil {
		return nil
	}
	ck, nk := fieldKind(current), fieldKind(next)
	if ck != nk {
		return fmt.Errorf("%w: field %q holds %s, refusing to write %s", ErrDataValidation, field, ck, nk)
	}
	return nil
}

func fieldKind(v any) string {
	switch v.(type) {
	case bool:
		return "bool"
	case string:
		return "string"
	case int, int32, int64, float32, float64:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}
