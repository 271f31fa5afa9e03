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
	"time"
)

// ViolationKey identifies the (rule, record) pair a violation is opened for.
type ViolationKey struct {
	RuleID   string
	RecordID string
}

// RecordFilter narrows record listings. Zero values match everything.
type RecordFilter struct {
	Type       string
	Department string
}

// ViolationFilter narrows violation listings and counts. Zero values match
// everything.
type ViolationFilter struct {
	Status   ViolationStatus
	Severity Severity
	Since    time.Time
	Limit    int
}

// Store is the document-store boundary the core depends on. All violation
// state transitions are conditional per-document updates: the returned bool
// reports whether the document was actually modified, which substitutes for
// explicit locking around concurrent scans and remediations.
type Store interface {
	ListActiveRules(ctx context.Context) ([]Rule, error)
	GetRule(ctx context.Context, ruleID string) (*Rule, error)
	ListRules(ctx context.Context) ([]Rule, error)

	ListRecords(ctx context.Context, filter RecordFilter) ([]Record, error)
	GetRecord(ctx context.Context, recordID string) (*Record, error)

	// UpdateRecordField atomically sets data.<field> = value on one record.
	// This is the sole core-owned mutation path into record data.
	UpdateRecordField(ctx context.Context, recordID, field string, value any, updatedBy string) error

	GetViolation(ctx context.Context, violationID string) (*Violation, error)
	ListViolations(ctx context.Context, filter ViolationFilter) ([]Violation, error)
	CountViolations(ctx context.Context, filter ViolationFilter) (int64, error)
	InsertViolations(ctx context.Context, violations []Violation) error

	// OpenViolationKeys returns the (rule_id, record_id) pairs that currently
	// have an open violation, used by the scanner for dedup.
	OpenViolationKeys(ctx context.Context) (map[ViolationKey]struct{}, error)

	// ResolveViolation transitions open -> resolved. Returns false without
	// error when the violation is not open (the action is a no-op then).
	ResolveViolation(ctx context.Context, violationID, resolvedBy, reason string, at time.Time) (bool, error)

	// EscalateViolation transitions any non-terminal state -> escalated and
	// flags the violation for human review.
	EscalateViolation(ctx context.Context, violationID, escalatedBy, reason string, at time.Time) (bool, error)

	// ClearViolations deletes all violations. This is the only deletion path.
	ClearViolations(ctx context.Context) (int64, error)

	InsertScan(ctx context.Context, scan ScanRecord) error
	CompleteScan(ctx context.Context, scanID string, recordsScanned, rulesApplied, violationsFound int, at time.Time) error

	// ScoreCounts returns the aggregates the compliance score is derived from.
	ScoreCounts(ctx context.Context) (ScoreCounts, error)
}

// ScoreCounts aggregates the open-violation picture used for scoring and for
// the /agent/status endpoint.
type ScoreCounts struct {
	TotalRules   int64 `json:"total_rules"`
	TotalRecords int64 `json:"total_records"`
	Open         int64 `json:"open_violations"`
	Critical     int64 `json:"critical"`
	High         int64 `json:"high"`
	Medium       int64 `json:"medium"`
	Low          int64 `json:"low"`
}

// ComplianceScore derives the aggregate score from open violations, weighted
// by severity against the maximum possible violation surface. An empty
// organization scores 100.
func (c ScoreCounts) ComplianceScore() float64 {
	if c.TotalRules == 0 || c.TotalRecords == 0 {
		return 100.0
	}
	maxPossible := float64(c.TotalRecords * c.TotalRules)
	weighted := float64(c.Critical*4 + c.High*3 + c.Medium*2 + c.Low*1)
	score := 100 - (weighted/maxPossible)*100*5
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	// One decimal place, matching the dashboard contract.
	return float64(int(score*10+0.5)) / 10
}
