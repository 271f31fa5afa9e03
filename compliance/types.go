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

// Package compliance implements the PolicyPulse violation-detection and
// autonomous-remediation core: rule evaluation, scanning, ReAct remediation
// agents, specialist orchestration, risk prediction and policy advisory.
package compliance

import (
	"errors"
	"time"
)

// Severity is one of the four enumerated violation severities.
// It is assigned by a rule and frozen onto a violation at detection time.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Weight returns the severity weight used by the compliance score.
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is one of the four enumerated levels.
func (s Severity) Valid() bool {
	return s.Weight() > 0
}

// ViolationStatus is the lifecycle state of a violation.
type ViolationStatus string

const (
	StatusOpen      ViolationStatus = "open"
	StatusReviewed  ViolationStatus = "reviewed"
	StatusApproved  ViolationStatus = "approved"
	StatusEscalated ViolationStatus = "escalated"
	StatusResolved  ViolationStatus = "resolved"
)

// PolicyStatus tracks the ingestion state of a source policy document.
type PolicyStatus string

const (
	PolicyProcessing PolicyStatus = "processing"
	PolicyActive     PolicyStatus = "active"
	PolicyError      PolicyStatus = "error"
)

// Policy is a source compliance document. Policies are created by the
// ingestion subsystem; the core only reads them.
type Policy struct {
	PolicyID       string       `json:"policy_id" bson:"policy_id"`
	SourceDocument string       `json:"source_document" bson:"source_document"`
	Status         PolicyStatus `json:"status" bson:"status"`
	RuleCount      int          `json:"rule_count" bson:"rule_count"`
	CreatedAt      time.Time    `json:"created_at" bson:"created_at"`
}

// Rule is a policy-derived predicate over record fields. Rules are immutable
// once active; the policy advisor proposes new rules, it never mutates them.
type Rule struct {
	RuleID          string    `json:"rule_id" bson:"rule_id"`
	PolicyID        string    `json:"policy_id" bson:"policy_id"`
	Name            string    `json:"name" bson:"name"`
	Category        string    `json:"category" bson:"category"`
	Condition       Condition `json:"condition" bson:"condition"`
	ConditionText   string    `json:"condition_text" bson:"condition_text"`
	Severity        Severity  `json:"severity" bson:"severity"`
	RequiredAction  string    `json:"required_action" bson:"required_action"`
	PolicyReference string    `json:"policy_reference" bson:"policy_reference"`
	Active          bool      `json:"is_active" bson:"is_active"`

	// ApplicableRecordTypes prunes obviously inapplicable record types.
	// Empty or containing "all" means the rule applies to every record type.
	ApplicableRecordTypes []string `json:"applicable_record_types" bson:"applicable_record_types"`
}

// AppliesTo reports whether the rule covers the given record type. This is an
// optimization filter only; a rule with no type list covers everything.
func (r Rule) AppliesTo(recordType string) bool {
	if len(r.ApplicableRecordTypes) == 0 {
		return true
	}
	for _, t := range r.ApplicableRecordTypes {
		if t == "all" || t == recordType {
			return true
		}
	}
	return false
}

// Record is an organizational record owned by the ingestion subsystem. The
// core reads it; the only core-owned mutation path into Data is the toolkit's
// update_field action.
type Record struct {
	RecordID   string         `json:"record_id" bson:"record_id"`
	Type       string         `json:"type" bson:"type"`
	Name       string         `json:"name" bson:"name"`
	Department string         `json:"department" bson:"department"`
	Data       map[string]any `json:"data" bson:"data"`
	Source     string         `json:"source" bson:"source"`
	ImportedAt time.Time      `json:"imported_at" bson:"imported_at"`
}

// Violation records a rule failing to hold for a specific record. Severity is
// inherited from the rule at detection time and never re-derived. At most one
// open violation exists per (rule_id, record_id) pair.
type Violation struct {
	ViolationID          string          `json:"violation_id" bson:"violation_id"`
	ScanID               string          `json:"scan_id" bson:"scan_id"`
	RuleID               string          `json:"rule_id" bson:"rule_id"`
	RecordID             string          `json:"record_id" bson:"record_id"`
	PolicyID             string          `json:"policy_id" bson:"policy_id"`
	Severity             Severity        `json:"severity" bson:"severity"`
	ConfidenceScore      float64         `json:"confidence_score" bson:"confidence_score"`
	Status               ViolationStatus `json:"status" bson:"status"`
	Explanation          string          `json:"explanation" bson:"explanation"`
	RiskAssessment       string          `json:"risk_assessment" bson:"risk_assessment"`
	SuggestedRemediation string          `json:"suggested_remediation" bson:"suggested_remediation"`
	PolicyReference      string          `json:"policy_reference" bson:"policy_reference"`
	Department           string          `json:"department" bson:"department"`
	NeedsHumanReview     bool            `json:"needs_human_review" bson:"needs_human_review"`
	DetectedAt           time.Time       `json:"detected_at" bson:"detected_at"`
	ResolvedAt           *time.Time      `json:"resolved_at,omitempty" bson:"resolved_at,omitempty"`
	ResolvedBy           string          `json:"resolved_by,omitempty" bson:"resolved_by,omitempty"`
	ResolutionReason     string          `json:"resolution_reason,omitempty" bson:"resolution_reason,omitempty"`
	EscalationReason     string          `json:"escalation_reason,omitempty" bson:"escalation_reason,omitempty"`
}

// AgentLogEntry is one append-only record of an autonomous action.
type AgentLogEntry struct {
	EntryID         string    `json:"entry_id"`
	Action          string    `json:"action"`
	EntityID        string    `json:"entity_id"`
	Agent           string    `json:"agent"`
	Reason          string    `json:"reason"`
	ConfidenceDelta float64   `json:"confidence_delta"`
	Timestamp       time.Time `json:"timestamp"`
}

// ScanRecord is the persisted history entry for one compliance scan.
type ScanRecord struct {
	ScanID          string     `json:"scan_id" bson:"scan_id"`
	Status          string     `json:"status" bson:"status"`
	StartedAt       time.Time  `json:"started_at" bson:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	RecordsScanned  int        `json:"records_scanned" bson:"records_scanned"`
	RulesApplied    int        `json:"rules_applied" bson:"rules_applied"`
	ViolationsFound int        `json:"violations_found" bson:"violations_found"`
}

// Sentinel errors for the failure taxonomy. Reasoning errors live in the llm
// package; these cover store and toolkit failures.
var (
	// ErrNotFound is returned when a violation, rule, or record does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrPreconditionFailed is returned when a toolkit action is invoked on a
	// violation in an incompatible state (e.g. resolving a resolved violation).
	ErrPreconditionFailed = errors.New("action precondition failed")

	// ErrDataValidation is returned when update_field is given a value whose
	// type is incompatible with the field's current type.
	ErrDataValidation = errors.New("field value type mismatch")

	// ErrUnknownCondition is returned for a condition operator outside the
	// supported set. Evaluation fails closed.
	ErrUnknownCondition = errors.New("unsupported condition operator")
)
