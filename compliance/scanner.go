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
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Scanner runs full compliance scans: every active rule against every
// record, with dedup against violations that are already open.
type Scanner struct {
	store Store
	eval  *Evaluator
}

// ScanResult summarizes one completed scan.
type ScanResult struct {
	ScanID          string    `json:"scan_id"`
	ViolationsFound int       `json:"violations_found"`
	RecordsScanned  int       `json:"records_scanned"`
	RulesApplied    int       `json:"rules_applied"`
	CompletedAt     time.Time `json:"completed_at"`
}

func NewScanner(store Store, eval *Evaluator) *Scanner {
	return &Scanner{store: store, eval: eval}
}

// newID builds a short uppercase entity id like VIO-3FA29C01.
func newID(prefix string) string {
	return prefix + "-" + strings.ToUpper(uuid.NewString()[:8])
}

// Scan evaluates all active rules against all records and persists any new
// violations in one batch. A rule/record pair with an open violation is
// skipped, so repeated scans never duplicate findings.
func (s *Scanner) Scan(ctx context.Context) (*ScanResult, error) {
	scanID := newID("SCAN")
	started := time.Now().UTC()

	if err := s.store.InsertScan(ctx, ScanRecord{
		ScanID:    scanID,
		Status:    "running",
		StartedAt: started,
	}); err != nil {
		return nil, err
	}

	rules, err := s.store.ListActiveRules(ctx)
	if err != nil {
		return nil, err
	}
	records, err := s.store.ListRecords(ctx, RecordFilter{})
	if err != nil {
		return nil, err
	}
	openPairs, err := s.store.OpenViolationKeys(ctx)
	if err != nil {
		return nil, err
	}

	var found []Violation
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, rule := range rules {
			if !rule.AppliesTo(record.Type) {
				continue
			}
			if _, open := openPairs[ViolationKey{RuleID: rule.RuleID, RecordID: record.RecordID}]; open {
				continue
			}
			result, err := s.eval.Evaluate(rule, record)
			if err != nil {
				// Unknown condition shapes fail closed: skip, never guess.
				log.Printf("[Scanner] skipping rule %s on record %s: %v", rule.RuleID, record.RecordID, err)
				continue
			}
			if !result.Matched {
				continue
			}
			found = append(found, s.buildViolation(scanID, rule, record, result))
		}
	}

	if len(found) > 0 {
		if err := s.store.InsertViolations(ctx, found); err != nil {
			return nil, err
		}
	}

	completed := time.Now().UTC()
	if err := s.store.CompleteScan(ctx, scanID, len(records), len(rules), len(found), completed); err != nil {
		return nil, err
	}

	return &ScanResult{
		ScanID:          scanID,
		ViolationsFound: len(found),
		RecordsScanned:  len(records),
		RulesApplied:    len(rules),
		CompletedAt:     completed,
	}, nil
}

func (s *Scanner) buildViolation(scanID string, rule Rule, record Record, result MatchResult) Violation {
	remediation := rule.RequiredAction
	if remediation == "" {
		remediation = "Review and remediate"
	}
	return Violation{
		ViolationID:          newID("VIO"),
		ScanID:               scanID,
		RuleID:               rule.RuleID,
		RecordID:             record.RecordID,
		PolicyID:             rule.PolicyID,
		Severity:             rule.Severity,
		ConfidenceScore:      result.Confidence,
		Status:               StatusOpen,
		Explanation:          result.Explanation,
		RiskAssessment:       riskAssessment(rule.Severity),
		SuggestedRemediation: remediation,
		PolicyReference:      rule.PolicyReference,
		Department:           record.Department,
		NeedsHumanReview:     result.Confidence < 0.6 || rule.Severity == SeverityCritical,
		DetectedAt:           time.Now().UTC(),
	}
}
