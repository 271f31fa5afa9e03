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
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and by local development
// when no MongoDB is configured. State transitions take the same conditional
// form as the Mongo implementation so race semantics match.
type MemoryStore struct {
	mu         sync.RWMutex
	rules      map[string]Rule
	records    map[string]Record
	violations map[string]Violation
	scans      map[string]ScanRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:      make(map[string]Rule),
		records:    make(map[string]Record),
		violations: make(map[string]Violation),
		scans:      make(map[string]ScanRecord),
	}
}

// SeedRule adds or replaces a rule.
func (s *MemoryStore) SeedRule(rule Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.RuleID] = rule
}

// SeedRecord adds or replaces a record.
func (s *MemoryStore) SeedRecord(record Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.Data == nil {
		record.Data = make(map[string]any)
	}
	s.records[record.RecordID] = record
}

func (s *MemoryStore) ListActiveRules(ctx context.Context) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rules []Rule
	for _, r := range s.rules {
		if r.Active {
			rules = append(rules, r)
		}
	}
	sortRules(rules)
	return rules, nil
}

func (s *MemoryStore) ListRules(ctx context.Context) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rules := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		rules = append(rules, r)
	}
	sortRules(rules)
	return rules, nil
}

func sortRules(rules []Rule) {
	sort.Slice(rules, func(i, j int) bool { return rules[i].RuleID < rules[j].RuleID })
}

func (s *MemoryStore) GetRule(ctx context.Context, ruleID string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[ruleID]
	if !ok {
		return nil, fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
	}
	return &rule, nil
}

func (s *MemoryStore) ListRecords(ctx context.Context, filter RecordFilter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var records []Record
	for _, r := range s.records {
		if filter.Type != "" && r.Type != filter.Type {
			continue
		}
		if filter.Department != "" && r.Department != filter.Department {
			continue
		}
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].RecordID < records[j].RecordID })
	return records, nil
}

func (s *MemoryStore) GetRecord(ctx context.Context, recordID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[recordID]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", recordID, ErrNotFound)
	}
	copied := record
	copied.Data = make(map[string]any, len(record.Data))
	for k, v := range record.Data {
		copied.Data[k] = v
	}
	return &copied, nil
}

func (s *MemoryStore) UpdateRecordField(ctx context.Context, recordID, field string, value any, updatedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[recordID]
	if !ok {
		return fmt.Errorf("record %s: %w", recordID, ErrNotFound)
	}
	record.Data[field] = value
	s.records[recordID] = record
	return nil
}

func (s *MemoryStore) GetViolation(ctx context.Context, violationID string) (*Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.violations[violationID]
	if !ok {
		return nil, fmt.Errorf("violation %s: %w", violationID, ErrNotFound)
	}
	return &v, nil
}

func matchesFilter(v Violation, filter ViolationFilter) bool {
	if filter.Status != "" && v.Status != filter.Status {
		return false
	}
	if filter.Severity != "" && v.Severity != filter.Severity {
		return false
	}
	if !filter.Since.IsZero() && v.DetectedAt.Before(filter.Since) {
		return false
	}
	return true
}

func (s *MemoryStore) ListViolations(ctx context.Context, filter ViolationFilter) ([]Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var violations []Violation
	for _, v := range s.violations {
		if matchesFilter(v, filter) {
			violations = append(violations, v)
		}
	}
	sort.Slice(violations, func(i, j int) bool {
		if violations[i].DetectedAt.Equal(violations[j].DetectedAt) {
			return violations[i].ViolationID < violations[j].ViolationID
		}
		return violations[i].DetectedAt.After(violations[j].DetectedAt)
	})
	if filter.Limit > 0 && len(violations) > filter.Limit {
		violations = violations[:filter.Limit]
	}
	return violations, nil
}

func (s *MemoryStore) CountViolations(ctx context.Context, filter ViolationFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, v := range s.violations {
		if matchesFilter(v, filter) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) InsertViolations(ctx context.Context, violations []Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range violations {
		s.violations[v.ViolationID] = v
	}
	return nil
}

func (s *MemoryStore) OpenViolationKeys(ctx context.Context) (map[ViolationKey]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make(map[ViolationKey]struct{})
	for _, v := range s.violations {
		if v.Status == StatusOpen {
			keys[ViolationKey{RuleID: v.RuleID, RecordID: v.RecordID}] = struct{}{}
		}
	}
	return keys, nil
}

func (s *MemoryStore) ResolveViolation(ctx context.Context, violationID, resolvedBy, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.violations[violationID]
	if !ok || v.Status != StatusOpen {
		return false, nil
	}
	v.Status = StatusResolved
	v.ResolvedBy = resolvedBy
	v.ResolutionReason = reason
	v.ResolvedAt = &at
	s.violations[violationID] = v
	return true, nil
}

func (s *MemoryStore) EscalateViolation(ctx context.Context, violationID, escalatedBy, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.violations[violationID]
	if !ok || v.Status == StatusResolved || v.Status == StatusEscalated {
		return false, nil
	}
	v.Status = StatusEscalated
	v.EscalationReason = reason
	v.NeedsHumanReview = true
	s.violations[violationID] = v
	return true, nil
}

func (s *MemoryStore) ClearViolations(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cleared := int64(len(s.violations))
	s.violations = make(map[string]Violation)
	return cleared, nil
}

func (s *MemoryStore) InsertScan(ctx context.Context, scan ScanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans[scan.ScanID] = scan
	return nil
}

func (s *MemoryStore) CompleteScan(ctx context.Context, scanID string, recordsScanned, rulesApplied, violationsFound int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	scan, ok := s.scans[scanID]
	if !ok {
		return fmt.Errorf("scan %s: %w", scanID, ErrNotFound)
	}
	scan.Status = "completed"
	scan.CompletedAt = &at
	scan.RecordsScanned = recordsScanned
	scan.RulesApplied = rulesApplied
	scan.ViolationsFound = violationsFound
	s.scans[scanID] = scan
	return nil
}

func (s *MemoryStore) ScoreCounts(ctx context.Context) (ScoreCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := ScoreCounts{
		TotalRules:   int64(len(s.rules)),
		TotalRecords: int64(len(s.records)),
	}
	for _, v := range s.violations {
		if v.Status != StatusOpen {
			continue
		}
		counts.Open++
		switch v.Severity {
		case SeverityCritical:
			counts.Critical++
		case SeverityHigh:
			counts.High++
		case SeverityMedium:
			counts.Medium++
		case SeverityLow:
			counts.Low++
		}
	}
	return counts, nil
}
