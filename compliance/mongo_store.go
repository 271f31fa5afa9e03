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

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	mongoConnectTimeout = 10 * time.Second

	collRules      = "rules"
	collRecords    = "company_records"
	collViolations = "violations"
	collScans      = "scan_history"
)

// MongoStore implements Store on a MongoDB database. Conditional state
// transitions use filtered UpdateOne calls so concurrent remediations on the
// same violation cannot both win.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoStore connects to MongoDB and verifies the connection with a ping.
func NewMongoStore(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetAppName("PolicyPulse-Compliance").
		SetConnectTimeout(mongoConnectTimeout).
		SetRetryWrites(true).
		SetRetryReads(true)

	connectCtx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	store := &MongoStore{client: client, db: client.Database(dbName)}
	if err := store.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}
	return store, nil
}

// Close disconnects the underlying client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping checks database connectivity for health reporting.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	violations := s.db.Collection(collViolations)
	_, err := violations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "violation_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "rule_id", Value: 1}, {Key: "record_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "severity", Value: 1}}},
		{Keys: bson.D{{Key: "detected_at", Value: -1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.db.Collection(collRecords).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "record_id", Value: 1}}, Options: options.Index().SetUnique(true),
	})
	return err
}

func (s *MongoStore) ListActiveRules(ctx context.Context) ([]Rule, error) {
	return s.findRules(ctx, bson.M{"is_active": true})
}

func (s *MongoStore) ListRules(ctx context.Context) ([]Rule, error) {
	return s.findRules(ctx, bson.M{})
}

func (s *MongoStore) findRules(ctx context.Context, filter bson.M) ([]Rule, error) {
	cursor, err := s.db.Collection(collRules).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	var rules []Rule
	if err := cursor.All(ctx, &rules); err != nil {
		return nil, fmt.Errorf("failed to decode rules: %w", err)
	}
	return rules, nil
}

func (s *MongoStore) GetRule(ctx context.Context, ruleID string) (*Rule, error) {
	var rule Rule
	err := s.db.Collection(collRules).FindOne(ctx, bson.M{"rule_id": ruleID}).Decode(&rule)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %s: %w", ruleID, err)
	}
	return &rule, nil
}

func (s *MongoStore) ListRecords(ctx context.Context, filter RecordFilter) ([]Record, error) {
	query := bson.M{}
	if filter.Type != "" {
		query["type"] = filter.Type
	}
	if filter.Department != "" {
		query["department"] = filter.Department
	}
	cursor, err := s.db.Collection(collRecords).Find(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	var records []Record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}
	return records, nil
}

func (s *MongoStore) GetRecord(ctx context.Context, recordID string) (*Record, error) {
	var record Record
	err := s.db.Collection(collRecords).FindOne(ctx, bson.M{"record_id": recordID}).Decode(&record)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("record %s: %w", recordID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", recordID, err)
	}
	return &record, nil
}

func (s *MongoStore) UpdateRecordField(ctx context.Context, recordID, field string, value any, updatedBy string) error {
	result, err := s.db.Collection(collRecords).UpdateOne(ctx,
		bson.M{"record_id": recordID},
		bson.M{"$set": bson.M{
			"data." + field:    value,
			"last_updated_by":  updatedBy,
			"last_updated_at":  time.Now().UTC(),
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", recordID, err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("record %s: %w", recordID, ErrNotFound)
	}
	return nil
}

func (s *MongoStore) GetViolation(ctx context.Context, violationID string) (*Violation, error) {
	var v Violation
	err := s.db.Collection(collViolations).FindOne(ctx, bson.M{"violation_id": violationID}).Decode(&v)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("violation %s: %w", violationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get violation %s: %w", violationID, err)
	}
	return &v, nil
}

func violationQuery(filter ViolationFilter) bson.M {
	query := bson.M{}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	if filter.Severity != "" {
		query["severity"] = filter.Severity
	}
	if !filter.Since.IsZero() {
		query["detected_at"] = bson.M{"$gte": filter.Since}
	}
	return query
}

func (s *MongoStore) ListViolations(ctx context.Context, filter ViolationFilter) ([]Violation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "detected_at", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	cursor, err := s.db.Collection(collViolations).Find(ctx, violationQuery(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	var violations []Violation
	if err := cursor.All(ctx, &violations); err != nil {
		return nil, fmt.Errorf("failed to decode violations: %w", err)
	}
	return violations, nil
}

func (s *MongoStore) CountViolations(ctx context.Context, filter ViolationFilter) (int64, error) {
	count, err := s.db.Collection(collViolations).CountDocuments(ctx, violationQuery(filter))
	if err != nil {
		return 0, fmt.Errorf("failed to count violations: %w", err)
	}
	return count, nil
}

func (s *MongoStore) InsertViolations(ctx context.Context, violations []Violation) error {
	if len(violations) == 0 {
		return nil
	}
	docs := make([]any, len(violations))
	for i, v := range violations {
		docs[i] = v
	}
	if _, err := s.db.Collection(collViolations).InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("failed to insert violations: %w", err)
	}
	return nil
}

func (s *MongoStore) OpenViolationKeys(ctx context.Context) (map[ViolationKey]struct{}, error) {
	cursor, err := s.db.Collection(collViolations).Find(ctx,
		bson.M{"status": StatusOpen},
		options.Find().SetProjection(bson.M{"rule_id": 1, "record_id": 1}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load open violations: %w", err)
	}
	keys := make(map[ViolationKey]struct{})
	for cursor.Next(ctx) {
		var v struct {
			RuleID   string `bson:"rule_id"`
			RecordID string `bson:"record_id"`
		}
		if err := cursor.Decode(&v); err != nil {
			return nil, fmt.Errorf("failed to decode open violation: %w", err)
		}
		keys[ViolationKey{RuleID: v.RuleID, RecordID: v.RecordID}] = struct{}{}
	}
	return keys, cursor.Err()
}

func (s *MongoStore) ResolveViolation(ctx context.Context, violationID, resolvedBy, reason string, at time.Time) (bool, error) {
	// Conditional update: only an open violation can be resolved. A lost race
	// surfaces as ModifiedCount == 0, not as an error.
	result, err := s.db.Collection(collViolations).UpdateOne(ctx,
		bson.M{"violation_id": violationID, "status": StatusOpen},
		bson.M{"$set": bson.M{
			"status":            StatusResolved,
			"resolved_by":       resolvedBy,
			"resolution_reason": reason,
			"resolved_at":       at,
		}},
	)
	if err != nil {
		return false, fmt.Errorf("failed to resolve violation %s: %w", violationID, err)
	}
	return result.ModifiedCount > 0, nil
}

func (s *MongoStore) EscalateViolation(ctx context.Context, violationID, escalatedBy, reason string, at time.Time) (bool, error) {
	result, err := s.db.Collection(collViolations).UpdateOne(ctx,
		bson.M{"violation_id": violationID, "status": bson.M{"$nin": bson.A{StatusResolved, StatusEscalated}}},
		bson.M{"$set": bson.M{
			"status":             StatusEscalated,
			"escalated_by":       escalatedBy,
			"escalation_reason":  reason,
			"escalated_at":       at,
			"needs_human_review": true,
		}},
	)
	if err != nil {
		return false, fmt.Errorf("failed to escalate violation %s: %w", violationID, err)
	}
	return result.ModifiedCount > 0, nil
}

func (s *MongoStore) ClearViolations(ctx context.Context) (int64, error) {
	result, err := s.db.Collection(collViolations).DeleteMany(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("failed to clear violations: %w", err)
	}
	return result.DeletedCount, nil
}

func (s *MongoStore) InsertScan(ctx context.Context, scan ScanRecord) error {
	if _, err := s.db.Collection(collScans).InsertOne(ctx, scan); err != nil {
		return fmt.Errorf("failed to insert scan record: %w", err)
	}
	return nil
}

func (s *MongoStore) CompleteScan(ctx context.Context, scanID string, recordsScanned, rulesApplied, violationsFound int, at time.Time) error {
	_, err := s.db.Collection(collScans).UpdateOne(ctx,
		bson.M{"scan_id": scanID},
		bson.M{"$set": bson.M{
			"status":           "completed",
			"completed_at":     at,
			"records_scanned":  recordsScanned,
			"rules_applied":    rulesApplied,
			"violations_found": violationsFound,
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to complete scan %s: %w", scanID, err)
	}
	return nil
}

func (s *MongoStore) ScoreCounts(ctx context.Context) (ScoreCounts, error) {
	var counts ScoreCounts
	var err error

	if counts.TotalRules, err = s.db.Collection(collRules).CountDocuments(ctx, bson.M{}); err != nil {
		return counts, fmt.Errorf("failed to count rules: %w", err)
	}
	if counts.TotalRecords, err = s.db.Collection(collRecords).CountDocuments(ctx, bson.M{}); err != nil {
		return counts, fmt.Errorf("failed to count records: %w", err)
	}

	violations := s.db.Collection(collViolations)
	if counts.Open, err = violations.CountDocuments(ctx, bson.M{"status": StatusOpen}); err != nil {
		return counts, fmt.Errorf("failed to count open violations: %w", err)
	}
	for severity, target := range map[Severity]*int64{
		SeverityCritical: &counts.Critical,
		SeverityHigh:     &counts.High,
		SeverityMedium:   &counts.Medium,
		SeverityLow:      &counts.Low,
	} {
		n, err := violations.CountDocuments(ctx, bson.M{"status": StatusOpen, "severity": severity})
		if err != nil {
			return counts, fmt.Errorf("failed to count %s violations: %w", severity, err)
		}
		*target = n
	}
	return counts, nil
}
