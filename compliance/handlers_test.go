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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policypulse/platform/compliance/llm"
)

// apiFixture wires the whole service against the in-memory store with the
// deterministic reasoner, seeded with one open MFA violation.
func apiFixture(t *testing.T) (*mux.Router, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	store.SeedRule(Rule{
		RuleID:   "RULE-MFA",
		Name:     "MFA required",
		Category: "security",
		Condition: Condition{
			Field:    "mfa_enabled",
			Operator: OpIsTrue,
		},
		ConditionText:         "All systems must have MFA enabled",
		Severity:              SeverityHigh,
		RequiredAction:        "Enable MFA",
		Active:                true,
		ApplicableRecordTypes: []string{"all"},
	})
	store.SeedRecord(Record{
		RecordID: "REC-1",
		Type:     "system",
		Name:     "Billing API",
		Data:     map[string]any{"mfa_enabled": false},
	})
	require.NoError(t, store.InsertViolations(context.Background(), []Violation{{
		ViolationID: "VIO-1",
		RuleID:      "RULE-MFA",
		RecordID:    "REC-1",
		Severity:    SeverityHigh,
		Status:      StatusOpen,
		DetectedAt:  time.Now().UTC(),
	}}))

	activityLog := NewActivityLog("")
	locker := NewViolationLocker("", time.Minute)
	toolkit := NewActionToolkit(store, activityLog)
	agent := NewRemediationAgent(store, toolkit, llm.NewRuleReasoner(), locker)
	playbooks := DefaultPlaybooks()

	handler := NewAPIHandler(
		NewScanner(store, NewEvaluator()),
		agent,
		NewOrchestrator(store, agent, playbooks, activityLog),
		NewRiskPredictor(store),
		NewPolicyAdvisor(store, activityLog),
		activityLog,
		NewServiceMetrics(),
	)

	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	return router, store
}

func doRequest(t *testing.T, router *mux.Router, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	body := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestScanEndpoint(t *testing.T) {
	router, store := apiFixture(t)
	// Clear the seeded violation so the scan re-detects it.
	_, err := store.ClearViolations(context.Background())
	require.NoError(t, err)

	rec, body := doRequest(t, router, http.MethodPost, "/violations/scan")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(body["scan_id"].(string), "SCAN-"))
	assert.Equal(t, float64(1), body["violations_found"])
	assert.Equal(t, float64(1), body["records_scanned"])
}

func TestScanEndpointRejectsGet(t *testing.T) {
	router, _ := apiFixture(t)
	rec, _ := doRequest(t, router, http.MethodGet, "/violations/scan")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRemediateEndpoint(t *testing.T) {
	router, store := apiFixture(t)

	rec, body := doRequest(t, router, http.MethodPost, "/agent/remediate/VIO-1")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "VIO-1", body["violation_id"])

	violation, err := store.GetViolation(context.Background(), "VIO-1")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, violation.Status)
}

func TestRemediateEndpointNotFound(t *testing.T) {
	router, _ := apiFixture(t)

	rec, body := doRequest(t, router, http.MethodPost, "/agent/remediate/VIO-NOPE")

	require.Equal(t, http.StatusNotFound, rec.Code)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "NOT_FOUND", errObj["code"])
	assert.Contains(t, errObj["message"], "VIO-NOPE")
}

func TestRemediateBatchEndpoint(t *testing.T) {
	router, _ := apiFixture(t)

	rec, body := doRequest(t, router, http.MethodPost, "/agent/remediate-batch?severity=high")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["total_processed"])
	assert.Equal(t, float64(1), body["resolved"])
}

func TestRemediateBatchRejectsUnknownSeverity(t *testing.T) {
	router, _ := apiFixture(t)

	rec, body := doRequest(t, router, http.MethodPost, "/agent/remediate-batch?severity=catastrophic")

	require.Equal(t, http.StatusBadRequest, rec.Code)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "INVALID_SEVERITY", errObj["code"])
}

func TestOrchestrateEndpoint(t *testing.T) {
	router, _ := apiFixture(t)

	rec, body := doRequest(t, router, http.MethodPost, "/agent/orchestrate/VIO-1")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "security", body["routed_to"])
	assert.Equal(t, "resolved", body["status"])
	require.NotNil(t, body["routing_log"])
}

func TestOrchestrateEndpointNotFound(t *testing.T) {
	router, _ := apiFixture(t)
	rec, _ := doRequest(t, router, http.MethodPost, "/agent/orchestrate/VIO-NOPE")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOrchestrateBatchEndpoint(t *testing.T) {
	router, _ := apiFixture(t)

	rec, body := doRequest(t, router, http.MethodPost, "/agent/orchestrate-batch")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["total_processed"])
	stats := body["agent_stats"].(map[string]any)
	security := stats["security"].(map[string]any)
	assert.Equal(t, float64(1), security["resolved"])
}

func TestPredictRisksEndpoint(t *testing.T) {
	router, _ := apiFixture(t)

	rec, body := doRequest(t, router, http.MethodPost, "/agent/predict-risks?min_risk_score=1")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", body["status"])
	assert.NotNil(t, body["predictions"])
}

func TestPredictRisksRejectsBadScore(t *testing.T) {
	router, _ := apiFixture(t)

	rec, _ := doRequest(t, router, http.MethodPost, "/agent/predict-risks?min_risk_score=ten")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doRequest(t, router, http.MethodPost, "/agent/predict-risks?min_risk_score=9")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSuggestPoliciesEndpoint(t *testing.T) {
	router, _ := apiFixture(t)

	rec, body := doRequest(t, router, http.MethodPost, "/agent/suggest-policies")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", body["status"])
	assert.NotEmpty(t, body["policy_health"])
	assert.NotNil(t, body["recommendations"])
}

func TestAgentLogEndpoint(t *testing.T) {
	router, _ := apiFixture(t)
	// Produce some log entries first.
	rec, _ := doRequest(t, router, http.MethodPost, "/agent/remediate/VIO-1")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := doRequest(t, router, http.MethodGet, "/agent/log?limit=5")

	require.Equal(t, http.StatusOK, rec.Code)
	entries := body["entries"].([]any)
	assert.NotEmpty(t, entries)
	assert.Equal(t, float64(len(entries)), body["count"])
}

func TestAgentLogLimitValidation(t *testing.T) {
	router, _ := apiFixture(t)

	rec, _ := doRequest(t, router, http.MethodGet, "/agent/log?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Oversized limits are clamped, not rejected.
	rec, _ = doRequest(t, router, http.MethodGet, "/agent/log?limit=5000")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	router, _ := apiFixture(t)

	rec, body := doRequest(t, router, http.MethodGet, "/agent/status")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "operational", body["status"])
	agents := body["agents"].([]any)
	assert.Len(t, agents, 4)
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := apiFixture(t)

	rec, body := doRequest(t, router, http.MethodGet, "/health")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "policypulse-compliance", body["service"])
}

func TestMetricsEndpoint(t *testing.T) {
	router, store := apiFixture(t)
	_, err := store.ClearViolations(context.Background())
	require.NoError(t, err)
	rec, _ := doRequest(t, router, http.MethodPost, "/violations/scan")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := doRequest(t, router, http.MethodGet, "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["scans_run"])
	assert.Equal(t, float64(1), body["violations_detected"])
	assert.GreaterOrEqual(t, body["requests_total"].(float64), float64(1))
}
