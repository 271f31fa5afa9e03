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
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
)

// MaxLogEntries caps the /agent/log page size.
const MaxLogEntries = 200

// ServiceMetrics tracks request and remediation counters for the JSON
// /metrics endpoint. Prometheus counters are registered separately in run.go.
type ServiceMetrics struct {
	startTime time.Time

	requestsTotal         int64
	scansRun              int64
	violationsDetected    int64
	remediationsResolved  int64
	remediationsEscalated int64
	remediationErrors     int64
}

func NewServiceMetrics() *ServiceMetrics {
	return &ServiceMetrics{startTime: time.Now()}
}

func (m *ServiceMetrics) recordScan(found int) {
	atomic.AddInt64(&m.scansRun, 1)
	atomic.AddInt64(&m.violationsDetected, int64(found))
}

func (m *ServiceMetrics) recordRun(status RunStatus) {
	switch status {
	case RunSuccess:
		atomic.AddInt64(&m.remediationsResolved, 1)
	case RunEscalated:
		atomic.AddInt64(&m.remediationsEscalated, 1)
	default:
		atomic.AddInt64(&m.remediationErrors, 1)
	}
}

func (m *ServiceMetrics) snapshot() map[string]any {
	uptime := time.Since(m.startTime).Seconds()
	return map[string]any{
		"uptime_seconds":         uptime,
		"requests_total":         atomic.LoadInt64(&m.requestsTotal),
		"scans_run":              atomic.LoadInt64(&m.scansRun),
		"violations_detected":    atomic.LoadInt64(&m.violationsDetected),
		"remediations_resolved":  atomic.LoadInt64(&m.remediationsResolved),
		"remediations_escalated": atomic.LoadInt64(&m.remediationsEscalated),
		"remediation_errors":     atomic.LoadInt64(&m.remediationErrors),
		"timestamp":              time.Now().UTC(),
	}
}

// APIHandler exposes the compliance system over HTTP.
type APIHandler struct {
	scanner      *Scanner
	agent        *RemediationAgent
	orchestrator *Orchestrator
	predictor    *RiskPredictor
	advisor      *PolicyAdvisor
	activityLog  *ActivityLog
	metrics      *ServiceMetrics
}

func NewAPIHandler(
	scanner *Scanner,
	agent *RemediationAgent,
	orchestrator *Orchestrator,
	predictor *RiskPredictor,
	advisor *PolicyAdvisor,
	activityLog *ActivityLog,
	metrics *ServiceMetrics,
) *APIHandler {
	if metrics == nil {
		metrics = NewServiceMetrics()
	}
	return &APIHandler{
		scanner:      scanner,
		agent:        agent,
		orchestrator: orchestrator,
		predictor:    predictor,
		advisor:      advisor,
		activityLog:  activityLog,
		metrics:      metrics,
	}
}

// RegisterRoutes attaches all compliance endpoints to the router.
func (h *APIHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/violations/scan", h.scanHandler).Methods("POST")

	router.HandleFunc("/agent/remediate/{violation_id}", h.remediateHandler).Methods("POST")
	router.HandleFunc("/agent/remediate-batch", h.remediateBatchHandler).Methods("POST")
	router.HandleFunc("/agent/orchestrate/{violation_id}", h.orchestrateHandler).Methods("POST")
	router.HandleFunc("/agent/orchestrate-batch", h.orchestrateBatchHandler).Methods("POST")
	router.HandleFunc("/agent/predict-risks", h.predictRisksHandler).Methods("POST")
	router.HandleFunc("/agent/suggest-policies", h.suggestPoliciesHandler).Methods("POST")
	router.HandleFunc("/agent/log", h.agentLogHandler).Methods("GET")
	router.HandleFunc("/agent/status", h.statusHandler).Methods("GET")

	router.HandleFunc("/health", h.healthHandler).Methods("GET")
	router.HandleFunc("/metrics", h.metricsHandler).Methods("GET")
}

// scanHandler runs a full compliance scan.
// POST /violations/scan
func (h *APIHandler) scanHandler(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.metrics.requestsTotal, 1)

	result, err := h.scanner.Scan(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "SCAN_FAILED", "Scan failed: "+err.Error())
		return
	}

	h.metrics.recordScan(result.ViolationsFound)
	promScansTotal.Inc()
	promViolationsDetected.Add(float64(result.ViolationsFound))
	h.writeJSON(w, http.StatusOK, result)
}

// remediateHandler runs the ReAct agent on one violation.
// POST /agent/remediate/{violation_id}
func (h *APIHandler) remediateHandler(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.metrics.requestsTotal, 1)

	violationID := mux.Vars(r)["violation_id"]
	if violationID == "" {
		h.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "violation_id is required")
		return
	}

	run, err := h.agent.Remediate(r.Context(), violationID)
	switch {
	case errors.Is(err, ErrNotFound):
		h.writeError(w, http.StatusNotFound, "NOT_FOUND", "Violation "+violationID+" not found")
		return
	case errors.Is(err, ErrViolationLocked):
		h.writeError(w, http.StatusConflict, "LOCKED", "Violation "+violationID+" is being remediated by another agent")
		return
	case err != nil:
		h.writeError(w, http.StatusInternalServerError, "REMEDIATION_FAILED", "Remediation failed: "+err.Error())
		return
	}

	h.metrics.recordRun(run.Status)
	promRemediationsTotal.WithLabelValues(string(run.Status)).Inc()
	h.writeJSON(w, http.StatusOK, run)
}

// remediateBatchHandler runs the agent over all open violations.
// POST /agent/remediate-batch?severity=high
func (h *APIHandler) remediateBatchHandler(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.metrics.requestsTotal, 1)

	severity := r.URL.Query().Get("severity")
	if !validSeverityParam(severity) {
		h.writeError(w, http.StatusBadRequest, "INVALID_SEVERITY", "Unknown severity: "+severity)
		return
	}

	result, err := h.agent.RemediateBatch(r.Context(), severity)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "BATCH_FAILED", "Batch remediation failed: "+err.Error())
		return
	}

	promRemediationsTotal.WithLabelValues(string(RunSuccess)).Add(float64(result.Resolved))
	promRemediationsTotal.WithLabelValues(string(RunEscalated)).Add(float64(result.Escalated))
	atomic.AddInt64(&h.metrics.remediationsResolved, int64(result.Resolved))
	atomic.AddInt64(&h.metrics.remediationsEscalated, int64(result.Escalated))
	h.writeJSON(w, http.StatusOK, result)
}

// orchestrateHandler routes one violation through the multi-agent system.
// POST /agent/orchestrate/{violation_id}
func (h *APIHandler) orchestrateHandler(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.metrics.requestsTotal, 1)

	violationID := mux.Vars(r)["violation_id"]
	if violationID == "" {
		h.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "violation_id is required")
		return
	}

	result, err := h.orchestrator.Orchestrate(r.Context(), violationID)
	switch {
	case errors.Is(err, ErrNotFound):
		h.writeError(w, http.StatusNotFound, "NOT_FOUND", "Violation "+violationID+" not found")
		return
	case errors.Is(err, ErrViolationLocked):
		h.writeError(w, http.StatusConflict, "LOCKED", "Violation "+violationID+" is being remediated by another agent")
		return
	case err != nil:
		h.writeError(w, http.StatusInternalServerError, "ORCHESTRATION_FAILED", "Orchestration failed: "+err.Error())
		return
	}

	promOrchestrationsTotal.WithLabelValues(result.RoutedTo).Inc()
	h.writeJSON(w, http.StatusOK, result)
}

// orchestrateBatchHandler routes all open violations to specialists.
// POST /agent/orchestrate-batch?severity=critical
func (h *APIHandler) orchestrateBatchHandler(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.metrics.requestsTotal, 1)

	severity := r.URL.Query().Get("severity")
	if !validSeverityParam(severity) {
		h.writeError(w, http.StatusBadRequest, "INVALID_SEVERITY", "Unknown severity: "+severity)
		return
	}

	result, err := h.orchestrator.OrchestrateBatch(r.Context(), severity)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "BATCH_FAILED", "Batch orchestration failed: "+err.Error())
		return
	}

	for kind, stats := range result.AgentStats {
		promOrchestrationsTotal.WithLabelValues(kind).Add(float64(stats.Resolved + stats.Escalated + stats.Errors))
	}
	h.writeJSON(w, http.StatusOK, result)
}

// predictRisksHandler grades records that are close to violating.
// POST /agent/predict-risks?min_risk_score=2&record_type=system&department=IT
func (h *APIHandler) predictRisksHandler(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.metrics.requestsTotal, 1)

	q := RiskQuery{
		RecordType: r.URL.Query().Get("record_type"),
		Department: r.URL.Query().Get("department"),
	}
	if raw := r.URL.Query().Get("min_risk_score"); raw != "" {
		min, err := strconv.Atoi(raw)
		if err != nil || min < 1 || min > 5 {
			h.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "min_risk_score must be an integer between 1 and 5")
			return
		}
		q.MinRiskScore = min
	}

	report, err := h.predictor.Predict(r.Context(), q)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "PREDICTION_FAILED", "Risk prediction failed: "+err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// suggestPoliciesHandler runs the policy advisor.
// POST /agent/suggest-policies
func (h *APIHandler) suggestPoliciesHandler(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.metrics.requestsTotal, 1)

	report, err := h.advisor.Advise(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "ADVISOR_FAILED", "Policy analysis failed: "+err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// agentLogHandler returns recent agent activity, newest first.
// GET /agent/log?limit=50
func (h *APIHandler) agentLogHandler(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.metrics.requestsTotal, 1)

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > MaxLogEntries {
		limit = MaxLogEntries
	}

	entries, err := h.activityLog.Recent(r.Context(), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "LOG_FAILED", "Failed to read activity log: "+err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// statusHandler reports the full multi-agent system status.
// GET /agent/status
func (h *APIHandler) statusHandler(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.metrics.requestsTotal, 1)

	status, err := h.orchestrator.Status(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "STATUS_FAILED", "Failed to collect status: "+err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// healthHandler is the liveness endpoint.
func (h *APIHandler) healthHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   "policypulse-compliance",
		"timestamp": time.Now().UTC(),
		"version":   "2.0.0",
	})
}

// metricsHandler returns the JSON counter snapshot. Prometheus exposition
// lives at /prometheus.
func (h *APIHandler) metricsHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.metrics.snapshot())
}

func validSeverityParam(severity string) bool {
	if severity == "" || severity == "all" {
		return true
	}
	return Severity(severity).Valid()
}

type apiErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiError struct {
	Error apiErrorDetail `json:"error"`
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[API] error encoding response: %v", err)
	}
}

func (h *APIHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, apiError{Error: apiErrorDetail{Code: code, Message: message}})
}
