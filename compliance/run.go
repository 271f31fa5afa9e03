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
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"policypulse/platform/compliance/llm"
	"policypulse/platform/shared/logger"
)

// PolicyPulse Compliance Service - violation detection and autonomous
// remediation. Scans records against policy rules, remediates violations via
// ReAct agents, and routes work across the specialist roster.

// Prometheus metrics
var (
	promScansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "policypulse_compliance_scans_total",
			Help: "Total number of compliance scans executed",
		},
	)
	promViolationsDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "policypulse_compliance_violations_detected_total",
			Help: "Total number of violations detected by scans",
		},
	)
	promRemediationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policypulse_compliance_remediations_total",
			Help: "Total number of agent remediation runs by outcome",
		},
		[]string{"status"},
	)
	promOrchestrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policypulse_compliance_orchestrations_total",
			Help: "Total number of violations routed per specialist",
		},
		[]string{"specialist"},
	)
)

func init() {
	// Register Prometheus metrics
	prometheus.MustRegister(promScansTotal)
	prometheus.MustRegister(promViolationsDetected)
	prometheus.MustRegister(promRemediationsTotal)
	prometheus.MustRegister(promOrchestrationsTotal)
}

// Run is the exported entry point for the compliance service. It wires the
// store, activity log, reasoner router and agents from the environment and
// serves HTTP until the process exits.
func Run() {
	slog := logger.New("compliance")
	port := getEnv("PORT", "8000")

	// Document store: Mongo when configured, in-memory otherwise. The
	// in-memory store keeps local development and demos working without
	// infrastructure.
	var store Store
	if mongoURI := os.Getenv("MONGO_URI"); mongoURI != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		ms, err := NewMongoStore(ctx, mongoURI, getEnv("MONGO_DB", "policypulse"))
		cancel()
		if err != nil {
			log.Fatalf("Failed to connect to MongoDB: %v", err)
		}
		store = ms
		slog.Info("", "", "Connected to MongoDB", map[string]interface{}{"db": getEnv("MONGO_DB", "policypulse")})
	} else {
		store = NewMemoryStore()
		slog.Warn("", "", "MONGO_URI not set, using in-memory store", nil)
	}

	// Activity log degrades to in-memory when postgres is unavailable.
	activityLog := NewActivityLog(os.Getenv("DATABASE_URL"))
	defer activityLog.Close()

	locker := NewViolationLocker(os.Getenv("REDIS_URL"), envDuration("REMEDIATION_LOCK_TTL", 2*time.Minute))

	reasoner := llm.NewRouterFromEnv()
	slog.Info("", "", "Reasoner router configured", map[string]interface{}{
		"providers": reasoner.Providers(),
	})

	playbooks, err := LoadPlaybooks(os.Getenv("PLAYBOOKS_PATH"))
	if err != nil {
		log.Fatalf("Failed to load playbooks: %v", err)
	}

	toolkit := NewActionToolkit(store, activityLog)
	scanner := NewScanner(store, NewEvaluator())
	agent := NewRemediationAgent(store, toolkit, reasoner, locker)
	orchestrator := NewOrchestrator(store, agent, playbooks, activityLog)
	predictor := NewRiskPredictor(store)
	advisor := NewPolicyAdvisor(store, activityLog)

	handler := NewAPIHandler(scanner, agent, orchestrator, predictor, advisor, activityLog, NewServiceMetrics())

	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	router.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	slog.Info("", "", "PolicyPulse compliance service starting", map[string]interface{}{
		"port":        port,
		"specialists": len(playbooks),
	})
	if err := http.ListenAndServe(":"+port, corsHandler.Handler(router)); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
