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

// Package main is the entry point for the PolicyPulse compliance service.
//
// The compliance service detects policy violations and remediates them
// autonomously:
// - Scans company records against active compliance rules
// - Runs ReAct remediation agents over open violations
// - Routes violations to domain specialists via the orchestrator
// - Predicts at-risk records and suggests policy improvements
//
// Usage:
//
//	./compliance
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8000)
//	MONGO_URI - MongoDB connection string (in-memory store when unset)
//	DATABASE_URL - PostgreSQL connection string for the activity log
//	REDIS_URL - Redis URL for distributed remediation locks
package main

import (
	"policypulse/platform/compliance"
)

func main() {
	compliance.Run()
}
