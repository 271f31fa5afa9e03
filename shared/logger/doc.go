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

/*
Package logger provides structured JSON logging for PolicyPulse components.

# Overview

The logger package provides structured logging that outputs JSON to stdout,
making logs easily consumable by CloudWatch, ELK stack, or other log
aggregation systems.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (compliance, scanner, etc.)
  - Instance ID and container name (for distributed tracing)
  - Entity ID (the violation, record or scan the message is about)
  - Request ID (for request correlation)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("compliance")

Log messages with entity and request context:

	log.Info("VIO-3FA29C01", "req-456", "Remediation started", map[string]interface{}{
	    "agent":    "SecurityAgent",
	    "severity": "high",
	})

Log errors with status codes:

	log.ErrorWithCode("VIO-3FA29C01", "req-456", "Remediation failed", 500, err, map[string]interface{}{
	    "endpoint": "/agent/remediate",
	})

Log with duration tracking:

	start := time.Now()
	// ... do work ...
	log.InfoWithDuration("SCAN-8B11D204", "req-456", "Scan completed",
	    float64(time.Since(start).Milliseconds()), nil)

# Output Format

Log entries are output as single-line JSON:

	{"timestamp":"2025-01-15T10:30:00.123456789Z","level":"INFO",
	 "component":"compliance","instance_id":"i-abc123","container":"compliance-xyz",
	 "entity_id":"VIO-3FA29C01","request_id":"req-456",
	 "message":"Remediation started","fields":{"agent":"SecurityAgent"}}

# Environment Variables

The logger reads these environment variables:

  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Container hostname (auto-detected)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
