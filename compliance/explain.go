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

import "fmt"

// Plain-English explanations for the compliance fields the platform knows
// well. Anything else falls through to a generic message built from the rule
// condition text.
var fieldExplanations = map[string]string{
	"mfa_enabled": "%s does not have Multi-Factor Authentication (MFA) enabled. " +
		"MFA adds a critical second layer of identity verification and is required for all accounts.",
	"encryption_enabled": "%s is not encrypted at rest. " +
		"Any sensitive data stored on this asset is at risk of exposure if the storage medium is compromised.",
	"last_training_date": "%s has not completed the required annual security awareness training. " +
		"Up-to-date training is mandatory to maintain a compliant security posture.",
	"contract_signed": "Vendor '%s' does not have a signed Data Processing Agreement (DPA) on file. " +
		"A DPA is legally required before sharing any personal data with third parties.",
	"backup_enabled": "%s does not have automated backups enabled. " +
		"Without regular backups, data loss from incidents cannot be recovered.",
	"ssl_certificate_valid": "%s has an invalid or expired SSL/TLS certificate. " +
		"All encrypted connections to this server may be compromised or blocked.",
	"retention_days": "%s has been retaining data beyond the maximum allowed period. " +
		"Excess data retention violates data minimisation requirements and increases breach exposure.",
}

var riskBySeverity = map[Severity]string{
	SeverityCritical: "This is a critical security or compliance failure. " +
		"Unresolved, it can lead to data breaches, regulatory sanctions, " +
		"or significant financial penalties. Immediate remediation is required.",
	SeverityHigh: "This represents a high-priority compliance gap that exposes the organization " +
		"to regulatory penalties, security incidents, or audit findings. " +
		"It should be resolved within the current sprint or release cycle.",
	SeverityMedium: "This is a moderate compliance issue that, while not immediately critical, " +
		"increases overall risk exposure. Address it in the next planned review cycle.",
	SeverityLow: "This is a low-severity compliance observation. It has limited immediate impact " +
		"but should be tracked and resolved before your next audit or certification renewal.",
}

func explainViolation(rule Rule, record Record, actual any) string {
	name := record.Name
	if name == "" {
		name = record.RecordID
	}
	if tmpl, ok := fieldExplanations[rule.Condition.Field]; ok {
		return fmt.Sprintf(tmpl, name)
	}
	return fmt.Sprintf("Record '%s' does not satisfy the compliance requirement: %q. "+
		"Review the record details and apply the suggested remediation.", name, rule.ConditionText)
}

func riskAssessment(severity Severity) string {
	if text, ok := riskBySeverity[severity]; ok {
		return text
	}
	return "This compliance violation requires review and remediation."
}
