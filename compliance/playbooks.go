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
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Playbook describes one specialist: the fields and keywords it claims, and
// the persona priming its reasoning runs under.
type Playbook struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Priming      string   `yaml:"priming"`
	Fields       []string `yaml:"fields"`
	Keywords     []string `yaml:"keywords"`
	Capabilities []string `yaml:"capabilities"`
}

// PlaybookSet maps specialist type (security, privacy, vendor, operations)
// to its playbook.
type PlaybookSet map[string]Playbook

// DefaultSpecialist is where violations land when no playbook claims them.
const DefaultSpecialist = "operations"

// DefaultPlaybooks returns the built-in specialist roster.
func DefaultPlaybooks() PlaybookSet {
	return PlaybookSet{
		"security": {
			Name:        "SecurityAgent",
			Description: "Handles MFA, encryption, SSL, firewall, access control violations",
			Priming:     "You are SecurityAgent, a security compliance specialist. You handle MFA, encryption, SSL certificates, firewalls and access control. Fix configuration flags directly where possible; escalate anything requiring infrastructure changes.",
			Fields: []string{
				"mfa_enabled", "encryption_enabled", "ssl_certificate_valid",
				"firewall_enabled", "patch_level", "password_policy_enforced",
				"access_control_enabled", "two_factor_auth", "login_attempts_limit",
			},
			Keywords: []string{"mfa", "encrypt", "ssl", "access", "auth", "security", "firewall"},
			Capabilities: []string{
				"Enable MFA on user accounts",
				"Activate encryption at rest",
				"Flag expired SSL certificates",
				"Enforce password policies",
				"Enable firewall rules",
			},
		},
		"privacy": {
			Name:        "PrivacyAgent",
			Description: "Handles GDPR, data retention, consent, anonymization violations",
			Priming:     "You are PrivacyAgent, a data-privacy compliance specialist. You handle GDPR, data retention, consent and anonymization. Correct retention and consent flags where possible; escalate PII exposure risks.",
			Fields: []string{
				"retention_days", "data_minimization", "consent_obtained",
				"anonymization_enabled", "gdpr_compliant", "data_classification",
				"pii_encrypted", "right_to_erasure", "processing_agreement",
			},
			Keywords: []string{"privacy", "gdpr", "retention", "data", "consent", "pii"},
			Capabilities: []string{
				"Enable data anonymization",
				"Flag retention policy breaches",
				"Verify consent records",
				"Check GDPR compliance flags",
				"Escalate PII exposure risks",
			},
		},
		"vendor": {
			Name:        "VendorAgent",
			Description: "Handles vendor contracts, DPA, SLA, third-party risk violations",
			Priming:     "You are VendorAgent, a third-party risk specialist. You handle vendor contracts, DPAs and SLAs. Contracts and agreements need human signatures, so escalate those; only fix simple tracking flags.",
			Fields: []string{
				"contract_signed", "dpa_signed", "sla_agreed",
				"vendor_assessment_done", "third_party_audit", "nda_signed",
				"vendor_risk_score", "subprocessor_listed",
			},
			Keywords: []string{"vendor", "contract", "dpa", "third", "supplier"},
			Capabilities: []string{
				"Flag missing contracts",
				"Escalate unsigned DPAs",
				"Identify high-risk vendors",
				"Request SLA agreements",
				"Trigger vendor assessments",
			},
		},
		"operations": {
			Name:        "OperationsAgent",
			Description: "Handles backups, training, DR plans, incident response",
			Priming:     "You are OperationsAgent, an operational compliance specialist. You handle backups, training, disaster recovery and incident response. Enable automated processes where possible; escalate anything requiring scheduled human work.",
			Fields: []string{
				"backup_enabled", "last_training_date", "dr_plan_tested",
				"incident_response_plan", "monitoring_enabled", "log_retention",
				"change_management_process", "maintenance_window",
			},
			Keywords: []string{"backup", "training", "disaster", "operations", "incident"},
			Capabilities: []string{
				"Enable automated backups",
				"Flag overdue training",
				"Escalate untested DR plans",
				"Verify monitoring configuration",
				"Schedule maintenance windows",
			},
		},
	}
}

// LoadPlaybooks reads a YAML playbook file and overlays it on the defaults,
// so an operator can re-tune one specialist without restating the rest.
func LoadPlaybooks(path string) (PlaybookSet, error) {
	set := DefaultPlaybooks()
	if path == "" {
		return set, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read playbooks file: %w", err)
	}
	var overrides PlaybookSet
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse playbooks file: %w", err)
	}

	for kind, pb := range overrides {
		base, ok := set[kind]
		if !ok {
			set[kind] = pb
			continue
		}
		if pb.Name != "" {
			base.Name = pb.Name
		}
		if pb.Description != "" {
			base.Description = pb.Description
		}
		if pb.Priming != "" {
			base.Priming = pb.Priming
		}
		if len(pb.Fields) > 0 {
			base.Fields = pb.Fields
		}
		if len(pb.Keywords) > 0 {
			base.Keywords = pb.Keywords
		}
		if len(pb.Capabilities) > 0 {
			base.Capabilities = pb.Capabilities
		}
		set[kind] = base
	}
	return set, nil
}

// Classify routes a violation to a specialist type. Exact field membership
// wins; then the rule's category; then keyword matching over category, name
// and condition text; unclaimed violations go to operations.
func (set PlaybookSet) Classify(rule *Rule, violation *Violation) string {
	var field, category, text string
	if rule != nil {
		field = strings.ToLower(rule.Condition.Field)
		category = strings.ToLower(rule.Category)
		text = strings.ToLower(rule.Category + " " + rule.Name + " " + rule.ConditionText)
	}
	if violation != nil {
		text += " " + strings.ToLower(violation.Explanation)
	}

	for _, kind := range specialistOrder(set) {
		for _, f := range set[kind].Fields {
			if f == field && field != "" {
				return kind
			}
		}
	}

	if _, ok := set[category]; ok {
		return category
	}

	for _, kind := range specialistOrder(set) {
		for _, kw := range set[kind].Keywords {
			if strings.Contains(text, kw) {
				return kind
			}
		}
	}
	return DefaultSpecialist
}

// specialistOrder keeps routing deterministic regardless of map iteration.
func specialistOrder(set PlaybookSet) []string {
	fixed := []string{"security", "privacy", "vendor", "operations"}
	order := make([]string, 0, len(set))
	seen := map[string]bool{}
	for _, k := range fixed {
		if _, ok := set[k]; ok {
			order = append(order, k)
			seen[k] = true
		}
	}
	extra := make([]string, 0)
	for k := range set {
		if !seen[k] {
			extra = append(extra, k)
		}
	}
	// Extras sorted for stability.
	for i := 0; i < len(extra); i++ {
		for j := i + 1; j < len(extra); j++ {
			if extra[j] < extra[i] {
				extra[i], extra[j] = extra[j], extra[i]
			}
		}
	}
	return append(order, extra...)
}
