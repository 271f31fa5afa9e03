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

package llm

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// AllowedActions is the remediation tool vocabulary a decision may name.
var AllowedActions = []string{"resolve", "update_field", "escalate", "get_score", "done"}

// Router is a Reasoner that tries configured providers in order and falls
// back to the deterministic RuleReasoner when none is available or every
// call fails. A provider response that cannot be parsed into a valid
// decision is reported as ErrMalformedDecision; the caller decides whether
// that iteration escalates.
type Router struct {
	providers []Provider
	fallback  Reasoner
	opts      Options
}

// RouterConfig selects which providers the router builds.
type RouterConfig struct {
	OpenAIKey      string
	AnthropicKey   string
	BedrockEnabled bool
	BedrockRegion  string
	BedrockModel   string
	Model          string
	Timeout        time.Duration
}

// NewRouter builds a router from explicit providers. A nil fallback gets
// the deterministic RuleReasoner.
func NewRouter(providers []Provider, fallback Reasoner, opts Options) *Router {
	if fallback == nil {
		fallback = NewRuleReasoner()
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 1000
	}
	if opts.Timeout == 0 {
		opts.Timeout = 20 * time.Second
	}
	return &Router{providers: providers, fallback: fallback, opts: opts}
}

// NewRouterFromConfig builds providers from the given config. Providers
// whose credentials are absent are skipped; Bedrock init failure is logged
// and skipped rather than fatal.
func NewRouterFromConfig(cfg RouterConfig) *Router {
	var providers []Provider
	if cfg.OpenAIKey != "" {
		providers = append(providers, NewOpenAIProvider(cfg.OpenAIKey, ""))
	}
	if cfg.AnthropicKey != "" {
		providers = append(providers, NewAnthropicProvider(cfg.AnthropicKey, ""))
	}
	if cfg.BedrockEnabled {
		bp, err := NewBedrockProvider(cfg.BedrockRegion, cfg.BedrockModel)
		if err != nil {
			log.Printf("[Reasoner] Bedrock provider unavailable: %v", err)
		} else {
			providers = append(providers, bp)
		}
	}
	return NewRouter(providers, nil, Options{
		Model:       cfg.Model,
		Temperature: 0.2,
		Timeout:     cfg.Timeout,
	})
}

// NewRouterFromEnv reads provider credentials from the environment.
func NewRouterFromEnv() *Router {
	return NewRouterFromConfig(RouterConfig{
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		AnthropicKey:   os.Getenv("ANTHROPIC_API_KEY"),
		BedrockEnabled: strings.EqualFold(os.Getenv("BEDROCK_ENABLED"), "true"),
		BedrockRegion:  os.Getenv("BEDROCK_REGION"),
		BedrockModel:   os.Getenv("BEDROCK_MODEL"),
		Model:          os.Getenv("REASONING_MODEL"),
		Timeout:        envDuration("REASONING_TIMEOUT", 20*time.Second),
	})
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// Providers reports the names of configured providers, healthy-first order
// preserved.
func (r *Router) Providers() []string {
	names := make([]string, 0, len(r.providers))
	for _, p := range r.providers {
		names = append(names, p.Name())
	}
	return names
}

func (r *Router) Reason(ctx context.Context, rc ReasoningContext) (*Decision, error) {
	if len(r.providers) == 0 {
		return r.fallback.Reason(ctx, rc)
	}

	prompt := buildPrompt(rc)

	var lastErr error
	for _, p := range r.providers {
		if !p.IsHealthy() {
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		raw, err := p.Complete(callCtx, prompt, r.opts)
		cancel()
		if err != nil {
			lastErr = err
			log.Printf("[Reasoner] provider %s failed, trying next: %v", p.Name(), err)
			continue
		}

		decision, err := parseDecision(raw)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.Name(), err)
		}
		if err := ValidateDecision(decision, AllowedActions); err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.Name(), err)
		}
		return decision, nil
	}

	if lastErr != nil {
		log.Printf("[Reasoner] all providers failed, using deterministic fallback: %v", lastErr)
	}
	return r.fallback.Reason(ctx, rc)
}
