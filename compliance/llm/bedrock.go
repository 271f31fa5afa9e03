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
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

const defaultBedrockModel = "anthropic.claude-3-5-haiku-20241022-v1:0"

// BedrockProvider invokes Anthropic-family models on AWS Bedrock.
// AWS Signature V4 authentication is handled by the SDK via IAM roles.
type BedrockProvider struct {
	client *bedrockruntime.Client
	region string
	model  string

	// Written by concurrent Complete calls, read by the router's health
	// checks.
	healthy atomic.Bool
}

// NewBedrockProvider creates a Bedrock provider using the AWS SDK v2.
// Returns an error if AWS config loading fails - callers should handle this
// rather than silently falling back.
func NewBedrockProvider(region, model string) (*BedrockProvider, error) {
	if region == "" {
		region = "us-east-1"
	}
	if model == "" {
		model = defaultBedrockModel
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for Bedrock (region: %s): %w", region, err)
	}

	p := &BedrockProvider{
		client: bedrockruntime.NewFromConfig(awsCfg),
		region: region,
		model:  model,
	}
	p.healthy.Store(true)
	return p, nil
}

func (p *BedrockProvider) Name() string { return "bedrock" }

func (p *BedrockProvider) IsHealthy() bool { return p.healthy.Load() }

func (p *BedrockProvider) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	model := opts.Model
	if model == "" {
		model = p.model
	}

	requestBody := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        opts.MaxTokens,
		"temperature":       opts.Temperature,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	requestJSON, err := json.Marshal(requestBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        requestJSON,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		p.healthy.Store(false)
		return "", fmt.Errorf("bedrock API error: %w", err)
	}
	p.healthy.Store(true)

	var resp struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(resp.Content) == 0 {
		return "", fmt.Errorf("bedrock returned no content")
	}
	return resp.Content[0].Text, nil
}
