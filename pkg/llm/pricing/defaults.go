// Copyright 2025 Tom Barlow
//
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

package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

// builtInPricing returns the default price table, per 1K tokens in USD.
// Operators override entries with a pricing file.
func builtInPricing() []ModelPricing {
	effectiveDate := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	p := func(provider, model, in, out string) ModelPricing {
		return ModelPricing{
			Provider:      provider,
			Model:         model,
			InputPer1K:    decimal.RequireFromString(in),
			OutputPer1K:   decimal.RequireFromString(out),
			EffectiveDate: effectiveDate,
		}
	}

	return []ModelPricing{
		// Bedrock-hosted Anthropic models
		p("bedrock", "anthropic.claude-3-haiku-20240307-v1:0", "0.00025", "0.00125"),
		p("bedrock", "anthropic.claude-3-5-haiku-20241022-v1:0", "0.001", "0.005"),
		p("bedrock", "anthropic.claude-3-sonnet-20240229-v1:0", "0.003", "0.015"),
		p("bedrock", "anthropic.claude-3-5-sonnet-20240620-v1:0", "0.003", "0.015"),
		p("bedrock", "anthropic.claude-3-5-sonnet-20241022-v2:0", "0.003", "0.015"),
		p("bedrock", "anthropic.claude-3-opus-20240229-v1:0", "0.015", "0.075"),
		p("bedrock", "amazon.titan-text-express-v1", "0.0002", "0.0006"),
		p("bedrock", "amazon.titan-text-lite-v1", "0.00015", "0.0002"),

		// Anthropic API
		p("anthropic", "claude-3-haiku-20240307", "0.00025", "0.00125"),
		p("anthropic", "claude-3-5-haiku-20241022", "0.001", "0.005"),
		p("anthropic", "claude-3-sonnet-20240229", "0.003", "0.015"),
		p("anthropic", "claude-3-5-sonnet-20241022", "0.003", "0.015"),
		p("anthropic", "claude-3-opus-20240229", "0.015", "0.075"),

		// OpenAI
		p("openai", "gpt-4o", "0.0025", "0.01"),
		p("openai", "gpt-4o-mini", "0.00015", "0.0006"),
		p("openai", "gpt-4-turbo", "0.01", "0.03"),
		p("openai", "gpt-3.5-turbo", "0.0005", "0.0015"),
	}
}
