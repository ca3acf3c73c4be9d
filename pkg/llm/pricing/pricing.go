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

// Package pricing maps model identifiers and token counts to USD cost.
// All arithmetic uses decimal.Decimal so that aggregating millions of events
// does not accumulate floating point drift.
package pricing

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ModelPricing contains pricing information for a specific model.
type ModelPricing struct {
	// Provider is the model vendor or hosting service (e.g., "bedrock", "anthropic").
	Provider string `yaml:"provider" json:"provider"`

	// Model is the model identifier as it appears on llm.invoke events.
	Model string `yaml:"model" json:"model"`

	// InputPer1K is the cost per 1,000 input tokens in USD.
	InputPer1K decimal.Decimal `yaml:"input_per_1k" json:"input_per_1k"`

	// OutputPer1K is the cost per 1,000 output tokens in USD.
	OutputPer1K decimal.Decimal `yaml:"output_per_1k" json:"output_per_1k"`

	// EffectiveDate is when this pricing became effective.
	EffectiveDate time.Time `yaml:"effective_date,omitempty" json:"effective_date,omitempty"`
}

// PricingConfig is the on-disk format of a pricing override file.
type PricingConfig struct {
	// Version is the pricing configuration version.
	Version string `yaml:"version" json:"version"`

	// Models contains pricing for all models.
	Models []ModelPricing `yaml:"models" json:"models"`
}

// Table is a concurrency-safe model price table.
type Table struct {
	mu     sync.RWMutex
	models map[string]ModelPricing
}

// NewTable creates a table seeded with the built-in prices.
func NewTable() *Table {
	t := &Table{models: make(map[string]ModelPricing)}
	for _, mp := range builtInPricing() {
		t.models[normalize(mp.Model)] = mp
	}
	return t
}

// NewTableFromFile creates a table with built-ins, then merges the overrides
// at path. A missing file is not an error.
func NewTableFromFile(path string) (*Table, error) {
	t := NewTable()
	if path == "" {
		return t, nil
	}
	if err := t.LoadFile(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load pricing config: %w", err)
	}
	return t, nil
}

// LoadFile merges a YAML pricing file into the table. Entries in the file
// replace built-in entries with the same model identifier.
func (t *Table) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var cfg PricingConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse pricing config: %w", err)
	}

	for i, mp := range cfg.Models {
		if mp.Model == "" {
			return fmt.Errorf("pricing entry %d: model is required", i)
		}
		if mp.InputPer1K.IsNegative() || mp.OutputPer1K.IsNegative() {
			return fmt.Errorf("pricing entry %s: prices must be non-negative", mp.Model)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, mp := range cfg.Models {
		t.models[normalize(mp.Model)] = mp
	}
	return nil
}

// Set adds or replaces a single entry.
func (t *Table) Set(mp ModelPricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.models[normalize(mp.Model)] = mp
}

// Lookup returns pricing for model.
func (t *Table) Lookup(model string) (ModelPricing, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	mp, ok := t.models[normalize(model)]
	return mp, ok
}

// Models returns all entries sorted by provider then model.
func (t *Table) Models() []ModelPricing {
	t.mu.RLock()
	out := make([]ModelPricing, 0, len(t.models))
	for _, mp := range t.models {
		out = append(out, mp)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out
}

func normalize(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}
