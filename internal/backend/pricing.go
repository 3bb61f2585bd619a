package backend

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/EffortlessMetrics/docket/internal/ledger"
)

// PriceEntry is the per-1k-token price for one model.
type PriceEntry struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// Pricer turns token usage into USD from a model price table. Unknown
// models price at zero; the receipt still carries the token counts.
type Pricer struct {
	prices map[string]PriceEntry
}

// NewPricer builds a pricer from an in-memory table.
func NewPricer(table map[string]PriceEntry) *Pricer {
	if table == nil {
		table = map[string]PriceEntry{}
	}
	return &Pricer{prices: table}
}

// LoadPricing reads a YAML price table: model name to per-1k prices.
func LoadPricing(path string) (*Pricer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing: %w", err)
	}
	var table map[string]PriceEntry
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse pricing %s: %w", path, err)
	}
	return NewPricer(table), nil
}

// Cost computes USD for one call. Model matching falls back to the longest
// prefix so dated snapshots price like their base model.
func (p *Pricer) Cost(model string, t ledger.TokenCount) float64 {
	entry, ok := p.prices[model]
	if !ok {
		best := ""
		for name := range p.prices {
			if strings.HasPrefix(model, name) && len(name) > len(best) {
				best = name
			}
		}
		if best == "" {
			return 0
		}
		entry = p.prices[best]
	}
	return float64(t.Prompt)/1000*entry.InputPer1K + float64(t.Completion)/1000*entry.OutputPer1K
}
