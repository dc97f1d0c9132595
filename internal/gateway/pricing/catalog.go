// Package pricing holds the model catalog: identifiers, providers, context
// windows and published per-1k-token prices. The catalog backs GET /models,
// request validation and both phases of cost accounting.
package pricing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/llmops-lab/blackbox-gateway/internal/shared/models"
)

// Conservative per-1k prices applied when a cost is computed for a model
// missing from the catalog.
const (
	defaultInputPer1k  = 0.10
	defaultOutputPer1k = 0.20
)

// Catalog is the static model price table. Immutable after construction.
type Catalog struct {
	list  []models.ModelInfo
	index map[string]models.ModelInfo
}

// Default returns the built-in catalog.
func Default() *Catalog {
	return build([]models.ModelInfo{
		{
			ID:              "openai/gpt-4o-mini",
			Name:            "GPT 4o Mini",
			Provider:        "OpenAI",
			InputCostPer1k:  0.10,
			OutputCostPer1k: 0.20,
			ContextWindow:   4096,
			Description:     "Fast, inexpensive model with strong cost-benefit for routine chat",
		},
		{
			ID:              "anthropic/claude-3.5-sonnet",
			Name:            "Claude 3.5 Sonnet",
			Provider:        "Anthropic",
			InputCostPer1k:  3.00,
			OutputCostPer1k: 15.00,
			ContextWindow:   200000,
			Description:     "Premium model, strong on complex tasks and long contexts",
		},
		{
			ID:              "openai/gpt-4-turbo",
			Name:            "GPT-4 Turbo",
			Provider:        "OpenAI",
			InputCostPer1k:  10.00,
			OutputCostPer1k: 30.00,
			ContextWindow:   128000,
			Description:     "High-performance model for complex tasks",
		},
		{
			ID:              "openai/gpt-3.5-turbo",
			Name:            "GPT-3.5 Turbo",
			Provider:        "OpenAI",
			InputCostPer1k:  0.50,
			OutputCostPer1k: 1.50,
			ContextWindow:   16385,
			Description:     "Economical general-purpose model",
		},
		{
			ID:              "meta-llama/llama-3-70b-instruct",
			Name:            "Llama 3 70B Instruct",
			Provider:        "Meta",
			InputCostPer1k:  0.70,
			OutputCostPer1k: 0.90,
			ContextWindow:   8192,
			Description:     "Open-weights model, good at instruction following",
		},
	})
}

// Load reads a catalog from a YAML file, replacing the built-in set.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read models config: %w", err)
	}

	var entries []models.ModelInfo
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse models config: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("models config %s lists no models", path)
	}
	for _, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("models config %s: entry missing id", path)
		}
	}

	return build(entries), nil
}

func build(entries []models.ModelInfo) *Catalog {
	index := make(map[string]models.ModelInfo, len(entries))
	for _, e := range entries {
		index[e.ID] = e
	}
	return &Catalog{list: entries, index: index}
}

// List returns all catalog entries in declaration order.
func (c *Catalog) List() []models.ModelInfo {
	return c.list
}

// Has reports whether a model id is in the catalog.
func (c *Catalog) Has(model string) bool {
	_, ok := c.index[model]
	return ok
}

// Cost computes the realized cost of a request from actual token usage.
func (c *Catalog) Cost(model string, promptTokens, completionTokens int) float64 {
	inPer1k, outPer1k := c.prices(model)
	return float64(promptTokens)/1000.0*inPer1k + float64(completionTokens)/1000.0*outPer1k
}

// EstimateInputCost projects the cost of the prompt alone. Used for the
// admission check before the completion size is known.
func (c *Catalog) EstimateInputCost(model string, promptTokens int) float64 {
	inPer1k, _ := c.prices(model)
	return float64(promptTokens) / 1000.0 * inPer1k
}

func (c *Catalog) prices(model string) (float64, float64) {
	if m, ok := c.index[model]; ok {
		return m.InputCostPer1k, m.OutputCostPer1k
	}
	return defaultInputPer1k, defaultOutputPer1k
}
