package llm

import (
	"math"
	"sort"
	"strings"

	"github.com/ternarybob/enrich/internal/common"
	"github.com/ternarybob/enrich/internal/interfaces"
)

// builtinPrices are list prices in USD per million tokens
var builtinPrices = map[string]common.ModelPrice{
	"gemini-2.5-pro":        {InputPerMillion: 1.25, OutputPerMillion: 10.00},
	"gemini-2.5-flash":      {InputPerMillion: 0.30, OutputPerMillion: 2.50},
	"gemini-2.5-flash-lite": {InputPerMillion: 0.10, OutputPerMillion: 0.40},
	"gemini-2.0-flash":      {InputPerMillion: 0.10, OutputPerMillion: 0.40},
	"claude-opus-4-1":       {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	"claude-sonnet-4-5":     {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-sonnet-4":       {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-haiku-4-5":      {InputPerMillion: 1.00, OutputPerMillion: 5.00},
	"claude-3-5-haiku":      {InputPerMillion: 0.80, OutputPerMillion: 4.00},
	"gpt-4o":                {InputPerMillion: 2.50, OutputPerMillion: 10.00},
	"gpt-4o-mini":           {InputPerMillion: 0.15, OutputPerMillion: 0.60},
	"gpt-4.1":               {InputPerMillion: 2.00, OutputPerMillion: 8.00},
	"gpt-4.1-mini":          {InputPerMillion: 0.40, OutputPerMillion: 1.60},
}

// PricingTable maps model ids to token prices with a fallback tier for
// unknown models. Dated or prefixed ids resolve to the longest known prefix,
// so "claude-haiku-4-5-20251001" is priced as "claude-haiku-4-5".
type PricingTable struct {
	fallback common.ModelPrice
	prices   map[string]common.ModelPrice
	prefixes []string // longest first
}

var _ interfaces.Pricer = (*PricingTable)(nil)

// NewPricingTable builds the table from built-in prices plus config overrides
func NewPricingTable(config *common.PricingConfig) *PricingTable {
	t := &PricingTable{
		fallback: common.ModelPrice{InputPerMillion: 1.00, OutputPerMillion: 4.00},
		prices:   make(map[string]common.ModelPrice, len(builtinPrices)),
	}
	for model, price := range builtinPrices {
		t.prices[model] = price
	}
	if config != nil {
		if config.Default.InputPerMillion > 0 || config.Default.OutputPerMillion > 0 {
			t.fallback = config.Default
		}
		for model, price := range config.Models {
			t.prices[normalizeModelID(model)] = price
		}
	}

	t.prefixes = make([]string, 0, len(t.prices))
	for model := range t.prices {
		t.prefixes = append(t.prefixes, model)
	}
	sort.Slice(t.prefixes, func(i, j int) bool {
		if len(t.prefixes[i]) != len(t.prefixes[j]) {
			return len(t.prefixes[i]) > len(t.prefixes[j])
		}
		return t.prefixes[i] < t.prefixes[j]
	})
	return t
}

// Price returns the price for model, or the fallback tier when unknown
func (t *PricingTable) Price(model string) common.ModelPrice {
	id := normalizeModelID(model)
	if price, ok := t.prices[id]; ok {
		return price
	}
	for _, prefix := range t.prefixes {
		if strings.HasPrefix(id, prefix) {
			return t.prices[prefix]
		}
	}
	return t.fallback
}

// Cost returns the USD cost of a call
func (t *PricingTable) Cost(model string, inputTokens, outputTokens int) float64 {
	price := t.Price(model)
	return float64(inputTokens)*price.InputPerMillion/1_000_000 +
		float64(outputTokens)*price.OutputPerMillion/1_000_000
}

// MaxOutputTokensWithin returns how many output tokens fit in budget after
// paying for inputTokens
func (t *PricingTable) MaxOutputTokensWithin(model string, inputTokens int, budget float64) int {
	price := t.Price(model)
	remaining := budget - float64(inputTokens)*price.InputPerMillion/1_000_000
	if remaining <= 0 {
		return 0
	}
	if price.OutputPerMillion <= 0 {
		return math.MaxInt32
	}
	tokens := remaining * 1_000_000 / price.OutputPerMillion
	if tokens > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(tokens)
}

func normalizeModelID(model string) string {
	id := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	return id
}
