package billing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	million = decimal.NewFromInt(1_000_000)

	// CacheReadMultiplier prices prompt tokens served from the provider cache.
	CacheReadMultiplier = decimal.RequireFromString("0.1")
	// CacheWrite5mMultiplier prices prompt tokens written to a 5-minute cache.
	CacheWrite5mMultiplier = decimal.RequireFromString("1.25")
	// PlatformMarkup is applied on top of provider cost.
	PlatformMarkup = decimal.RequireFromString("1.2")

	estimatePromptShare = decimal.RequireFromString("0.8")
)

// TokenUsage is the token breakdown of one LLM call.
type TokenUsage struct {
	PromptTokens        int64
	CompletionTokens    int64
	CacheReadTokens     int64
	CacheCreationTokens int64
}

// Pricer turns token usage into credits.
type Pricer interface {
	Cost(usage TokenUsage, model string) decimal.Decimal
}

// ModelPrice is the provider rate card for one model, USD per million tokens.
type ModelPrice struct {
	Model            string
	InputPerMillion  decimal.Decimal
	OutputPerMillion decimal.Decimal
}

// ModelPricingConfig holds the pricing table for all models
type ModelPricingConfig struct {
	models map[string]*ModelPrice

	// Default rates for unknown models
	defaultInput  decimal.Decimal
	defaultOutput decimal.Decimal
}

// NewModelPricingConfig creates a pricing table with default models
func NewModelPricingConfig() *ModelPricingConfig {
	c := &ModelPricingConfig{
		models:        make(map[string]*ModelPrice),
		defaultInput:  decimal.NewFromInt(3),
		defaultOutput: decimal.NewFromInt(15),
	}
	c.addDefaultModels()
	return c
}

func (c *ModelPricingConfig) addDefaultModels() {
	rates := []struct {
		model  string
		input  string
		output string
	}{
		{"claude-opus-4", "15", "75"},
		{"claude-sonnet-4", "3", "15"},
		{"claude-3-7-sonnet", "3", "15"},
		{"claude-3-5-sonnet", "3", "15"},
		{"claude-haiku-4-5", "1", "5"},
		{"claude-3-5-haiku", "0.8", "4"},
		{"gpt-5", "1.25", "10"},
		{"gpt-5-mini", "0.25", "2"},
		{"gpt-4o", "2.5", "10"},
		{"gpt-4o-mini", "0.15", "0.6"},
		{"gemini-2.5-pro", "1.25", "10"},
		{"gemini-2.5-flash", "0.3", "2.5"},
		{"deepseek-chat", "0.27", "1.1"},
		{"kimi-k2", "0.6", "2.5"},
	}
	for _, r := range rates {
		c.AddModel(&ModelPrice{
			Model:            r.model,
			InputPerMillion:  decimal.RequireFromString(r.input),
			OutputPerMillion: decimal.RequireFromString(r.output),
		})
	}
}

// AddModel adds or updates a model rate card
func (c *ModelPricingConfig) AddModel(p *ModelPrice) {
	c.models[normalizeModel(p.Model)] = p
}

// GetModel returns the rate card for model. Dated or provider-prefixed names
// resolve to the longest known prefix; unknown models get the default rates.
func (c *ModelPricingConfig) GetModel(model string) *ModelPrice {
	name := normalizeModel(model)
	if p, ok := c.models[name]; ok {
		return p
	}

	best := ""
	for key := range c.models {
		if strings.HasPrefix(name, key) && len(key) > len(best) {
			best = key
		}
	}
	if best != "" {
		return c.models[best]
	}

	return &ModelPrice{
		Model:            model,
		InputPerMillion:  c.defaultInput,
		OutputPerMillion: c.defaultOutput,
	}
}

// Cost is the marked-up credit cost of usage on model.
func (c *ModelPricingConfig) Cost(u TokenUsage, model string) decimal.Decimal {
	p := c.GetModel(model)

	uncached := u.PromptTokens - u.CacheReadTokens - u.CacheCreationTokens
	if uncached < 0 {
		uncached = 0
	}

	input := p.InputPerMillion.Div(million)
	output := p.OutputPerMillion.Div(million)

	cost := decimal.NewFromInt(uncached).Mul(input).
		Add(decimal.NewFromInt(u.CompletionTokens).Mul(output)).
		Add(decimal.NewFromInt(u.CacheReadTokens).Mul(input).Mul(CacheReadMultiplier)).
		Add(decimal.NewFromInt(u.CacheCreationTokens).Mul(input).Mul(CacheWrite5mMultiplier))

	return cost.Mul(PlatformMarkup).Round(6)
}

// EstimateCost prices a prospective call. When only a total is known it is
// split 80/20 between prompt and completion.
func EstimateCost(p Pricer, model string, prompt, completion, total int64) decimal.Decimal {
	if prompt == 0 && completion == 0 && total > 0 {
		prompt = decimal.NewFromInt(total).Mul(estimatePromptShare).IntPart()
		completion = total - prompt
	}
	return p.Cost(TokenUsage{PromptTokens: prompt, CompletionTokens: completion}, model)
}

// GetAllModels returns all configured rate cards sorted by name
func (c *ModelPricingConfig) GetAllModels() []*ModelPrice {
	out := make([]*ModelPrice, 0, len(c.models))
	for _, p := range c.models {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// normalizeModel lowercases and strips provider routing prefixes such as
// "anthropic/" or "openrouter/openai/".
func normalizeModel(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	return m
}

// FormatCredits formats a credit amount as dollars
func FormatCredits(amount decimal.Decimal) string {
	if amount.Abs().LessThan(decimal.NewFromInt(1)) && !amount.IsZero() {
		return fmt.Sprintf("$%s", amount.StringFixed(4))
	}
	return fmt.Sprintf("$%s", amount.StringFixed(2))
}
