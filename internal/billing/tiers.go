package billing

import (
	"strings"

	"github.com/crosslogic/billing-core/pkg/models"
	"github.com/shopspring/decimal"
)

// TierInfo describes one subscription plan.
type TierInfo struct {
	Name           models.Tier
	DisplayName    string
	MonthlyCredits decimal.Decimal
	// AllowedModels lists model name prefixes; empty means every model.
	AllowedModels []string
	// Paid is false for none/free.
	Paid bool
}

// AllowsModel reports whether the tier may use model.
func (t *TierInfo) AllowsModel(model string) bool {
	if len(t.AllowedModels) == 0 {
		return true
	}
	m := normalizeModel(model)
	for _, prefix := range t.AllowedModels {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

// PriceBinding maps a processor price id to a tier.
type PriceBinding struct {
	Tier       models.Tier
	Commitment bool
}

// TierCatalog resolves tiers and processor prices.
type TierCatalog struct {
	tiers  map[models.Tier]*TierInfo
	prices map[string]PriceBinding
}

// NewTierCatalog returns the default plan lineup.
func NewTierCatalog() *TierCatalog {
	c := &TierCatalog{
		tiers:  make(map[models.Tier]*TierInfo),
		prices: make(map[string]PriceBinding),
	}
	c.addDefaultTiers()
	return c
}

func (c *TierCatalog) addDefaultTiers() {
	basicModels := []string{"claude-3-5-haiku", "claude-haiku", "gpt-4o-mini", "deepseek"}
	c.AddTier(&TierInfo{Name: models.TierNone, DisplayName: "No Plan", MonthlyCredits: decimal.Zero, AllowedModels: basicModels})
	c.AddTier(&TierInfo{Name: models.TierFree, DisplayName: "Free", MonthlyCredits: decimal.Zero, AllowedModels: basicModels})

	paid := []struct {
		name    string
		display string
		credits int64
	}{
		{"tier_2_20", "Plus", 20},
		{"tier_6_50", "Pro", 50},
		{"tier_12_100", "Business", 100},
		{"tier_25_200", "Ultra", 200},
		{"tier_50_400", "Ultra 400", 400},
		{"tier_125_800", "Ultra 800", 800},
		{"tier_200_1000", "Ultra 1000", 1000},
	}
	for _, p := range paid {
		c.AddTier(&TierInfo{
			Name:           models.Tier(p.name),
			DisplayName:    p.display,
			MonthlyCredits: decimal.NewFromInt(p.credits),
			Paid:           true,
		})
	}
}

// AddTier adds or replaces a tier.
func (c *TierCatalog) AddTier(t *TierInfo) {
	c.tiers[tierName(string(t.Name))] = t
}

// BindPrice maps a processor price id to a tier.
func (c *TierCatalog) BindPrice(priceID string, tier models.Tier, commitment bool) {
	c.prices[priceID] = PriceBinding{Tier: tier, Commitment: commitment}
}

// GetTier returns the tier, falling back to TierNone for unknown names.
func (c *TierCatalog) GetTier(name models.Tier) *TierInfo {
	if t, ok := c.tiers[tierName(string(name))]; ok {
		return t
	}
	return c.tiers[models.TierNone]
}

// MonthlyCredits is the allowance granted each period for tier.
func (c *TierCatalog) MonthlyCredits(tier models.Tier) decimal.Decimal {
	return c.GetTier(tier).MonthlyCredits
}

// TierForPrice resolves a processor price id.
func (c *TierCatalog) TierForPrice(priceID string) (PriceBinding, bool) {
	b, ok := c.prices[priceID]
	return b, ok
}

// IsUpgrade reports a strict monthly-credit increase to a different tier.
func (c *TierCatalog) IsUpgrade(from, to models.Tier) bool {
	if from == to {
		return false
	}
	return c.MonthlyCredits(to).GreaterThan(c.MonthlyCredits(from))
}

func tierName(s string) models.Tier {
	return models.Tier(strings.ToLower(strings.TrimSpace(s)))
}
