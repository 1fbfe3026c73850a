package types

import "strings"

type BillingProvider string

const (
	BillingProviderRevenueCat BillingProvider = "revenuecat"
	BillingProviderAdapty     BillingProvider = "adapty"
	BillingProviderAppStore   BillingProvider = "appstore"
)

// Product maps a provider-side product identifier to a plan.
type Product struct {
	ProviderID     BillingProvider `json:"provider_id" mapstructure:"provider_id"`
	ProviderItemID string          `json:"provider_item_id" mapstructure:"provider_item_id"`
	PlanType       PlanType        `json:"plan_type" mapstructure:"plan_type"`
	// Price and Currency are used when the provider payload omits them.
	Price    float64 `json:"price" mapstructure:"price"`
	Currency string  `json:"currency" mapstructure:"currency"`
}

// InferPlanType guesses the plan from a product identifier such as
// "photoai_premium_annual" or "com.app.pro.yearly".
func InferPlanType(productID string) PlanType {
	id := strings.ToLower(productID)
	if strings.Contains(id, "year") || strings.Contains(id, "annual") {
		return PlanTypeYearly
	}
	return PlanTypeMonthly
}
