package config

import (
	"fmt"
	"time"
)

// Tier names.
const (
	TierFree    = "free"
	TierBasic   = "basic"
	TierPremium = "premium"
)

// Endpoint classes policed by the rate limiter. Unknown endpoints fall
// back to ClassMarkets.
const (
	ClassMarkets     = "markets"
	ClassOrders      = "orders"
	ClassResolutions = "resolutions"
)

// RateConfig is one endpoint class's allowance: Rate tokens per Per,
// with Burst capacity on top.
type RateConfig struct {
	Rate  int
	Per   time.Duration
	Burst int
}

// TierLimits maps endpoint class to its allowance.
type TierLimits map[string]RateConfig

// tiers is the static tier table. Free mirrors the provider's published
// per-endpoint limits; paid tiers scale them.
var tiers = map[string]TierLimits{
	TierFree: {
		ClassMarkets:     {Rate: 50, Per: 10 * time.Second, Burst: 10},
		ClassOrders:      {Rate: 100, Per: 10 * time.Second, Burst: 20},
		ClassResolutions: {Rate: 10, Per: 10 * time.Second, Burst: 5},
	},
	TierBasic: {
		ClassMarkets:     {Rate: 150, Per: 10 * time.Second, Burst: 30},
		ClassOrders:      {Rate: 300, Per: 10 * time.Second, Burst: 60},
		ClassResolutions: {Rate: 30, Per: 10 * time.Second, Burst: 10},
	},
	TierPremium: {
		ClassMarkets:     {Rate: 500, Per: 10 * time.Second, Burst: 100},
		ClassOrders:      {Rate: 1000, Per: 10 * time.Second, Burst: 200},
		ClassResolutions: {Rate: 100, Per: 10 * time.Second, Burst: 30},
	},
}

// TierFor returns the limits table for a tier name.
func TierFor(name string) (TierLimits, error) {
	t, ok := tiers[name]
	if !ok {
		return nil, fmt.Errorf("unknown rate-limit tier %q", name)
	}
	// Copy so callers cannot mutate the table.
	out := make(TierLimits, len(t))
	for class, rc := range t {
		out[class] = rc
	}
	return out, nil
}

// Classes lists the known endpoint classes in stable order.
func Classes() []string {
	return []string{ClassMarkets, ClassOrders, ClassResolutions}
}
