package plans

import (
	"strings"
	"time"
)

type Plan string

const (
	PlanFeatured1M  Plan = "featured_1m"
	PlanFeatured3M  Plan = "featured_3m"
	PlanFeatured12M Plan = "featured_12m"
)

type Currency string

const (
	CurrencyXAF Currency = "XAF"
	CurrencyUSD Currency = "USD"
)

// featuredDays is the number of days of featured placement each plan buys.
var featuredDays = map[Plan]int{
	PlanFeatured1M:  30,
	PlanFeatured3M:  90,
	PlanFeatured12M: 365,
}

// prices holds the charge amount per plan and currency, in minor units.
// Amounts are fixed server-side; client-submitted amounts are never trusted.
var prices = map[Plan]map[Currency]int64{
	PlanFeatured1M: {
		CurrencyXAF: 6000,
		CurrencyUSD: 1000,
	},
	PlanFeatured3M: {
		CurrencyXAF: 12000,
		CurrencyUSD: 2000,
	},
	PlanFeatured12M: {
		CurrencyXAF: 36000,
		CurrencyUSD: 6000,
	},
}

func NormalizePlan(plan string) (Plan, bool) {
	switch Plan(strings.ToLower(strings.TrimSpace(plan))) {
	case PlanFeatured1M:
		return PlanFeatured1M, true
	case PlanFeatured3M:
		return PlanFeatured3M, true
	case PlanFeatured12M:
		return PlanFeatured12M, true
	default:
		return "", false
	}
}

func NormalizeCurrency(currency string) (Currency, bool) {
	switch Currency(strings.ToUpper(strings.TrimSpace(currency))) {
	case CurrencyXAF:
		return CurrencyXAF, true
	case CurrencyUSD:
		return CurrencyUSD, true
	default:
		return "", false
	}
}

// Exponent returns the number of decimal places of the currency's minor
// unit. XAF has no subunit, USD is charged in cents.
func (c Currency) Exponent() int {
	switch c {
	case CurrencyUSD:
		return 2
	default:
		return 0
	}
}

// Price returns the amount to charge for plan in the given currency,
// in minor units. ok is false for unknown plan/currency combinations.
func Price(plan Plan, currency Currency) (int64, bool) {
	byCurrency, ok := prices[plan]
	if !ok {
		return 0, false
	}
	amount, ok := byCurrency[currency]
	return amount, ok
}

// Duration returns how long the plan's featured placement lasts.
func Duration(plan Plan) time.Duration {
	return time.Duration(featuredDays[plan]) * 24 * time.Hour
}
