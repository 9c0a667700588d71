// Package oracle prices prompts. Classification is deterministic and total
// over all strings; rule order decides ties.
package oracle

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

type Classification string

const (
	Free          Classification = "FREE"
	PaidMedium    Classification = "PAID_MEDIUM"
	PaidHeavy     Classification = "PAID_HEAVY"
	CoffeeOrder   Classification = "COFFEE_ORDER"
	CreditSponsor Classification = "CREDIT_SPONSOR"
)

// Valid reports whether c is a known tier.
func (c Classification) Valid() bool {
	switch c {
	case Free, PaidMedium, PaidHeavy, CoffeeOrder, CreditSponsor:
		return true
	}
	return false
}

// RequiresPayment is false only for the free tier.
func (c Classification) RequiresPayment() bool {
	return c.Valid() && c != Free
}

var pricing = map[Classification]decimal.Decimal{
	Free:        decimal.Zero,
	PaidMedium:  decimal.RequireFromString("0.25"),
	PaidHeavy:   decimal.RequireFromString("0.75"),
	CoffeeOrder: decimal.RequireFromString("5.00"),
}

// Price returns the fixed price of a tier. CREDIT_SPONSOR has no fixed price
// and reports zero; the sponsorship amount comes from configuration.
func Price(c Classification) decimal.Decimal {
	return pricing[c]
}

type Result struct {
	Classification   Classification  `json:"classification"`
	Price            decimal.Decimal `json:"price"`
	ShouldCreateLink bool            `json:"shouldCreateLink"`
	Reasoning        string          `json:"reasoning"`
}

var (
	coffeePatterns = compile(
		`coffee`,
		`buy you a (drink|coffee|tea)`,
		`tip`,
		`sponsor`,
		`recharge`,
	)
	heavyPatterns = compile(
		`research|analyze|analysis|report`,
		`compare.*(?:vs|versus|and)`,
		`write.*(?:article|post|essay|guide)`,
		`deep dive`,
		`comprehensive`,
		`detailed`,
		`audit`,
		`review.*code`,
		`explain.*(?:how|why).*work`,
	)
	greetingPatterns = compile(
		`^(hi|hello|hey|what'?s up)`,
		`^(who are you|what can you do)`,
		`^(help|how does this work)`,
		`^(ping|test|status)`,
	)
)

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(`(?i)`+e))
	}
	return out
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// Classify maps a prompt to a pricing tier.
func Classify(prompt string) Result {
	trimmed := strings.TrimSpace(prompt)
	length := utf8.RuneCountInString(trimmed)

	switch {
	case matchAny(coffeePatterns, trimmed):
		return paid(CoffeeOrder, "Detected coffee/tip request")
	case matchAny(heavyPatterns, trimmed):
		return paid(PaidHeavy, "Complex research/analysis request detected")
	case matchAny(greetingPatterns, trimmed):
		return free("Simple greeting or help request")
	case length < 20:
		return free("Very brief message")
	case strings.Contains(trimmed, "?") || length > 50:
		return paid(PaidMedium, "Substantive question requiring thought")
	default:
		return free("Brief request, providing free response")
	}
}

func paid(c Classification, reasoning string) Result {
	return Result{
		Classification:   c,
		Price:            pricing[c],
		ShouldCreateLink: true,
		Reasoning:        reasoning,
	}
}

func free(reasoning string) Result {
	return Result{
		Classification: Free,
		Price:          decimal.Zero,
		Reasoning:      reasoning,
	}
}

// FormatUSDC renders an amount the way quotes are shown to buyers.
func FormatUSDC(amount decimal.Decimal) string {
	return fmt.Sprintf("$%s USDC", amount.StringFixed(2))
}
