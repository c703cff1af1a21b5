package expert

import (
	"math"

	"github.com/askmesh/askmesh/internal/format"
)

// PricingPolicy prices a prompt at quote time. The returned amount is what
// the quoted invoice will carry, so it must be deterministic for a given
// prompt.
type PricingPolicy interface {
	Price(prompt *format.ChatRequest) int64
}

// FixedPricing quotes the same amount for every prompt.
type FixedPricing struct {
	Sats int64
}

func (p FixedPricing) Price(*format.ChatRequest) int64 {
	if p.Sats < 1 {
		return 1
	}
	return p.Sats
}

// MarginPricing prices by estimated token volume: input tokens at one rate,
// an expected output allowance at another, times a safety margin.
type MarginPricing struct {
	InputSatsPerToken    float64
	OutputSatsPerToken   float64
	ExpectedOutputTokens int
	Margin               float64
}

func (p MarginPricing) Price(prompt *format.ChatRequest) int64 {
	in := float64(format.EstimateRequestTokens(prompt))
	cost := in*p.InputSatsPerToken + float64(p.ExpectedOutputTokens)*p.OutputSatsPerToken
	sats := int64(math.Ceil(cost * (1 + p.Margin)))
	if sats < 1 {
		sats = 1
	}
	return sats
}
