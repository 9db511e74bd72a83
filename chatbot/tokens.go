package chatbot

import (
	"math"
	"strings"
)

// Providers report exact token usage with their responses when they can;
// the estimator exists for pre-request quota checks and as a fallback when
// a provider (or a streaming response) doesn't include usage data.

const (
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderAnthropic = "anthropic"
)

// asciiCharsPerToken maps a provider to the average number of ASCII
// characters per token for its tokenizers. Non-ASCII runes (CJK in
// particular) are counted as one token each, which overestimates slightly
// for European scripts but keeps quota checks conservative.
var asciiCharsPerToken = map[string]float64{
	ProviderOpenAI:    4.0,
	ProviderGoogle:    4.0,
	ProviderAnthropic: 3.5,
}

const defaultASCIICharsPerToken = 4.0

// TokenEstimator approximates the token count of a text for a given
// provider and model. Estimates are deterministic, zero for empty text,
// at least 1 for non-empty text, and never shrink as text grows.
type TokenEstimator struct{}

// Estimate returns the approximate token count of text for the given
// provider/model pair. The model is currently unused beyond provider
// selection, but kept in the signature so per-model ratios can be added
// without touching call sites.
func (TokenEstimator) Estimate(text, provider, _ string) int {
	if text == "" {
		return 0
	}

	perToken, ok := asciiCharsPerToken[strings.ToLower(provider)]
	if !ok {
		perToken = defaultASCIICharsPerToken
	}

	var ascii int
	var wide int
	for _, r := range text {
		if r < 128 {
			ascii++
		} else {
			wide++
		}
	}

	tokens := int(math.Ceil(float64(ascii)/perToken)) + wide
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}
