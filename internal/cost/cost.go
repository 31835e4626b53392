// Package cost maps token usage to USD and produces pre-flight estimates.
// All functions are pure.
package cost

import (
	"math"
	"unicode/utf8"

	"github.com/vnmchuo/chatstream/internal/provider"
)

// MinCompletionTokens is the completion floor assumed by Estimate.
const MinCompletionTokens = 100

const charsPerToken = 4

// Calculate returns the cost of usage under the model's pricing, rounded to
// six decimal places. Absent usage or a zero total costs nothing.
func Calculate(usage *provider.Usage, model provider.ModelConfig) float64 {
	if usage == nil || usage.TotalTokens == 0 {
		return 0
	}
	c := float64(usage.PromptTokens)/1000*model.Pricing.Input +
		float64(usage.CompletionTokens)/1000*model.Pricing.Output
	return round6(c)
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// TokensForText approximates the token count of s as ceil(runes/4).
func TokensForText(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + charsPerToken - 1) / charsPerToken
}

// EstimateTokens approximates the prompt size of messages.
func EstimateTokens(messages []provider.Message) int {
	chars := 0
	for _, m := range messages {
		chars += utf8.RuneCountInString(m.Content)
	}
	return (chars + charsPerToken - 1) / charsPerToken
}

// EstimateUsage builds the fallback usage reported when a stream finishes
// without authoritative numbers: the same estimate for prompt and completion,
// doubled for the total.
func EstimateUsage(content string) *provider.Usage {
	est := TokensForText(content)
	return &provider.Usage{
		PromptTokens:     est,
		CompletionTokens: est,
		TotalTokens:      est * 2,
		Incomplete:       true,
	}
}

type Breakdown struct {
	PromptTokens              int     `json:"prompt_tokens"`
	MinCompletionTokens       int     `json:"min_completion_tokens"`
	MaxCompletionTokens       int     `json:"max_completion_tokens"`
	EstimatedCompletionTokens int     `json:"estimated_completion_tokens"`
	InputCost                 float64 `json:"input_cost"`
	InputRate                 float64 `json:"input_rate"`
	OutputRate                float64 `json:"output_rate"`
}

type Estimate struct {
	Model     string    `json:"model"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
	Estimated float64   `json:"estimated"`
	Breakdown Breakdown `json:"breakdown"`
}

// EstimateCost prices messages without a network call. maxTokens overrides
// the model's completion ceiling when positive.
func EstimateCost(messages []provider.Message, model provider.ModelConfig, maxTokens int) Estimate {
	prompt := EstimateTokens(messages)

	ceiling := model.MaxTokens
	if maxTokens > 0 {
		ceiling = maxTokens
	}
	if ceiling < MinCompletionTokens {
		ceiling = MinCompletionTokens
	}
	mid := (MinCompletionTokens + ceiling) / 2

	price := func(completion int) float64 {
		return Calculate(&provider.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		}, model)
	}

	return Estimate{
		Model:     model.ID,
		Min:       price(MinCompletionTokens),
		Max:       price(ceiling),
		Estimated: price(mid),
		Breakdown: Breakdown{
			PromptTokens:              prompt,
			MinCompletionTokens:       MinCompletionTokens,
			MaxCompletionTokens:       ceiling,
			EstimatedCompletionTokens: mid,
			InputCost:                 round6(float64(prompt) / 1000 * model.Pricing.Input),
			InputRate:                 model.Pricing.Input,
			OutputRate:                model.Pricing.Output,
		},
	}
}
