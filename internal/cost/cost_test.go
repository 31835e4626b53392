package cost

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vnmchuo/chatstream/internal/provider"
)

var deepseekChat = provider.ModelConfig{
	ID:        "deepseek-chat",
	MaxTokens: 4096,
	Pricing:   provider.Pricing{Input: 0.00027, Output: 0.0011},
}

func TestCalculate_ZeroCases(t *testing.T) {
	assert.Zero(t, Calculate(nil, deepseekChat))
	assert.Zero(t, Calculate(&provider.Usage{}, deepseekChat))
	assert.Zero(t, Calculate(&provider.Usage{PromptTokens: 10, CompletionTokens: 5}, deepseekChat),
		"usage without total tokens costs nothing")
}

func TestCalculate(t *testing.T) {
	usage := &provider.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8}
	want := 5.0/1000*0.00027 + 3.0/1000*0.0011
	assert.InDelta(t, want, Calculate(usage, deepseekChat), 1e-6)

	big := &provider.Usage{PromptTokens: 1000, CompletionTokens: 2000, TotalTokens: 3000}
	assert.Equal(t, 0.00247, Calculate(big, deepseekChat))
}

func TestCalculate_RoundsToSixDecimals(t *testing.T) {
	model := provider.ModelConfig{Pricing: provider.Pricing{Input: 0.0000001, Output: 0}}
	usage := &provider.Usage{PromptTokens: 1, TotalTokens: 1}
	assert.Zero(t, Calculate(usage, model))
}

func TestCalculate_NeverNegative(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		p, c := r.Intn(100000), r.Intn(100000)
		u := &provider.Usage{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c}
		assert.GreaterOrEqual(t, Calculate(u, deepseekChat), 0.0)
	}
}

func TestTokensForText(t *testing.T) {
	assert.Equal(t, 0, TokensForText(""))
	assert.Equal(t, 1, TokensForText("abc"))
	assert.Equal(t, 1, TokensForText("abcd"))
	assert.Equal(t, 2, TokensForText("abcde"))
	assert.Equal(t, 1, TokensForText("éééé"), "counts runes, not bytes")
}

func TestEstimateUsage(t *testing.T) {
	u := EstimateUsage("Hello world")
	assert.Equal(t, 3, u.PromptTokens)
	assert.Equal(t, 3, u.CompletionTokens)
	assert.Equal(t, 6, u.TotalTokens)
	assert.True(t, u.Incomplete)
}

func TestEstimateCost_Ordering(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		msgs := []provider.Message{
			{Role: provider.RoleSystem, Content: strings.Repeat("s", r.Intn(500))},
			{Role: provider.RoleUser, Content: strings.Repeat("u", 1+r.Intn(5000))},
		}
		model := deepseekChat
		model.MaxTokens = r.Intn(9000)

		est := EstimateCost(msgs, model, 0)
		assert.LessOrEqual(t, est.Min, est.Estimated)
		assert.LessOrEqual(t, est.Estimated, est.Max)
	}
}

func TestEstimateCost_Breakdown(t *testing.T) {
	msgs := []provider.Message{{Role: provider.RoleUser, Content: strings.Repeat("x", 400)}}

	est := EstimateCost(msgs, deepseekChat, 0)
	assert.Equal(t, 100, est.Breakdown.PromptTokens)
	assert.Equal(t, MinCompletionTokens, est.Breakdown.MinCompletionTokens)
	assert.Equal(t, 4096, est.Breakdown.MaxCompletionTokens)
	assert.Equal(t, (100+4096)/2, est.Breakdown.EstimatedCompletionTokens)
	assert.Equal(t, "deepseek-chat", est.Model)

	override := EstimateCost(msgs, deepseekChat, 500)
	assert.Equal(t, 500, override.Breakdown.MaxCompletionTokens)

	tiny := EstimateCost(msgs, deepseekChat, 10)
	assert.Equal(t, MinCompletionTokens, tiny.Breakdown.MaxCompletionTokens)
	assert.Equal(t, tiny.Min, tiny.Max)
}
