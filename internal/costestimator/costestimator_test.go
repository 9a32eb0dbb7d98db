package costestimator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"short", "abcd", 2},     // ceil(4/4)=1 * 1.1 -> ceil(1.1)=2
		{"eight_chars", "abcdefgh", 3}, // ceil(8/4)=2 * 1.1 -> ceil(2.2)=3
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EstimateTokens(tc.text))
		})
	}
}

func TestEstimateMessageCost_UnknownModel(t *testing.T) {
	_, err := EstimateMessageCost("definitely-not-a-real-model", []Message{{Role: "user", Content: "hello"}}, 100)
	require.ErrorIs(t, err, ErrUnknownModel)
}

func TestEstimateMessageCost_EmptyModelUsesDefault(t *testing.T) {
	est, err := EstimateMessageCost("", []Message{{Role: "user", Content: "hello world"}}, 50)
	require.NoError(t, err)
	assert.Greater(t, est.InputTokens, 0)
	assert.Equal(t, 50, est.OutputTokens)
	assert.GreaterOrEqual(t, est.TotalCostUSD, 0.0)
}

func TestEstimateTaskCost_ComplexityOrdering(t *testing.T) {
	low, err := EstimateTaskCost(Task{Complexity: ComplexityLow, BaseTokens: 1000})
	require.NoError(t, err)
	high, err := EstimateTaskCost(Task{Complexity: ComplexityHigh, BaseTokens: 1000})
	require.NoError(t, err)
	assert.Greater(t, high, low)
}

func TestEstimateTaskCost_UnknownComplexityFallsBackToMedium(t *testing.T) {
	fallback, err := EstimateTaskCost(Task{Complexity: "not-a-real-complexity", BaseTokens: 1000})
	require.NoError(t, err)
	medium, err := EstimateTaskCost(Task{Complexity: ComplexityMedium, BaseTokens: 1000})
	require.NoError(t, err)
	assert.Equal(t, medium, fallback)
}

func TestEstimateTaskCost_UnknownModel(t *testing.T) {
	_, err := EstimateTaskCost(Task{Model: "definitely-not-a-real-model", BaseTokens: 100})
	require.ErrorIs(t, err, ErrUnknownModel)
}
