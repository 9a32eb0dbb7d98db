// Package costestimator turns messages and tasks into dollar estimates.
// It is a pure, stateless layer in front of internal/pricing's hot-reloadable
// rate table: unlike pricing's CostForTokens (which falls back silently to a
// default rate), estimates here fail loudly when a model has no known price,
// per the coordination core's cost-estimator contract.
package costestimator

import (
	"errors"
	"math"

	"github.com/agentfleet/coordinator/internal/pricing"
)

// ErrUnknownModel is returned when a non-empty model has no entry in the
// pricing table; an empty model is priced at the default rate instead.
var ErrUnknownModel = errors.New("costestimator: unknown model")

// Message is the minimal shape needed to estimate conversation cost.
type Message struct {
	Role    string
	Content string
}

// Estimate is the result of estimating a message exchange.
type Estimate struct {
	InputTokens  int
	OutputTokens int
	TotalCostUSD float64
}

// Complexity factors applied to estimateTaskCost's base cost.
const (
	ComplexityLow      = "low"
	ComplexityMedium   = "medium"
	ComplexityHigh     = "high"
	ComplexityCritical = "critical"
)

var complexityFactors = map[string]float64{
	ComplexityLow:      1.0,
	ComplexityMedium:   1.5,
	ComplexityHigh:     2.0,
	ComplexityCritical: 2.5,
}

// Task-type factors. Kept small and explicit rather than config-driven: the
// spec names exactly these four archetypes of work a coordinator hands out.
const (
	TaskTypeCodeGen   = "code_generation"
	TaskTypeReview    = "review"
	TaskTypeTestGen   = "test_generation"
	TaskTypeAnalysis  = "analysis"
)

var taskTypeFactors = map[string]float64{
	TaskTypeCodeGen:  1.0,
	TaskTypeReview:   0.7,
	TaskTypeTestGen:  0.9,
	TaskTypeAnalysis: 0.6,
}

// retryBuffer is applied to every task estimate to absorb the average cost of
// one additional retry attempt.
const retryBuffer = 1.2

// Task is the minimal shape needed to estimate a unit of work's cost.
type Task struct {
	Model      string
	Complexity string // one of the Complexity* constants; defaults to medium
	Type       string // one of the TaskType* constants; defaults to factor 1.0
	BaseTokens int    // estimated combined input+output tokens for the task
}

// EstimateTokens implements `ceil(len(text)/4) * 1.1`, the coordination
// core's fixed token-count heuristic (roughly 4 characters per token, with a
// 10% safety margin for tokenizer variance).
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	raw := math.Ceil(float64(len(text)) / 4.0)
	return int(math.Ceil(raw * 1.1))
}

// EstimateMessageCost returns input/output token counts and a dollar total
// for a conversation, given a per-model rate table lookup. maxTokens bounds
// the output-token estimate (a ceiling on what the model is allowed to
// generate), not a measurement of what it will generate.
func EstimateMessageCost(model string, messages []Message, maxTokens int) (Estimate, error) {
	if _, ok := pricing.PricePerTokenForModel(model); !ok && model != "" {
		return Estimate{}, ErrUnknownModel
	}

	inputTokens := 0
	for _, m := range messages {
		inputTokens += EstimateTokens(m.Content)
	}

	outputTokens := maxTokens
	if outputTokens <= 0 {
		// No explicit cap: assume output is roughly proportional to input
		// (one output token per input token).
		outputTokens = inputTokens
	}

	cost := pricing.CostForSplit(model, inputTokens, outputTokens)
	return Estimate{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalCostUSD: cost,
	}, nil
}

// EstimateTaskCost multiplies a task's base token cost by its complexity
// factor, its task-type factor, and a fixed retry buffer.
func EstimateTaskCost(task Task) (float64, error) {
	if _, ok := pricing.PricePerTokenForModel(task.Model); !ok && task.Model != "" {
		return 0, ErrUnknownModel
	}

	base := pricing.CostForTokens(task.Model, task.BaseTokens)

	complexity := task.Complexity
	if complexity == "" {
		complexity = ComplexityMedium
	}
	complexityFactor, ok := complexityFactors[complexity]
	if !ok {
		complexityFactor = complexityFactors[ComplexityMedium]
	}

	taskType := task.Type
	typeFactor, ok := taskTypeFactors[taskType]
	if !ok {
		typeFactor = 1.0
	}

	return base * complexityFactor * typeFactor * retryBuffer, nil
}
