package executor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentfleet/coordinator/internal/budget"
)

func samplePlan() Plan {
	return Plan{
		ProposalID: "proposal-1",
		Features: []Feature{
			{
				ID:   "f1",
				Name: "feature one",
				Tasks: []Task{
					{ID: "t1", AgentID: "a1", EstimatedCost: 1.0, Priority: budget.PriorityHigh, Outputs: []string{"a.go"}},
					{ID: "t2", AgentID: "a1", EstimatedCost: 1.0, Priority: budget.PriorityMedium, DependsOn: []string{"t1"}, Outputs: []string{"b.go"}},
				},
			},
		},
	}
}

func TestValidatePlanAcceptsWellFormedPlan(t *testing.T) {
	require.NoError(t, ValidatePlan(samplePlan()))
}

func TestValidatePlanRejectsEmptyFeatures(t *testing.T) {
	err := ValidatePlan(Plan{ProposalID: "p"})
	require.Error(t, err)
	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	require.Equal(t, ErrKindValidation, taskErr.Kind)
}

func TestValidatePlanRejectsEmptyTasks(t *testing.T) {
	plan := Plan{ProposalID: "p", Features: []Feature{{ID: "f1"}}}
	err := ValidatePlan(plan)
	require.Error(t, err)
	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	require.Equal(t, ErrKindValidation, taskErr.Kind)
}

func TestValidatePlanRejectsNonPositiveBudget(t *testing.T) {
	plan := Plan{
		ProposalID: "p",
		Features: []Feature{{ID: "f1", Tasks: []Task{
			{ID: "t1", EstimatedCost: 0},
		}}},
	}
	err := ValidatePlan(plan)
	require.Error(t, err)
	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	require.Equal(t, ErrKindValidation, taskErr.Kind)
}

func TestValidatePlanRejectsDependencyCycle(t *testing.T) {
	plan := Plan{
		ProposalID: "p",
		Features: []Feature{{ID: "f1", Tasks: []Task{
			{ID: "t1", EstimatedCost: 1, DependsOn: []string{"t2"}},
			{ID: "t2", EstimatedCost: 1, DependsOn: []string{"t1"}},
		}}},
	}
	err := ValidatePlan(plan)
	require.Error(t, err)
	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	require.Equal(t, ErrKindCycle, taskErr.Kind)
}

func TestValidatePlanRejectsOutputConflict(t *testing.T) {
	plan := Plan{
		ProposalID: "p",
		Features: []Feature{{ID: "f1", Tasks: []Task{
			{ID: "t1", EstimatedCost: 1, Outputs: []string{"shared.go"}},
			{ID: "t2", EstimatedCost: 1, Outputs: []string{"shared.go"}},
		}}},
	}
	err := ValidatePlan(plan)
	require.Error(t, err)
	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	require.Equal(t, ErrKindConflict, taskErr.Kind)
}

func TestValidatePlanRejectsDuplicateTaskID(t *testing.T) {
	plan := Plan{
		ProposalID: "p",
		Features: []Feature{{ID: "f1", Tasks: []Task{
			{ID: "t1", EstimatedCost: 1},
			{ID: "t1", EstimatedCost: 1},
		}}},
	}
	err := ValidatePlan(plan)
	require.Error(t, err)
}
