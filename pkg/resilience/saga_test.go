package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSagaRunsAllStepsOnSuccess(t *testing.T) {
	var order []string
	step := func(name string) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}

	result := NewSaga("checkout", nil).
		AddStep("A", step("A"), step("A'")).
		AddStep("B", step("B"), step("B'")).
		AddStep("C", step("C"), nil).
		Execute(context.Background())

	require.True(t, result.Success)
	assert.NoError(t, result.Err)
	assert.Equal(t, []string{"A", "B", "C"}, result.ExecutedSteps)
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestSagaCompensatesCompletedStepsInReverse(t *testing.T) {
	var order []string
	record := func(name string, err error) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return err
		}
	}

	failure := errors.New("B exploded")
	result := NewSaga("checkout", nil).
		AddStep("A", record("A", nil), record("A'", nil)).
		AddStep("B", record("B", failure), record("B'", nil)).
		AddStep("C", record("C", nil), nil).
		Execute(context.Background())

	require.False(t, result.Success)
	require.ErrorIs(t, result.Err, failure)
	assert.Equal(t, []string{"A"}, result.ExecutedSteps)
	// B ran and failed; A' compensated; B' and C never ran.
	assert.Equal(t, []string{"A", "B", "A'"}, order)
}

func TestSagaCompensationFailureDoesNotAbortOthers(t *testing.T) {
	var order []string
	record := func(name string, err error) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return err
		}
	}

	result := NewSaga("checkout", nil).
		AddStep("A", record("A", nil), record("A'", nil)).
		AddStep("B", record("B", nil), record("B'", errors.New("undo failed"))).
		AddStep("C", record("C", errors.New("C exploded")), nil).
		Execute(context.Background())

	require.False(t, result.Success)
	assert.Equal(t, []string{"A", "B"}, result.ExecutedSteps)
	assert.Equal(t, []string{"A", "B", "C", "B'", "A'"}, order)
}

func TestSagaFirstStepFailureCompensatesNothing(t *testing.T) {
	compensated := false
	result := NewSaga("checkout", nil).
		AddStep("A",
			func(context.Context) error { return errors.New("A exploded") },
			func(context.Context) error { compensated = true; return nil },
		).
		Execute(context.Background())

	require.False(t, result.Success)
	assert.Empty(t, result.ExecutedSteps)
	assert.False(t, compensated)
}

func TestSagaSkipsNilCompensations(t *testing.T) {
	var order []string
	result := NewSaga("checkout", nil).
		AddStep("A", func(context.Context) error { order = append(order, "A"); return nil }, nil).
		AddStep("B", func(context.Context) error { return errors.New("boom") }, nil).
		Execute(context.Background())

	require.False(t, result.Success)
	assert.Equal(t, []string{"A"}, result.ExecutedSteps)
	assert.Equal(t, []string{"A"}, order)
}
