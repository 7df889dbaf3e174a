package consensus

import (
	"testing"

	"github.com/aurigraph/tokenversion/shared/testutil/assert"
	"github.com/aurigraph/tokenversion/shared/testutil/require"
)

func TestCalculate_SingleValidator(t *testing.T) {
	res := Calculate(1, 0, 0, 1, 66.67)
	assert.Equal(t, true, res.Reached)
	assert.Equal(t, true, res.Approved)
	assert.Equal(t, false, res.Rejected)
	assert.Equal(t, 1, res.MinForMajority)

	res = Calculate(0, 1, 0, 1, 66.67)
	assert.Equal(t, true, res.Reached)
	assert.Equal(t, true, res.Rejected)
	assert.Equal(t, false, res.Approved)
}

func TestCalculate_MajorityBound(t *testing.T) {
	// 3 validators at 66.67: a side needs strictly more than two thirds,
	// so all three active voters.
	res := Calculate(2, 0, 0, 3, 66.67)
	require.Equal(t, 3, res.MinForMajority)
	assert.Equal(t, false, res.Reached)
	assert.Equal(t, false, res.Impossible, "third vote can still approve")

	res = Calculate(3, 0, 0, 3, 66.67)
	assert.Equal(t, true, res.Approved)
	assert.Equal(t, float64(100), res.Percent)
}

func TestCalculate_EarlyImpossibility(t *testing.T) {
	// 5 validators at 66.67: min_for_majority = floor(5*0.6667)+1 = 4.
	// After YES, NO, NO, NO approval can reach at most 2.
	res := Calculate(1, 3, 0, 5, 66.67)
	require.Equal(t, 4, res.MinForMajority)
	assert.Equal(t, false, res.Reached)
	assert.Equal(t, true, res.Impossible)
	assert.Equal(t, true, res.Decisive())
}

func TestCalculate_ImpossibleBeforeAllVotesCast(t *testing.T) {
	// Two rejections out of five leave approval at most 3 < 4.
	res := Calculate(0, 2, 0, 5, 66.67)
	assert.Equal(t, true, res.Impossible)
	assert.Equal(t, false, res.Rejected)
}

func TestCalculate_AllAbstain(t *testing.T) {
	res := Calculate(0, 0, 3, 3, 66.67)
	assert.Equal(t, true, res.Impossible)
	assert.Equal(t, false, res.Approved)
	assert.Equal(t, false, res.Reached)
	assert.Equal(t, float64(0), res.Percent)
}

func TestCalculate_AbstainShrinksActiveSet(t *testing.T) {
	// 5 validators, 2 abstain: active = 3, min = floor(3*0.6667)+1 = 3.
	res := Calculate(3, 0, 2, 5, 66.67)
	require.Equal(t, 3, res.MinForMajority)
	assert.Equal(t, true, res.Approved)
}

func TestCalculate_CustomThreshold(t *testing.T) {
	// Threshold 50 over 4 active voters: min = floor(2)+1 = 3.
	res := Calculate(3, 1, 0, 4, 50)
	require.Equal(t, 3, res.MinForMajority)
	assert.Equal(t, true, res.Approved)
	assert.Equal(t, float64(75), res.Percent)
}

func TestCalculate_Deterministic(t *testing.T) {
	first := Calculate(2, 1, 1, 5, 66.67)
	for i := 0; i < 10; i++ {
		assert.DeepEqual(t, first, Calculate(2, 1, 1, 5, 66.67))
	}
}

func TestCalculate_RejectionByMajority(t *testing.T) {
	// 3 validators, all NO.
	res := Calculate(0, 3, 0, 3, 66.67)
	assert.Equal(t, true, res.Rejected)
	assert.Equal(t, true, res.Reached)
	assert.Equal(t, float64(0), res.Percent)
}
