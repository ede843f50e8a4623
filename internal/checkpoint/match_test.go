package checkpoint

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchAcceptsIdenticalMapping(t *testing.T) {
	t.Parallel()

	expected := map[string]Spec{
		"w": {DType: F32, Shape: []int64{2}},
		"b": {DType: F32, Shape: []int64{}},
	}
	params := Parameters{
		"w": f32Tensor([]int64{2}, 1, 2),
		"b": f32Tensor([]int64{}, 3),
	}

	require.NoError(t, Match(expected, params))
}

func TestMatchReportsEveryDifference(t *testing.T) {
	t.Parallel()

	expected := map[string]Spec{
		"keep":    {DType: F32, Shape: []int64{2}},
		"missing": {DType: F32, Shape: []int64{1}},
		"shape":   {DType: F32, Shape: []int64{2, 1}},
	}
	params := Parameters{
		"keep":  f32Tensor([]int64{2}, 1, 2),
		"shape": f32Tensor([]int64{1, 2}, 1, 2),
		"extra": f32Tensor([]int64{1}, 1),
	}

	err := Match(expected, params)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrParameterMismatch)

	var mismatch *MismatchError
	require.True(t, errors.As(err, &mismatch))
	require.Equal(t, []string{"missing"}, mismatch.Missing)
	require.Equal(t, []string{"extra"}, mismatch.Unexpected)
	require.Len(t, mismatch.Incompatible, 1)
	require.Contains(t, mismatch.Incompatible[0], "shape: want F32[2 1], got F32[1 2]")
	require.Contains(t, err.Error(), "1 missing (missing)")
}

func TestMatchRejectsDTypeDifference(t *testing.T) {
	t.Parallel()

	expected := map[string]Spec{"w": {DType: F16, Shape: []int64{2}}}
	params := Parameters{"w": f32Tensor([]int64{2}, 1, 2)}

	require.ErrorIs(t, Match(expected, params), ErrParameterMismatch)
}

func TestMismatchErrorSummarizesLongLists(t *testing.T) {
	t.Parallel()

	mismatch := &MismatchError{}
	for i := range 8 {
		mismatch.Missing = append(mismatch.Missing, fmt.Sprintf("p%d", i))
	}

	require.Contains(t, mismatch.Error(), "8 missing (p0, p1, p2, p3, p4, ... 3 more)")
}
