package ops_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/djeday123/nsloss/backend/cpu"
	"github.com/djeday123/nsloss/ops"
	"github.com/djeday123/nsloss/tensor"
)

func TestSumAxes(t *testing.T) {
	x, err := tensor.FromSlice([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
	require.NoError(t, err)

	rows, err := ops.Sum(x, []int{1}, false)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2}, rows.Shape())
	assert.Equal(t, []float32{6, 15}, rows.ToFloat32Slice())

	cols, err := ops.Sum(x, []int{0}, true)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 3}, cols.Shape())
	assert.Equal(t, []float32{5, 7, 9}, cols.ToFloat32Slice())

	all, err := ops.SumAll(x)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1}, all.Shape())
	assert.Equal(t, []float32{21}, all.ToFloat32Slice())

	_, err = ops.Sum(x, []int{2}, false)
	require.Error(t, err)
}

func TestAddInPlace(t *testing.T) {
	dst, err := tensor.FromSlice([]float32{1, 2, 3, 4}, tensor.Shape{2, 2})
	require.NoError(t, err)
	row, err := tensor.FromSlice([]float32{10, 20}, tensor.Shape{2})
	require.NoError(t, err)

	require.NoError(t, ops.AddInPlace(dst, row))
	assert.Equal(t, []float32{11, 22, 13, 24}, dst.ToFloat32Slice())

	big, err := tensor.FromSlice(make([]float32, 8), tensor.Shape{2, 2, 2})
	require.NoError(t, err)
	require.Error(t, ops.AddInPlace(dst, big))
}

func TestFill(t *testing.T) {
	x, err := tensor.FromSlice([]float32{1, 2, 3}, tensor.Shape{3})
	require.NoError(t, err)
	require.NoError(t, ops.Fill(x, 0.5))
	assert.Equal(t, []float32{0.5, 0.5, 0.5}, x.ToFloat32Slice())
}

func TestAddDTypeMismatch(t *testing.T) {
	a, err := tensor.FromSlice([]float32{1}, tensor.Shape{1})
	require.NoError(t, err)
	b, err := tensor.FromSlice([]float64{1}, tensor.Shape{1})
	require.NoError(t, err)
	_, err = ops.Add(a, b)
	require.Error(t, err)
}
