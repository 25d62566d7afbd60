package tensor_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djeday123/nsloss/backend"
	_ "github.com/djeday123/nsloss/backend/cpu"
	"github.com/djeday123/nsloss/tensor"
)

func TestFromSlice(t *testing.T) {
	x, err := tensor.FromSlice([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
	require.NoError(t, err)
	assert.Equal(t, tensor.Float32, x.DType())
	assert.Equal(t, tensor.Shape{2, 3}, x.Shape())
	assert.Equal(t, tensor.Strides{12, 4}, x.Strides())
	assert.Equal(t, backend.CPU0, x.Device())
	assert.True(t, x.IsLeaf())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, x.ToFloat32Slice())

	_, err = tensor.FromSlice([]int64{1, 2}, tensor.Shape{3})
	require.Error(t, err)
}

func TestFromSliceCopies(t *testing.T) {
	src := []int64{7, 8}
	x, err := tensor.FromSlice(src, tensor.Shape{2})
	require.NoError(t, err)
	src[0] = 0
	assert.Equal(t, []int64{7, 8}, x.ToInt64Slice())
}

func TestFullZerosOnes(t *testing.T) {
	z, err := tensor.Zeros(tensor.Shape{3}, tensor.Float64, backend.CPU0)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0}, z.ToFloat64Slice())

	o, err := tensor.Ones(tensor.Shape{2}, tensor.Int32, backend.CPU0)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 1}, o.ToInt32Slice())

	f, err := tensor.Full(tensor.Shape{2}, tensor.Float32, 2.5, backend.CPU0)
	require.NoError(t, err)
	assert.Equal(t, []float32{2.5, 2.5}, f.ToFloat32Slice())
}

func TestToCopiesVerbatim(t *testing.T) {
	x, err := tensor.FromSlice([]float64{0.25, 1, 0.75}, tensor.Shape{3})
	require.NoError(t, err)
	x.SetRequiresGrad(true)

	y, err := x.To(backend.CPU0)
	require.NoError(t, err)
	assert.Equal(t, x.ToFloat64Slice(), y.ToFloat64Slice())
	assert.True(t, y.RequiresGrad())
	assert.Nil(t, y.Grad())

	// independent storage
	y.ToFloat64Slice()[0] = 9
	assert.Equal(t, 0.25, x.ToFloat64Slice()[0])
}

func TestToUnregisteredDevice(t *testing.T) {
	if _, err := backend.Get(backend.CUDA); err == nil {
		t.Skip("cuda backend registered")
	}
	x, err := tensor.FromSlice([]float32{1}, tensor.Shape{1})
	require.NoError(t, err)
	_, err = x.To(backend.CUDADevice(0))
	require.Error(t, err)
}

func TestData(t *testing.T) {
	x, err := tensor.FromSlice([]int64{3, 1, 2}, tensor.Shape{3})
	require.NoError(t, err)

	got, err := tensor.Data[int64](x)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 1, 2}, got)

	_, err = tensor.Data[float32](x)
	require.Error(t, err)
}

func TestView(t *testing.T) {
	x, err := tensor.FromSlice([]float32{1, 2, 3, 4}, tensor.Shape{2, 2})
	require.NoError(t, err)
	v, err := x.View(tensor.Shape{4})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, v.ToFloat32Slice())

	_, err = x.View(tensor.Shape{3})
	require.Error(t, err)
}

func TestSetData(t *testing.T) {
	x, err := tensor.Zeros(tensor.Shape{2}, tensor.Float32, backend.CPU0)
	require.NoError(t, err)
	require.NoError(t, tensor.SetData(x, []float32{4, 5}))
	assert.Equal(t, []float32{4, 5}, x.ToFloat32Slice())

	require.Error(t, tensor.SetData(x, []float32{1}))
	require.Error(t, tensor.SetData(x, []int64{1, 2}))
}
