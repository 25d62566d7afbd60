package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShapeNumElements(t *testing.T) {
	assert.Equal(t, 1, Shape{}.NumElements())
	assert.Equal(t, 12, Shape{3, 4}.NumElements())
	assert.Equal(t, 0, Shape{3, 0}.NumElements())
}

func TestShapeValidate(t *testing.T) {
	require.NoError(t, Shape{2, 3}.Validate())
	require.Error(t, Shape{2, -1}.Validate())
}

func TestContiguousStrides(t *testing.T) {
	assert.Equal(t, Strides{16, 4}, ContiguousStrides(Shape{3, 4}, 4))
}

func TestBroadcastShapes(t *testing.T) {
	out, err := BroadcastShapes(Shape{4, 1}, Shape{3})
	require.NoError(t, err)
	assert.Equal(t, Shape{4, 3}, out)

	_, err = BroadcastShapes(Shape{2}, Shape{3})
	assert.Error(t, err)
}
