package backend

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDevice(t *testing.T) {
	cases := map[string]Device{
		"":       CPU0,
		"cpu":    CPU0,
		"CPU":    CPU0,
		"cuda":   CUDADevice(0),
		"cuda:2": CUDADevice(2),
		"gpu:1":  CUDADevice(1),
	}
	for in, want := range cases {
		got, err := ParseDevice(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"tpu", "cuda:x", "cuda:-1", "cpu:3"} {
		_, err := ParseDevice(bad)
		assert.Error(t, err, bad)
	}
}

func TestDeviceString(t *testing.T) {
	assert.Equal(t, "cpu", CPU0.String())
	assert.Equal(t, "cuda:1", CUDADevice(1).String())
	assert.Equal(t, "device(9)", DeviceType(9).String())
}

func TestGetUnregistered(t *testing.T) {
	_, err := Get(DeviceType(9))
	assert.Error(t, err)
}

func TestSampledShapeWidth(t *testing.T) {
	assert.Equal(t, 6, SampledShape{Samples: 5}.Width())
}

// indexed stands in for an accelerator backend that binds one instance per
// device index.
type indexed struct {
	Backend
	index int
}

func (b *indexed) DeviceType() DeviceType { return DeviceType(7) }

func (b *indexed) ForDevice(index int) (Backend, error) {
	if index > 1 {
		return nil, fmt.Errorf("no device %d", index)
	}
	return &indexed{index: index}, nil
}

func TestGetForDeviceResolvesIndex(t *testing.T) {
	Register(&indexed{})

	b, err := GetForDevice(Device{Type: DeviceType(7), Index: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, b.(*indexed).index)

	_, err = GetForDevice(Device{Type: DeviceType(7), Index: 2})
	require.Error(t, err)
}
