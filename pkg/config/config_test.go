package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djeday123/nsloss/backend"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig() returned nil")
	}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0.75, cfg.Model.Power)
	assert.Positive(t, cfg.Model.SampleSize)
	assert.Equal(t, "sgd", cfg.Train.Optimizer)

	dev, err := cfg.ParseDevice()
	require.NoError(t, err)
	assert.Equal(t, backend.CPU0, dev)
}

func TestValidateReportsEveryField(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model.InSize = 0
	cfg.Model.Power = -1
	cfg.Train.Optimizer = "rmsprop"
	cfg.Device = "tpu"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"model.in_size", "model.power", "train.optimizer", "tpu"} {
		assert.ErrorContains(t, err, want)
	}
}

func TestValidatePowerRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model.Power = 0
	require.NoError(t, cfg.Validate(), "zero power samples uniformly")

	cfg.Model.Power = math.Inf(1)
	require.ErrorContains(t, cfg.Validate(), "model.power")
}

func TestLoadKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"model": {"in_size": 16}, "train": {"optimizer": "adamw"}, "device": "cuda:1"}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Model.InSize)
	assert.Equal(t, 5, cfg.Model.SampleSize)
	assert.Equal(t, "adamw", cfg.Train.Optimizer)

	dev, err := cfg.ParseDevice()
	require.NoError(t, err)
	assert.Equal(t, backend.CUDADevice(1), dev)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"model": {"sample_size": 0}}`), 0o644))
	_, err = Load(path)
	assert.ErrorContains(t, err, "model.sample_size")

	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))
	_, err = Load(path)
	require.Error(t, err)
}
