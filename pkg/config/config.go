package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/djeday123/nsloss/backend"
)

// Config holds the configuration of a skip-gram training run.
type Config struct {
	Model       ModelConfig `json:"model"`
	Train       TrainConfig `json:"train"`
	Device      string      `json:"device"`       // "cpu", "cuda", "cuda:N"
	MetricsAddr string      `json:"metrics_addr"` // empty disables the /metrics listener
}

// ModelConfig configures the embeddings and the negative sampling layer
type ModelConfig struct {
	InSize     int     `json:"in_size"`     // embedding dimension
	SampleSize int     `json:"sample_size"` // negatives per example
	Power      float64 `json:"power"`       // count smoothing exponent, 0 samples uniformly
	InitScale  float64 `json:"init_scale"`  // stddev of the input embedding init
	MinCount   int     `json:"min_count"`   // drop rarer words from the vocabulary
}

// TrainConfig configures the optimization loop
type TrainConfig struct {
	Window    int     `json:"window"`
	Epochs    int     `json:"epochs"`
	BatchSize int     `json:"batch_size"`
	LR        float64 `json:"lr"`
	MinLR     float64 `json:"min_lr"`
	Optimizer string  `json:"optimizer"` // "sgd" or "adamw"
	Seed      uint64  `json:"seed"`
	LogEvery  int     `json:"log_every"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			InSize:     64,
			SampleSize: 5,
			Power:      0.75,
			InitScale:  0.1,
			MinCount:   1,
		},
		Train: TrainConfig{
			Window:    2,
			Epochs:    5,
			BatchSize: 128,
			LR:        0.025,
			MinLR:     0.0001,
			Optimizer: "sgd",
			Seed:      1,
			LogEvery:  50,
		},
		Device: "cpu",
	}
}

// Load reads a JSON config from path. Fields missing from the file keep
// their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positive("model.in_size", c.Model.InSize)
	positive("model.sample_size", c.Model.SampleSize)
	positive("model.min_count", c.Model.MinCount)
	positive("train.window", c.Train.Window)
	positive("train.epochs", c.Train.Epochs)
	positive("train.batch_size", c.Train.BatchSize)
	positive("train.log_every", c.Train.LogEvery)

	if c.Model.Power < 0 || math.IsNaN(c.Model.Power) || math.IsInf(c.Model.Power, 0) {
		errs = append(errs, fmt.Errorf("model.power must be finite and not negative, got %v", c.Model.Power))
	}
	if c.Model.InitScale < 0 {
		errs = append(errs, fmt.Errorf("model.init_scale must not be negative, got %v", c.Model.InitScale))
	}
	if c.Train.LR <= 0 || c.Train.MinLR < 0 || c.Train.MinLR > c.Train.LR {
		errs = append(errs, fmt.Errorf("need 0 <= train.min_lr <= train.lr and lr > 0, got %v / %v", c.Train.MinLR, c.Train.LR))
	}
	if c.Train.Optimizer != "sgd" && c.Train.Optimizer != "adamw" {
		errs = append(errs, fmt.Errorf("train.optimizer must be sgd or adamw, got %q", c.Train.Optimizer))
	}
	if _, err := c.ParseDevice(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseDevice resolves the Device field.
func (c *Config) ParseDevice() (backend.Device, error) {
	return backend.ParseDevice(c.Device)
}
