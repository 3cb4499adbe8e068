// Package inference configures and runs the lung segmentation engine.
package inference

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/mrsinham/lungmask/internal/volume"
)

// Model names understood by the engine.
const (
	ModelR231          = "R231"
	ModelLTRCLobes     = "LTRCLobes"
	ModelLTRCLobesR231 = "LTRCLobes_R231"
	ModelR231CovidWeb  = "R231CovidWeb"
)

const (
	DefaultBatchSize = 20
	cpuBatchSize     = 1
)

// ModelNames lists the accepted values of Config.ModelName.
var ModelNames = []string{ModelR231, ModelLTRCLobes, ModelLTRCLobesR231, ModelR231CovidWeb}

// ErrConfigConflict is returned for option combinations the engine cannot honor.
var ErrConfigConflict = errors.New("conflicting inference options")

// Engine segments a CT volume. The returned mask has the volume's dims and
// slice order.
type Engine interface {
	Segment(ctx context.Context, v *volume.Volume) (*volume.LabelVolume, error)
}

// Config selects the model and how it runs.
type Config struct {
	ModelName   string `yaml:"modelname" toml:"modelname"`
	ModelPath   string `yaml:"modelpath" toml:"modelpath"`
	CPU         bool   `yaml:"cpu" toml:"cpu"`
	BatchSize   int    `yaml:"batchsize" toml:"batchsize"`
	PostProcess bool   `yaml:"postprocess" toml:"postprocess"`
	NoProgress  bool   `yaml:"noprogress" toml:"noprogress"`
}

// DefaultConfig returns the R231 model with post-processing on.
func DefaultConfig() Config {
	return Config{
		ModelName:   ModelR231,
		BatchSize:   DefaultBatchSize,
		PostProcess: true,
	}
}

// Validate checks the model name and option conflicts.
func (c Config) Validate() error {
	if !slices.Contains(ModelNames, c.ModelName) {
		return fmt.Errorf("unknown model %q (want one of %v)", c.ModelName, ModelNames)
	}
	if c.ModelName == ModelLTRCLobesR231 && c.ModelPath != "" {
		return fmt.Errorf("%w: a model path cannot be used with the %s fusion model", ErrConfigConflict, ModelLTRCLobesR231)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", c.BatchSize)
	}
	return nil
}

// Model is the primary model to run.
func (c Config) Model() string {
	if c.ModelName == ModelLTRCLobesR231 {
		return ModelLTRCLobes
	}
	return c.ModelName
}

// FillModel is the model used to fill lobe gaps, empty when no fusion is done.
func (c Config) FillModel() string {
	if c.ModelName == ModelLTRCLobesR231 {
		return ModelR231
	}
	return ""
}

// EffectiveBatchSize is the batch size actually used; CPU runs use one.
func (c Config) EffectiveBatchSize() int {
	if c.CPU {
		return cpuBatchSize
	}
	return c.BatchSize
}

// Device names the compute device requested.
func (c Config) Device() string {
	if c.CPU {
		return "cpu"
	}
	return "auto"
}
