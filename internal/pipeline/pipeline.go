// Package pipeline runs load, segmentation and output in order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mrsinham/lungmask/internal/dicom"
	"github.com/mrsinham/lungmask/internal/export"
	"github.com/mrsinham/lungmask/internal/inference"
	"github.com/mrsinham/lungmask/internal/loader"
	"github.com/mrsinham/lungmask/internal/metadata"
	"github.com/mrsinham/lungmask/internal/preview"
	"github.com/mrsinham/lungmask/internal/report"
	"github.com/mrsinham/lungmask/internal/volume"
)

// ErrPreviewTarget is returned when the preview image cannot be created.
var ErrPreviewTarget = errors.New("preview target is not writable")

// ErrNoSourceSlices is returned in series mode when the input is not a set of
// per-slice DICOM files.
var ErrNoSourceSlices = errors.New("series output needs a directory of single-frame DICOM slices as input")

// Loader reads the input image.
type Loader interface {
	Load(ctx context.Context, path string) (*loader.Input, error)
}

// Options describes one run.
type Options struct {
	Input        string
	Output       string
	Mode         Mode
	KeepMetadata bool
	Inference    inference.Config
	// Policy is the metadata allow-list; nil means the default one.
	Policy      *metadata.Policy
	PreviewPath string
	Quiet       bool
}

// Deps are the collaborators of a run.
type Deps struct {
	Loader           Loader
	Engine           inference.Engine
	Logger           *slog.Logger
	Stdout           io.Writer // receives the summary table, nil to skip it
	ProgressCallback func(current, total int)
}

// Result is the outcome of a successful run.
type Result struct {
	Outcome      *Outcome
	Summary      *report.Summary
	PreviewPath  string
	PreviewSlice int
}

// Run validates the output target and the inference options, loads the input,
// segments it and writes the result with the strategy matching opts.Mode.
func Run(ctx context.Context, opts Options, deps Deps) (*Result, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	strategy, err := newStrategy(opts, deps, logger)
	if err != nil {
		return nil, err
	}
	if err := strategy.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Inference.Validate(); err != nil {
		return nil, err
	}
	if opts.PreviewPath != "" {
		if err := checkParentDir(opts.PreviewPath); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPreviewTarget, err)
		}
	}

	logger.Info("loading input", "path", opts.Input)
	in, err := deps.Loader.Load(ctx, opts.Input)
	if err != nil {
		return nil, err
	}
	logger.Info("input loaded", "dims", in.Volume.Dims.String(), "slices", len(in.Slices))
	if opts.Mode == ModeSeries && len(in.Slices) == 0 {
		return nil, ErrNoSourceSlices
	}
	if opts.KeepMetadata && !in.HasSliceMetadata {
		logger.Warn("input has no DICOM metadata to preserve", "path", opts.Input)
	}

	logger.Info("segmenting", "model", opts.Inference.Model(), "fill_model", opts.Inference.FillModel(),
		"device", opts.Inference.Device(), "batch_size", opts.Inference.EffectiveBatchSize())
	mask, err := deps.Engine.Segment(ctx, in.Volume)
	if err != nil {
		return nil, fmt.Errorf("segmentation: %w", err)
	}
	if err := volume.CheckAligned(mask, in.Volume); err != nil {
		return nil, fmt.Errorf("segmentation: %w", err)
	}

	outcome, err := strategy.Emit(ctx, mask, in)
	if err != nil {
		return nil, err
	}
	logger.Info("output written", "mode", outcome.Mode.String(), "files", len(outcome.Files), "output", opts.Output)

	result := &Result{Outcome: outcome}
	summary, err := report.Summarize(mask, in.Volume, report.LabelNames(opts.Inference.ModelName))
	if err != nil {
		return nil, err
	}
	result.Summary = summary
	if deps.Stdout != nil && !opts.Quiet {
		if _, err := fmt.Fprintln(deps.Stdout, summary.Render()); err != nil {
			return nil, fmt.Errorf("write summary: %w", err)
		}
	}

	if opts.PreviewPath != "" {
		z, err := preview.WritePNG(opts.PreviewPath, in.Volume, mask, preview.DefaultOptions())
		if err != nil {
			return nil, fmt.Errorf("preview: %w", err)
		}
		result.PreviewPath, result.PreviewSlice = opts.PreviewPath, z
		logger.Info("preview written", "path", opts.PreviewPath, "slice", z)
	}

	return result, nil
}

func newStrategy(opts Options, deps Deps, logger *slog.Logger) (OutputStrategy, error) {
	switch opts.Mode {
	case ModeSingleVolume:
		policy := metadata.DefaultPolicy()
		if opts.Policy != nil {
			policy = *opts.Policy
		}
		return &singleVolumeStrategy{
			path:         opts.Output,
			keepMetadata: opts.KeepMetadata,
			writer:       &export.Writer{Policy: policy},
		}, nil
	case ModeSeries:
		return &seriesStrategy{reconstructor: &dicom.Reconstructor{
			OutputDir:        opts.Output,
			Quiet:            opts.Quiet,
			ProgressCallback: deps.ProgressCallback,
			Logger:           logger,
		}}, nil
	default:
		return nil, fmt.Errorf("unknown output mode %s", opts.Mode)
	}
}
