package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mrsinham/lungmask/internal/dicom"
	"github.com/mrsinham/lungmask/internal/export"
	"github.com/mrsinham/lungmask/internal/loader"
	"github.com/mrsinham/lungmask/internal/volume"
)

// Mode selects what Run writes.
type Mode int

const (
	// ModeSingleVolume writes the mask as one labeled volume file.
	ModeSingleVolume Mode = iota
	// ModeSeries writes a masked copy of the source DICOM series.
	ModeSeries
)

func (m Mode) String() string {
	switch m {
	case ModeSingleVolume:
		return "single-volume"
	case ModeSeries:
		return "series"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Outcome describes what an OutputStrategy wrote.
type Outcome struct {
	Mode      Mode
	Files     []string
	SeriesUID string              // series mode only
	Volume    *volume.LabelVolume // single-volume mode only
}

// OutputStrategy writes a mask in one output mode.
type OutputStrategy interface {
	// Validate checks the output target before any input is read.
	Validate() error
	Emit(ctx context.Context, mask *volume.LabelVolume, in *loader.Input) (*Outcome, error)
}

type singleVolumeStrategy struct {
	path         string
	keepMetadata bool
	writer       *export.Writer
}

func (s *singleVolumeStrategy) Validate() error {
	if _, err := export.FormatFor(s.path); err != nil {
		return err
	}
	return checkParentDir(s.path)
}

// checkParentDir fails unless the directory that will hold path exists.
func checkParentDir(path string) error {
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("output directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("output directory %s is not a directory", dir)
	}
	return nil
}

func (s *singleVolumeStrategy) Emit(_ context.Context, mask *volume.LabelVolume, in *loader.Input) (*Outcome, error) {
	out, err := s.writer.Write(s.path, mask, in.Volume, s.keepMetadata)
	if err != nil {
		return nil, err
	}
	return &Outcome{Mode: ModeSingleVolume, Files: []string{s.path}, Volume: out}, nil
}

type seriesStrategy struct {
	reconstructor *dicom.Reconstructor
}

func (s *seriesStrategy) Validate() error {
	return dicom.CheckOutputDir(s.reconstructor.OutputDir)
}

func (s *seriesStrategy) Emit(ctx context.Context, mask *volume.LabelVolume, in *loader.Input) (*Outcome, error) {
	if len(in.Slices) == 0 {
		return nil, ErrNoSourceSlices
	}
	result, err := s.reconstructor.Reconstruct(ctx, mask, in.Slices)
	if err != nil {
		return nil, err
	}
	files := make([]string, len(result.Files))
	for i, f := range result.Files {
		files[i] = f.Path
	}
	return &Outcome{Mode: ModeSeries, Files: files, SeriesUID: result.Identity.UID}, nil
}
