// Package loader turns an input path into a CT volume.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mrsinham/lungmask/internal/dicom"
	"github.com/mrsinham/lungmask/internal/metadata"
	"github.com/mrsinham/lungmask/internal/volume"
)

// ErrNoSliceFiles is returned when a DICOM directory has no readable slices.
var ErrNoSliceFiles = dicom.ErrNoSliceFiles

// Input is a loaded image and what is known about its source files.
type Input struct {
	Volume *volume.Volume
	// Slices lists the per-slice DICOM files in volume order. Empty when the
	// input was not a set of single-frame DICOM files.
	Slices []string
	// HasSliceMetadata reports whether DICOM attributes were read from the
	// source. False for NIfTI inputs and when ReadMetadata is off.
	HasSliceMetadata bool
	SeriesUID        string
}

// Loader reads DICOM directories, DICOM files and NIfTI volumes.
type Loader struct {
	// ReadMetadata collects source attributes into Volume.Metadata.
	ReadMetadata     bool
	Workers          int
	ProgressCallback func(current, total int)
	Logger           *slog.Logger
}

// Load dispatches on path: directories are DICOM series, .nii and .nii.gz are
// NIfTI, anything else is read as a single DICOM file.
func (l *Loader) Load(ctx context.Context, path string) (*Input, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("input %s: %w", path, err)
	}

	var in *Input
	switch lower := strings.ToLower(path); {
	case info.IsDir():
		series, err := dicom.LoadSeries(ctx, path, dicom.LoadOptions{
			Workers:          l.Workers,
			ReadMetadata:     l.ReadMetadata,
			ProgressCallback: l.ProgressCallback,
			Logger:           l.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("load DICOM series %s: %w", path, err)
		}
		in = fromSeries(series, l.ReadMetadata)
	case strings.HasSuffix(lower, ".nii"), strings.HasSuffix(lower, ".nii.gz"):
		v, err := volume.ReadNIfTIVolume(path)
		if err != nil {
			return nil, fmt.Errorf("load NIfTI %s: %w", path, err)
		}
		in = &Input{Volume: v}
	default:
		series, err := dicom.LoadFile(path, l.ReadMetadata)
		if err != nil {
			return nil, fmt.Errorf("load DICOM file %s: %w", path, err)
		}
		in = fromSeries(series, l.ReadMetadata)
	}

	if !l.ReadMetadata {
		in.Volume.Metadata = metadata.Metadata{}
	}
	return in, nil
}

func fromSeries(s *dicom.Series, readMetadata bool) *Input {
	return &Input{
		Volume:           s.Volume,
		Slices:           s.Files,
		HasSliceMetadata: readMetadata && len(s.Volume.Metadata) > 0,
		SeriesUID:        s.SeriesUID,
	}
}
