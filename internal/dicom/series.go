package dicom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/mrsinham/lungmask/internal/metadata"
	"github.com/mrsinham/lungmask/internal/uid"
	"github.com/mrsinham/lungmask/internal/volume"
)

var (
	// ErrOutputNotDirectory is returned when the series output path is not an existing directory.
	ErrOutputNotDirectory = errors.New("output is not an existing directory")
	// ErrEncapsulatedPixelData is returned for compressed pixel data, which cannot be masked in place.
	ErrEncapsulatedPixelData = errors.New("encapsulated pixel data is not supported")
)

// SeriesIdentity links a reconstructed series to the series it was derived from.
type SeriesIdentity struct {
	SourceUID string
	UID       string
}

// NewSeriesIdentity derives a fresh SeriesInstanceUID under the root of sourceUID.
func NewSeriesIdentity(sourceUID string) (SeriesIdentity, error) {
	id, err := uid.Generate(sourceUID)
	if err != nil {
		return SeriesIdentity{}, fmt.Errorf("series instance uid: %w", err)
	}
	return SeriesIdentity{SourceUID: trimPadding(sourceUID), UID: id}, nil
}

// PadWidth is the number of digits needed to print the largest zero-based index
// of n files.
func PadWidth(n int) int {
	if n <= 1 {
		return 1
	}
	return len(strconv.Itoa(n - 1))
}

// SliceFileName names the i-th of n reconstructed files.
func SliceFileName(i, n int) string {
	return fmt.Sprintf("lung_masked_%0*d.dcm", PadWidth(n), i)
}

// CheckOutputDir returns ErrOutputNotDirectory unless dir exists and is a directory.
func CheckOutputDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrOutputNotDirectory, dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrOutputNotDirectory, dir)
	}
	return nil
}

// ReconstructedFile describes one written slice.
type ReconstructedFile struct {
	Index          int
	Path           string
	SourcePath     string
	SOPInstanceUID string
}

// SeriesResult is the outcome of a reconstruction.
type SeriesResult struct {
	Identity SeriesIdentity
	Files    []ReconstructedFile
}

// Reconstructor writes a masked copy of a DICOM series: one file per source
// slice, a shared new SeriesInstanceUID and a lung display window.
type Reconstructor struct {
	OutputDir        string
	Quiet            bool
	ProgressCallback func(current, total int)
	WriteOptions     []dicom.WriteOption
	Logger           *slog.Logger
}

// Reconstruct masks each slice in slices with the matching z-slice of mask.
// slices must be in volume order. Files already written are left in place when
// a later slice fails.
func (r *Reconstructor) Reconstruct(ctx context.Context, mask *volume.LabelVolume, slices []string) (*SeriesResult, error) {
	if err := CheckOutputDir(r.OutputDir); err != nil {
		return nil, err
	}
	if len(slices) == 0 {
		return nil, errors.New("no source slices to reconstruct")
	}
	if mask.Dims.Slices != len(slices) {
		return nil, fmt.Errorf("%w: mask has %d slices, series has %d files",
			volume.ErrShapeMismatch, mask.Dims.Slices, len(slices))
	}
	if len(mask.Labels) != mask.Dims.Len() {
		return nil, fmt.Errorf("%w: mask holds %d labels for %s",
			volume.ErrShapeMismatch, len(mask.Labels), mask.Dims)
	}

	logger := r.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	total := len(slices)
	result := &SeriesResult{Files: make([]ReconstructedFile, 0, total)}
	var identity *SeriesIdentity

	for i, src := range slices {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		ds, err := dicom.ParseFile(src, nil)
		if err != nil {
			return result, fmt.Errorf("parse slice %s: %w", src, err)
		}

		if identity == nil {
			sourceUID, err := stringValue(&ds, tag.SeriesInstanceUID)
			if err != nil {
				return result, fmt.Errorf("slice %s: %w", src, err)
			}
			id, err := NewSeriesIdentity(sourceUID)
			if err != nil {
				return result, fmt.Errorf("slice %s: %w", src, err)
			}
			identity = &id
			result.Identity = id
			logger.Debug("new series identity", "source", id.SourceUID, "uid", id.UID)
		}

		sopUID, err := rewriteSlice(&ds, mask.Slice(i), *identity)
		if err != nil {
			return result, fmt.Errorf("slice %s: %w", src, err)
		}

		out := filepath.Join(r.OutputDir, SliceFileName(i, total))
		if err := writeDatasetToFile(out, ds, r.WriteOptions...); err != nil {
			return result, fmt.Errorf("write %s: %w", out, err)
		}
		result.Files = append(result.Files, ReconstructedFile{
			Index:          i,
			Path:           out,
			SourcePath:     src,
			SOPInstanceUID: sopUID,
		})

		if r.ProgressCallback != nil {
			r.ProgressCallback(i+1, total)
		} else if !r.Quiet && ((i+1)%10 == 0 || i+1 == total) {
			logger.Info("reconstructed slices", "done", i+1, "total", total)
		}
	}

	return result, nil
}

type elementUpdate struct {
	t     tag.Tag
	value any
}

// rewriteSlice applies the mask and the new identity to one parsed slice and
// returns its new SOPInstanceUID.
func rewriteSlice(ds *dicom.Dataset, labels []uint8, identity SeriesIdentity) (string, error) {
	oldSOP, err := stringValue(ds, tag.SOPInstanceUID)
	if err != nil {
		return "", err
	}
	sopUID, err := uid.Generate(oldSOP)
	if err != nil {
		return "", fmt.Errorf("sop instance uid: %w", err)
	}

	ownSeries, err := stringValue(ds, tag.SeriesInstanceUID)
	if err != nil {
		return "", err
	}

	pixels, err := maskPixelData(ds, labels)
	if err != nil {
		return "", err
	}

	updates := []elementUpdate{
		{tag.SOPInstanceUID, []string{sopUID}},
		{tag.SeriesInstanceUID, []string{identity.UID}},
		{tag.SeriesDescription, []string{metadata.SeriesDescriptionPrefix + ownSeries}},
		{tag.WindowCenter, []string{strconv.Itoa(metadata.LungWindow.Center)}},
		{tag.WindowWidth, []string{strconv.Itoa(metadata.LungWindow.Width)}},
		{tag.PixelData, pixels},
	}
	if hasElement(ds, tag.MediaStorageSOPInstanceUID) {
		updates = append(updates, elementUpdate{tag.MediaStorageSOPInstanceUID, []string{sopUID}})
	}
	if hasElement(ds, tag.WindowCenterWidthExplanation) {
		updates = append(updates, elementUpdate{tag.WindowCenterWidthExplanation, []string{"LUNG"}})
	}

	for _, u := range updates {
		if err := setValue(ds, u.t, u.value); err != nil {
			return "", err
		}
	}
	return sopUID, nil
}
