// Package export writes a segmentation as one labeled volume file.
package export

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mrsinham/lungmask/internal/dicom"
	"github.com/mrsinham/lungmask/internal/metadata"
	"github.com/mrsinham/lungmask/internal/volume"
)

// Writer builds and writes labeled volumes, keeping only the metadata its
// Policy allows.
type Writer struct {
	Policy metadata.Policy
}

// NewWriter returns a Writer using the default allow-list.
func NewWriter() *Writer {
	return &Writer{Policy: metadata.DefaultPolicy()}
}

// Build returns a copy of mask placed in source's frame. With keepMetadata the
// result carries the allowed source metadata plus the display tags; otherwise
// it carries none.
func (w *Writer) Build(mask *volume.LabelVolume, source *volume.Volume, keepMetadata bool) (*volume.LabelVolume, error) {
	if err := volume.CheckAligned(mask, source); err != nil {
		return nil, err
	}

	out := &volume.LabelVolume{
		Dims:     source.Dims,
		Frame:    source.Frame,
		Labels:   mask.Labels,
		Metadata: metadata.Metadata{},
	}
	if !keepMetadata {
		return out, nil
	}

	out.Metadata = w.Policy.Filter(source.Metadata)
	for k, v := range metadata.DisplayTags() {
		out.Metadata[k] = v
	}
	return out, nil
}

// Write builds the output volume and writes it to path.
func (w *Writer) Write(path string, mask *volume.LabelVolume, source *volume.Volume, keepMetadata bool) (*volume.LabelVolume, error) {
	out, err := w.Build(mask, source, keepMetadata)
	if err != nil {
		return nil, err
	}
	if err := WriteFile(path, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Format is an output container.
type Format int

const (
	FormatNIfTI Format = iota
	FormatNRRD
	FormatDICOM
)

func (f Format) String() string {
	switch f {
	case FormatNIfTI:
		return "NIfTI"
	case FormatNRRD:
		return "NRRD"
	case FormatDICOM:
		return "DICOM"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// FormatFor picks the output format from the file extension.
func FormatFor(path string) (Format, error) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".nii"), strings.HasSuffix(lower, ".nii.gz"):
		return FormatNIfTI, nil
	case strings.HasSuffix(lower, ".nrrd"):
		return FormatNRRD, nil
	case strings.HasSuffix(lower, ".dcm"):
		return FormatDICOM, nil
	default:
		return 0, fmt.Errorf("unsupported output format %q (want .nii, .nii.gz, .nrrd or .dcm)", filepath.Ext(path))
	}
}

// WriteFile writes l in the format matching the extension of path.
func WriteFile(path string, l *volume.LabelVolume) error {
	format, err := FormatFor(path)
	if err != nil {
		return err
	}
	switch format {
	case FormatNRRD:
		err = volume.WriteNRRDLabels(path, l)
	case FormatDICOM:
		err = dicom.WriteLabelVolume(path, l)
	default:
		err = volume.WriteNIfTILabels(path, l)
	}
	if err != nil {
		return fmt.Errorf("write %s volume %s: %w", format, path, err)
	}
	return nil
}
