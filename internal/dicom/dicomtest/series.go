// Package dicomtest writes small synthetic CT series for tests.
package dicomtest

import (
	"fmt"
	"math"
	randv2 "math/rand/v2"
	"os"
	"path/filepath"
	"sort"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Rescale intercept of the generated series: stored value 0 is -1024 HU.
const Intercept = -1024

// SeriesOptions describes a synthetic axial CT series.
type SeriesOptions struct {
	Dir       string
	Prefix    string // file name prefix (default "IM")
	Slices    int
	Rows      int
	Cols      int
	Spacing   float64 // in-plane and slice spacing in mm (default 1)
	Seed      uint64
	StudyUID  string
	SeriesUID string

	// ReverseNames numbers files against the slice order so that sorting by
	// name and sorting by position disagree.
	ReverseNames bool
	// WindowExplanation adds WindowCenterWidthExplanation "SOFT".
	WindowExplanation bool
	// Omit drops these tags from every slice.
	Omit []tag.Tag
}

// Slice is one written file.
type Slice struct {
	Path           string
	SOPInstanceUID string
	Z              float64
	Stored         []uint16
}

func mustNewElement(t tag.Tag, value any) *dicom.Element {
	elem, err := dicom.NewElement(t, value)
	if err != nil {
		panic(fmt.Sprintf("failed to create element %v: %v", t, err))
	}
	return elem
}

// WriteCTSeries writes opts.Slices single-frame 16-bit CT files and returns
// them in slice order (increasing z).
func WriteCTSeries(opts SeriesOptions) ([]Slice, error) {
	if opts.Prefix == "" {
		opts.Prefix = "IM"
	}
	if opts.Spacing == 0 {
		opts.Spacing = 1
	}
	if opts.StudyUID == "" {
		opts.StudyUID = "1.2.826.0.1.3680043.8.498.1"
	}
	if opts.SeriesUID == "" {
		opts.SeriesUID = "1.2.826.0.1.3680043.8.498.2"
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}

	omit := make(map[tag.Tag]bool, len(opts.Omit))
	for _, t := range opts.Omit {
		omit[t] = true
	}

	out := make([]Slice, opts.Slices)
	for i := 0; i < opts.Slices; i++ {
		nameIndex := i
		if opts.ReverseNames {
			nameIndex = opts.Slices - 1 - i
		}
		z := float64(i) * opts.Spacing
		sop := fmt.Sprintf("%s.%d", opts.SeriesUID, i+1)
		path := filepath.Join(opts.Dir, fmt.Sprintf("%s%04d.dcm", opts.Prefix, nameIndex))

		stored := ctPixels(opts.Rows, opts.Cols, opts.Seed+uint64(i))
		nativeFrame := frame.NewNativeFrame[uint16](16, opts.Rows, opts.Cols, opts.Rows*opts.Cols, 1)
		copy(nativeFrame.RawData, stored)

		sp := fmt.Sprintf("%.6f", opts.Spacing)
		elements := []*dicom.Element{
			mustNewElement(tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.2"}),
			mustNewElement(tag.MediaStorageSOPInstanceUID, []string{sop}),
			mustNewElement(tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}),
			mustNewElement(tag.SOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.2"}),
			mustNewElement(tag.SOPInstanceUID, []string{sop}),
			mustNewElement(tag.StudyDate, []string{"20240115"}),
			mustNewElement(tag.Modality, []string{"CT"}),
			mustNewElement(tag.Manufacturer, []string{"SIEMENS"}),
			mustNewElement(tag.InstitutionName, []string{"General Hospital"}),
			mustNewElement(tag.SeriesDescription, []string{"Thorax 1.0 B70f"}),
			mustNewElement(tag.PatientName, []string{"DOE^JANE"}),
			mustNewElement(tag.PatientID, []string{"PID0001"}),
			mustNewElement(tag.PatientSex, []string{"F"}),
			mustNewElement(tag.SliceThickness, []string{sp}),
			mustNewElement(tag.KVP, []string{"120"}),
			mustNewElement(tag.StudyInstanceUID, []string{opts.StudyUID}),
			mustNewElement(tag.SeriesInstanceUID, []string{opts.SeriesUID}),
			mustNewElement(tag.SeriesNumber, []string{"3"}),
			mustNewElement(tag.InstanceNumber, []string{fmt.Sprintf("%d", i+1)}),
			mustNewElement(tag.ImagePositionPatient, []string{"-100.000000", "-120.000000", fmt.Sprintf("%.6f", z)}),
			mustNewElement(tag.ImageOrientationPatient, []string{"1", "0", "0", "0", "1", "0"}),
			mustNewElement(tag.FrameOfReferenceUID, []string{opts.StudyUID + ".9"}),
			mustNewElement(tag.SamplesPerPixel, []int{1}),
			mustNewElement(tag.PhotometricInterpretation, []string{"MONOCHROME2"}),
			mustNewElement(tag.Rows, []int{opts.Rows}),
			mustNewElement(tag.Columns, []int{opts.Cols}),
			mustNewElement(tag.PixelSpacing, []string{sp, sp}),
			mustNewElement(tag.BitsAllocated, []int{16}),
			mustNewElement(tag.BitsStored, []int{12}),
			mustNewElement(tag.HighBit, []int{11}),
			mustNewElement(tag.PixelRepresentation, []int{0}),
			mustNewElement(tag.WindowCenter, []string{"40"}),
			mustNewElement(tag.WindowWidth, []string{"400"}),
			mustNewElement(tag.RescaleIntercept, []string{fmt.Sprintf("%d", Intercept)}),
			mustNewElement(tag.RescaleSlope, []string{"1"}),
		}
		if opts.WindowExplanation {
			elements = append(elements, mustNewElement(tag.WindowCenterWidthExplanation, []string{"SOFT"}))
		}
		elements = append(elements, mustNewElement(tag.PixelData, dicom.PixelDataInfo{
			Frames: []*frame.Frame{{Encapsulated: false, NativeData: nativeFrame}},
		}))

		kept := elements[:0]
		for _, e := range elements {
			if !omit[e.Tag] {
				kept = append(kept, e)
			}
		}

		sort.Slice(kept, func(a, b int) bool {
			if kept[a].Tag.Group != kept[b].Tag.Group {
				return kept[a].Tag.Group < kept[b].Tag.Group
			}
			return kept[a].Tag.Element < kept[b].Tag.Element
		})

		if err := writeDataset(path, dicom.Dataset{Elements: kept}); err != nil {
			return nil, fmt.Errorf("write slice %d: %w", i, err)
		}
		out[i] = Slice{Path: path, SOPInstanceUID: sop, Z: z, Stored: stored}
	}
	return out, nil
}

// Paths returns the file paths of slices in order.
func Paths(slices []Slice) []string {
	paths := make([]string, len(slices))
	for i, s := range slices {
		paths[i] = s.Path
	}
	return paths
}

func writeDataset(path string, ds dicom.Dataset) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return dicom.Write(f, ds)
}

// ctPixels draws a body disc of soft tissue holding two air-filled lungs, with
// deterministic noise. Values are stored units (HU - Intercept), 12 bits.
func ctPixels(rows, cols int, seed uint64) []uint16 {
	rng := randv2.New(randv2.NewPCG(seed, seed))
	out := make([]uint16, rows*cols)
	cx, cy := float64(cols)/2, float64(rows)/2
	r := math.Min(cx, cy)

	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			hu := -1000.0
			if math.Hypot(dx, dy) < 0.9*r {
				hu = 40
				ly := dy / (0.6 * r)
				if lx := (math.Abs(dx) - 0.4*r) / (0.3 * r); lx*lx+ly*ly < 1 {
					hu = -850
				}
			}
			hu += (rng.Float64() - 0.5) * 40
			v := math.Max(0, math.Min(4095, hu-Intercept))
			out[y*cols+x] = uint16(v)
		}
	}
	return out
}

// LungMask returns 1 where the stored value is below -400 HU inside the body
// disc, a crude stand-in for a segmentation engine.
func LungMask(stored []uint16, rows, cols int) []uint8 {
	out := make([]uint8, len(stored))
	cx, cy := float64(cols)/2, float64(rows)/2
	r := math.Min(cx, cy)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			i := y*cols + x
			if math.Hypot(float64(x)-cx, float64(y)-cy) < 0.85*r && int(stored[i])+Intercept < -400 {
				out[i] = 1
			}
		}
	}
	return out
}
