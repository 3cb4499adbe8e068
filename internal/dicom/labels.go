package dicom

import (
	"fmt"
	"strconv"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/mrsinham/lungmask/internal/metadata"
	"github.com/mrsinham/lungmask/internal/uid"
	"github.com/mrsinham/lungmask/internal/volume"
)

const (
	explicitVRLittleEndian = "1.2.840.10008.1.2.1"
	// Multi-frame Grayscale Byte Secondary Capture Image Storage
	multiFrameByteSCStorage = "1.2.840.10008.5.1.4.1.1.7.2"
)

// WriteLabelVolume writes l as a single multi-frame secondary capture file.
// The label metadata becomes DICOM elements and overrides the generated ones;
// keys whose tags are not text-valued are skipped.
func WriteLabelVolume(path string, l *volume.LabelVolume, opts ...dicom.WriteOption) error {
	ds, err := labelDataset(l)
	if err != nil {
		return err
	}
	if err := writeDatasetToFile(path, ds, opts...); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func labelDataset(l *volume.LabelVolume) (dicom.Dataset, error) {
	if err := l.Dims.Validate(); err != nil {
		return dicom.Dataset{}, err
	}
	if len(l.Labels) != l.Dims.Len() {
		return dicom.Dataset{}, fmt.Errorf("%w: %d labels for %s", volume.ErrShapeMismatch, len(l.Labels), l.Dims)
	}

	sopUID := uid.New()
	studyUID := l.Metadata[metadata.KeyFromTag(tag.StudyInstanceUID)]
	if studyUID == "" {
		studyUID = uid.New()
	}

	f := l.Frame
	decimal := func(v float64) string { return strconv.FormatFloat(v, 'g', 10, 64) }
	orientation := []string{
		decimal(f.Direction[0]), decimal(f.Direction[3]), decimal(f.Direction[6]),
		decimal(f.Direction[1]), decimal(f.Direction[4]), decimal(f.Direction[7]),
	}

	elems := map[tag.Tag]*dicom.Element{}
	add := func(e *dicom.Element) { elems[e.Tag] = e }

	add(mustNewElement(tag.MediaStorageSOPClassUID, []string{multiFrameByteSCStorage}))
	add(mustNewElement(tag.MediaStorageSOPInstanceUID, []string{sopUID}))
	add(mustNewElement(tag.TransferSyntaxUID, []string{explicitVRLittleEndian}))
	add(mustNewElement(tag.SOPClassUID, []string{multiFrameByteSCStorage}))
	add(mustNewElement(tag.SOPInstanceUID, []string{sopUID}))
	add(mustNewElement(tag.StudyInstanceUID, []string{studyUID}))
	add(mustNewElement(tag.SeriesInstanceUID, []string{uid.New()}))
	add(mustNewElement(tag.Modality, []string{"OT"}))
	add(mustNewElement(tag.ConversionType, []string{"WSD"}))
	add(mustNewElement(tag.SeriesNumber, []string{"1"}))
	add(mustNewElement(tag.InstanceNumber, []string{"1"}))
	add(mustNewElement(tag.ImagePositionPatient, []string{decimal(f.Origin[0]), decimal(f.Origin[1]), decimal(f.Origin[2])}))
	add(mustNewElement(tag.ImageOrientationPatient, orientation))
	add(mustNewElement(tag.PixelSpacing, []string{decimal(f.Spacing[1]), decimal(f.Spacing[0])}))
	add(mustNewElement(tag.SliceThickness, []string{decimal(f.Spacing[2])}))
	add(mustNewElement(tag.SpacingBetweenSlices, []string{decimal(f.Spacing[2])}))
	add(mustNewElement(tag.NumberOfFrames, []string{strconv.Itoa(l.Dims.Slices)}))
	add(mustNewElement(tag.SamplesPerPixel, []int{1}))
	add(mustNewElement(tag.PhotometricInterpretation, []string{"MONOCHROME2"}))
	add(mustNewElement(tag.Rows, []int{l.Dims.Rows}))
	add(mustNewElement(tag.Columns, []int{l.Dims.Cols}))
	add(mustNewElement(tag.BitsAllocated, []int{8}))
	add(mustNewElement(tag.BitsStored, []int{8}))
	add(mustNewElement(tag.HighBit, []int{7}))
	add(mustNewElement(tag.PixelRepresentation, []int{0}))

	for _, k := range l.Metadata.SortedKeys() {
		t := k.Tag()
		if t.Group == 0x0002 || !isStringVR(t) {
			continue
		}
		if t == tag.SOPInstanceUID || t == tag.SeriesInstanceUID || t == tag.SOPClassUID {
			continue
		}
		elem, err := dicom.NewElement(t, []string{l.Metadata[k]})
		if err != nil {
			return dicom.Dataset{}, fmt.Errorf("metadata %s: %w", k, err)
		}
		add(elem)
	}

	n := l.Dims.SliceLen()
	frames := make([]*frame.Frame, l.Dims.Slices)
	for z := range frames {
		nf := frame.NewNativeFrame[uint8](8, l.Dims.Rows, l.Dims.Cols, n, 1)
		copy(nf.RawData, l.Slice(z))
		frames[z] = &frame.Frame{Encapsulated: false, NativeData: nf}
	}
	add(mustNewElement(tag.PixelData, dicom.PixelDataInfo{Frames: frames}))

	ds := dicom.Dataset{Elements: make([]*dicom.Element, 0, len(elems))}
	for _, e := range elems {
		ds.Elements = append(ds.Elements, e)
	}
	sortElements(ds.Elements)
	return ds, nil
}
