package dicom

import (
	"fmt"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
	"golang.org/x/exp/constraints"

	"github.com/mrsinham/lungmask/internal/volume"
)

// SelectMasked copies src into dst where the covering label is non-zero and
// writes zero elsewhere. Each label covers spp consecutive samples.
func SelectMasked[I constraints.Integer](dst, src []I, labels []uint8, spp int) {
	for i := range src {
		if labels[i/spp] > 0 {
			dst[i] = src[i]
		} else {
			dst[i] = 0
		}
	}
}

// maskPixelData returns the single native frame of ds with every sample outside
// labels zeroed. The stored representation (bit depth, signedness) is kept.
func maskPixelData(ds *dicom.Dataset, labels []uint8) (dicom.PixelDataInfo, error) {
	elem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return dicom.PixelDataInfo{}, fmt.Errorf("find pixel data: %w", err)
	}
	info, ok := elem.Value.GetValue().(dicom.PixelDataInfo)
	if !ok {
		return dicom.PixelDataInfo{}, fmt.Errorf("unexpected pixel data value %T", elem.Value.GetValue())
	}
	if info.IsEncapsulated {
		return dicom.PixelDataInfo{}, ErrEncapsulatedPixelData
	}
	if len(info.Frames) != 1 {
		return dicom.PixelDataInfo{}, fmt.Errorf("expected 1 frame, got %d", len(info.Frames))
	}
	fr := info.Frames[0]
	if fr.Encapsulated || fr.NativeData == nil {
		return dicom.PixelDataInfo{}, ErrEncapsulatedPixelData
	}

	masked, err := maskNativeFrame(fr.NativeData, labels)
	if err != nil {
		return dicom.PixelDataInfo{}, err
	}
	return dicom.PixelDataInfo{
		Frames: []*frame.Frame{{Encapsulated: false, NativeData: masked}},
	}, nil
}

func maskNativeFrame(nf frame.INativeFrame, labels []uint8) (frame.INativeFrame, error) {
	if nf.Rows()*nf.Cols() != len(labels) {
		return nil, fmt.Errorf("%w: frame is %dx%d, mask slice has %d pixels",
			volume.ErrShapeMismatch, nf.Cols(), nf.Rows(), len(labels))
	}
	switch raw := nf.RawDataSlice().(type) {
	case []uint8:
		return maskedFrame(nf, raw, labels)
	case []uint16:
		return maskedFrame(nf, raw, labels)
	case []uint32:
		return maskedFrame(nf, raw, labels)
	case []int8:
		return maskedFrame(nf, raw, labels)
	case []int16:
		return maskedFrame(nf, raw, labels)
	case []int32:
		return maskedFrame(nf, raw, labels)
	default:
		return nil, fmt.Errorf("unsupported sample type %T", raw)
	}
}

func maskedFrame[I constraints.Integer](nf frame.INativeFrame, src []I, labels []uint8) (frame.INativeFrame, error) {
	spp := max(nf.SamplesPerPixel(), 1)
	if len(src) != len(labels)*spp {
		return nil, fmt.Errorf("%w: %d samples for %d pixels at %d samples per pixel",
			volume.ErrShapeMismatch, len(src), len(labels), spp)
	}
	out := frame.NewNativeFrame[I](nf.BitsPerSample(), nf.Rows(), nf.Cols(), len(labels), spp)
	SelectMasked(out.RawData, src, labels, spp)
	return out, nil
}
