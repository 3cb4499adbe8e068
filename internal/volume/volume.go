// Package volume holds in-memory 3-D images and their on-disk codecs.
package volume

import (
	"errors"
	"fmt"

	"github.com/mrsinham/lungmask/internal/metadata"
)

// ErrShapeMismatch is returned when two volumes that must align do not.
var ErrShapeMismatch = errors.New("shape mismatch")

// Dims is the voxel grid size. Slices is the slowest axis.
type Dims struct {
	Cols   int
	Rows   int
	Slices int
}

// Len returns the number of voxels.
func (d Dims) Len() int {
	return d.Cols * d.Rows * d.Slices
}

// SliceLen returns the number of voxels in one slice.
func (d Dims) SliceLen() int {
	return d.Cols * d.Rows
}

func (d Dims) String() string {
	return fmt.Sprintf("%dx%dx%d", d.Cols, d.Rows, d.Slices)
}

// Validate rejects empty grids.
func (d Dims) Validate() error {
	if d.Cols <= 0 || d.Rows <= 0 || d.Slices <= 0 {
		return fmt.Errorf("invalid dimensions %s", d)
	}
	return nil
}

// Frame places the voxel grid in LPS patient space. Direction is row-major with
// the x, y and z axis unit vectors as its columns.
type Frame struct {
	Origin    [3]float64
	Spacing   [3]float64
	Direction [9]float64
}

// IdentityFrame has unit spacing, zero origin and identity direction.
func IdentityFrame() Frame {
	return Frame{
		Spacing:   [3]float64{1, 1, 1},
		Direction: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
	}
}

// VoxelVolume returns the volume of one voxel in mm³.
func (f Frame) VoxelVolume() float64 {
	return f.Spacing[0] * f.Spacing[1] * f.Spacing[2]
}

// Volume is an intensity image, in Hounsfield units for CT.
type Volume struct {
	Dims     Dims
	Frame    Frame
	Voxels   []float32
	Metadata metadata.Metadata
}

// NewVolume allocates a zeroed Volume.
func NewVolume(d Dims, f Frame) *Volume {
	return &Volume{Dims: d, Frame: f, Voxels: make([]float32, d.Len()), Metadata: metadata.Metadata{}}
}

// Slice returns the voxels of slice z, sharing storage with v.
func (v *Volume) Slice(z int) []float32 {
	n := v.Dims.SliceLen()
	return v.Voxels[z*n : (z+1)*n]
}

// LabelVolume is a segmentation: 0 is background, positive values are labels.
type LabelVolume struct {
	Dims     Dims
	Frame    Frame
	Labels   []uint8
	Metadata metadata.Metadata
}

// NewLabelVolume allocates an all-background LabelVolume.
func NewLabelVolume(d Dims, f Frame) *LabelVolume {
	return &LabelVolume{Dims: d, Frame: f, Labels: make([]uint8, d.Len()), Metadata: metadata.Metadata{}}
}

// Slice returns the labels of slice z, sharing storage with l.
func (l *LabelVolume) Slice(z int) []uint8 {
	n := l.Dims.SliceLen()
	return l.Labels[z*n : (z+1)*n]
}

// CheckAligned returns ErrShapeMismatch unless mask and v have the same grid.
func CheckAligned(mask *LabelVolume, v *Volume) error {
	if mask.Dims != v.Dims {
		return fmt.Errorf("%w: mask is %s, volume is %s", ErrShapeMismatch, mask.Dims, v.Dims)
	}
	if len(mask.Labels) != mask.Dims.Len() || len(v.Voxels) != v.Dims.Len() {
		return fmt.Errorf("%w: voxel buffers do not match their dimensions", ErrShapeMismatch)
	}
	return nil
}
