package volume

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/mrsinham/lungmask/internal/metadata"
)

// NIfTI-1 datatype codes.
const (
	niftiUint8   int16 = 2
	niftiInt16   int16 = 4
	niftiInt32   int16 = 8
	niftiFloat32 int16 = 16
	niftiFloat64 int16 = 64
	niftiInt8    int16 = 256
	niftiUint16  int16 = 512
	niftiUint32  int16 = 768
)

const (
	niftiHeaderSize = 348
	niftiVoxOffset  = 352
	niftiUnitsMM    = 2
)

// niftiHeader is the 348-byte NIfTI-1 header, field for field.
type niftiHeader struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	GLMax         int32
	GLMin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// rasToLPS flips the first two axes between NIfTI (RAS) and DICOM (LPS) space.
var rasToLPS = [3]float64{-1, -1, 1}

func isGzipPath(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gz")
}

// ReadNIfTIVolume reads a .nii or .nii.gz file as an intensity volume.
func ReadNIfTIVolume(path string) (*Volume, error) {
	h, order, data, err := readNIfTI(path)
	if err != nil {
		return nil, err
	}
	dims, frame, err := h.grid()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	v := NewVolume(dims, frame)
	slope, inter := h.scaling()
	err = decodeSamples(data, h.Datatype, order, dims.Len(), func(i int, s float64) {
		v.Voxels[i] = float32(s*slope + inter)
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if d := cString(h.Descrip[:]); d != "" {
		v.Metadata[metadata.SeriesDescriptionKey] = d
	}
	return v, nil
}

// ReadNIfTILabels reads a .nii or .nii.gz file as a label volume. Every voxel
// must hold an integer in 0..255.
func ReadNIfTILabels(path string) (*LabelVolume, error) {
	h, order, data, err := readNIfTI(path)
	if err != nil {
		return nil, err
	}
	dims, frame, err := h.grid()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	l := NewLabelVolume(dims, frame)
	slope, inter := h.scaling()
	bad := -1
	err = decodeSamples(data, h.Datatype, order, dims.Len(), func(i int, s float64) {
		val := s*slope + inter
		if val < 0 || val > 255 || val != math.Trunc(val) {
			if bad < 0 {
				bad = i
			}
			return
		}
		l.Labels[i] = uint8(val)
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if bad >= 0 {
		return nil, fmt.Errorf("read %s: voxel %d is not a label in 0..255", path, bad)
	}
	return l, nil
}

func readNIfTI(path string) (niftiHeader, binary.ByteOrder, []byte, error) {
	var h niftiHeader
	f, err := os.Open(path)
	if err != nil {
		return h, nil, nil, err
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = bufio.NewReader(f)
	if isGzipPath(path) {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return h, nil, nil, fmt.Errorf("open gzip stream %s: %w", path, err)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	raw := make([]byte, niftiHeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return h, nil, nil, fmt.Errorf("read NIfTI header %s: %w", path, err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if order.Uint32(raw[:4]) != niftiHeaderSize {
		order = binary.BigEndian
		if order.Uint32(raw[:4]) != niftiHeaderSize {
			return h, nil, nil, fmt.Errorf("%s is not a NIfTI-1 file", path)
		}
	}
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return h, nil, nil, fmt.Errorf("decode NIfTI header %s: %w", path, err)
	}
	if m := string(h.Magic[:3]); m != "n+1" {
		return h, nil, nil, fmt.Errorf("%s: unsupported NIfTI magic %q (only single-file .nii is supported)", path, m)
	}

	skip := int64(h.VoxOffset) - niftiHeaderSize
	if skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return h, nil, nil, fmt.Errorf("skip NIfTI extensions %s: %w", path, err)
		}
	}

	size, err := sampleSize(h.Datatype)
	if err != nil {
		return h, nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	dims, _, err := h.grid()
	if err != nil {
		return h, nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	data := make([]byte, dims.Len()*size)
	if _, err := io.ReadFull(r, data); err != nil {
		return h, nil, nil, fmt.Errorf("read NIfTI voxels %s: %w", path, err)
	}
	return h, order, data, nil
}

func (h niftiHeader) scaling() (slope, inter float64) {
	slope, inter = float64(h.SclSlope), float64(h.SclInter)
	if slope == 0 || math.IsNaN(slope) {
		return 1, 0
	}
	if math.IsNaN(inter) {
		inter = 0
	}
	return slope, inter
}

func (h niftiHeader) grid() (Dims, Frame, error) {
	nd := int(h.Dim[0])
	if nd < 3 || nd > 7 {
		return Dims{}, Frame{}, fmt.Errorf("unsupported NIfTI dimensionality %d", nd)
	}
	for i := 4; i <= nd; i++ {
		if h.Dim[i] > 1 {
			return Dims{}, Frame{}, fmt.Errorf("NIfTI dimension %d has size %d, only 3-D images are supported", i, h.Dim[i])
		}
	}
	dims := Dims{Cols: int(h.Dim[1]), Rows: int(h.Dim[2]), Slices: int(h.Dim[3])}
	if err := dims.Validate(); err != nil {
		return Dims{}, Frame{}, err
	}

	frame := IdentityFrame()
	for i := 0; i < 3; i++ {
		if s := float64(h.Pixdim[i+1]); s > 0 {
			frame.Spacing[i] = s
		}
	}

	switch {
	case h.SformCode > 0:
		rows := [3][4]float32{h.SrowX, h.SrowY, h.SrowZ}
		for j := 0; j < 3; j++ {
			norm := 0.0
			for i := 0; i < 3; i++ {
				norm += float64(rows[i][j]) * float64(rows[i][j])
			}
			norm = math.Sqrt(norm)
			if norm == 0 {
				return Dims{}, Frame{}, fmt.Errorf("degenerate sform column %d", j)
			}
			frame.Spacing[j] = norm
			for i := 0; i < 3; i++ {
				frame.Direction[i*3+j] = rasToLPS[i] * float64(rows[i][j]) / norm
			}
		}
		for i := 0; i < 3; i++ {
			frame.Origin[i] = rasToLPS[i] * float64(rows[i][3])
		}
	case h.QformCode > 0:
		b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
		a := math.Sqrt(math.Max(0, 1-(b*b+c*c+d*d)))
		r := [9]float64{
			a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c),
			2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b),
			2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b,
		}
		qfac := 1.0
		if h.Pixdim[0] < 0 {
			qfac = -1
		}
		for i := 0; i < 3; i++ {
			r[i*3+2] *= qfac
			for j := 0; j < 3; j++ {
				frame.Direction[i*3+j] = rasToLPS[i] * r[i*3+j]
			}
		}
		offsets := [3]float32{h.QoffsetX, h.QoffsetY, h.QoffsetZ}
		for i := 0; i < 3; i++ {
			frame.Origin[i] = rasToLPS[i] * float64(offsets[i])
		}
	}
	return dims, frame, nil
}

func sampleSize(datatype int16) (int, error) {
	switch datatype {
	case niftiUint8, niftiInt8:
		return 1, nil
	case niftiInt16, niftiUint16:
		return 2, nil
	case niftiInt32, niftiUint32, niftiFloat32:
		return 4, nil
	case niftiFloat64:
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported NIfTI datatype %d", datatype)
	}
}

func decodeSamples(data []byte, datatype int16, order binary.ByteOrder, n int, fn func(i int, v float64)) error {
	size, err := sampleSize(datatype)
	if err != nil {
		return err
	}
	if len(data) < n*size {
		return fmt.Errorf("short voxel buffer: %d bytes for %d samples", len(data), n)
	}
	for i := 0; i < n; i++ {
		b := data[i*size:]
		var v float64
		switch datatype {
		case niftiUint8:
			v = float64(b[0])
		case niftiInt8:
			v = float64(int8(b[0]))
		case niftiInt16:
			v = float64(int16(order.Uint16(b)))
		case niftiUint16:
			v = float64(order.Uint16(b))
		case niftiInt32:
			v = float64(int32(order.Uint32(b)))
		case niftiUint32:
			v = float64(order.Uint32(b))
		case niftiFloat32:
			v = float64(math.Float32frombits(order.Uint32(b)))
		case niftiFloat64:
			v = math.Float64frombits(order.Uint64(b))
		}
		fn(i, v)
	}
	return nil
}

// WriteNIfTIVolume writes v as float32 NIfTI-1. A .gz suffix selects gzip.
func WriteNIfTIVolume(path string, v *Volume) error {
	if len(v.Voxels) != v.Dims.Len() {
		return fmt.Errorf("%w: %d voxels for %s", ErrShapeMismatch, len(v.Voxels), v.Dims)
	}
	data := make([]byte, 4*len(v.Voxels))
	for i, s := range v.Voxels {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(s))
	}
	return writeNIfTI(path, v.Dims, v.Frame, niftiFloat32, 32, data, v.Metadata[metadata.SeriesDescriptionKey])
}

// WriteNIfTILabels writes l as uint8 NIfTI-1. A .gz suffix selects gzip.
func WriteNIfTILabels(path string, l *LabelVolume) error {
	if len(l.Labels) != l.Dims.Len() {
		return fmt.Errorf("%w: %d labels for %s", ErrShapeMismatch, len(l.Labels), l.Dims)
	}
	return writeNIfTI(path, l.Dims, l.Frame, niftiUint8, 8, l.Labels, l.Metadata[metadata.SeriesDescriptionKey])
}

func writeNIfTI(path string, dims Dims, frame Frame, datatype, bitpix int16, data []byte, descrip string) (err error) {
	h := niftiHeader{
		SizeofHdr: niftiHeaderSize,
		Regular:   'r',
		Datatype:  datatype,
		Bitpix:    bitpix,
		VoxOffset: niftiVoxOffset,
		SclSlope:  1,
		XYZTUnits: niftiUnitsMM,
		SformCode: 1,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim = [8]int16{3, int16(dims.Cols), int16(dims.Rows), int16(dims.Slices), 1, 1, 1, 1}
	h.Pixdim = [8]float32{1, float32(frame.Spacing[0]), float32(frame.Spacing[1]), float32(frame.Spacing[2]), 1, 1, 1, 1}
	copy(h.Descrip[:79], descrip)

	rows := [3]*[4]float32{&h.SrowX, &h.SrowY, &h.SrowZ}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rows[i][j] = float32(rasToLPS[i] * frame.Direction[i*3+j] * frame.Spacing[j])
		}
		rows[i][3] = float32(rasToLPS[i] * frame.Origin[i])
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var gz *gzip.Writer
	if isGzipPath(path) {
		gz = gzip.NewWriter(bw)
		w = gz
	}

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("write NIfTI header: %w", err)
	}
	if _, err := w.Write(make([]byte, niftiVoxOffset-niftiHeaderSize)); err != nil {
		return fmt.Errorf("write NIfTI extension flag: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write NIfTI voxels: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("finish gzip stream: %w", err)
		}
	}
	return bw.Flush()
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}
