package dicom

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
	"golang.org/x/exp/constraints"

	"github.com/mrsinham/lungmask/internal/metadata"
	"github.com/mrsinham/lungmask/internal/volume"
)

// ErrNoSliceFiles is returned when a directory holds no readable DICOM image.
var ErrNoSliceFiles = errors.New("no DICOM slice files found")

// LoadOptions controls series loading.
type LoadOptions struct {
	Workers          int  // Number of parallel parsers (0 = auto-detect based on CPU cores)
	ReadMetadata     bool // Collect the first slice's attributes into the volume metadata
	ProgressCallback func(current, total int)
	Logger           *slog.Logger
}

// Series is a loaded DICOM series.
type Series struct {
	Volume    *volume.Volume
	Files     []string // per-slice files in volume order; nil for a multi-frame file
	SeriesUID string
}

type sliceData struct {
	path        string
	seriesUID   string
	instance    int
	position    [3]float64
	hasPosition bool
	orientation [6]float64
	spacing     [2]float64 // between rows, between columns
	thickness   float64
	rows, cols  int
	hu          []float32
	meta        metadata.Metadata
}

// LoadSeries reads every DICOM file under dir, keeps the series with the most
// slices and stacks it along the slice normal.
func LoadSeries(ctx context.Context, dir string, opts LoadOptions) (*Series, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	paths, err := listSliceFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoSliceFiles, dir)
	}

	numWorkers := opts.Workers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > len(paths) {
		numWorkers = len(paths)
	}

	type parseResult struct {
		slice *sliceData
		path  string
		err   error
	}
	taskChan := make(chan string, len(paths))
	resultChan := make(chan parseResult, len(paths))

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range taskChan {
				if err := ctx.Err(); err != nil {
					resultChan <- parseResult{path: p, err: err}
					continue
				}
				s, err := readSlice(p, opts.ReadMetadata)
				resultChan <- parseResult{slice: s, path: p, err: err}
			}
		}()
	}

	for _, p := range paths {
		taskChan <- p
	}
	close(taskChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	var slices []*sliceData
	completed, skipped := 0, 0
	for result := range resultChan {
		completed++
		if opts.ProgressCallback != nil {
			opts.ProgressCallback(completed, len(paths))
		}
		if result.err != nil {
			if errors.Is(result.err, context.Canceled) || errors.Is(result.err, context.DeadlineExceeded) {
				continue
			}
			skipped++
			logger.Debug("skipping file", "path", result.path, "error", result.err)
			continue
		}
		slices = append(slices, result.slice)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if skipped > 0 {
		logger.Warn("skipped unreadable files", "count", skipped, "dir", dir)
	}
	if len(slices) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoSliceFiles, dir)
	}

	series := largestSeries(slices)
	if n := len(slices) - len(series); n > 0 {
		logger.Info("directory holds several series, using the largest",
			"series", series[0].seriesUID, "slices", len(series), "ignored", n)
	}
	return stackSlices(series, opts.ReadMetadata)
}

func listSliceFiles(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if p != dir && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || strings.EqualFold(name, "DICOMDIR") || !d.Type().IsRegular() {
			return nil
		}
		paths = append(paths, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}

func readSlice(path string, readMetadata bool) (*sliceData, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	s := &sliceData{path: path}
	if s.rows, err = intValue(&ds, tag.Rows); err != nil {
		return nil, err
	}
	if s.cols, err = intValue(&ds, tag.Columns); err != nil {
		return nil, err
	}
	s.seriesUID, _ = stringValue(&ds, tag.SeriesInstanceUID)
	s.instance, _ = intValue(&ds, tag.InstanceNumber)

	if pos, err := floatValues(&ds, tag.ImagePositionPatient); err == nil && len(pos) == 3 {
		copy(s.position[:], pos)
		s.hasPosition = true
	}
	s.orientation = [6]float64{1, 0, 0, 0, 1, 0}
	if iop, err := floatValues(&ds, tag.ImageOrientationPatient); err == nil && len(iop) == 6 {
		copy(s.orientation[:], iop)
	}
	s.spacing = [2]float64{1, 1}
	if ps, err := floatValues(&ds, tag.PixelSpacing); err == nil && len(ps) == 2 {
		copy(s.spacing[:], ps)
	}
	if th, err := floatValues(&ds, tag.SliceThickness); err == nil && len(th) > 0 {
		s.thickness = th[0]
	}

	frames, err := nativeFrames(&ds)
	if err != nil {
		return nil, err
	}
	if len(frames) != 1 {
		return nil, fmt.Errorf("%s: expected 1 frame, got %d", path, len(frames))
	}
	if s.hu, err = frameToHU(&ds, frames[0]); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(s.hu) != s.rows*s.cols {
		return nil, fmt.Errorf("%s: %w: %d samples for %dx%d", path, volume.ErrShapeMismatch, len(s.hu), s.cols, s.rows)
	}

	if readMetadata {
		s.meta = datasetMetadata(&ds)
	}
	return s, nil
}

func nativeFrames(ds *dicom.Dataset) ([]frame.INativeFrame, error) {
	elem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("find pixel data: %w", err)
	}
	info, ok := elem.Value.GetValue().(dicom.PixelDataInfo)
	if !ok {
		return nil, fmt.Errorf("unexpected pixel data value %T", elem.Value.GetValue())
	}
	if info.IsEncapsulated {
		return nil, ErrEncapsulatedPixelData
	}
	out := make([]frame.INativeFrame, 0, len(info.Frames))
	for _, fr := range info.Frames {
		if fr.Encapsulated || fr.NativeData == nil {
			return nil, ErrEncapsulatedPixelData
		}
		out = append(out, fr.NativeData)
	}
	return out, nil
}

// frameToHU applies the modality rescale to stored samples. Signed stored
// values (PixelRepresentation 1) are reinterpreted from the unsigned words
// the parser returns.
func frameToHU(ds *dicom.Dataset, nf frame.INativeFrame) ([]float32, error) {
	if nf.SamplesPerPixel() > 1 {
		return nil, fmt.Errorf("expected grayscale, got %d samples per pixel", nf.SamplesPerPixel())
	}
	slope, inter := 1.0, 0.0
	if v, err := floatValues(ds, tag.RescaleSlope); err == nil && len(v) > 0 && v[0] != 0 {
		slope = v[0]
	}
	if v, err := floatValues(ds, tag.RescaleIntercept); err == nil && len(v) > 0 {
		inter = v[0]
	}
	pr, _ := intValue(ds, tag.PixelRepresentation)
	signed := pr == 1

	switch raw := nf.RawDataSlice().(type) {
	case []uint8:
		if signed {
			return rescale(raw, func(v uint8) float64 { return float64(int8(v)) }, slope, inter), nil
		}
		return rescale(raw, func(v uint8) float64 { return float64(v) }, slope, inter), nil
	case []uint16:
		if signed {
			return rescale(raw, func(v uint16) float64 { return float64(int16(v)) }, slope, inter), nil
		}
		return rescale(raw, func(v uint16) float64 { return float64(v) }, slope, inter), nil
	case []uint32:
		if signed {
			return rescale(raw, func(v uint32) float64 { return float64(int32(v)) }, slope, inter), nil
		}
		return rescale(raw, func(v uint32) float64 { return float64(v) }, slope, inter), nil
	case []int8:
		return rescale(raw, func(v int8) float64 { return float64(v) }, slope, inter), nil
	case []int16:
		return rescale(raw, func(v int16) float64 { return float64(v) }, slope, inter), nil
	case []int32:
		return rescale(raw, func(v int32) float64 { return float64(v) }, slope, inter), nil
	default:
		return nil, fmt.Errorf("unsupported sample type %T", raw)
	}
}

func rescale[I constraints.Integer](raw []I, value func(I) float64, slope, inter float64) []float32 {
	out := make([]float32, len(raw))
	for i, v := range raw {
		out[i] = float32(value(v)*slope + inter)
	}
	return out
}

// largestSeries groups slices by SeriesInstanceUID and returns the biggest
// group. Ties go to the lowest UID.
func largestSeries(slices []*sliceData) []*sliceData {
	groups := make(map[string][]*sliceData)
	for _, s := range slices {
		groups[s.seriesUID] = append(groups[s.seriesUID], s)
	}
	var best string
	first := true
	for id, g := range groups {
		if first || len(g) > len(groups[best]) || (len(g) == len(groups[best]) && id < best) {
			best, first = id, false
		}
	}
	return groups[best]
}

func sliceNormal(o [6]float64) [3]float64 {
	return [3]float64{
		o[1]*o[5] - o[2]*o[4],
		o[2]*o[3] - o[0]*o[5],
		o[0]*o[4] - o[1]*o[3],
	}
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

// stackSlices orders slices along the normal of the first slice's orientation
// (InstanceNumber when positions are missing) and builds the volume.
func stackSlices(slices []*sliceData, keepMetadata bool) (*Series, error) {
	ref := slices[0]
	for _, s := range slices[1:] {
		if s.rows != ref.rows || s.cols != ref.cols {
			return nil, fmt.Errorf("%w: %s is %dx%d, %s is %dx%d", volume.ErrShapeMismatch,
				s.path, s.cols, s.rows, ref.path, ref.cols, ref.rows)
		}
	}

	normal := sliceNormal(ref.orientation)
	byPosition := true
	for _, s := range slices {
		if !s.hasPosition {
			byPosition = false
			break
		}
	}
	sort.SliceStable(slices, func(i, j int) bool {
		if byPosition {
			di, dj := dot(slices[i].position, normal), dot(slices[j].position, normal)
			if di != dj {
				return di < dj
			}
		}
		if slices[i].instance != slices[j].instance {
			return slices[i].instance < slices[j].instance
		}
		return slices[i].path < slices[j].path
	})

	first := slices[0]
	dz := first.thickness
	if byPosition && len(slices) > 1 {
		if d := math.Abs(dot(slices[1].position, normal) - dot(first.position, normal)); d > 0 {
			dz = d
		}
	}
	if dz <= 0 {
		dz = 1
	}

	o := first.orientation
	fr := volume.Frame{
		Origin:  first.position,
		Spacing: [3]float64{first.spacing[1], first.spacing[0], dz},
		Direction: [9]float64{
			o[0], o[3], normal[0],
			o[1], o[4], normal[1],
			o[2], o[5], normal[2],
		},
	}
	dims := volume.Dims{Cols: first.cols, Rows: first.rows, Slices: len(slices)}
	v := volume.NewVolume(dims, fr)

	files := make([]string, len(slices))
	for z, s := range slices {
		copy(v.Slice(z), s.hu)
		files[z] = s.path
	}
	if keepMetadata && first.meta != nil {
		v.Metadata = first.meta
	}

	return &Series{Volume: v, Files: files, SeriesUID: first.seriesUID}, nil
}

// LoadFile reads a single DICOM file. A single-frame file yields a one-slice
// series that can be reconstructed; a multi-frame file yields a volume only.
func LoadFile(path string, readMetadata bool) (*Series, error) {
	s, err := readSlice(path, readMetadata)
	if err == nil {
		return stackSlices([]*sliceData{s}, readMetadata)
	}

	ds, perr := dicom.ParseFile(path, nil)
	if perr != nil {
		return nil, fmt.Errorf("parse %s: %w", path, perr)
	}
	frames, ferr := nativeFrames(&ds)
	if ferr != nil || len(frames) < 2 {
		return nil, err
	}
	return multiFrameVolume(path, &ds, frames, readMetadata)
}

func multiFrameVolume(path string, ds *dicom.Dataset, frames []frame.INativeFrame, readMetadata bool) (*Series, error) {
	rows, cols := frames[0].Rows(), frames[0].Cols()
	dims := volume.Dims{Cols: cols, Rows: rows, Slices: len(frames)}
	if err := dims.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	fr := volume.IdentityFrame()
	if pos, err := floatValues(ds, tag.ImagePositionPatient); err == nil && len(pos) == 3 {
		copy(fr.Origin[:], pos)
	}
	o := [6]float64{1, 0, 0, 0, 1, 0}
	if iop, err := floatValues(ds, tag.ImageOrientationPatient); err == nil && len(iop) == 6 {
		copy(o[:], iop)
	}
	n := sliceNormal(o)
	fr.Direction = [9]float64{o[0], o[3], n[0], o[1], o[4], n[1], o[2], o[5], n[2]}
	if ps, err := floatValues(ds, tag.PixelSpacing); err == nil && len(ps) == 2 {
		fr.Spacing[0], fr.Spacing[1] = ps[1], ps[0]
	}
	for _, t := range []tag.Tag{tag.SpacingBetweenSlices, tag.SliceThickness} {
		if v, err := floatValues(ds, t); err == nil && len(v) > 0 && v[0] > 0 {
			fr.Spacing[2] = v[0]
			break
		}
	}

	v := volume.NewVolume(dims, fr)
	for z, nf := range frames {
		if nf.Rows() != rows || nf.Cols() != cols {
			return nil, fmt.Errorf("%s: %w: frame %d is %dx%d", path, volume.ErrShapeMismatch, z, nf.Cols(), nf.Rows())
		}
		hu, err := frameToHU(ds, nf)
		if err != nil {
			return nil, fmt.Errorf("%s: frame %d: %w", path, z, err)
		}
		copy(v.Slice(z), hu)
	}
	if readMetadata {
		v.Metadata = datasetMetadata(ds)
	}
	uidValue, _ := stringValue(ds, tag.SeriesInstanceUID)
	return &Series{Volume: v, SeriesUID: uidValue}, nil
}
