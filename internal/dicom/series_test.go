package dicom

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/mrsinham/lungmask/internal/dicom/dicomtest"
	"github.com/mrsinham/lungmask/internal/uid"
	"github.com/mrsinham/lungmask/internal/volume"
)

func writeFixture(t *testing.T, opts dicomtest.SeriesOptions) []dicomtest.Slice {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = filepath.Join(t.TempDir(), "in")
	}
	slices, err := dicomtest.WriteCTSeries(opts)
	if err != nil {
		t.Fatalf("WriteCTSeries failed: %v", err)
	}
	return slices
}

// fixtureMask builds a mask from the fixture's stored values, slice by slice.
func fixtureMask(slices []dicomtest.Slice, rows, cols int) *volume.LabelVolume {
	mask := volume.NewLabelVolume(volume.Dims{Cols: cols, Rows: rows, Slices: len(slices)}, volume.IdentityFrame())
	for z, s := range slices {
		copy(mask.Slice(z), dicomtest.LungMask(s.Stored, rows, cols))
	}
	return mask
}

func parse(t *testing.T, path string) dicom.Dataset {
	t.Helper()
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		t.Fatalf("ParseFile(%s) failed: %v", path, err)
	}
	return ds
}

func mustString(t *testing.T, ds dicom.Dataset, tg tag.Tag) string {
	t.Helper()
	v, err := stringValue(&ds, tg)
	if err != nil {
		t.Fatalf("read %v: %v", tg, err)
	}
	return v
}

func storedSamples(t *testing.T, ds dicom.Dataset) []uint16 {
	t.Helper()
	frames, err := nativeFrames(&ds)
	if err != nil {
		t.Fatalf("nativeFrames failed: %v", err)
	}
	raw, ok := frames[0].RawDataSlice().([]uint16)
	if !ok {
		t.Fatalf("pixel data is %T, want []uint16", frames[0].RawDataSlice())
	}
	return raw
}

func TestReconstruct_WritesMaskedSeries(t *testing.T) {
	const rows, cols = 16, 16
	sourceUID := "1.2.826.0.1.3680043.8.498.77"
	slices := writeFixture(t, dicomtest.SeriesOptions{Slices: 3, Rows: rows, Cols: cols, Seed: 7, SeriesUID: sourceUID})
	mask := fixtureMask(slices, rows, cols)

	outDir := t.TempDir()
	r := &Reconstructor{OutputDir: outDir, Quiet: true}
	result, err := r.Reconstruct(context.Background(), mask, dicomtest.Paths(slices))
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 files, got %d", len(entries))
	}

	if result.Identity.SourceUID != sourceUID {
		t.Errorf("SourceUID = %q, want %q", result.Identity.SourceUID, sourceUID)
	}
	wantRoot, _ := uid.OrgRoot(sourceUID)
	gotRoot, err := uid.OrgRoot(result.Identity.UID)
	if err != nil || gotRoot != wantRoot {
		t.Errorf("new series root = %q (%v), want %q", gotRoot, err, wantRoot)
	}

	sops := map[string]bool{}
	for i, f := range result.Files {
		if f.Path != filepath.Join(outDir, SliceFileName(i, 3)) {
			t.Errorf("file %d path = %s", i, f.Path)
		}
		ds := parse(t, f.Path)

		if got := mustString(t, ds, tag.SeriesInstanceUID); got != result.Identity.UID {
			t.Errorf("file %d SeriesInstanceUID = %q, want %q", i, got, result.Identity.UID)
		}
		sop := mustString(t, ds, tag.SOPInstanceUID)
		if sop == slices[i].SOPInstanceUID {
			t.Errorf("file %d kept its SOPInstanceUID", i)
		}
		if sops[sop] {
			t.Errorf("file %d reuses SOPInstanceUID %s", i, sop)
		}
		sops[sop] = true
		if got := mustString(t, ds, tag.MediaStorageSOPInstanceUID); got != sop {
			t.Errorf("file %d MediaStorageSOPInstanceUID = %q, want %q", i, got, sop)
		}
		if got := mustString(t, ds, tag.SeriesDescription); got != "Lung segmented on series "+sourceUID {
			t.Errorf("file %d SeriesDescription = %q", i, got)
		}
		if got := mustString(t, ds, tag.WindowCenter); got != "-700" {
			t.Errorf("file %d WindowCenter = %q", i, got)
		}
		if got := mustString(t, ds, tag.WindowWidth); got != "700" {
			t.Errorf("file %d WindowWidth = %q", i, got)
		}
		if got := mustString(t, ds, tag.PatientName); got != "DOE^JANE" {
			t.Errorf("file %d PatientName = %q, other attributes must be kept", i, got)
		}

		labels := mask.Slice(i)
		got := storedSamples(t, ds)
		if len(got) != rows*cols {
			t.Fatalf("file %d has %d samples", i, len(got))
		}
		kept := 0
		for p, v := range got {
			want := uint16(0)
			if labels[p] > 0 {
				want = slices[i].Stored[p]
				kept++
			}
			if v != want {
				t.Fatalf("file %d pixel %d = %d, want %d", i, p, v, want)
			}
		}
		if kept == 0 {
			t.Errorf("file %d: mask selected no pixels, fixture is degenerate", i)
		}
	}

	t.Logf("✓ Reconstructed %d slices into series %s", len(result.Files), result.Identity.UID)
}

// writeSignedSlice writes a 16-bit signed CT slice in the given transfer syntax.
// stored holds the sample bit patterns as they appear on disk.
func writeSignedSlice(t *testing.T, path, transferSyntax, seriesUID, sop string, rows, cols int, stored []int16) {
	t.Helper()
	nf := frame.NewNativeFrame[uint16](16, rows, cols, rows*cols, 1)
	for i, v := range stored {
		nf.RawData[i] = uint16(v)
	}
	elems := []*dicom.Element{
		mustNewElement(tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.2"}),
		mustNewElement(tag.MediaStorageSOPInstanceUID, []string{sop}),
		mustNewElement(tag.TransferSyntaxUID, []string{transferSyntax}),
		mustNewElement(tag.SOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.2"}),
		mustNewElement(tag.SOPInstanceUID, []string{sop}),
		mustNewElement(tag.Modality, []string{"CT"}),
		mustNewElement(tag.SeriesInstanceUID, []string{seriesUID}),
		mustNewElement(tag.SamplesPerPixel, []int{1}),
		mustNewElement(tag.PhotometricInterpretation, []string{"MONOCHROME2"}),
		mustNewElement(tag.Rows, []int{rows}),
		mustNewElement(tag.Columns, []int{cols}),
		mustNewElement(tag.BitsAllocated, []int{16}),
		mustNewElement(tag.BitsStored, []int{16}),
		mustNewElement(tag.HighBit, []int{15}),
		mustNewElement(tag.PixelRepresentation, []int{1}),
		mustNewElement(tag.RescaleIntercept, []string{"0"}),
		mustNewElement(tag.RescaleSlope, []string{"1"}),
		mustNewElement(tag.PixelData, dicom.PixelDataInfo{
			Frames: []*frame.Frame{{Encapsulated: false, NativeData: nf}},
		}),
	}
	sortElements(elems)
	if err := writeDatasetToFile(path, dicom.Dataset{Elements: elems}); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// signedSamples returns the stored 16-bit samples of ds as signed values,
// whichever integer type the parser chose.
func signedSamples(t *testing.T, ds dicom.Dataset) []int16 {
	t.Helper()
	frames, err := nativeFrames(&ds)
	if err != nil {
		t.Fatalf("nativeFrames failed: %v", err)
	}
	switch raw := frames[0].RawDataSlice().(type) {
	case []int16:
		return raw
	case []uint16:
		out := make([]int16, len(raw))
		for i, v := range raw {
			out[i] = int16(v)
		}
		return out
	default:
		t.Fatalf("pixel data is %T, want 16-bit samples", raw)
		return nil
	}
}

func TestReconstruct_SignedNonSquareSlices(t *testing.T) {
	const rows, cols, n = 3, 5, 2
	tests := []struct {
		name           string
		transferSyntax string
	}{
		{"explicit VR little endian", "1.2.840.10008.1.2.1"},
		{"implicit VR little endian", "1.2.840.10008.1.2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inDir := t.TempDir()
			seriesUID := "1.2.826.0.1.3680043.8.498.31"
			mask := volume.NewLabelVolume(volume.Dims{Cols: cols, Rows: rows, Slices: n}, volume.IdentityFrame())
			sources := make([][]int16, n)
			paths := make([]string, n)
			for z := 0; z < n; z++ {
				stored := make([]int16, rows*cols)
				for i := range stored {
					stored[i] = int16(-1024 + 397*i - 150*z)
				}
				stored[0], stored[rows*cols-1] = -32768, 32767
				sources[z] = stored
				paths[z] = filepath.Join(inDir, fmt.Sprintf("IM%04d.dcm", z))
				writeSignedSlice(t, paths[z], tt.transferSyntax, seriesUID, fmt.Sprintf("%s.%d", seriesUID, z+1), rows, cols, stored)

				labels := mask.Slice(z)
				for i := range labels {
					if (i+z)%3 != 0 {
						labels[i] = 1
					}
				}
			}

			outDir := t.TempDir()
			result, err := (&Reconstructor{OutputDir: outDir, Quiet: true}).Reconstruct(context.Background(), mask, paths)
			if err != nil {
				t.Fatalf("Reconstruct failed: %v", err)
			}

			for z, f := range result.Files {
				ds := parse(t, f.Path)
				if got := mustString(t, ds, tag.TransferSyntaxUID); got != tt.transferSyntax {
					t.Errorf("slice %d transfer syntax = %s, want %s", z, got, tt.transferSyntax)
				}
				if rep, err := intValue(&ds, tag.PixelRepresentation); err != nil || rep != 1 {
					t.Errorf("slice %d PixelRepresentation = %d (%v), want 1", z, rep, err)
				}
				if r, _ := intValue(&ds, tag.Rows); r != rows {
					t.Errorf("slice %d Rows = %d, want %d", z, r, rows)
				}
				if c, _ := intValue(&ds, tag.Columns); c != cols {
					t.Errorf("slice %d Columns = %d, want %d", z, c, cols)
				}

				got := signedSamples(t, ds)
				if len(got) != rows*cols {
					t.Fatalf("slice %d has %d samples, want %d", z, len(got), rows*cols)
				}
				labels := mask.Slice(z)
				for i, v := range got {
					want := int16(0)
					if labels[i] > 0 {
						want = sources[z][i]
					}
					if v != want {
						t.Errorf("slice %d sample %d (row %d, col %d) = %d, want %d", z, i, i/cols, i%cols, v, want)
					}
				}
			}
			t.Logf("✓ %s: %d signed %dx%d slices masked bit-exactly", tt.name, n, cols, rows)
		})
	}
}

func TestReconstruct_OutputNotDirectory(t *testing.T) {
	mask := volume.NewLabelVolume(volume.Dims{Cols: 2, Rows: 2, Slices: 1}, volume.IdentityFrame())

	file := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, dir := range []string{file, filepath.Join(t.TempDir(), "missing")} {
		r := &Reconstructor{OutputDir: dir, Quiet: true}
		_, err := r.Reconstruct(context.Background(), mask, []string{"/nonexistent/slice.dcm"})
		if !errors.Is(err, ErrOutputNotDirectory) {
			t.Errorf("Reconstruct(%s) = %v, want ErrOutputNotDirectory", dir, err)
		}
	}
}

func TestReconstruct_SliceCountMismatch(t *testing.T) {
	slices := writeFixture(t, dicomtest.SeriesOptions{Slices: 2, Rows: 4, Cols: 4})
	mask := volume.NewLabelVolume(volume.Dims{Cols: 4, Rows: 4, Slices: 3}, volume.IdentityFrame())

	outDir := t.TempDir()
	r := &Reconstructor{OutputDir: outDir, Quiet: true}
	_, err := r.Reconstruct(context.Background(), mask, dicomtest.Paths(slices))
	if !errors.Is(err, volume.ErrShapeMismatch) {
		t.Fatalf("Reconstruct = %v, want ErrShapeMismatch", err)
	}
	if entries, _ := os.ReadDir(outDir); len(entries) != 0 {
		t.Errorf("expected no files written, got %d", len(entries))
	}
}

func TestReconstruct_FrameSizeMismatch(t *testing.T) {
	slices := writeFixture(t, dicomtest.SeriesOptions{Slices: 1, Rows: 4, Cols: 4})
	mask := volume.NewLabelVolume(volume.Dims{Cols: 5, Rows: 4, Slices: 1}, volume.IdentityFrame())

	r := &Reconstructor{OutputDir: t.TempDir(), Quiet: true}
	if _, err := r.Reconstruct(context.Background(), mask, dicomtest.Paths(slices)); !errors.Is(err, volume.ErrShapeMismatch) {
		t.Fatalf("Reconstruct = %v, want ErrShapeMismatch", err)
	}
}

func TestReconstruct_WindowExplanation(t *testing.T) {
	slices := writeFixture(t, dicomtest.SeriesOptions{Slices: 1, Rows: 4, Cols: 4, WindowExplanation: true})
	mask := volume.NewLabelVolume(volume.Dims{Cols: 4, Rows: 4, Slices: 1}, volume.IdentityFrame())

	r := &Reconstructor{OutputDir: t.TempDir(), Quiet: true}
	result, err := r.Reconstruct(context.Background(), mask, dicomtest.Paths(slices))
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	ds := parse(t, result.Files[0].Path)
	if got := mustString(t, ds, tag.WindowCenterWidthExplanation); got != "LUNG" {
		t.Errorf("WindowCenterWidthExplanation = %q, want LUNG", got)
	}
	for _, v := range storedSamples(t, ds) {
		if v != 0 {
			t.Fatalf("empty mask must zero every sample, got %d", v)
		}
	}
}

func TestReconstruct_Cancelled(t *testing.T) {
	slices := writeFixture(t, dicomtest.SeriesOptions{Slices: 2, Rows: 4, Cols: 4})
	mask := volume.NewLabelVolume(volume.Dims{Cols: 4, Rows: 4, Slices: 2}, volume.IdentityFrame())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outDir := t.TempDir()
	r := &Reconstructor{OutputDir: outDir, Quiet: true}
	if _, err := r.Reconstruct(ctx, mask, dicomtest.Paths(slices)); !errors.Is(err, context.Canceled) {
		t.Fatalf("Reconstruct = %v, want context.Canceled", err)
	}
	if entries, _ := os.ReadDir(outDir); len(entries) != 0 {
		t.Errorf("expected no files written, got %d", len(entries))
	}
}

func TestReconstruct_FileNamesPadded(t *testing.T) {
	tests := []struct {
		slices int
		first  string
		last   string
	}{
		{1, "lung_masked_0.dcm", "lung_masked_0.dcm"},
		{11, "lung_masked_00.dcm", "lung_masked_10.dcm"},
	}

	for _, tt := range tests {
		slices := writeFixture(t, dicomtest.SeriesOptions{Slices: tt.slices, Rows: 2, Cols: 2})
		mask := volume.NewLabelVolume(volume.Dims{Cols: 2, Rows: 2, Slices: tt.slices}, volume.IdentityFrame())

		var calls, lastTotal int
		r := &Reconstructor{
			OutputDir:        t.TempDir(),
			ProgressCallback: func(current, total int) { calls, lastTotal = current, total },
		}
		result, err := r.Reconstruct(context.Background(), mask, dicomtest.Paths(slices))
		if err != nil {
			t.Fatalf("Reconstruct(%d slices) failed: %v", tt.slices, err)
		}
		if got := filepath.Base(result.Files[0].Path); got != tt.first {
			t.Errorf("first file = %s, want %s", got, tt.first)
		}
		if got := filepath.Base(result.Files[len(result.Files)-1].Path); got != tt.last {
			t.Errorf("last file = %s, want %s", got, tt.last)
		}
		if calls != tt.slices || lastTotal != tt.slices {
			t.Errorf("progress ended at %d/%d, want %d/%d", calls, lastTotal, tt.slices, tt.slices)
		}
	}
}

func TestPadWidth(t *testing.T) {
	tests := []struct {
		n    int
		want int
	}{
		{0, 1}, {1, 1}, {2, 1}, {10, 1}, {11, 2}, {100, 2}, {101, 3}, {1000, 3}, {1001, 4},
	}
	for _, tt := range tests {
		if got := PadWidth(tt.n); got != tt.want {
			t.Errorf("PadWidth(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestSliceFileName(t *testing.T) {
	tests := []struct {
		i, n int
		want string
	}{
		{0, 1, "lung_masked_0.dcm"},
		{3, 11, "lung_masked_03.dcm"},
		{0, 101, "lung_masked_000.dcm"},
		{100, 101, "lung_masked_100.dcm"},
	}
	for _, tt := range tests {
		if got := SliceFileName(tt.i, tt.n); got != tt.want {
			t.Errorf("SliceFileName(%d, %d) = %q, want %q", tt.i, tt.n, got, tt.want)
		}
	}
}
