package report

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/mrsinham/lungmask/internal/inference"
	"github.com/mrsinham/lungmask/internal/volume"
)

func TestSummarize(t *testing.T) {
	dims := volume.Dims{Cols: 2, Rows: 2, Slices: 2}
	fr := volume.IdentityFrame()
	fr.Spacing = [3]float64{0.5, 0.5, 2} // 0.5 mm³ per voxel

	ct := volume.NewVolume(dims, fr)
	copy(ct.Voxels, []float32{-800, -900, 40, 50, -850, -700, 30, 20})
	mask := volume.NewLabelVolume(dims, fr)
	copy(mask.Labels, []uint8{1, 1, 0, 0, 2, 2, 0, 1})

	s, err := Summarize(mask, ct, LabelNames(inference.ModelR231))
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if len(s.Labels) != 2 {
		t.Fatalf("expected 2 labels, got %d", len(s.Labels))
	}

	right := s.Labels[0]
	if right.Label != 1 || right.Name != "right lung" || right.Voxels != 3 {
		t.Errorf("label 1 = %+v", right)
	}
	if math.Abs(right.MeanHU-(-560)) > 1e-9 {
		t.Errorf("label 1 mean = %v, want -560", right.MeanHU)
	}
	if math.Abs(right.VolumeML-0.0015) > 1e-12 {
		t.Errorf("label 1 volume = %v mL, want 0.0015", right.VolumeML)
	}

	left := s.Labels[1]
	if left.Voxels != 2 || left.MeanHU != -775 {
		t.Errorf("label 2 = %+v", left)
	}
	// sample standard deviation of {-850, -700}
	if want := 75 * math.Sqrt2; math.Abs(left.StdHU-want) > 1e-9 {
		t.Errorf("label 2 std = %v, want %v", left.StdHU, want)
	}
	if math.Abs(s.TotalML()-0.0025) > 1e-12 {
		t.Errorf("TotalML = %v", s.TotalML())
	}

	out := s.Render()
	for _, want := range []string{"right lung", "left lung", "2x2x2"} {
		if !strings.Contains(out, want) {
			t.Errorf("Render() missing %q:\n%s", want, out)
		}
	}
}

func TestSummarize_SingleVoxelAndUnknownLabel(t *testing.T) {
	dims := volume.Dims{Cols: 1, Rows: 1, Slices: 1}
	ct := volume.NewVolume(dims, volume.IdentityFrame())
	mask := volume.NewLabelVolume(dims, volume.IdentityFrame())
	mask.Labels[0] = 9

	s, err := Summarize(mask, ct, LabelNames(inference.ModelLTRCLobes))
	if err != nil {
		t.Fatal(err)
	}
	if s.Labels[0].StdHU != 0 || s.Labels[0].Name != "label 9" {
		t.Errorf("stats = %+v", s.Labels[0])
	}
}

func TestSummarize_ShapeMismatch(t *testing.T) {
	ct := volume.NewVolume(volume.Dims{Cols: 2, Rows: 2, Slices: 1}, volume.IdentityFrame())
	mask := volume.NewLabelVolume(volume.Dims{Cols: 2, Rows: 2, Slices: 2}, volume.IdentityFrame())
	if _, err := Summarize(mask, ct, nil); !errors.Is(err, volume.ErrShapeMismatch) {
		t.Errorf("Summarize = %v, want ErrShapeMismatch", err)
	}
}

func TestLabelNames(t *testing.T) {
	if got := LabelNames(inference.ModelLTRCLobesR231)[4]; got != "right middle lobe" {
		t.Errorf("lobe 4 = %q", got)
	}
	if got := LabelNames(inference.ModelR231CovidWeb)[2]; got != "left lung" {
		t.Errorf("label 2 = %q", got)
	}
}
