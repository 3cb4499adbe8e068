// Package report summarizes a segmentation per label.
package report

import (
	"fmt"
	"math"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gonum.org/v1/gonum/stat"

	"github.com/mrsinham/lungmask/internal/inference"
	"github.com/mrsinham/lungmask/internal/volume"
)

// LabelNames returns the anatomical names of the labels produced by model.
func LabelNames(model string) map[uint8]string {
	switch model {
	case inference.ModelLTRCLobes, inference.ModelLTRCLobesR231:
		return map[uint8]string{
			1: "left upper lobe",
			2: "left lower lobe",
			3: "right upper lobe",
			4: "right middle lobe",
			5: "right lower lobe",
		}
	default:
		return map[uint8]string{1: "right lung", 2: "left lung"}
	}
}

// LabelStats describes the voxels carrying one label.
type LabelStats struct {
	Label    uint8
	Name     string
	Voxels   int
	VolumeML float64
	MeanHU   float64
	StdHU    float64
}

// Summary holds per-label statistics, ordered by label.
type Summary struct {
	Dims    volume.Dims
	Spacing [3]float64
	Labels  []LabelStats
}

// Summarize computes voxel count, volume and intensity statistics for every
// non-zero label of mask over ct.
func Summarize(mask *volume.LabelVolume, ct *volume.Volume, names map[uint8]string) (*Summary, error) {
	if err := volume.CheckAligned(mask, ct); err != nil {
		return nil, err
	}

	samples := map[uint8][]float64{}
	for i, l := range mask.Labels {
		if l == 0 {
			continue
		}
		samples[l] = append(samples[l], float64(ct.Voxels[i]))
	}

	voxelML := ct.Frame.VoxelVolume() / 1000
	s := &Summary{Dims: ct.Dims, Spacing: ct.Frame.Spacing}
	for l, values := range samples {
		mean, std := stat.MeanStdDev(values, nil)
		if math.IsNaN(std) {
			std = 0
		}
		name := names[l]
		if name == "" {
			name = fmt.Sprintf("label %d", l)
		}
		s.Labels = append(s.Labels, LabelStats{
			Label:    l,
			Name:     name,
			Voxels:   len(values),
			VolumeML: float64(len(values)) * voxelML,
			MeanHU:   mean,
			StdHU:    std,
		})
	}
	sort.Slice(s.Labels, func(i, j int) bool { return s.Labels[i].Label < s.Labels[j].Label })
	return s, nil
}

// TotalML is the volume covered by all labels.
func (s *Summary) TotalML() float64 {
	var total float64
	for _, l := range s.Labels {
		total += l.VolumeML
	}
	return total
}

// Render formats the summary as a table.
func (s *Summary) Render() string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle(fmt.Sprintf("Segmentation %s, spacing %.2fx%.2fx%.2f mm",
		s.Dims, s.Spacing[0], s.Spacing[1], s.Spacing[2]))
	tw.AppendHeader(table.Row{"Label", "Name", "Voxels", "Volume (mL)", "Mean HU", "Std HU"})
	for _, l := range s.Labels {
		tw.AppendRow(table.Row{
			l.Label, l.Name, l.Voxels,
			fmt.Sprintf("%.1f", l.VolumeML),
			fmt.Sprintf("%.1f", l.MeanHU),
			fmt.Sprintf("%.1f", l.StdHU),
		})
	}
	tw.AppendFooter(table.Row{"", "total", "", fmt.Sprintf("%.1f", s.TotalML()), "", ""})

	configs := []table.ColumnConfig{{Number: 1, Align: text.AlignRight}}
	for n := 3; n <= 6; n++ {
		configs = append(configs, table.ColumnConfig{Number: n, Align: text.AlignRight, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}
