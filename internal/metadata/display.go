package metadata

import (
	"strconv"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// Window is a display window in stored-value units.
type Window struct {
	Center int
	Width  int
}

// LungWindow is the lung display window applied to reconstructed CT series.
var LungWindow = Window{Center: -700, Width: 700}

// LabelWindow spans label values 0..2 so binary masks render at full contrast.
var LabelWindow = Window{Center: 1, Width: 2}

// VolumeDescription marks single-volume outputs written by this tool.
const VolumeDescription = "Created with lungmask"

// SeriesDescriptionPrefix precedes the source SeriesInstanceUID in reconstructed series.
const SeriesDescriptionPrefix = "Lung segmented on series "

var (
	SeriesDescriptionKey = KeyFromTag(tag.SeriesDescription)
	WindowCenterKey      = KeyFromTag(tag.WindowCenter)
	WindowWidthKey       = KeyFromTag(tag.WindowWidth)
)

// DisplayTags returns the fixed tags added to single-volume outputs that keep metadata.
func DisplayTags() Metadata {
	return Metadata{
		SeriesDescriptionKey: VolumeDescription,
		WindowCenterKey:      strconv.Itoa(LabelWindow.Center),
		WindowWidthKey:       strconv.Itoa(LabelWindow.Width),
	}
}
