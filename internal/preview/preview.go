// Package preview renders a quality-control image of a segmentation.
package preview

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/mrsinham/lungmask/internal/metadata"
	"github.com/mrsinham/lungmask/internal/volume"
)

// minWidth is the smallest rendered width; smaller slices are upscaled.
const minWidth = 512

// palette tints labels 1..5; higher labels reuse it cyclically.
var palette = []color.RGBA{
	{230, 60, 60, 255},
	{60, 200, 90, 255},
	{70, 120, 240, 255},
	{240, 210, 50, 255},
	{210, 80, 220, 255},
}

// Options controls rendering.
type Options struct {
	Window  metadata.Window
	Opacity float64 // label tint opacity in [0,1]
	Caption bool
}

// DefaultOptions uses the lung window and a 40% tint.
func DefaultOptions() Options {
	return Options{Window: metadata.LungWindow, Opacity: 0.4, Caption: true}
}

// BestSlice returns the slice with the most labeled voxels, the middle slice
// for an empty mask.
func BestSlice(mask *volume.LabelVolume) int {
	best, bestCount := mask.Dims.Slices/2, 0
	for z := 0; z < mask.Dims.Slices; z++ {
		n := 0
		for _, l := range mask.Slice(z) {
			if l > 0 {
				n++
			}
		}
		if n > bestCount {
			best, bestCount = z, n
		}
	}
	return best
}

// Render draws slice z of ct in the display window with mask tinted on top.
func Render(ct *volume.Volume, mask *volume.LabelVolume, z int, opts Options) (*image.RGBA, error) {
	if err := volume.CheckAligned(mask, ct); err != nil {
		return nil, err
	}
	if z < 0 || z >= ct.Dims.Slices {
		return nil, fmt.Errorf("slice %d out of range [0,%d)", z, ct.Dims.Slices)
	}

	width, height := ct.Dims.Cols, ct.Dims.Rows
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	lo := float64(opts.Window.Center) - float64(opts.Window.Width)/2
	hu, labels := ct.Slice(z), mask.Slice(z)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			gray := (float64(hu[i]) - lo) / float64(opts.Window.Width) * 255
			gray = min(max(gray, 0), 255)
			c := color.RGBA{uint8(gray), uint8(gray), uint8(gray), 255}
			if l := labels[i]; l > 0 {
				c = blend(c, palette[int(l-1)%len(palette)], opts.Opacity)
			}
			img.SetRGBA(x, y, c)
		}
	}

	if width < minWidth {
		scale := (minWidth + width - 1) / width
		scaled := image.NewRGBA(image.Rect(0, 0, width*scale, height*scale))
		draw.NearestNeighbor.Scale(scaled, scaled.Bounds(), img, img.Bounds(), draw.Src, nil)
		img = scaled
	}

	if opts.Caption {
		drawCaption(img, fmt.Sprintf("slice %d/%d  W%d L%d", z+1, ct.Dims.Slices, opts.Window.Width, opts.Window.Center))
	}
	return img, nil
}

// WritePNG renders the slice with the largest mask area to path and returns
// its index.
func WritePNG(path string, ct *volume.Volume, mask *volume.LabelVolume, opts Options) (z int, err error) {
	z = BestSlice(mask)
	img, err := Render(ct, mask, z, opts)
	if err != nil {
		return 0, err
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if err := png.Encode(f, img); err != nil {
		return 0, fmt.Errorf("encode %s: %w", path, err)
	}
	return z, nil
}

func blend(base, tint color.RGBA, alpha float64) color.RGBA {
	mix := func(a, b uint8) uint8 {
		return uint8(float64(a)*(1-alpha) + float64(b)*alpha)
	}
	return color.RGBA{mix(base.R, tint.R), mix(base.G, tint.G), mix(base.B, tint.B), 255}
}

// drawCaption writes text in the top-left corner, white with a black outline,
// scaled with the image.
func drawCaption(img *image.RGBA, text string) {
	face := basicfont.Face7x13
	baseWidth := font.MeasureString(face, text).Ceil()
	baseHeight := 13

	textImg := image.NewRGBA(image.Rect(0, 0, baseWidth, baseHeight))
	drawer := &font.Drawer{
		Dst:  textImg,
		Src:  image.NewUniform(color.RGBA{255, 255, 255, 255}),
		Face: face,
		Dot:  fixed.Point26_6{Y: fixed.I(11)},
	}
	drawer.DrawString(text)

	scale := max(1, img.Bounds().Dx()/(4*baseWidth))
	scaledWidth, scaledHeight := baseWidth*scale, baseHeight*scale
	scaled := image.NewRGBA(image.Rect(0, 0, scaledWidth, scaledHeight))
	draw.BiLinear.Scale(scaled, scaled.Bounds(), textImg, textImg.Bounds(), draw.Over, nil)

	bounds := img.Bounds()
	x0, y0 := 2*scale, 2*scale
	outline := max(1, scaledHeight/10)

	for sy := 0; sy < scaledHeight; sy++ {
		for sx := 0; sx < scaledWidth; sx++ {
			if scaled.RGBAAt(sx, sy).A == 0 {
				continue
			}
			for dy := -outline; dy <= outline; dy++ {
				for dx := -outline; dx <= outline; dx++ {
					p := image.Pt(x0+sx+dx, y0+sy+dy)
					if p.In(bounds) {
						img.SetRGBA(p.X, p.Y, color.RGBA{0, 0, 0, 255})
					}
				}
			}
		}
	}
	for sy := 0; sy < scaledHeight; sy++ {
		for sx := 0; sx < scaledWidth; sx++ {
			c := scaled.RGBAAt(sx, sy)
			if c.A == 0 {
				continue
			}
			if p := image.Pt(x0+sx, y0+sy); p.In(bounds) {
				img.SetRGBA(p.X, p.Y, color.RGBA{c.R, c.G, c.B, 255})
			}
		}
	}
}
