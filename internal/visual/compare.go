package visual

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
)

// DefaultThreshold is the per-pixel perceptual tolerance in [0, 1].
const DefaultThreshold = 0.1

// maxYIQDelta is the largest possible squared YIQ distance between two colours.
const maxYIQDelta = 35215.0

var diffColor = []uint8{255, 0, 0, 255}

// ErrEmptyImage is returned when an input has zero width or height.
var ErrEmptyImage = errors.New("image has no pixels")

// Comparison is the outcome of comparing two screenshots.
type Comparison struct {
	// Diff is a PNG: unchanged pixels faded to grey, changed pixels in red.
	Diff          []byte
	ChangedPixels uint64
	TotalPixels   uint64
	Width         int
	Height        int
}

// Ratio returns ChangedPixels / TotalPixels.
func (c *Comparison) Ratio() float64 {
	if c.TotalPixels == 0 {
		return 0
	}
	return float64(c.ChangedPixels) / float64(c.TotalPixels)
}

// Compare decodes two PNGs and diffs them on a shared canvas as large as the
// bigger of the two in each dimension. Area covered by only one image
// counts as changed. threshold <= 0 selects DefaultThreshold.
func Compare(baseline, candidate []byte, threshold float64) (*Comparison, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if threshold > 1 {
		threshold = 1
	}

	a, err := decode(baseline)
	if err != nil {
		return nil, fmt.Errorf("decoding baseline: %w", err)
	}
	b, err := decode(candidate)
	if err != nil {
		return nil, fmt.Errorf("decoding candidate: %w", err)
	}

	wa, ha := a.Bounds().Dx(), a.Bounds().Dy()
	wb, hb := b.Bounds().Dx(), b.Bounds().Dy()
	w, h := max(wa, wb), max(ha, hb)
	ca := normalize(a, w, h)
	cb := normalize(b, w, h)

	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	maxDelta := maxYIQDelta * threshold * threshold

	var changed uint64
	for i := 0; i < len(ca.Pix); i += 4 {
		pa := ca.Pix[i : i+4 : i+4]
		pb := cb.Pix[i : i+4 : i+4]

		x, y := (i/4)%w, (i/4)/w
		if (x < wa && y < ha) != (x < wb && y < hb) {
			changed++
			copy(out.Pix[i:i+4], diffColor)
			continue
		}
		if pa[0] == pb[0] && pa[1] == pb[1] && pa[2] == pb[2] && pa[3] == pb[3] {
			drawGray(out.Pix[i:i+4:i+4], pa)
			continue
		}
		if colorDelta(pa, pb) > maxDelta {
			changed++
			copy(out.Pix[i:i+4], diffColor)
			continue
		}
		drawGray(out.Pix[i:i+4:i+4], pa)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("encoding diff image: %w", err)
	}

	return &Comparison{
		Diff:          buf.Bytes(),
		ChangedPixels: changed,
		TotalPixels:   uint64(w) * uint64(h),
		Width:         w,
		Height:        h,
	}, nil
}

func decode(data []byte) (image.Image, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}
	return img, nil
}

// normalize copies img to the top-left of a transparent w×h canvas.
func normalize(img image.Image, w, h int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	b := img.Bounds()
	draw.Draw(dst, image.Rect(0, 0, b.Dx(), b.Dy()), img, b.Min, draw.Src)
	return dst
}

// colorDelta is the squared YIQ distance after blending both pixels onto white.
func colorDelta(a, b []uint8) float64 {
	r1, g1, b1 := blendWhite(a)
	r2, g2, b2 := blendWhite(b)

	dy := rgb2y(r1, g1, b1) - rgb2y(r2, g2, b2)
	di := rgb2i(r1, g1, b1) - rgb2i(r2, g2, b2)
	dq := rgb2q(r1, g1, b1) - rgb2q(r2, g2, b2)

	return 0.5053*dy*dy + 0.299*di*di + 0.1957*dq*dq
}

func blendWhite(p []uint8) (float64, float64, float64) {
	alpha := float64(p[3]) / 255
	blend := func(c uint8) float64 { return 255 + (float64(c)-255)*alpha }
	return blend(p[0]), blend(p[1]), blend(p[2])
}

func rgb2y(r, g, b float64) float64 { return r*0.29889531 + g*0.58662247 + b*0.11448223 }
func rgb2i(r, g, b float64) float64 { return r*0.59597799 - g*0.27417610 - b*0.32180189 }
func rgb2q(r, g, b float64) float64 { return r*0.21147017 - g*0.52261711 + b*0.31114694 }

// drawGray writes a faded greyscale copy of src into dst.
func drawGray(dst, src []uint8) {
	r, g, b := blendWhite(src)
	y := rgb2y(r, g, b)
	v := uint8(255 + (y-255)*0.1)
	dst[0], dst[1], dst[2], dst[3] = v, v, v, 255
}
