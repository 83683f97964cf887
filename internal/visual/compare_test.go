package visual

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return encode(t, img)
}

func encode(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

var white = color.NRGBA{R: 255, G: 255, B: 255, A: 255}

func TestCompare_Identical(t *testing.T) {
	a := solidPNG(t, 20, 10, white)

	res, err := Compare(a, a, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), res.ChangedPixels)
	assert.Equal(t, uint64(200), res.TotalPixels)

	diff, err := png.Decode(bytes.NewReader(res.Diff))
	require.NoError(t, err)
	assert.Equal(t, 20, diff.Bounds().Dx())
	assert.Equal(t, 10, diff.Bounds().Dy())
}

func TestCompare_SinglePixelChange(t *testing.T) {
	base := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	cand := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for i := range base.Pix {
		base.Pix[i] = 255
		cand.Pix[i] = 255
	}
	cand.SetNRGBA(3, 4, color.NRGBA{A: 255})

	res, err := Compare(encode(t, base), encode(t, cand), DefaultThreshold)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.ChangedPixels)
	assert.Equal(t, uint64(64), res.TotalPixels)

	diff, err := png.Decode(bytes.NewReader(res.Diff))
	require.NoError(t, err)
	r, g, b, _ := diff.At(3, 4).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Equal(t, uint32(0), g)
	assert.Equal(t, uint32(0), b)
}

func TestCompare_BelowThresholdIgnored(t *testing.T) {
	a := solidPNG(t, 4, 4, white)
	b := solidPNG(t, 4, 4, color.NRGBA{R: 253, G: 253, B: 253, A: 255})

	res, err := Compare(a, b, DefaultThreshold)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), res.ChangedPixels)
}

func TestCompare_DifferentSizes(t *testing.T) {
	short := solidPNG(t, 10, 10, white)
	tall := solidPNG(t, 10, 20, white)

	res, err := Compare(short, tall, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Width)
	assert.Equal(t, 20, res.Height)
	assert.Equal(t, uint64(200), res.TotalPixels)
	assert.Equal(t, uint64(100), res.ChangedPixels)
	assert.InDelta(t, 0.5, res.Ratio(), 1e-9)
}

func TestCompare_Symmetric(t *testing.T) {
	a := solidPNG(t, 12, 6, white)
	b := solidPNG(t, 6, 12, color.NRGBA{R: 10, G: 20, B: 30, A: 255})

	ab, err := Compare(a, b, 0)
	require.NoError(t, err)
	ba, err := Compare(b, a, 0)
	require.NoError(t, err)

	assert.Equal(t, ab.ChangedPixels, ba.ChangedPixels)
	assert.Equal(t, ab.TotalPixels, ba.TotalPixels)
	assert.LessOrEqual(t, ab.ChangedPixels, ab.TotalPixels)
}

func TestCompare_InvalidInput(t *testing.T) {
	good := solidPNG(t, 2, 2, white)

	_, err := Compare([]byte("not a png"), good, 0)
	assert.Error(t, err)

	_, err = Compare(good, nil, 0)
	assert.Error(t, err)
}

// noisePNG fills a w×h image with random pixels, alpha included.
func noisePNG(t testing.TB, rng *rand.Rand, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	rng.Read(img.Pix)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// checkCompareBounds compares two random images and checks the counts
// against the canvas geometry.
func checkCompareBounds(t testing.TB, seed int64, wa, ha, wb, hb int, threshold float64) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	a := noisePNG(t, rng, wa, ha)
	b := noisePNG(t, rng, wb, hb)

	res, err := Compare(a, b, threshold)
	if err != nil {
		t.Fatalf("Compare(%dx%d, %dx%d): %v", wa, ha, wb, hb, err)
	}

	w, h := max(wa, wb), max(ha, hb)
	if res.Width != w || res.Height != h {
		t.Fatalf("canvas = %dx%d, want %dx%d", res.Width, res.Height, w, h)
	}
	if res.TotalPixels != uint64(w*h) {
		t.Fatalf("TotalPixels = %d, want %d", res.TotalPixels, w*h)
	}
	if res.ChangedPixels > res.TotalPixels {
		t.Fatalf("ChangedPixels %d > TotalPixels %d", res.ChangedPixels, res.TotalPixels)
	}
	// Pixels covered by exactly one image are always changed.
	oneSided := uint64(wa*ha + wb*hb - 2*min(wa, wb)*min(ha, hb))
	if res.ChangedPixels < oneSided {
		t.Fatalf("ChangedPixels %d < %d pixels covered by one image", res.ChangedPixels, oneSided)
	}
	if r := res.Ratio(); r < 0 || r > 1 {
		t.Fatalf("Ratio = %v", r)
	}

	diff, err := png.Decode(bytes.NewReader(res.Diff))
	if err != nil {
		t.Fatalf("decoding diff: %v", err)
	}
	if got := diff.Bounds(); got.Dx() != w || got.Dy() != h {
		t.Fatalf("diff image = %dx%d, want %dx%d", got.Dx(), got.Dy(), w, h)
	}

	rev, err := Compare(b, a, threshold)
	if err != nil {
		t.Fatal(err)
	}
	if rev.ChangedPixels != res.ChangedPixels {
		t.Fatalf("changed pixels not symmetric: %d vs %d", res.ChangedPixels, rev.ChangedPixels)
	}

	same, err := Compare(a, a, threshold)
	if err != nil {
		t.Fatal(err)
	}
	if same.ChangedPixels != 0 || same.TotalPixels != uint64(wa*ha) {
		t.Fatalf("self comparison = %d/%d, want 0/%d", same.ChangedPixels, same.TotalPixels, wa*ha)
	}
}

func TestCompare_RandomImagesStayInBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 100; i++ {
		wa, ha := 1+rng.Intn(32), 1+rng.Intn(32)
		wb, hb := 1+rng.Intn(32), 1+rng.Intn(32)
		threshold := rng.Float64()
		checkCompareBounds(t, rng.Int63(), wa, ha, wb, hb, threshold)
	}
}

func FuzzCompare(f *testing.F) {
	f.Add(int64(1), uint8(1), uint8(1), uint8(1), uint8(1), uint8(0))
	f.Add(int64(7), uint8(31), uint8(3), uint8(4), uint8(29), uint8(25))
	f.Add(int64(-3), uint8(16), uint8(16), uint8(16), uint8(16), uint8(255))

	f.Fuzz(func(t *testing.T, seed int64, wa, ha, wb, hb, threshold uint8) {
		dim := func(v uint8) int { return 1 + int(v)%32 }
		checkCompareBounds(t, seed, dim(wa), dim(ha), dim(wb), dim(hb), float64(threshold)/255)
	})
}
