package normalize

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/handprint-worker/internal/errors"
	"github.com/adverant/nexus/handprint-worker/internal/model"
)

// noise returns an image that compresses poorly, so PNG size tracks pixel count.
func noise(w, h int) *image.NRGBA {
	rng := rand.New(rand.NewSource(42))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = byte(rng.Intn(256))
	}
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	return img
}

func flat(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 240, G: 240, B: 230, A: 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func services(limits ...int64) []model.ServiceDescriptor {
	out := make([]model.ServiceDescriptor, len(limits))
	for i, l := range limits {
		out[i] = model.ServiceDescriptor{Name: string(rune('a' + i)), MaxSize: l}
	}
	return out
}

func decodeSize(t *testing.T, data []byte) (int, int) {
	t.Helper()
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	return cfg.Width, cfg.Height
}

func TestNormalizeUnderLimitKeepsBytes(t *testing.T) {
	data := encodePNG(t, flat(320, 240))
	doc := &model.Document{Source: "page.png", Data: data}

	out, err := NewNormalizer(0).Normalize(context.Background(), doc, services(10<<20, 4<<20))
	require.NoError(t, err)
	assert.Equal(t, data, out.Data)
	assert.Equal(t, 320, out.Width)
	assert.Equal(t, 240, out.Height)
	assert.Equal(t, int64(4<<20), out.Limit)
	assert.Equal(t, []string{"a", "b"}, out.Services)
	assert.Len(t, out.Digest, 64)
}

func TestNormalizeShrinksToTightestLimit(t *testing.T) {
	data := encodePNG(t, noise(400, 300))
	require.Greater(t, len(data), 200_000)

	doc := &model.Document{Source: "noise.png", Data: data}
	limit := int64(100_000)
	out, err := NewNormalizer(0).Normalize(context.Background(), doc, services(1<<20, limit, 500_000))
	require.NoError(t, err)

	assert.LessOrEqual(t, int64(len(out.Data)), limit)
	assert.Equal(t, limit, out.Limit)
	w, h := decodeSize(t, out.Data)
	assert.Equal(t, out.Width, w)
	assert.Equal(t, out.Height, h)
	assert.Less(t, w, 400)
	assert.InDelta(t, 400.0/300.0, float64(w)/float64(h), 0.05)
}

func TestNormalizeTooLarge(t *testing.T) {
	doc := &model.Document{Source: "noise.png", Data: encodePNG(t, noise(400, 400))}
	_, err := NewNormalizer(64).Normalize(context.Background(), doc, services(1000))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrorTooLarge))
}

func TestNormalizeIdempotent(t *testing.T) {
	targets := services(120_000)
	n := NewNormalizer(0)

	first, err := n.Normalize(context.Background(),
		&model.Document{Source: "noise.png", Data: encodePNG(t, noise(300, 300))}, targets)
	require.NoError(t, err)

	second, err := n.Normalize(context.Background(),
		&model.Document{Source: "again.png", Data: first.Data}, targets)
	require.NoError(t, err)
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, first.Digest, second.Digest)
}

func TestNormalizeConvertsJPEG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, flat(200, 100), &jpeg.Options{Quality: 90}))

	out, err := NewNormalizer(0).Normalize(context.Background(),
		&model.Document{Source: "scan.jpg", Data: buf.Bytes()}, services(10<<20))
	require.NoError(t, err)
	assert.Equal(t, "png", out.Format)
	w, h := decodeSize(t, out.Data)
	assert.Equal(t, 200, w)
	assert.Equal(t, 100, h)
}

// A JPEG within the limit may still be shrunk: the size that counts is that
// of the PNG sent to the services, not of the input.
func TestNormalizeShrinksJPEGWhosePNGIsTooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, noise(200, 200), &jpeg.Options{Quality: 50}))
	asPNG := encodePNG(t, noise(200, 200))
	limit := int64(buf.Len() + 1)
	require.Greater(t, int64(len(asPNG)), limit)

	out, err := NewNormalizer(0).Normalize(context.Background(),
		&model.Document{Source: "scan.jpg", Data: buf.Bytes()}, services(limit))
	require.NoError(t, err)
	assert.Equal(t, "png", out.Format)
	assert.LessOrEqual(t, int64(len(out.Data)), limit)
	w, h := decodeSize(t, out.Data)
	assert.Less(t, w, 200)
	assert.Equal(t, w, h)
}

func TestNormalizeMaxDimensions(t *testing.T) {
	targets := []model.ServiceDescriptor{
		{Name: "wide", MaxSize: 10 << 20, MaxWidth: 150},
		{Name: "tall", MaxSize: 10 << 20, MaxHeight: 500},
	}
	out, err := NewNormalizer(0).Normalize(context.Background(),
		&model.Document{Source: "big.png", Data: encodePNG(t, flat(300, 200))}, targets)
	require.NoError(t, err)
	assert.Equal(t, 150, out.Width)
	assert.Equal(t, 100, out.Height)
}

func TestNormalizeUnsupported(t *testing.T) {
	_, err := NewNormalizer(0).Normalize(context.Background(),
		&model.Document{Source: "notes.txt", Data: []byte("just some text")}, services(1<<20))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrorUnsupportedFormat))
}

func TestNormalizePDFUsesFirstPage(t *testing.T) {
	n := NewNormalizer(0)
	n.rasterizePDF = func(data []byte) (image.Image, int, error) {
		return flat(120, 160), 3, nil
	}

	doc := &model.Document{Source: "letter.pdf", Data: []byte("%PDF-1.7 fake")}
	out, err := n.Normalize(context.Background(), doc, services(1<<20))
	require.NoError(t, err)
	assert.Equal(t, 3, out.SourcePages)
	assert.Equal(t, 120, out.Width)
	assert.Equal(t, 160, out.Height)
	decodeSize(t, out.Data)
}

func TestNormalizeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewNormalizer(0).Normalize(ctx,
		&model.Document{Source: "noise.png", Data: encodePNG(t, noise(300, 300))}, services(50_000))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLimitsFor(t *testing.T) {
	l := LimitsFor([]model.ServiceDescriptor{
		{MaxSize: 10 << 20},
		{MaxSize: 4 << 20, MaxWidth: 10000, MaxHeight: 10000},
		{MaxSize: 5 << 20, MaxWidth: 8000},
	})
	assert.Equal(t, Limits{MaxSize: 4 << 20, MaxWidth: 8000, MaxHeight: 10000}, l)
	assert.Equal(t, Limits{}, LimitsFor(nil))
}
