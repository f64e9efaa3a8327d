/**
 * Image Normalizer
 *
 * Turns any supported input (PNG, JPEG, GIF, TIFF, BMP, WebP, or the first
 * page of a PDF) into a single PNG that every selected service accepts. The
 * byte ceiling is the smallest max_size among the selected services; pixel
 * ceilings are the smallest non-zero max_width/max_height.
 */

package normalize

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"math"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/adverant/nexus/handprint-worker/internal/errors"
	"github.com/adverant/nexus/handprint-worker/internal/logging"
	"github.com/adverant/nexus/handprint-worker/internal/model"
)

const (
	// CanonicalFormat is the only format handed to services.
	CanonicalFormat = "png"

	// DefaultMinDimension is the smallest width or height worth sending.
	DefaultMinDimension = 64

	// shrinkMargin keeps each rescale step at least 10% below the estimate,
	// since PNG size does not fall exactly with pixel count.
	shrinkMargin = 0.9
)

// Limits are the combined constraints of a set of services.
type Limits struct {
	MaxSize   int64
	MaxWidth  int
	MaxHeight int
}

// LimitsFor returns the tightest limits across descriptors. Zero fields are unbounded.
func LimitsFor(descriptors []model.ServiceDescriptor) Limits {
	var l Limits
	for _, d := range descriptors {
		if d.MaxSize > 0 && (l.MaxSize == 0 || d.MaxSize < l.MaxSize) {
			l.MaxSize = d.MaxSize
		}
		if d.MaxWidth > 0 && (l.MaxWidth == 0 || d.MaxWidth < l.MaxWidth) {
			l.MaxWidth = d.MaxWidth
		}
		if d.MaxHeight > 0 && (l.MaxHeight == 0 || d.MaxHeight < l.MaxHeight) {
			l.MaxHeight = d.MaxHeight
		}
	}
	return l
}

// Normalizer converts documents into NormalizedImages. It holds no per-call state.
type Normalizer struct {
	minDimension int
	rasterizePDF func(data []byte) (image.Image, int, error)
	encoder      png.Encoder
	logger       *logging.Logger
}

// NewNormalizer creates a normalizer. minDimension <= 0 uses DefaultMinDimension.
func NewNormalizer(minDimension int) *Normalizer {
	if minDimension <= 0 {
		minDimension = DefaultMinDimension
	}
	return &Normalizer{
		minDimension: minDimension,
		rasterizePDF: rasterizeFirstPage,
		encoder:      png.Encoder{CompressionLevel: png.BestCompression},
		logger:       logging.NewLogger("Normalizer"),
	}
}

// Normalize produces the canonical image for the given target services.
// Input that is already a PNG within all limits is returned byte for byte.
func (n *Normalizer) Normalize(ctx context.Context, doc *model.Document, targets []model.ServiceDescriptor) (*model.NormalizedImage, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("normalize %s: no target services", doc.Source)
	}
	limits := LimitsFor(targets)
	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = t.Name
	}

	img, format, pages, err := n.decode(doc)
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	if format == CanonicalFormat && fitsBytes(int64(len(doc.Data)), limits) && fitsPixels(w, h, limits) {
		n.logger.Debug("Image already canonical", "source", doc.Source, "bytes", len(doc.Data), "width", w, "height", h)
		return n.result(doc.Data, w, h, pages, limits, names), nil
	}

	if !fitsPixels(w, h, limits) {
		nw, nh := fitWithin(w, h, limits.MaxWidth, limits.MaxHeight)
		if nw < n.minDimension || nh < n.minDimension {
			return nil, errors.NewTooLargeError(doc.Source, limits.MaxSize, nw, nh)
		}
		n.logger.Info("Reducing image dimensions", "source", doc.Source,
			"from", fmt.Sprintf("%dx%d", w, h), "to", fmt.Sprintf("%dx%d", nw, nh))
		img = scale(img, nw, nh)
		w, h = nw, nh
	}

	data, err := n.encode(img)
	if err != nil {
		return nil, err
	}

	for !fitsBytes(int64(len(data)), limits) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		factor := math.Sqrt(float64(limits.MaxSize)/float64(len(data))) * shrinkMargin
		nw := int(float64(w) * factor)
		nh := int(float64(h) * factor)
		if nw < n.minDimension || nh < n.minDimension {
			return nil, errors.NewTooLargeError(doc.Source, limits.MaxSize, nw, nh)
		}

		n.logger.Info("Reducing image size", "source", doc.Source, "bytes", len(data),
			"limit", limits.MaxSize, "to", fmt.Sprintf("%dx%d", nw, nh))
		img = scale(img, nw, nh)
		w, h = nw, nh
		if data, err = n.encode(img); err != nil {
			return nil, err
		}
	}

	return n.result(data, w, h, pages, limits, names), nil
}

func (n *Normalizer) decode(doc *model.Document) (image.Image, string, int, error) {
	if isPDF(doc.Data) {
		img, pages, err := n.rasterizePDF(doc.Data)
		if err != nil {
			return nil, "", 0, errors.NewUnsupportedFormatError(doc.Source, err)
		}
		if pages > 1 {
			n.logger.Warn("Only the first page will be used", "source", doc.Source, "pages", pages)
		}
		return img, "pdf", pages, nil
	}

	// multi-frame GIF and TIFF decode to their first frame
	img, format, err := image.Decode(bytes.NewReader(doc.Data))
	if err != nil {
		return nil, "", 0, errors.NewUnsupportedFormatError(doc.Source, err)
	}
	return img, format, 1, nil
}

func (n *Normalizer) encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := n.encoder.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func (n *Normalizer) result(data []byte, w, h, pages int, limits Limits, names []string) *model.NormalizedImage {
	sum := sha256.Sum256(data)
	return &model.NormalizedImage{
		Data:        data,
		Format:      CanonicalFormat,
		Width:       w,
		Height:      h,
		SourcePages: pages,
		Limit:       limits.MaxSize,
		Services:    names,
		Digest:      hex.EncodeToString(sum[:]),
	}
}

func fitsBytes(size int64, l Limits) bool {
	return l.MaxSize == 0 || size <= l.MaxSize
}

func fitsPixels(w, h int, l Limits) bool {
	return (l.MaxWidth == 0 || w <= l.MaxWidth) && (l.MaxHeight == 0 || h <= l.MaxHeight)
}

// fitWithin scales w x h down to fit maxW x maxH, keeping the aspect ratio.
func fitWithin(w, h, maxW, maxH int) (int, int) {
	ratio := 1.0
	if maxW > 0 && w > maxW {
		ratio = math.Min(ratio, float64(maxW)/float64(w))
	}
	if maxH > 0 && h > maxH {
		ratio = math.Min(ratio, float64(maxH)/float64(h))
	}
	nw := int(math.Floor(float64(w) * ratio))
	nh := int(math.Floor(float64(h) * ratio))
	return nw, nh
}

func scale(src image.Image, w, h int) image.Image {
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}
