/**
 * Tesseract adapter - local, offline recognition
 *
 * Uses the Tesseract library through gosseract. A new client is created for
 * every call since a gosseract client is not safe for concurrent use.
 */

package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/handprint-worker/internal/errors"
	"github.com/adverant/nexus/handprint-worker/internal/logging"
	"github.com/adverant/nexus/handprint-worker/internal/model"
)

// TesseractName is the registry name of the Tesseract adapter.
const TesseractName = "tesseract"

// ocrClient is the subset of *gosseract.Client the adapter uses.
type ocrClient interface {
	SetImageFromBytes(data []byte) error
	SetLanguage(langs ...string) error
	Text() (string, error)
	GetBoundingBoxes(level gosseract.PageIteratorLevel) ([]gosseract.BoundingBox, error)
	Close() error
}

// TesseractService runs Tesseract in-process.
type TesseractService struct {
	descriptor model.ServiceDescriptor
	language   string
	newClient  func() ocrClient
	logger     *logging.Logger
}

// NewTesseractService creates the adapter. language is the default
// Tesseract language code, e.g. "eng".
func NewTesseractService(d model.ServiceDescriptor, language string) *TesseractService {
	if language == "" {
		language = "eng"
	}
	return &TesseractService{
		descriptor: d,
		language:   language,
		newClient:  func() ocrClient { return gosseract.NewClient() },
		logger:     logging.NewLogger("TesseractService"),
	}
}

func (t *TesseractService) Descriptor() model.ServiceDescriptor {
	return t.descriptor
}

type tesseractOutput struct {
	res *model.RecognitionResult
	err error
}

// Recognize runs OCR on the image. The library call itself cannot be
// interrupted, so on cancellation the call is abandoned and its client is
// closed once it returns.
func (t *TesseractService) Recognize(ctx context.Context, img *model.NormalizedImage, opts RequestOptions) (*model.RecognitionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	done := make(chan tesseractOutput, 1)
	go func() {
		res, err := t.run(img, opts)
		done <- tesseractOutput{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-done:
		return out.res, out.err
	}
}

func (t *TesseractService) run(img *model.NormalizedImage, opts RequestOptions) (*model.RecognitionResult, error) {
	start := time.Now()

	client := t.newClient()
	defer client.Close()

	lang := tesseractLanguage(opts.Language, t.language)
	if err := client.SetLanguage(lang); err != nil {
		return nil, errors.NewServiceError(TesseractName, errors.KindUnknown,
			fmt.Sprintf("failed to set language %q", lang), err)
	}
	if err := client.SetImageFromBytes(img.Data); err != nil {
		return nil, errors.NewServiceError(TesseractName, errors.KindMalformed, "failed to set image", err)
	}

	text, err := client.Text()
	if err != nil {
		return nil, errors.NewServiceError(TesseractName, errors.KindUnknown, "tesseract OCR failed", err)
	}

	res := &model.RecognitionResult{
		Service: TesseractName,
		Text:    strings.TrimSpace(text),
	}

	levels := []struct {
		granularity model.Granularity
		level       gosseract.PageIteratorLevel
	}{
		{model.GranularityParagraph, gosseract.RIL_PARA},
		{model.GranularityLine, gosseract.RIL_TEXTLINE},
		{model.GranularityWord, gosseract.RIL_WORD},
	}
	for _, l := range levels {
		if !opts.wants(l.granularity) {
			continue
		}
		boxes, err := client.GetBoundingBoxes(l.level)
		if err != nil {
			return nil, errors.NewServiceError(TesseractName, errors.KindUnknown,
				fmt.Sprintf("failed to read %s boxes", l.granularity), err)
		}
		for _, b := range boxes {
			word := strings.TrimSpace(b.Word)
			if word == "" {
				continue
			}
			res.Items = append(res.Items, model.TextItem{
				Text:        word,
				Granularity: l.granularity,
				Polygon: []model.Point{
					{X: b.Box.Min.X, Y: b.Box.Min.Y},
					{X: b.Box.Max.X, Y: b.Box.Min.Y},
					{X: b.Box.Max.X, Y: b.Box.Max.Y},
					{X: b.Box.Min.X, Y: b.Box.Max.Y},
				},
				Confidence: model.Confidence(b.Confidence / 100),
			})
		}
	}

	res.Duration = time.Since(start)
	capItems(res, t.descriptor.MaxItems)

	t.logger.Info("Recognition complete",
		"language", lang,
		"items", len(res.Items),
		"duration", res.Duration)
	return res, nil
}

// two-letter hints most callers pass, mapped to Tesseract traineddata names
var tesseractLanguages = map[string]string{
	"en": "eng",
	"de": "deu",
	"fr": "fra",
	"es": "spa",
	"it": "ita",
	"nl": "nld",
	"pt": "por",
}

func tesseractLanguage(hint, fallback string) string {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint == "" {
		return fallback
	}
	if i := strings.IndexAny(hint, "-_"); i > 0 {
		hint = hint[:i]
	}
	if lang, ok := tesseractLanguages[hint]; ok {
		return lang
	}
	return hint
}
