package services

import (
	"context"
	"fmt"
	"image"
	"testing"

	"github.com/otiai10/gosseract/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/handprint-worker/internal/errors"
	"github.com/adverant/nexus/handprint-worker/internal/logging"
	"github.com/adverant/nexus/handprint-worker/internal/model"
)

type fakeOCRClient struct {
	lang     []string
	image    []byte
	imageErr error
	text     string
	boxes    map[gosseract.PageIteratorLevel][]gosseract.BoundingBox
	closed   bool
}

func (f *fakeOCRClient) SetImageFromBytes(data []byte) error {
	f.image = data
	return f.imageErr
}

func (f *fakeOCRClient) SetLanguage(langs ...string) error {
	f.lang = langs
	return nil
}

func (f *fakeOCRClient) Text() (string, error) { return f.text, nil }

func (f *fakeOCRClient) GetBoundingBoxes(level gosseract.PageIteratorLevel) ([]gosseract.BoundingBox, error) {
	if boxes, ok := f.boxes[level]; ok {
		return boxes, nil
	}
	return nil, fmt.Errorf("no boxes for level %d", level)
}

func (f *fakeOCRClient) Close() error {
	f.closed = true
	return nil
}

func newFakeTesseract(client *fakeOCRClient, maxItems int) *TesseractService {
	return &TesseractService{
		descriptor: model.ServiceDescriptor{Name: TesseractName, MaxItems: maxItems},
		language:   "eng",
		newClient:  func() ocrClient { return client },
		logger:     logging.Nop(),
	}
}

func sampleBoxes() map[gosseract.PageIteratorLevel][]gosseract.BoundingBox {
	return map[gosseract.PageIteratorLevel][]gosseract.BoundingBox{
		gosseract.RIL_PARA: {
			{Box: image.Rect(0, 0, 100, 40), Word: "Dear Sir\nthank you\n", Confidence: 88},
		},
		gosseract.RIL_TEXTLINE: {
			{Box: image.Rect(0, 0, 80, 18), Word: "Dear Sir\n", Confidence: 90},
			{Box: image.Rect(0, 20, 100, 40), Word: "thank you\n", Confidence: 86},
		},
		gosseract.RIL_WORD: {
			{Box: image.Rect(0, 0, 35, 18), Word: "Dear", Confidence: 95},
			{Box: image.Rect(40, 0, 80, 18), Word: "Sir", Confidence: 85},
			{Box: image.Rect(0, 20, 45, 40), Word: "thank", Confidence: 80},
			{Box: image.Rect(50, 20, 100, 40), Word: " ", Confidence: 10},
		},
	}
}

func TestTesseractRecognize(t *testing.T) {
	client := &fakeOCRClient{text: "Dear Sir\nthank you\n", boxes: sampleBoxes()}
	svc := newFakeTesseract(client, 0)

	res, err := svc.Recognize(context.Background(), testImage(), RequestOptions{Language: "de-DE"})
	require.NoError(t, err)

	assert.True(t, client.closed)
	assert.Equal(t, []string{"deu"}, client.lang)
	assert.Equal(t, []byte("png"), client.image)

	assert.Equal(t, TesseractName, res.Service)
	assert.Equal(t, "Dear Sir\nthank you", res.Text)
	assert.Equal(t, []string{"Dear Sir", "thank you"}, res.Lines())
	assert.Len(t, res.ItemsOf(model.GranularityParagraph), 1)
	// blank words are skipped
	require.Len(t, res.ItemsOf(model.GranularityWord), 3)

	word := res.ItemsOf(model.GranularityWord)[1]
	assert.Equal(t, "Sir", word.Text)
	require.NotNil(t, word.Confidence)
	assert.InDelta(t, 0.85, *word.Confidence, 1e-9)
	assert.Equal(t, []model.Point{{X: 40, Y: 0}, {X: 80, Y: 0}, {X: 80, Y: 18}, {X: 40, Y: 18}}, word.Polygon)
}

func TestTesseractGranularityAndCap(t *testing.T) {
	client := &fakeOCRClient{text: "Dear Sir", boxes: sampleBoxes()}
	svc := newFakeTesseract(client, 2)

	res, err := svc.Recognize(context.Background(), testImage(), RequestOptions{Granularity: model.GranularityWord})
	require.NoError(t, err)
	assert.Empty(t, res.ItemsOf(model.GranularityLine))
	assert.Len(t, res.ItemsOf(model.GranularityWord), 2)
	assert.True(t, res.Truncated)
}

func TestTesseractBadImage(t *testing.T) {
	client := &fakeOCRClient{imageErr: fmt.Errorf("leptonica cannot read image"), boxes: sampleBoxes()}
	svc := newFakeTesseract(client, 0)

	_, err := svc.Recognize(context.Background(), testImage(), RequestOptions{})
	se := errors.AsServiceError(TesseractName, err)
	assert.Equal(t, errors.KindMalformed, se.Kind)
	assert.True(t, client.closed)
}

func TestTesseractCancelled(t *testing.T) {
	svc := newFakeTesseract(&fakeOCRClient{boxes: sampleBoxes()}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Recognize(ctx, testImage(), RequestOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTesseractLanguage(t *testing.T) {
	assert.Equal(t, "eng", tesseractLanguage("", "eng"))
	assert.Equal(t, "eng", tesseractLanguage("en", "deu"))
	assert.Equal(t, "fra", tesseractLanguage("FR_ca", "eng"))
	assert.Equal(t, "jpn", tesseractLanguage("jpn", "eng"))
}
