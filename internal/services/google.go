/**
 * Google Cloud Vision adapter
 *
 * Sends DOCUMENT_TEXT_DETECTION requests to images:annotate. Paragraphs and
 * words come straight from the annotation hierarchy; lines are rebuilt from
 * the detected breaks on each word's last symbol.
 */

package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adverant/nexus/handprint-worker/internal/errors"
	"github.com/adverant/nexus/handprint-worker/internal/logging"
	"github.com/adverant/nexus/handprint-worker/internal/model"
)

// GoogleName is the registry name of the Cloud Vision adapter.
const GoogleName = "google"

// DefaultGoogleEndpoint is the public Vision API host.
const DefaultGoogleEndpoint = "https://vision.googleapis.com"

// GoogleService calls the Cloud Vision REST API with an API key.
type GoogleService struct {
	descriptor model.ServiceDescriptor
	endpoint   string
	apiKey     string
	httpClient *http.Client
	retry      RetryConfig
	logger     *logging.Logger
}

// NewGoogleService creates the adapter. An empty endpoint means DefaultGoogleEndpoint.
func NewGoogleService(d model.ServiceDescriptor, endpoint, apiKey string) *GoogleService {
	if endpoint == "" {
		endpoint = DefaultGoogleEndpoint
	}
	return &GoogleService{
		descriptor: d,
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: newHTTPClient(),
		retry:      DefaultRetryConfig(),
		logger:     logging.NewLogger("GoogleService"),
	}
}

func (g *GoogleService) Descriptor() model.ServiceDescriptor {
	return g.descriptor
}

func (g *GoogleService) Recognize(ctx context.Context, img *model.NormalizedImage, opts RequestOptions) (*model.RecognitionResult, error) {
	start := time.Now()

	request := visionRequest{Requests: []visionImageRequest{{
		Image:    visionImage{Content: base64.StdEncoding.EncodeToString(img.Data)},
		Features: []visionFeature{{Type: "DOCUMENT_TEXT_DETECTION"}},
	}}}
	if opts.Language != "" {
		request.Requests[0].ImageContext = &visionImageContext{LanguageHints: []string{opts.Language}}
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var (
		annotation *visionFullText
		raw        []byte
	)
	err = withRetry(ctx, g.retry, g.logger, GoogleName, func() error {
		endpoint := g.endpoint + "/v1/images:annotate?key=" + url.QueryEscape(g.apiKey)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		_, body, err := doHTTP(ctx, g.httpClient, GoogleName, req, http.StatusOK)
		if err != nil {
			return err
		}

		var resp visionResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return malformed(GoogleName, "annotate response is not JSON", err)
		}
		if len(resp.Responses) == 0 {
			return malformed(GoogleName, "annotate response has no entries", nil)
		}
		if st := resp.Responses[0].Error; st != nil && st.Code != 0 {
			return visionError(st)
		}
		annotation = resp.Responses[0].FullTextAnnotation
		raw = body
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := convertVision(annotation, opts)
	res.Raw = raw
	res.Duration = time.Since(start)
	capItems(res, g.descriptor.MaxItems)

	g.logger.Info("Recognition complete",
		"items", len(res.Items),
		"truncated", res.Truncated,
		"duration", res.Duration)
	return res, nil
}

// visionError maps a google.rpc.Code carried in the response body.
func visionError(st *visionStatus) error {
	var kind errors.ServiceErrorKind
	switch st.Code {
	case 3: // INVALID_ARGUMENT
		kind = errors.KindMalformed
	case 7, 16: // PERMISSION_DENIED, UNAUTHENTICATED
		kind = errors.KindAuth
	case 8: // RESOURCE_EXHAUSTED
		kind = errors.KindRateLimit
	case 4, 13, 14: // DEADLINE_EXCEEDED, INTERNAL, UNAVAILABLE
		kind = errors.KindTransient
	default:
		kind = errors.KindUnknown
	}
	se := errors.NewServiceError(GoogleName, kind, fmt.Sprintf("vision error %d: %s", st.Code, st.Message), nil)
	if kind == errors.KindRateLimit {
		se.RetryAfter = errors.DefaultRetryAfter
	}
	return se
}

func convertVision(annotation *visionFullText, opts RequestOptions) *model.RecognitionResult {
	res := &model.RecognitionResult{Service: GoogleName}
	if annotation == nil {
		// nothing legible on the page
		return res
	}
	res.Text = strings.TrimSpace(annotation.Text)

	var lines []model.TextItem
	var words []model.TextItem
	var paragraphs []model.TextItem

	for _, page := range annotation.Pages {
		for _, block := range page.Blocks {
			for _, para := range block.Paragraphs {
				var paraText strings.Builder
				var line strings.Builder
				var linePoints []model.Point

				flushLine := func() {
					text := strings.TrimSpace(line.String())
					if text != "" {
						lines = append(lines, model.TextItem{
							Text:        text,
							Granularity: model.GranularityLine,
							Polygon:     boundingRect(linePoints),
						})
					}
					line.Reset()
					linePoints = nil
				}

				for _, word := range para.Words {
					var w strings.Builder
					for _, sym := range word.Symbols {
						w.WriteString(sym.Text)
					}
					points := visionPolygon(word.BoundingBox)
					words = append(words, model.TextItem{
						Text:        w.String(),
						Granularity: model.GranularityWord,
						Polygon:     points,
						Confidence:  model.Confidence(word.Confidence),
					})

					line.WriteString(w.String())
					paraText.WriteString(w.String())
					linePoints = append(linePoints, points...)

					switch lastBreak(word) {
					case "SPACE", "SURE_SPACE":
						line.WriteByte(' ')
						paraText.WriteByte(' ')
					case "EOL_SURE_SPACE", "LINE_BREAK":
						flushLine()
						paraText.WriteByte(' ')
					case "HYPHEN":
						line.WriteByte('-')
						flushLine()
					}
				}
				flushLine()

				paragraphs = append(paragraphs, model.TextItem{
					Text:        strings.TrimSpace(paraText.String()),
					Granularity: model.GranularityParagraph,
					Polygon:     visionPolygon(para.BoundingBox),
					Confidence:  model.Confidence(para.Confidence),
				})
			}
		}
	}

	if opts.wants(model.GranularityParagraph) {
		res.Items = append(res.Items, paragraphs...)
	}
	if opts.wants(model.GranularityLine) {
		res.Items = append(res.Items, lines...)
	}
	if opts.wants(model.GranularityWord) {
		res.Items = append(res.Items, words...)
	}
	return res
}

func lastBreak(word visionWord) string {
	if len(word.Symbols) == 0 {
		return ""
	}
	p := word.Symbols[len(word.Symbols)-1].Property
	if p == nil || p.DetectedBreak == nil {
		return ""
	}
	return p.DetectedBreak.Type
}

func visionPolygon(poly visionPoly) []model.Point {
	if len(poly.Vertices) == 0 {
		return nil
	}
	points := make([]model.Point, len(poly.Vertices))
	for i, v := range poly.Vertices {
		points[i] = model.Point{X: v.X, Y: v.Y}
	}
	return points
}

// boundingRect returns the axis-aligned rectangle around points, clockwise from top-left.
func boundingRect(points []model.Point) []model.Point {
	if len(points) == 0 {
		return nil
	}
	minX, minY := points[0].X, points[0].Y
	maxX, maxY := minX, minY
	for _, p := range points[1:] {
		minX = min(minX, p.X)
		minY = min(minY, p.Y)
		maxX = max(maxX, p.X)
		maxY = max(maxY, p.Y)
	}
	return []model.Point{{X: minX, Y: minY}, {X: maxX, Y: minY}, {X: maxX, Y: maxY}, {X: minX, Y: maxY}}
}
