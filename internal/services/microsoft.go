/**
 * Microsoft Azure Computer Vision Read adapter
 *
 * The Read API is asynchronous: the image is submitted with a POST that
 * answers 202 Accepted and an Operation-Location header, which is then polled
 * until the analysis succeeds or fails.
 */

package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adverant/nexus/handprint-worker/internal/errors"
	"github.com/adverant/nexus/handprint-worker/internal/logging"
	"github.com/adverant/nexus/handprint-worker/internal/model"
)

// MicrosoftName is the registry name of the Azure Read adapter.
const MicrosoftName = "microsoft"

// MicrosoftService calls Azure Computer Vision Read v3.2.
type MicrosoftService struct {
	descriptor   model.ServiceDescriptor
	endpoint     string
	key          string
	httpClient   *http.Client
	pollInterval time.Duration
	retry        RetryConfig
	logger       *logging.Logger
}

// NewMicrosoftService creates the adapter for the given Azure endpoint and key.
func NewMicrosoftService(d model.ServiceDescriptor, endpoint, key string) *MicrosoftService {
	return &MicrosoftService{
		descriptor:   d,
		endpoint:     strings.TrimRight(endpoint, "/"),
		key:          key,
		httpClient:   newHTTPClient(),
		pollInterval: time.Second,
		retry:        DefaultRetryConfig(),
		logger:       logging.NewLogger("MicrosoftService"),
	}
}

func (s *MicrosoftService) Descriptor() model.ServiceDescriptor {
	return s.descriptor
}

// Recognize submits the image and polls for the result.
func (s *MicrosoftService) Recognize(ctx context.Context, img *model.NormalizedImage, opts RequestOptions) (*model.RecognitionResult, error) {
	start := time.Now()

	var operationURL string
	err := withRetry(ctx, s.retry, s.logger, MicrosoftName, func() error {
		var err error
		operationURL, err = s.submit(ctx, img, opts)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Read operation accepted", "operation", operationURL)

	read, raw, err := s.waitForResult(ctx, operationURL)
	if err != nil {
		return nil, err
	}

	res := s.convert(read, opts)
	res.Raw = raw
	res.Duration = time.Since(start)
	capItems(res, s.descriptor.MaxItems)

	s.logger.Info("Recognition complete",
		"items", len(res.Items),
		"truncated", res.Truncated,
		"duration", res.Duration)
	return res, nil
}

func (s *MicrosoftService) submit(ctx context.Context, img *model.NormalizedImage, opts RequestOptions) (string, error) {
	endpoint := s.endpoint + "/vision/v3.2/read/analyze"
	if opts.Language != "" {
		endpoint += "?language=" + url.QueryEscape(opts.Language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(img.Data))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Ocp-Apim-Subscription-Key", s.key)

	resp, _, err := doHTTP(ctx, s.httpClient, MicrosoftName, req, http.StatusAccepted)
	if err != nil {
		return "", err
	}

	location := resp.Header.Get("Operation-Location")
	if location == "" {
		return "", malformed(MicrosoftName, "202 response without Operation-Location", nil)
	}
	return location, nil
}

// waitForResult polls the operation until it reaches a terminal status
func (s *MicrosoftService) waitForResult(ctx context.Context, operationURL string) (*azureReadOperation, []byte, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-ticker.C:
		}

		var (
			op  azureReadOperation
			raw []byte
		)
		err := withRetry(ctx, s.retry, s.logger, MicrosoftName, func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, operationURL, nil)
			if err != nil {
				return fmt.Errorf("failed to create status request: %w", err)
			}
			req.Header.Set("Ocp-Apim-Subscription-Key", s.key)

			_, body, err := doHTTP(ctx, s.httpClient, MicrosoftName, req, http.StatusOK)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(body, &op); err != nil {
				return malformed(MicrosoftName, "operation status is not JSON", err)
			}
			raw = body
			return nil
		})
		if err != nil {
			return nil, nil, err
		}

		switch strings.ToLower(op.Status) {
		case "succeeded":
			return &op, raw, nil
		case "failed":
			return nil, nil, errors.NewServiceError(MicrosoftName, errors.KindUnknown, "read operation failed", nil)
		case "notstarted", "running":
			continue
		default:
			return nil, nil, malformed(MicrosoftName, fmt.Sprintf("operation status %q", op.Status), nil)
		}
	}
}

func (s *MicrosoftService) convert(op *azureReadOperation, opts RequestOptions) *model.RecognitionResult {
	res := &model.RecognitionResult{Service: MicrosoftName}
	var text []string

	// only the first page is ever submitted
	if len(op.AnalyzeResult.ReadResults) > 0 {
		page := op.AnalyzeResult.ReadResults[0]
		for _, line := range page.Lines {
			text = append(text, line.Text)
			if opts.wants(model.GranularityLine) {
				res.Items = append(res.Items, model.TextItem{
					Text:        line.Text,
					Granularity: model.GranularityLine,
					Polygon:     azurePolygon(line.BoundingBox),
				})
			}
			if opts.wants(model.GranularityWord) {
				for _, w := range line.Words {
					res.Items = append(res.Items, model.TextItem{
						Text:        w.Text,
						Granularity: model.GranularityWord,
						Polygon:     azurePolygon(w.BoundingBox),
						Confidence:  model.Confidence(w.Confidence),
					})
				}
			}
		}
	}

	res.Text = strings.Join(text, "\n")
	return res
}

// azurePolygon converts the flat [x1,y1,x2,y2,...] list into points.
func azurePolygon(coords []float64) []model.Point {
	if len(coords) < 2 {
		return nil
	}
	points := make([]model.Point, 0, len(coords)/2)
	for i := 0; i+1 < len(coords); i += 2 {
		points = append(points, model.Point{
			X: int(math.Round(coords[i])),
			Y: int(math.Round(coords[i+1])),
		})
	}
	return points
}
