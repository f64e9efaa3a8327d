package services

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/handprint-worker/internal/errors"
	"github.com/adverant/nexus/handprint-worker/internal/logging"
	"github.com/adverant/nexus/handprint-worker/internal/model"
)

const azureSucceeded = `{
  "status": "succeeded",
  "analyzeResult": {
    "version": "3.2.0",
    "readResults": [{
      "page": 1, "width": 600, "height": 400, "unit": "pixel",
      "lines": [
        {"boundingBox": [10,10,200,10,200,40,10,40], "text": "Hello world",
         "words": [
           {"boundingBox": [10,10,90,10,90,40,10,40], "text": "Hello", "confidence": 0.98},
           {"boundingBox": [100,10,200,10,200,40,100,40], "text": "world", "confidence": 0.91}
         ]},
        {"boundingBox": [10,50,150,50,150,80,10,80], "text": "second line",
         "words": [
           {"boundingBox": [10,50,70,50,70,80,10,80], "text": "second", "confidence": 0.88},
           {"boundingBox": [80,50,150,50,150,80,80,80], "text": "line", "confidence": 0.95}
         ]}
      ]
    }]
  }
}`

func newTestMicrosoft(url string) *MicrosoftService {
	svc := NewMicrosoftService(model.ServiceDescriptor{Name: MicrosoftName}, url, "secret")
	svc.pollInterval = time.Millisecond
	svc.retry = fastRetry()
	svc.logger = logging.Nop()
	return svc
}

func TestMicrosoftRecognize(t *testing.T) {
	var polls atomic.Int32
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("Ocp-Apim-Subscription-Key"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/vision/v3.2/read/analyze":
			assert.Equal(t, "en", r.URL.Query().Get("language"))
			assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
			body, _ := io.ReadAll(r.Body)
			assert.Equal(t, []byte("png"), body)
			w.Header().Set("Operation-Location", server.URL+"/operations/42")
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodGet && r.URL.Path == "/operations/42":
			if polls.Add(1) < 2 {
				_, _ = w.Write([]byte(`{"status": "running"}`))
				return
			}
			_, _ = w.Write([]byte(azureSucceeded))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	res, err := newTestMicrosoft(server.URL).Recognize(context.Background(), testImage(), RequestOptions{Language: "en"})
	require.NoError(t, err)

	assert.Equal(t, int32(2), polls.Load())
	assert.Equal(t, "Hello world\nsecond line", res.Text)
	assert.Equal(t, []string{"Hello world", "second line"}, res.Lines())

	words := res.ItemsOf(model.GranularityWord)
	require.Len(t, words, 4)
	assert.Equal(t, "world", words[1].Text)
	assert.InDelta(t, 0.91, *words[1].Confidence, 1e-9)
	assert.Equal(t, []model.Point{{X: 100, Y: 10}, {X: 200, Y: 10}, {X: 200, Y: 40}, {X: 100, Y: 40}}, words[1].Polygon)
	assert.NotEmpty(t, res.Raw)
}

func TestMicrosoftAuthFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":"401","message":"Access denied due to invalid subscription key."}}`))
	}))
	defer server.Close()

	_, err := newTestMicrosoft(server.URL).Recognize(context.Background(), testImage(), RequestOptions{})
	se := errors.AsServiceError(MicrosoftName, err)
	assert.Equal(t, errors.KindAuth, se.Kind)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
	assert.Contains(t, se.Message, "invalid subscription key")
	assert.Equal(t, int32(1), calls.Load())
}

func TestMicrosoftRateLimitRetried(t *testing.T) {
	var submits atomic.Int32
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if submits.Add(1) == 1 {
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			w.Header().Set("Operation-Location", server.URL+"/operations/1")
			w.WriteHeader(http.StatusAccepted)
			return
		}
		_, _ = w.Write([]byte(azureSucceeded))
	}))
	defer server.Close()

	res, err := newTestMicrosoft(server.URL).Recognize(context.Background(), testImage(), RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), submits.Load())
	assert.Len(t, res.Lines(), 2)
}

func TestMicrosoftOperationFailed(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Header().Set("Operation-Location", server.URL+"/operations/1")
			w.WriteHeader(http.StatusAccepted)
			return
		}
		_, _ = w.Write([]byte(`{"status": "failed"}`))
	}))
	defer server.Close()

	_, err := newTestMicrosoft(server.URL).Recognize(context.Background(), testImage(), RequestOptions{})
	se := errors.AsServiceError(MicrosoftName, err)
	assert.Equal(t, errors.KindUnknown, se.Kind)
}

func TestMicrosoftMissingOperationLocation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	_, err := newTestMicrosoft(server.URL).Recognize(context.Background(), testImage(), RequestOptions{})
	se := errors.AsServiceError(MicrosoftName, err)
	assert.Equal(t, errors.KindMalformed, se.Kind)
}

func TestAzurePolygon(t *testing.T) {
	assert.Nil(t, azurePolygon(nil))
	assert.Equal(t, []model.Point{{X: 1, Y: 2}, {X: 4, Y: 4}}, azurePolygon([]float64{1.2, 2.4, 3.6, 4.0}))
}
