package services

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/adverant/nexus/handprint-worker/internal/cache"
	"github.com/adverant/nexus/handprint-worker/internal/errors"
	"github.com/adverant/nexus/handprint-worker/internal/logging"
	"github.com/adverant/nexus/handprint-worker/internal/model"
)

// stubService returns a fixed result or error and counts calls.
type stubService struct {
	desc  model.ServiceDescriptor
	text  string
	err   error
	calls atomic.Int32
}

func (s *stubService) Descriptor() model.ServiceDescriptor { return s.desc }

func (s *stubService) Recognize(ctx context.Context, img *model.NormalizedImage, opts RequestOptions) (*model.RecognitionResult, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &model.RecognitionResult{
		Service: s.desc.Name,
		Text:    s.text,
		Items:   []model.TextItem{{Text: s.text, Granularity: model.GranularityLine}},
		Raw:     []byte(`{"raw":true}`),
	}, nil
}

func testImage() *model.NormalizedImage {
	return &model.NormalizedImage{Data: []byte("png"), Format: "png", Digest: "abc123"}
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry(nil)
	for _, name := range []string{"tesseract", "google", "microsoft"} {
		r.Register(name, func(d model.ServiceDescriptor) (Service, error) {
			return &stubService{desc: d}, nil
		})
	}

	names, err := r.Resolve([]string{"Google, tesseract", "google"})
	require.NoError(t, err)
	assert.Equal(t, []string{"google", "tesseract"}, names)

	names, err = r.Resolve([]string{"all"})
	require.NoError(t, err)
	assert.Equal(t, []string{"google", "microsoft", "tesseract"}, names)

	_, err = r.Resolve([]string{"amazon"})
	assert.ErrorIs(t, err, ErrUnknownService)

	_, err = r.Resolve([]string{" , "})
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestDefaultRegistryRequiresCredentials(t *testing.T) {
	r := NewDefaultRegistry(BuiltinDescriptors(), Credentials{})
	assert.Equal(t, []string{TesseractName}, r.Names())

	r = NewDefaultRegistry(BuiltinDescriptors(), Credentials{
		MicrosoftEndpoint: "https://example.cognitiveservices.azure.com",
		MicrosoftKey:      "key",
		GoogleAPIKey:      "key",
	})
	assert.Equal(t, []string{GoogleName, MicrosoftName, TesseractName}, r.Names())

	d, ok := r.Descriptor(MicrosoftName)
	require.True(t, ok)
	assert.Equal(t, int64(4<<20), d.MaxSize)
	assert.True(t, d.Supports(model.GranularityWord))
	assert.False(t, d.Supports(model.GranularityParagraph))
}

func TestRegistryBuildWrapsAdapters(t *testing.T) {
	r := NewRegistry([]model.ServiceDescriptor{{Name: "slow", MaxRate: 2}, {Name: "fast"}})
	for _, name := range []string{"slow", "fast"} {
		r.Register(name, func(d model.ServiceDescriptor) (Service, error) {
			return &stubService{desc: d}, nil
		})
	}

	built, err := r.Build([]string{"slow", "fast"}, BuildOptions{})
	require.NoError(t, err)
	require.Len(t, built, 2)
	assert.IsType(t, &rateLimited{}, built[0])
	assert.IsType(t, &stubService{}, built[1])

	built, err = r.Build([]string{"slow"}, BuildOptions{Cache: cache.NewMemoryClient(), CacheTTL: time.Minute})
	require.NoError(t, err)
	assert.IsType(t, &Cached{}, built[0])
	assert.Equal(t, "slow", built[0].Descriptor().Name)

	// one limiter per service, shared between builds
	assert.Same(t, r.limiter(model.ServiceDescriptor{Name: "slow", MaxRate: 2}), r.limiters["slow"])

	_, err = r.Build([]string{"nope"}, BuildOptions{})
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestRegistryBuildFactoryError(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("broken", func(d model.ServiceDescriptor) (Service, error) {
		return nil, fmt.Errorf("no credentials")
	})
	_, err := r.Build([]string{"broken"}, BuildOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no credentials")
}

func TestCapItems(t *testing.T) {
	res := &model.RecognitionResult{Items: []model.TextItem{
		{Text: "a", Granularity: model.GranularityWord},
		{Text: "line", Granularity: model.GranularityLine},
		{Text: "b", Granularity: model.GranularityWord},
		{Text: "c", Granularity: model.GranularityWord},
	}}

	capItems(res, 2)
	assert.True(t, res.Truncated)
	require.Len(t, res.Items, 3)
	assert.Equal(t, []string{"a", "line", "b"}, []string{res.Items[0].Text, res.Items[1].Text, res.Items[2].Text})

	res = &model.RecognitionResult{Items: []model.TextItem{{Text: "a", Granularity: model.GranularityWord}}}
	capItems(res, 0)
	assert.False(t, res.Truncated)
	assert.Len(t, res.Items, 1)
}

func TestCachedServesRepeatCalls(t *testing.T) {
	stub := &stubService{desc: model.ServiceDescriptor{Name: "stub"}, text: "hello"}
	c := NewCached(stub, cache.NewMemoryClient(), time.Hour)
	opts := RequestOptions{Language: "en"}

	first, err := c.Recognize(context.Background(), testImage(), opts)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := c.Recognize(context.Background(), testImage(), opts)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "hello", second.Text)
	assert.Equal(t, []byte(`{"raw":true}`), second.Raw)
	assert.Equal(t, int32(1), stub.calls.Load())

	// different options are a different key
	_, err = c.Recognize(context.Background(), testImage(), RequestOptions{Language: "de"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), stub.calls.Load())
}

func TestCachedDoesNotStoreFailures(t *testing.T) {
	stub := &stubService{
		desc: model.ServiceDescriptor{Name: "stub"},
		err:  errors.NewServiceError("stub", errors.KindTransient, "down", nil),
	}
	mem := cache.NewMemoryClient()
	c := NewCached(stub, mem, time.Hour)

	_, err := c.Recognize(context.Background(), testImage(), RequestOptions{})
	require.Error(t, err)
	_, err = c.Recognize(context.Background(), testImage(), RequestOptions{})
	require.Error(t, err)
	assert.Equal(t, int32(2), stub.calls.Load())

	_, err = mem.Get(context.Background(), c.Key(testImage(), RequestOptions{}))
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}

func TestCachedDiscardsUnreadableEntry(t *testing.T) {
	stub := &stubService{
		desc: model.ServiceDescriptor{Name: "stub"},
		err:  errors.NewServiceError("stub", errors.KindTransient, "down", nil),
	}
	mem := cache.NewMemoryClient()
	c := NewCached(stub, mem, time.Hour)
	key := c.Key(testImage(), RequestOptions{})
	require.NoError(t, mem.Set(context.Background(), key, []byte("{not json"), time.Hour))

	_, err := c.Recognize(context.Background(), testImage(), RequestOptions{})
	require.Error(t, err)
	assert.Equal(t, int32(1), stub.calls.Load())

	_, err = mem.Get(context.Background(), key)
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}

func TestRateLimitedDeadline(t *testing.T) {
	stub := &stubService{desc: model.ServiceDescriptor{Name: "stub"}, text: "x"}
	svc := &rateLimited{Service: stub, limiter: rate.NewLimiter(rate.Every(time.Hour), 1)}

	_, err := svc.Recognize(context.Background(), testImage(), RequestOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = svc.Recognize(ctx, testImage(), RequestOptions{})
	se := errors.AsServiceError("stub", err)
	assert.Equal(t, errors.KindRateLimit, se.Kind)
	assert.Equal(t, int32(1), stub.calls.Load())
}

func TestRateLimitedCancelled(t *testing.T) {
	stub := &stubService{desc: model.ServiceDescriptor{Name: "stub"}}
	svc := &rateLimited{Service: stub, limiter: rate.NewLimiter(1, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Recognize(ctx, testImage(), RequestOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithRetry(t *testing.T) {
	t.Run("retries transient errors", func(t *testing.T) {
		attempts := 0
		err := withRetry(context.Background(), fastRetry(), logging.Nop(), "stub", func() error {
			attempts++
			if attempts < 3 {
				return errors.NewServiceError("stub", errors.KindTransient, "blip", nil)
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		attempts := 0
		err := withRetry(context.Background(), fastRetry(), logging.Nop(), "stub", func() error {
			attempts++
			return &errors.ServiceError{Service: "stub", Kind: errors.KindRateLimit, RetryAfter: time.Hour}
		})
		require.Error(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("does not retry auth errors", func(t *testing.T) {
		attempts := 0
		err := withRetry(context.Background(), fastRetry(), logging.Nop(), "stub", func() error {
			attempts++
			return errors.NewServiceError("stub", errors.KindAuth, "bad key", nil)
		})
		require.Error(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("stops on cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := withRetry(ctx, fastRetry(), logging.Nop(), "stub", func() error {
			t.Fatal("fn must not run")
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestCalculateBackoff(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 5, InitialBackoff: time.Second, MaxBackoff: 5 * time.Second}
	assert.Equal(t, time.Second, calculateBackoff(0, cfg))
	assert.Equal(t, 2*time.Second, calculateBackoff(1, cfg))
	assert.Equal(t, 4*time.Second, calculateBackoff(2, cfg))
	assert.Equal(t, 5*time.Second, calculateBackoff(3, cfg))
}
