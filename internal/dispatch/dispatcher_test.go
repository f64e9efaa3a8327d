package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/handprint-worker/internal/errors"
	"github.com/adverant/nexus/handprint-worker/internal/model"
	"github.com/adverant/nexus/handprint-worker/internal/services"
)

// fakeService is a scriptable adapter.
type fakeService struct {
	name     string
	maxSize  int64
	levels   []model.Granularity
	items    []model.TextItem
	delay    time.Duration
	err      error
	panicMsg string
	block    chan struct{} // when set, Recognize ignores ctx and waits on it
	waitCtx  bool          // when set, Recognize waits for ctx to end

	calls atomic.Int32
	onRun func()
	onEnd func()
}

func (f *fakeService) Descriptor() model.ServiceDescriptor {
	return model.ServiceDescriptor{Name: f.name, MaxSize: f.maxSize, Granularities: f.levels}
}

func (f *fakeService) Recognize(ctx context.Context, img *model.NormalizedImage, opts services.RequestOptions) (*model.RecognitionResult, error) {
	f.calls.Add(1)
	if f.onRun != nil {
		f.onRun()
	}
	if f.onEnd != nil {
		defer f.onEnd()
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.block != nil {
		<-f.block
	}
	if f.waitCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &model.RecognitionResult{Text: "text from " + f.name, Items: f.items}, nil
}

func imageFor(names ...string) *model.NormalizedImage {
	return &model.NormalizedImage{Data: []byte("png"), Format: "png", Width: 10, Height: 10, Services: names}
}

func asServices(fakes ...*fakeService) ([]services.Service, []string) {
	svcs := make([]services.Service, len(fakes))
	names := make([]string, len(fakes))
	for i, f := range fakes {
		svcs[i] = f
		names[i] = f.name
	}
	return svcs, names
}

func TestDispatchIsolatesFailure(t *testing.T) {
	fakes := []*fakeService{
		{name: "a", delay: 10 * time.Millisecond},
		{name: "b", err: errors.NewServiceError("b", errors.KindAuth, "bad key", nil)},
		{name: "c", delay: 5 * time.Millisecond},
		{name: "d"},
	}
	svcs, names := asServices(fakes...)

	outcomes, err := Dispatch(context.Background(), imageFor(names...), svcs, 2)
	require.NoError(t, err)
	require.Len(t, outcomes, 4)

	ok := 0
	for name, out := range outcomes {
		if out.OK() {
			ok++
			assert.Equal(t, name, out.Result.Service)
			assert.Equal(t, "text from "+name, out.Result.Text)
		}
	}
	assert.Equal(t, 3, ok)

	failed := outcomes.Failures()
	require.Contains(t, failed, "b")
	assert.Equal(t, errors.KindAuth, failed["b"].Kind)
}

func TestDispatchConcurrencyBound(t *testing.T) {
	const k = 3
	var inFlight, peak atomic.Int32
	onRun := func() {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
	}
	onEnd := func() { inFlight.Add(-1) }

	var fakes []*fakeService
	for i := 0; i < 12; i++ {
		fakes = append(fakes, &fakeService{name: fmt.Sprintf("svc-%d", i), delay: 15 * time.Millisecond, onRun: onRun, onEnd: onEnd})
	}
	svcs, names := asServices(fakes...)

	outcomes, err := Dispatch(context.Background(), imageFor(names...), svcs, k)
	require.NoError(t, err)
	assert.Len(t, outcomes, 12)
	assert.LessOrEqual(t, peak.Load(), int32(k))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
	assert.Equal(t, int32(0), inFlight.Load())
}

func TestDispatchRecoversPanic(t *testing.T) {
	svcs, names := asServices(&fakeService{name: "boom", panicMsg: "nil map"}, &fakeService{name: "fine"})

	outcomes, err := Dispatch(context.Background(), imageFor(names...), svcs, 2)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.True(t, outcomes["fine"].OK())
	require.NotNil(t, outcomes["boom"].Err)
	assert.Equal(t, errors.KindUnknown, outcomes["boom"].Err.Kind)
	assert.Contains(t, outcomes["boom"].Err.Message, "nil map")
}

func TestDispatchRefusesUnsizedService(t *testing.T) {
	sized := &fakeService{name: "sized"}
	unsized := &fakeService{name: "unsized"}
	small := &fakeService{name: "small", maxSize: 2}
	svcs, _ := asServices(sized, unsized, small)

	outcomes, err := Dispatch(context.Background(), imageFor("sized", "small"), svcs, 1)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	assert.True(t, outcomes["sized"].OK())
	assert.Equal(t, errors.KindMalformed, outcomes["unsized"].Err.Kind)
	assert.Equal(t, errors.KindMalformed, outcomes["small"].Err.Kind)
	assert.Equal(t, int32(0), unsized.calls.Load())
	assert.Equal(t, int32(0), small.calls.Load())
}

func TestDispatchRefusesUnsupportedGranularity(t *testing.T) {
	items := []model.TextItem{
		{Text: "Dear Sir", Granularity: model.GranularityLine},
		{Text: "Dear", Granularity: model.GranularityWord},
		{Text: "Sir", Granularity: model.GranularityWord},
	}
	lines := &fakeService{name: "lines", levels: []model.Granularity{model.GranularityWord, model.GranularityLine}, items: items}
	paragraphs := &fakeService{name: "paragraphs", levels: []model.Granularity{model.GranularityParagraph}}
	flexible := &fakeService{name: "any", items: items}
	svcs, names := asServices(lines, paragraphs, flexible)

	d := NewDispatcher(2, services.RequestOptions{Granularity: model.GranularityWord})
	outcomes, err := d.Dispatch(context.Background(), imageFor(names...), svcs)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	require.NotNil(t, outcomes["paragraphs"].Err)
	assert.Equal(t, errors.KindMalformed, outcomes["paragraphs"].Err.Kind)
	assert.Contains(t, outcomes["paragraphs"].Err.Message, "word")
	assert.Equal(t, int32(0), paragraphs.calls.Load())

	require.True(t, outcomes["lines"].OK())
	assert.Len(t, outcomes["lines"].Result.Items, 2, "only word items are kept")
	for _, item := range outcomes["lines"].Result.Items {
		assert.Equal(t, model.GranularityWord, item.Granularity)
	}
	assert.True(t, outcomes["any"].OK())
}

func TestDispatchInterrupted(t *testing.T) {
	fast := &fakeService{name: "fast"}
	slow := &fakeService{name: "slow", waitCtx: true}
	queued := &fakeService{name: "queued"}
	svcs, names := asServices(fast, slow, queued)

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(2, services.RequestOptions{})
	var once sync.Once
	d.OnOutcome = func(service string, outcome model.Outcome) {
		// the first finished service triggers the interrupt
		once.Do(cancel)
	}

	start := time.Now()
	outcomes, err := d.Dispatch(ctx, imageFor(names...), svcs)
	require.ErrorIs(t, err, errors.ErrInterrupted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.NotContains(t, outcomes, "slow")
	assert.Less(t, len(outcomes), 3)
	for _, out := range outcomes {
		assert.True(t, out.OK())
	}
}

func TestDispatchAbandonsUncooperativeAdapter(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	svcs, names := asServices(&fakeService{name: "stuck", block: block})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	outcomes, err := Dispatch(ctx, imageFor(names...), svcs, 1)
	assert.ErrorIs(t, err, errors.ErrInterrupted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, outcomes)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDispatchDuplicateService(t *testing.T) {
	f := &fakeService{name: "dup"}
	outcomes, err := Dispatch(context.Background(), imageFor("dup"), []services.Service{f, f}, 2)
	require.NoError(t, err)
	assert.Len(t, outcomes, 1)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestDispatchOnOutcomeCalledPerService(t *testing.T) {
	svcs, names := asServices(&fakeService{name: "x"}, &fakeService{name: "y", err: fmt.Errorf("socket closed")})
	d := NewDispatcher(0, services.RequestOptions{})
	assert.Equal(t, DefaultConcurrency(), d.Concurrency())

	var mu sync.Mutex
	seen := map[string]bool{}
	d.OnOutcome = func(service string, outcome model.Outcome) {
		mu.Lock()
		defer mu.Unlock()
		seen[service] = outcome.OK()
	}

	outcomes, err := d.Dispatch(context.Background(), imageFor(names...), svcs)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"x": true, "y": false}, seen)
	assert.Equal(t, errors.KindUnknown, outcomes["y"].Err.Kind)
}
