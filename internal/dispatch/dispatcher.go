/**
 * Dispatcher - fans one normalized image out to several recognition services
 *
 * Every service gets its own task. Tasks are bounded by a weighted semaphore
 * and never cancel each other: an adapter error or panic becomes that
 * service's Outcome and nothing else. On cancellation the unfinished services
 * are dropped from the result and ErrInterrupted is returned.
 */

package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/adverant/nexus/handprint-worker/internal/errors"
	"github.com/adverant/nexus/handprint-worker/internal/logging"
	"github.com/adverant/nexus/handprint-worker/internal/model"
	"github.com/adverant/nexus/handprint-worker/internal/services"
)

// DefaultConcurrency is half the available CPUs, at least 1.
func DefaultConcurrency() int {
	return max(1, runtime.NumCPU()/2)
}

// Dispatcher runs recognition tasks for one image at a time.
type Dispatcher struct {
	concurrency int
	options     services.RequestOptions

	// OnOutcome, when set, is called once per finished service after its
	// outcome has been recorded. It may be called from several goroutines.
	OnOutcome func(service string, outcome model.Outcome)

	logger *logging.Logger
}

// NewDispatcher creates a dispatcher. concurrency <= 0 means DefaultConcurrency.
func NewDispatcher(concurrency int, opts services.RequestOptions) *Dispatcher {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency()
	}
	return &Dispatcher{
		concurrency: concurrency,
		options:     opts,
		logger:      logging.NewLogger("Dispatcher"),
	}
}

// Concurrency returns the maximum number of in-flight adapter calls.
func (d *Dispatcher) Concurrency() int {
	return d.concurrency
}

// Dispatch sends img to svcs with the package defaults.
func Dispatch(ctx context.Context, img *model.NormalizedImage, svcs []services.Service, concurrency int) (model.Outcomes, error) {
	return NewDispatcher(concurrency, services.RequestOptions{}).Dispatch(ctx, img, svcs)
}

// Dispatch sends img to every service and returns one outcome per service name.
// Adapter failures are reported inside the outcomes, never as the returned error.
// The returned error is non-nil only when ctx ended before every service
// finished; it then wraps errors.ErrInterrupted and the outcomes hold only the
// services that completed.
func (d *Dispatcher) Dispatch(ctx context.Context, img *model.NormalizedImage, svcs []services.Service) (model.Outcomes, error) {
	start := time.Now()

	var (
		mu       sync.Mutex
		outcomes = make(model.Outcomes, len(svcs))
		sem      = semaphore.NewWeighted(int64(d.concurrency))
		g        errgroup.Group
	)

	record := func(name string, out model.Outcome) {
		mu.Lock()
		outcomes[name] = out
		mu.Unlock()
		if d.OnOutcome != nil {
			d.OnOutcome(name, out)
		}
	}

	requested := make(map[string]bool, len(svcs))
	for _, svc := range svcs {
		name := svc.Descriptor().Name
		if requested[name] {
			continue
		}
		requested[name] = true

		if err := d.check(img, svc.Descriptor()); err != nil {
			d.logger.Warn("Refusing service", "service", name, "error", err)
			record(name, model.Outcome{Err: err})
			continue
		}

		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)
			if ctx.Err() != nil {
				return nil
			}

			out, ok := d.run(ctx, img, svc)
			if !ok {
				return nil
			}
			if out.OK() {
				d.logger.Debug("Service finished", "service", name, "duration", out.Result.Duration)
			} else {
				d.logger.Warn("Service failed", "service", name, "kind", string(out.Err.Kind), "error", out.Err)
			}
			record(name, out)
			return nil
		})
	}
	_ = g.Wait()

	if len(outcomes) < len(requested) {
		d.logger.Warn("Dispatch interrupted",
			"requested", len(requested),
			"finished", len(outcomes),
			"duration", time.Since(start))
		return outcomes, fmt.Errorf("%w: %w", errors.ErrInterrupted, context.Cause(ctx))
	}

	d.logger.Info("Dispatch complete",
		"services", len(outcomes),
		"failed", len(outcomes.Failures()),
		"duration", time.Since(start))
	return outcomes, nil
}

type callResult struct {
	res *model.RecognitionResult
	err error
}

// run calls the adapter and waits for it or for ctx, whichever comes first.
// ok is false when the call was abandoned because ctx ended.
func (d *Dispatcher) run(ctx context.Context, img *model.NormalizedImage, svc services.Service) (model.Outcome, bool) {
	name := svc.Descriptor().Name
	done := make(chan callResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("Adapter panicked", "service", name, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
				done <- callResult{err: errors.NewServiceError(name, errors.KindUnknown, fmt.Sprintf("adapter panic: %v", r), nil)}
			}
		}()
		start := time.Now()
		res, err := svc.Recognize(ctx, img, d.options)
		if res != nil && res.Duration == 0 {
			res.Duration = time.Since(start)
		}
		done <- callResult{res: res, err: err}
	}()

	var cr callResult
	select {
	case <-ctx.Done():
		return model.Outcome{}, false
	case cr = <-done:
	}

	if cr.err != nil {
		if ctx.Err() != nil {
			// failed because the run was cancelled, not because of the service
			return model.Outcome{}, false
		}
		return model.Outcome{Err: classify(name, cr.err)}, true
	}
	if cr.res == nil {
		return model.Outcome{Err: errors.NewServiceError(name, errors.KindUnknown, "adapter returned no result", nil)}, true
	}
	if cr.res.Service == "" {
		cr.res.Service = name
	}
	if g := d.options.Granularity; g != "" {
		cr.res.Items = cr.res.ItemsOf(g)
	}
	return model.Outcome{Result: cr.res}, true
}

func classify(name string, err error) *errors.ServiceError {
	if stderrors.Is(err, context.DeadlineExceeded) {
		var se *errors.ServiceError
		if !stderrors.As(err, &se) {
			return errors.NewServiceError(name, errors.KindTransient, "service call timed out", err)
		}
	}
	return errors.AsServiceError(name, err)
}

// check refuses services that cannot take img or cannot answer at the
// requested granularity.
func (d *Dispatcher) check(img *model.NormalizedImage, desc model.ServiceDescriptor) *errors.ServiceError {
	if err := checkSized(img, desc); err != nil {
		return err
	}
	// descriptors without capability flags accept any granularity
	if g := d.options.Granularity; g != "" && len(desc.Granularities) > 0 && !desc.Supports(g) {
		return errors.NewServiceError(desc.Name, errors.KindMalformed,
			fmt.Sprintf("service does not return %s items", g), nil)
	}
	return nil
}

// checkSized refuses services the image was not normalized against.
func checkSized(img *model.NormalizedImage, desc model.ServiceDescriptor) *errors.ServiceError {
	switch {
	case !img.SizedFor(desc.Name):
		return errors.NewServiceError(desc.Name, errors.KindMalformed, "image was not normalized for this service", nil)
	case desc.MaxSize > 0 && int64(len(img.Data)) > desc.MaxSize:
		return errors.NewServiceError(desc.Name, errors.KindMalformed,
			fmt.Sprintf("image is %d bytes, service accepts %d", len(img.Data), desc.MaxSize), nil)
	case desc.MaxWidth > 0 && img.Width > desc.MaxWidth, desc.MaxHeight > 0 && img.Height > desc.MaxHeight:
		return errors.NewServiceError(desc.Name, errors.KindMalformed,
			fmt.Sprintf("image is %dx%d, service accepts %dx%d", img.Width, img.Height, desc.MaxWidth, desc.MaxHeight), nil)
	}
	return nil
}
