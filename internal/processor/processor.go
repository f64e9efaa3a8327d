/**
 * Document Processor for the Handprint Worker
 *
 * Runs one document through the recognition pipeline:
 * - resolve the input (local file or URL)
 * - normalize it against the limits of every selected service
 * - dispatch it to the services concurrently
 * - score each successful result against the ground-truth transcript
 * - persist the report and publish run status
 */

package processor

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/handprint-worker/internal/cache"
	"github.com/adverant/nexus/handprint-worker/internal/compare"
	"github.com/adverant/nexus/handprint-worker/internal/dispatch"
	"github.com/adverant/nexus/handprint-worker/internal/errors"
	"github.com/adverant/nexus/handprint-worker/internal/input"
	"github.com/adverant/nexus/handprint-worker/internal/logging"
	"github.com/adverant/nexus/handprint-worker/internal/model"
	"github.com/adverant/nexus/handprint-worker/internal/normalize"
	"github.com/adverant/nexus/handprint-worker/internal/services"
	"github.com/adverant/nexus/handprint-worker/internal/storage"
)

// DocumentProcessorInterface defines the interface for document processing
type DocumentProcessorInterface interface {
	ProcessDocument(ctx context.Context, req *ProcessRequest) (*model.DocumentReport, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, metadata map[string]interface{}) error
}

// ReportStore persists reports and run status.
type ReportStore interface {
	SaveReport(ctx context.Context, report *model.DocumentReport) error
	UpdateRunStatus(ctx context.Context, update *storage.RunUpdate) error
}

// EventPublisher announces run status changes.
type EventPublisher interface {
	PublishRunStatus(ctx context.Context, runID string, status model.RunStatus, payload map[string]interface{}) error
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Registry    *services.Registry
	Resolver    *input.Resolver
	Normalizer  *normalize.Normalizer
	Comparator  *compare.Comparator
	Concurrency int

	Cache    cache.Client // optional result cache
	CacheTTL time.Duration

	Store  ReportStore    // optional
	Events EventPublisher // optional

	// Timeout bounds one ProcessDocument call; 0 disables it.
	Timeout time.Duration
}

// ProcessRequest represents a document processing request
type ProcessRequest struct {
	RunID    string
	Source   string
	Document *model.Document // already resolved; Source is not read again

	// Counter names URL downloads of this run. Requests sharing a run share
	// a counter; nil starts a new sequence for this request alone.
	Counter  *input.Counter
	BaseName string // overrides the resolver's base name for downloads
	Services []string
	Options  services.RequestOptions

	// Compare scores results against GroundTruth, or against the
	// <base>.gt.txt file next to a local source when GroundTruth is nil.
	Compare     bool
	Relaxed     bool
	GroundTruth []string

	NoCache   bool
	OnOutcome func(service string, outcome model.Outcome)
}

// DocumentProcessor handles document processing
type DocumentProcessor struct {
	config     *ProcessorConfig
	registry   *services.Registry
	resolver   *input.Resolver
	normalizer *normalize.Normalizer
	comparator *compare.Comparator
	logger     *logging.Logger
}

// NewDocumentProcessor creates a new document processor
func NewDocumentProcessor(cfg *ProcessorConfig) (*DocumentProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if cfg.Registry == nil {
		return nil, fmt.Errorf("service registry is required")
	}

	p := &DocumentProcessor{
		config:     cfg,
		registry:   cfg.Registry,
		resolver:   cfg.Resolver,
		normalizer: cfg.Normalizer,
		comparator: cfg.Comparator,
		logger:     logging.NewLogger("DocumentProcessor"),
	}
	if p.resolver == nil {
		p.resolver = input.NewResolver(nil, input.DefaultResolverConfig())
	}
	if p.normalizer == nil {
		p.normalizer = normalize.NewNormalizer(0)
	}
	if p.comparator == nil {
		p.comparator = compare.New(compare.DefaultOptions())
	}
	return p, nil
}

// ProcessDocument processes a document through the complete pipeline.
//
// Service failures are reported in the returned report. An error is returned
// for input, normalization, comparison and storage failures, and when the run
// was interrupted; in the last case the report holds the services that
// finished.
func (p *DocumentProcessor) ProcessDocument(ctx context.Context, req *ProcessRequest) (*model.DocumentReport, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	log := p.logger.With("run", runID)

	parent := ctx
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	report, err := p.process(ctx, runID, req, log)
	if err != nil && stderrors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		log.Error("Processing timed out", "source", req.Source, "timeout", p.config.Timeout)
		return report, errors.NewProcessingTimeoutError(runID, p.config.Timeout, err)
	}
	return report, err
}

func (p *DocumentProcessor) process(ctx context.Context, runID string, req *ProcessRequest, log *logging.Logger) (*model.DocumentReport, error) {
	start := time.Now()

	// Step 1: Load document
	doc := req.Document
	if doc == nil {
		log.Info("Step 1: Resolving input", "source", req.Source)
		var err error
		resolver := p.resolver.ForRun(req.Counter, req.BaseName)
		if doc, err = resolver.Resolve(ctx, req.Source); err != nil {
			return nil, err
		}
	}

	// Step 2: Select services
	names, err := p.registry.Resolve(req.Services)
	if err != nil {
		return nil, err
	}
	descriptors := make([]model.ServiceDescriptor, 0, len(names))
	for _, name := range names {
		d, _ := p.registry.Descriptor(name)
		descriptors = append(descriptors, d)
	}

	// Step 3: Normalize once for all of them
	log.Info("Step 2: Normalizing image", "document", doc.Name, "format", doc.Format, "bytes", len(doc.Data))
	img, err := p.normalizer.Normalize(ctx, doc, descriptors)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize %s: %w", doc.Name, err)
	}

	opts := services.BuildOptions{CacheTTL: p.config.CacheTTL}
	if !req.NoCache {
		opts.Cache = p.config.Cache
	}
	svcs, err := p.registry.Build(names, opts)
	if err != nil {
		return nil, err
	}

	report := &model.DocumentReport{
		RunID:      runID,
		DocumentID: uuid.New().String(),
		Source:     doc.Source,
		Name:       doc.Name,
		Image:      model.InfoOf(img),
		Services:   names,
		StartedAt:  start,
	}

	// Step 4: Dispatch
	log.Info("Step 3: Dispatching", "document", doc.Name, "services", names,
		"width", img.Width, "height", img.Height, "bytes", len(img.Data))
	dispatcher := dispatch.NewDispatcher(p.config.Concurrency, req.Options)
	dispatcher.OnOutcome = req.OnOutcome
	outcomes, dispatchErr := dispatcher.Dispatch(ctx, img, svcs)
	report.Outcomes = outcomes
	if dispatchErr != nil {
		report.Interrupted = true
		report.Duration = time.Since(start)
		log.Warn("Run interrupted", "document", doc.Name, "finished", len(outcomes), "requested", len(names))
		return report, dispatchErr
	}
	for name, failure := range outcomes.Failures() {
		log.Warn("Service failed", "document", doc.Name, "service", name, "kind", string(failure.Kind), "error", failure.Message)
	}

	// Step 5: Compare against ground truth
	if req.Compare {
		if err := p.compareAll(report, req, log); err != nil {
			report.Duration = time.Since(start)
			return report, err
		}
	}

	report.Duration = time.Since(start)

	// Step 6: Persist
	if p.config.Store != nil {
		if err := p.config.Store.SaveReport(ctx, report); err != nil {
			return report, errors.NewStorageFailedError(runID, err)
		}
	}

	log.Info("Document processed", "document", doc.Name, "status", string(report.Status()),
		"succeeded", len(report.SucceededServices()), "duration", report.Duration)
	return report, nil
}

// compareAll scores every successful result. A missing ground-truth file
// skips the comparison with a warning.
func (p *DocumentProcessor) compareAll(report *model.DocumentReport, req *ProcessRequest, log *logging.Logger) error {
	expected := req.GroundTruth
	if expected == nil {
		path := input.GroundTruthPath(report.Source)
		if path == "" {
			log.Warn("No ground truth for URL input", "source", report.Source)
			return nil
		}
		lines, err := readGroundTruth(path)
		if os.IsNotExist(err) {
			log.Warn("Ground truth file not found", "path", path)
			return nil
		}
		if err != nil {
			return err
		}
		expected = lines
	}

	report.Comparisons = make(map[string]model.Comparison)
	for _, name := range report.SucceededServices() {
		rows, err := p.comparator.Compare(expected, report.Outcomes[name].Result.Lines(), req.Relaxed)
		if err != nil {
			return fmt.Errorf("failed to compare %s output: %w", name, err)
		}
		report.Comparisons[name] = rows
		total := rows.Total()
		log.Info("Compared with ground truth", "service", name, "errors", total.Errors, "cer", total.CER)
	}
	return nil
}

func readGroundTruth(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return compare.ReadGroundTruth(f)
}

// UpdateRunStatus records the run status in storage and publishes it.
// Known metadata keys: services ([]string), source, processingTime (ms),
// error and errorCode.
func (p *DocumentProcessor) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, metadata map[string]interface{}) error {
	var storeErr error
	if p.config.Store != nil {
		storeErr = p.config.Store.UpdateRunStatus(ctx, runUpdate(runID, status, metadata))
		if storeErr != nil {
			p.logger.Warn("Failed to store run status", "run", runID, "status", string(status), "error", storeErr)
		}
	}

	if p.config.Events != nil {
		if err := p.config.Events.PublishRunStatus(ctx, runID, status, metadata); err != nil {
			p.logger.Warn("Failed to publish run status", "run", runID, "status", string(status), "error", err)
		}
	}

	if storeErr != nil {
		return errors.NewStorageFailedError(runID, storeErr)
	}
	return nil
}

func runUpdate(runID string, status model.RunStatus, metadata map[string]interface{}) *storage.RunUpdate {
	update := &storage.RunUpdate{
		RunID:    runID,
		Status:   string(status),
		Metadata: map[string]interface{}{},
	}
	for k, v := range metadata {
		switch k {
		case "services":
			if s, ok := v.([]string); ok {
				update.Services = s
				continue
			}
		case "source":
			if s, ok := v.(string); ok {
				update.Source = s
				continue
			}
		case "processingTime":
			switch n := v.(type) {
			case int64:
				update.ProcessingTimeMs = n
				continue
			case int:
				update.ProcessingTimeMs = int64(n)
				continue
			}
		case "error":
			if s, ok := v.(string); ok {
				update.ErrorMessage = s
				continue
			}
		case "errorCode":
			if s, ok := v.(string); ok {
				update.ErrorCode = s
				continue
			}
		}
		update.Metadata[k] = v
	}
	return update
}
