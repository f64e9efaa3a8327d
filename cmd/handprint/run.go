package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/adverant/nexus/handprint-worker/internal/compare"
	"github.com/adverant/nexus/handprint-worker/internal/config"
	"github.com/adverant/nexus/handprint-worker/internal/input"
	"github.com/adverant/nexus/handprint-worker/internal/model"
	"github.com/adverant/nexus/handprint-worker/internal/normalize"
	"github.com/adverant/nexus/handprint-worker/internal/processor"
	"github.com/adverant/nexus/handprint-worker/internal/services"
)

// recognizeFlags are shared by run and submit.
type recognizeFlags struct {
	services    []string
	compareMode string
	language    string
	granularity string
	confidence  float64
	baseName    string
	fromFile    string
	noCache     bool
}

func (f *recognizeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.services, "services", "s", []string{services.TesseractName},
		`services to use, comma separated; "all" selects every configured service`)
	cmd.Flags().StringVarP(&f.compareMode, "compare", "c", "",
		`compare results with <file>.gt.txt: "strict" (default when given alone) or "relaxed"`)
	cmd.Flags().Lookup("compare").NoOptDefVal = "strict"
	cmd.Flags().StringVarP(&f.language, "language", "l", "", "language hint passed to the services")
	cmd.Flags().StringVarP(&f.granularity, "granularity", "g", "", "only return items of this level: word, line or paragraph")
	cmd.Flags().Float64Var(&f.confidence, "confidence", 0, "minimum confidence (0-1) asked of services that accept one")
	cmd.Flags().StringVarP(&f.baseName, "base-name", "b", input.DefaultBaseName, "name downloaded images <base-name>-1, <base-name>-2, ...")
	cmd.Flags().StringVarP(&f.fromFile, "from-file", "f", "", `read inputs from this file, one per line ("-" for stdin)`)
	cmd.Flags().BoolVar(&f.noCache, "no-cache", false, "always call the services, ignoring cached results")
}

func (f *recognizeFlags) validate() error {
	switch f.compareMode {
	case "", "strict", "relaxed":
	default:
		return withCode(ExitBadArgument, fmt.Errorf("--compare must be strict or relaxed, got %q", f.compareMode))
	}
	switch model.Granularity(f.granularity) {
	case "", model.GranularityWord, model.GranularityLine, model.GranularityParagraph:
	default:
		return withCode(ExitBadArgument, fmt.Errorf("--granularity must be word, line or paragraph, got %q", f.granularity))
	}
	if f.confidence < 0 || f.confidence > 1 {
		return withCode(ExitBadArgument, fmt.Errorf("--confidence must be between 0 and 1, got %g", f.confidence))
	}
	if strings.ContainsAny(f.baseName, `/\`) {
		return withCode(ExitBadArgument, fmt.Errorf("--base-name must not contain a path separator"))
	}
	return nil
}

func (f *recognizeFlags) options() services.RequestOptions {
	return services.RequestOptions{
		Language:      f.language,
		MinConfidence: f.confidence,
		Granularity:   model.Granularity(f.granularity),
	}
}

// sources lists the inputs named by --from-file followed by args, with
// directories expanded to the images they contain.
func (f *recognizeFlags) sources(args []string) ([]string, error) {
	var listed []string
	if f.fromFile != "" {
		r := io.Reader(os.Stdin)
		if f.fromFile != "-" {
			fh, err := os.Open(f.fromFile)
			if err != nil {
				return nil, withCode(ExitFileError, err)
			}
			defer fh.Close()
			r = fh
		}
		var err error
		if listed, err = input.ReadSourceList(r); err != nil {
			return nil, withCode(ExitFileError, err)
		}
	}
	all := append(listed, args...)
	if len(all) == 0 {
		return nil, withCode(ExitBadArgument, fmt.Errorf("no inputs given"))
	}
	sources, err := input.Expand(all)
	if err != nil {
		return nil, withCode(ExitFileError, err)
	}
	if len(sources) == 0 {
		return nil, withCode(ExitFileError, fmt.Errorf("no images found in %s", strings.Join(all, ", ")))
	}
	return sources, nil
}

type runOptions struct {
	recognizeFlags
	threads   int
	outputDir string
	jsonMode  bool
	extra     bool
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [flags] FILE|DIR|URL...",
		Short: "Recognize text in images and write the results",
		Long: `Send every input to the selected services concurrently and write, for
each service that succeeded, <name>.<service>.txt and <name>.<service>.json.
With --compare, each result is scored against <name>.gt.txt and the table
is written to <name>.<service>.tsv.

Directories are expanded to the images they contain. PDF inputs are
rasterized; only the first page is used.`,
		Example: `  handprint run -s all scans/
  handprint run -s google,microsoft --compare=relaxed -o out/ letter.jpg
  handprint run -f urls.txt -b page --json`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecognize(cmd.Context(), opts, args)
		},
	}
	opts.register(cmd)
	cmd.Flags().IntVarP(&opts.threads, "threads", "t", 0, "maximum concurrent service calls (default CONCURRENCY)")
	cmd.Flags().StringVarP(&opts.outputDir, "output", "o", "", "directory for output files (default: next to each input)")
	cmd.Flags().BoolVar(&opts.jsonMode, "json", false, "print the run report as JSON to stdout instead of writing files")
	cmd.Flags().BoolVar(&opts.extra, "extra", false, "list received lines that match no ground-truth line in comparisons")
	return cmd
}

func runRecognize(parent context.Context, opts *runOptions, args []string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := opts.validate(); err != nil {
		return err
	}
	if opts.threads < 0 {
		return withCode(ExitBadArgument, fmt.Errorf("--threads must not be negative"))
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	b, err := openBackends(ctx, cfg, !opts.noCache)
	if err != nil {
		return err
	}
	defer b.Close()

	names, err := b.registry.Resolve(opts.services)
	if err != nil {
		return withCode(ExitBadArgument, err)
	}
	sources, err := opts.sources(args)
	if err != nil {
		return err
	}

	proc, err := newProcessor(cfg, b, opts)
	if err != nil {
		return err
	}

	run := &batch{
		proc:   proc,
		record: proc.store != nil,
		ui:     NewUI(os.Stdout, opts.jsonMode),
		out:    os.Stdout,
		opts:   opts,
		runID:  uuid.New().String(),
		names:  names,
	}
	if b.store != nil {
		run.totals = b.store.ServiceCER
	}
	return run.run(ctx, sources, strings.Join(args, " "))
}

// runner is the part of the pipeline a batch drives.
type runner interface {
	ProcessDocument(ctx context.Context, req *processor.ProcessRequest) (*model.DocumentReport, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, metadata map[string]interface{}) error
}

// batch recognizes a list of sources as one run.
type batch struct {
	proc   runner
	record bool
	ui     *UI
	out    io.Writer
	opts   *runOptions
	runID  string
	names  []string

	// totals, when set, reads the per-service CER of the whole run back
	// from the store.
	totals func(ctx context.Context, runID string) (map[string]float64, error)
}

func (b *batch) run(ctx context.Context, sources []string, label string) error {
	ui := b.ui
	ui.StartProgress(len(sources)*len(b.names), "recognizing")
	defer ui.FinishProgress()

	if b.record {
		_ = b.proc.UpdateRunStatus(ctx, b.runID, model.StatusProcessing, map[string]interface{}{
			"services": b.names,
			"source":   label,
		})
	}

	// downloads are numbered across the whole run
	counter := input.NewCounter()
	start := time.Now()
	var (
		reports   []*model.DocumentReport
		summaries []summary
		firstErr  error
	)
	for i, src := range sources {
		ui.Describe(fmt.Sprintf("%d/%d", i+1, len(sources)))
		report, err := b.proc.ProcessDocument(ctx, &processor.ProcessRequest{
			RunID:    b.runID,
			Source:   src,
			Services: b.names,
			Options:  b.opts.options(),
			Compare:  b.opts.compareMode != "",
			Relaxed:  b.opts.compareMode == "relaxed",
			NoCache:  b.opts.noCache,
			Counter:  counter,
			BaseName: b.opts.baseName,
			OnOutcome: func(string, model.Outcome) {
				ui.Advance(1)
			},
		})
		if report != nil {
			reports = append(reports, report)
		}
		if err != nil && ctx.Err() != nil {
			ui.FinishProgress()
			ui.Error("interrupted")
			b.finish(ctx, model.StatusInterrupted, start, reports)
			if b.opts.jsonMode {
				_ = printJSON(b.out, reports)
			}
			return withCode(ExitInterrupted, err)
		}
		if err != nil {
			// this document is done; the rest of the batch continues
			ui.Advance(len(b.names) - finished(report))
			ui.Error("%s: %v", src, err)
			if firstErr == nil {
				firstErr = err
			}
			if report == nil {
				continue
			}
		}

		if b.opts.jsonMode {
			continue
		}
		written, werr := writeOutputs(outputBase(b.opts.outputDir, report), report)
		if werr != nil {
			ui.Error("%s: %v", src, werr)
			if firstErr == nil {
				firstErr = withCode(ExitFileError, werr)
			}
		}
		summaries = append(summaries, summary{report, written})
	}
	ui.FinishProgress()
	for _, s := range summaries {
		ui.Summary(s.report, s.written)
	}

	status := model.StatusCompleted
	if firstErr != nil || outcomeExitCode(reports) != ExitSuccess {
		status = model.StatusFailed
	}
	b.finish(ctx, status, start, reports)
	if b.totals != nil && compared(reports) {
		if cer, err := b.totals(ctx, b.runID); err == nil {
			ui.Totals(cer)
		}
	}

	if b.opts.jsonMode {
		if err := printJSON(b.out, reports); err != nil {
			return withCode(ExitException, err)
		}
	}

	if firstErr != nil {
		return firstErr
	}
	if code := outcomeExitCode(reports); code != ExitSuccess {
		return withCode(code, fmt.Errorf("no service returned a result"))
	}
	return nil
}

// finish records the final run status. It runs after an interrupt too, so
// the write ignores ctx's cancellation.
func (b *batch) finish(ctx context.Context, status model.RunStatus, start time.Time, reports []*model.DocumentReport) {
	if !b.record {
		return
	}
	_ = b.proc.UpdateRunStatus(context.WithoutCancel(ctx), b.runID, status, map[string]interface{}{
		"processingTime": time.Since(start).Milliseconds(),
		"documents":      len(reports),
	})
}

func compared(reports []*model.DocumentReport) bool {
	for _, r := range reports {
		if len(r.Comparisons) > 0 {
			return true
		}
	}
	return false
}

type summary struct {
	report  *model.DocumentReport
	written []string
}

func printJSON(w io.Writer, reports []*model.DocumentReport) error {
	if reports == nil {
		reports = []*model.DocumentReport{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(reports)
}

func finished(report *model.DocumentReport) int {
	if report == nil {
		return 0
	}
	return len(report.Outcomes)
}

// runProcessor is the pipeline plus the store it reports to, if any.
type runProcessor struct {
	*processor.DocumentProcessor
	store processor.ReportStore
}

func newProcessor(cfg *config.Config, b *backends, opts *runOptions) (*runProcessor, error) {
	threads := opts.threads
	if threads == 0 {
		threads = cfg.Concurrency
	}
	pc := &processor.ProcessorConfig{
		Registry:    b.registry,
		Resolver:    input.NewResolver(nil, input.DefaultResolverConfig()),
		Normalizer:  normalize.NewNormalizer(cfg.MinDimension),
		Comparator:  compare.New(compare.Options{Threshold: cfg.CompareThreshold, Window: cfg.CompareWindow, ReportExtra: opts.extra}),
		Concurrency: threads,
		Cache:       b.cache,
		CacheTTL:    cfg.CacheTTL,
		Timeout:     cfg.ProcessingTimeout,
	}
	rp := &runProcessor{}
	if b.store != nil {
		pc.Store = b.store
		rp.store = b.store
	}
	proc, err := processor.NewDocumentProcessor(pc)
	if err != nil {
		return nil, withCode(ExitException, err)
	}
	rp.DocumentProcessor = proc
	return rp, nil
}
