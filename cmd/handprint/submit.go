package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/adverant/nexus/handprint-worker/internal/compare"
	"github.com/adverant/nexus/handprint-worker/internal/input"
	"github.com/adverant/nexus/handprint-worker/internal/model"
	"github.com/adverant/nexus/handprint-worker/internal/queue"
)

type submitOptions struct {
	recognizeFlags
	wait    bool
	timeout time.Duration
}

func newSubmitCmd() *cobra.Command {
	opts := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit [flags] FILE|DIR|URL...",
		Short: "Queue images for a worker to recognize",
		Long: `Enqueue one recognition task per input on the Redis queue served by
handprint-worker. Local files are sent in the task itself; URLs are
downloaded by the worker. Each task gets its own run ID, printed on
stdout. With --wait the command follows the run events until every task
has finished.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd.Context(), opts, args)
		},
	}
	opts.register(cmd)
	cmd.Flags().BoolVarP(&opts.wait, "wait", "w", false, "wait for the worker to finish every task")
	cmd.Flags().DurationVar(&opts.timeout, "wait-timeout", 30*time.Minute, "give up waiting after this long")
	return cmd
}

func runSubmit(parent context.Context, opts *submitOptions, args []string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := opts.validate(); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.RedisURL == "" {
		return withCode(ExitBadArgument, fmt.Errorf("REDIS_URL is required to submit tasks"))
	}
	reg, err := cfg.Registry()
	if err != nil {
		return withCode(ExitBadArgument, err)
	}
	names, err := reg.Resolve(opts.services)
	if err != nil {
		return withCode(ExitBadArgument, err)
	}
	sources, err := opts.sources(args)
	if err != nil {
		return err
	}

	jobs := make([]*queue.JobData, 0, len(sources))
	for _, src := range sources {
		job, err := opts.job(src, names)
		if err != nil {
			return withCode(ExitFileError, err)
		}
		jobs = append(jobs, job)
	}

	// subscribe before enqueueing so no event is missed
	var events *queue.RunEvents
	if opts.wait {
		events, err = queue.NewRunEvents(ctx, cfg.RedisURL, cfg.QueueName)
		if err != nil {
			return withCode(ExitNoNetwork, err)
		}
		defer events.Close()
	}
	sub := waitSubscription{out: os.Stderr}
	if events != nil {
		ps := events.Subscribe(ctx)
		defer ps.Close()
		if _, err := ps.Receive(ctx); err != nil {
			return withCode(ExitNoNetwork, fmt.Errorf("failed to subscribe to run events: %w", err))
		}
		sub.messages = ps.Channel()
	}

	enq, err := queue.NewEnqueuer(cfg.RedisURL, cfg.QueueName, cfg.ProcessingTimeout)
	if err != nil {
		return withCode(ExitBadArgument, err)
	}
	defer enq.Close()

	pending := make(map[string]string, len(jobs))
	for i, job := range jobs {
		info, err := enq.Enqueue(ctx, job)
		if err != nil {
			return withCode(ExitNoNetwork, err)
		}
		pending[job.RunID] = sources[i]
		fmt.Fprintf(os.Stdout, "%s\t%s\t%s\n", job.RunID, info.ID, sources[i])
	}

	if !opts.wait {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	return sub.wait(waitCtx, pending)
}

// job builds the queued task for one input.
func (opts *submitOptions) job(src string, services []string) (*queue.JobData, error) {
	job := &queue.JobData{
		RunID:       uuid.New().String(),
		Services:    services,
		Language:    opts.language,
		Granularity: opts.granularity,
		Confidence:  opts.confidence,
		BaseName:    opts.baseName,
		Compare:     opts.compareMode != "",
		Relaxed:     opts.compareMode == "relaxed",
		NoCache:     opts.noCache,
	}
	if input.IsURL(src) {
		job.Source = src
		return job, nil
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", src, err)
	}
	job.Filename = filepath.Base(src)
	job.FileBuffer = data

	if job.Compare {
		f, err := os.Open(input.GroundTruthPath(src))
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to open ground truth for %s: %w", src, err)
		}
		if err == nil {
			lines, rerr := compare.ReadGroundTruth(f)
			f.Close()
			if rerr != nil {
				return nil, fmt.Errorf("failed to read ground truth for %s: %w", src, rerr)
			}
			job.GroundTruth = lines
		}
	}
	return job, nil
}

// waitSubscription follows run events until every pending run has ended.
// An interrupted run is not final: the worker that stopped hands the task
// back to the queue.
type waitSubscription struct {
	messages <-chan *redis.Message
	out      io.Writer
}

func (s waitSubscription) wait(ctx context.Context, pending map[string]string) error {
	failed := 0
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return withCode(ExitServerError, fmt.Errorf("%d task(s) still running", len(pending)))
			}
			return withCode(ExitInterrupted, ctx.Err())
		case msg, ok := <-s.messages:
			if !ok {
				return withCode(ExitNoNetwork, fmt.Errorf("run event subscription closed"))
			}
			var event queue.RunEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			src, ours := pending[event.RunID]
			if !ours || event.Status == model.StatusProcessing {
				continue
			}
			printEvent(s.out, src, &event)
			if event.Status == model.StatusInterrupted {
				continue
			}
			delete(pending, event.RunID)
			if event.Status == model.StatusFailed {
				failed++
			}
		}
	}
	if failed > 0 {
		return withCode(ExitServerError, fmt.Errorf("%d task(s) failed", failed))
	}
	return nil
}

func printEvent(w io.Writer, src string, event *queue.RunEvent) {
	status := statusColor(event.Status)
	if msg, ok := event.Payload["error"].(string); ok && msg != "" {
		fmt.Fprintf(w, "%s %s: %s\n", status, src, msg)
		return
	}
	if event.Status == model.StatusInterrupted {
		fmt.Fprintf(w, "%s %s, waiting for another worker (%s)\n", status, src, event.RunID)
		return
	}
	fmt.Fprintf(w, "%s %s", status, src)
	if cer, ok := event.Payload["cer"].(map[string]interface{}); ok {
		names := make([]string, 0, len(cer))
		for name := range cer {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if f, ok := cer[name].(float64); ok {
				fmt.Fprintf(w, " %s=%s", name, cerColor(f))
			}
		}
	}
	fmt.Fprintln(w, color.HiBlackString(" (%s)", event.RunID))
}
