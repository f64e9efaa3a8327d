/**
 * Queue Consumer for the Handprint Worker
 *
 * Consumes recognition tasks from Redis and runs them through the processor.
 * Uses Asynq for queue management; Enqueuer is the producing side used by
 * `handprint submit`.
 */

package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/handprint-worker/internal/errors"
	"github.com/adverant/nexus/handprint-worker/internal/input"
	"github.com/adverant/nexus/handprint-worker/internal/logging"
	"github.com/adverant/nexus/handprint-worker/internal/model"
	"github.com/adverant/nexus/handprint-worker/internal/processor"
	"github.com/adverant/nexus/handprint-worker/internal/services"
)

// TypeRecognize is the asynq task type for one document.
const TypeRecognize = "handprint:recognize"

// DefaultProcessingTimeout bounds one task when the config leaves it unset.
const DefaultProcessingTimeout = 5 * time.Minute

// JobData is the payload of a recognition task. Either Source (a URL or a
// path visible to the worker) or FileBuffer must be set.
type JobData struct {
	RunID       string                 `json:"runId"`
	Source      string                 `json:"source,omitempty"`
	Filename    string                 `json:"filename,omitempty"`
	FileBuffer  []byte                 `json:"-"` // set by UnmarshalJSON
	Services    []string               `json:"services"`
	Language    string                 `json:"language,omitempty"`
	Granularity string                 `json:"granularity,omitempty"`
	Confidence  float64                `json:"minConfidence,omitempty"`
	BaseName    string                 `json:"baseName,omitempty"`
	Compare     bool                   `json:"compare,omitempty"`
	Relaxed     bool                   `json:"relaxed,omitempty"`
	GroundTruth []string               `json:"groundTruth,omitempty"`
	NoCache     bool                   `json:"noCache,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// MarshalJSON writes FileBuffer as base64.
func (j JobData) MarshalJSON() ([]byte, error) {
	type Alias JobData
	aux := struct {
		FileBuffer string `json:"fileBuffer,omitempty"`
		Alias
	}{Alias: Alias(j)}
	if len(j.FileBuffer) > 0 {
		aux.FileBuffer = base64.StdEncoding.EncodeToString(j.FileBuffer)
	}
	return json.Marshal(aux)
}

// UnmarshalJSON accepts fileBuffer as a base64 string or as a Node.js
// Buffer object ({"type":"Buffer","data":[...]}).
func (j *JobData) UnmarshalJSON(data []byte) error {
	type Alias JobData
	aux := &struct {
		FileBuffer interface{} `json:"fileBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(j),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobData: %w", err)
	}

	switch v := aux.FileBuffer.(type) {
	case nil:
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 fileBuffer: %w", err)
		}
		j.FileBuffer = decoded

	case map[string]interface{}:
		if bufferType, ok := v["type"].(string); !ok || bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		j.FileBuffer = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			j.FileBuffer[i] = byte(byteVal)
		}

	default:
		return fmt.Errorf("fileBuffer must be either base64 string or Buffer object, got %T", v)
	}

	return nil
}

// Validate checks that the job can be processed at all.
func (j *JobData) Validate() error {
	if j.RunID == "" {
		return fmt.Errorf("runId is required")
	}
	if j.Source == "" && len(j.FileBuffer) == 0 {
		return fmt.Errorf("either source or fileBuffer is required")
	}
	if len(j.Services) == 0 {
		return fmt.Errorf("at least one service is required")
	}
	return nil
}

// request converts the job into a processor request.
func (j *JobData) request() (*processor.ProcessRequest, error) {
	req := &processor.ProcessRequest{
		RunID:       j.RunID,
		Source:      j.Source,
		Services:    j.Services,
		Compare:     j.Compare,
		Relaxed:     j.Relaxed,
		GroundTruth: j.GroundTruth,
		NoCache:     j.NoCache,
		Counter:     input.NewCounter(), // every job is its own run
		BaseName:    j.BaseName,
		Options: services.RequestOptions{
			Language:      j.Language,
			MinConfidence: j.Confidence,
			Granularity:   model.Granularity(j.Granularity),
		},
	}
	if len(j.FileBuffer) > 0 {
		source := j.Source
		if source == "" {
			source = "queue:" + j.RunID
		}
		name := "document"
		if j.Filename != "" {
			name = input.BaseName(j.Filename)
		}
		doc, err := input.NewDocument(source, name, j.FileBuffer)
		if err != nil {
			return nil, err
		}
		req.Source = source
		req.Document = doc
	}
	return req, nil
}

// NewRecognizeTask builds the asynq task for a job.
func NewRecognizeTask(job *JobData) (*asynq.Task, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job data: %w", err)
	}
	return asynq.NewTask(TypeRecognize, payload), nil
}

// Consumer handles job consumption from Redis queue
type Consumer struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor processor.DocumentProcessorInterface
	config    *ConsumerConfig
	logger    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.DocumentProcessorInterface
	ProcessingTimeout time.Duration
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := logging.NewLogger("QueueConsumer")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Error("Task processing error", "type", task.Type(),
					"retry", retried, "max_retry", maxRetry, "error", err)
			}),
			Logger:          &asynqLogger{logger: logging.NewLogger("asynq")},
			ShutdownTimeout: 30 * time.Second,
		},
	)

	consumer := &Consumer{
		server:    server,
		mux:       asynq.NewServeMux(),
		processor: cfg.Processor,
		config:    cfg,
		logger:    logger,
	}
	consumer.mux.HandleFunc(TypeRecognize, consumer.handleRecognize)

	return consumer, nil
}

// retryDelay backs off exponentially: 5s, 10s, 20s, capped at 60s.
func retryDelay(n int, err error, task *asynq.Task) time.Duration {
	if n > 4 {
		n = 4
	}
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	return delay
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)
	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping queue consumer")
	c.server.Shutdown()
	c.logger.Info("Queue consumer stopped")
	return nil
}

// handleRecognize processes one recognition task
func (c *Consumer) handleRecognize(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	var job JobData
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %v: %w", err, asynq.SkipRetry)
	}

	log := c.logger.With("run", job.RunID)
	log.Info("Processing document", "source", job.Source, "filename", job.Filename,
		"bytes", len(job.FileBuffer), "services", job.Services)

	if err := c.processor.UpdateRunStatus(ctx, job.RunID, model.StatusProcessing, map[string]interface{}{
		"services": job.Services,
		"source":   job.Source,
	}); err != nil {
		log.Warn("Failed to update status to processing", "error", err)
	}

	req, err := job.request()
	if err != nil {
		c.fail(ctx, log, &job, err, time.Since(startTime))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	timeout := c.config.ProcessingTimeout
	if timeout <= 0 {
		timeout = DefaultProcessingTimeout
	}
	processCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	report, err := c.processor.ProcessDocument(processCtx, req)
	duration := time.Since(startTime)

	if err != nil {
		if processCtx.Err() == context.DeadlineExceeded && !errors.HasCode(err, errors.ErrorProcessingTimeout) {
			err = errors.NewProcessingTimeoutError(job.RunID, timeout, err)
		}
		if stderrors.Is(err, errors.ErrInterrupted) && !errors.HasCode(err, errors.ErrorProcessingTimeout) {
			// worker shutdown; asynq hands the task out again
			c.interrupted(ctx, log, &job, report, duration)
			return fmt.Errorf("document processing interrupted: %w", err)
		}
		c.fail(ctx, log, &job, err, duration)
		if permanent(err) {
			return fmt.Errorf("document processing failed: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("document processing failed: %w", err)
	}

	status := report.Status()
	metadata := reportMetadata(report, duration)

	log.Info("Processing completed", "status", string(status), "duration", duration,
		"succeeded", len(report.SucceededServices()), "failed", len(report.Outcomes.Failures()))

	if err := c.processor.UpdateRunStatus(ctx, job.RunID, status, metadata); err != nil {
		log.Warn("Failed to update final status", "error", err)
	}
	return nil
}

// reportMetadata summarizes a report for the run status.
func reportMetadata(report *model.DocumentReport, duration time.Duration) map[string]interface{} {
	failures := make(map[string]interface{})
	for name, se := range report.Outcomes.Failures() {
		failures[name] = se.ToMap()
	}
	metadata := map[string]interface{}{
		"processingTime": duration.Milliseconds(),
		"documentId":     report.DocumentID,
		"name":           report.Name,
		"succeeded":      report.SucceededServices(),
		"failures":       failures,
	}
	if len(report.Comparisons) > 0 {
		cer := make(map[string]float64, len(report.Comparisons))
		for name, rows := range report.Comparisons {
			cer[name] = rows.Total().CER
		}
		metadata["cer"] = cer
	}
	return metadata
}

// interrupted records a run cut short by shutdown. ctx is already cancelled
// at this point, so the status is written without it.
func (c *Consumer) interrupted(ctx context.Context, log *logging.Logger, job *JobData, report *model.DocumentReport, duration time.Duration) {
	log.Warn("Processing interrupted", "duration", duration)

	metadata := map[string]interface{}{"processingTime": duration.Milliseconds()}
	if report != nil {
		metadata = reportMetadata(report, duration)
	}
	if err := c.processor.UpdateRunStatus(context.WithoutCancel(ctx), job.RunID, model.StatusInterrupted, metadata); err != nil {
		log.Warn("Failed to update status to interrupted", "error", err)
	}
}

func (c *Consumer) fail(ctx context.Context, log *logging.Logger, job *JobData, err error, duration time.Duration) {
	log.Error("Processing failed", "duration", duration, "error", err)

	metadata := map[string]interface{}{
		"error":          err.Error(),
		"processingTime": duration.Milliseconds(),
	}
	var pe *errors.ProcessingError
	if stderrors.As(err, &pe) {
		metadata["errorCode"] = string(pe.Code)
		for k, v := range pe.ToMap() {
			if _, taken := metadata[k]; !taken {
				metadata[k] = v
			}
		}
	}
	if updateErr := c.processor.UpdateRunStatus(ctx, job.RunID, model.StatusFailed, metadata); updateErr != nil {
		log.Warn("Failed to update status to failed", "error", updateErr)
	}
}

// permanent reports errors that a retry cannot fix.
func permanent(err error) bool {
	for _, code := range []errors.ErrorCode{
		errors.ErrorUnsupportedFormat,
		errors.ErrorTooLarge,
		errors.ErrorAlignmentInput,
	} {
		if errors.HasCode(err, code) {
			return true
		}
	}
	return stderrors.Is(err, services.ErrUnknownService)
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
		"timeout":     c.config.ProcessingTimeout.String(),
	}
}

// Enqueuer submits recognition tasks.
type Enqueuer struct {
	client   *asynq.Client
	queue    string
	maxRetry int
	timeout  time.Duration
}

// NewEnqueuer connects an asynq client to redisURL.
func NewEnqueuer(redisURL, queue string, timeout time.Duration) (*Enqueuer, error) {
	if queue == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultProcessingTimeout
	}
	return &Enqueuer{
		client:   asynq.NewClient(redisOpt),
		queue:    queue,
		maxRetry: 3,
		timeout:  timeout,
	}, nil
}

// Enqueue submits one job.
func (e *Enqueuer) Enqueue(ctx context.Context, job *JobData) (*asynq.TaskInfo, error) {
	task, err := NewRecognizeTask(job)
	if err != nil {
		return nil, err
	}
	// the task deadline leaves room for the worker's own processing timeout
	info, err := e.client.EnqueueContext(ctx, task,
		asynq.Queue(e.queue),
		asynq.MaxRetry(e.maxRetry),
		asynq.Timeout(e.timeout+time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue run %s: %w", job.RunID, err)
	}
	return info, nil
}

// Close closes the client.
func (e *Enqueuer) Close() error {
	if err := e.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}
	return nil
}

// asynqLogger routes asynq's own logging through zerolog.
type asynqLogger struct {
	logger *logging.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) { l.logger.Debug(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...interface{})  { l.logger.Info(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...interface{})  { l.logger.Warn(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }
func (l *asynqLogger) Fatal(args ...interface{}) {
	l.logger.Error(fmt.Sprint(args...))
	os.Exit(1)
}
