/**
 * Run status events over Redis
 *
 * Tracks runs in processing/completed/failed sets, keeps the final metadata in
 * results and errors hashes, and publishes every status change on
 * <prefix>:events for dashboards and the submitting client.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/handprint-worker/internal/model"
)

// RunEvent is the message published for a status change.
type RunEvent struct {
	Event     string                 `json:"event"`
	RunID     string                 `json:"runId"`
	Status    model.RunStatus        `json:"status"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// eventName maps a status to the published event name.
func eventName(status model.RunStatus) string {
	switch status {
	case model.StatusProcessing:
		return "run:processing"
	case model.StatusFailed, model.StatusInterrupted:
		return "run:failed"
	default:
		return "run:completed"
	}
}

// RunEvents publishes run status to Redis.
type RunEvents struct {
	client *redis.Client
	prefix string
}

// NewRunEvents connects to Redis. Keys are namespaced by prefix, normally the queue name.
func NewRunEvents(ctx context.Context, redisURL, prefix string) (*RunEvents, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if prefix == "" {
		prefix = "handprint"
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RunEvents{client: client, prefix: prefix}, nil
}

func (e *RunEvents) key(name string) string {
	return fmt.Sprintf("%s:%s", e.prefix, name)
}

// PublishRunStatus moves the run between status sets and publishes the event
// in one transaction.
func (e *RunEvents) PublishRunStatus(ctx context.Context, runID string, status model.RunStatus, payload map[string]interface{}) error {
	event := RunEvent{
		Event:     eventName(status),
		RunID:     runID,
		Status:    status,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	message, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal run event: %w", err)
	}

	pipe := e.client.TxPipeline()
	switch event.Event {
	case "run:processing":
		pipe.SAdd(ctx, e.key("processing"), runID)
	case "run:completed":
		pipe.SRem(ctx, e.key("processing"), runID)
		pipe.SAdd(ctx, e.key("completed"), runID)
		pipe.HSet(ctx, e.key("results"), runID, message)
	case "run:failed":
		pipe.SRem(ctx, e.key("processing"), runID)
		pipe.SAdd(ctx, e.key("failed"), runID)
		pipe.HSet(ctx, e.key("errors"), runID, message)
	}
	pipe.Publish(ctx, e.key("events"), message)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish run %s status %s: %w", runID, status, err)
	}
	return nil
}

// Subscribe returns a subscription to the event channel. The caller closes it.
func (e *RunEvents) Subscribe(ctx context.Context) *redis.PubSub {
	return e.client.Subscribe(ctx, e.key("events"))
}

// LastEvent returns the final event recorded for a run, if any.
func (e *RunEvents) LastEvent(ctx context.Context, runID string) (*RunEvent, error) {
	for _, hash := range []string{"results", "errors"} {
		data, err := e.client.HGet(ctx, e.key(hash), runID).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
		}
		var event RunEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run event: %w", err)
		}
		return &event, nil
	}
	return nil, nil
}

// GetStats returns the size of each status set.
func (e *RunEvents) GetStats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64, 3)
	for _, set := range []string{"processing", "completed", "failed"} {
		n, err := e.client.SCard(ctx, e.key(set)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s set: %w", set, err)
		}
		stats[set] = n
	}
	return stats, nil
}

// Close closes the Redis connection.
func (e *RunEvents) Close() error {
	return e.client.Close()
}
