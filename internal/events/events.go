/**
 * Job progress events
 *
 * Status changes and page completions are broadcast on the Redis channel
 * "<queue>:events" so API replicas and UIs can follow a job without polling
 * the store. Publishing is fire-and-forget: a lost event never affects a job.
 */

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/ocr-orchestrator/internal/logging"
	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
)

// Event types
const (
	TypePageCompleted = "page:completed"
	TypePageFailed    = "page:failed"
)

// JobStatusType returns the event type for a job status change
func JobStatusType(status models.JobStatus) string {
	return "job:" + string(status)
}

// Event is one progress notification
type Event struct {
	Type           string           `json:"type"`
	JobID          string           `json:"jobId"`
	Status         models.JobStatus `json:"status,omitempty"`
	PageNumber     int              `json:"pageNumber,omitempty"`
	Provider       string           `json:"provider,omitempty"`
	ProcessedPages int              `json:"processedPages"`
	TotalPages     int              `json:"totalPages"`
	Error          string           `json:"error,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

// Publisher broadcasts events
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Channel returns the pub/sub channel for a queue name
func Channel(queueName string) string {
	return queueName + ":events"
}

// RedisPublisher publishes events as JSON on a Redis channel
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *logging.Logger
}

// NewRedisPublisher creates a publisher for queueName's event channel
func NewRedisPublisher(client *redis.Client, queueName string) *RedisPublisher {
	return &RedisPublisher{
		client:  client,
		channel: Channel(queueName),
		logger:  logging.NewLogger("EventPublisher"),
	}
}

// Publish sends event, stamping the time if unset
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.logger.Warn("Failed to publish event", "type", event.Type, "jobId", event.JobID, "error", err)
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	return nil
}

// Subscribe streams decoded events from queueName's channel until ctx ends
func Subscribe(ctx context.Context, client *redis.Client, queueName string) (<-chan Event, error) {
	sub := client.Subscribe(ctx, Channel(queueName))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Nop discards events
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
