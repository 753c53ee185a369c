package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/ocr-orchestrator/internal/logging"
	"github.com/adverant/nexus/ocr-orchestrator/internal/orchestrator"
)

// defaultMaxRetry bounds redelivery of a job whose run returned an error
const defaultMaxRetry = 3

// Enqueuer schedules jobs on the Redis queue
type Enqueuer struct {
	client  *asynq.Client
	queue   string
	timeout time.Duration
	logger  *logging.Logger
}

// NewEnqueuer creates an enqueuer for queueName. timeout is the asynq task
// deadline and should match the consumer's processing timeout.
func NewEnqueuer(redisURL string, queueName string, timeout time.Duration) (*Enqueuer, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return &Enqueuer{
		client:  asynq.NewClient(redisOpt),
		queue:   queueName,
		timeout: timeout,
		logger:  logging.NewLogger("QueueEnqueuer"),
	}, nil
}

// Schedule enqueues a run of jobID. The job id doubles as the task id, so a
// job already waiting in the queue is not enqueued twice.
func (e *Enqueuer) Schedule(ctx context.Context, jobID string, client orchestrator.ClientInfo) error {
	task, err := NewRunJobTask(jobID, client)
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.Queue(e.queue),
		asynq.TaskID(jobID),
		asynq.MaxRetry(defaultMaxRetry),
	}
	if e.timeout > 0 {
		// leave room for the final status write after the handler's own deadline
		opts = append(opts, asynq.Timeout(e.timeout+time.Minute))
	}

	info, err := e.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		e.logger.Debug("Job already queued", "jobId", jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}

	e.logger.Info("Job enqueued", "jobId", jobID, "queue", info.Queue)
	return nil
}

// Close releases the Redis connection
func (e *Enqueuer) Close() error {
	return e.client.Close()
}
