/**
 * Queue consumer for the OCR orchestrator
 *
 * Consumes "ocr:run-job" tasks from Redis and runs each job to a terminal
 * state under a processing timeout. Uses Asynq for queue management.
 * Rejected jobs (policy, configuration) are not retried.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"

	ocrerrors "github.com/adverant/nexus/ocr-orchestrator/internal/errors"
	"github.com/adverant/nexus/ocr-orchestrator/internal/logging"
	"github.com/adverant/nexus/ocr-orchestrator/internal/orchestrator"
)

// TypeRunJob is the task type that runs one OCR job
const TypeRunJob = "ocr:run-job"

// RunJobPayload is the task payload of TypeRunJob
type RunJobPayload struct {
	JobID  string                  `json:"jobId"`
	Client orchestrator.ClientInfo `json:"client"`
}

// NewRunJobTask builds a TypeRunJob task
func NewRunJobTask(jobID string, client orchestrator.ClientInfo) (*asynq.Task, error) {
	payload, err := json.Marshal(RunJobPayload{JobID: jobID, Client: client})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task payload: %w", err)
	}
	return asynq.NewTask(TypeRunJob, payload), nil
}

// Runner executes a job
type Runner interface {
	Run(ctx context.Context, jobID string, client orchestrator.ClientInfo) error
}

// Handler processes TypeRunJob tasks
type Handler struct {
	runner  Runner
	timeout time.Duration
	logger  *logging.Logger
}

// NewHandler creates a handler bounding each job by timeout
func NewHandler(runner Runner, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Handler{
		runner:  runner,
		timeout: timeout,
		logger:  logging.NewLogger("QueueHandler"),
	}
}

// ProcessTask implements asynq.Handler
func (h *Handler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	var payload RunJobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("task payload has no job id: %w", asynq.SkipRetry)
	}

	processCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	h.logger.Info("Running job", "jobId", payload.JobID, "timeout", h.timeout.String())

	err := h.runner.Run(processCtx, payload.JobID, payload.Client)
	duration := time.Since(startTime)

	if err != nil {
		h.logger.Error("Job run failed",
			"jobId", payload.JobID,
			"code", ocrerrors.CodeOf(err),
			"durationMs", duration.Milliseconds(),
			"error", err)

		switch ocrerrors.CodeOf(err) {
		case ocrerrors.ErrorConfigurationMissing, ocrerrors.ErrorPolicyViolation,
			ocrerrors.ErrorNotFound, ocrerrors.ErrorInvalidTransition:
			return fmt.Errorf("job %s rejected: %v: %w", payload.JobID, err, asynq.SkipRetry)
		}
		return fmt.Errorf("job %s failed: %w", payload.JobID, err)
	}

	h.logger.Info("Job run finished", "jobId", payload.JobID, "durationMs", duration.Milliseconds())
	return nil
}

// Consumer handles job consumption from the Redis queue
type Consumer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	config *ConsumerConfig
	logger *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Runner            Runner
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

	if cfg.Runner == nil {
		return nil, fmt.Errorf("Runner is required")
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
			// Exponential backoff: 5s, 10s, 20s, capped at 60s
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delay := time.Duration(5*(1<<uint(n))) * time.Second
				if delay > 60*time.Second {
					delay = 60 * time.Second
				}
				return delay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Warn("Task processing error",
					"type", task.Type(),
					"payload", string(task.Payload()),
					"retry", retried,
					"maxRetry", maxRetry,
					"error", err)
			}),
			Logger: &asynqLogger{logger: logger},
		},
	)

	mux := asynq.NewServeMux()
	mux.Handle(TypeRunJob, NewHandler(cfg.Runner, cfg.ProcessingTimeout))

	return &Consumer{
		server: server,
		mux:    mux,
		config: cfg,
		logger: logger,
	}, nil
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting queue consumer",
		"concurrency", c.config.Concurrency,
		"queue", c.config.QueueName)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}
	return nil
}

// Stop waits for in-flight jobs and stops the consumer
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping queue consumer")
	c.server.Shutdown()
	c.logger.Info("Queue consumer stopped")
	return nil
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
		"timeout":     c.config.ProcessingTimeout.String(),
	}
}

// asynqLogger routes asynq's internal logging through the service logger
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
