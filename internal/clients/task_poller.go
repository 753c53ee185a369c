package clients

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	ocrerrors "github.com/adverant/nexus/ocr-orchestrator/internal/errors"
	"github.com/adverant/nexus/ocr-orchestrator/internal/logging"
)

// TaskState is the local view of a remote async task
type TaskState string

const (
	TaskSubmitted TaskState = "submitted"
	TaskPolling   TaskState = "polling"
	TaskDone      TaskState = "done"
	TaskFailed    TaskState = "failed"
)

// TaskStatus is one status report from the remote side
type TaskStatus struct {
	TaskID   string          `json:"task_id"`
	Status   string          `json:"status"` // "pending", "processing", "completed", "failed"
	Progress int             `json:"progress"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Finished reports whether the remote task reached a final state
func (s TaskStatus) Finished() (done bool, failed bool) {
	switch strings.ToLower(s.Status) {
	case "completed", "complete", "done", "success", "succeeded":
		return true, false
	case "failed", "error", "cancelled", "canceled":
		return true, true
	}
	return false, false
}

// StatusFunc fetches the current status of a task
type StatusFunc func(ctx context.Context) (*TaskStatus, error)

// Task tracks one polled task
type Task struct {
	ID       string
	State    TaskState
	Attempts int
	Result   json.RawMessage
	Err      error
}

// TaskPoller drives submitted -> polling -> done|failed with a bounded
// number of attempts at a fixed interval.
type TaskPoller struct {
	Provider    string
	Interval    time.Duration
	MaxAttempts int
	logger      *logging.Logger
}

// NewTaskPoller creates a poller for provider tasks
func NewTaskPoller(provider string, interval time.Duration, maxAttempts int) *TaskPoller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &TaskPoller{
		Provider:    provider,
		Interval:    interval,
		MaxAttempts: maxAttempts,
		logger:      logging.NewLogger("TaskPoller"),
	}
}

// interrupted reports why ctx ended a wait. A deadline is a provider timeout.
func (p *TaskPoller) interrupted(ctx context.Context, taskID string, start time.Time) error {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ocrerrors.NewNetworkTimeoutError(p.Provider, time.Since(start).Round(time.Millisecond),
			fmt.Errorf("deadline exceeded while waiting for task %s: %w", taskID, ctx.Err()))
	}
	return fmt.Errorf("context cancelled while waiting for task %s: %w", taskID, ctx.Err())
}

// Budget is the longest a Wait can take
func (p *TaskPoller) Budget() time.Duration {
	return p.Interval * time.Duration(p.MaxAttempts)
}

// Wait polls check until the task is done, failed, or the attempts run out
func (p *TaskPoller) Wait(ctx context.Context, taskID string, check StatusFunc) (*Task, error) {
	task := &Task{ID: taskID, State: TaskSubmitted}
	start := time.Now()

	timer := time.NewTimer(p.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			task.State = TaskFailed
			task.Err = p.interrupted(ctx, taskID, start)
			return task, task.Err
		case <-timer.C:
		}

		task.State = TaskPolling
		task.Attempts++

		status, err := check(ctx)
		if err != nil {
			if ctx.Err() != nil {
				task.State = TaskFailed
				task.Err = p.interrupted(ctx, taskID, start)
				return task, task.Err
			}
			if !ocrerrors.IsTransient(err) || ocrerrors.Is(err, ocrerrors.ErrorUnsupportedLanguage) {
				task.State = TaskFailed
				task.Err = err
				return task, err
			}
			p.logger.Warn("Failed to get task status", "provider", p.Provider, "taskId", taskID, "attempt", task.Attempts, "error", err)
		} else {
			p.logger.Debug("Task status update",
				"provider", p.Provider,
				"taskId", taskID,
				"status", status.Status,
				"progress", status.Progress)

			if done, failed := status.Finished(); done {
				if failed {
					task.State = TaskFailed
					msg := status.Error
					if msg == "" {
						msg = status.Status
					}
					task.Err = ocrerrors.NewProviderFailedError(p.Provider, fmt.Errorf("task %s failed: %s", taskID, msg))
					return task, task.Err
				}
				task.State = TaskDone
				task.Result = status.Result
				return task, nil
			}
		}

		if task.Attempts >= p.MaxAttempts {
			task.State = TaskFailed
			task.Err = ocrerrors.NewNetworkTimeoutError(p.Provider, p.Budget(),
				fmt.Errorf("task %s still running after %d polls", taskID, task.Attempts))
			return task, task.Err
		}

		timer.Reset(p.Interval)
	}
}
