package queue

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ocrerrors "github.com/adverant/nexus/ocr-orchestrator/internal/errors"
	"github.com/adverant/nexus/ocr-orchestrator/internal/orchestrator"
)

type fakeRunner struct {
	jobID    string
	client   orchestrator.ClientInfo
	deadline time.Time
	err      error
}

func (f *fakeRunner) Run(ctx context.Context, jobID string, client orchestrator.ClientInfo) error {
	f.jobID, f.client = jobID, client
	f.deadline, _ = ctx.Deadline()
	return f.err
}

func TestHandlerRunsJobWithTimeout(t *testing.T) {
	runner := &fakeRunner{}
	h := NewHandler(runner, time.Minute)

	task, err := NewRunJobTask("job-7", orchestrator.ClientInfo{UserID: "u-1", IPAddress: "10.1.1.1"})
	require.NoError(t, err)
	assert.Equal(t, TypeRunJob, task.Type())

	require.NoError(t, h.ProcessTask(context.Background(), task))
	assert.Equal(t, "job-7", runner.jobID)
	assert.Equal(t, "u-1", runner.client.UserID)
	assert.WithinDuration(t, time.Now().Add(time.Minute), runner.deadline, 5*time.Second)
}

func TestHandlerRetryPolicy(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		skipRetry bool
	}{
		{"policy violation", ocrerrors.NewPolicyViolationError("job-1", "cloud_api", "no consent"), true},
		{"missing config", ocrerrors.NewConfigurationMissingError("htr", "no provider config"), true},
		{"missing job", ocrerrors.NewNotFoundError("job", "job-1"), true},
		{"storage outage", ocrerrors.NewStorageFailedError("job-1", errors.New("connection reset")), false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(&fakeRunner{err: tt.err}, time.Minute)
			task, err := NewRunJobTask("job-1", orchestrator.ClientInfo{})
			require.NoError(t, err)

			err = h.ProcessTask(context.Background(), task)
			require.Error(t, err)
			assert.Equal(t, tt.skipRetry, errors.Is(err, asynq.SkipRetry))
		})
	}
}

func TestHandlerRejectsBadPayload(t *testing.T) {
	h := NewHandler(&fakeRunner{}, time.Minute)

	err := h.ProcessTask(context.Background(), asynq.NewTask(TypeRunJob, []byte("{not json")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	err = h.ProcessTask(context.Background(), asynq.NewTask(TypeRunJob, []byte(`{"jobId":""}`)))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestNewConsumerValidation(t *testing.T) {
	_, err := NewConsumer(&ConsumerConfig{QueueName: "ocr", Runner: &fakeRunner{}})
	assert.Error(t, err)

	_, err = NewConsumer(&ConsumerConfig{RedisURL: "redis://localhost:6379", Runner: &fakeRunner{}})
	assert.Error(t, err)

	_, err = NewConsumer(&ConsumerConfig{RedisURL: "redis://localhost:6379", QueueName: "ocr"})
	assert.Error(t, err)
}

func TestEnqueueDeduplicatesJob(t *testing.T) {
	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("TEST_REDIS_URL not set")
	}

	queueName := "ocr-test-" + time.Now().Format("150405.000")
	e, err := NewEnqueuer(redisURL, queueName, time.Minute)
	require.NoError(t, err)
	defer e.Close()

	ctx := context.Background()
	require.NoError(t, e.Schedule(ctx, "job-dup", orchestrator.ClientInfo{}))
	require.NoError(t, e.Schedule(ctx, "job-dup", orchestrator.ClientInfo{}))

	redisOpt, err := asynq.ParseRedisURI(redisURL)
	require.NoError(t, err)
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	info, err := inspector.GetTaskInfo(queueName, "job-dup")
	require.NoError(t, err)
	assert.Equal(t, TypeRunJob, info.Type)

	require.NoError(t, inspector.DeleteQueue(queueName, true))
}
