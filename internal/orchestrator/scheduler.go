package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/adverant/nexus/ocr-orchestrator/internal/logging"
)

// Scheduler hands a pending job to whatever executes it
type Scheduler interface {
	Schedule(ctx context.Context, jobID string, client ClientInfo) error
}

// InlineScheduler runs jobs on goroutines of the current process. It is
// used when no queue is configured.
type InlineScheduler struct {
	orchestrator *Orchestrator
	timeout      time.Duration
	base         context.Context
	stop         context.CancelFunc
	wg           sync.WaitGroup
	logger       *logging.Logger
}

// NewInlineScheduler creates a scheduler bounding each job by timeout
func NewInlineScheduler(o *Orchestrator, timeout time.Duration) *InlineScheduler {
	base, stop := context.WithCancel(context.Background())
	return &InlineScheduler{
		orchestrator: o,
		timeout:      timeout,
		base:         base,
		stop:         stop,
		logger:       logging.NewLogger("InlineScheduler"),
	}
}

func (s *InlineScheduler) Schedule(_ context.Context, jobID string, client ClientInfo) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.base, s.timeout)
		defer cancel()
		if err := s.orchestrator.Run(ctx, jobID, client); err != nil {
			s.logger.Error("Job run failed", "jobId", jobID, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every scheduled job has returned
func (s *InlineScheduler) Wait() {
	s.wg.Wait()
}

// Stop interrupts running jobs and waits for them to record their final state
func (s *InlineScheduler) Stop() {
	s.stop()
	s.wg.Wait()
}
