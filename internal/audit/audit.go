/**
 * Audit trail
 *
 * One row per recognition dispatch, written synchronously before the
 * dispatch is reported back. A failed write is logged and counted but never
 * returned: the recognition result stands regardless of the audit store.
 */

package audit

import (
	"context"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/adverant/nexus/ocr-orchestrator/internal/logging"
	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
	"github.com/adverant/nexus/ocr-orchestrator/internal/storage"
)

// MaxSummaryLength bounds request and response summaries
const MaxSummaryLength = 512

// writeTimeout bounds a single audit insert, independent of the caller's context
const writeTimeout = 5 * time.Second

// Recorder writes audit rows
type Recorder struct {
	store        storage.AuditStore
	logger       *logging.Logger
	failedWrites atomic.Int64
}

// NewRecorder creates a recorder
func NewRecorder(store storage.AuditStore) *Recorder {
	return &Recorder{
		store:  store,
		logger: logging.NewLogger("AuditRecorder"),
	}
}

// Record writes entry. It never fails the caller.
func (r *Recorder) Record(ctx context.Context, entry *models.OcrAuditLog) {
	entry.RequestSummary = Summarize(entry.RequestSummary)
	entry.ResponseSummary = Summarize(entry.ResponseSummary)
	entry.ErrorMessage = Summarize(entry.ErrorMessage)

	// a cancelled job still gets its audit row
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := r.store.InsertAuditLog(writeCtx, entry); err != nil {
		r.failedWrites.Add(1)
		r.logger.Error("AUDIT WRITE FAILED",
			"jobId", entry.JobID,
			"page", entry.PageNumber,
			"action", entry.Action,
			"provider", entry.Provider,
			"sentToCloud", entry.SentToCloud,
			"outcome", entry.Outcome,
			"error", err)
	}
}

// FailedWrites counts audit rows that could not be stored
func (r *Recorder) FailedWrites() int64 {
	return r.failedWrites.Load()
}

// List returns the audit rows of a job
func (r *Recorder) List(ctx context.Context, jobID string) ([]*models.OcrAuditLog, error) {
	return r.store.ListAuditLogs(ctx, jobID)
}

// Summarize trims s to MaxSummaryLength bytes on a rune boundary
func Summarize(s string) string {
	if len(s) <= MaxSummaryLength {
		return s
	}
	cut := MaxSummaryLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
