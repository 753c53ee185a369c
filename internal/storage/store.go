/**
 * Store contracts for the OCR orchestrator
 *
 * Two implementations share these contracts:
 * - PostgresClient (lib/pq) for deployments with DATABASE_URL
 * - MemoryStore for OCR-only mode and tests
 *
 * Pages are upserted on (job_id, page_number). processed_pages only moves
 * through IncrementProcessedPages. Audit and ground-truth rows are never
 * removed with their job.
 */

package storage

import (
	"context"
	"time"

	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
)

// JobPatch carries the optional fields written alongside a status transition
type JobPatch struct {
	RecommendedProvider   *string
	ErrorMessage          *string
	OverallConfidence     *float64
	UnknownCharRatio      *float64
	TotalProcessingTimeMs *int64
	StartedAt             *time.Time
	CompletedAt           *time.Time
}

// JobFilter narrows ListJobs
type JobFilter struct {
	UserID string
	Status models.JobStatus
	Limit  int
}

// GroundTruthFilter narrows ListGroundTruth
type GroundTruthFilter struct {
	JobID         string
	PageNumber    *int
	ValidatedOnly bool
}

// ProviderConfigPatch is a partial provider config update
type ProviderConfigPatch struct {
	IsEnabled          *bool
	BaseURL            *string
	APIVersion         *string
	RateLimitPerMinute *int
	RateLimitPerDay    *int
	DefaultOptions     map[string]interface{}
}

// ModelMetrics are the evaluation results of a model
type ModelMetrics struct {
	Accuracy          float64
	CER               float64
	WER               float64
	EvaluationSetSize int
}

// JobStore persists jobs
type JobStore interface {
	CreateJob(ctx context.Context, job *models.OcrJob) error
	GetJob(ctx context.Context, id string) (*models.OcrJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.OcrJob, error)
	// TransitionJob moves a job to status only from a legal predecessor state
	TransitionJob(ctx context.Context, id string, to models.JobStatus, patch JobPatch) error
	// IncrementProcessedPages adds one finished page, capped at total_pages
	IncrementProcessedPages(ctx context.Context, id string) (int, error)
	DeleteJob(ctx context.Context, id string) error
}

// PageStore persists page results
type PageStore interface {
	UpsertPage(ctx context.Context, page *models.OcrPage) error
	GetPage(ctx context.Context, jobID string, pageNumber int) (*models.OcrPage, error)
	ListPages(ctx context.Context, jobID string) ([]*models.OcrPage, error)
}

// GroundTruthStore persists corrections
type GroundTruthStore interface {
	CreateGroundTruth(ctx context.Context, gt *models.OcrGroundTruth) error
	GetGroundTruth(ctx context.Context, id string) (*models.OcrGroundTruth, error)
	// UpdateGroundTruthText replaces corrected text and clears validation in one write
	UpdateGroundTruthText(ctx context.Context, id string, correctedText string, correctionType models.CorrectionType) (*models.OcrGroundTruth, error)
	ValidateGroundTruth(ctx context.Context, id string, validatedBy string) (*models.OcrGroundTruth, error)
	DeleteGroundTruth(ctx context.Context, id string) error
	ListGroundTruth(ctx context.Context, filter GroundTruthFilter) ([]*models.OcrGroundTruth, error)
}

// ModelStore persists recognition models
type ModelStore interface {
	CreateModel(ctx context.Context, model *models.OcrModel) error
	GetModel(ctx context.Context, id string) (*models.OcrModel, error)
	ListModels(ctx context.Context, provider string) ([]*models.OcrModel, error)
	// SetDefaultModel makes id the only default model of its provider
	SetDefaultModel(ctx context.Context, provider string, id string) error
	GetDefaultModel(ctx context.Context, provider string) (*models.OcrModel, error)
	UpdateModelMetrics(ctx context.Context, id string, metrics ModelMetrics) error
}

// ProviderConfigStore persists provider configuration
type ProviderConfigStore interface {
	ListProviderConfigs(ctx context.Context) ([]*models.OcrProviderConfig, error)
	GetProviderConfig(ctx context.Context, provider string) (*models.OcrProviderConfig, error)
	UpsertProviderConfig(ctx context.Context, cfg *models.OcrProviderConfig) error
	UpdateProviderConfig(ctx context.Context, provider string, patch ProviderConfigPatch) (*models.OcrProviderConfig, error)
	IncrementDailyUsage(ctx context.Context, provider string) (int, error)
	ResetDailyUsage(ctx context.Context) error
}

// AuditStore persists the audit trail. There is no update or delete.
type AuditStore interface {
	InsertAuditLog(ctx context.Context, entry *models.OcrAuditLog) error
	ListAuditLogs(ctx context.Context, jobID string) ([]*models.OcrAuditLog, error)
}

// Store is the full persistence surface
type Store interface {
	JobStore
	PageStore
	GroundTruthStore
	ModelStore
	ProviderConfigStore
	AuditStore
	Close() error
}
