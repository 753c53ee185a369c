/**
 * PostgreSQL Client for the OCR orchestrator
 *
 * Handles job and page persistence. Corrections, models, provider config and
 * the audit trail live in postgres_records.go. Tables are in the "ocr" schema
 * (see schema.sql).
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	ocrerrors "github.com/adverant/nexus/ocr-orchestrator/internal/errors"
	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// sanitizeConfidence clamps confidence to [0, 100] and rounds to 2 decimals
// so it fits the NUMERIC(5,2) columns.
func sanitizeConfidence(confidence float64) float64 {
	if math.IsNaN(confidence) || confidence < 0.0 {
		return 0.0
	}
	if confidence > 100.0 {
		return 100.0
	}
	return math.Round(confidence*100) / 100
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	// Connect to database
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

const jobColumns = `
	id, COALESCE(user_id, ''), COALESCE(document_id, ''), document_type,
	COALESCE(selected_provider, ''), COALESCE(recommended_provider, ''),
	auto_mode, cloud_allowed, file_url, file_name, COALESCE(file_hash, ''),
	page_urls, total_pages, preprocessing, languages, status, processed_pages,
	overall_confidence, unknown_char_ratio, total_processing_time_ms,
	COALESCE(error_message, ''), created_at, updated_at, started_at, completed_at`

// CreateJob inserts a new job row in pending state
func (p *PostgresClient) CreateJob(ctx context.Context, job *models.OcrJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.StatusPending
	}

	preprocessingJSON, err := json.Marshal(job.Preprocessing)
	if err != nil {
		return fmt.Errorf("failed to marshal preprocessing options: %w", err)
	}

	query := `
		INSERT INTO ocr.ocr_jobs (
			id, user_id, document_id, document_type,
			selected_provider, recommended_provider, auto_mode, cloud_allowed,
			file_url, file_name, file_hash, page_urls, total_pages,
			preprocessing, languages, status, processed_pages,
			created_at, updated_at
		) VALUES (
			$1::uuid, NULLIF($2, ''), NULLIF($3, ''), $4,
			NULLIF($5, ''), NULLIF($6, ''), $7, $8,
			$9, $10, NULLIF($11, ''), $12, $13,
			$14::jsonb, $15, $16, 0,
			NOW(), NOW()
		)
		RETURNING created_at, updated_at
	`

	err = p.db.QueryRowContext(ctx, query,
		job.ID,                     // $1
		job.UserID,                 // $2
		job.DocumentID,             // $3
		string(job.DocumentType),   // $4
		job.SelectedProvider,       // $5
		job.RecommendedProvider,    // $6
		job.AutoMode,               // $7
		job.CloudAllowed,           // $8
		job.FileURL,                // $9
		job.FileName,               // $10
		job.FileHash,               // $11
		pq.Array(job.PageURLs),     // $12
		job.TotalPages,             // $13
		preprocessingJSON,          // $14
		pq.Array(job.Languages),    // $15
		string(job.Status),         // $16
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}

	return nil
}

// GetJob retrieves a job by ID
func (p *PostgresClient) GetJob(ctx context.Context, id string) (*models.OcrJob, error) {
	query := `SELECT ` + jobColumns + ` FROM ocr.ocr_jobs WHERE id = $1::uuid`

	job, err := scanJob(p.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ocrerrors.NewNotFoundError("job", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}

	return job, nil
}

// ListJobs lists jobs, newest first
func (p *PostgresClient) ListJobs(ctx context.Context, filter JobFilter) ([]*models.OcrJob, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + jobColumns + `
		FROM ocr.ocr_jobs
		WHERE ($1 = '' OR user_id = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := p.db.QueryContext(ctx, query, filter.UserID, string(filter.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.OcrJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// TransitionJob moves the job to a new status as a compare-and-set on the
// legal predecessor states, writing the patch in the same statement.
func (p *PostgresClient) TransitionJob(ctx context.Context, id string, to models.JobStatus, patch JobPatch) error {
	from := make([]string, 0, 3)
	for _, s := range models.AllowedPredecessors(to) {
		from = append(from, string(s))
	}

	var confidence *float64
	if patch.OverallConfidence != nil {
		c := sanitizeConfidence(*patch.OverallConfidence)
		confidence = &c
	}

	query := `
		UPDATE ocr.ocr_jobs SET
			status = $2,
			recommended_provider = COALESCE($3::text, recommended_provider),
			error_message = COALESCE($4::text, error_message),
			overall_confidence = COALESCE($5::numeric, overall_confidence),
			unknown_char_ratio = COALESCE($6::numeric, unknown_char_ratio),
			total_processing_time_ms = COALESCE($7::bigint, total_processing_time_ms),
			started_at = COALESCE(started_at, $8::timestamptz),
			completed_at = COALESCE($9::timestamptz, completed_at),
			updated_at = NOW()
		WHERE id = $1::uuid AND status = ANY($10)
		RETURNING id
	`

	var returnedID string
	err := p.db.QueryRowContext(ctx, query,
		id,
		string(to),
		patch.RecommendedProvider,
		patch.ErrorMessage,
		confidence,
		patch.UnknownCharRatio,
		patch.TotalProcessingTimeMs,
		patch.StartedAt,
		patch.CompletedAt,
		pq.Array(from),
	).Scan(&returnedID)

	if err == sql.ErrNoRows {
		var current string
		lookupErr := p.db.QueryRowContext(ctx, `SELECT status FROM ocr.ocr_jobs WHERE id = $1::uuid`, id).Scan(&current)
		if lookupErr == sql.ErrNoRows {
			return ocrerrors.NewNotFoundError("job", id)
		}
		if lookupErr != nil {
			return fmt.Errorf("failed to read job status (job=%s): %w", id, lookupErr)
		}
		return ocrerrors.NewInvalidTransitionError(id, current, string(to))
	}
	if err != nil {
		return fmt.Errorf("failed to transition job (job=%s, status=%s): %w", id, to, err)
	}

	return nil
}

// IncrementProcessedPages adds one finished page. The counter never passes total_pages.
func (p *PostgresClient) IncrementProcessedPages(ctx context.Context, id string) (int, error) {
	query := `
		UPDATE ocr.ocr_jobs
		SET processed_pages = LEAST(processed_pages + 1, total_pages), updated_at = NOW()
		WHERE id = $1::uuid
		RETURNING processed_pages
	`

	var processed int
	err := p.db.QueryRowContext(ctx, query, id).Scan(&processed)
	if err == sql.ErrNoRows {
		return 0, ocrerrors.NewNotFoundError("job", id)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment processed pages (job=%s): %w", id, err)
	}

	return processed, nil
}

// DeleteJob removes a job. Pages cascade; corrections and audit rows stay.
func (p *PostgresClient) DeleteJob(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM ocr.ocr_jobs WHERE id = $1::uuid`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ocrerrors.NewNotFoundError("job", id)
	}
	return nil
}

const pageColumns = `
	id, job_id, page_number, COALESCE(image_url, ''), width, height,
	COALESCE(provider_used, ''), COALESCE(model, ''), COALESCE(text, ''),
	COALESCE(confidence, 0), unknown_char_count, processing_time_ms,
	regions, line_count, COALESCE(page_xml, ''), COALESCE(alto_xml, ''),
	status, COALESCE(error_message, ''), created_at, updated_at`

// UpsertPage writes a page result keyed on (job_id, page_number).
// A re-run overwrites the previous result and keeps the row id.
func (p *PostgresClient) UpsertPage(ctx context.Context, page *models.OcrPage) error {
	if page.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if page.ID == "" {
		page.ID = uuid.New().String()
	}
	page.CountLines()

	regions := page.Regions
	if regions == nil {
		regions = []models.Region{}
	}
	regionsJSON, err := json.Marshal(regions)
	if err != nil {
		return fmt.Errorf("failed to marshal regions: %w", err)
	}

	query := `
		INSERT INTO ocr.ocr_pages (
			id, job_id, page_number, image_url, width, height,
			provider_used, model, text, confidence, unknown_char_count,
			processing_time_ms, regions, line_count, page_xml, alto_xml,
			status, error_message, created_at, updated_at
		) VALUES (
			$1::uuid, $2::uuid, $3, NULLIF($4, ''), $5, $6,
			NULLIF($7, ''), NULLIF($8, ''), $9, $10::NUMERIC(5,2), $11,
			$12, $13::jsonb, $14, NULLIF($15, ''), NULLIF($16, ''),
			$17, NULLIF($18, ''), NOW(), NOW()
		)
		ON CONFLICT (job_id, page_number) DO UPDATE SET
			image_url = EXCLUDED.image_url,
			width = COALESCE(EXCLUDED.width, ocr.ocr_pages.width),
			height = COALESCE(EXCLUDED.height, ocr.ocr_pages.height),
			provider_used = EXCLUDED.provider_used,
			model = EXCLUDED.model,
			text = EXCLUDED.text,
			confidence = EXCLUDED.confidence,
			unknown_char_count = EXCLUDED.unknown_char_count,
			processing_time_ms = EXCLUDED.processing_time_ms,
			regions = EXCLUDED.regions,
			line_count = EXCLUDED.line_count,
			page_xml = EXCLUDED.page_xml,
			alto_xml = EXCLUDED.alto_xml,
			status = EXCLUDED.status,
			error_message = EXCLUDED.error_message,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	err = p.db.QueryRowContext(ctx, query,
		page.ID,                                // $1
		page.JobID,                             // $2
		page.PageNumber,                        // $3
		page.ImageURL,                          // $4
		page.Width,                             // $5
		page.Height,                            // $6
		page.ProviderUsed,                      // $7
		page.Model,                             // $8
		page.Text,                              // $9
		sanitizeConfidence(page.Confidence),    // $10
		page.UnknownCharCount,                  // $11
		page.ProcessingTimeMs,                  // $12
		regionsJSON,                            // $13
		page.LineCount,                         // $14
		page.PageXML,                           // $15
		page.AltoXML,                           // $16
		string(page.Status),                    // $17
		page.ErrorMessage,                      // $18
	).Scan(&page.ID, &page.CreatedAt, &page.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert page (job=%s, page=%d): %w", page.JobID, page.PageNumber, err)
	}

	return nil
}

// GetPage retrieves one page of a job
func (p *PostgresClient) GetPage(ctx context.Context, jobID string, pageNumber int) (*models.OcrPage, error) {
	query := `SELECT ` + pageColumns + ` FROM ocr.ocr_pages WHERE job_id = $1::uuid AND page_number = $2`

	page, err := scanPage(p.db.QueryRowContext(ctx, query, jobID, pageNumber))
	if err == sql.ErrNoRows {
		return nil, ocrerrors.NewNotFoundError("page", fmt.Sprintf("%s#%d", jobID, pageNumber))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get page: %w", err)
	}

	return page, nil
}

// ListPages lists the pages of a job in page order
func (p *PostgresClient) ListPages(ctx context.Context, jobID string) ([]*models.OcrPage, error) {
	query := `SELECT ` + pageColumns + ` FROM ocr.ocr_pages WHERE job_id = $1::uuid ORDER BY page_number`

	rows, err := p.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	defer rows.Close()

	var pages []*models.OcrPage
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan page: %w", err)
		}
		pages = append(pages, page)
	}

	return pages, rows.Err()
}

func scanJob(row rowScanner) (*models.OcrJob, error) {
	var (
		job                 models.OcrJob
		documentType        string
		status              string
		preprocessingJSON   []byte
		confidence, unknown sql.NullFloat64
		startedAt           sql.NullTime
		completedAt         sql.NullTime
	)

	err := row.Scan(
		&job.ID, &job.UserID, &job.DocumentID, &documentType,
		&job.SelectedProvider, &job.RecommendedProvider,
		&job.AutoMode, &job.CloudAllowed, &job.FileURL, &job.FileName, &job.FileHash,
		pq.Array(&job.PageURLs), &job.TotalPages, &preprocessingJSON,
		pq.Array(&job.Languages), &status, &job.ProcessedPages,
		&confidence, &unknown, &job.TotalProcessingTimeMs,
		&job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	job.DocumentType = models.DocumentType(documentType)
	job.Status = models.JobStatus(status)

	if len(preprocessingJSON) > 0 {
		if err := json.Unmarshal(preprocessingJSON, &job.Preprocessing); err != nil {
			return nil, fmt.Errorf("failed to unmarshal preprocessing options: %w", err)
		}
	}
	if confidence.Valid {
		job.OverallConfidence = &confidence.Float64
	}
	if unknown.Valid {
		job.UnknownCharRatio = &unknown.Float64
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}

	return &job, nil
}

func scanPage(row rowScanner) (*models.OcrPage, error) {
	var (
		page          models.OcrPage
		width, height sql.NullInt64
		regionsJSON   []byte
		status        string
	)

	err := row.Scan(
		&page.ID, &page.JobID, &page.PageNumber, &page.ImageURL, &width, &height,
		&page.ProviderUsed, &page.Model, &page.Text,
		&page.Confidence, &page.UnknownCharCount, &page.ProcessingTimeMs,
		&regionsJSON, &page.LineCount, &page.PageXML, &page.AltoXML,
		&status, &page.ErrorMessage, &page.CreatedAt, &page.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	page.Status = models.JobStatus(status)
	if width.Valid {
		w := int(width.Int64)
		page.Width = &w
	}
	if height.Valid {
		h := int(height.Int64)
		page.Height = &h
	}
	if len(regionsJSON) > 0 {
		if err := json.Unmarshal(regionsJSON, &page.Regions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal regions: %w", err)
		}
	}

	return &page, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
