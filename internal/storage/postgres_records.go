package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	ocrerrors "github.com/adverant/nexus/ocr-orchestrator/internal/errors"
	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
)

const groundTruthColumns = `
	id, job_id, COALESCE(page_id::text, ''), page_number, COALESCE(line_id, ''),
	line_index, bbox, recognized_text, corrected_text, COALESCE(correction_type, ''),
	is_validated, COALESCE(validated_by, ''), COALESCE(created_by, ''),
	created_at, updated_at`

// CreateGroundTruth always inserts a new correction row
func (p *PostgresClient) CreateGroundTruth(ctx context.Context, gt *models.OcrGroundTruth) error {
	gt.ID = uuid.New().String()

	var bboxJSON []byte
	if gt.BoundingBox != nil {
		var err error
		if bboxJSON, err = json.Marshal(gt.BoundingBox); err != nil {
			return fmt.Errorf("failed to marshal bounding box: %w", err)
		}
	}

	query := `
		INSERT INTO ocr.ocr_ground_truth (
			id, job_id, page_id, page_number, line_id, line_index, bbox,
			recognized_text, corrected_text, correction_type,
			is_validated, validated_by, created_by, created_at, updated_at
		) VALUES (
			$1::uuid, $2::uuid, NULLIF($3, '')::uuid, $4, NULLIF($5, ''), $6, $7::jsonb,
			$8, $9, NULLIF($10, ''),
			$11, NULLIF($12, ''), NULLIF($13, ''), NOW(), NOW()
		)
		RETURNING created_at, updated_at
	`

	err := p.db.QueryRowContext(ctx, query,
		gt.ID, gt.JobID, gt.PageID, gt.PageNumber, gt.LineID, gt.LineIndex, nullJSON(bboxJSON),
		gt.RecognizedText, gt.CorrectedText, string(gt.CorrectionType),
		gt.IsValidated, gt.ValidatedBy, gt.CreatedBy,
	).Scan(&gt.CreatedAt, &gt.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create ground truth (job=%s, page=%d): %w", gt.JobID, gt.PageNumber, err)
	}

	return nil
}

func (p *PostgresClient) GetGroundTruth(ctx context.Context, id string) (*models.OcrGroundTruth, error) {
	query := `SELECT ` + groundTruthColumns + ` FROM ocr.ocr_ground_truth WHERE id = $1::uuid`
	return p.queryGroundTruth(ctx, id, query, id)
}

// UpdateGroundTruthText replaces the corrected text and clears validation in one statement
func (p *PostgresClient) UpdateGroundTruthText(ctx context.Context, id string, correctedText string, correctionType models.CorrectionType) (*models.OcrGroundTruth, error) {
	query := `
		UPDATE ocr.ocr_ground_truth SET
			corrected_text = $2,
			correction_type = COALESCE(NULLIF($3, ''), correction_type),
			is_validated = FALSE,
			validated_by = NULL,
			updated_at = NOW()
		WHERE id = $1::uuid
		RETURNING ` + groundTruthColumns

	return p.queryGroundTruth(ctx, id, query, id, correctedText, string(correctionType))
}

func (p *PostgresClient) ValidateGroundTruth(ctx context.Context, id string, validatedBy string) (*models.OcrGroundTruth, error) {
	query := `
		UPDATE ocr.ocr_ground_truth SET
			is_validated = TRUE,
			validated_by = NULLIF($2, ''),
			updated_at = NOW()
		WHERE id = $1::uuid
		RETURNING ` + groundTruthColumns

	return p.queryGroundTruth(ctx, id, query, id, validatedBy)
}

func (p *PostgresClient) DeleteGroundTruth(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM ocr.ocr_ground_truth WHERE id = $1::uuid`, id)
	if err != nil {
		return fmt.Errorf("failed to delete ground truth %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ocrerrors.NewNotFoundError("ground truth", id)
	}
	return nil
}

func (p *PostgresClient) ListGroundTruth(ctx context.Context, filter GroundTruthFilter) ([]*models.OcrGroundTruth, error) {
	query := `SELECT ` + groundTruthColumns + `
		FROM ocr.ocr_ground_truth
		WHERE ($1 = '' OR job_id::text = $1)
		  AND ($2::int IS NULL OR page_number = $2)
		  AND (NOT $3 OR is_validated)
		ORDER BY page_number, created_at`

	rows, err := p.db.QueryContext(ctx, query, filter.JobID, filter.PageNumber, filter.ValidatedOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list ground truth: %w", err)
	}
	defer rows.Close()

	var out []*models.OcrGroundTruth
	for rows.Next() {
		gt, err := scanGroundTruth(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ground truth: %w", err)
		}
		out = append(out, gt)
	}

	return out, rows.Err()
}

func (p *PostgresClient) queryGroundTruth(ctx context.Context, id string, query string, args ...interface{}) (*models.OcrGroundTruth, error) {
	gt, err := scanGroundTruth(p.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, ocrerrors.NewNotFoundError("ground truth", id)
	}
	if err != nil {
		return nil, fmt.Errorf("ground truth query failed (id=%s): %w", id, err)
	}
	return gt, nil
}

func scanGroundTruth(row rowScanner) (*models.OcrGroundTruth, error) {
	var (
		gt             models.OcrGroundTruth
		lineIndex      sql.NullInt64
		bboxJSON       []byte
		correctionType string
	)

	err := row.Scan(
		&gt.ID, &gt.JobID, &gt.PageID, &gt.PageNumber, &gt.LineID,
		&lineIndex, &bboxJSON, &gt.RecognizedText, &gt.CorrectedText, &correctionType,
		&gt.IsValidated, &gt.ValidatedBy, &gt.CreatedBy, &gt.CreatedAt, &gt.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	gt.CorrectionType = models.CorrectionType(correctionType)
	if lineIndex.Valid {
		idx := int(lineIndex.Int64)
		gt.LineIndex = &idx
	}
	if len(bboxJSON) > 0 {
		var box models.BoundingBox
		if err := json.Unmarshal(bboxJSON, &box); err != nil {
			return nil, fmt.Errorf("failed to unmarshal bounding box: %w", err)
		}
		gt.BoundingBox = &box
	}

	return &gt, nil
}

const modelColumns = `
	id, provider, model_name, COALESCE(version, ''), COALESCE(path, ''),
	is_pretrained, trained_on_jobs, training_samples,
	accuracy, cer, wer, evaluation_set_size, is_active, is_default,
	created_at, updated_at`

// CreateModel registers a model. A new default model displaces the previous one.
func (p *PostgresClient) CreateModel(ctx context.Context, model *models.OcrModel) error {
	if model.ID == "" {
		model.ID = uuid.New().String()
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if model.IsDefault {
		if _, err := tx.ExecContext(ctx,
			`UPDATE ocr.ocr_models SET is_default = FALSE, updated_at = NOW() WHERE provider = $1 AND is_default`,
			model.Provider); err != nil {
			return fmt.Errorf("failed to clear default model: %w", err)
		}
	}

	query := `
		INSERT INTO ocr.ocr_models (
			id, provider, model_name, version, path, is_pretrained,
			trained_on_jobs, training_samples, is_active, is_default,
			created_at, updated_at
		) VALUES (
			$1::uuid, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6,
			$7, $8, $9, $10, NOW(), NOW()
		)
		RETURNING created_at, updated_at
	`

	err = tx.QueryRowContext(ctx, query,
		model.ID, model.Provider, model.ModelName, model.Version, model.Path, model.IsPretrained,
		pq.Array(model.TrainedOnJobs), model.TrainingSamples, model.IsActive, model.IsDefault,
	).Scan(&model.CreatedAt, &model.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create model %s/%s: %w", model.Provider, model.ModelName, err)
	}

	return tx.Commit()
}

func (p *PostgresClient) GetModel(ctx context.Context, id string) (*models.OcrModel, error) {
	query := `SELECT ` + modelColumns + ` FROM ocr.ocr_models WHERE id = $1::uuid`

	model, err := scanModel(p.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ocrerrors.NewNotFoundError("model", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model %s: %w", id, err)
	}
	return model, nil
}

func (p *PostgresClient) ListModels(ctx context.Context, provider string) ([]*models.OcrModel, error) {
	query := `SELECT ` + modelColumns + `
		FROM ocr.ocr_models
		WHERE ($1 = '' OR provider = $1)
		ORDER BY model_name`

	rows, err := p.db.QueryContext(ctx, query, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer rows.Close()

	var out []*models.OcrModel
	for rows.Next() {
		model, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model: %w", err)
		}
		out = append(out, model)
	}

	return out, rows.Err()
}

// SetDefaultModel clears the provider's current default and sets id, in one transaction
func (p *PostgresClient) SetDefaultModel(ctx context.Context, provider string, id string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE ocr.ocr_models SET is_default = FALSE, updated_at = NOW()
		 WHERE provider = $1 AND is_default AND id <> $2::uuid`,
		provider, id); err != nil {
		return fmt.Errorf("failed to clear default model: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE ocr.ocr_models SET is_default = TRUE, updated_at = NOW()
		 WHERE provider = $1 AND id = $2::uuid`,
		provider, id)
	if err != nil {
		return fmt.Errorf("failed to set default model: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ocrerrors.NewNotFoundError("model", id)
	}

	return tx.Commit()
}

func (p *PostgresClient) GetDefaultModel(ctx context.Context, provider string) (*models.OcrModel, error) {
	query := `SELECT ` + modelColumns + ` FROM ocr.ocr_models WHERE provider = $1 AND is_default LIMIT 1`

	model, err := scanModel(p.db.QueryRowContext(ctx, query, provider))
	if err == sql.ErrNoRows {
		return nil, ocrerrors.NewNotFoundError("default model", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get default model for %s: %w", provider, err)
	}
	return model, nil
}

func (p *PostgresClient) UpdateModelMetrics(ctx context.Context, id string, metrics ModelMetrics) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE ocr.ocr_models SET
			accuracy = $2, cer = $3, wer = $4, evaluation_set_size = $5, updated_at = NOW()
		WHERE id = $1::uuid`,
		id, metrics.Accuracy, metrics.CER, metrics.WER, metrics.EvaluationSetSize)
	if err != nil {
		return fmt.Errorf("failed to update model metrics %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ocrerrors.NewNotFoundError("model", id)
	}
	return nil
}

func scanModel(row rowScanner) (*models.OcrModel, error) {
	var (
		model         models.OcrModel
		accuracy      sql.NullFloat64
		cer, wer      sql.NullFloat64
		evaluationSet sql.NullInt64
	)

	err := row.Scan(
		&model.ID, &model.Provider, &model.ModelName, &model.Version, &model.Path,
		&model.IsPretrained, pq.Array(&model.TrainedOnJobs), &model.TrainingSamples,
		&accuracy, &cer, &wer, &evaluationSet, &model.IsActive, &model.IsDefault,
		&model.CreatedAt, &model.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if accuracy.Valid {
		model.Accuracy = &accuracy.Float64
	}
	if cer.Valid {
		model.CER = &cer.Float64
	}
	if wer.Valid {
		model.WER = &wer.Float64
	}
	if evaluationSet.Valid {
		n := int(evaluationSet.Int64)
		model.EvaluationSetSize = &n
	}

	return &model, nil
}

const providerColumns = `
	provider, is_enabled, is_cloud, COALESCE(base_url, ''), COALESCE(api_version, ''),
	default_options, rate_limit_per_minute, rate_limit_per_day, current_daily_usage, updated_at`

func (p *PostgresClient) ListProviderConfigs(ctx context.Context) ([]*models.OcrProviderConfig, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+providerColumns+` FROM ocr.ocr_provider_config ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider configs: %w", err)
	}
	defer rows.Close()

	var out []*models.OcrProviderConfig
	for rows.Next() {
		cfg, err := scanProviderConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provider config: %w", err)
		}
		out = append(out, cfg)
	}

	return out, rows.Err()
}

func (p *PostgresClient) GetProviderConfig(ctx context.Context, provider string) (*models.OcrProviderConfig, error) {
	query := `SELECT ` + providerColumns + ` FROM ocr.ocr_provider_config WHERE provider = $1`

	cfg, err := scanProviderConfig(p.db.QueryRowContext(ctx, query, provider))
	if err == sql.ErrNoRows {
		return nil, ocrerrors.NewNotFoundError("provider config", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider config %s: %w", provider, err)
	}
	return cfg, nil
}

// UpsertProviderConfig seeds or replaces a provider row; the daily usage counter is preserved
func (p *PostgresClient) UpsertProviderConfig(ctx context.Context, cfg *models.OcrProviderConfig) error {
	optionsJSON, err := json.Marshal(cfg.DefaultOptions)
	if err != nil {
		return fmt.Errorf("failed to marshal default options: %w", err)
	}

	query := `
		INSERT INTO ocr.ocr_provider_config (
			provider, is_enabled, is_cloud, base_url, api_version, default_options,
			rate_limit_per_minute, rate_limit_per_day, current_daily_usage, updated_at
		) VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6::jsonb, $7, $8, 0, NOW())
		ON CONFLICT (provider) DO UPDATE SET
			is_enabled = EXCLUDED.is_enabled,
			is_cloud = EXCLUDED.is_cloud,
			base_url = EXCLUDED.base_url,
			api_version = EXCLUDED.api_version,
			default_options = EXCLUDED.default_options,
			rate_limit_per_minute = EXCLUDED.rate_limit_per_minute,
			rate_limit_per_day = EXCLUDED.rate_limit_per_day,
			updated_at = NOW()
		RETURNING updated_at
	`

	err = p.db.QueryRowContext(ctx, query,
		cfg.Provider, cfg.IsEnabled, cfg.IsCloud, cfg.BaseURL, cfg.APIVersion, optionsJSON,
		cfg.RateLimitPerMinute, cfg.RateLimitPerDay,
	).Scan(&cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert provider config %s: %w", cfg.Provider, err)
	}
	return nil
}

// UpdateProviderConfig applies a partial update in a single statement
func (p *PostgresClient) UpdateProviderConfig(ctx context.Context, provider string, patch ProviderConfigPatch) (*models.OcrProviderConfig, error) {
	var optionsJSON []byte
	if patch.DefaultOptions != nil {
		var err error
		if optionsJSON, err = json.Marshal(patch.DefaultOptions); err != nil {
			return nil, fmt.Errorf("failed to marshal default options: %w", err)
		}
	}

	query := `
		UPDATE ocr.ocr_provider_config SET
			is_enabled = COALESCE($2::boolean, is_enabled),
			base_url = COALESCE($3::text, base_url),
			api_version = COALESCE($4::text, api_version),
			rate_limit_per_minute = COALESCE($5::int, rate_limit_per_minute),
			rate_limit_per_day = COALESCE($6::int, rate_limit_per_day),
			default_options = COALESCE($7::jsonb, default_options),
			updated_at = NOW()
		WHERE provider = $1
		RETURNING ` + providerColumns

	cfg, err := scanProviderConfig(p.db.QueryRowContext(ctx, query,
		provider, patch.IsEnabled, patch.BaseURL, patch.APIVersion,
		patch.RateLimitPerMinute, patch.RateLimitPerDay, nullJSON(optionsJSON),
	))
	if err == sql.ErrNoRows {
		return nil, ocrerrors.NewNotFoundError("provider config", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update provider config %s: %w", provider, err)
	}
	return cfg, nil
}

func (p *PostgresClient) IncrementDailyUsage(ctx context.Context, provider string) (int, error) {
	var usage int
	err := p.db.QueryRowContext(ctx, `
		UPDATE ocr.ocr_provider_config
		SET current_daily_usage = current_daily_usage + 1
		WHERE provider = $1
		RETURNING current_daily_usage`, provider).Scan(&usage)
	if err == sql.ErrNoRows {
		return 0, ocrerrors.NewNotFoundError("provider config", provider)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment daily usage for %s: %w", provider, err)
	}
	return usage, nil
}

func (p *PostgresClient) ResetDailyUsage(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `UPDATE ocr.ocr_provider_config SET current_daily_usage = 0`); err != nil {
		return fmt.Errorf("failed to reset daily usage: %w", err)
	}
	return nil
}

func scanProviderConfig(row rowScanner) (*models.OcrProviderConfig, error) {
	var (
		cfg         models.OcrProviderConfig
		optionsJSON []byte
	)

	err := row.Scan(
		&cfg.Provider, &cfg.IsEnabled, &cfg.IsCloud, &cfg.BaseURL, &cfg.APIVersion,
		&optionsJSON, &cfg.RateLimitPerMinute, &cfg.RateLimitPerDay, &cfg.CurrentDailyUsage, &cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(optionsJSON) > 0 && string(optionsJSON) != "null" {
		if err := json.Unmarshal(optionsJSON, &cfg.DefaultOptions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal default options: %w", err)
		}
	}

	return &cfg, nil
}

// InsertAuditLog appends one audit row
func (p *PostgresClient) InsertAuditLog(ctx context.Context, entry *models.OcrAuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	query := `
		INSERT INTO ocr.ocr_audit_log (
			id, job_id, page_id, page_number, action, provider, sent_to_cloud,
			cloud_endpoint, outcome, file_hash, file_size, user_id, ip_address,
			user_agent, duration_ms, request_summary, response_summary,
			error_message, created_at
		) VALUES (
			$1::uuid, NULLIF($2, '')::uuid, NULLIF($3, '')::uuid, NULLIF($4, 0), $5, $6, $7,
			NULLIF($8, ''), $9, NULLIF($10, ''), $11, NULLIF($12, ''), NULLIF($13, ''),
			NULLIF($14, ''), $15, NULLIF($16, ''), NULLIF($17, ''),
			NULLIF($18, ''), NOW()
		)
		RETURNING created_at
	`

	err := p.db.QueryRowContext(ctx, query,
		entry.ID, entry.JobID, entry.PageID, entry.PageNumber, entry.Action, entry.Provider, entry.SentToCloud,
		entry.CloudEndpoint, entry.Outcome, entry.FileHash, entry.FileSize, entry.UserID, entry.IPAddress,
		entry.UserAgent, entry.DurationMs, entry.RequestSummary, entry.ResponseSummary,
		entry.ErrorMessage,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit log (job=%s, action=%s): %w", entry.JobID, entry.Action, err)
	}
	return nil
}

func (p *PostgresClient) ListAuditLogs(ctx context.Context, jobID string) ([]*models.OcrAuditLog, error) {
	query := `
		SELECT id, COALESCE(job_id::text, ''), COALESCE(page_id::text, ''), COALESCE(page_number, 0),
			action, provider, sent_to_cloud, COALESCE(cloud_endpoint, ''), outcome,
			COALESCE(file_hash, ''), file_size, COALESCE(user_id, ''), COALESCE(ip_address, ''),
			COALESCE(user_agent, ''), duration_ms, COALESCE(request_summary, ''),
			COALESCE(response_summary, ''), COALESCE(error_message, ''), created_at
		FROM ocr.ocr_audit_log
		WHERE ($1 = '' OR job_id::text = $1)
		ORDER BY created_at`

	rows, err := p.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	var out []*models.OcrAuditLog
	for rows.Next() {
		var e models.OcrAuditLog
		if err := rows.Scan(
			&e.ID, &e.JobID, &e.PageID, &e.PageNumber, &e.Action, &e.Provider, &e.SentToCloud,
			&e.CloudEndpoint, &e.Outcome, &e.FileHash, &e.FileSize, &e.UserID, &e.IPAddress,
			&e.UserAgent, &e.DurationMs, &e.RequestSummary, &e.ResponseSummary, &e.ErrorMessage,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		out = append(out, &e)
	}

	return out, rows.Err()
}

func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ Store = (*PostgresClient)(nil)
var _ Store = (*MemoryStore)(nil)
