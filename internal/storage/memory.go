package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	ocrerrors "github.com/adverant/nexus/ocr-orchestrator/internal/errors"
	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
)

type pageKey struct {
	jobID      string
	pageNumber int
}

// MemoryStore is an in-process Store used in OCR-only mode and in tests.
// Callers always receive copies.
type MemoryStore struct {
	mu          sync.Mutex
	jobs        map[string]*models.OcrJob
	pages       map[pageKey]*models.OcrPage
	groundTruth map[string]*models.OcrGroundTruth
	models      map[string]*models.OcrModel
	providers   map[string]*models.OcrProviderConfig
	audit       []*models.OcrAuditLog
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*models.OcrJob),
		pages:       make(map[pageKey]*models.OcrPage),
		groundTruth: make(map[string]*models.OcrGroundTruth),
		models:      make(map[string]*models.OcrModel),
		providers:   make(map[string]*models.OcrProviderConfig),
		now:         time.Now,
	}
}

func (m *MemoryStore) Close() error { return nil }

// Jobs

func (m *MemoryStore) CreateJob(ctx context.Context, job *models.OcrJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.StatusPending
	}
	now := m.now()
	job.CreatedAt, job.UpdatedAt = now, now
	m.jobs[job.ID] = copyJob(job)
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*models.OcrJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ocrerrors.NewNotFoundError("job", id)
	}
	return copyJob(job), nil
}

func (m *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.OcrJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.OcrJob
	for _, job := range m.jobs {
		if filter.UserID != "" && job.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		out = append(out, copyJob(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) TransitionJob(ctx context.Context, id string, to models.JobStatus, patch JobPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ocrerrors.NewNotFoundError("job", id)
	}
	if !models.CanTransition(job.Status, to) {
		return ocrerrors.NewInvalidTransitionError(id, string(job.Status), string(to))
	}

	job.Status = to
	applyJobPatch(job, patch)
	job.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) IncrementProcessedPages(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return 0, ocrerrors.NewNotFoundError("job", id)
	}
	if job.ProcessedPages < job.TotalPages {
		job.ProcessedPages++
	}
	job.UpdatedAt = m.now()
	return job.ProcessedPages, nil
}

func (m *MemoryStore) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[id]; !ok {
		return ocrerrors.NewNotFoundError("job", id)
	}
	delete(m.jobs, id)
	for key := range m.pages {
		if key.jobID == id {
			delete(m.pages, key)
		}
	}
	return nil
}

// Pages

func (m *MemoryStore) UpsertPage(ctx context.Context, page *models.OcrPage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[page.JobID]; !ok {
		return ocrerrors.NewNotFoundError("job", page.JobID)
	}

	key := pageKey{page.JobID, page.PageNumber}
	now := m.now()
	if existing, ok := m.pages[key]; ok {
		page.ID = existing.ID
		page.CreatedAt = existing.CreatedAt
	} else {
		if page.ID == "" {
			page.ID = uuid.New().String()
		}
		page.CreatedAt = now
	}
	page.UpdatedAt = now
	page.CountLines()

	stored := *page
	m.pages[key] = &stored
	return nil
}

func (m *MemoryStore) GetPage(ctx context.Context, jobID string, pageNumber int) (*models.OcrPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	page, ok := m.pages[pageKey{jobID, pageNumber}]
	if !ok {
		return nil, ocrerrors.NewNotFoundError("page", jobID)
	}
	out := *page
	return &out, nil
}

func (m *MemoryStore) ListPages(ctx context.Context, jobID string) ([]*models.OcrPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.OcrPage
	for key, page := range m.pages {
		if key.jobID == jobID {
			p := *page
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageNumber < out[j].PageNumber })
	return out, nil
}

// Ground truth

func (m *MemoryStore) CreateGroundTruth(ctx context.Context, gt *models.OcrGroundTruth) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	gt.ID = uuid.New().String()
	now := m.now()
	gt.CreatedAt, gt.UpdatedAt = now, now
	stored := *gt
	m.groundTruth[gt.ID] = &stored
	return nil
}

func (m *MemoryStore) GetGroundTruth(ctx context.Context, id string) (*models.OcrGroundTruth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gt, ok := m.groundTruth[id]
	if !ok {
		return nil, ocrerrors.NewNotFoundError("ground truth", id)
	}
	out := *gt
	return &out, nil
}

func (m *MemoryStore) UpdateGroundTruthText(ctx context.Context, id string, correctedText string, correctionType models.CorrectionType) (*models.OcrGroundTruth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gt, ok := m.groundTruth[id]
	if !ok {
		return nil, ocrerrors.NewNotFoundError("ground truth", id)
	}
	gt.CorrectedText = correctedText
	if correctionType != "" {
		gt.CorrectionType = correctionType
	}
	gt.IsValidated = false
	gt.ValidatedBy = ""
	gt.UpdatedAt = m.now()
	out := *gt
	return &out, nil
}

func (m *MemoryStore) ValidateGroundTruth(ctx context.Context, id string, validatedBy string) (*models.OcrGroundTruth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gt, ok := m.groundTruth[id]
	if !ok {
		return nil, ocrerrors.NewNotFoundError("ground truth", id)
	}
	gt.IsValidated = true
	gt.ValidatedBy = validatedBy
	gt.UpdatedAt = m.now()
	out := *gt
	return &out, nil
}

func (m *MemoryStore) DeleteGroundTruth(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groundTruth[id]; !ok {
		return ocrerrors.NewNotFoundError("ground truth", id)
	}
	delete(m.groundTruth, id)
	return nil
}

func (m *MemoryStore) ListGroundTruth(ctx context.Context, filter GroundTruthFilter) ([]*models.OcrGroundTruth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.OcrGroundTruth
	for _, gt := range m.groundTruth {
		if filter.JobID != "" && gt.JobID != filter.JobID {
			continue
		}
		if filter.PageNumber != nil && gt.PageNumber != *filter.PageNumber {
			continue
		}
		if filter.ValidatedOnly && !gt.IsValidated {
			continue
		}
		g := *gt
		out = append(out, &g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PageNumber != out[j].PageNumber {
			return out[i].PageNumber < out[j].PageNumber
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Models

func (m *MemoryStore) CreateModel(ctx context.Context, model *models.OcrModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if model.ID == "" {
		model.ID = uuid.New().String()
	}
	now := m.now()
	model.CreatedAt, model.UpdatedAt = now, now
	if model.IsDefault {
		for _, other := range m.models {
			if other.Provider == model.Provider {
				other.IsDefault = false
			}
		}
	}
	stored := *model
	m.models[model.ID] = &stored
	return nil
}

func (m *MemoryStore) GetModel(ctx context.Context, id string) (*models.OcrModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	model, ok := m.models[id]
	if !ok {
		return nil, ocrerrors.NewNotFoundError("model", id)
	}
	out := *model
	return &out, nil
}

func (m *MemoryStore) ListModels(ctx context.Context, provider string) ([]*models.OcrModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.OcrModel
	for _, model := range m.models {
		if provider != "" && model.Provider != provider {
			continue
		}
		mm := *model
		out = append(out, &mm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelName < out[j].ModelName })
	return out, nil
}

func (m *MemoryStore) SetDefaultModel(ctx context.Context, provider string, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.models[id]
	if !ok || target.Provider != provider {
		return ocrerrors.NewNotFoundError("model", id)
	}
	now := m.now()
	for _, model := range m.models {
		if model.Provider == provider && model.IsDefault && model.ID != id {
			model.IsDefault = false
			model.UpdatedAt = now
		}
	}
	target.IsDefault = true
	target.UpdatedAt = now
	return nil
}

func (m *MemoryStore) GetDefaultModel(ctx context.Context, provider string) (*models.OcrModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, model := range m.models {
		if model.Provider == provider && model.IsDefault {
			out := *model
			return &out, nil
		}
	}
	return nil, ocrerrors.NewNotFoundError("default model", provider)
}

func (m *MemoryStore) UpdateModelMetrics(ctx context.Context, id string, metrics ModelMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	model, ok := m.models[id]
	if !ok {
		return ocrerrors.NewNotFoundError("model", id)
	}
	acc, cer, wer, size := metrics.Accuracy, metrics.CER, metrics.WER, metrics.EvaluationSetSize
	model.Accuracy, model.CER, model.WER, model.EvaluationSetSize = &acc, &cer, &wer, &size
	model.UpdatedAt = m.now()
	return nil
}

// Provider configuration

func (m *MemoryStore) ListProviderConfigs(ctx context.Context) ([]*models.OcrProviderConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.OcrProviderConfig, 0, len(m.providers))
	for _, cfg := range m.providers {
		out = append(out, copyProviderConfig(cfg))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

func (m *MemoryStore) GetProviderConfig(ctx context.Context, provider string) (*models.OcrProviderConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.providers[provider]
	if !ok {
		return nil, ocrerrors.NewNotFoundError("provider config", provider)
	}
	return copyProviderConfig(cfg), nil
}

func (m *MemoryStore) UpsertProviderConfig(ctx context.Context, cfg *models.OcrProviderConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := copyProviderConfig(cfg)
	if existing, ok := m.providers[cfg.Provider]; ok {
		stored.CurrentDailyUsage = existing.CurrentDailyUsage
	}
	stored.UpdatedAt = m.now()
	m.providers[cfg.Provider] = stored
	return nil
}

func (m *MemoryStore) UpdateProviderConfig(ctx context.Context, provider string, patch ProviderConfigPatch) (*models.OcrProviderConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.providers[provider]
	if !ok {
		return nil, ocrerrors.NewNotFoundError("provider config", provider)
	}
	if patch.IsEnabled != nil {
		cfg.IsEnabled = *patch.IsEnabled
	}
	if patch.BaseURL != nil {
		cfg.BaseURL = *patch.BaseURL
	}
	if patch.APIVersion != nil {
		cfg.APIVersion = *patch.APIVersion
	}
	if patch.RateLimitPerMinute != nil {
		cfg.RateLimitPerMinute = *patch.RateLimitPerMinute
	}
	if patch.RateLimitPerDay != nil {
		cfg.RateLimitPerDay = *patch.RateLimitPerDay
	}
	if patch.DefaultOptions != nil {
		cfg.DefaultOptions = patch.DefaultOptions
	}
	cfg.UpdatedAt = m.now()
	return copyProviderConfig(cfg), nil
}

func (m *MemoryStore) IncrementDailyUsage(ctx context.Context, provider string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.providers[provider]
	if !ok {
		return 0, ocrerrors.NewNotFoundError("provider config", provider)
	}
	cfg.CurrentDailyUsage++
	return cfg.CurrentDailyUsage, nil
}

func (m *MemoryStore) ResetDailyUsage(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cfg := range m.providers {
		cfg.CurrentDailyUsage = 0
	}
	return nil
}

// Audit

func (m *MemoryStore) InsertAuditLog(ctx context.Context, entry *models.OcrAuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.CreatedAt = m.now()
	stored := *entry
	m.audit = append(m.audit, &stored)
	return nil
}

func (m *MemoryStore) ListAuditLogs(ctx context.Context, jobID string) ([]*models.OcrAuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.OcrAuditLog
	for _, entry := range m.audit {
		if jobID != "" && entry.JobID != jobID {
			continue
		}
		e := *entry
		out = append(out, &e)
	}
	return out, nil
}

func applyJobPatch(job *models.OcrJob, patch JobPatch) {
	if patch.RecommendedProvider != nil {
		job.RecommendedProvider = *patch.RecommendedProvider
	}
	if patch.ErrorMessage != nil {
		job.ErrorMessage = *patch.ErrorMessage
	}
	if patch.OverallConfidence != nil {
		v := *patch.OverallConfidence
		job.OverallConfidence = &v
	}
	if patch.UnknownCharRatio != nil {
		v := *patch.UnknownCharRatio
		job.UnknownCharRatio = &v
	}
	if patch.TotalProcessingTimeMs != nil {
		job.TotalProcessingTimeMs = *patch.TotalProcessingTimeMs
	}
	if patch.StartedAt != nil && job.StartedAt == nil {
		v := *patch.StartedAt
		job.StartedAt = &v
	}
	if patch.CompletedAt != nil {
		v := *patch.CompletedAt
		job.CompletedAt = &v
	}
}

func copyJob(job *models.OcrJob) *models.OcrJob {
	out := *job
	out.PageURLs = append([]string(nil), job.PageURLs...)
	out.Languages = append([]string(nil), job.Languages...)
	return &out
}

func copyProviderConfig(cfg *models.OcrProviderConfig) *models.OcrProviderConfig {
	out := *cfg
	if cfg.DefaultOptions != nil {
		out.DefaultOptions = make(map[string]interface{}, len(cfg.DefaultOptions))
		for k, v := range cfg.DefaultOptions {
			out.DefaultOptions[k] = v
		}
	}
	return &out
}
