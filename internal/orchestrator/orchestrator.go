/**
 * Job orchestrator
 *
 * Turns submitted files into pending jobs and drives each job through the
 * status machine:
 *   pending -> [preprocessing] -> processing -> completed | partial | failed
 * with cancelled reachable from every non-terminal state.
 *
 * Routing is decided before any page leaves the process: the effective
 * provider must be registered and enabled, and a cloud provider requires the
 * job's cloud consent. Violations fail the job without a dispatch.
 */

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adverant/nexus/ocr-orchestrator/internal/audit"
	ocrerrors "github.com/adverant/nexus/ocr-orchestrator/internal/errors"
	"github.com/adverant/nexus/ocr-orchestrator/internal/events"
	"github.com/adverant/nexus/ocr-orchestrator/internal/logging"
	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
	"github.com/adverant/nexus/ocr-orchestrator/internal/preprocess"
	"github.com/adverant/nexus/ocr-orchestrator/internal/providers"
	"github.com/adverant/nexus/ocr-orchestrator/internal/quota"
	"github.com/adverant/nexus/ocr-orchestrator/internal/recommend"
	"github.com/adverant/nexus/ocr-orchestrator/internal/storage"
)

// Audit actions written by the orchestrator
const (
	ActionRecognize      = "recognize"
	ActionPolicyRejected = "policy_rejected"
)

// Store is the persistence the orchestrator needs
type Store interface {
	storage.JobStore
	storage.PageStore
}

// PageSource loads page images by reference
type PageSource interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// ArtifactSink stores per-page artifacts such as XML exports
type ArtifactSink interface {
	Enabled() bool
	PutArtifact(ctx context.Context, jobID string, pageNumber int, name string, data []byte, contentType string) (string, error)
}

// Registry resolves provider configuration and default models
type Registry interface {
	GetConfig(ctx context.Context, provider string) (*models.OcrProviderConfig, error)
	DefaultModel(ctx context.Context, provider string) (*models.OcrModel, error)
}

// Config tunes job execution
type Config struct {
	PageConcurrency int
	ProviderTimeout time.Duration

	// CancelPollInterval is how often a running job rereads its row to
	// notice a cancel made by another process
	CancelPollInterval time.Duration

	// Exports are requested from providers that produce XML
	Exports []providers.ExportFormat
}

// Dependencies wires the orchestrator. Artifacts, Preprocessor, Quota and
// Events are optional.
type Dependencies struct {
	Store        Store
	Providers    *providers.Set
	Registry     Registry
	Sources      PageSource
	Artifacts    ArtifactSink
	Preprocessor *preprocess.Preprocessor
	Quota        *quota.Guard
	Audit        *audit.Recorder
	Events       events.Publisher
}

// ClientInfo identifies the caller for the audit trail
type ClientInfo struct {
	UserID    string `json:"user_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// FileSpec is one submitted file. PageURLs, when set, list one image per
// page; otherwise FileURL is a single-page image.
type FileSpec struct {
	DocumentID string   `json:"document_id,omitempty"`
	FileURL    string   `json:"file_url"`
	FileName   string   `json:"file_name"`
	FileHash   string   `json:"file_hash,omitempty"`
	PageURLs   []string `json:"page_urls,omitempty"`
}

// SubmitRequest is a batch of files sharing routing and preprocessing choices
type SubmitRequest struct {
	DocumentType     models.DocumentType         `json:"document_type"`
	SelectedProvider string                      `json:"selected_provider,omitempty"`
	AutoMode         bool                        `json:"auto_mode"`
	CloudAllowed     bool                        `json:"cloud_allowed"`
	Languages        []string                    `json:"languages"`
	Preprocessing    models.PreprocessingOptions `json:"preprocessing"`
	Files            []FileSpec                  `json:"files"`
	Client           ClientInfo                  `json:"-"`
}

// Orchestrator runs OCR jobs
type Orchestrator struct {
	store        Store
	providers    *providers.Set
	registry     Registry
	sources      PageSource
	artifacts    ArtifactSink
	preprocessor *preprocess.Preprocessor
	quota        *quota.Guard
	audit        *audit.Recorder
	events       events.Publisher
	cfg          Config
	logger       *logging.Logger

	mu      sync.Mutex
	running map[string]*runHandle
}

// runHandle tracks a job executing in this process
type runHandle struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

// New creates an orchestrator
func New(deps Dependencies, cfg Config) *Orchestrator {
	if cfg.PageConcurrency < 1 {
		cfg.PageConcurrency = 1
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 2 * time.Minute
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = 2 * time.Second
	}
	if cfg.Exports == nil {
		cfg.Exports = []providers.ExportFormat{providers.ExportPageXML, providers.ExportAltoXML}
	}
	if deps.Preprocessor == nil {
		deps.Preprocessor = preprocess.New()
	}
	if deps.Quota == nil {
		deps.Quota = quota.NewGuard(nil, nil)
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}

	return &Orchestrator{
		store:        deps.Store,
		providers:    deps.Providers,
		registry:     deps.Registry,
		sources:      deps.Sources,
		artifacts:    deps.Artifacts,
		preprocessor: deps.Preprocessor,
		quota:        deps.Quota,
		audit:        deps.Audit,
		events:       deps.Events,
		cfg:          cfg,
		logger:       logging.NewLogger("Orchestrator"),
		running:      make(map[string]*runHandle),
	}
}

// Submit creates one pending job per file. Jobs whose routing is rejected
// are created and immediately failed; their errors are joined into the
// returned error while the remaining jobs stay pending.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) ([]*models.OcrJob, error) {
	if len(req.Files) == 0 {
		return nil, fmt.Errorf("at least one file is required")
	}
	if req.DocumentType == "" {
		req.DocumentType = models.DocumentPrinted
	}
	if !req.DocumentType.Valid() {
		return nil, fmt.Errorf("unknown document type %q", req.DocumentType)
	}
	if !req.AutoMode && req.SelectedProvider == "" {
		req.AutoMode = true
	}
	for i, f := range req.Files {
		if f.FileURL == "" && len(f.PageURLs) == 0 {
			return nil, fmt.Errorf("file %d has no source", i)
		}
	}

	rec := recommend.Recommend(req.DocumentType, req.CloudAllowed)

	jobs := make([]*models.OcrJob, 0, len(req.Files))
	var errs []error
	for _, f := range req.Files {
		job := &models.OcrJob{
			UserID:              req.Client.UserID,
			DocumentID:          f.DocumentID,
			DocumentType:        req.DocumentType,
			SelectedProvider:    req.SelectedProvider,
			RecommendedProvider: rec.Recommended,
			AutoMode:            req.AutoMode,
			CloudAllowed:        req.CloudAllowed,
			FileURL:             f.FileURL,
			FileName:            f.FileName,
			FileHash:            f.FileHash,
			PageURLs:            f.PageURLs,
			Preprocessing:       req.Preprocessing,
			Languages:           req.Languages,
			Status:              models.StatusPending,
		}
		if job.FileURL == "" {
			job.FileURL = f.PageURLs[0]
		}
		job.TotalPages = len(job.PageSources())

		if err := o.store.CreateJob(ctx, job); err != nil {
			return jobs, ocrerrors.NewStorageFailedError("", fmt.Errorf("failed to create job: %w", err))
		}
		o.logger.Info("Job submitted",
			"jobId", job.ID,
			"provider", job.EffectiveProvider(),
			"documentType", job.DocumentType,
			"pages", job.TotalPages,
			"cloudAllowed", job.CloudAllowed)

		if _, _, err := o.route(ctx, job, req.Client); err != nil {
			errs = append(errs, err)
		}
		jobs = append(jobs, job)
	}

	return jobs, errors.Join(errs...)
}

// route resolves the provider a job dispatches to. A rejected route fails
// the job. The returned config is nil for local providers without a row.
func (o *Orchestrator) route(ctx context.Context, job *models.OcrJob, client ClientInfo) (providers.Provider, *models.OcrProviderConfig, error) {
	name := job.EffectiveProvider()

	p, ok := o.providers.Get(name)
	if !ok {
		return nil, nil, o.failJob(ctx, job, ocrerrors.NewConfigurationMissingError(name, "provider is not registered"))
	}

	cfg, err := o.registry.GetConfig(ctx, name)
	switch {
	case ocrerrors.Is(err, ocrerrors.ErrorNotFound):
		cfg = nil
	case err != nil:
		return nil, nil, fmt.Errorf("failed to load provider config: %w", err)
	}

	if sendsToCloud(p, cfg) && !job.CloudAllowed {
		perr := ocrerrors.NewPolicyViolationError(job.ID, name, "cloud processing is not allowed for this job")
		o.audit.Record(ctx, &models.OcrAuditLog{
			JobID:          job.ID,
			Action:         ActionPolicyRejected,
			Provider:       name,
			SentToCloud:    false,
			Outcome:        models.AuditRejected,
			FileHash:       job.FileHash,
			UserID:         client.UserID,
			IPAddress:      client.IPAddress,
			UserAgent:      client.UserAgent,
			RequestSummary: fmt.Sprintf("file=%s pages=%d", job.FileName, job.TotalPages),
			ErrorMessage:   perr.Error(),
		})
		return nil, nil, o.failJob(ctx, job, perr)
	}

	if rc, ok := p.(providers.ConfigRequirer); ok && rc.RequiresConfig() && cfg == nil {
		return nil, nil, o.failJob(ctx, job, ocrerrors.NewConfigurationMissingError(name, "no provider config"))
	}
	if cfg != nil && !cfg.IsEnabled {
		return nil, nil, o.failJob(ctx, job, ocrerrors.NewConfigurationMissingError(name, "provider is disabled"))
	}

	return p, cfg, nil
}

// failJob moves a job that never dispatched to failed and returns cause
func (o *Orchestrator) failJob(ctx context.Context, job *models.OcrJob, cause error) error {
	msg := cause.Error()
	now := time.Now()
	err := o.store.TransitionJob(context.WithoutCancel(ctx), job.ID, models.StatusFailed, storage.JobPatch{
		ErrorMessage: &msg,
		CompletedAt:  &now,
	})
	if err != nil {
		o.logger.Error("Failed to mark job failed", "jobId", job.ID, "error", err)
	} else {
		job.Status = models.StatusFailed
		job.ErrorMessage = msg
		job.CompletedAt = &now
	}

	o.logger.Warn("Job rejected before dispatch",
		"jobId", job.ID,
		"provider", job.EffectiveProvider(),
		"code", ocrerrors.CodeOf(cause),
		"error", cause)
	o.publish(ctx, events.Event{
		Type:       events.JobStatusType(models.StatusFailed),
		JobID:      job.ID,
		Status:     models.StatusFailed,
		TotalPages: job.TotalPages,
		Error:      msg,
	})
	return cause
}

// Cancel stops a job. A job running in this process is interrupted and
// finalized by its runner; any other non-terminal job is moved to cancelled
// directly.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	if h := o.handle(jobID); h != nil {
		h.cancelled.Store(true)
		h.cancel()
		o.logger.Info("Cancellation requested", "jobId", jobID)
		return nil
	}

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == models.StatusCancelled {
		return nil
	}
	if job.Status.IsTerminal() {
		return ocrerrors.NewInvalidTransitionError(jobID, string(job.Status), string(models.StatusCancelled))
	}

	now := time.Now()
	if err := o.store.TransitionJob(ctx, jobID, models.StatusCancelled, storage.JobPatch{CompletedAt: &now}); err != nil {
		return err
	}
	o.logger.Info("Job cancelled", "jobId", jobID, "from", job.Status)
	o.publish(ctx, events.Event{
		Type:           events.JobStatusType(models.StatusCancelled),
		JobID:          jobID,
		Status:         models.StatusCancelled,
		ProcessedPages: job.ProcessedPages,
		TotalPages:     job.TotalPages,
	})
	return nil
}

// DeleteJob removes a job and its pages. A running job is cancelled first.
// Audit and ground-truth rows are kept.
func (o *Orchestrator) DeleteJob(ctx context.Context, jobID string) error {
	if h := o.handle(jobID); h != nil {
		h.cancelled.Store(true)
		h.cancel()
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := o.store.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	o.logger.Info("Job deleted", "jobId", jobID)
	return nil
}

// Job returns a job by id
func (o *Orchestrator) Job(ctx context.Context, jobID string) (*models.OcrJob, error) {
	return o.store.GetJob(ctx, jobID)
}

// Jobs lists jobs
func (o *Orchestrator) Jobs(ctx context.Context, filter storage.JobFilter) ([]*models.OcrJob, error) {
	return o.store.ListJobs(ctx, filter)
}

// Pages returns the page results of a job in page order
func (o *Orchestrator) Pages(ctx context.Context, jobID string) ([]*models.OcrPage, error) {
	if _, err := o.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return o.store.ListPages(ctx, jobID)
}

// IsRunning reports whether jobID is executing in this process
func (o *Orchestrator) IsRunning(jobID string) bool {
	return o.handle(jobID) != nil
}

func (o *Orchestrator) handle(jobID string) *runHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running[jobID]
}

// register claims jobID for this process. It returns nil when the job is
// already running here.
func (o *Orchestrator) register(jobID string, cancel context.CancelFunc) *runHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.running[jobID]; ok {
		return nil
	}
	h := &runHandle{cancel: cancel, done: make(chan struct{})}
	o.running[jobID] = h
	return h
}

func (o *Orchestrator) unregister(jobID string, h *runHandle) {
	o.mu.Lock()
	delete(o.running, jobID)
	o.mu.Unlock()
	close(h.done)
}

func (o *Orchestrator) publish(ctx context.Context, event events.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := o.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		o.logger.Debug("Event not published", "type", event.Type, "jobId", event.JobID, "error", err)
	}
}

// sendsToCloud reports whether dispatching to p moves page data off the
// local environment
func sendsToCloud(p providers.Provider, cfg *models.OcrProviderConfig) bool {
	return p.IsCloud() || (cfg != nil && cfg.IsCloud)
}
