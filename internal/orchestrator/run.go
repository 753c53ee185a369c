package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	ocrerrors "github.com/adverant/nexus/ocr-orchestrator/internal/errors"
	"github.com/adverant/nexus/ocr-orchestrator/internal/events"
	"github.com/adverant/nexus/ocr-orchestrator/internal/logging"
	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
	"github.com/adverant/nexus/ocr-orchestrator/internal/preprocess"
	"github.com/adverant/nexus/ocr-orchestrator/internal/providers"
	"github.com/adverant/nexus/ocr-orchestrator/internal/storage"
)

// pageTask is one page of a running job
type pageTask struct {
	number  int
	ref     string
	page    *preprocess.Page
	loadErr error
}

// jobRun holds the state of one Run call
type jobRun struct {
	o        *Orchestrator
	job      *models.OcrJob
	provider providers.Provider
	cfg      *models.OcrProviderConfig
	client   ClientInfo
	model    string
	handle   *runHandle
	started  time.Time
	logger   *logging.Logger

	mu         sync.Mutex
	succeeded  int
	failed     int
	confidence float64
	chars      int
	unknown    int
}

// Run executes a job to a terminal state. Running a terminal job is a no-op,
// so redelivered queue tasks are harmless. Pages already completed by an
// earlier attempt are skipped.
//
// Page failures do not fail Run; the returned error is reserved for jobs
// that could not start.
func (o *Orchestrator) Run(ctx context.Context, jobID string, client ClientInfo) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	h := o.register(jobID, cancel)
	if h == nil {
		o.logger.Warn("Job already running in this process", "jobId", jobID)
		return nil
	}
	defer o.unregister(jobID, h)

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		o.logger.Info("Job already finished", "jobId", jobID, "status", job.Status)
		return nil
	}
	if client.UserID == "" {
		client.UserID = job.UserID
	}

	p, cfg, err := o.route(ctx, job, client)
	if err != nil {
		return err
	}

	r := &jobRun{
		o:        o,
		job:      job,
		provider: p,
		cfg:      cfg,
		client:   client,
		handle:   h,
		started:  time.Now(),
		logger:   o.logger.With("jobId", job.ID, "provider", p.Name()),
	}

	if model, err := o.registry.DefaultModel(ctx, p.Name()); err != nil {
		r.logger.Warn("Default model lookup failed", "error", err)
	} else if model != nil {
		r.model = model.ModelName
	}

	go r.watchCancel(runCtx)
	return r.execute(runCtx)
}

// watchCancel stops the run when the job row turns cancelled. A cancel made
// in this process goes through the run handle; this catches the others.
func (r *jobRun) watchCancel(ctx context.Context) {
	ticker := time.NewTicker(r.o.cfg.CancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.cancelledElsewhere(ctx) {
				return
			}
		}
	}
}

// cancelledElsewhere rereads the job status and cancels the run when
// another process has cancelled the job
func (r *jobRun) cancelledElsewhere(ctx context.Context) bool {
	current, err := r.o.store.GetJob(ctx, r.job.ID)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("Failed to reread job status", "error", err)
		}
		return false
	}
	if current.Status != models.StatusCancelled {
		return false
	}
	if !r.handle.cancelled.Swap(true) {
		r.logger.Info("Job cancelled by another process")
	}
	r.handle.cancel()
	return true
}

func (r *jobRun) execute(ctx context.Context) error {
	o := r.o
	job := r.job

	tasks := make([]pageTask, 0, job.TotalPages)
	for i, ref := range job.PageSources() {
		tasks = append(tasks, pageTask{number: i + 1, ref: ref})
	}

	done, err := r.completedPages(ctx)
	if err != nil {
		return err
	}

	r.logger.Info("Starting job",
		"status", job.Status,
		"pages", len(tasks),
		"resumedPages", len(done),
		"model", r.model)

	now := r.started
	switch job.Status {
	case models.StatusPending:
		next := models.StatusProcessing
		if !job.Preprocessing.IsTrivial() {
			next = models.StatusPreprocessing
		}
		if err := r.transition(ctx, next, storage.JobPatch{StartedAt: &now}); err != nil {
			return r.lostRace(ctx, err)
		}
		if next == models.StatusPreprocessing {
			r.preprocessAll(ctx, tasks, done)
			if ctx.Err() != nil {
				return r.finish(ctx)
			}
			if err := r.transition(ctx, models.StatusProcessing, storage.JobPatch{}); err != nil {
				return r.lostRace(ctx, err)
			}
		}
	case models.StatusPreprocessing:
		r.preprocessAll(ctx, tasks, done)
		if ctx.Err() != nil {
			return r.finish(ctx)
		}
		if err := r.transition(ctx, models.StatusProcessing, storage.JobPatch{}); err != nil {
			return r.lostRace(ctx, err)
		}
	}

	r.dispatch(ctx, tasks, done)
	return r.finish(ctx)
}

// completedPages returns the pages finished by an earlier attempt and counts
// them into the job statistics
func (r *jobRun) completedPages(ctx context.Context) (map[int]bool, error) {
	pages, err := r.o.store.ListPages(ctx, r.job.ID)
	if err != nil {
		return nil, ocrerrors.NewStorageFailedError(r.job.ID, err)
	}
	done := make(map[int]bool)
	for _, p := range pages {
		if p.Status == models.StatusCompleted {
			done[p.PageNumber] = true
			r.tally(p)
		}
	}
	return done, nil
}

// lostRace handles a transition rejected because the job moved on elsewhere
func (r *jobRun) lostRace(ctx context.Context, err error) error {
	if !ocrerrors.Is(err, ocrerrors.ErrorInvalidTransition) {
		return err
	}
	current, gerr := r.o.store.GetJob(context.WithoutCancel(ctx), r.job.ID)
	if gerr == nil && current.Status.IsTerminal() {
		r.logger.Info("Job finished elsewhere", "status", current.Status)
		return nil
	}
	return err
}

// preprocessAll loads and cleans every outstanding page before dispatch
func (r *jobRun) preprocessAll(ctx context.Context, tasks []pageTask, done map[int]bool) {
	g := new(errgroup.Group)
	g.SetLimit(r.o.cfg.PageConcurrency)
	for i := range tasks {
		if done[tasks[i].number] {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		t := &tasks[i]
		g.Go(func() error {
			t.page, t.loadErr = r.load(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
}

// dispatch sends outstanding pages to the provider on a bounded pool.
// A failing page never stops its siblings; cancellation stops new dispatches.
func (r *jobRun) dispatch(ctx context.Context, tasks []pageTask, done map[int]bool) {
	g := new(errgroup.Group)
	g.SetLimit(r.o.cfg.PageConcurrency)
	for i := range tasks {
		if done[tasks[i].number] {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		t := &tasks[i]
		g.Go(func() error {
			r.processPage(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *jobRun) load(ctx context.Context, t *pageTask) (*preprocess.Page, error) {
	o := r.o
	data, err := o.sources.Fetch(ctx, t.ref)
	if err != nil {
		return nil, fmt.Errorf("failed to load page %d: %w", t.number, err)
	}

	page, err := o.preprocessor.Process(ctx, data, r.job.Preprocessing)
	if err != nil {
		return nil, fmt.Errorf("failed to preprocess page %d: %w", t.number, err)
	}

	if len(page.Applied) > 0 && o.artifacts != nil && o.artifacts.Enabled() {
		if _, err := o.artifacts.PutArtifact(ctx, r.job.ID, t.number, "preprocessed.png", page.Data, page.MimeType); err != nil {
			r.logger.Warn("Preprocessed page not stored", "page", t.number, "error", err)
		}
	}
	return page, nil
}

func (r *jobRun) processPage(ctx context.Context, t *pageTask) {
	if t.page == nil && t.loadErr == nil {
		t.page, t.loadErr = r.load(ctx, t)
	}
	if ctx.Err() != nil || r.cancelledElsewhere(ctx) {
		return
	}
	if t.loadErr != nil {
		r.logger.Warn("Page could not be loaded", "page", t.number, "error", t.loadErr)
		r.pageFailed(ctx, t, t.loadErr)
		return
	}

	name := r.provider.Name()
	entry := r.auditEntry(t)

	if err := r.o.quota.Acquire(ctx, name, r.cfg); err != nil {
		entry.SentToCloud = false
		entry.CloudEndpoint = ""
		entry.Outcome = models.AuditRejected
		entry.ErrorMessage = err.Error()
		r.o.audit.Record(ctx, entry)
		r.pageFailed(ctx, t, err)
		return
	}

	img := providers.Image{
		Data:     t.page.Data,
		Name:     fmt.Sprintf("page-%04d", t.number),
		MimeType: t.page.MimeType,
		Width:    t.page.Width,
		Height:   t.page.Height,
	}
	opts := providers.Options{
		Languages:        r.job.Languages,
		Model:            r.model,
		DocumentType:     r.job.DocumentType,
		LineSegmentation: r.job.Preprocessing.LineSegmentation,
		Exports:          r.o.cfg.Exports,
		JobID:            r.job.ID,
		PageNumber:       t.number,
	}

	start := time.Now()
	res, err := r.recognize(ctx, img, opts)
	entry.DurationMs = time.Since(start).Milliseconds()
	if res != nil && res.Endpoint != "" && entry.SentToCloud {
		entry.CloudEndpoint = res.Endpoint
	}

	switch {
	case ocrerrors.Is(err, ocrerrors.ErrorJobCancelled):
		entry.Outcome = models.AuditCancelled
		entry.ErrorMessage = err.Error()
		r.o.audit.Record(ctx, entry)
		r.logger.Info("Page abandoned", "page", t.number)

	case err != nil:
		entry.Outcome = models.AuditFailed
		entry.ErrorMessage = err.Error()
		r.o.audit.Record(ctx, entry)
		r.logger.Warn("Page recognition failed",
			"page", t.number,
			"code", ocrerrors.CodeOf(err),
			"error", err)
		r.pageFailed(ctx, t, err)

	default:
		entry.ResponseSummary = fmt.Sprintf("chars=%d lines=%d confidence=%.1f model=%s simulated=%t",
			utf8.RuneCountInString(res.Text), len(res.Lines), res.Confidence, res.Model, res.Simulated)
		page, serr := r.pageSucceeded(ctx, t, res)
		if serr != nil {
			entry.Outcome = models.AuditFailed
			entry.ErrorMessage = serr.Error()
		} else {
			entry.Outcome = models.AuditSuccess
			entry.PageID = page.ID
		}
		r.o.audit.Record(ctx, entry)
	}
}

// recognize calls the provider bounded by the provider timeout. The call is
// abandoned as soon as the job is cancelled.
func (r *jobRun) recognize(ctx context.Context, img providers.Image, opts providers.Options) (*providers.Result, error) {
	timeout := r.o.cfg.ProviderTimeout
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res *providers.Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := r.provider.Recognize(callCtx, img, opts)
		ch <- outcome{res, err}
	}()

	select {
	case out := <-ch:
		if out.err != nil && ctx.Err() != nil {
			return nil, ocrerrors.NewJobCancelledError(r.job.ID)
		}
		var pe *ocrerrors.ProcessingError
		if out.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) &&
			!(errors.As(out.err, &pe) && pe.Code == ocrerrors.ErrorNetworkTimeout) {
			return nil, ocrerrors.NewNetworkTimeoutError(r.provider.Name(), timeout, out.err)
		}
		return out.res, out.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ocrerrors.NewJobCancelledError(r.job.ID)
		}
		return nil, ocrerrors.NewNetworkTimeoutError(r.provider.Name(), timeout, callCtx.Err())
	}
}

func (r *jobRun) auditEntry(t *pageTask) *models.OcrAuditLog {
	sum := sha256.Sum256(t.page.Data)
	entry := &models.OcrAuditLog{
		JobID:       r.job.ID,
		PageNumber:  t.number,
		Action:      ActionRecognize,
		Provider:    r.provider.Name(),
		SentToCloud: sendsToCloud(r.provider, r.cfg),
		FileHash:    hex.EncodeToString(sum[:]),
		FileSize:    int64(len(t.page.Data)),
		UserID:      r.client.UserID,
		IPAddress:   r.client.IPAddress,
		UserAgent:   r.client.UserAgent,
		RequestSummary: fmt.Sprintf("page=%d languages=%s model=%s mime=%s size=%dx%d",
			t.number, strings.Join(r.job.Languages, "+"), r.model, t.page.MimeType, t.page.Width, t.page.Height),
	}
	if entry.SentToCloud && r.cfg != nil {
		entry.CloudEndpoint = r.cfg.BaseURL
	}
	return entry
}

func (r *jobRun) basePage(t *pageTask) *models.OcrPage {
	page := &models.OcrPage{
		JobID:        r.job.ID,
		PageNumber:   t.number,
		ImageURL:     t.ref,
		ProviderUsed: r.provider.Name(),
		Regions:      []models.Region{},
	}
	if t.page != nil {
		w, h := t.page.Width, t.page.Height
		page.Width, page.Height = &w, &h
	}
	return page
}

func (r *jobRun) pageFailed(ctx context.Context, t *pageTask, cause error) {
	writeCtx := context.WithoutCancel(ctx)
	page := r.basePage(t)
	page.Status = models.StatusFailed
	page.ErrorMessage = cause.Error()

	if err := r.o.store.UpsertPage(writeCtx, page); err != nil {
		r.logger.Error("Failed to store page failure", "page", t.number, "error", err)
	}

	r.mu.Lock()
	r.failed++
	r.mu.Unlock()

	processed := r.advance(writeCtx)
	r.o.publish(ctx, events.Event{
		Type:           events.TypePageFailed,
		JobID:          r.job.ID,
		PageNumber:     t.number,
		Provider:       page.ProviderUsed,
		ProcessedPages: processed,
		TotalPages:     r.job.TotalPages,
		Error:          page.ErrorMessage,
	})
}

func (r *jobRun) pageSucceeded(ctx context.Context, t *pageTask, res *providers.Result) (*models.OcrPage, error) {
	writeCtx := context.WithoutCancel(ctx)
	page := r.basePage(t)
	page.Status = models.StatusCompleted
	page.Model = res.Model
	page.Text = res.Text
	page.Confidence = res.Confidence
	page.UnknownCharCount = providers.CountUnknown(res.Text)
	page.ProcessingTimeMs = res.ProcessingTime.Milliseconds()
	page.Regions = res.PageRegions()
	page.PageXML = res.PageXML
	page.AltoXML = res.AltoXML
	page.CountLines()

	r.storeExports(writeCtx, t.number, res)

	if err := r.o.store.UpsertPage(writeCtx, page); err != nil {
		r.logger.Error("Failed to store page result", "page", t.number, "error", err)
		r.mu.Lock()
		r.failed++
		r.mu.Unlock()
		r.advance(writeCtx)
		return nil, ocrerrors.NewStorageFailedError(r.job.ID, err)
	}

	r.tally(page)
	processed := r.advance(writeCtx)

	r.logger.Debug("Page completed",
		"page", t.number,
		"confidence", page.Confidence,
		"lines", page.LineCount,
		"processed", processed)
	r.o.publish(ctx, events.Event{
		Type:           events.TypePageCompleted,
		JobID:          r.job.ID,
		PageNumber:     t.number,
		Provider:       page.ProviderUsed,
		ProcessedPages: processed,
		TotalPages:     r.job.TotalPages,
	})
	return page, nil
}

func (r *jobRun) storeExports(ctx context.Context, pageNumber int, res *providers.Result) {
	sink := r.o.artifacts
	if sink == nil || !sink.Enabled() {
		return
	}
	for name, body := range map[string]string{"page.xml": res.PageXML, "alto.xml": res.AltoXML} {
		if body == "" {
			continue
		}
		if _, err := sink.PutArtifact(ctx, r.job.ID, pageNumber, name, []byte(body), "application/xml"); err != nil {
			r.logger.Warn("Export not stored", "page", pageNumber, "artifact", name, "error", err)
		}
	}
}

// advance bumps processed_pages and returns the stored count
func (r *jobRun) advance(ctx context.Context) int {
	n, err := r.o.store.IncrementProcessedPages(ctx, r.job.ID)
	if err != nil {
		r.logger.Error("Failed to advance progress", "error", err)
	}
	return n
}

func (r *jobRun) tally(page *models.OcrPage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.succeeded++
	r.confidence += page.Confidence
	r.chars += utf8.RuneCountInString(page.Text)
	r.unknown += page.UnknownCharCount
}

func (r *jobRun) transition(ctx context.Context, to models.JobStatus, patch storage.JobPatch) error {
	if err := r.o.store.TransitionJob(context.WithoutCancel(ctx), r.job.ID, to, patch); err != nil {
		return err
	}
	r.job.Status = to
	r.logger.Info("Job status changed", "status", to)
	r.o.publish(ctx, events.Event{
		Type:       events.JobStatusType(to),
		JobID:      r.job.ID,
		Status:     to,
		TotalPages: r.job.TotalPages,
	})
	return nil
}

// finish moves the job to its terminal status
func (r *jobRun) finish(ctx context.Context) error {
	r.mu.Lock()
	succeeded, failed := r.succeeded, r.failed
	patch := storage.JobPatch{}
	if succeeded > 0 {
		mean := r.confidence / float64(succeeded)
		ratio := 0.0
		if r.chars > 0 {
			ratio = float64(r.unknown) / float64(r.chars)
		}
		patch.OverallConfidence = &mean
		patch.UnknownCharRatio = &ratio
	}
	r.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(r.started).Milliseconds()
	patch.CompletedAt = &now
	patch.TotalProcessingTimeMs = &elapsed

	var status models.JobStatus
	switch {
	case r.handle.cancelled.Load():
		status = models.StatusCancelled
	case ctx.Err() != nil:
		// interrupted without a cancel request: outstanding pages count as failed
		outstanding := r.job.TotalPages - succeeded - failed
		status = models.FinalStatus(succeeded, failed+max(outstanding, 1))
		msg := fmt.Sprintf("processing interrupted: %v", ctx.Err())
		patch.ErrorMessage = &msg
	default:
		status = models.FinalStatus(succeeded, failed)
		if failed > 0 {
			msg := fmt.Sprintf("%d of %d pages failed", failed, r.job.TotalPages)
			patch.ErrorMessage = &msg
		}
	}

	if err := r.transition(ctx, status, patch); err != nil {
		return r.lostRace(ctx, err)
	}

	r.logger.Info("Job finished",
		"status", status,
		"succeeded", succeeded,
		"failed", failed,
		"durationMs", elapsed)
	return nil
}
