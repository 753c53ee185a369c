package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/ocr-orchestrator/internal/audit"
	ocrerrors "github.com/adverant/nexus/ocr-orchestrator/internal/errors"
	"github.com/adverant/nexus/ocr-orchestrator/internal/events"
	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
	"github.com/adverant/nexus/ocr-orchestrator/internal/providers"
	"github.com/adverant/nexus/ocr-orchestrator/internal/quota"
	"github.com/adverant/nexus/ocr-orchestrator/internal/registry"
	"github.com/adverant/nexus/ocr-orchestrator/internal/storage"
)

type recognizeFunc func(ctx context.Context, img providers.Image, opts providers.Options) (*providers.Result, error)

type fakeProvider struct {
	name           string
	cloud          bool
	requiresConfig bool
	fn             recognizeFunc
	calls          atomic.Int32
}

func (p *fakeProvider) Name() string         { return p.name }
func (p *fakeProvider) IsCloud() bool        { return p.cloud }
func (p *fakeProvider) RequiresConfig() bool { return p.requiresConfig }

func (p *fakeProvider) Recognize(ctx context.Context, img providers.Image, opts providers.Options) (*providers.Result, error) {
	p.calls.Add(1)
	if p.fn != nil {
		return p.fn(ctx, img, opts)
	}
	return textResult(fmt.Sprintf("page %d text", opts.PageNumber), 90), nil
}

func textResult(text string, confidence float64) *providers.Result {
	return &providers.Result{
		Text:       text,
		Confidence: confidence,
		Lines: []models.Line{{
			Text:        text,
			Confidence:  confidence,
			BoundingBox: models.BoundingBox{X: 1, Y: 1, Width: 10, Height: 4},
		}},
		ProcessingTime: 5 * time.Millisecond,
	}
}

type fakeSource struct {
	pages map[string][]byte
}

func (s *fakeSource) Fetch(_ context.Context, ref string) ([]byte, error) {
	data, ok := s.pages[ref]
	if !ok {
		return nil, fmt.Errorf("object %s does not exist", ref)
	}
	return data, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) statuses() []models.JobStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.JobStatus
	for _, e := range p.events {
		if e.Status != "" {
			out = append(out, e.Status)
		}
	}
	return out
}

type fakeSink struct {
	mu    sync.Mutex
	names []string
}

func (s *fakeSink) Enabled() bool { return true }

func (s *fakeSink) PutArtifact(_ context.Context, jobID string, page int, name string, _ []byte, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, fmt.Sprintf("%d/%s", page, name))
	return storage.ArtifactKey(jobID, page, name), nil
}

func pagePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 40, 20))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	img.SetGray(10, 10, color.Gray{Y: 0})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type harness struct {
	store     *storage.MemoryStore
	registry  *registry.Registry
	source    *fakeSource
	publisher *recordingPublisher
	sink      *fakeSink
	orch      *Orchestrator
}

func newHarness(t *testing.T, cfg Config, ps ...providers.Provider) *harness {
	t.Helper()
	h := &harness{
		store:     storage.NewMemoryStore(),
		source:    &fakeSource{pages: map[string][]byte{}},
		publisher: &recordingPublisher{},
		sink:      &fakeSink{},
	}
	h.registry = registry.New(h.store, time.Minute)
	if cfg.PageConcurrency == 0 {
		cfg.PageConcurrency = 2
	}
	h.orch = New(Dependencies{
		Store:     h.store,
		Providers: providers.NewSet(ps...),
		Registry:  h.registry,
		Sources:   h.source,
		Artifacts: h.sink,
		Quota:     quota.NewGuard(quota.NewLimiter(), nil),
		Audit:     audit.NewRecorder(h.store),
		Events:    h.publisher,
	}, cfg)
	return h
}

// pages registers n page images and returns their references
func (h *harness) pages(t *testing.T, n int) []string {
	t.Helper()
	data := pagePNG(t)
	refs := make([]string, n)
	for i := range refs {
		refs[i] = fmt.Sprintf("s3://uploads/doc/page-%d.png", i+1)
		h.source.pages[refs[i]] = data
	}
	return refs
}

func (h *harness) submitOne(t *testing.T, req SubmitRequest) *models.OcrJob {
	t.Helper()
	jobs, err := h.orch.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	return jobs[0]
}

func (h *harness) configure(t *testing.T, cfg *models.OcrProviderConfig) {
	t.Helper()
	require.NoError(t, h.registry.Upsert(context.Background(), cfg))
}

func TestPrintedJobRunsToCompletion(t *testing.T) {
	engine := &fakeProvider{name: models.ProviderTesseract}
	h := newHarness(t, Config{}, engine)

	job := h.submitOne(t, SubmitRequest{
		DocumentType:     models.DocumentPrinted,
		SelectedProvider: models.ProviderTesseract,
		Languages:        []string{"eng"},
		Files:            []FileSpec{{FileName: "letter.pdf", PageURLs: h.pages(t, 3)}},
		Client:           ClientInfo{UserID: "user-1", IPAddress: "10.0.0.9"},
	})
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, 3, job.TotalPages)

	require.NoError(t, h.orch.Run(context.Background(), job.ID, ClientInfo{IPAddress: "10.0.0.9"}))

	got, err := h.orch.Job(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.ProcessedPages)
	require.NotNil(t, got.OverallConfidence)
	assert.InDelta(t, 90, *got.OverallConfidence, 0.001)
	assert.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, []models.JobStatus{models.StatusProcessing, models.StatusCompleted}, h.publisher.statuses())

	pages, err := h.orch.Pages(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	for i, p := range pages {
		assert.Equal(t, i+1, p.PageNumber)
		assert.Equal(t, models.StatusCompleted, p.Status)
		assert.Equal(t, models.ProviderTesseract, p.ProviderUsed)
		assert.Equal(t, 1, p.LineCount)
		require.NotNil(t, p.Width)
		assert.Equal(t, 40, *p.Width)
	}

	rows, err := h.store.ListAuditLogs(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.False(t, row.SentToCloud)
		assert.Equal(t, models.AuditSuccess, row.Outcome)
		assert.Equal(t, "user-1", row.UserID)
		assert.Equal(t, "10.0.0.9", row.IPAddress)
		assert.NotEmpty(t, row.PageID)
		assert.Len(t, row.FileHash, 64)
	}
}

func TestCloudProviderWithoutConsentIsRejected(t *testing.T) {
	cloud := &fakeProvider{name: models.ProviderCloudAPI, cloud: true, requiresConfig: true}
	h := newHarness(t, Config{}, cloud)
	h.configure(t, &models.OcrProviderConfig{
		Provider:  models.ProviderCloudAPI,
		IsEnabled: true,
		IsCloud:   true,
		BaseURL:   "https://vision.example.com",
	})

	jobs, err := h.orch.Submit(context.Background(), SubmitRequest{
		DocumentType:     models.DocumentPrinted,
		SelectedProvider: models.ProviderCloudAPI,
		CloudAllowed:     false,
		Files:            []FileSpec{{FileName: "scan.png", PageURLs: h.pages(t, 2)}},
	})
	require.Error(t, err)
	assert.True(t, ocrerrors.Is(err, ocrerrors.ErrorPolicyViolation))
	require.Len(t, jobs, 1)
	assert.Equal(t, models.StatusFailed, jobs[0].Status)

	stored, err := h.orch.Job(context.Background(), jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.NotEmpty(t, stored.ErrorMessage)

	pages, err := h.orch.Pages(context.Background(), jobs[0].ID)
	require.NoError(t, err)
	assert.Empty(t, pages)

	rows, err := h.store.ListAuditLogs(context.Background(), jobs[0].ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].SentToCloud)
	assert.Equal(t, models.AuditRejected, rows[0].Outcome)
	assert.Equal(t, ActionPolicyRejected, rows[0].Action)
	assert.NotEmpty(t, rows[0].ErrorMessage)

	assert.Zero(t, cloud.calls.Load())

	// running the failed job again is a no-op
	require.NoError(t, h.orch.Run(context.Background(), jobs[0].ID, ClientInfo{}))
	assert.Zero(t, cloud.calls.Load())
}

func TestCloudProviderWithConsentIsAudited(t *testing.T) {
	cloud := &fakeProvider{name: models.ProviderCloudAPI, cloud: true, requiresConfig: true}
	h := newHarness(t, Config{}, cloud)
	h.configure(t, &models.OcrProviderConfig{
		Provider:  models.ProviderCloudAPI,
		IsEnabled: true,
		IsCloud:   true,
		BaseURL:   "https://vision.example.com",
	})

	job := h.submitOne(t, SubmitRequest{
		SelectedProvider: models.ProviderCloudAPI,
		CloudAllowed:     true,
		Files:            []FileSpec{{FileURL: h.pages(t, 1)[0], FileName: "scan.png"}},
	})
	require.NoError(t, h.orch.Run(context.Background(), job.ID, ClientInfo{}))

	rows, err := h.store.ListAuditLogs(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].SentToCloud)
	assert.Equal(t, "https://vision.example.com", rows[0].CloudEndpoint)
}

func TestTransientPageFailureYieldsPartialJob(t *testing.T) {
	engine := &fakeProvider{
		name: models.ProviderTesseract,
		fn: func(_ context.Context, _ providers.Image, opts providers.Options) (*providers.Result, error) {
			if opts.PageNumber == 2 {
				return nil, ocrerrors.NewProviderFailedError(models.ProviderTesseract, errors.New("engine crashed"))
			}
			return textResult("ok", 80), nil
		},
	}
	h := newHarness(t, Config{}, engine)

	job := h.submitOne(t, SubmitRequest{
		SelectedProvider: models.ProviderTesseract,
		Files:            []FileSpec{{PageURLs: h.pages(t, 3)}},
	})
	require.NoError(t, h.orch.Run(context.Background(), job.ID, ClientInfo{}))

	got, err := h.orch.Job(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartial, got.Status)
	assert.Equal(t, 3, got.ProcessedPages)
	assert.Contains(t, got.ErrorMessage, "1 of 3")

	pages, err := h.orch.Pages(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	assert.Equal(t, models.StatusCompleted, pages[0].Status)
	assert.Equal(t, models.StatusFailed, pages[1].Status)
	assert.Contains(t, pages[1].ErrorMessage, "engine crashed")
	assert.Equal(t, models.StatusCompleted, pages[2].Status)

	rows, err := h.store.ListAuditLogs(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestAllPagesFailingFailsJob(t *testing.T) {
	engine := &fakeProvider{
		name: models.ProviderTesseract,
		fn: func(context.Context, providers.Image, providers.Options) (*providers.Result, error) {
			return nil, ocrerrors.NewUnsupportedLanguageError(models.ProviderTesseract, "xx")
		},
	}
	h := newHarness(t, Config{}, engine)

	job := h.submitOne(t, SubmitRequest{
		SelectedProvider: models.ProviderTesseract,
		Languages:        []string{"xx"},
		Files:            []FileSpec{{PageURLs: h.pages(t, 2)}},
	})
	require.NoError(t, h.orch.Run(context.Background(), job.ID, ClientInfo{}))

	got, err := h.orch.Job(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Nil(t, got.OverallConfidence)
}

func TestMissingPageImageFailsOnlyThatPage(t *testing.T) {
	engine := &fakeProvider{name: models.ProviderTesseract}
	h := newHarness(t, Config{}, engine)
	refs := h.pages(t, 3)
	delete(h.source.pages, refs[1])

	job := h.submitOne(t, SubmitRequest{
		SelectedProvider: models.ProviderTesseract,
		Files:            []FileSpec{{PageURLs: refs}},
	})
	require.NoError(t, h.orch.Run(context.Background(), job.ID, ClientInfo{}))

	got, err := h.orch.Job(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartial, got.Status)
	assert.Equal(t, int32(2), engine.calls.Load())

	rows, err := h.store.ListAuditLogs(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRoutingConfigurationErrors(t *testing.T) {
	tests := []struct {
		name     string
		config   *models.OcrProviderConfig
		provider string
	}{
		{name: "unregistered provider", provider: "unknown"},
		{name: "no config row", provider: models.ProviderHTR},
		{
			name:     "disabled provider",
			provider: models.ProviderHTR,
			config:   &models.OcrProviderConfig{Provider: models.ProviderHTR, IsEnabled: false, BaseURL: "http://htr"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			htr := &fakeProvider{name: models.ProviderHTR, requiresConfig: true}
			h := newHarness(t, Config{}, htr)
			if tt.config != nil {
				h.configure(t, tt.config)
			}

			jobs, err := h.orch.Submit(context.Background(), SubmitRequest{
				SelectedProvider: tt.provider,
				Files:            []FileSpec{{PageURLs: h.pages(t, 1)}},
			})
			require.Error(t, err)
			assert.True(t, ocrerrors.Is(err, ocrerrors.ErrorConfigurationMissing))
			assert.Equal(t, models.StatusFailed, jobs[0].Status)
			assert.Zero(t, htr.calls.Load())

			rows, err := h.store.ListAuditLogs(context.Background(), jobs[0].ID)
			require.NoError(t, err)
			assert.Empty(t, rows)
		})
	}
}

func TestAutoModeRoutesHandwritingToHTR(t *testing.T) {
	engine := &fakeProvider{name: models.ProviderTesseract}
	htr := &fakeProvider{
		name: models.ProviderHTR,
		fn: func(_ context.Context, _ providers.Image, opts providers.Options) (*providers.Result, error) {
			res := textResult("Dear Sir", 70)
			res.Model = opts.Model
			res.PageXML = "<PcGts/>"
			return res, nil
		},
	}
	h := newHarness(t, Config{}, engine, htr)
	h.configure(t, &models.OcrProviderConfig{Provider: models.ProviderHTR, IsEnabled: true, BaseURL: "http://htr.internal"})
	require.NoError(t, h.store.CreateModel(context.Background(), &models.OcrModel{
		Provider:  models.ProviderHTR,
		ModelName: "kurrent-v2",
		IsActive:  true,
		IsDefault: true,
	}))

	job := h.submitOne(t, SubmitRequest{
		DocumentType:     models.DocumentHandwritten,
		SelectedProvider: models.ProviderTesseract,
		AutoMode:         true,
		Files:            []FileSpec{{PageURLs: h.pages(t, 1)}},
	})
	assert.Equal(t, models.ProviderHTR, job.RecommendedProvider)

	require.NoError(t, h.orch.Run(context.Background(), job.ID, ClientInfo{}))
	assert.Zero(t, engine.calls.Load())

	pages, err := h.orch.Pages(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, models.ProviderHTR, pages[0].ProviderUsed)
	assert.Equal(t, "kurrent-v2", pages[0].Model)
	assert.Equal(t, "<PcGts/>", pages[0].PageXML)
	assert.Equal(t, []string{"1/page.xml"}, h.sink.names)
}

func TestPreprocessingStageIsVisible(t *testing.T) {
	engine := &fakeProvider{
		name: models.ProviderTesseract,
		fn: func(_ context.Context, img providers.Image, _ providers.Options) (*providers.Result, error) {
			if img.MimeType != "image/png" {
				return nil, fmt.Errorf("unexpected mime type %s", img.MimeType)
			}
			return textResult("clean", 88), nil
		},
	}
	h := newHarness(t, Config{}, engine)

	job := h.submitOne(t, SubmitRequest{
		SelectedProvider: models.ProviderTesseract,
		Preprocessing:    models.PreprocessingOptions{Denoise: true, Binarization: models.BinarizeOtsu},
		Files:            []FileSpec{{PageURLs: h.pages(t, 2)}},
	})
	require.NoError(t, h.orch.Run(context.Background(), job.ID, ClientInfo{}))

	assert.Equal(t, []models.JobStatus{
		models.StatusPreprocessing,
		models.StatusProcessing,
		models.StatusCompleted,
	}, h.publisher.statuses())
	assert.Contains(t, h.sink.names, "1/preprocessed.png")
}

func TestBoundedConcurrencyAndMonotonicProgress(t *testing.T) {
	var active, peak atomic.Int32
	engine := &fakeProvider{
		name: models.ProviderTesseract,
		fn: func(_ context.Context, _ providers.Image, _ providers.Options) (*providers.Result, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			return textResult("x", 75), nil
		},
	}
	h := newHarness(t, Config{PageConcurrency: 3}, engine)

	job := h.submitOne(t, SubmitRequest{
		SelectedProvider: models.ProviderTesseract,
		Files:            []FileSpec{{PageURLs: h.pages(t, 10)}},
	})
	require.NoError(t, h.orch.Run(context.Background(), job.ID, ClientInfo{}))

	assert.LessOrEqual(t, peak.Load(), int32(3))

	got, err := h.orch.Job(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 10, got.ProcessedPages)

	seen := map[int]bool{}
	for _, e := range h.publisher.events {
		if e.Type == events.TypePageCompleted {
			assert.False(t, seen[e.ProcessedPages], "processed count %d reported twice", e.ProcessedPages)
			seen[e.ProcessedPages] = true
		}
	}
	assert.Len(t, seen, 10)
}

func TestCancelStopsDispatch(t *testing.T) {
	started := make(chan struct{}, 1)
	engine := &fakeProvider{
		name: models.ProviderTesseract,
		fn: func(ctx context.Context, _ providers.Image, _ providers.Options) (*providers.Result, error) {
			started <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	h := newHarness(t, Config{PageConcurrency: 1}, engine)

	job := h.submitOne(t, SubmitRequest{
		SelectedProvider: models.ProviderTesseract,
		Files:            []FileSpec{{PageURLs: h.pages(t, 3)}},
	})

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(context.Background(), job.ID, ClientInfo{}) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("provider was never called")
	}
	assert.True(t, h.orch.IsRunning(job.ID))
	require.NoError(t, h.orch.Cancel(context.Background(), job.ID))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}

	got, err := h.orch.Job(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, int32(1), engine.calls.Load())
	assert.False(t, h.orch.IsRunning(job.ID))

	pages, err := h.orch.Pages(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, pages)

	rows, err := h.store.ListAuditLogs(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.AuditCancelled, rows[0].Outcome)
}

func TestCancelIdleJobs(t *testing.T) {
	engine := &fakeProvider{name: models.ProviderTesseract}
	h := newHarness(t, Config{}, engine)

	pending := h.submitOne(t, SubmitRequest{
		SelectedProvider: models.ProviderTesseract,
		Files:            []FileSpec{{PageURLs: h.pages(t, 1)}},
	})
	require.NoError(t, h.orch.Cancel(context.Background(), pending.ID))
	require.NoError(t, h.orch.Cancel(context.Background(), pending.ID))

	got, err := h.orch.Job(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)

	// a cancelled job never runs
	require.NoError(t, h.orch.Run(context.Background(), pending.ID, ClientInfo{}))
	assert.Zero(t, engine.calls.Load())

	finished := h.submitOne(t, SubmitRequest{
		SelectedProvider: models.ProviderTesseract,
		Files:            []FileSpec{{PageURLs: h.pages(t, 1)}},
	})
	require.NoError(t, h.orch.Run(context.Background(), finished.ID, ClientInfo{}))
	err = h.orch.Cancel(context.Background(), finished.ID)
	assert.True(t, ocrerrors.Is(err, ocrerrors.ErrorInvalidTransition))
}

func TestProviderTimeoutIsPageScoped(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	engine := &fakeProvider{
		name: models.ProviderTesseract,
		fn: func(context.Context, providers.Image, providers.Options) (*providers.Result, error) {
			<-release
			return textResult("late", 90), nil
		},
	}
	h := newHarness(t, Config{ProviderTimeout: 50 * time.Millisecond}, engine)

	job := h.submitOne(t, SubmitRequest{
		SelectedProvider: models.ProviderTesseract,
		Files:            []FileSpec{{PageURLs: h.pages(t, 1)}},
	})
	require.NoError(t, h.orch.Run(context.Background(), job.ID, ClientInfo{}))

	got, err := h.orch.Job(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)

	pages, err := h.orch.Pages(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Contains(t, pages[0].ErrorMessage, string(ocrerrors.ErrorNetworkTimeout))
}

func TestProviderDeadlineErrorIsNetworkTimeout(t *testing.T) {
	returns := map[string]recognizeFunc{
		"raw": func(ctx context.Context, _ providers.Image, _ providers.Options) (*providers.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		"wrapped": func(ctx context.Context, _ providers.Image, _ providers.Options) (*providers.Result, error) {
			<-ctx.Done()
			return nil, fmt.Errorf("waiting for task t1: %w", ctx.Err())
		},
	}
	for name, fn := range returns {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 20; i++ {
				engine := &fakeProvider{name: models.ProviderTesseract, fn: fn}
				h := newHarness(t, Config{ProviderTimeout: 5 * time.Millisecond}, engine)

				job := h.submitOne(t, SubmitRequest{
					SelectedProvider: models.ProviderTesseract,
					Files:            []FileSpec{{PageURLs: h.pages(t, 1)}},
				})
				require.NoError(t, h.orch.Run(context.Background(), job.ID, ClientInfo{}))

				pages, err := h.orch.Pages(context.Background(), job.ID)
				require.NoError(t, err)
				require.Len(t, pages, 1)
				require.Contains(t, pages[0].ErrorMessage, string(ocrerrors.ErrorNetworkTimeout), "attempt %d", i)
			}
		})
	}
}

// peer builds a second orchestrator over the same store, as another worker
// process would
func (h *harness) peer() *Orchestrator {
	return New(Dependencies{
		Store:     h.store,
		Providers: providers.NewSet(),
		Registry:  h.registry,
		Sources:   h.source,
		Audit:     audit.NewRecorder(h.store),
	}, Config{})
}

func TestCancelFromAnotherProcessAbandonsInFlightPage(t *testing.T) {
	started := make(chan struct{}, 1)
	engine := &fakeProvider{
		name: models.ProviderTesseract,
		fn: func(ctx context.Context, _ providers.Image, _ providers.Options) (*providers.Result, error) {
			started <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	h := newHarness(t, Config{PageConcurrency: 1, CancelPollInterval: 10 * time.Millisecond}, engine)

	job := h.submitOne(t, SubmitRequest{
		SelectedProvider: models.ProviderTesseract,
		Files:            []FileSpec{{PageURLs: h.pages(t, 3)}},
	})

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(context.Background(), job.ID, ClientInfo{}) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("provider was never called")
	}
	require.NoError(t, h.peer().Cancel(context.Background(), job.ID))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not notice the cancel")
	}

	got, err := h.orch.Job(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, int32(1), engine.calls.Load())

	rows, err := h.store.ListAuditLogs(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.AuditCancelled, rows[0].Outcome)
}

func TestCancelFromAnotherProcessStopsNextDispatch(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	engine := &fakeProvider{
		name: models.ProviderTesseract,
		fn: func(_ context.Context, _ providers.Image, opts providers.Options) (*providers.Result, error) {
			started <- struct{}{}
			<-release
			return textResult(fmt.Sprintf("page %d", opts.PageNumber), 90), nil
		},
	}
	h := newHarness(t, Config{PageConcurrency: 1, CancelPollInterval: time.Hour}, engine)

	job := h.submitOne(t, SubmitRequest{
		SelectedProvider: models.ProviderTesseract,
		Files:            []FileSpec{{PageURLs: h.pages(t, 3)}},
	})

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(context.Background(), job.ID, ClientInfo{}) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("provider was never called")
	}
	require.NoError(t, h.peer().Cancel(context.Background(), job.ID))
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}

	got, err := h.orch.Job(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, int32(1), engine.calls.Load())
}

func TestRateLimitIsPageScoped(t *testing.T) {
	engine := &fakeProvider{name: models.ProviderTesseract}
	h := newHarness(t, Config{PageConcurrency: 1}, engine)
	h.configure(t, &models.OcrProviderConfig{
		Provider:           models.ProviderTesseract,
		IsEnabled:          true,
		RateLimitPerMinute: 1,
	})

	job := h.submitOne(t, SubmitRequest{
		SelectedProvider: models.ProviderTesseract,
		Files:            []FileSpec{{PageURLs: h.pages(t, 3)}},
	})
	require.NoError(t, h.orch.Run(context.Background(), job.ID, ClientInfo{}))

	got, err := h.orch.Job(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartial, got.Status)
	assert.Equal(t, int32(1), engine.calls.Load())

	rows, err := h.store.ListAuditLogs(context.Background(), job.ID)
	require.NoError(t, err)
	outcomes := map[string]int{}
	for _, row := range rows {
		outcomes[row.Outcome]++
	}
	assert.Equal(t, map[string]int{models.AuditSuccess: 1, models.AuditRejected: 2}, outcomes)
}

func TestRunResumesAfterCompletedPages(t *testing.T) {
	engine := &fakeProvider{name: models.ProviderTesseract}
	h := newHarness(t, Config{}, engine)
	ctx := context.Background()

	job := &models.OcrJob{
		SelectedProvider: models.ProviderTesseract,
		PageURLs:         h.pages(t, 3),
		TotalPages:       3,
		Status:           models.StatusProcessing,
	}
	require.NoError(t, h.store.CreateJob(ctx, job))
	require.NoError(t, h.store.UpsertPage(ctx, &models.OcrPage{
		JobID:        job.ID,
		PageNumber:   1,
		ProviderUsed: models.ProviderTesseract,
		Text:         "done before",
		Confidence:   60,
		Status:       models.StatusCompleted,
	}))
	_, err := h.store.IncrementProcessedPages(ctx, job.ID)
	require.NoError(t, err)

	require.NoError(t, h.orch.Run(ctx, job.ID, ClientInfo{}))
	assert.Equal(t, int32(2), engine.calls.Load())

	got, err := h.orch.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.ProcessedPages)
	require.NotNil(t, got.OverallConfidence)
	assert.InDelta(t, 80, *got.OverallConfidence, 0.001)

	page, err := h.store.GetPage(ctx, job.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "done before", page.Text)
}

func TestDeleteJobKeepsAuditTrail(t *testing.T) {
	engine := &fakeProvider{name: models.ProviderTesseract}
	h := newHarness(t, Config{}, engine)
	ctx := context.Background()

	job := h.submitOne(t, SubmitRequest{
		SelectedProvider: models.ProviderTesseract,
		Files:            []FileSpec{{PageURLs: h.pages(t, 2)}},
	})
	require.NoError(t, h.orch.Run(ctx, job.ID, ClientInfo{}))
	require.NoError(t, h.orch.DeleteJob(ctx, job.ID))

	_, err := h.orch.Job(ctx, job.ID)
	assert.True(t, ocrerrors.Is(err, ocrerrors.ErrorNotFound))

	rows, err := h.store.ListAuditLogs(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, Config{}, &fakeProvider{name: models.ProviderTesseract})

	_, err := h.orch.Submit(context.Background(), SubmitRequest{})
	assert.Error(t, err)

	_, err = h.orch.Submit(context.Background(), SubmitRequest{
		DocumentType: "papyrus",
		Files:        []FileSpec{{FileURL: "s3://a/b.png"}},
	})
	assert.Error(t, err)

	_, err = h.orch.Submit(context.Background(), SubmitRequest{Files: []FileSpec{{FileName: "empty"}}})
	assert.Error(t, err)

	// no explicit provider falls back to the recommendation
	jobs, err := h.orch.Submit(context.Background(), SubmitRequest{
		Files: []FileSpec{{FileURL: "s3://a/b.png"}, {FileURL: "s3://a/c.png"}},
	})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.True(t, j.AutoMode)
		assert.Equal(t, models.ProviderTesseract, j.EffectiveProvider())
		assert.Equal(t, models.DocumentPrinted, j.DocumentType)
	}
}

func TestInlineSchedulerRunsJob(t *testing.T) {
	engine := &fakeProvider{name: models.ProviderTesseract}
	h := newHarness(t, Config{}, engine)

	job := h.submitOne(t, SubmitRequest{
		SelectedProvider: models.ProviderTesseract,
		Files:            []FileSpec{{PageURLs: h.pages(t, 1)}},
	})

	s := NewInlineScheduler(h.orch, time.Minute)
	require.NoError(t, s.Schedule(context.Background(), job.ID, ClientInfo{}))
	s.Wait()

	got, err := h.orch.Job(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}
