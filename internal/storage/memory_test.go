package storage

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ocrerrors "github.com/adverant/nexus/ocr-orchestrator/internal/errors"
	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
)

func newJob(t *testing.T, s *MemoryStore, pages int) *models.OcrJob {
	t.Helper()
	job := &models.OcrJob{
		DocumentType: models.DocumentPrinted,
		FileURL:      "s3://bucket/doc.pdf",
		FileName:     "doc.pdf",
		TotalPages:   pages,
	}
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

func TestUpsertPageIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	job := newJob(t, s, 3)

	first := &models.OcrPage{JobID: job.ID, PageNumber: 2, Text: "first", Status: models.StatusFailed}
	require.NoError(t, s.UpsertPage(ctx, first))

	second := &models.OcrPage{
		JobID: job.ID, PageNumber: 2, Text: "second", Status: models.StatusCompleted,
		Regions: []models.Region{{Type: models.RegionText, Lines: []models.Line{{Text: "a"}, {Text: "b"}}}},
	}
	require.NoError(t, s.UpsertPage(ctx, second))

	pages, err := s.ListPages(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, first.ID, pages[0].ID)
	assert.Equal(t, "second", pages[0].Text)
	assert.Equal(t, models.StatusCompleted, pages[0].Status)
	assert.Equal(t, 2, pages[0].LineCount)
}

func TestProcessedPagesIsMonotonicAndCapped(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	job := newJob(t, s, 20)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen []int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.IncrementProcessedPages(ctx, job.ID)
			assert.NoError(t, err)
			mu.Lock()
			seen = append(seen, n)
			mu.Unlock()
		}()
	}
	wg.Wait()

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, got.ProcessedPages)
	for _, n := range seen {
		assert.LessOrEqual(t, n, 20)
		assert.GreaterOrEqual(t, n, 1)
	}
}

func TestTransitionJobRejectsBackwardMoves(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	job := newJob(t, s, 1)

	require.NoError(t, s.TransitionJob(ctx, job.ID, models.StatusProcessing, JobPatch{}))

	err := s.TransitionJob(ctx, job.ID, models.StatusPreprocessing, JobPatch{})
	assert.True(t, ocrerrors.Is(err, ocrerrors.ErrorInvalidTransition))

	msg := "boom"
	require.NoError(t, s.TransitionJob(ctx, job.ID, models.StatusFailed, JobPatch{ErrorMessage: &msg}))

	err = s.TransitionJob(ctx, job.ID, models.StatusCompleted, JobPatch{})
	assert.True(t, ocrerrors.Is(err, ocrerrors.ErrorInvalidTransition))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "boom", got.ErrorMessage)
}

func TestValidationResetOnEdit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, validated := range []bool{true, false} {
		gt := &models.OcrGroundTruth{JobID: "job", PageNumber: 1, RecognizedText: "teh", CorrectedText: "the"}
		require.NoError(t, s.CreateGroundTruth(ctx, gt))
		if validated {
			_, err := s.ValidateGroundTruth(ctx, gt.ID, "reviewer")
			require.NoError(t, err)
		}

		updated, err := s.UpdateGroundTruthText(ctx, gt.ID, "thee", models.CorrectionSpelling)
		require.NoError(t, err)
		assert.False(t, updated.IsValidated)
		assert.Empty(t, updated.ValidatedBy)
		assert.Equal(t, "teh", updated.RecognizedText)
	}
}

func TestSetDefaultModelKeepsOneDefault(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var ids []string
	for _, name := range []string{"a", "b", "c"} {
		m := &models.OcrModel{Provider: models.ProviderHTR, ModelName: name, IsDefault: true}
		require.NoError(t, s.CreateModel(ctx, m))
		ids = append(ids, m.ID)
	}
	other := &models.OcrModel{Provider: models.ProviderTesseract, ModelName: "eng", IsDefault: true}
	require.NoError(t, s.CreateModel(ctx, other))

	for i := 0; i < 10; i++ {
		require.NoError(t, s.SetDefaultModel(ctx, models.ProviderHTR, ids[rand.Intn(len(ids))]))
		list, err := s.ListModels(ctx, models.ProviderHTR)
		require.NoError(t, err)
		defaults := 0
		for _, m := range list {
			if m.IsDefault {
				defaults++
			}
		}
		assert.Equal(t, 1, defaults)
	}

	def, err := s.GetDefaultModel(ctx, models.ProviderTesseract)
	require.NoError(t, err)
	assert.Equal(t, other.ID, def.ID)

	err = s.SetDefaultModel(ctx, models.ProviderTesseract, ids[0])
	assert.True(t, ocrerrors.Is(err, ocrerrors.ErrorNotFound))
}

func TestDeleteJobKeepsAuditAndGroundTruth(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	job := newJob(t, s, 1)

	require.NoError(t, s.UpsertPage(ctx, &models.OcrPage{JobID: job.ID, PageNumber: 1}))
	require.NoError(t, s.InsertAuditLog(ctx, &models.OcrAuditLog{JobID: job.ID, Action: "recognize", Provider: "tesseract"}))
	require.NoError(t, s.CreateGroundTruth(ctx, &models.OcrGroundTruth{JobID: job.ID, PageNumber: 1}))

	require.NoError(t, s.DeleteJob(ctx, job.ID))

	pages, err := s.ListPages(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, pages)

	audit, err := s.ListAuditLogs(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, audit, 1)

	gts, err := s.ListGroundTruth(ctx, GroundTruthFilter{JobID: job.ID})
	require.NoError(t, err)
	assert.Len(t, gts, 1)
}

func TestProviderConfigPatchAndUsage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.UpsertProviderConfig(ctx, &models.OcrProviderConfig{Provider: models.ProviderCloudAPI, IsCloud: true}))

	enabled := true
	url := "https://ocr.example.com"
	cfg, err := s.UpdateProviderConfig(ctx, models.ProviderCloudAPI, ProviderConfigPatch{IsEnabled: &enabled, BaseURL: &url})
	require.NoError(t, err)
	assert.True(t, cfg.IsEnabled)
	assert.Equal(t, url, cfg.BaseURL)
	assert.True(t, cfg.IsCloud)

	n, err := s.IncrementDailyUsage(ctx, models.ProviderCloudAPI)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// re-seeding keeps the usage counter
	require.NoError(t, s.UpsertProviderConfig(ctx, &models.OcrProviderConfig{Provider: models.ProviderCloudAPI, IsCloud: true}))
	cfg, err = s.GetProviderConfig(ctx, models.ProviderCloudAPI)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.CurrentDailyUsage)

	require.NoError(t, s.ResetDailyUsage(ctx))
	cfg, err = s.GetProviderConfig(ctx, models.ProviderCloudAPI)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.CurrentDailyUsage)
}
