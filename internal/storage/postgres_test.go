package storage

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
)

func TestSanitizeConfidence(t *testing.T) {
	assert.Equal(t, 0.0, sanitizeConfidence(-3))
	assert.Equal(t, 100.0, sanitizeConfidence(140))
	assert.Equal(t, 96.32, sanitizeConfidence(96.320000000001))
}

// Runs against a real database when TEST_DATABASE_URL is set
func newTestPostgres(t *testing.T) *PostgresClient {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	client, err := NewPostgresClient(url)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	schema, err := os.ReadFile("schema.sql")
	require.NoError(t, err)
	_, err = client.db.Exec(string(schema))
	require.NoError(t, err)

	return client
}

func TestPostgresPageUpsertAndProgress(t *testing.T) {
	ctx := context.Background()
	p := newTestPostgres(t)

	job := &models.OcrJob{
		DocumentType: models.DocumentPrinted,
		FileURL:      "s3://bucket/a.png",
		FileName:     "a.png",
		TotalPages:   3,
		Languages:    []string{"eng"},
	}
	require.NoError(t, p.CreateJob(ctx, job))

	for i := 0; i < 2; i++ {
		require.NoError(t, p.UpsertPage(ctx, &models.OcrPage{
			JobID: job.ID, PageNumber: 1, Text: "v", Confidence: 90, Status: models.StatusCompleted,
		}))
	}
	pages, err := p.ListPages(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, pages, 1)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.IncrementProcessedPages(ctx, job.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := p.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.ProcessedPages)

	require.NoError(t, p.InsertAuditLog(ctx, &models.OcrAuditLog{JobID: job.ID, Action: "recognize", Provider: "tesseract", Outcome: models.AuditSuccess}))
	require.NoError(t, p.DeleteJob(ctx, job.ID))

	audit, err := p.ListAuditLogs(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, audit, 1)
}
