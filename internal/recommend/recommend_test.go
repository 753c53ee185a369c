package recommend

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
)

func TestHandwrittenAlwaysGetsHTR(t *testing.T) {
	for _, cloud := range []bool{true, false} {
		rec := Recommend(models.DocumentHandwritten, cloud)
		assert.Equal(t, models.ProviderHTR, rec.Recommended)
		assert.True(t, rec.DocumentAnalysis.Handwriting)
	}
}

func TestNeverRecommendsCloud(t *testing.T) {
	for _, dt := range []models.DocumentType{models.DocumentPrinted, models.DocumentHandwritten, models.DocumentMixed, "", "fax"} {
		for _, cloud := range []bool{true, false} {
			rec := Recommend(dt, cloud)
			assert.NotEqual(t, models.ProviderCloudAPI, rec.Recommended)
			assert.NotEmpty(t, rec.Reasons)
		}
	}
}

func TestCloudAlternativeOnlyWhenAllowed(t *testing.T) {
	hasCloud := func(rec Recommendation) bool {
		for _, alt := range rec.Alternatives {
			if alt.Provider == models.ProviderCloudAPI {
				return true
			}
		}
		return false
	}

	for _, dt := range []models.DocumentType{models.DocumentPrinted, models.DocumentHandwritten, models.DocumentMixed} {
		assert.True(t, hasCloud(Recommend(dt, true)), dt)
		assert.False(t, hasCloud(Recommend(dt, false)), dt)
	}
}

func TestAlternativesExcludeRecommended(t *testing.T) {
	for _, dt := range []models.DocumentType{models.DocumentPrinted, models.DocumentHandwritten, models.DocumentMixed} {
		rec := Recommend(dt, true)
		for _, alt := range rec.Alternatives {
			assert.NotEqual(t, rec.Recommended, alt.Provider)
		}
	}
}

func TestUnknownTypeIsTreatedAsPrinted(t *testing.T) {
	rec := Recommend("fax", false)
	assert.Equal(t, models.ProviderTesseract, rec.Recommended)
	assert.Equal(t, models.DocumentPrinted, rec.DocumentAnalysis.DocumentType)
	assert.Equal(t, "fax", rec.DocumentAnalysis.NormalizedFrom)
}

func TestDeterministic(t *testing.T) {
	assert.Equal(t, Recommend(models.DocumentMixed, true), Recommend(models.DocumentMixed, true))
}
