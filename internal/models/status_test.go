package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusPreprocessing, true},
		{StatusPreprocessing, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusPartial, true},
		{StatusProcessing, StatusCancelled, true},
		{StatusPending, StatusFailed, true},

		{StatusProcessing, StatusPreprocessing, false},
		{StatusProcessing, StatusPending, false},
		{StatusPending, StatusCompleted, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusCancelled, StatusFailed, false},
		{StatusFailed, StatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestAllowedPredecessors(t *testing.T) {
	assert.ElementsMatch(t, []JobStatus{StatusProcessing}, AllowedPredecessors(StatusCompleted))
	assert.ElementsMatch(t, []JobStatus{StatusPending, StatusPreprocessing}, AllowedPredecessors(StatusProcessing))
	assert.ElementsMatch(t, []JobStatus{StatusPending, StatusPreprocessing, StatusProcessing}, AllowedPredecessors(StatusCancelled))
	assert.Empty(t, AllowedPredecessors(StatusPending))
}

func TestFinalStatus(t *testing.T) {
	assert.Equal(t, StatusCompleted, FinalStatus(3, 0))
	assert.Equal(t, StatusPartial, FinalStatus(2, 1))
	assert.Equal(t, StatusFailed, FinalStatus(0, 3))
	assert.Equal(t, StatusFailed, FinalStatus(0, 0))
}

func TestEffectiveProvider(t *testing.T) {
	job := &OcrJob{SelectedProvider: ProviderCloudAPI, RecommendedProvider: ProviderTesseract}
	assert.Equal(t, ProviderCloudAPI, job.EffectiveProvider())

	job.AutoMode = true
	assert.Equal(t, ProviderTesseract, job.EffectiveProvider())

	job = &OcrJob{RecommendedProvider: ProviderHTR}
	assert.Equal(t, ProviderHTR, job.EffectiveProvider())
}

func TestPreprocessingIsTrivial(t *testing.T) {
	assert.True(t, PreprocessingOptions{}.IsTrivial())
	assert.True(t, PreprocessingOptions{Binarization: BinarizeNone, LineSegmentation: true}.IsTrivial())
	assert.False(t, PreprocessingOptions{Deskew: true}.IsTrivial())
	assert.False(t, PreprocessingOptions{Binarization: BinarizeOtsu}.IsTrivial())
	assert.False(t, PreprocessingOptions{TargetDPI: 300}.IsTrivial())
}
