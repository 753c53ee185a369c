package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
	"github.com/adverant/nexus/ocr-orchestrator/internal/recommend"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&out)
	RootCmd.SetArgs(args)
	err := RootCmd.Execute()
	return out.String(), err
}

func TestRecommendCommand(t *testing.T) {
	out, err := execute(t, "recommend", "--type", "handwritten", "--cloud")
	require.NoError(t, err)

	var rec recommend.Recommendation
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, models.ProviderHTR, rec.Recommended)
	assert.True(t, rec.DocumentAnalysis.CloudAllowed)
}

func TestCommandsRequireBackends(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")

	_, err := execute(t, "jobs", "enqueue", "job-1")
	assert.ErrorContains(t, err, "REDIS_URL")

	_, err = execute(t, "providers", "list")
	assert.ErrorContains(t, err, "DATABASE_URL")

	_, err = execute(t, "jobs", "enqueue")
	assert.Error(t, err)
}
