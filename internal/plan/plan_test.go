package plan

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readings-pipeline/internal/config"
	"readings-pipeline/internal/models"
)

func testConfig() config.Config {
	cfg := config.Load()
	cfg.TaskMaxAttempts = 3
	cfg.HeartbeatTimeout = 300
	return cfg
}

func countByType(tasks []models.Task) map[string]int {
	out := map[string]int{}
	for _, t := range tasks {
		out[t.TaskType]++
	}
	return out
}

func TestBuildCompatibilityDefaults(t *testing.T) {
	tasks, err := Build(testConfig(), "job-1", models.JobTypeCompatibility, json.RawMessage(`{"personA":{"name":"Ada"},"personB":{"name":"Sam"}}`))
	require.NoError(t, err)

	counts := countByType(tasks)
	assert.Equal(t, 16, counts[models.TaskTypeText])
	assert.Equal(t, 16, counts[models.TaskTypePDF])
	assert.Equal(t, 1, counts[models.TaskTypeAudio])
	assert.Zero(t, counts[models.TaskTypeSong])
	assert.Len(t, tasks, 33)

	for i, task := range tasks {
		assert.Equal(t, i, task.Sequence)
		assert.Equal(t, 3, task.MaxAttempts)
		assert.Equal(t, 300, task.HeartbeatTimeout)
	}
}

func TestBuildWiresPDFToTextArtifact(t *testing.T) {
	tasks, err := Build(testConfig(), "job-2", models.JobTypeSolo, json.RawMessage(`{"sections":["overview"]}`))
	require.NoError(t, err)
	require.Len(t, tasks, 3) // text, pdf, audio

	var textIn models.TextInput
	require.NoError(t, json.Unmarshal(tasks[0].Input, &textIn))
	var pdfIn models.PDFInput
	require.NoError(t, json.Unmarshal(tasks[1].Input, &pdfIn))

	assert.Equal(t, "overview", textIn.Section)
	assert.Equal(t, textIn.OutputPath, pdfIn.TextArtifactPath,
		"the pdf task's dependency is wired at plan time through the text output path")
	assert.Contains(t, pdfIn.TextArtifactPath, "job-2")
	assert.NotEqual(t, pdfIn.OutputPath, textIn.OutputPath)
}

func TestBuildIsDeterministic(t *testing.T) {
	params := json.RawMessage(`{"voice":"calm","includeSong":true,"songStyle":"folk"}`)
	a, err := Build(testConfig(), "job-3", models.JobTypeCompatibility, params)
	require.NoError(t, err)
	b, err := Build(testConfig(), "job-3", models.JobTypeCompatibility, params)
	require.NoError(t, err)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].TaskType, b[i].TaskType)
		assert.Equal(t, a[i].Sequence, b[i].Sequence)
		assert.JSONEq(t, string(a[i].Input), string(b[i].Input))
	}
}

func TestBuildIncludeSong(t *testing.T) {
	tasks, err := Build(testConfig(), "job-4", models.JobTypeSolo, json.RawMessage(`{"includeSong":true}`))
	require.NoError(t, err)
	counts := countByType(tasks)
	assert.Equal(t, 1, counts[models.TaskTypeSong])

	last := tasks[len(tasks)-1]
	var in models.SongInput
	require.NoError(t, json.Unmarshal(last.Input, &in))
	assert.Equal(t, "acoustic", in.Style)
}

func TestBuildRejectsUnknownJobType(t *testing.T) {
	_, err := Build(testConfig(), "job-5", "tarot_reading", nil)
	assert.ErrorContains(t, err, "unknown job type")
}

func TestBuildRejectsUnknownSection(t *testing.T) {
	_, err := Build(testConfig(), "job-6", models.JobTypeSolo, json.RawMessage(`{"sections":["overview","astral_projection"]}`))
	assert.ErrorContains(t, err, "astral_projection")
}

func TestBuildRejectsMalformedParams(t *testing.T) {
	_, err := Build(testConfig(), "job-7", models.JobTypeSolo, json.RawMessage(`{"sections":`))
	assert.Error(t, err)
}
