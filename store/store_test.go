package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/mykhaliev/redbench/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *EvalStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "evals.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleEval(id string) *model.Eval {
	return &model.Eval{
		ID:        id,
		SuiteName: "redteam-suite",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Results: []model.EvaluationResult{
			{
				ID:            "r1",
				Vars:          map[string]any{"input": "hello", "sessionId": "s1"},
				Success:       true,
				FailureReason: model.FailureNone,
				Provider:      "openai-prod",
				Response:      "hi there",
			},
			{
				ID:            "r2",
				Vars:          map[string]any{"input": "attack"},
				Success:       false,
				FailureReason: model.FailureAssert,
				Provider:      "openai-prod",
			},
		},
	}
}

// ============================================================================
// SQLite Round-Trip Tests
// ============================================================================

func TestSaveAndFindEval(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	eval := sampleEval("eval-1")
	require.NoError(t, s.SaveEval(ctx, eval))

	loaded, found, err := s.FindEvalByID(ctx, "eval-1")
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, "eval-1", loaded.ID)
	assert.Equal(t, "redteam-suite", loaded.SuiteName)
	require.Len(t, loaded.Results, 2)
	assert.Equal(t, "hello", loaded.Results[0].Vars["input"])
	assert.Equal(t, model.FailureAssert, loaded.Results[1].FailureReason)
}

func TestFindEvalNotFound(t *testing.T) {
	s := openTestStore(t)
	_, found, err := s.FindEvalByID(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSaveEvalUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	eval := sampleEval("eval-1")
	require.NoError(t, s.SaveEval(ctx, eval))

	eval.Results = eval.Results[:1]
	require.NoError(t, s.SaveEval(ctx, eval))

	loaded, found, err := s.FindEvalByID(ctx, "eval-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, loaded.Results, 1)
}

func TestSaveEvalRequiresID(t *testing.T) {
	s := openTestStore(t)
	assert.Error(t, s.SaveEval(context.Background(), &model.Eval{}))
}

func TestLatestEval(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	older := sampleEval("old")
	older.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.SaveEval(ctx, older))

	newer := sampleEval("new")
	require.NoError(t, s.SaveEval(ctx, newer))

	latest, found, err := s.LatestEval(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "new", latest.ID)
}

// ============================================================================
// Results File Tests
// ============================================================================

func TestReadResultsFile(t *testing.T) {
	eval := sampleEval("exported")
	data, err := sonic.Marshal(eval)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "run.json")
	require.NoError(t, os.WriteFile(path, data, 0644))

	loaded, found, err := ReadResultsFile(path)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "exported", loaded.ID)
	assert.Len(t, loaded.Results, 2)
}

func TestReadResultsFileBareEnvelope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bare.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"results":[{"id":"r1","success":true,"failureReason":"NONE","vars":{},"testCase":{},"provider":"p"}]}`), 0644))

	loaded, found, err := ReadResultsFile(path)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, path, loaded.ID, "file path stands in for a missing id")
	assert.Len(t, loaded.Results, 1)
}

func TestReadResultsFileMissing(t *testing.T) {
	_, found, err := ReadResultsFile(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReadResultsFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0644))

	_, _, err := ReadResultsFile(path)
	assert.Error(t, err)
}
