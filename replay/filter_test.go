package replay

import (
	"context"
	"testing"

	"github.com/mykhaliev/redbench/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore serves canned evals by id or path.
type fakeStore struct {
	evals map[string]*model.Eval
}

func (f *fakeStore) FindEvalByID(_ context.Context, id string) (*model.Eval, bool, error) {
	eval, ok := f.evals[id]
	return eval, ok, nil
}

func (f *fakeStore) ReadResultsFile(path string) (*model.Eval, bool, error) {
	eval, ok := f.evals[path]
	return eval, ok, nil
}

func storedResult(vars map[string]any, reason model.FailureReason) model.EvaluationResult {
	return model.EvaluationResult{
		Vars:          vars,
		Success:       reason == model.FailureNone,
		FailureReason: reason,
	}
}

// ============================================================================
// Identity / Metadata Tests
// ============================================================================

func TestNoFiltersReturnsInputUnchanged(t *testing.T) {
	engine := NewEngine(nil, nil)
	tests := []model.TestCase{
		{Description: "a"},
		{Description: "b"},
	}
	out, err := engine.Apply(context.Background(), tests, Options{})
	require.NoError(t, err)
	assert.Equal(t, tests, out)
}

func TestMetadataFilterAND(t *testing.T) {
	tests := []model.TestCase{
		{Description: "t1", Metadata: map[string]any{"type": "unit", "env": "dev", "priority": "high"}},
		{Description: "t2", Metadata: map[string]any{"type": "unit", "env": "prod", "priority": "low"}},
		{Description: "t3", Metadata: map[string]any{"type": "integration", "env": "dev", "priority": "high"}},
		{Description: "t4", Metadata: map[string]any{"type": "integration", "env": "prod", "priority": "medium"}},
	}

	engine := NewEngine(nil, nil)
	out, err := engine.Apply(context.Background(), tests, Options{
		Metadata: []string{"type=unit", "env=dev"},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "t1", out[0].Description)
}

func TestMetadataArrayContains(t *testing.T) {
	tests := []model.TestCase{
		{Description: "tagged", Metadata: map[string]any{"tags": []any{"jailbreak", "pii"}}},
		{Description: "other", Metadata: map[string]any{"tags": []any{"injection"}}},
		{Description: "untagged"},
	}

	engine := NewEngine(nil, nil)
	out, err := engine.Apply(context.Background(), tests, Options{Metadata: []string{"tags=pii"}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "tagged", out[0].Description)
}

func TestMetadataEntryWithoutEqualsIsHardError(t *testing.T) {
	engine := NewEngine(nil, nil)
	_, err := engine.Apply(context.Background(), []model.TestCase{{}}, Options{Metadata: []string{"oops"}})
	require.Error(t, err)

	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)
}

// ============================================================================
// Outcome Filter Tests
// ============================================================================

func outcomeFixture() ([]model.TestCase, *fakeStore) {
	tests := []model.TestCase{
		{Description: "passed", Vars: map[string]any{"input": "a"}},
		{Description: "asserted", Vars: map[string]any{"input": "b"}},
		{Description: "errored", Vars: map[string]any{"input": "c"}},
	}
	store := &fakeStore{evals: map[string]*model.Eval{
		"eval-1": {ID: "eval-1", Results: []model.EvaluationResult{
			storedResult(map[string]any{"input": "a"}, model.FailureNone),
			storedResult(map[string]any{"input": "b"}, model.FailureAssert),
			storedResult(map[string]any{"input": "c"}, model.FailureError),
		}},
	}}
	return tests, store
}

func TestFailingFilterIncludesAssertsAndErrors(t *testing.T) {
	tests, store := outcomeFixture()
	engine := NewEngine(store, nil)

	out, err := engine.Apply(context.Background(), tests, Options{Failing: "eval-1"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "asserted", out[0].Description)
	assert.Equal(t, "errored", out[1].Description)
}

func TestFailingOnlyFilter(t *testing.T) {
	tests, store := outcomeFixture()
	engine := NewEngine(store, nil)

	out, err := engine.Apply(context.Background(), tests, Options{FailingOnly: "eval-1"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "asserted", out[0].Description)
}

func TestErrorsOnlyFilter(t *testing.T) {
	tests, store := outcomeFixture()
	engine := NewEngine(store, nil)

	out, err := engine.Apply(context.Background(), tests, Options{ErrorsOnly: "eval-1"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "errored", out[0].Description)
}

func TestFailingOnlyAndErrorsOnlyUnion(t *testing.T) {
	tests, store := outcomeFixture()
	engine := NewEngine(store, nil)

	out, err := engine.Apply(context.Background(), tests, Options{
		FailingOnly: "eval-1",
		ErrorsOnly:  "eval-1",
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestRuntimeVarsStrippedOnReplay(t *testing.T) {
	tests := []model.TestCase{
		{Description: "hello", Vars: map[string]any{"input": "hello"}},
	}
	store := &fakeStore{evals: map[string]*model.Eval{
		"eval-1": {ID: "eval-1", Results: []model.EvaluationResult{
			storedResult(map[string]any{
				"input":         "hello",
				"_conversation": []any{"turn1", "turn2"},
				"sessionId":     "x",
			}, model.FailureAssert),
		}},
	}}

	engine := NewEngine(store, nil)
	out, err := engine.Apply(context.Background(), tests, Options{Failing: "eval-1"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "hello", out[0].Description)
}

func TestDefaultVarMergeWithFallback(t *testing.T) {
	defaultTest := &model.TestCase{Vars: map[string]any{"lang": "en"}}
	tests := []model.TestCase{
		{Description: "merged", Vars: map[string]any{"input": "x"}},
	}

	// Result stored with the merged convention.
	merged := &fakeStore{evals: map[string]*model.Eval{
		"eval-1": {Results: []model.EvaluationResult{
			storedResult(map[string]any{"input": "x", "lang": "en"}, model.FailureAssert),
		}},
	}}
	engine := NewEngine(merged, defaultTest)
	out, err := engine.Apply(context.Background(), tests, Options{Failing: "eval-1"})
	require.NoError(t, err)
	assert.Len(t, out, 1)

	// Result stored before the merge convention existed.
	unmerged := &fakeStore{evals: map[string]*model.Eval{
		"eval-1": {Results: []model.EvaluationResult{
			storedResult(map[string]any{"input": "x"}, model.FailureAssert),
		}},
	}}
	engine = NewEngine(unmerged, defaultTest)
	out, err = engine.Apply(context.Background(), tests, Options{Failing: "eval-1"})
	require.NoError(t, err)
	assert.Len(t, out, 1, "fallback comparison without the merge must match")
}

func TestEvalRefByFilePath(t *testing.T) {
	tests, store := outcomeFixture()
	delete(store.evals, "eval-1")
	store.evals["results/run.json"] = &model.Eval{Results: []model.EvaluationResult{
		storedResult(map[string]any{"input": "b"}, model.FailureAssert),
	}}

	engine := NewEngine(store, nil)
	out, err := engine.Apply(context.Background(), tests, Options{FailingOnly: "results/run.json"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "asserted", out[0].Description)
}

func TestUnknownEvalRefIsError(t *testing.T) {
	engine := NewEngine(&fakeStore{evals: map[string]*model.Eval{}}, nil)
	_, err := engine.Apply(context.Background(), []model.TestCase{{}}, Options{Failing: "nope"})
	assert.Error(t, err)
}

// ============================================================================
// Pattern / Count Tests
// ============================================================================

func TestPatternFilter(t *testing.T) {
	tests := []model.TestCase{
		{Description: "jailbreak via roleplay"},
		{Description: "prompt injection basic"},
		{Vars: map[string]any{"q": "no description"}},
	}

	engine := NewEngine(nil, nil)
	out, err := engine.Apply(context.Background(), tests, Options{Pattern: "^jailbreak"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "jailbreak via roleplay", out[0].Description)
}

func TestInvalidPatternIsHardError(t *testing.T) {
	engine := NewEngine(nil, nil)
	_, err := engine.Apply(context.Background(), []model.TestCase{{}}, Options{Pattern: "("})
	require.Error(t, err)

	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestFirstN(t *testing.T) {
	tests := []model.TestCase{{Description: "a"}, {Description: "b"}, {Description: "c"}}
	engine := NewEngine(nil, nil)

	out, err := engine.Apply(context.Background(), tests, Options{FirstN: "2"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Description)
	assert.Equal(t, "b", out[1].Description)

	out, err = engine.Apply(context.Background(), tests, Options{FirstN: "10"})
	require.NoError(t, err)
	assert.Len(t, out, 3)
}

func TestSampleWithoutReplacement(t *testing.T) {
	tests := make([]model.TestCase, 10)
	for i := range tests {
		tests[i] = model.TestCase{Description: string(rune('a' + i))}
	}

	engine := NewEngine(nil, nil)
	engine.Seed(42)

	out, err := engine.Apply(context.Background(), tests, Options{Sample: "4"})
	require.NoError(t, err)
	require.Len(t, out, 4)

	seen := map[string]bool{}
	for _, tc := range out {
		assert.False(t, seen[tc.Description], "sample must be without replacement")
		seen[tc.Description] = true
	}
}

func TestBadNumericInputRejected(t *testing.T) {
	engine := NewEngine(nil, nil)
	for _, bad := range []string{"abc", "NaN", "-1", "1.5"} {
		_, err := engine.Apply(context.Background(), []model.TestCase{{}}, Options{FirstN: bad})
		assert.Error(t, err, "firstN %q", bad)

		_, err = engine.Apply(context.Background(), []model.TestCase{{}}, Options{Sample: bad})
		assert.Error(t, err, "sample %q", bad)
	}
}

func TestZeroMatchesIsSuccess(t *testing.T) {
	engine := NewEngine(nil, nil)
	out, err := engine.Apply(context.Background(), []model.TestCase{
		{Description: "only", Metadata: map[string]any{"env": "prod"}},
	}, Options{Metadata: []string{"env=dev"}})
	require.NoError(t, err)
	assert.Empty(t, out)
}
