// Package replay narrows a declared test list to the subset worth re-running,
// based on filter options and the stored results of a previous evaluation.
package replay

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"time"

	"github.com/mykhaliev/redbench/logger"
	"github.com/mykhaliev/redbench/model"
)

// Store is the persistence collaborator. Both queries may report not-found
// without error.
type Store interface {
	FindEvalByID(ctx context.Context, id string) (*model.Eval, bool, error)
	ReadResultsFile(path string) (*model.Eval, bool, error)
}

// Options is the filter taxonomy. All filters are independent; they are
// applied in the order: metadata, failing, failingOnly/errorsOnly (union),
// pattern, firstN, sample. FirstN and Sample are raw strings so bad numeric
// input is rejected explicitly rather than silently coerced.
type Options struct {
	Metadata    []string // key=value entries, AND-ed together
	Failing     string   // prior eval ref: every non-success outcome
	FailingOnly string   // prior eval ref: failureReason == ASSERT
	ErrorsOnly  string   // prior eval ref: failureReason == ERROR
	Pattern     string   // regex over test descriptions
	FirstN      string
	Sample      string
}

func (o Options) empty() bool {
	return len(o.Metadata) == 0 && o.Failing == "" && o.FailingOnly == "" &&
		o.ErrorsOnly == "" && o.Pattern == "" && o.FirstN == "" && o.Sample == ""
}

// Engine applies filter options against a declared test list.
type Engine struct {
	store       Store
	defaultTest *model.TestCase
	rnd         *rand.Rand
}

func NewEngine(store Store, defaultTest *model.TestCase) *Engine {
	return &Engine{
		store:       store,
		defaultTest: defaultTest,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Seed fixes the sampling source. Tests use it for determinism.
func (e *Engine) Seed(seed int64) {
	e.rnd = rand.New(rand.NewSource(seed))
}

// Apply returns the tests to actually execute. Validation problems surface
// before any test runs; a filter matching zero tests is a success with zero
// results, not an error.
func (e *Engine) Apply(ctx context.Context, tests []model.TestCase, opts Options) ([]model.TestCase, error) {
	if opts.empty() {
		return tests, nil
	}

	selected := tests

	if len(opts.Metadata) > 0 {
		filtered, err := filterMetadata(selected, opts.Metadata)
		if err != nil {
			return nil, err
		}
		selected = filtered
	}

	if opts.Failing != "" {
		filtered, err := e.filterByOutcome(ctx, selected, opts.Failing, model.FailureAssert, model.FailureError)
		if err != nil {
			return nil, err
		}
		selected = filtered
	}

	// failingOnly and errorsOnly compose as a union when both are supplied.
	if opts.FailingOnly != "" || opts.ErrorsOnly != "" {
		var union []model.TestCase
		seen := make(map[int]bool)
		if opts.FailingOnly != "" {
			filtered, err := e.filterByOutcome(ctx, selected, opts.FailingOnly, model.FailureAssert)
			if err != nil {
				return nil, err
			}
			union = appendUnion(union, selected, filtered, seen)
		}
		if opts.ErrorsOnly != "" {
			filtered, err := e.filterByOutcome(ctx, selected, opts.ErrorsOnly, model.FailureError)
			if err != nil {
				return nil, err
			}
			union = appendUnion(union, selected, filtered, seen)
		}
		selected = union
	}

	if opts.Pattern != "" {
		re, err := regexp.Compile(opts.Pattern)
		if err != nil {
			return nil, &model.ValidationError{Field: "pattern", Message: err.Error()}
		}
		var filtered []model.TestCase
		for _, t := range selected {
			// Tests without descriptions never match.
			if t.Description != "" && re.MatchString(t.Description) {
				filtered = append(filtered, t)
			}
		}
		selected = filtered
	}

	if opts.FirstN != "" {
		n, err := parseCount("firstN", opts.FirstN)
		if err != nil {
			return nil, err
		}
		if n < len(selected) {
			selected = selected[:n]
		}
	}

	if opts.Sample != "" {
		n, err := parseCount("sample", opts.Sample)
		if err != nil {
			return nil, err
		}
		selected = e.sample(selected, n)
	}

	logger.Logger.Info("Replay filters applied", "declared", len(tests), "selected", len(selected))
	return selected, nil
}

func filterMetadata(tests []model.TestCase, entries []string) ([]model.TestCase, error) {
	type kv struct{ key, value string }
	parsed := make([]kv, 0, len(entries))
	for _, entry := range entries {
		key, value, err := model.NormalizeMetadataEntry(entry)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, kv{key, value})
	}

	var out []model.TestCase
	for _, t := range tests {
		matches := true
		for _, entry := range parsed {
			if !metadataMatches(t.Metadata, entry.key, entry.value) {
				matches = false
				break
			}
		}
		if matches {
			out = append(out, t)
		}
	}
	return out, nil
}

// metadataMatches reports whether metadata[key] equals value, or contains it
// when the stored metadatum is an array. Missing metadata fails the entry.
func metadataMatches(metadata map[string]any, key, value string) bool {
	if metadata == nil {
		return false
	}
	stored, ok := metadata[key]
	if !ok {
		return false
	}
	switch v := stored.(type) {
	case string:
		return v == value
	case []any:
		for _, item := range v {
			if fmt.Sprint(item) == value {
				return true
			}
		}
		return false
	case []string:
		for _, item := range v {
			if item == value {
				return true
			}
		}
		return false
	default:
		return fmt.Sprint(v) == value
	}
}

// filterByOutcome keeps the tests whose stored result in the referenced prior
// evaluation has one of the given failure reasons.
func (e *Engine) filterByOutcome(ctx context.Context, tests []model.TestCase, evalRef string, reasons ...model.FailureReason) ([]model.TestCase, error) {
	eval, err := e.resolveEval(ctx, evalRef)
	if err != nil {
		return nil, err
	}

	wanted := make(map[model.FailureReason]bool, len(reasons))
	for _, r := range reasons {
		wanted[r] = true
	}
	var candidates []model.EvaluationResult
	for _, res := range eval.Results {
		if !res.Success && wanted[res.FailureReason] {
			candidates = append(candidates, res)
		}
	}

	var out []model.TestCase
	for _, t := range tests {
		if e.matchesStored(t, candidates) {
			out = append(out, t)
		}
	}
	return out, nil
}

// resolveEval accepts either an opaque eval ID resolved against the storage
// collaborator, or a path to a results file.
func (e *Engine) resolveEval(ctx context.Context, ref string) (*model.Eval, error) {
	if e.store == nil {
		return nil, fmt.Errorf("no store configured for eval ref %q", ref)
	}
	eval, found, err := e.store.FindEvalByID(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to look up eval %q: %w", ref, err)
	}
	if found {
		return eval, nil
	}
	eval, found, err = e.store.ReadResultsFile(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to read results file %q: %w", ref, err)
	}
	if !found {
		return nil, fmt.Errorf("eval %q not found by id or path", ref)
	}
	return eval, nil
}

func (e *Engine) sample(tests []model.TestCase, n int) []model.TestCase {
	if n >= len(tests) {
		return tests
	}
	idx := e.rnd.Perm(len(tests))[:n]
	out := make([]model.TestCase, 0, n)
	for _, i := range idx {
		out = append(out, tests[i])
	}
	return out
}

func parseCount(field, raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &model.ValidationError{
			Field:   field,
			Message: fmt.Sprintf("expected a non-negative integer, got %q", raw),
		}
	}
	return n, nil
}

func appendUnion(union, ordered, filtered []model.TestCase, seen map[int]bool) []model.TestCase {
	// Membership is positional within the already-selected slice so duplicate
	// declarations stay distinct.
	for i := range ordered {
		if seen[i] {
			continue
		}
		for j := range filtered {
			if sameTest(ordered[i], filtered[j]) {
				seen[i] = true
				union = append(union, ordered[i])
				break
			}
		}
	}
	return union
}

func sameTest(a, b model.TestCase) bool {
	return a.Description == b.Description && a.Provider == b.Provider &&
		varsEqual(a.Vars, b.Vars)
}
