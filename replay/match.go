package replay

import (
	"net/url"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/mykhaliev/redbench/model"
)

// Runtime vars are injected during execution by multi-turn attack strategies
// and must not cause a mismatch on replay.
const sessionIDVar = "sessionId"

// matchesStored reports whether any stored result represents the same
// declared test. Matching is structural on vars, after stripping runtime
// vars from both sides. Default-test vars are merged into the fresh test
// first (fresh test wins); when nothing matches, the comparison is retried
// without the merge to support results stored before the merge convention.
func (e *Engine) matchesStored(test model.TestCase, results []model.EvaluationResult) bool {
	if e.defaultTest != nil && len(e.defaultTest.Vars) > 0 {
		merged := test
		merged.Vars = mergeVars(e.defaultTest.Vars, test.Vars)
		if matchesAny(merged, results) {
			return true
		}
	}
	return matchesAny(test, results)
}

func matchesAny(test model.TestCase, results []model.EvaluationResult) bool {
	testVars := stripRuntimeVars(test.Vars)
	for _, res := range results {
		storedVars := res.Vars
		if storedVars == nil {
			storedVars = res.TestCase.Vars
		}
		if !varsEqual(testVars, stripRuntimeVars(storedVars)) {
			continue
		}
		if !providerMatches(test.Provider, res.Provider) {
			continue
		}
		return true
	}
	return false
}

// stripRuntimeVars removes sessionId and every underscore-prefixed key.
func stripRuntimeVars(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		if k == sessionIDVar || strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	return out
}

func mergeVars(defaults, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func varsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	return reflect.DeepEqual(normalizeVars(a), normalizeVars(b))
}

// normalizeVars canonicalizes values that differ only in representation after
// a JSON round trip (ints come back as float64).
func normalizeVars(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	case map[string]any:
		return normalizeVars(val)
	default:
		return v
	}
}

// providerMatches compares provider identities after path normalization, so
// relative and absolute file:// URIs resolve to the same provider. An empty
// side matches anything; the declared test may omit the provider.
func providerMatches(declared, stored string) bool {
	if declared == "" || stored == "" {
		return true
	}
	return normalizeProviderID(declared) == normalizeProviderID(stored)
}

func normalizeProviderID(id string) string {
	if !strings.HasPrefix(id, "file://") {
		return id
	}
	raw := strings.TrimPrefix(id, "file://")
	// A relative URI such as file://providers/x.yaml parses with its first
	// segment as the host, so host and path are joined back together.
	if u, err := url.Parse(id); err == nil && u.Host+u.Path != "" {
		raw = u.Host + u.Path
	}
	abs, err := filepath.Abs(raw)
	if err != nil {
		return "file://" + raw
	}
	return "file://" + filepath.ToSlash(abs)
}
