// Package assertion evaluates declarative checks against provider responses.
// Every check yields a GradingResult the aggregator consumes uniformly.
package assertion

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/dop251/goja"
	"github.com/mykhaliev/redbench/model"
	"github.com/yalp/jsonpath"
)

const maxCombinatorDepth = 10 // Prevent runaway recursion on self-referential configs

// Response is what an assertion sees of one provider call.
type Response struct {
	Output     string
	LatencyMs  int64
	TokensUsed model.TokenUsage
}

// Evaluator runs assertions against one response. The template context is
// applied to assertion values before matching, so checks can reference suite
// variables and extracted data.
type Evaluator struct {
	response        *Response
	templateContext map[string]string
}

func NewEvaluator(response *Response, templateContext map[string]string) *Evaluator {
	return &Evaluator{response: response, templateContext: templateContext}
}

// Evaluate grades every assertion in declared order.
func (e *Evaluator) Evaluate(ctx context.Context, assertions []model.Assertion) []model.GradingResult {
	results := make([]model.GradingResult, 0, len(assertions))
	for _, a := range assertions {
		results = append(results, e.evalWithDepth(ctx, a.Clone(), 0))
	}
	return results
}

func (e *Evaluator) evalWithDepth(ctx context.Context, a model.Assertion, depth int) model.GradingResult {
	if depth > maxCombinatorDepth {
		return fail(a, "combinator nesting too deep")
	}

	if len(a.AnyOf) > 0 {
		return e.evalAnyOf(ctx, a, depth)
	}
	if len(a.AllOf) > 0 {
		return e.evalAllOf(ctx, a, depth)
	}
	if a.Not != nil {
		return e.evalNot(ctx, a, depth)
	}

	if a.Value != "" {
		a.Value = model.RenderTemplate(a.Value, e.templateContext)
	}

	switch a.Type {
	case "equals":
		return e.evalEquals(a)
	case "contains":
		return e.evalContains(a)
	case "icontains":
		return e.evalIContains(a)
	case "not-contains":
		return e.evalNotContains(a)
	case "starts-with":
		return e.evalStartsWith(a)
	case "regex":
		return e.evalRegex(a)
	case "jsonpath":
		return e.evalJSONPath(a)
	case "javascript":
		return e.evalJavascript(a)
	case "guardrails":
		return e.evalGuardrails(a)
	case "latency":
		return e.evalLatency(a)
	case "max-tokens":
		return e.evalMaxTokens(a)
	default:
		return fail(a, fmt.Sprintf("unknown assertion type %q", a.Type))
	}
}

// ============================================================================
// COMBINATORS
// ============================================================================

// evalAnyOf passes if any child passes. Children land in ComponentResults so
// the aggregator can flatten them into the test's component list.
func (e *Evaluator) evalAnyOf(ctx context.Context, a model.Assertion, depth int) model.GradingResult {
	children := make([]model.GradingResult, 0, len(a.AnyOf))
	passed := 0
	for _, child := range a.AnyOf {
		res := e.evalWithDepth(ctx, child, depth+1)
		if res.Pass {
			passed++
		}
		children = append(children, res)
	}
	result := model.GradingResult{
		Pass:             passed > 0,
		ComponentResults: children,
		Assertion:        ptr(a),
	}
	if result.Pass {
		result.Score = 1
		result.Reason = fmt.Sprintf("anyOf: %d/%d children passed", passed, len(children))
	} else {
		result.Reason = "anyOf: no children passed"
	}
	return result
}

func (e *Evaluator) evalAllOf(ctx context.Context, a model.Assertion, depth int) model.GradingResult {
	children := make([]model.GradingResult, 0, len(a.AllOf))
	passed := 0
	for _, child := range a.AllOf {
		res := e.evalWithDepth(ctx, child, depth+1)
		if res.Pass {
			passed++
		}
		children = append(children, res)
	}
	result := model.GradingResult{
		Pass:             passed == len(children),
		ComponentResults: children,
		Assertion:        ptr(a),
	}
	if result.Pass {
		result.Score = 1
		result.Reason = "allOf: all children passed"
	} else {
		result.Reason = fmt.Sprintf("allOf: %d/%d children passed", passed, len(children))
	}
	return result
}

func (e *Evaluator) evalNot(ctx context.Context, a model.Assertion, depth int) model.GradingResult {
	inner := e.evalWithDepth(ctx, *a.Not, depth+1)
	result := model.GradingResult{
		Pass:             !inner.Pass,
		ComponentResults: []model.GradingResult{inner},
		Assertion:        ptr(a),
	}
	if result.Pass {
		result.Score = 1
		result.Reason = "not: child failed as required"
	} else {
		result.Reason = "not: child passed"
	}
	return result
}

// ============================================================================
// TEXT CHECKS
// ============================================================================

func (e *Evaluator) evalEquals(a model.Assertion) model.GradingResult {
	if e.response.Output == a.Value {
		return pass(a, "output equals expected value")
	}
	return fail(a, fmt.Sprintf("expected output to equal %q", a.Value))
}

func (e *Evaluator) evalContains(a model.Assertion) model.GradingResult {
	if strings.Contains(e.response.Output, a.Value) {
		return pass(a, fmt.Sprintf("output contains %q", a.Value))
	}
	return fail(a, fmt.Sprintf("output does not contain %q", a.Value))
}

func (e *Evaluator) evalIContains(a model.Assertion) model.GradingResult {
	if strings.Contains(strings.ToLower(e.response.Output), strings.ToLower(a.Value)) {
		return pass(a, fmt.Sprintf("output contains %q (case-insensitive)", a.Value))
	}
	return fail(a, fmt.Sprintf("output does not contain %q (case-insensitive)", a.Value))
}

func (e *Evaluator) evalNotContains(a model.Assertion) model.GradingResult {
	if !strings.Contains(e.response.Output, a.Value) {
		return pass(a, fmt.Sprintf("output does not contain %q", a.Value))
	}
	return fail(a, fmt.Sprintf("output contains forbidden value %q", a.Value))
}

func (e *Evaluator) evalStartsWith(a model.Assertion) model.GradingResult {
	if strings.HasPrefix(e.response.Output, a.Value) {
		return pass(a, fmt.Sprintf("output starts with %q", a.Value))
	}
	return fail(a, fmt.Sprintf("output does not start with %q", a.Value))
}

func (e *Evaluator) evalRegex(a model.Assertion) model.GradingResult {
	re, err := regexp.Compile(a.Value)
	if err != nil {
		return fail(a, fmt.Sprintf("invalid regex %q: %v", a.Value, err))
	}
	if re.MatchString(e.response.Output) {
		return pass(a, fmt.Sprintf("output matches /%s/", a.Value))
	}
	return fail(a, fmt.Sprintf("output does not match /%s/", a.Value))
}

// ============================================================================
// STRUCTURED CHECKS
// ============================================================================

func (e *Evaluator) evalJSONPath(a model.Assertion) model.GradingResult {
	var data any
	if err := json.Unmarshal([]byte(e.response.Output), &data); err != nil {
		return fail(a, fmt.Sprintf("output is not valid JSON: %v", err))
	}
	res, err := jsonpath.Read(data, a.Path)
	if err != nil {
		return fail(a, fmt.Sprintf("jsonpath %q did not resolve: %v", a.Path, err))
	}
	if a.Value == "" {
		if res == nil {
			return fail(a, fmt.Sprintf("jsonpath %q resolved to null", a.Path))
		}
		return pass(a, fmt.Sprintf("jsonpath %q resolved", a.Path))
	}
	if fmt.Sprint(res) == a.Value {
		return pass(a, fmt.Sprintf("jsonpath %q equals %q", a.Path, a.Value))
	}
	return fail(a, fmt.Sprintf("jsonpath %q resolved to %v, expected %q", a.Path, res, a.Value))
}

// evalJavascript runs a user script with `output` and `context` bound. The
// script's last expression may be a bool, a number in [0,1], or an object
// with pass/score/reason fields.
func (e *Evaluator) evalJavascript(a model.Assertion) model.GradingResult {
	vm := goja.New()
	if err := vm.Set("output", e.response.Output); err != nil {
		return fail(a, fmt.Sprintf("javascript setup failed: %v", err))
	}
	scriptCtx := map[string]any{
		"latencyMs": e.response.LatencyMs,
		"vars":      e.templateContext,
	}
	if err := vm.Set("context", scriptCtx); err != nil {
		return fail(a, fmt.Sprintf("javascript setup failed: %v", err))
	}

	value, err := vm.RunString(a.Value)
	if err != nil {
		return fail(a, fmt.Sprintf("javascript error: %v", err))
	}

	switch v := value.Export().(type) {
	case bool:
		if v {
			return pass(a, "javascript returned true")
		}
		return fail(a, "javascript returned false")
	case int64:
		return e.scoreResult(a, float64(v))
	case float64:
		return e.scoreResult(a, v)
	case map[string]any:
		result := model.GradingResult{Assertion: ptr(a)}
		if p, ok := v["pass"].(bool); ok {
			result.Pass = p
		}
		switch s := v["score"].(type) {
		case int64:
			result.Score = float64(s)
		case float64:
			result.Score = s
		}
		if r, ok := v["reason"].(string); ok {
			result.Reason = r
		} else if result.Pass {
			result.Reason = "javascript returned pass"
		} else {
			result.Reason = "javascript returned fail"
		}
		return result
	default:
		return fail(a, fmt.Sprintf("javascript returned unsupported value %v", value))
	}
}

func (e *Evaluator) scoreResult(a model.Assertion, score float64) model.GradingResult {
	threshold := 0.5
	if a.Threshold != nil {
		threshold = *a.Threshold
	}
	result := model.GradingResult{
		Score:     score,
		Assertion: ptr(a),
	}
	result.Pass = score >= threshold
	if result.Pass {
		result.Reason = fmt.Sprintf("score %.2f >= threshold %.2f", score, threshold)
	} else {
		result.Reason = fmt.Sprintf("score %.2f < threshold %.2f", score, threshold)
	}
	return result
}

// evalGuardrails flags output matching any configured pattern. Pass means the
// content is safe; the aggregator applies the red-team inversion for packs
// whose purpose is catching unsafe completions.
func (e *Evaluator) evalGuardrails(a model.Assertion) model.GradingResult {
	patterns := configPatterns(a)
	if len(patterns) == 0 {
		return pass(a, "no guardrail patterns configured")
	}
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return fail(a, fmt.Sprintf("invalid guardrail pattern %q: %v", p, err))
		}
		if re.MatchString(e.response.Output) {
			return fail(a, fmt.Sprintf("content flagged by guardrail pattern %q", p))
		}
	}
	return pass(a, "content passed guardrail checks")
}

func (e *Evaluator) evalLatency(a model.Assertion) model.GradingResult {
	if a.Threshold == nil {
		return fail(a, "latency assertion requires a threshold in milliseconds")
	}
	limit := int64(*a.Threshold)
	if e.response.LatencyMs <= limit {
		return pass(a, fmt.Sprintf("latency %dms within %dms", e.response.LatencyMs, limit))
	}
	return fail(a, fmt.Sprintf("latency %dms exceeds %dms", e.response.LatencyMs, limit))
}

func (e *Evaluator) evalMaxTokens(a model.Assertion) model.GradingResult {
	if a.Threshold == nil {
		return fail(a, "max-tokens assertion requires a threshold")
	}
	limit := int(*a.Threshold)
	if e.response.TokensUsed.Total <= limit {
		return pass(a, fmt.Sprintf("%d tokens within limit %d", e.response.TokensUsed.Total, limit))
	}
	return fail(a, fmt.Sprintf("%d tokens exceeds limit %d", e.response.TokensUsed.Total, limit))
}

func configPatterns(a model.Assertion) []string {
	if a.Config == nil {
		return nil
	}
	raw, ok := a.Config["patterns"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return nil
	}
}

func pass(a model.Assertion, reason string) model.GradingResult {
	return model.GradingResult{Pass: true, Score: 1, Reason: reason, Assertion: ptr(a)}
}

func fail(a model.Assertion, reason string) model.GradingResult {
	return model.GradingResult{Pass: false, Score: 0, Reason: reason, Assertion: ptr(a)}
}

func ptr(a model.Assertion) *model.Assertion {
	return &a
}
