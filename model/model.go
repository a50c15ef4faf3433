package model

import (
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// TOKEN USAGE
// ============================================================================

type TokenUsage struct {
	Total      int `json:"total" yaml:"total"`
	Prompt     int `json:"prompt" yaml:"prompt"`
	Completion int `json:"completion" yaml:"completion"`
	Cached     int `json:"cached" yaml:"cached"`
}

// Add accumulates another usage record into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Total += other.Total
	u.Prompt += other.Prompt
	u.Completion += other.Completion
	u.Cached += other.Cached
}

// ============================================================================
// ASSERTION MODEL
// ============================================================================

// Assertion describes a single declarative check against a provider response.
// The aggregator treats it as opaque except for Type and Config (see grader).
type Assertion struct {
	Type      string         `yaml:"type" json:"type"`
	Value     string         `yaml:"value,omitempty" json:"value,omitempty"`
	Threshold *float64       `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Config    map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
	Metric    string         `yaml:"metric,omitempty" json:"metric,omitempty"`
	Path      string         `yaml:"path,omitempty" json:"path,omitempty"`

	// Boolean combinators (JSON Schema style)
	AnyOf []Assertion `yaml:"anyOf,omitempty" json:"anyOf,omitempty"` // OR - pass if ANY child passes
	AllOf []Assertion `yaml:"allOf,omitempty" json:"allOf,omitempty"` // AND - pass if ALL children pass
	Not   *Assertion  `yaml:"not,omitempty" json:"not,omitempty"`     // NOT - pass if child FAILS
}

func (a Assertion) Clone() Assertion {
	var config map[string]any
	if a.Config != nil {
		config = make(map[string]any, len(a.Config))
		for k, v := range a.Config {
			config[k] = v
		}
	}

	var threshold *float64
	if a.Threshold != nil {
		t := *a.Threshold
		threshold = &t
	}

	var anyOf []Assertion
	if a.AnyOf != nil {
		anyOf = make([]Assertion, len(a.AnyOf))
		for i, child := range a.AnyOf {
			anyOf[i] = child.Clone()
		}
	}

	var allOf []Assertion
	if a.AllOf != nil {
		allOf = make([]Assertion, len(a.AllOf))
		for i, child := range a.AllOf {
			allOf[i] = child.Clone()
		}
	}

	var notAssertion *Assertion
	if a.Not != nil {
		cloned := a.Not.Clone()
		notAssertion = &cloned
	}

	return Assertion{
		Type:      a.Type,
		Value:     a.Value,
		Threshold: threshold,
		Config:    config,
		Metric:    a.Metric,
		Path:      a.Path,
		AnyOf:     anyOf,
		AllOf:     allOf,
		Not:       notAssertion,
	}
}

// ConfigString returns the string value stored under key in Config, or "".
func (a Assertion) ConfigString(key string) string {
	if a.Config == nil {
		return ""
	}
	if v, ok := a.Config[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// ============================================================================
// GRADING RESULT
// ============================================================================

// GradingResult is the atom produced by every assertion evaluation.
// If ComponentResults is non-empty, Pass and Score are derived from the
// children under the aggregator policy.
type GradingResult struct {
	Pass             bool               `json:"pass"`
	Score            float64            `json:"score"`
	Reason           string             `json:"reason"`
	TokensUsed       *TokenUsage        `json:"tokensUsed,omitempty"`
	Assertion        *Assertion         `json:"assertion,omitempty"`
	ComponentResults []GradingResult    `json:"componentResults,omitempty"`
	NamedScores      map[string]float64 `json:"namedScores,omitempty"`
}

// ============================================================================
// TEST MODEL
// ============================================================================

// TestCase is a single declared test. Read-only after resolution; the runner
// passes a shallow copy of Vars into each execution so runtime augmentations
// do not mutate the declarative source.
type TestCase struct {
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Vars        map[string]any `yaml:"vars,omitempty" json:"vars,omitempty"`
	Assert      []Assertion    `yaml:"assert,omitempty" json:"assert,omitempty"`
	Provider    string         `yaml:"provider,omitempty" json:"provider,omitempty"`
	Threshold   *float64       `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Metadata    map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// CloneVars returns a shallow copy of the test's vars suitable for runtime
// augmentation (session ids, conversation history).
func (t TestCase) CloneVars() map[string]any {
	vars := make(map[string]any, len(t.Vars))
	for k, v := range t.Vars {
		vars[k] = v
	}
	return vars
}

// ============================================================================
// EVALUATION RESULT
// ============================================================================

type FailureReason string

const (
	FailureNone   FailureReason = "NONE"
	FailureAssert FailureReason = "ASSERT"
	FailureError  FailureReason = "ERROR"
)

// EvaluationResult is one row per (test x provider x prompt) attempt.
type EvaluationResult struct {
	ID            string         `json:"id"`
	Vars          map[string]any `json:"vars"`
	Success       bool           `json:"success"`
	FailureReason FailureReason  `json:"failureReason"`
	TestCase      TestCase       `json:"testCase"`
	Response      string         `json:"response,omitempty"`
	Provider      string         `json:"provider"`
	Error         string         `json:"error,omitempty"`
	LatencyMs     int64          `json:"latencyMs"`
	Grading       *GradingResult `json:"gradingResult,omitempty"`
}

// Eval is one persisted evaluation run.
type Eval struct {
	ID        string             `json:"id"`
	SuiteName string             `json:"suiteName,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
	Results   []EvaluationResult `json:"results"`
}

// ============================================================================
// VALIDATION
// ============================================================================

// ValidationError reports a bad filter or configuration value supplied by the
// user. It is surfaced before any test runs.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NormalizeMetadataEntry splits a "key=value" filter entry. Entries without
// '=' are a hard error.
func NormalizeMetadataEntry(entry string) (string, string, error) {
	key, value, found := strings.Cut(entry, "=")
	if !found {
		return "", "", &ValidationError{
			Field:   "metadata",
			Message: fmt.Sprintf("expected key=value, got %q", entry),
		}
	}
	return key, value, nil
}
