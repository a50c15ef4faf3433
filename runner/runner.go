// Package runner executes a suite: it runs the tests it is given (any replay
// narrowing happens before the call) against every prompt, fans evaluations
// out through the adaptive scheduler and grades responses. The finished
// evaluation is saved to the store in one call once all executions complete;
// result records are not written to the store as they complete.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/life4/genesis/slices"
	"github.com/mykhaliev/redbench/assertion"
	"github.com/mykhaliev/redbench/grader"
	"github.com/mykhaliev/redbench/logger"
	"github.com/mykhaliev/redbench/model"
	"github.com/mykhaliev/redbench/provider"
	"github.com/mykhaliev/redbench/scheduler"
	"github.com/mykhaliev/redbench/templates"
	"github.com/tmc/langchaingo/llms"
)

// Store is the persistence seam; nil disables persistence.
type Store interface {
	SaveEval(ctx context.Context, eval *model.Eval) error
}

type Runner struct {
	config    *model.SuiteConfiguration
	providers map[string]*provider.Provider
	sched     *scheduler.Registry
	store     Store
	engine    *templates.TemplateEngine
	staticCtx map[string]string
}

func New(config *model.SuiteConfiguration, providers map[string]*provider.Provider, sched *scheduler.Registry, store Store, staticCtx map[string]string) *Runner {
	for name, prov := range providers {
		sched.Configure(name, scheduler.Config{
			InitialConcurrency: prov.Config.Scheduler.InitialConcurrency,
			MinConcurrency:     prov.Config.Scheduler.MinConcurrency,
			MaxRetries:         prov.Config.Retry.MaxRetries,
			BaseDelay:          time.Duration(prov.Config.Retry.BaseDelayMs) * time.Millisecond,
			MaxDelay:           time.Duration(prov.Config.Retry.MaxDelayMs) * time.Millisecond,
			JitterFactor:       prov.Config.Retry.JitterFactor,
		})
	}
	return &Runner{
		config:    config,
		providers: providers,
		sched:     sched,
		store:     store,
		engine:    templates.NewTemplateEngine(),
		staticCtx: staticCtx,
	}
}

type job struct {
	index  int
	test   model.TestCase
	prompt string
}

// Run executes the given tests and returns the persisted evaluation.
func (r *Runner) Run(ctx context.Context, tests []model.TestCase) (*model.Eval, error) {
	prompts := r.config.Prompts
	if len(prompts) == 0 {
		prompts = []string{"{{prompt}}"}
	}

	jobs := make([]job, 0, len(tests)*len(prompts))
	for _, t := range tests {
		for _, p := range prompts {
			jobs = append(jobs, job{index: len(jobs), test: t, prompt: p})
		}
	}

	logger.Logger.Info("Starting evaluation",
		"suite", r.config.Name,
		"tests", len(tests),
		"prompts", len(prompts),
		"executions", len(jobs),
		"workers", r.config.Settings.Workers)

	testDelay := parseDelay(r.config.Settings.TestDelay)
	results := make([]model.EvaluationResult, len(jobs))

	jobCh := make(chan job)
	var wg sync.WaitGroup
	for w := 0; w < r.config.Settings.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobCh {
				results[j.index] = r.runOne(ctx, j)
			}
		}()
	}

	for _, j := range jobs {
		select {
		case <-ctx.Done():
			close(jobCh)
			wg.Wait()
			return nil, ctx.Err()
		case jobCh <- j:
		}
		if testDelay > 0 {
			time.Sleep(testDelay)
		}
	}
	close(jobCh)
	wg.Wait()

	eval := &model.Eval{
		ID:        uuid.New().String(),
		SuiteName: r.config.Name,
		CreatedAt: time.Now().UTC(),
		Results:   results,
	}

	if r.store != nil {
		if err := r.store.SaveEval(ctx, eval); err != nil {
			return eval, fmt.Errorf("evaluation finished but could not be saved: %w", err)
		}
	}
	return eval, nil
}

// runOne executes one (test x prompt) pair against its provider through the
// adaptive scheduler.
func (r *Runner) runOne(ctx context.Context, j job) model.EvaluationResult {
	test := j.test
	requestID := uuid.New().String()

	result := model.EvaluationResult{
		ID:       requestID,
		TestCase: test,
	}

	prov, err := r.resolveProvider(test)
	if err != nil {
		result.FailureReason = model.FailureError
		result.Error = err.Error()
		return result
	}
	result.Provider = prov.Config.Name

	// Defensive shallow copy: runtime augmentations must never mutate the
	// declared test.
	vars := test.CloneVars()
	if r.config.DefaultTest != nil {
		for k, v := range r.config.DefaultTest.Vars {
			if _, ok := vars[k]; !ok {
				vars[k] = v
			}
		}
	}
	vars["sessionId"] = requestID
	result.Vars = vars

	renderCtx := r.renderContext(vars)
	prompt := r.engine.Render(j.prompt, renderCtx)

	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextContent{Text: prompt}},
		},
	}

	op := func(opCtx context.Context) (*llms.ContentResponse, error) {
		return prov.LLM.GenerateContent(opCtx, messages)
	}
	hooks := scheduler.Hooks[*llms.ContentResponse]{}
	if prov.Capture != nil {
		hooks.GetHeaders = func(*llms.ContentResponse) map[string]string {
			return prov.Capture.Headers()
		}
		hooks.GetRetryAfter = func(*llms.ContentResponse) time.Duration {
			return prov.Capture.RetryAfter()
		}
	}

	start := time.Now()
	response, err := scheduler.ExecuteWithRetry(ctx, r.sched, prov.RateLimitKey(), requestID, op, hooks)
	result.LatencyMs = time.Since(start).Milliseconds()

	if err != nil {
		result.FailureReason = model.FailureError
		result.Error = err.Error()
		logger.Logger.Warn("Provider call failed",
			"test", test.Description, "provider", prov.Config.Name, "error", err)
		return result
	}

	output := ""
	tokens := model.TokenUsage{}
	if len(response.Choices) > 0 {
		output = response.Choices[0].Content
		tokens = extractUsage(response.Choices[0].GenerationInfo)
	}
	result.Response = output

	grading := r.grade(ctx, test, output, result.LatencyMs, tokens, renderCtx)
	result.Grading = &grading
	result.Success = grading.Pass
	if grading.Pass {
		result.FailureReason = model.FailureNone
	} else {
		result.FailureReason = model.FailureAssert
	}
	return result
}

// grade runs the test's assertions through the aggregator. A short-circuit
// error becomes the final grading result directly.
func (r *Runner) grade(ctx context.Context, test model.TestCase, output string, latencyMs int64, tokens model.TokenUsage, renderCtx map[string]string) model.GradingResult {
	if len(test.Assert) == 0 {
		return grader.NoAssertsResult()
	}

	evaluator := assertion.NewEvaluator(&assertion.Response{
		Output:     output,
		LatencyMs:  latencyMs,
		TokensUsed: tokens,
	}, renderCtx)
	graded := evaluator.Evaluate(ctx, test.Assert)

	agg := grader.NewResultAggregator(test.Threshold)
	for i, res := range graded {
		metric := ""
		if i < len(test.Assert) {
			metric = test.Assert[i].Metric
		}
		if err := agg.AddResult(i, res, metric); err != nil {
			var sc *grader.ShortCircuitError
			if errors.As(err, &sc) {
				return model.GradingResult{
					Pass:   false,
					Score:  0,
					Reason: sc.Reason,
				}
			}
			return model.GradingResult{Pass: false, Score: 0, Reason: err.Error()}
		}
	}

	final := agg.TestResult(ctx, nil)
	// Assertion plugins that do not call a model carry no usage of their own;
	// the provider response usage is the test's cost.
	if final.TokensUsed == nil || final.TokensUsed.Total == 0 {
		final.TokensUsed = &tokens
	}
	return final
}

func (r *Runner) resolveProvider(test model.TestCase) (*provider.Provider, error) {
	name := test.Provider
	if name == "" && r.config.DefaultTest != nil {
		name = r.config.DefaultTest.Provider
	}
	if name == "" {
		name = r.config.Providers[0].Name
	}
	prov, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return prov, nil
}

// renderContext merges the static context with the test's vars, stringified.
func (r *Runner) renderContext(vars map[string]any) map[string]string {
	ctx := make(map[string]string, len(r.staticCtx)+len(vars))
	for k, v := range r.staticCtx {
		ctx[k] = v
	}
	for k, v := range vars {
		ctx[k] = fmt.Sprint(v)
	}
	return ctx
}

// PrintSummary logs the outcome totals for a finished evaluation.
func PrintSummary(eval *model.Eval) {
	failed := slices.Filter(eval.Results, func(r model.EvaluationResult) bool {
		return !r.Success
	})
	errored := slices.Filter(failed, func(r model.EvaluationResult) bool {
		return r.FailureReason == model.FailureError
	})

	logger.Logger.Info("Evaluation complete",
		"id", eval.ID,
		"total", len(eval.Results),
		"passed", len(eval.Results)-len(failed),
		"failed", len(failed)-len(errored),
		"errors", len(errored))

	for _, res := range failed {
		reason := res.Error
		if reason == "" && res.Grading != nil {
			reason = res.Grading.Reason
		}
		logger.Logger.Warn("Test failed",
			"test", res.TestCase.Description,
			"provider", res.Provider,
			"reason", reason)
	}
}

func extractUsage(info map[string]any) model.TokenUsage {
	usage := model.TokenUsage{}
	usage.Prompt = firstInt(info, "PromptTokens", "prompt_tokens", "input_tokens")
	usage.Completion = firstInt(info, "CompletionTokens", "completion_tokens", "output_tokens")
	usage.Total = firstInt(info, "TotalTokens", "total_tokens")
	if usage.Total == 0 {
		usage.Total = usage.Prompt + usage.Completion
	}
	usage.Cached = firstInt(info, "CachedTokens", "cached_tokens")
	return usage
}

func firstInt(info map[string]any, keys ...string) int {
	for _, key := range keys {
		switch v := info[key].(type) {
		case int:
			if v > 0 {
				return v
			}
		case int64:
			if v > 0 {
				return int(v)
			}
		case float64:
			if v > 0 {
				return int(v)
			}
		}
	}
	return 0
}

func parseDelay(delay string) time.Duration {
	if delay == "" {
		return 0
	}
	d, err := time.ParseDuration(delay)
	if err != nil {
		logger.Logger.Warn("Invalid test_delay, ignoring", "value", delay)
		return 0
	}
	return d
}
