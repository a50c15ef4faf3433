package provider

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/mykhaliev/redbench/logger"
	"github.com/mykhaliev/redbench/model"
	"github.com/pkoukk/tiktoken-go"
	"github.com/tmc/langchaingo/llms"
	"golang.org/x/time/rate"
)

// ThrottledLLM wraps an llms.Model with proactive TPM/RPM throttling.
//
// Throttling is BEST-EFFORT, not guaranteed: token estimation is inexact,
// actual consumption is only known after the response completes, and provider
// infrastructure overhead is invisible from here. The adaptive scheduler
// handles whatever 429s still slip through; the two layers are deliberately
// independent (throttle = known static quota, scheduler = observed pressure).
type ThrottledLLM struct {
	wrapped    llms.Model
	tpmLimiter *rate.Limiter
	rpmLimiter *rate.Limiter
	modelName  string

	// Calibration (in-memory per run): ratio of actual to estimated tokens,
	// smoothed, bounded, never below 1.
	calibrationMu          sync.Mutex
	calibrationRatio       float64
	calibrationInitialized bool

	statsMu          sync.Mutex
	throttleCount    int
	throttleWaitTime time.Duration
}

// ThrottleStats summarizes proactive throttling for reporting.
type ThrottleStats struct {
	ThrottleCount      int   `json:"throttleCount"`
	ThrottleWaitTimeMs int64 `json:"throttleWaitTimeMs"`
}

// NewThrottledLLM creates a proactive rate-limit wrapper. Rate is per-second,
// burst is the full minute's worth, mirroring how provider quotas are stated.
func NewThrottledLLM(wrapped llms.Model, cfg model.RateLimitConfig, modelName string) *ThrottledLLM {
	t := &ThrottledLLM{wrapped: wrapped, modelName: modelName}

	if cfg.TPM > 0 {
		tokensPerSecond := float64(cfg.TPM) / 60.0
		t.tpmLimiter = rate.NewLimiter(rate.Limit(tokensPerSecond), cfg.TPM)
		logger.Logger.Info("Throttle configured", "type", "TPM", "limit", cfg.TPM)
	}
	if cfg.RPM > 0 {
		requestsPerSecond := float64(cfg.RPM) / 60.0
		t.rpmLimiter = rate.NewLimiter(rate.Limit(requestsPerSecond), cfg.RPM)
		logger.Logger.Info("Throttle configured", "type", "RPM", "limit", cfg.RPM)
	}
	return t
}

// GenerateContent implements llms.Model with proactive throttling.
func (t *ThrottledLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	if t.rpmLimiter != nil {
		throttleStart := time.Now()
		if err := t.rpmLimiter.Wait(ctx); err != nil {
			return nil, err
		}
		if waited := time.Since(throttleStart); waited > 10*time.Millisecond {
			t.recordThrottle(waited)
		}
	}

	baseEstimate := t.estimateInputTokens(messages)
	calibrated := t.applyCalibration(baseEstimate)

	if t.tpmLimiter != nil && calibrated > 0 {
		throttleStart := time.Now()
		if err := t.tpmLimiter.WaitN(ctx, calibrated); err != nil {
			return nil, err
		}
		if waited := time.Since(throttleStart); waited > 10*time.Millisecond {
			t.recordThrottle(waited)
		}
	}

	response, err := t.wrapped.GenerateContent(ctx, messages, options...)
	if err != nil {
		return nil, err
	}

	if response != nil && t.tpmLimiter != nil {
		actual := actualTokens(response)
		t.updateCalibration(baseEstimate, actual)
		if actual > calibrated {
			// Charge the limiter for the tokens we under-estimated.
			reservation := t.tpmLimiter.ReserveN(time.Now(), actual-calibrated)
			if reservation.OK() {
				logger.Logger.Debug("Reserved additional tokens",
					"estimated", calibrated, "actual", actual, "delay", reservation.Delay())
			}
		}
	}
	return response, nil
}

// Call implements llms.Model for simple text generation.
func (t *ThrottledLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextContent{Text: prompt}},
		},
	}
	response, err := t.GenerateContent(ctx, messages, options...)
	if err != nil {
		return "", err
	}
	if len(response.Choices) == 0 {
		return "", nil
	}
	return response.Choices[0].Content, nil
}

// Stats returns a copy of the throttle counters.
func (t *ThrottledLLM) Stats() ThrottleStats {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return ThrottleStats{
		ThrottleCount:      t.throttleCount,
		ThrottleWaitTimeMs: t.throttleWaitTime.Milliseconds(),
	}
}

func (t *ThrottledLLM) recordThrottle(waited time.Duration) {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	t.throttleCount++
	t.throttleWaitTime += waited
}

func (t *ThrottledLLM) applyCalibration(estimated int) int {
	if estimated <= 0 {
		return estimated
	}
	ratio := t.calibrationRatioValue()
	if ratio <= 1.0 {
		return estimated
	}
	adjusted := int(math.Ceil(float64(estimated) * ratio))
	if adjusted < estimated {
		return estimated
	}
	return adjusted
}

func (t *ThrottledLLM) calibrationRatioValue() float64 {
	t.calibrationMu.Lock()
	defer t.calibrationMu.Unlock()
	if !t.calibrationInitialized {
		return 1.0
	}
	return t.calibrationRatio
}

func (t *ThrottledLLM) updateCalibration(estimated, actual int) {
	if estimated <= 0 || actual <= 0 {
		return
	}
	ratio := float64(actual) / float64(estimated)
	if ratio < 1.0 {
		ratio = 1.0
	}
	if ratio > 5.0 {
		ratio = 5.0
	}

	t.calibrationMu.Lock()
	if !t.calibrationInitialized {
		t.calibrationRatio = ratio
		t.calibrationInitialized = true
	} else {
		// Exponential moving average to smooth spikes.
		alpha := 0.2
		t.calibrationRatio = (1.0-alpha)*t.calibrationRatio + alpha*ratio
	}
	t.calibrationMu.Unlock()
}

// estimateInputTokens prefers tiktoken and falls back to the ~4 chars/token
// heuristic when no encoding is available for the model.
func (t *ThrottledLLM) estimateInputTokens(messages []llms.MessageContent) int {
	if t.modelName != "" {
		if tokens := t.estimateAccurate(messages); tokens > 0 {
			return tokens
		}
	}
	return estimateSimple(messages)
}

func (t *ThrottledLLM) estimateAccurate(messages []llms.MessageContent) int {
	tkm, err := tiktoken.EncodingForModel(t.modelName)
	if err != nil {
		return 0
	}

	inputTokens := 0
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if textPart, ok := part.(llms.TextContent); ok {
				inputTokens += len(tkm.Encode(textPart.Text, nil, nil))
			}
		}
	}

	// Assume completion is half the input and add a 50% safety margin for
	// message framing, schemas, and provider-side counting differences.
	estimatedCompletion := inputTokens / 2
	totalEstimate := inputTokens + estimatedCompletion
	return totalEstimate + totalEstimate/2
}

func estimateSimple(messages []llms.MessageContent) int {
	totalChars := 0
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if p, ok := part.(llms.TextContent); ok {
				totalChars += len(p.Text)
			}
		}
	}
	tokens := totalChars / 4
	if tokens < 1 && totalChars > 0 {
		tokens = 1
	}
	return tokens
}

// actualTokens extracts the real token count from response metadata, trying
// the naming variants providers use.
func actualTokens(response *llms.ContentResponse) int {
	if response == nil || len(response.Choices) == 0 {
		return 0
	}
	info := response.Choices[0].GenerationInfo
	if info == nil {
		return 0
	}

	if v := extractInt(info["TotalTokens"]); v > 0 {
		return v
	}
	if v := extractInt(info["total_tokens"]); v > 0 {
		return v
	}

	pairs := [][2]string{
		{"PromptTokens", "CompletionTokens"},
		{"prompt_tokens", "completion_tokens"},
		{"input_tokens", "output_tokens"},
	}
	for _, pair := range pairs {
		in, out := extractInt(info[pair[0]]), extractInt(info[pair[1]])
		if in > 0 || out > 0 {
			return in + out
		}
	}
	return 0
}

func extractInt(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int32:
		return int(val)
	case int64:
		return int(val)
	case float64:
		return int(val)
	case float32:
		return int(val)
	default:
		return 0
	}
}
