package provider

import (
	"context"
	"testing"
	"time"

	"github.com/mykhaliev/redbench/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

type stubLLM struct {
	calls int
}

func (s *stubLLM) GenerateContent(context.Context, []llms.MessageContent, ...llms.CallOption) (*llms.ContentResponse, error) {
	s.calls++
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{
			{
				Content:        "ok",
				GenerationInfo: map[string]any{"total_tokens": 40},
			},
		},
	}, nil
}

func (s *stubLLM) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	resp, err := s.GenerateContent(ctx, nil, opts...)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Content, nil
}

func message(text string) []llms.MessageContent {
	return []llms.MessageContent{
		{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextContent{Text: text}}},
	}
}

// ============================================================================
// Throttle Tests
// ============================================================================

func TestThrottledLLMPassthroughWithoutLimits(t *testing.T) {
	stub := &stubLLM{}
	throttled := NewThrottledLLM(stub, model.RateLimitConfig{}, "")

	resp, err := throttled.GenerateContent(context.Background(), message("hi"))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Choices[0].Content)
	assert.Equal(t, 1, stub.calls)
}

func TestThrottledLLMRPMThrottles(t *testing.T) {
	stub := &stubLLM{}
	// Burst of 1: the second call inside the same second has to wait.
	throttled := NewThrottledLLM(stub, model.RateLimitConfig{RPM: 60}, "")
	throttled.rpmLimiter.SetBurst(1)

	ctx := context.Background()
	_, err := throttled.GenerateContent(ctx, message("a"))
	require.NoError(t, err)

	start := time.Now()
	_, err = throttled.GenerateContent(ctx, message("b"))
	require.NoError(t, err)
	assert.Greater(t, time.Since(start), 500*time.Millisecond, "second call waits for the refill")
	assert.GreaterOrEqual(t, throttled.Stats().ThrottleCount, 1)
}

func TestThrottledLLMRespectsCancellation(t *testing.T) {
	stub := &stubLLM{}
	throttled := NewThrottledLLM(stub, model.RateLimitConfig{RPM: 1}, "")
	throttled.rpmLimiter.SetBurst(1)

	ctx := context.Background()
	_, err := throttled.GenerateContent(ctx, message("a"))
	require.NoError(t, err)

	cancelled, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = throttled.GenerateContent(cancelled, message("b"))
	assert.Error(t, err, "waiting for the limiter aborts with the context")
	assert.Equal(t, 1, stub.calls)
}

func TestCalibrationNeverShrinksEstimates(t *testing.T) {
	throttled := NewThrottledLLM(&stubLLM{}, model.RateLimitConfig{TPM: 100000}, "")

	throttled.updateCalibration(10, 30)
	assert.Equal(t, 30, throttled.applyCalibration(10), "3x observed ratio inflates estimates")

	throttled.updateCalibration(10, 5)
	assert.GreaterOrEqual(t, throttled.applyCalibration(10), 10,
		"calibration is bounded below by the raw estimate")
}

func TestCallDelegatesToGenerateContent(t *testing.T) {
	stub := &stubLLM{}
	throttled := NewThrottledLLM(stub, model.RateLimitConfig{}, "")

	out, err := throttled.Call(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}
