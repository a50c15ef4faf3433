package provider

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mykhaliev/redbench/logger"
)

// captureStaleness bounds how long captured headers are trusted to belong to
// the current request.
const captureStaleness = 60 * time.Second

// CaptureClient wraps an http.Client to record the headers and status of the
// last response. LangChainGo does not expose HTTP headers in its errors, only
// message text; intercepting the response is the only way the scheduler can
// learn quotas and Retry-After values.
type CaptureClient struct {
	wrapped *http.Client

	mu         sync.RWMutex
	lastStatus int
	lastHeader http.Header
	lastAt     time.Time
}

// NewCaptureClient creates a capturing wrapper. A nil wrapped client gets a
// default with a 30 second timeout.
func NewCaptureClient(wrapped *http.Client) *CaptureClient {
	if wrapped == nil {
		wrapped = &http.Client{Timeout: 30 * time.Second}
	}
	return &CaptureClient{wrapped: wrapped}
}

// Do implements the Doer interface LangChainGo expects.
func (c *CaptureClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.wrapped.Do(req)
	if err != nil {
		return resp, err
	}

	c.mu.Lock()
	c.lastStatus = resp.StatusCode
	c.lastHeader = resp.Header.Clone()
	c.lastAt = time.Now()
	c.mu.Unlock()

	if resp.StatusCode == http.StatusTooManyRequests && logger.Logger != nil {
		logger.Logger.Debug("Captured 429 response",
			"retry_after", resp.Header.Get("Retry-After"),
			"retry_after_ms", resp.Header.Get("retry-after-ms"))
	}
	return resp, err
}

// Headers returns the last response's headers as a flat mapping, plus a
// pseudo "status" entry, in the shape the scheduler's GetHeaders hook wants.
// Stale captures return nil.
func (c *CaptureClient) Headers() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.lastHeader == nil || time.Since(c.lastAt) > captureStaleness {
		return nil
	}
	out := make(map[string]string, len(c.lastHeader)+1)
	for k, vs := range c.lastHeader {
		if len(vs) > 0 {
			out[strings.ToLower(k)] = vs[0]
		}
	}
	out["status"] = strconv.Itoa(c.lastStatus)
	return out
}

// RetryAfter returns the server-requested backoff from the last response.
// retry-after-ms (Azure OpenAI, milliseconds) wins over the standard header.
func (c *CaptureClient) RetryAfter() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.lastHeader == nil || time.Since(c.lastAt) > captureStaleness {
		return 0
	}

	if msValue := c.lastHeader.Get("retry-after-ms"); msValue != "" {
		if ms, err := strconv.Atoi(strings.TrimSpace(msValue)); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return parseRetryAfterHeader(c.lastHeader.Get("Retry-After"))
}

// Clear drops the captured state so it is not reused across requests.
func (c *CaptureClient) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastStatus = 0
	c.lastHeader = nil
	c.lastAt = time.Time{}
}

// parseRetryAfterHeader parses the standard Retry-After header: integer
// seconds or an HTTP-date.
func parseRetryAfterHeader(value string) time.Duration {
	if value == "" {
		return 0
	}
	value = strings.TrimSpace(value)

	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	httpDateFormats := []string{
		time.RFC1123,
		time.RFC1123Z,
		"Mon, 02 Jan 2006 15:04:05 MST",
	}
	for _, format := range httpDateFormats {
		if t, err := time.Parse(format, value); err == nil {
			duration := time.Until(t)
			if duration > 0 {
				return duration
			}
			// Past dates still signal backoff; use a minimum.
			return time.Second
		}
	}

	if logger.Logger != nil {
		logger.Logger.Warn("Could not parse Retry-After header", "value", value)
	}
	return 0
}
