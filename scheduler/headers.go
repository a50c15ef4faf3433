package scheduler

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Header families understood by the scheduler. Providers disagree on naming;
// the first header found in each family wins.
var (
	remainingRequestHeaders = []string{
		"x-ratelimit-remaining-requests",
		"x-ratelimit-remaining",
		"anthropic-ratelimit-requests-remaining",
		"ratelimit-remaining",
	}
	limitRequestHeaders = []string{
		"x-ratelimit-limit-requests",
		"x-ratelimit-limit",
		"anthropic-ratelimit-requests-limit",
		"ratelimit-limit",
	}
	remainingTokenHeaders = []string{
		"x-ratelimit-remaining-tokens",
		"anthropic-ratelimit-tokens-remaining",
		"ratelimit-remaining-tokens",
	}
	limitTokenHeaders = []string{
		"x-ratelimit-limit-tokens",
		"anthropic-ratelimit-tokens-limit",
		"ratelimit-limit-tokens",
	}
	resetHeaders = []string{
		"x-ratelimit-reset-requests",
		"x-ratelimit-reset",
		"anthropic-ratelimit-requests-reset",
		"ratelimit-reset",
	}
)

type headerInfo struct {
	remaining       *int
	limit           *int
	tokensRemaining *int
	tokensLimit     *int
	resetAt         *time.Time
	retryAfter      *time.Duration
}

// parseRateLimitHeaders extracts the quota signals the scheduler understands
// from a response header mapping. Header names are matched case-insensitively.
func parseRateLimitHeaders(headers map[string]string, now time.Time) headerInfo {
	var info headerInfo
	if len(headers) == 0 {
		return info
	}

	lower := make(map[string]string, len(headers))
	for k, v := range headers {
		lower[strings.ToLower(k)] = strings.TrimSpace(v)
	}

	info.remaining = firstCount(lower, remainingRequestHeaders)
	info.limit = firstCount(lower, limitRequestHeaders)
	info.tokensRemaining = firstCount(lower, remainingTokenHeaders)
	info.tokensLimit = firstCount(lower, limitTokenHeaders)

	for _, name := range resetHeaders {
		if v, ok := lower[name]; ok && v != "" {
			if t, ok := parseResetValue(v, now); ok {
				info.resetAt = &t
				break
			}
		}
	}

	// retry-after-ms is more precise and wins over the seconds variant.
	if v, ok := lower["retry-after-ms"]; ok {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			d := time.Duration(ms) * time.Millisecond
			info.retryAfter = &d
		}
	}
	if info.retryAfter == nil {
		if v, ok := lower["retry-after"]; ok && v != "" {
			if d, ok := parseRetryAfterValue(v, now); ok {
				info.retryAfter = &d
			}
		}
	}

	return info
}

// firstCount returns the first parseable counter among the candidate headers.
// Non-integer and negative values are rejected; zero is valid and means the
// quota is exhausted right now.
func firstCount(lower map[string]string, candidates []string) *int {
	for _, name := range candidates {
		v, ok := lower[name]
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			continue
		}
		return &n
	}
	return nil
}

var durationPattern = regexp.MustCompile(`^(?:(\d+)h)?(?:(\d+)m)?(?:(\d+)s)?(?:(\d+)ms)?$`)

// parseResetValue interprets a reset header as, in order: a Unix timestamp
// (milliseconds when implausibly large for seconds), a short relative integer
// of seconds-from-now, a composite duration string (1h30m5s), or an HTTP-date
// within a year of now. Anything else is ignored.
func parseResetValue(value string, now time.Time) (time.Time, bool) {
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		if n < 0 {
			return time.Time{}, false
		}
		switch {
		case n > 10_000_000_000:
			return time.UnixMilli(n), true
		case n > 1_000_000_000:
			return time.Unix(n, 0), true
		default:
			return now.Add(time.Duration(n) * time.Second), true
		}
	}

	if d, ok := parseCompositeDuration(value); ok {
		return now.Add(d), true
	}

	if t, ok := parseHTTPDate(value); ok {
		if t.Before(now.Add(-365*24*time.Hour)) || t.After(now.Add(365*24*time.Hour)) {
			return time.Time{}, false
		}
		return t, true
	}

	return time.Time{}, false
}

// parseCompositeDuration parses duration strings with additive ms|s|m|h
// components, e.g. "1h30m5s" or "250ms".
func parseCompositeDuration(value string) (time.Duration, bool) {
	m := durationPattern.FindStringSubmatch(value)
	if m == nil || (m[1] == "" && m[2] == "" && m[3] == "" && m[4] == "") {
		return 0, false
	}
	var d time.Duration
	if m[1] != "" {
		h, _ := strconv.Atoi(m[1])
		d += time.Duration(h) * time.Hour
	}
	if m[2] != "" {
		min, _ := strconv.Atoi(m[2])
		d += time.Duration(min) * time.Minute
	}
	if m[3] != "" {
		s, _ := strconv.Atoi(m[3])
		d += time.Duration(s) * time.Second
	}
	if m[4] != "" {
		ms, _ := strconv.Atoi(m[4])
		d += time.Duration(ms) * time.Millisecond
	}
	return d, true
}

// parseRetryAfterValue parses a Retry-After header: integer seconds or an
// HTTP-date. Zero seconds is valid and means "immediate".
func parseRetryAfterValue(value string, now time.Time) (time.Duration, bool) {
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, ok := parseHTTPDate(value); ok {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

var httpDateFormats = []string{
	time.RFC1123,
	time.RFC1123Z,
	"Mon, 02 Jan 2006 15:04:05 MST",
	time.RFC850,
	time.ANSIC,
}

func parseHTTPDate(value string) (time.Time, bool) {
	for _, format := range httpDateFormats {
		if t, err := time.Parse(format, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
