// Package report renders evaluation summaries as JSON and markdown.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/life4/genesis/slices"
	"github.com/mykhaliev/redbench/logger"
	"github.com/mykhaliev/redbench/model"
	"github.com/mykhaliev/redbench/scheduler"
)

// Summary is the aggregate view of one evaluation run.
type Summary struct {
	EvalID        string            `json:"evalId"`
	SuiteName     string            `json:"suiteName"`
	CreatedAt     time.Time         `json:"createdAt"`
	Total         int               `json:"total"`
	Passed        int               `json:"passed"`
	Failed        int               `json:"failed"`
	Errors        int               `json:"errors"`
	PassRate      float64           `json:"passRate"`
	TokensUsed    model.TokenUsage  `json:"tokensUsed"`
	ByProvider    []ProviderSummary `json:"byProvider"`
	Scheduler     []scheduler.Stats `json:"scheduler,omitempty"`
	FailedTests   []FailedTest      `json:"failedTests,omitempty"`
	ByStrategy    []StrategySummary `json:"byStrategy,omitempty"`
	NamedScoreAvg map[string]float64 `json:"namedScoreAvg,omitempty"`
}

type ProviderSummary struct {
	Provider string  `json:"provider"`
	Total    int     `json:"total"`
	Passed   int     `json:"passed"`
	PassRate float64 `json:"passRate"`
}

type StrategySummary struct {
	StrategyID string  `json:"strategyId"`
	Total      int     `json:"total"`
	Passed     int     `json:"passed"`
	PassRate   float64 `json:"passRate"`
}

type FailedTest struct {
	Description string `json:"description,omitempty"`
	Provider    string `json:"provider"`
	Reason      string `json:"reason"`
	Error       string `json:"error,omitempty"`
}

// Build computes the summary for an eval, folding in scheduler stats when any
// are supplied.
func Build(eval *model.Eval, schedStats []scheduler.Stats) *Summary {
	s := &Summary{
		EvalID:    eval.ID,
		SuiteName: eval.SuiteName,
		CreatedAt: eval.CreatedAt,
		Total:     len(eval.Results),
		Scheduler: schedStats,
	}

	byProvider := make(map[string]*ProviderSummary)
	byStrategy := make(map[string]*StrategySummary)
	namedTotals := make(map[string]float64)
	namedCounts := make(map[string]int)

	for _, res := range eval.Results {
		if res.Success {
			s.Passed++
		} else if res.FailureReason == model.FailureError {
			s.Errors++
		} else {
			s.Failed++
		}

		if res.Grading != nil && res.Grading.TokensUsed != nil {
			s.TokensUsed.Add(*res.Grading.TokensUsed)
		}

		ps, ok := byProvider[res.Provider]
		if !ok {
			ps = &ProviderSummary{Provider: res.Provider}
			byProvider[res.Provider] = ps
		}
		ps.Total++
		if res.Success {
			ps.Passed++
		}

		if sid, ok := res.TestCase.Metadata["strategyId"].(string); ok && sid != "" {
			ss, ok := byStrategy[sid]
			if !ok {
				ss = &StrategySummary{StrategyID: sid}
				byStrategy[sid] = ss
			}
			ss.Total++
			if res.Success {
				ss.Passed++
			}
		}

		if res.Grading != nil {
			for name, score := range res.Grading.NamedScores {
				namedTotals[name] += score
				namedCounts[name]++
			}
		}

		if !res.Success {
			reason := ""
			if res.Grading != nil {
				reason = res.Grading.Reason
			}
			s.FailedTests = append(s.FailedTests, FailedTest{
				Description: res.TestCase.Description,
				Provider:    res.Provider,
				Reason:      reason,
				Error:       res.Error,
			})
		}
	}

	if s.Total > 0 {
		s.PassRate = float64(s.Passed) / float64(s.Total)
	}

	for _, ps := range byProvider {
		if ps.Total > 0 {
			ps.PassRate = float64(ps.Passed) / float64(ps.Total)
		}
		s.ByProvider = append(s.ByProvider, *ps)
	}
	sort.Slice(s.ByProvider, func(i, j int) bool { return s.ByProvider[i].Provider < s.ByProvider[j].Provider })

	for _, ss := range byStrategy {
		if ss.Total > 0 {
			ss.PassRate = float64(ss.Passed) / float64(ss.Total)
		}
		s.ByStrategy = append(s.ByStrategy, *ss)
	}
	sort.Slice(s.ByStrategy, func(i, j int) bool { return s.ByStrategy[i].StrategyID < s.ByStrategy[j].StrategyID })

	if len(namedCounts) > 0 {
		s.NamedScoreAvg = make(map[string]float64, len(namedCounts))
		for name, total := range namedTotals {
			s.NamedScoreAvg[name] = total / float64(namedCounts[name])
		}
	}

	return s
}

// WriteJSON writes the full eval plus summary to path.
func WriteJSON(eval *model.Eval, summary *Summary, path string) error {
	payload := struct {
		Summary *Summary           `json:"summary"`
		Results []model.EvaluationResult `json:"results"`
	}{Summary: summary, Results: eval.Results}

	data, err := sonic.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize report: %w", err)
	}
	if err := writeFile(path, data); err != nil {
		return err
	}
	logger.Logger.Info("JSON report written", "path", path)
	return nil
}

// WriteMarkdown writes a human-readable summary to path.
func WriteMarkdown(summary *Summary, path string) error {
	var b strings.Builder

	fmt.Fprintf(&b, "# Evaluation Report: %s\n\n", orDefault(summary.SuiteName, summary.EvalID))
	fmt.Fprintf(&b, "- **Eval ID:** %s\n", summary.EvalID)
	fmt.Fprintf(&b, "- **Date:** %s\n", summary.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Total:** %d | **Passed:** %d | **Failed:** %d | **Errors:** %d\n", summary.Total, summary.Passed, summary.Failed, summary.Errors)
	fmt.Fprintf(&b, "- **Pass rate:** %.1f%%\n\n", summary.PassRate*100)

	if len(summary.ByProvider) > 0 {
		b.WriteString("## Providers\n\n")
		b.WriteString("| Provider | Total | Passed | Pass rate |\n")
		b.WriteString("|---|---|---|---|\n")
		for _, ps := range summary.ByProvider {
			fmt.Fprintf(&b, "| %s | %d | %d | %.1f%% |\n", ps.Provider, ps.Total, ps.Passed, ps.PassRate*100)
		}
		b.WriteString("\n")
	}

	if len(summary.ByStrategy) > 0 {
		b.WriteString("## Attack strategies\n\n")
		b.WriteString("| Strategy | Total | Passed | Pass rate |\n")
		b.WriteString("|---|---|---|---|\n")
		for _, ss := range summary.ByStrategy {
			fmt.Fprintf(&b, "| %s | %d | %d | %.1f%% |\n", ss.StrategyID, ss.Total, ss.Passed, ss.PassRate*100)
		}
		b.WriteString("\n")
	}

	if len(summary.Scheduler) > 0 {
		b.WriteString("## Scheduler\n\n")
		b.WriteString("| Endpoint | Cap | Requests | Rate-limit hits | Retries | p95 latency |\n")
		b.WriteString("|---|---|---|---|---|---|\n")
		for _, st := range summary.Scheduler {
			fmt.Fprintf(&b, "| %s | %d/%d | %d | %d | %d | %dms |\n",
				st.Key, st.MaxConcurrency, st.InitialConcurrency,
				st.TotalRequests, st.RateLimitHits, st.RetriedRequests, st.LatencyP95Ms)
		}
		b.WriteString("\n")
	}

	if len(summary.FailedTests) > 0 {
		b.WriteString("## Failures\n\n")
		for _, ft := range summary.FailedTests {
			desc := orDefault(ft.Description, "(no description)")
			reason := ft.Reason
			if ft.Error != "" {
				reason = ft.Error
			}
			fmt.Fprintf(&b, "- **%s** (%s): %s\n", desc, ft.Provider, reason)
		}
	}

	if err := writeFile(path, []byte(b.String())); err != nil {
		return err
	}
	logger.Logger.Info("Markdown report written", "path", path)
	return nil
}

// TopFailures returns up to n failed results, worst scores first.
func TopFailures(eval *model.Eval, n int) []model.EvaluationResult {
	failed := slices.Filter(eval.Results, func(r model.EvaluationResult) bool {
		return !r.Success
	})
	sort.SliceStable(failed, func(i, j int) bool {
		return gradingScore(failed[i]) < gradingScore(failed[j])
	})
	if len(failed) > n {
		failed = failed[:n]
	}
	return failed
}

func gradingScore(r model.EvaluationResult) float64 {
	if r.Grading == nil {
		return 0
	}
	return r.Grading.Score
}

func writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write report %q: %w", path, err)
	}
	return nil
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
