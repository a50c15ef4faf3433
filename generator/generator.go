// Package generator implements the test generation mode (-g flag).
// It reads a generator config file, loads attack-strategy packs, and uses an
// LLM to produce a ready-to-run adversarial suite YAML file.
package generator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mykhaliev/redbench/logger"
	"github.com/mykhaliev/redbench/provider"
	"github.com/mykhaliev/redbench/redteam"
	"github.com/mykhaliev/redbench/templates"
	"github.com/tmc/langchaingo/llms"
	"gopkg.in/yaml.v3"
)

const maxRetries = 3

// Run is the main entry point for generation mode. It orchestrates config
// loading, strategy loading, LLM generation, validation, and output (file or
// stdout for dry-run).
func Run(ctx context.Context, configPath, outputDir string, dryRun bool) error {
	cfg, err := ParseGeneratorConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load generator config: %w", err)
	}

	logger.Logger.Info("Generator config loaded",
		"providers", len(cfg.Providers),
		"test_count", cfg.Generator.TestCount,
		"strategy_dir", cfg.Generator.StrategyDir)

	templateCtx := templates.StaticContext(configPath, cfg.Variables)

	providers, err := provider.InitProviders(ctx, cfg.Providers, templateCtx)
	if err != nil {
		return fmt.Errorf("failed to initialise providers: %w", err)
	}

	generatorProv, ok := providers[cfg.Generator.Provider]
	if !ok {
		return fmt.Errorf("generator provider %q not found in providers", cfg.Generator.Provider)
	}

	strategies, err := loadSelectedStrategies(cfg)
	if err != nil {
		return err
	}
	if len(strategies) == 0 {
		return fmt.Errorf("no attack strategies found under %q", cfg.Generator.StrategyDir)
	}

	strategyNames := make([]string, 0, len(strategies))
	for _, s := range strategies {
		strategyNames = append(strategyNames, s.Metadata.Name)
	}

	testsYAML, err := generateWithRetry(ctx, generatorProv.LLM, cfg, strategies, strategyNames)
	if err != nil {
		return fmt.Errorf("test generation failed: %w", err)
	}

	fullYAML, err := combineOutput(configPath, testsYAML)
	if err != nil {
		return fmt.Errorf("failed to combine output: %w", err)
	}

	if dryRun {
		fmt.Println(fullYAML)
		return nil
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory %q: %w", outputDir, err)
	}
	timestamp := time.Now().Format("20060102_150405")
	outFile := filepath.Join(outputDir, fmt.Sprintf("generated_suite_%s.yaml", timestamp))
	if err := os.WriteFile(outFile, []byte(fullYAML), 0644); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}

	logger.Logger.Info("Generated suite configuration", "path", outFile)
	return nil
}

func loadSelectedStrategies(cfg *GeneratorConfig) ([]*redteam.Strategy, error) {
	all, err := redteam.LoadStrategies(cfg.Generator.StrategyDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load strategies: %w", err)
	}
	if len(cfg.Generator.Strategies) == 0 {
		return all, nil
	}

	wanted := make(map[string]bool, len(cfg.Generator.Strategies))
	for _, name := range cfg.Generator.Strategies {
		wanted[name] = true
	}
	var selected []*redteam.Strategy
	for _, s := range all {
		if wanted[s.Metadata.Name] {
			selected = append(selected, s)
		}
	}
	return selected, nil
}

// generateWithRetry asks the LLM for a tests block and retries with the
// validation errors folded back into the prompt.
func generateWithRetry(ctx context.Context, llm llms.Model, cfg *GeneratorConfig, strategies []*redteam.Strategy, strategyNames []string) (string, error) {
	var prevErrors []string

	for attempt := 0; attempt < maxRetries; attempt++ {
		messages := BuildGenerationPrompt(cfg, strategies, attempt, prevErrors)

		response, err := llm.GenerateContent(ctx, messages)
		if err != nil {
			return "", err
		}
		if len(response.Choices) == 0 {
			prevErrors = []string{"empty response from generator LLM"}
			continue
		}

		content := stripCodeFences(response.Choices[0].Content)
		errs := ValidateTests(content, strategyNames)
		if len(errs) == 0 {
			return content, nil
		}

		logger.Logger.Warn("Generated tests failed validation, retrying",
			"attempt", attempt+1, "errors", len(errs))
		prevErrors = errs
	}

	return "", fmt.Errorf("output never passed validation after %d attempts: %s", maxRetries, strings.Join(prevErrors, "; "))
}

// combineOutput merges the original config (minus the generator section) with
// the generated tests block into one runnable suite file.
func combineOutput(configPath, testsYAML string) (string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return "", err
	}
	delete(raw, "generator")

	var generated map[string]any
	if err := yaml.Unmarshal([]byte(testsYAML), &generated); err != nil {
		return "", err
	}
	raw["tests"] = generated["tests"]

	out, err := yaml.Marshal(raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// stripCodeFences removes markdown fences models sometimes add despite the
// output rules.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
