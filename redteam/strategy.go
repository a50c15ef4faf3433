// Package redteam loads attack-strategy packs: directories describing one
// adversarial strategy (prompt-injection, jailbreak, data-exfiltration) whose
// metadata tags the tests it generates, so replay filters can slice a run by
// strategy or plugin.
package redteam

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mykhaliev/redbench/logger"
	"github.com/mykhaliev/redbench/model"
	"gopkg.in/yaml.v3"
)

const (
	StrategyFileName = "STRATEGY.md"
	PayloadsDir      = "payloads"
	MaxNameLength    = 64
	MaxDescLength    = 1024
)

// StrategyMetadata is the frontmatter of a STRATEGY.md file.
type StrategyMetadata struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	PluginID    string   `yaml:"plugin_id,omitempty"`
	Severity    string   `yaml:"severity,omitempty"` // low | medium | high | critical
	Tags        []string `yaml:"tags,omitempty"`
	Version     string   `yaml:"version,omitempty"`
}

// Strategy is a loaded attack-strategy pack.
type Strategy struct {
	Path     string           // Absolute path to the strategy directory
	Metadata StrategyMetadata // Parsed frontmatter
	Body     string           // Instructions body (after frontmatter)
	payloads map[string]string
}

// LoadStrategy loads and validates a strategy pack from a directory
// containing a STRATEGY.md file.
func LoadStrategy(strategyPath string) (*Strategy, error) {
	absPath, err := filepath.Abs(strategyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve strategy path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("strategy directory not found: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("strategy path must be a directory: %s", absPath)
	}

	content, err := os.ReadFile(filepath.Join(absPath, StrategyFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", StrategyFileName, err)
	}

	metadata, body, err := parseFrontmatter(string(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", StrategyFileName, err)
	}
	if err := validateMetadata(metadata); err != nil {
		return nil, fmt.Errorf("invalid strategy metadata: %w", err)
	}

	strategy := &Strategy{
		Path:     absPath,
		Metadata: *metadata,
		Body:     body,
		payloads: make(map[string]string),
	}

	logger.Logger.Info("Loaded strategy",
		"name", metadata.Name,
		"plugin", metadata.PluginID,
		"severity", metadata.Severity)
	return strategy, nil
}

// LoadStrategies loads every strategy pack directly under root. Directories
// without a STRATEGY.md are skipped.
func LoadStrategies(root string) ([]*Strategy, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list strategies in %q: %w", root, err)
	}

	var strategies []*Strategy
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, StrategyFileName)); os.IsNotExist(err) {
			continue
		}
		strategy, err := LoadStrategy(dir)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, strategy)
	}
	return strategies, nil
}

// Tag stamps a test with the strategy's identity so replay filters can select
// by strategyId, pluginId, or tags.
func (s *Strategy) Tag(test *model.TestCase) {
	if test.Metadata == nil {
		test.Metadata = make(map[string]any)
	}
	test.Metadata["strategyId"] = s.Metadata.Name
	if s.Metadata.PluginID != "" {
		test.Metadata["pluginId"] = s.Metadata.PluginID
	}
	if s.Metadata.Severity != "" {
		test.Metadata["severity"] = s.Metadata.Severity
	}
	if len(s.Metadata.Tags) > 0 {
		tags := make([]any, 0, len(s.Metadata.Tags))
		for _, t := range s.Metadata.Tags {
			tags = append(tags, t)
		}
		test.Metadata["tags"] = tags
	}
}

// ReadPayload reads a file from the strategy's payloads/ directory, with
// traversal protection and caching.
func (s *Strategy) ReadPayload(filename string) (string, error) {
	if content, ok := s.payloads[filename]; ok {
		return content, nil
	}

	payloadPath := filepath.Join(s.Path, PayloadsDir, filename)
	absPayloadPath, err := filepath.Abs(payloadPath)
	if err != nil {
		return "", fmt.Errorf("invalid payload path: %w", err)
	}
	payloadsRoot := filepath.Join(s.Path, PayloadsDir)
	if !strings.HasPrefix(absPayloadPath, payloadsRoot) {
		return "", fmt.Errorf("payload path escapes strategy directory: %s", filename)
	}

	content, err := os.ReadFile(absPayloadPath)
	if err != nil {
		return "", fmt.Errorf("failed to read payload %s: %w", filename, err)
	}
	s.payloads[filename] = string(content)
	return string(content), nil
}

// ListPayloads returns the payload files shipped with the strategy.
func (s *Strategy) ListPayloads() ([]string, error) {
	payloadsRoot := filepath.Join(s.Path, PayloadsDir)
	if _, err := os.Stat(payloadsRoot); os.IsNotExist(err) {
		return []string{}, nil
	}

	entries, err := os.ReadDir(payloadsRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to list payloads: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() {
			files = append(files, entry.Name())
		}
	}
	return files, nil
}

// parseFrontmatter extracts YAML frontmatter and body. Frontmatter must be
// delimited by --- at the start and end.
func parseFrontmatter(content string) (*StrategyMetadata, string, error) {
	content = strings.ReplaceAll(content, "\r\n", "\n")

	if !strings.HasPrefix(content, "---") {
		return nil, "", fmt.Errorf("%s must start with YAML frontmatter (---)", StrategyFileName)
	}
	endIndex := strings.Index(content[3:], "\n---")
	if endIndex == -1 {
		return nil, "", fmt.Errorf("%s frontmatter not properly closed (missing ---)", StrategyFileName)
	}

	frontmatterYAML := content[4 : endIndex+3]
	bodyStart := endIndex + 3 + 4 // Skip past "\n---"
	body := ""
	if bodyStart < len(content) {
		body = strings.TrimPrefix(content[bodyStart:], "\n")
	}

	var metadata StrategyMetadata
	if err := yaml.Unmarshal([]byte(frontmatterYAML), &metadata); err != nil {
		return nil, "", fmt.Errorf("invalid YAML frontmatter: %w", err)
	}
	return &metadata, body, nil
}

func validateMetadata(m *StrategyMetadata) error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(m.Name) > MaxNameLength {
		return fmt.Errorf("name must be 1-%d characters, got %d", MaxNameLength, len(m.Name))
	}
	namePattern := regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	if !namePattern.MatchString(m.Name) {
		return fmt.Errorf("name must be lowercase alphanumeric with hyphens: %s", m.Name)
	}
	if m.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(m.Description) > MaxDescLength {
		return fmt.Errorf("description must be 1-%d characters, got %d", MaxDescLength, len(m.Description))
	}
	switch m.Severity {
	case "", "low", "medium", "high", "critical":
	default:
		return fmt.Errorf("severity must be one of low, medium, high, critical: %s", m.Severity)
	}
	return nil
}
