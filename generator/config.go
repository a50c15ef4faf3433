package generator

import (
	"fmt"
	"os"

	"github.com/mykhaliev/redbench/model"
	"gopkg.in/yaml.v3"
)

// GeneratorConfig is the top-level structure for a generator config file.
// It mirrors SuiteConfiguration but omits Tests and adds a Generator section.
type GeneratorConfig struct {
	Providers []model.Provider  `yaml:"providers"`
	Variables map[string]string `yaml:"variables,omitempty"`
	Settings  model.Settings    `yaml:"settings"`
	Generator GeneratorSettings `yaml:"generator"`
}

// GeneratorSettings controls the adversarial test generation behaviour.
type GeneratorSettings struct {
	Provider     string   `yaml:"provider"`      // LLM to use for generation
	TestCount    int      `yaml:"test_count"`    // Number of tests to generate (default 5)
	StrategyDir  string   `yaml:"strategy_dir"`  // Directory of attack-strategy packs
	Strategies   []string `yaml:"strategies"`    // Allowlist of strategy names; empty means all
	TargetPurpose string  `yaml:"target_purpose"` // One-line description of the system under test
}

func (s *GeneratorSettings) applyDefaults() {
	if s.TestCount <= 0 {
		s.TestCount = 5
	}
}

// ParseGeneratorConfig reads and unmarshals a generator config YAML file,
// applying defaults for any omitted generator settings.
func ParseGeneratorConfig(path string) (*GeneratorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read generator config %q: %w", path, err)
	}

	var cfg GeneratorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse generator config %q: %w", path, err)
	}

	cfg.Generator.applyDefaults()

	if cfg.Generator.Provider == "" && len(cfg.Providers) > 0 {
		cfg.Generator.Provider = cfg.Providers[0].Name
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("generator config has no providers")
	}
	return &cfg, nil
}
