package generator

import (
	"fmt"
	"strings"

	"github.com/mykhaliev/redbench/model"
	"gopkg.in/yaml.v3"
)

var validAssertionTypes = []string{
	"equals",
	"contains",
	"icontains",
	"not-contains",
	"starts-with",
	"regex",
	"jsonpath",
	"javascript",
	"guardrails",
	"latency",
	"max-tokens",
}

var validTypesLine = strings.Join(validAssertionTypes, ", ")

// testsWrapper is a helper for unmarshalling only the tests block.
type testsWrapper struct {
	Tests []model.TestCase `yaml:"tests"`
}

// ValidateTests parses the YAML content (which must contain a "tests:" key)
// and validates it against the known strategy names and assertion types.
// Returns a list of human-readable error strings; empty means valid.
func ValidateTests(yamlContent string, knownStrategies []string) []string {
	var errs []string

	var wrapper testsWrapper
	if err := yaml.Unmarshal([]byte(yamlContent), &wrapper); err != nil {
		return []string{fmt.Sprintf("YAML parse error: %v", err)}
	}
	if len(wrapper.Tests) == 0 {
		return []string{"no tests found in generated output"}
	}

	strategySet := make(map[string]bool, len(knownStrategies))
	for _, s := range knownStrategies {
		strategySet[s] = true
	}
	typeSet := make(map[string]bool, len(validAssertionTypes))
	for _, t := range validAssertionTypes {
		typeSet[t] = true
	}

	for ti, test := range wrapper.Tests {
		testLabel := fmt.Sprintf("test[%d](%q)", ti, test.Description)

		if test.Description == "" {
			errs = append(errs, fmt.Sprintf("%s: missing description", testLabel))
		}
		if _, ok := test.Vars["prompt"]; !ok {
			errs = append(errs, fmt.Sprintf("%s: vars is missing the prompt key", testLabel))
		}
		if len(test.Assert) == 0 {
			errs = append(errs, fmt.Sprintf("%s: has no assertions", testLabel))
		}

		sid, _ := test.Metadata["strategyId"].(string)
		if sid == "" {
			errs = append(errs, fmt.Sprintf("%s: missing metadata.strategyId", testLabel))
		} else if len(strategySet) > 0 && !strategySet[sid] {
			errs = append(errs, fmt.Sprintf(
				"%s: unknown strategy %q (valid: %s)",
				testLabel, sid, strings.Join(knownStrategies, ", ")))
		}

		for ai, a := range test.Assert {
			label := fmt.Sprintf("%s/assert[%d]", testLabel, ai)
			validateAssertion(a, label, typeSet, &errs, 0)
		}
	}

	return errs
}

func validateAssertion(a model.Assertion, label string, typeSet map[string]bool, errs *[]string, depth int) {
	if depth > 3 {
		*errs = append(*errs, fmt.Sprintf("%s: combinator nesting too deep", label))
		return
	}

	isCombinator := len(a.AnyOf) > 0 || len(a.AllOf) > 0 || a.Not != nil
	if isCombinator {
		for i, child := range a.AnyOf {
			validateAssertion(child, fmt.Sprintf("%s/anyOf[%d]", label, i), typeSet, errs, depth+1)
		}
		for i, child := range a.AllOf {
			validateAssertion(child, fmt.Sprintf("%s/allOf[%d]", label, i), typeSet, errs, depth+1)
		}
		if a.Not != nil {
			validateAssertion(*a.Not, label+"/not", typeSet, errs, depth+1)
		}
		return
	}

	if a.Type == "" {
		*errs = append(*errs, fmt.Sprintf("%s: missing type", label))
	} else if !typeSet[a.Type] {
		*errs = append(*errs, fmt.Sprintf("%s: unknown assertion type %q", label, a.Type))
	}
}
