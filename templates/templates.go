// Package templates renders Handlebars-style templates in prompts, vars, and
// assertion values, with helpers for synthetic adversarial data.
package templates

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aymerick/raymond"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
)

const (
	alphanumericChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	alphabeticChars   = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	numericChars      = "0123456789"
	hexChars          = "0123456789abcdef"
)

type TemplateEngine struct{}

var (
	templateEngineInstance *TemplateEngine
	templateEngineOnce     sync.Once
)

// NewTemplateEngine returns the singleton instance, registering helpers once.
func NewTemplateEngine() *TemplateEngine {
	templateEngineOnce.Do(func() {
		RegisterHelpers()
		templateEngineInstance = &TemplateEngine{}
	})
	return templateEngineInstance
}

// Render expands a template against the given context. Parse failures return
// the input unchanged; plain strings frequently look template-ish.
func (e *TemplateEngine) Render(s string, ctx map[string]string) string {
	if s == "" {
		return s
	}
	t, err := raymond.Parse(s)
	if err != nil {
		return s
	}
	out, err := t.Exec(ctx)
	if err != nil {
		return s
	}
	return out
}

// StaticContext builds the base template context for a run: environment
// variables, the suite directory, and user-declared variables (which win).
func StaticContext(sourceFile string, variables map[string]string) map[string]string {
	ctx := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			ctx[k] = v
		}
	}
	if sourceFile != "" {
		if abs, err := filepath.Abs(filepath.Dir(sourceFile)); err == nil {
			ctx["SUITE_DIR"] = abs
		}
	}
	for k, v := range variables {
		ctx[k] = v
	}
	return ctx
}

// RegisterHelpers registers the custom Handlebars helpers.
func RegisterHelpers() {
	// randomValue generates noise strings for fuzzing-style test vars.
	raymond.RegisterHelper("randomValue", func(options *raymond.Options) string {
		randomType := strings.ToUpper(options.HashStr("type"))
		if randomType == "" {
			randomType = "ALPHANUMERIC"
		}
		if randomType == "UUID" {
			return uuid.New().String()
		}

		length := 10
		if lengthVal := options.HashProp("length"); lengthVal != nil {
			length = toInt(lengthVal)
			if length <= 0 {
				length = 10
			}
		}

		var result string
		switch randomType {
		case "ALPHABETIC":
			result = generateRandomString(alphabeticChars, length)
		case "NUMERIC":
			result = generateRandomString(numericChars, length)
		case "HEXADECIMAL":
			result = generateRandomString(hexChars, length)
		default:
			result = generateRandomString(alphanumericChars, length)
		}

		if raymond.IsTrue(options.HashProp("uppercase")) {
			result = strings.ToUpper(result)
		}
		return result
	})

	raymond.RegisterHelper("randomInt", func(options *raymond.Options) string {
		lower := 0
		upper := 100
		if lowerVal := options.HashProp("lower"); lowerVal != nil {
			lower = toInt(lowerVal)
		}
		if upperVal := options.HashProp("upper"); upperVal != nil {
			upper = toInt(upperVal)
		}
		if lower > upper {
			lower, upper = upper, lower
		}

		rangeSize := upper - lower + 1
		num, err := rand.Int(rand.Reader, big.NewInt(int64(rangeSize)))
		if err != nil {
			return "0"
		}
		return fmt.Sprintf("%d", int(num.Int64())+lower)
	})

	raymond.RegisterHelper("now", func(options *raymond.Options) string {
		now := time.Now().UTC()
		if offsetStr := options.HashStr("offset"); offsetStr != "" {
			if offset, err := ParseOffset(offsetStr); err == nil {
				now = now.Add(offset)
			}
		}
		switch options.HashStr("format") {
		case "epoch":
			return fmt.Sprintf("%d", now.UnixMilli())
		case "unix":
			return fmt.Sprintf("%d", now.Unix())
		default:
			return now.Format(time.RFC3339)
		}
	})

	// faker generates plausible personal data for social-engineering style
	// attack prompts without shipping real PII in suites.
	raymond.RegisterHelper("faker", func(key string) string {
		r := gofakeit.New(0)
		parts := strings.Split(key, ".")
		category := parts[0]
		sub := ""
		if len(parts) > 1 {
			sub = parts[1]
		}
		switch category {
		case "Name":
			switch sub {
			case "first_name":
				return r.FirstName()
			case "last_name":
				return r.LastName()
			default:
				return r.Name()
			}
		case "Internet":
			switch sub {
			case "email":
				return r.Email()
			case "url":
				return r.URL()
			case "ip":
				return r.IPv4Address()
			default:
				return r.Email()
			}
		case "Address":
			switch sub {
			case "city":
				return r.City()
			case "country":
				return r.Country()
			case "postcode":
				return r.Zip()
			default:
				return r.Street()
			}
		case "Company":
			return r.Company()
		case "Phone":
			return r.Phone()
		}
		return ""
	})
}

func generateRandomString(charset string, length int) string {
	result := make([]byte, length)
	max := big.NewInt(int64(len(charset)))
	for i := range result {
		num, err := rand.Int(rand.Reader, max)
		if err != nil {
			result[i] = charset[0]
			continue
		}
		result[i] = charset[num.Int64()]
	}
	return string(result)
}

// ParseOffset parses offsets like "-1h", "30m", "2h45m" relative to now.
func ParseOffset(offset string) (time.Duration, error) {
	offset = strings.TrimSpace(offset)
	if offset == "" {
		return 0, fmt.Errorf("empty offset")
	}
	d, err := time.ParseDuration(offset)
	if err != nil {
		return 0, fmt.Errorf("invalid offset %q: %w", offset, err)
	}
	return d, nil
}

func toInt(val any) int {
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}
