package notify

import (
	"fmt"
	"strings"
	"sync"

	"github.com/aymerick/raymond"
)

// registerHelpersOnce guards raymond's global helper registry, which panics
// on duplicate registration.
var registerHelpersOnce sync.Once

// TemplateEngine renders Handlebars message templates with a compiled cache.
type TemplateEngine struct {
	cache map[string]*raymond.Template
	mu    sync.RWMutex
}

// NewTemplateEngine creates a new template engine.
func NewTemplateEngine() *TemplateEngine {
	registerHelpersOnce.Do(registerHelpers)
	return &TemplateEngine{
		cache: make(map[string]*raymond.Template),
	}
}

// Render renders a template with the given data.
func (e *TemplateEngine) Render(templateStr string, data interface{}) (string, error) {
	tmpl, err := e.getTemplate(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to compile template: %w", err)
	}

	result, err := tmpl.Exec(data)
	if err != nil {
		return "", fmt.Errorf("template execution failed: %w", err)
	}

	return result, nil
}

// Validate checks a template without rendering it.
func (e *TemplateEngine) Validate(templateStr string) error {
	_, err := raymond.Parse(templateStr)
	return err
}

// getTemplate gets a compiled template from cache or compiles it.
func (e *TemplateEngine) getTemplate(templateStr string) (*raymond.Template, error) {
	e.mu.RLock()
	if tmpl, ok := e.cache[templateStr]; ok {
		e.mu.RUnlock()
		return tmpl, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Check again in case another goroutine compiled it.
	if tmpl, ok := e.cache[templateStr]; ok {
		return tmpl, nil
	}

	tmpl, err := raymond.Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}

	e.cache[templateStr] = tmpl
	return tmpl, nil
}

func registerHelpers() {
	raymond.RegisterHelper("uppercase", func(str string) string {
		return strings.ToUpper(str)
	})

	raymond.RegisterHelper("lowercase", func(str string) string {
		return strings.ToLower(str)
	})

	raymond.RegisterHelper("trim", func(str string) string {
		return strings.TrimSpace(str)
	})

	// default helper returns defaultValue if the first arg is empty.
	raymond.RegisterHelper("default", func(value interface{}, defaultValue interface{}) interface{} {
		if value == nil || value == "" {
			return defaultValue
		}
		return value
	})

	raymond.RegisterHelper("eq", func(a, b interface{}) bool {
		return a == b
	})

	raymond.RegisterHelper("contains", func(str, substr string) bool {
		return strings.Contains(str, substr)
	})

	raymond.RegisterHelper("join", func(arr []interface{}, sep string) string {
		strs := make([]string, len(arr))
		for i, v := range arr {
			strs[i] = fmt.Sprint(v)
		}
		return strings.Join(strs, sep)
	})
}
